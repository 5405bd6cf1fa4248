// Package hub tracks WebSocket clients and fans module replies out to
// them. Inbound frames are resolved to registered commands, dispatched
// to a module instance, and their replies routed back per the
// command's broadcast flag and the frame's target field.
package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/pylonhq/pylon/internal/core"
	"github.com/pylonhq/pylon/internal/correlator"
	"github.com/pylonhq/pylon/internal/domain"
	"github.com/pylonhq/pylon/internal/logging"
	"github.com/pylonhq/pylon/internal/metrics"
	"github.com/pylonhq/pylon/internal/registry"
)

// Plane is the slice of the module plane the hub drives.
type Plane interface {
	Invoke(ctx context.Context, req core.InvokeRequest) correlator.Result
	LookupCommand(fullName string) (registry.CommandEntry, bool)
	NotifyClientConnect(clientID string)
	NotifyClientDisconnect(clientID string)
}

// TokenVerifier turns a bearer token into an identity. Implemented by
// the auth gate; a failed verification means anonymous.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*domain.Identity, error)
}

// Player is the hub's minimal online record for one connection.
type Player struct {
	ClientID string `json:"clientId"`
	LoggedIn bool   `json:"loggedIn"`
	UserID   string `json:"userId,omitempty"`
	Username string `json:"username,omitempty"`
}

// Hub owns every live WebSocket client. The client set and the id
// index always hold exactly the same clients; both mutate under mu in
// a single transaction.
type Hub struct {
	plane    Plane
	verifier TokenVerifier
	origins  []string
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*Client]struct{}
	byID    map[string]*Client
}

func New(plane Plane, verifier TokenVerifier, origins []string) *Hub {
	h := &Hub{
		plane:    plane,
		verifier: verifier,
		origins:  origins,
		clients:  make(map[*Client]struct{}),
		byID:     make(map[string]*Client),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return h.originAllowed(origin)
		},
	}
	return h
}

func (h *Hub) originAllowed(origin string) bool {
	if OriginAllowed(origin, h.origins) {
		return true
	}
	logging.Op().Warn("websocket origin rejected", "origin", origin)
	return false
}

// OriginAllowed checks an Origin header value against a whitelist.
// Supports "*" and wildcard subdomain patterns like
// "https://*.example.com".
func OriginAllowed(origin string, allowed []string) bool {
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
		if strings.Contains(a, "*") && matchWildcardOrigin(origin, a) {
			return true
		}
	}
	return false
}

func matchWildcardOrigin(origin, pattern string) bool {
	parts := strings.SplitN(pattern, "*", 2)
	if len(parts) != 2 {
		return false
	}
	prefix, suffix := parts[0], parts[1]
	if !strings.HasPrefix(origin, prefix) || !strings.HasSuffix(origin, suffix) {
		return false
	}
	middle := origin[len(prefix) : len(origin)-len(suffix)]
	return !strings.Contains(middle, "/")
}

// ServeHTTP upgrades the connection and runs the client until it
// closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Op().Warn("websocket upgrade failed", "error", err)
		return
	}

	client := newClient(h, conn, uuid.NewString())
	h.add(client)
	h.plane.NotifyClientConnect(client.id)
	logging.Op().Debug("client connected", "clientId", client.id)

	go client.writePump()
	client.readPump()

	h.remove(client)
	h.plane.NotifyClientDisconnect(client.id)
	logging.Op().Debug("client disconnected", "clientId", client.id)
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.byID[c.id] = c
	n := len(h.clients)
	h.mu.Unlock()
	metrics.SetWSClients(n)
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	delete(h.byID, c.id)
	n := len(h.clients)
	h.mu.Unlock()
	c.close()
	metrics.SetWSClients(n)
}

func (h *Hub) lookup(clientID string) *Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.byID[clientID]
}

func (h *Hub) snapshot() []*Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		out = append(out, c)
	}
	return out
}

// ClientCount reports the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Players lists the online records of every connected client, ordered
// by client id.
func (h *Hub) Players() []Player {
	clients := h.snapshot()
	out := make([]Player, 0, len(clients))
	for _, c := range clients {
		out = append(out, c.player())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

// SendModuleMessage delivers a module-initiated payload to one client.
// Reports whether the client was connected.
func (h *Hub) SendModuleMessage(clientID string, payload json.RawMessage) bool {
	c := h.lookup(clientID)
	if c == nil {
		return false
	}
	return c.enqueue(payload)
}

// BroadcastModuleMessage delivers a module-initiated payload to every
// client.
func (h *Hub) BroadcastModuleMessage(payload json.RawMessage) {
	for _, c := range h.snapshot() {
		c.enqueue(payload)
	}
}

// DisconnectClient closes one client's socket with a normal closure
// frame carrying the reason.
func (h *Hub) DisconnectClient(clientID, reason string) {
	c := h.lookup(clientID)
	if c == nil {
		return
	}
	c.closeWithReason(reason)
}

// Shutdown closes every client with a normal closure frame. Used on
// graceful server stop.
func (h *Hub) Shutdown(reason string) {
	for _, c := range h.snapshot() {
		c.closeWithReason(reason)
	}
}

// broadcast sends raw bytes to every client with an open socket.
func (h *Hub) broadcast(data []byte) {
	for _, c := range h.snapshot() {
		c.enqueueRaw(data)
	}
	metrics.RecordBroadcast()
}

// route delivers a command reply per the fan-out policy: broadcast
// when asked, otherwise to the named target, falling back to the
// sender.
func (h *Hub) route(sender *Client, target string, broadcast bool, data []byte) {
	if target == "broadcast" || broadcast {
		h.broadcast(data)
		return
	}
	if target != "" && target != "self" && target != sender.id {
		if c := h.lookup(target); c != nil {
			c.enqueueRaw(data)
			return
		}
	}
	sender.enqueueRaw(data)
}

const writeWait = 10 * time.Second
