package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/pylonhq/pylon/internal/core"
	"github.com/pylonhq/pylon/internal/correlator"
	"github.com/pylonhq/pylon/internal/domain"
	"github.com/pylonhq/pylon/internal/logging"
)

// frame is one inbound WebSocket message.
type frame struct {
	Command string          `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
	ID      string          `json:"id,omitempty"`
	Token   string          `json:"token,omitempty"`
	Target  string          `json:"target,omitempty"`
}

// Client is one live WebSocket connection. All socket writes go
// through send; gorilla permits a single writer.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu       sync.Mutex
	closed   bool
	loggedIn bool
	userID   string
	username string
}

func newClient(h *Hub, conn *websocket.Conn, id string) *Client {
	return &Client{
		id:   id,
		hub:  h,
		conn: conn,
		send: make(chan []byte, 64),
	}
}

func (c *Client) player() Player {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Player{
		ClientID: c.id,
		LoggedIn: c.loggedIn,
		UserID:   c.userID,
		Username: c.username,
	}
}

func (c *Client) setIdentity(ident *domain.Identity) {
	c.mu.Lock()
	c.loggedIn = true
	c.userID = ident.UserID
	c.username = ident.Username
	c.mu.Unlock()
}

// enqueue wraps a module-initiated payload in the moduleMessage
// envelope and queues it for the write pump.
func (c *Client) enqueue(payload json.RawMessage) bool {
	data, err := json.Marshal(struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}{Type: "moduleMessage", Payload: payload})
	if err != nil {
		return false
	}
	return c.enqueueRaw(data)
}

// enqueueRaw queues bytes for the write pump. A full queue drops the
// message rather than blocking the caller.
func (c *Client) enqueueRaw(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		logging.Op().Warn("client send queue full, dropping message", "clientId", c.id)
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()
	_ = c.conn.Close()
}

// closeWithReason sends a normal closure frame whose text is a JSON
// {"reason": ...} record, then closes the socket.
func (c *Client) closeWithReason(reason string) {
	text, _ := json.Marshal(map[string]string{"reason": reason})
	deadline := time.Now().Add(writeWait)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(text))
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	c.close()
}

func (c *Client) writePump() {
	for data := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

func (c *Client) readPump() {
	defer c.close()
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			logging.Op().Warn("invalid frame dropped", "clientId", c.id, "error", err)
			continue
		}
		if f.Command == "" {
			continue
		}
		go c.handleFrame(f)
	}
}

// handleFrame resolves and dispatches one command frame and routes the
// reply.
func (c *Client) handleFrame(f frame) {
	module, _, ok := domain.SplitCommand(f.Command)
	if !ok {
		return
	}
	entry, ok := c.hub.plane.LookupCommand(f.Command)
	if !ok {
		logging.Op().Debug("unknown command dropped", "command", f.Command, "clientId", c.id)
		return
	}

	id := f.ID
	if id == "" {
		id = uuid.NewString()
	}

	// Never trust a client-supplied user field.
	payload := scrubUser(f.Payload)
	payload["socketId"] = mustRaw(c.id)

	var shardKey string
	if f.Token != "" && c.hub.verifier != nil {
		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		ident, err := c.hub.verifier.Verify(ctx, f.Token)
		cancel()
		if err == nil && ident != nil {
			c.setIdentity(ident)
			if raw, err := json.Marshal(ident); err == nil {
				payload["user"] = raw
			}
			shardKey = ident.UserID
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	res := c.hub.plane.Invoke(context.Background(), core.InvokeRequest{
		Kind:      correlator.KindWS,
		Module:    module,
		HandlerID: entry.HandlerID,
		RequestID: id,
		Payload:   body,
		ShardKey:  shardKey,
	})

	if res.Err != nil {
		// Failed commands get no reply frame; the client's own
		// deadline governs.
		logging.Op().Debug("command failed", "command", f.Command, "clientId", c.id, "error", res.Err)
		return
	}

	reply := map[string]json.RawMessage{
		"id":      mustRaw(id),
		"payload": res.Payload,
	}
	data, err := json.Marshal(reply)
	if err != nil {
		return
	}
	c.hub.route(c, f.Target, entry.Broadcast, data)
}

// scrubUser decodes a payload object and strips any client-supplied
// user field. Non-object payloads become an empty object.
func scrubUser(raw json.RawMessage) map[string]json.RawMessage {
	payload := make(map[string]json.RawMessage)
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &payload)
	}
	delete(payload, "user")
	return payload
}

func mustRaw(s string) json.RawMessage {
	data, _ := json.Marshal(s)
	return data
}
