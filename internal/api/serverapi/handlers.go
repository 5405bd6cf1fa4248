// Package serverapi exposes the /server operational surface: status
// of loaded modules, their instances, and connected clients.
package serverapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/pylonhq/pylon/internal/core"
	"github.com/pylonhq/pylon/internal/hub"
)

// StatusSource reports the loaded modules and their instances.
type StatusSource interface {
	Status() []core.ModuleStatus
}

// PlayerSource reports the connected clients.
type PlayerSource interface {
	ClientCount() int
	Players() []hub.Player
}

// Handler serves the /server endpoints.
type Handler struct {
	Modules StatusSource
	Clients PlayerSource
	Version string
	started time.Time
}

func New(modules StatusSource, clients PlayerSource, version string) *Handler {
	return &Handler{Modules: modules, Clients: clients, Version: version, started: time.Now()}
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /server/status", h.Status)
	mux.HandleFunc("GET /server/players", h.Players)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Status handles GET /server/status.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":            true,
		"version":       h.Version,
		"uptimeSeconds": int(time.Since(h.started).Seconds()),
		"modules":       h.Modules.Status(),
		"clients":       h.Clients.ClientCount(),
	})
}

// Players handles GET /server/players: the hub's online records.
func (h *Handler) Players(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"players": h.Clients.Players(),
	})
}
