// Package usersapi is the /users admin surface: listing users,
// managing permissions, and bans. Every endpoint requires the
// "admin" permission; unauthorised callers receive 404 so the surface
// is indistinguishable from an unregistered route.
package usersapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/pylonhq/pylon/internal/auth"
	"github.com/pylonhq/pylon/internal/domain"
	"github.com/pylonhq/pylon/internal/logging"
	"github.com/pylonhq/pylon/internal/store"
)

// PermAdmin gates the whole surface.
const PermAdmin = "admin"

// Store is the persistence slice the admin endpoints need.
type Store interface {
	ListUsers(ctx context.Context) ([]*domain.User, error)
	UserByID(ctx context.Context, id string) (*domain.User, error)
	DeleteUser(ctx context.Context, id string) error
	GrantPermission(ctx context.Context, userID, permission string) error
	RevokePermission(ctx context.Context, userID, permission string) error
	CreateBan(ctx context.Context, b *domain.Ban) error
	ActiveBan(ctx context.Context, userID string) (*domain.Ban, error)
	RemoveBans(ctx context.Context, userID string) error
}

// Handler serves the /users endpoints.
type Handler struct {
	Store Store
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /users", h.admin(h.List))
	mux.HandleFunc("GET /users/{id}", h.admin(h.Get))
	mux.HandleFunc("DELETE /users/{id}", h.admin(h.Delete))
	mux.HandleFunc("POST /users/{id}/permissions", h.admin(h.Grant))
	mux.HandleFunc("DELETE /users/{id}/permissions/{perm}", h.admin(h.Revoke))
	mux.HandleFunc("POST /users/{id}/ban", h.admin(h.Ban))
	mux.HandleFunc("DELETE /users/{id}/ban", h.admin(h.Unban))
}

// admin wraps a handler with the permission gate.
func (h *Handler) admin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ident := auth.IdentityFrom(r.Context())
		if !ident.HasPermission(PermAdmin) {
			http.NotFound(w, r)
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	users, err := h.Store.ListUsers(r.Context())
	if err != nil {
		logging.Op().Error("list users failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": "internalError"})
		return
	}
	out := make([]*domain.Identity, 0, len(users))
	for _, u := range users {
		out = append(out, u.Identity())
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "users": out})
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	user, err := h.Store.UserByID(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": "internalError"})
		return
	}

	resp := map[string]any{"ok": true, "user": user.Identity()}
	if ban, err := h.Store.ActiveBan(r.Context(), user.ID); err == nil && ban.Active(time.Now()) {
		resp["ban"] = ban
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	err := h.Store.DeleteUser(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": "internalError"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) Grant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Permission string `json:"permission"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Permission == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "permissionMissing"})
		return
	}
	if err := h.Store.GrantPermission(r.Context(), r.PathValue("id"), req.Permission); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": "internalError"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) Revoke(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.RevokePermission(r.Context(), r.PathValue("id"), r.PathValue("perm")); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": "internalError"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) Ban(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason   string `json:"reason"`
		Permaban bool   `json:"permaban"`
		Hours    int    `json:"hours"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "invalidBody"})
		return
	}
	if !req.Permaban && req.Hours <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "durationMissing"})
		return
	}

	ban := &domain.Ban{
		UserID:   r.PathValue("id"),
		Reason:   req.Reason,
		Permaban: req.Permaban,
	}
	if ident := auth.IdentityFrom(r.Context()); ident != nil {
		ban.BannedBy = ident.Username
	}
	if !req.Permaban {
		t := time.Now().Add(time.Duration(req.Hours) * time.Hour)
		ban.ExpiresAt = &t
	}
	if err := h.Store.CreateBan(r.Context(), ban); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": "internalError"})
		return
	}
	logging.Op().Info("user banned", "userId", ban.UserID, "by", ban.BannedBy, "permaban", ban.Permaban)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "ban": ban})
}

func (h *Handler) Unban(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.RemoveBans(r.Context(), r.PathValue("id")); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": "internalError"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
