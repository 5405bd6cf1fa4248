// Package authapi implements the credential endpoints: login,
// register, logout, and token verification.
package authapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/pylonhq/pylon/internal/auth"
	"github.com/pylonhq/pylon/internal/domain"
	"github.com/pylonhq/pylon/internal/logging"
	"github.com/pylonhq/pylon/internal/ratelimit"
	"github.com/pylonhq/pylon/internal/store"
)

var (
	usernameRe = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
	emailRe    = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
)

const (
	usernameMinLen = 3
	usernameMaxLen = 20
)

// Store is the slice of persistence the credential endpoints need.
type Store interface {
	UserByUsername(ctx context.Context, username string) (*domain.User, error)
	UserByEmail(ctx context.Context, email string) (*domain.User, error)
	CreateUser(ctx context.Context, u *domain.User) error
	RecordLogin(ctx context.Context, userID, token, ip string) error
	ClearToken(ctx context.Context, userID string) error
	ActiveBan(ctx context.Context, userID string) (*domain.Ban, error)
}

// Handler serves the /auth endpoints.
type Handler struct {
	Store    Store
	Signer   *auth.Signer
	Verifier *auth.Verifier
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /auth/login", h.Login)
	mux.HandleFunc("POST /auth/register", h.Register)
	mux.HandleFunc("POST /auth/logout", h.Logout)
	mux.HandleFunc("POST /auth/verify", h.Verify)
}

// userEnvelope is the identity-plus-token record returned by login and
// register.
type userEnvelope struct {
	*domain.Identity
	Token string `json:"token,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]any{"ok": false, "error": code})
}

// Login handles POST /auth/login.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "missingCredentials")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "missingCredentials")
		return
	}

	user, err := h.Store.UserByUsername(r.Context(), req.Username)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			logging.Op().Error("login lookup failed", "error", err)
		}
		writeError(w, http.StatusUnauthorized, "invalidCredentials")
		return
	}
	if !auth.VerifyPassword(req.Password, user.PasswordSalt, user.PasswordHash) {
		writeError(w, http.StatusUnauthorized, "invalidCredentials")
		return
	}

	if ban, err := h.Store.ActiveBan(r.Context(), user.ID); err == nil && ban.Active(time.Now()) {
		writeJSON(w, http.StatusForbidden, map[string]any{
			"ok": false, "error": "banned", "reason": ban.Reason,
		})
		return
	}

	ip := ratelimit.ClientIP(r)
	token, err := h.Signer.Issue(user.Username, ip)
	if err != nil {
		logging.Op().Error("token issue failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internalError")
		return
	}
	if err := h.Store.RecordLogin(r.Context(), user.ID, token, ip); err != nil {
		logging.Op().Error("record login failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internalError")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"user": userEnvelope{Identity: user.Identity(), Token: token},
	})
}

// Register handles POST /auth/register. Validation failures return 400
// with one of the fixed error codes; the first failing check wins.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username   string `json:"username"`
		Email      string `json:"email"`
		Password   string `json:"password"`
		Repassword string `json:"repassword"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	if code := validateRegistration(req.Username, req.Email, req.Password, req.Repassword); code != "" {
		writeError(w, http.StatusBadRequest, code)
		return
	}
	if _, err := h.Store.UserByUsername(r.Context(), req.Username); err == nil {
		writeError(w, http.StatusBadRequest, "usernameTaken")
		return
	}
	if _, err := h.Store.UserByEmail(r.Context(), req.Email); err == nil {
		writeError(w, http.StatusBadRequest, "emailTaken")
		return
	}

	salt, err := auth.NewSalt()
	if err != nil {
		logging.Op().Error("salt generation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internalError")
		return
	}
	hash, err := auth.HashPassword(req.Password, salt)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internalError")
		return
	}

	user := &domain.User{
		ID:           uuid.NewString(),
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: hash,
		PasswordSalt: salt,
		LastIP:       ratelimit.ClientIP(r),
	}
	if err := h.Store.CreateUser(r.Context(), user); err != nil {
		logging.Op().Error("create user failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internalError")
		return
	}
	logging.Op().Info("user registered", "username", user.Username)

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"user": userEnvelope{Identity: user.Identity()},
	})
}

func validateRegistration(username, email, password, repassword string) string {
	switch {
	case username == "":
		return "usernameMissing"
	case password == "":
		return "passwordMissing"
	case repassword == "":
		return "repasswordMissing"
	case email == "":
		return "emailMissing"
	case !emailRe.MatchString(email):
		return "invalidEmail"
	case password != repassword:
		return "passwordsDontMatch"
	case !usernameRe.MatchString(username):
		return "invalidUsernameFormat"
	case len(username) < usernameMinLen || len(username) > usernameMaxLen:
		return "invalidUsernameLength"
	}
	return ""
}

// Logout handles POST /auth/logout. Revokes the presented token when
// it resolves to a user; always succeeds.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	token := auth.BearerToken(r)
	if token != "" && h.Verifier != nil {
		if ident, err := h.Verifier.Verify(r.Context(), token); err == nil {
			if err := h.Store.ClearToken(r.Context(), ident.UserID); err != nil {
				logging.Op().Warn("clear token failed", "error", err)
			}
			h.Verifier.Invalidate(token)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// Verify handles POST /auth/verify. Unlike the anonymous-continuation
// middleware, this endpoint answers 401 on any failure.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	ident := auth.IdentityFrom(r.Context())
	if ident == nil && h.Verifier != nil {
		if token := auth.BearerToken(r); token != "" {
			ident, _ = h.Verifier.Verify(r.Context(), token)
		}
	}
	if ident == nil {
		writeError(w, http.StatusUnauthorized, "invalidToken")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "user": ident})
}
