package oauthapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/pylonhq/pylon/internal/auth"
	"github.com/pylonhq/pylon/internal/domain"
	"github.com/pylonhq/pylon/internal/logging"
	"github.com/pylonhq/pylon/internal/ratelimit"
	"github.com/pylonhq/pylon/internal/store"
)

// Store is the persistence slice the OAuth flows need.
type Store interface {
	UserByOAuth(ctx context.Context, provider, providerID string) (*domain.User, error)
	UserByUsername(ctx context.Context, username string) (*domain.User, error)
	CreateUser(ctx context.Context, u *domain.User) error
	LinkOAuthIdentity(ctx context.Context, userID, provider, providerID string) error
	RecordLogin(ctx context.Context, userID, token, ip string) error
}

// DeviceFlow is the Google device flow surface; the Google provider
// implements it.
type DeviceFlow interface {
	DeviceStart(ctx context.Context) (*oauth2.DeviceAuthResponse, error)
	DevicePoll(ctx context.Context, deviceCode string) (*oauth2.Token, error)
}

// Handler serves the /oauth endpoints.
type Handler struct {
	Store   Store
	Signer  *auth.Signer
	Google  Provider
	Discord Provider

	mu     sync.Mutex
	states map[string]time.Time
}

const stateTTL = 10 * time.Minute

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	if h.Google != nil {
		mux.HandleFunc("POST /oauth/google/device", h.GoogleDevice)
		mux.HandleFunc("POST /oauth/google/device/poll", h.GoogleDevicePoll)
		mux.HandleFunc("GET /oauth/google/web", h.web(h.Google))
		mux.HandleFunc("GET /oauth/google/web/callback", h.webCallback(h.Google))
	}
	if h.Discord != nil {
		mux.HandleFunc("GET /oauth/discord/web", h.web(h.Discord))
		mux.HandleFunc("GET /oauth/discord/web/callback", h.webCallback(h.Discord))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// GoogleDevice handles POST /oauth/google/device.
func (h *Handler) GoogleDevice(w http.ResponseWriter, r *http.Request) {
	flow, ok := h.Google.(DeviceFlow)
	if !ok {
		writeJSON(w, http.StatusNotImplemented, map[string]any{"error": "deviceFlowUnavailable"})
		return
	}
	da, err := flow.DeviceStart(r.Context())
	if err != nil {
		logging.Op().Error("device flow start failed", "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": "providerError"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deviceCode":      da.DeviceCode,
		"userCode":        da.UserCode,
		"verificationUrl": da.VerificationURI,
		"interval":        da.Interval,
		"expiresIn":       int(time.Until(da.Expiry).Seconds()),
	})
}

// GoogleDevicePoll handles POST /oauth/google/device/poll. One HTTP
// poll maps to one upstream poll; pending and throttle states map to
// 428 and 429.
func (h *Handler) GoogleDevicePoll(w http.ResponseWriter, r *http.Request) {
	flow, ok := h.Google.(DeviceFlow)
	if !ok {
		writeJSON(w, http.StatusNotImplemented, map[string]any{"error": "deviceFlowUnavailable"})
		return
	}
	var req struct {
		DeviceCode string `json:"deviceCode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DeviceCode == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_device_code"})
		return
	}

	tok, err := flow.DevicePoll(r.Context(), req.DeviceCode)
	if err != nil {
		var de *DeviceError
		if errors.As(err, &de) {
			switch de.Code {
			case "authorization_pending":
				writeJSON(w, http.StatusPreconditionRequired, map[string]any{"error": de.Code})
			case "slow_down":
				writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": de.Code})
			default:
				writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_device_code"})
			}
			return
		}
		logging.Op().Error("device poll failed", "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": "providerError"})
		return
	}

	h.finishLogin(w, r, h.Google, tok)
}

// web starts a provider's redirect flow.
func (h *Handler) web(p Provider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state := h.newState()
		http.Redirect(w, r, p.AuthCodeURL(state), http.StatusTemporaryRedirect)
	}
}

// webCallback finishes a provider's redirect flow.
func (h *Handler) webCallback(p Provider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.consumeState(r.URL.Query().Get("state")) {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalidState"})
			return
		}
		code := r.URL.Query().Get("code")
		if code == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "missingCode"})
			return
		}
		tok, err := p.Exchange(r.Context(), code)
		if err != nil {
			logging.Op().Warn("oauth exchange failed", "provider", p.Name(), "error", err)
			writeJSON(w, http.StatusBadGateway, map[string]any{"error": "providerError"})
			return
		}
		h.finishLogin(w, r, p, tok)
	}
}

// finishLogin resolves the provider account to a local user, creating
// and linking one on first login, then issues a session token.
func (h *Handler) finishLogin(w http.ResponseWriter, r *http.Request, p Provider, tok *oauth2.Token) {
	account, err := p.Fetch(r.Context(), tok)
	if err != nil {
		logging.Op().Warn("oauth account fetch failed", "provider", p.Name(), "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": "providerError"})
		return
	}

	user, err := h.Store.UserByOAuth(r.Context(), account.Provider, account.ProviderID)
	if errors.Is(err, store.ErrNotFound) {
		user, err = h.createLinkedUser(r.Context(), account)
	}
	if err != nil {
		logging.Op().Error("oauth login failed", "provider", p.Name(), "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internalError"})
		return
	}

	ip := ratelimit.ClientIP(r)
	session, err := h.Signer.Issue(user.Username, ip)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internalError"})
		return
	}
	if err := h.Store.RecordLogin(r.Context(), user.ID, session, ip); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internalError"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"user": struct {
			*domain.Identity
			Token string `json:"token"`
		}{Identity: user.Identity(), Token: session},
	})
}

func (h *Handler) createLinkedUser(ctx context.Context, account *Account) (*domain.User, error) {
	username := deriveUsername(account)
	for i := 0; ; i++ {
		candidate := username
		if i > 0 {
			candidate = fmt.Sprintf("%s%d", username, i)
		}
		if _, err := h.Store.UserByUsername(ctx, candidate); errors.Is(err, store.ErrNotFound) {
			username = candidate
			break
		} else if err != nil {
			return nil, err
		}
		if i >= 50 {
			return nil, fmt.Errorf("could not find a free username for %s", username)
		}
	}

	user := &domain.User{
		ID:       uuid.NewString(),
		Username: username,
		Email:    account.Email,
	}
	if err := h.Store.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	if err := h.Store.LinkOAuthIdentity(ctx, user.ID, account.Provider, account.ProviderID); err != nil {
		return nil, err
	}
	logging.Op().Info("oauth user created", "provider", account.Provider, "username", username)
	return user, nil
}

// deriveUsername builds a local username from the provider account,
// constrained to the local username alphabet.
func deriveUsername(account *Account) string {
	base := account.Name
	if base == "" && account.Email != "" {
		base = strings.SplitN(account.Email, "@", 2)[0]
	}
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		}
	}
	name := b.String()
	if len(name) > 20 {
		name = name[:20]
	}
	if len(name) < 3 {
		name = account.Provider + "user"
	}
	return name
}

func (h *Handler) newState() string {
	raw := make([]byte, 16)
	_, _ = rand.Read(raw)
	state := hex.EncodeToString(raw)

	h.mu.Lock()
	if h.states == nil {
		h.states = make(map[string]time.Time)
	}
	now := time.Now()
	for s, exp := range h.states {
		if now.After(exp) {
			delete(h.states, s)
		}
	}
	h.states[state] = now.Add(stateTTL)
	h.mu.Unlock()
	return state
}

func (h *Handler) consumeState(state string) bool {
	if state == "" {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	exp, ok := h.states[state]
	if !ok {
		return false
	}
	delete(h.states, state)
	return time.Now().Before(exp)
}
