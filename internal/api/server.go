package api

import (
	"net/http"

	"github.com/pylonhq/pylon/internal/api/authapi"
	"github.com/pylonhq/pylon/internal/api/modhttp"
	"github.com/pylonhq/pylon/internal/api/oauthapi"
	"github.com/pylonhq/pylon/internal/api/serverapi"
	"github.com/pylonhq/pylon/internal/api/usersapi"
	"github.com/pylonhq/pylon/internal/auth"
	"github.com/pylonhq/pylon/internal/config"
	"github.com/pylonhq/pylon/internal/core"
	"github.com/pylonhq/pylon/internal/hub"
	"github.com/pylonhq/pylon/internal/logging"
	"github.com/pylonhq/pylon/internal/metrics"
	"github.com/pylonhq/pylon/internal/observability"
	"github.com/pylonhq/pylon/internal/ratelimit"
	"github.com/pylonhq/pylon/internal/store"
)

// ServerConfig contains dependencies for the HTTP server.
type ServerConfig struct {
	Core     *core.Core
	Hub      *hub.Hub
	Store    *store.PostgresStore
	Signer   *auth.Signer
	Verifier *auth.Verifier
	// AuthLimiter throttles the credential endpoints. Nil disables it.
	AuthLimiter *ratelimit.Limiter
	OAuth       config.OAuthConfig
	Origins     []string
	Version     string
}

// corsMiddleware reflects whitelisted origins and answers preflight
// requests. Shares the hub's origin matcher so the HTTP and WebSocket
// surfaces agree.
func corsMiddleware(origins []string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && hub.OriginAllowed(origin, origins) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Shard-Key")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// StartHTTPServer assembles the fixed surfaces, the WebSocket hub and
// the dynamic module route fallback, then starts serving in the
// background. The caller owns shutdown.
func StartHTTPServer(addr string, cfg ServerConfig) *http.Server {
	mux := http.NewServeMux()

	// Credential endpoints sit behind the rate limiter on their own mux.
	authMux := http.NewServeMux()
	authHandler := &authapi.Handler{Store: cfg.Store, Signer: cfg.Signer, Verifier: cfg.Verifier}
	authHandler.RegisterRoutes(authMux)
	mux.Handle("/auth/", ratelimit.Middleware(cfg.AuthLimiter)(authMux))

	oauthHandler := &oauthapi.Handler{Store: cfg.Store, Signer: cfg.Signer}
	if cfg.OAuth.Google.ClientID != "" {
		oauthHandler.Google = oauthapi.NewGoogle(oauthapi.Credentials{
			ClientID:     cfg.OAuth.Google.ClientID,
			ClientSecret: cfg.OAuth.Google.ClientSecret,
			RedirectURL:  cfg.OAuth.Google.RedirectURL,
		})
	}
	if cfg.OAuth.Discord.ClientID != "" {
		oauthHandler.Discord = oauthapi.NewDiscord(oauthapi.Credentials{
			ClientID:     cfg.OAuth.Discord.ClientID,
			ClientSecret: cfg.OAuth.Discord.ClientSecret,
			RedirectURL:  cfg.OAuth.Discord.RedirectURL,
		})
	}
	oauthHandler.RegisterRoutes(mux)

	usersHandler := &usersapi.Handler{Store: cfg.Store}
	usersHandler.RegisterRoutes(mux)

	serverapi.New(cfg.Core, cfg.Hub, cfg.Version).RegisterRoutes(mux)

	mux.Handle("GET /ws", cfg.Hub)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Everything else is a candidate module route.
	mux.Handle("/", &modhttp.Handler{Plane: cfg.Core})

	var handler http.Handler = mux
	handler = cfg.Verifier.Middleware(handler)
	handler = corsMiddleware(cfg.Origins, handler)
	handler = observability.HTTPMiddleware(handler)

	server := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Op().Error("HTTP server error", "error", err)
		}
	}()

	return server
}
