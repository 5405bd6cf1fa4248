package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/pylonhq/pylon/internal/domain"
)

type contextKey struct{}

var identityKey contextKey

// IdentityFrom extracts the authenticated identity from a request
// context. Nil means anonymous.
func IdentityFrom(ctx context.Context) *domain.Identity {
	ident, _ := ctx.Value(identityKey).(*domain.Identity)
	return ident
}

// WithIdentity attaches an identity to a context. Exposed for handler
// tests.
func WithIdentity(ctx context.Context, ident *domain.Identity) context.Context {
	return context.WithValue(ctx, identityKey, ident)
}

// BearerToken pulls the token out of an Authorization header, if any.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}

// Middleware resolves the bearer token (when present and valid) to an
// identity on the request context. Failures fall through anonymously;
// handlers decide whether anonymous access is acceptable.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token := BearerToken(r); token != "" {
			if ident, err := v.Verify(r.Context(), token); err == nil {
				r = r.WithContext(WithIdentity(r.Context(), ident))
			}
		}
		next.ServeHTTP(w, r)
	})
}
