package auth

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/pylonhq/pylon/internal/domain"
)

// UserSource resolves the user record a session token was issued to.
// Implemented by the store.
type UserSource interface {
	UserByToken(ctx context.Context, token string) (*domain.User, error)
}

// Verifier validates bearer tokens and resolves them to identities.
// WebSocket traffic verifies per message, so identical tokens arrive
// in bursts; a short TTL cache plus singleflight keeps that from
// hammering the store.
type Verifier struct {
	signer *Signer
	users  UserSource
	ttl    time.Duration

	group singleflight.Group
	mu    sync.Mutex
	cache map[string]cachedIdentity
}

type cachedIdentity struct {
	ident   *domain.Identity
	expires time.Time
}

func NewVerifier(signer *Signer, users UserSource, cacheTTL time.Duration) *Verifier {
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}
	return &Verifier{
		signer: signer,
		users:  users,
		ttl:    cacheTTL,
		cache:  make(map[string]cachedIdentity),
	}
}

// Verify checks the token's signature and expiry, resolves the user it
// was issued to, and returns the sanitised identity.
func (v *Verifier) Verify(ctx context.Context, token string) (*domain.Identity, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}

	v.mu.Lock()
	if c, ok := v.cache[token]; ok && time.Now().Before(c.expires) {
		v.mu.Unlock()
		return c.ident, nil
	}
	v.mu.Unlock()

	res, err, _ := v.group.Do(token, func() (any, error) {
		if _, err := v.signer.Parse(token); err != nil {
			return nil, err
		}
		user, err := v.users.UserByToken(ctx, token)
		if err != nil || user == nil {
			return nil, ErrInvalidToken
		}
		ident := user.Identity()
		v.mu.Lock()
		v.cache[token] = cachedIdentity{ident: ident, expires: time.Now().Add(v.ttl)}
		v.mu.Unlock()
		return ident, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(*domain.Identity), nil
}

// Invalidate drops a token from the cache. Called on logout so a
// revoked token stops resolving immediately.
func (v *Verifier) Invalidate(token string) {
	v.mu.Lock()
	delete(v.cache, token)
	v.mu.Unlock()
}
