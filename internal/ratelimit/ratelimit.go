// Package ratelimit throttles the credential endpoints with a token
// bucket. The distributed backend runs on Redis; when Redis is down or
// unconfigured the limiter degrades to local in-memory buckets.
package ratelimit

import (
	"context"
	"time"
)

// Backend performs one atomic token bucket check.
type Backend interface {
	CheckRateLimit(ctx context.Context, key string, maxTokens int, refillRate float64, requested int) (bool, int, error)
}

// Config holds one bucket shape.
type Config struct {
	RequestsPerSecond float64
	BurstSize         int
}

// DefaultAuthConfig is the bucket applied per client IP on the
// credential endpoints.
var DefaultAuthConfig = Config{RequestsPerSecond: 1, BurstSize: 10}

// Result is the outcome of one check.
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Limiter applies a bucket config to keyed checks against a backend.
type Limiter struct {
	backend Backend
	cfg     Config
}

func New(backend Backend, cfg Config) *Limiter {
	if cfg.BurstSize <= 0 {
		cfg = DefaultAuthConfig
	}
	return &Limiter{backend: backend, cfg: cfg}
}

// Allow checks whether one request under key may proceed.
func (l *Limiter) Allow(ctx context.Context, key string) (Result, error) {
	allowed, remaining, err := l.backend.CheckRateLimit(ctx, key, l.cfg.BurstSize, l.cfg.RequestsPerSecond, 1)
	if err != nil {
		return Result{}, err
	}

	tokensNeeded := float64(l.cfg.BurstSize) - float64(remaining)
	refillSeconds := tokensNeeded / l.cfg.RequestsPerSecond
	return Result{
		Allowed:   allowed,
		Remaining: remaining,
		ResetAt:   time.Now().Add(time.Duration(refillSeconds * float64(time.Second))),
	}, nil
}

// KeyForIP returns the bucket key for a client IP.
func KeyForIP(ip string) string {
	return "auth:ip:" + ip
}
