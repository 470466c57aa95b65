// Package ratelimit provides an optional pre-flight rate limiter the Key
// Manager can consult before handing out a key, independent of the
// cooldown/circuit-breaker state machine in dispatch's key health model.
// One token bucket is kept per profile, grounded on the teacher's
// per-key token-bucket limiter registry.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config tunes the token bucket. Zero value disables limiting entirely
// (RequestsPerSecond == 0 is treated as "no limit" by Registry.Wait).
type Config struct {
	RequestsPerSecond float64
	Burst             int
	// IdleTimeout evicts a profile's limiter after it goes unused, so a
	// long-running proxy process doesn't accumulate one goroutine-free
	// limiter per profile ever created.
	IdleTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{RequestsPerSecond: 0, Burst: 1, IdleTimeout: 30 * time.Minute}
}

type entry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// Registry hands out one *rate.Limiter per profile id, created lazily.
type Registry struct {
	cfg Config

	mu      sync.Mutex
	entries map[string]*entry
}

func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg, entries: make(map[string]*entry)}
}

// Wait blocks until profileID's bucket has a token, or ctx is done. If the
// registry was configured with RequestsPerSecond <= 0, Wait returns
// immediately — rate limiting is opt-in.
func (r *Registry) Wait(ctx context.Context, profileID string) error {
	if r.cfg.RequestsPerSecond <= 0 {
		return nil
	}
	return r.get(profileID).Wait(ctx)
}

func (r *Registry) get(profileID string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[profileID]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(rate.Limit(r.cfg.RequestsPerSecond), max(1, r.cfg.Burst))}
		r.entries[profileID] = e
	}
	e.lastAccess = time.Now()
	return e.limiter
}

// EvictIdle removes limiters unused for longer than cfg.IdleTimeout. Call
// periodically from a caller-owned ticker; the registry runs no goroutine
// of its own.
func (r *Registry) EvictIdle() {
	if r.cfg.IdleTimeout <= 0 {
		return
	}
	cutoff := time.Now().Add(-r.cfg.IdleTimeout)
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range r.entries {
		if e.lastAccess.Before(cutoff) {
			delete(r.entries, id)
		}
	}
}
