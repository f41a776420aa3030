package ratelimit

import (
	"context"
	"time"

	"github.com/tokligence/tokligence-credits/internal/logging"
)

// Store keeps token buckets keyed by an opaque string, usually an identity id.
// MemoryStore serves a single instance; RedisStore shares buckets across
// replicas.
type Store interface {
	// Allow consumes one token from key's bucket if available.
	Allow(ctx context.Context, key string, capacity, refillRate float64) (allowed bool, remaining float64, err error)
	// Remaining reports the tokens left without consuming one.
	Remaining(ctx context.Context, key string, capacity, refillRate float64) (float64, error)
	Reset(ctx context.Context, key string) error
	Close() error
}

// Decision is the outcome of one limiter check.
type Decision struct {
	Allowed    bool
	Limit      float64
	Remaining  float64
	RetryAfter time.Duration
}

// Limiter applies one bucket shape to every key.
type Limiter struct {
	store      Store
	capacity   float64
	refillRate float64
	logger     *logging.Leveled
}

// Config holds configuration for the rate limiter.
type Config struct {
	// Store defaults to a MemoryStore.
	Store             Store
	RequestsPerSecond float64
	Burst             float64
	Logger            *logging.Leveled
}

// DefaultConfig suits the consume endpoint: 5 req/sec sustained, bursts of 10.
func DefaultConfig() Config {
	return Config{RequestsPerSecond: 5, Burst: 10}
}

// NewLimiter creates a rate limiter, filling unset values from DefaultConfig.
func NewLimiter(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = def.RequestsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore(nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	return &Limiter{
		store:      cfg.Store,
		capacity:   cfg.Burst,
		refillRate: cfg.RequestsPerSecond,
		logger:     cfg.Logger,
	}
}

// Allow checks key's bucket. An empty key is never limited and a store error
// fails open.
func (l *Limiter) Allow(ctx context.Context, key string) Decision {
	d := Decision{Allowed: true, Limit: l.capacity, Remaining: l.capacity}
	if key == "" {
		return d
	}
	allowed, remaining, err := l.store.Allow(ctx, key, l.capacity, l.refillRate)
	if err != nil {
		l.logger.Warnf("rate limit store error for %s, allowing: %v", key, err)
		return d
	}
	d.Allowed = allowed
	d.Remaining = remaining
	if !allowed {
		d.RetryAfter = waitFor(remaining, l.refillRate)
	}
	return d
}

// Remaining returns the tokens left for key.
func (l *Limiter) Remaining(ctx context.Context, key string) float64 {
	if key == "" {
		return l.capacity
	}
	remaining, err := l.store.Remaining(ctx, key, l.capacity, l.refillRate)
	if err != nil {
		return l.capacity
	}
	return remaining
}

// Reset refills key's bucket.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	return l.store.Reset(ctx, key)
}

// Close releases the store.
func (l *Limiter) Close() error {
	return l.store.Close()
}
