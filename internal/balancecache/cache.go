// Package balancecache is the client-side balance cache. Entries are advisory
// read-through copies of the ledger row; they are never consulted when
// deciding whether credits may be spent.
package balancecache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coder/quartz"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/tokligence/tokligence-credits/internal/logging"
	"github.com/tokligence/tokligence-credits/internal/metrics"
)

// Entry is a cached balance for one identity.
type Entry struct {
	UserID    string    `json:"user_id"`
	Remaining int64     `json:"remaining_credits"`
	FetchedAt time.Time `json:"fetched_at"`
}

// FetchFunc reads the authoritative balance.
type FetchFunc func(ctx context.Context, userID string) (int64, error)

// Options configures a Cache.
type Options struct {
	TTL     time.Duration
	Size    int
	Clock   quartz.Clock
	Bus     Bus
	Origin  string
	Metrics *metrics.Collector
	Logger  *logging.Leveled
}

// Cache holds per-identity balances for TTL after they were fetched.
type Cache struct {
	ttl     time.Duration
	clock   quartz.Clock
	bus     Bus
	origin  string
	metrics *metrics.Collector
	logger  *logging.Leveled

	mu      sync.Mutex
	entries *lru.Cache[string, Entry]
	// invalidated maps a user to the sequence number of its last invalidation.
	// A fill that started before that number must not be stored.
	invalidated *lru.Cache[string, uint64]
	seq         uint64
	purgedAt    uint64

	fills singleflight.Group
}

// New builds a cache. A zero TTL disables caching; reads always fetch.
func New(opts Options) (*Cache, error) {
	if opts.Size <= 0 {
		opts.Size = 10000
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	entries, err := lru.New[string, Entry](opts.Size)
	if err != nil {
		return nil, fmt.Errorf("balancecache: %w", err)
	}
	invalidated, err := lru.New[string, uint64](opts.Size)
	if err != nil {
		return nil, fmt.Errorf("balancecache: %w", err)
	}
	return &Cache{
		ttl:         opts.TTL,
		clock:       opts.Clock,
		bus:         opts.Bus,
		origin:      opts.Origin,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
		entries:     entries,
		invalidated: invalidated,
	}, nil
}

// Get returns the cached entry if it is younger than the TTL.
func (c *Cache) Get(userID string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries.Get(userID)
	if !ok {
		return Entry{}, false
	}
	if c.ttl <= 0 || !c.clock.Now().Before(e.FetchedAt.Add(c.ttl)) {
		c.entries.Remove(userID)
		return Entry{}, false
	}
	return e, true
}

// Put stores a freshly read balance.
func (c *Cache) Put(userID string, remaining int64) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Add(userID, Entry{UserID: userID, Remaining: remaining, FetchedAt: c.clock.Now()})
}

func (c *Cache) putIfCurrent(userID string, remaining int64, started uint64) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.purgedAt > started {
		return
	}
	if last, ok := c.invalidated.Peek(userID); ok && last > started {
		return
	}
	c.entries.Add(userID, Entry{UserID: userID, Remaining: remaining, FetchedAt: c.clock.Now()})
}

// Load returns the cached balance or fetches it. Concurrent misses for the
// same identity share one fetch.
func (c *Cache) Load(ctx context.Context, userID string, fetch FetchFunc) (int64, error) {
	if e, ok := c.Get(userID); ok {
		c.metrics.CacheHit()
		return e.Remaining, nil
	}
	c.metrics.CacheMiss()

	c.mu.Lock()
	started := c.seq
	c.mu.Unlock()

	v, err, _ := c.fills.Do(userID, func() (any, error) {
		remaining, err := fetch(ctx, userID)
		if err != nil {
			return int64(0), err
		}
		c.putIfCurrent(userID, remaining, started)
		return remaining, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

// Invalidate drops the local entry and tells other cache instances to do the same.
func (c *Cache) Invalidate(ctx context.Context, userID string) {
	c.drop(userID)
	if c.bus == nil {
		return
	}
	msg := Message{UserID: userID, Origin: c.origin, At: c.clock.Now().UTC()}
	if err := c.bus.Publish(ctx, msg); err != nil {
		c.logger.Warnf("publish invalidation for %s: %v", userID, err)
	}
}

// Drop discards the local entry without notifying other instances.
func (c *Cache) Drop(userID string) {
	c.drop(userID)
}

func (c *Cache) drop(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	c.invalidated.Add(userID, c.seq)
	c.entries.Remove(userID)
	c.fills.Forget(userID)
}

// Purge discards every entry, used when the signed-in identity changes.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	c.purgedAt = c.seq
	c.entries.Purge()
	c.invalidated.Purge()
}

// InvalidateAll purges the local cache and broadcasts a purge, used after a
// reset batch rewrote many rows at once.
func (c *Cache) InvalidateAll(ctx context.Context) {
	c.Purge()
	if c.bus == nil {
		return
	}
	if err := c.bus.Publish(ctx, Message{Origin: c.origin, At: c.clock.Now().UTC()}); err != nil {
		c.logger.Warnf("publish purge: %v", err)
	}
}

// Len reports the number of cached entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// Listen applies invalidations published by other instances until ctx ends.
func (c *Cache) Listen(ctx context.Context) error {
	if c.bus == nil {
		<-ctx.Done()
		return nil
	}
	msgs, err := c.bus.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("balancecache: subscribe: %w", err)
	}
	for msg := range msgs {
		if msg.Origin == c.origin && c.origin != "" {
			continue
		}
		if msg.UserID == "" {
			c.Purge()
			continue
		}
		c.drop(msg.UserID)
		c.logger.Debugf("invalidated %s from %s", msg.UserID, msg.Origin)
	}
	return nil
}
