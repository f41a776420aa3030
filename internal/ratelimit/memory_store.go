package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/coder/quartz"
)

// MemoryStore keeps buckets in process. Idle buckets are swept periodically.
type MemoryStore struct {
	clock   quartz.Clock
	mu      sync.RWMutex
	buckets map[string]*TokenBucket

	cancel context.CancelFunc
	sweep  quartz.Waiter
}

// NewMemoryStore creates a store sweeping every five minutes.
func NewMemoryStore(clock quartz.Clock) *MemoryStore {
	return NewMemoryStoreWithCleanup(clock, 5*time.Minute)
}

// NewMemoryStoreWithCleanup creates a store with a custom sweep interval; a
// non-positive interval disables sweeping.
func NewMemoryStoreWithCleanup(clock quartz.Clock, cleanupInterval time.Duration) *MemoryStore {
	if clock == nil {
		clock = quartz.NewReal()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &MemoryStore{
		clock:   clock,
		buckets: make(map[string]*TokenBucket),
		cancel:  cancel,
	}
	if cleanupInterval > 0 {
		s.sweep = clock.TickerFunc(ctx, cleanupInterval, func() error {
			s.cleanup()
			return nil
		}, "ratelimit", "cleanup")
	}
	return s
}

func (s *MemoryStore) Allow(ctx context.Context, key string, capacity, refillRate float64) (bool, float64, error) {
	bucket := s.bucket(key, capacity, refillRate)
	allowed := bucket.Allow()
	return allowed, bucket.Remaining(), nil
}

func (s *MemoryStore) Remaining(ctx context.Context, key string, capacity, refillRate float64) (float64, error) {
	return s.bucket(key, capacity, refillRate).Remaining(), nil
}

func (s *MemoryStore) Reset(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bucket, ok := s.buckets[key]; ok {
		bucket.Reset()
	}
	return nil
}

// Close stops the sweeper.
func (s *MemoryStore) Close() error {
	s.cancel()
	if s.sweep != nil {
		_ = s.sweep.Wait()
	}
	return nil
}

// Len reports the number of live buckets.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buckets)
}

func (s *MemoryStore) bucket(key string, capacity, refillRate float64) *TokenBucket {
	s.mu.RLock()
	bucket, ok := s.buckets[key]
	s.mu.RUnlock()
	if ok {
		return bucket
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if bucket, ok = s.buckets[key]; ok {
		return bucket
	}
	bucket = NewTokenBucket(capacity, refillRate, s.clock)
	s.buckets[key] = bucket
	return bucket
}

// cleanup drops buckets that have refilled to (nearly) full, i.e. idle ones.
func (s *MemoryStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, bucket := range s.buckets {
		if bucket.Remaining() >= bucket.capacity*0.95 {
			delete(s.buckets, key)
		}
	}
}
