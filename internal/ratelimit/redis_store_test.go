package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/coder/quartz"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T) (*RedisStore, *quartz.Mock, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	clock := quartz.NewMock(t)
	return NewRedisStore(client, "", clock), clock, mr
}

func TestRedisStoreTokenBucket(t *testing.T) {
	store, clock, _ := newRedisStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, _, err := store.Allow(ctx, "anon-1", 3, 2)
		require.NoError(t, err)
		require.True(t, ok, "request %d", i)
	}
	ok, remaining, err := store.Allow(ctx, "anon-1", 3, 2)
	require.NoError(t, err)
	require.False(t, ok)
	require.InDelta(t, 0, remaining, 0.001)

	clock.Advance(750 * time.Millisecond)
	remaining, err = store.Remaining(ctx, "anon-1", 3, 2)
	require.NoError(t, err)
	require.InDelta(t, 1.5, remaining, 0.001, "fractional tokens survive the round trip")

	ok, _, err = store.Allow(ctx, "anon-1", 3, 2)
	require.NoError(t, err)
	require.True(t, ok)

	ok, _, err = store.Allow(ctx, "anon-2", 3, 2)
	require.NoError(t, err)
	require.True(t, ok, "buckets are per key")
}

func TestRedisStoreResetAndExpiry(t *testing.T) {
	store, _, mr := newRedisStore(t)
	ctx := context.Background()

	_, _, err := store.Allow(ctx, "u", 1, 1)
	require.NoError(t, err)
	require.True(t, mr.Exists(DefaultRedisPrefix+"u"))
	require.Equal(t, time.Hour, mr.TTL(DefaultRedisPrefix+"u"))

	require.NoError(t, store.Reset(ctx, "u"))
	require.False(t, mr.Exists(DefaultRedisPrefix+"u"))
	ok, _, err := store.Allow(ctx, "u", 1, 1)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRedisStoreBehindLimiter(t *testing.T) {
	store, _, mr := newRedisStore(t)
	limiter := NewLimiter(Config{Store: store, RequestsPerSecond: 1, Burst: 1})
	ctx := context.Background()

	require.True(t, limiter.Allow(ctx, "u").Allowed)
	require.False(t, limiter.Allow(ctx, "u").Allowed)

	mr.Close()
	require.True(t, limiter.Allow(ctx, "u").Allowed, "limiter fails open when redis is gone")
}
