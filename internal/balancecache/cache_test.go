package balancecache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func newCache(t *testing.T, clock quartz.Clock, bus Bus, origin string) *Cache {
	t.Helper()
	c, err := New(Options{TTL: 30 * time.Second, Size: 16, Clock: clock, Bus: bus, Origin: origin})
	require.NoError(t, err)
	return c
}

func TestEntriesExpireAfterTTL(t *testing.T) {
	clock := quartz.NewMock(t)
	c := newCache(t, clock, nil, "")

	c.Put("u1", 7)
	e, ok := c.Get("u1")
	require.True(t, ok)
	require.EqualValues(t, 7, e.Remaining)
	require.Equal(t, "u1", e.UserID)

	clock.Advance(29 * time.Second)
	_, ok = c.Get("u1")
	require.True(t, ok)

	clock.Advance(time.Second)
	_, ok = c.Get("u1")
	require.False(t, ok)
	require.Zero(t, c.Len())
}

func TestZeroTTLDisablesCaching(t *testing.T) {
	c, err := New(Options{})
	require.NoError(t, err)
	c.Put("u1", 3)
	_, ok := c.Get("u1")
	require.False(t, ok)
}

func TestLoadFillsOnceAndServesFromCache(t *testing.T) {
	c := newCache(t, quartz.NewMock(t), nil, "")
	var calls atomic.Int32
	fetch := func(context.Context, string) (int64, error) {
		calls.Add(1)
		return 42, nil
	}
	for i := 0; i < 3; i++ {
		v, err := c.Load(context.Background(), "u1", fetch)
		require.NoError(t, err)
		require.EqualValues(t, 42, v)
	}
	require.EqualValues(t, 1, calls.Load())
}

func TestLoadSharesConcurrentFetches(t *testing.T) {
	c := newCache(t, quartz.NewMock(t), nil, "")
	release := make(chan struct{})
	var calls atomic.Int32
	fetch := func(context.Context, string) (int64, error) {
		calls.Add(1)
		<-release
		return 5, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.Load(context.Background(), "u1", fetch)
			if err != nil || v != 5 {
				t.Errorf("Load = %d, %v", v, err)
			}
		}()
	}
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()
	require.EqualValues(t, 1, calls.Load())
}

func TestLoadErrorIsNotCached(t *testing.T) {
	c := newCache(t, quartz.NewMock(t), nil, "")
	boom := errors.New("store down")
	_, err := c.Load(context.Background(), "u1", func(context.Context, string) (int64, error) { return 0, boom })
	require.ErrorIs(t, err, boom)
	_, ok := c.Get("u1")
	require.False(t, ok)
}

func TestInvalidateDuringFillDiscardsStaleValue(t *testing.T) {
	c := newCache(t, quartz.NewMock(t), nil, "")
	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.Load(context.Background(), "u1", func(context.Context, string) (int64, error) {
			close(started)
			<-release
			return 10, nil
		})
	}()
	<-started
	c.Invalidate(context.Background(), "u1")
	close(release)
	<-done

	_, ok := c.Get("u1")
	require.False(t, ok, "value read before invalidation must not be cached")
}

func TestPurgeDropsEverything(t *testing.T) {
	c := newCache(t, quartz.NewMock(t), nil, "")
	c.Put("a", 1)
	c.Put("b", 2)
	c.Purge()
	require.Zero(t, c.Len())
}

func TestInvalidationCrossesInstances(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := NewLocalBus()
	defer bus.Close()
	clock := quartz.NewMock(t)
	tabA := newCache(t, clock, bus, "tab-a")
	tabB := newCache(t, clock, bus, "tab-b")

	listening := make(chan error, 1)
	go func() { listening <- tabB.Listen(ctx) }()

	tabB.Put("u1", 9)
	require.Eventually(t, func() bool {
		tabA.Invalidate(ctx, "u1")
		_, ok := tabB.Get("u1")
		return !ok
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-listening)
}

func TestInvalidateAllPurgesPeers(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := NewLocalBus()
	defer bus.Close()
	clock := quartz.NewMock(t)
	jobs := newCache(t, clock, bus, "jobs")
	tab := newCache(t, clock, bus, "tab")

	listening := make(chan error, 1)
	go func() { listening <- tab.Listen(ctx) }()

	jobs.Put("a", 1)
	tab.Put("a", 1)
	tab.Put("b", 2)
	require.Eventually(t, func() bool {
		jobs.InvalidateAll(ctx)
		return tab.Len() == 0
	}, time.Second, 5*time.Millisecond)
	require.Zero(t, jobs.Len())

	cancel()
	require.NoError(t, <-listening)
}
