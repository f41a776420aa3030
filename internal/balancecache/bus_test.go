package balancecache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func receive(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "channel closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for message")
		return Message{}
	}
}

func TestLocalBusFanOut(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	ctx, cancel := context.WithCancel(context.Background())
	bus := NewLocalBus()

	first, err := bus.Subscribe(ctx)
	require.NoError(t, err)
	second, err := bus.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, Message{UserID: "u1", Origin: "tab-a"}))
	require.Equal(t, "u1", receive(t, first).UserID)
	require.Equal(t, "tab-a", receive(t, second).Origin)

	cancel()
	require.Eventually(t, func() bool {
		_, ok := <-first
		return !ok
	}, time.Second, time.Millisecond)

	require.NoError(t, bus.Close())
	require.ErrorIs(t, bus.Publish(context.Background(), Message{}), ErrBusClosed)
	_, err = bus.Subscribe(context.Background())
	require.ErrorIs(t, err, ErrBusClosed)
}

func TestRedisBusDeliversAcrossClients(t *testing.T) {
	srv := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	subClient := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer subClient.Close()
	pubClient := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer pubClient.Close()

	subBus := NewRedisBus(subClient, "", nil)
	pubBus := NewRedisBus(pubClient, "", nil)

	msgs, err := subBus.Subscribe(ctx)
	require.NoError(t, err)

	sent := Message{UserID: "anon-7", Origin: "replica-1", At: time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)}
	require.NoError(t, pubBus.Publish(ctx, sent))

	got := receive(t, msgs)
	require.Equal(t, sent.UserID, got.UserID)
	require.Equal(t, sent.Origin, got.Origin)
	require.True(t, sent.At.Equal(got.At))

	require.NoError(t, subBus.Close())
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-msgs:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)
	require.ErrorIs(t, subBus.Publish(ctx, sent), ErrBusClosed)
}
