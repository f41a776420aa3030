package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestSchedulerRejectsBadSpec(t *testing.T) {
	h := newHarness(t)
	_, err := NewScheduler(h.runner, "every day please", false, nil)
	require.Error(t, err)
	_, err = NewScheduler(nil, DefaultSchedule, false, nil)
	require.Error(t, err)
}

func TestSchedulerNextIsUTCMidnight(t *testing.T) {
	h := newHarness(t)
	s, err := NewScheduler(h.runner, "", false, nil)
	require.NoError(t, err)

	local := time.FixedZone("UTC+9", 9*3600)
	next := s.Next(time.Date(2026, 3, 14, 8, 0, 0, 0, local))
	require.Equal(t, time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC), next)
	require.Equal(t, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC), s.Next(today.Add(time.Minute)))
}

func TestSchedulerCatchesUpOnStart(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	h := newHarness(t)
	h.seed(t, "member", "member@example.com", yesterday, yesterday, 20)
	s, err := NewScheduler(h.runner, DefaultSchedule, true, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, ok := h.runner.LastDaily()
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	bal, err := h.ledger.Get(context.Background(), "member")
	require.NoError(t, err)
	require.EqualValues(t, 50, bal.Remaining)
	require.Zero(t, bal.Used)

	require.Error(t, s.Run(ctx), "second Run must be refused while running")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
