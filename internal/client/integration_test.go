package client_test

import (
	"context"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/require"

	"github.com/tokligence/tokligence-credits/internal/auth"
	"github.com/tokligence/tokligence-credits/internal/balancecache"
	"github.com/tokligence/tokligence-credits/internal/client"
	"github.com/tokligence/tokligence-credits/internal/credits"
	"github.com/tokligence/tokligence-credits/internal/httpserver"
	"github.com/tokligence/tokligence-credits/internal/ledger"
	memledger "github.com/tokligence/tokligence-credits/internal/ledger/memory"
	"github.com/tokligence/tokligence-credits/internal/metrics"
	"github.com/tokligence/tokligence-credits/internal/testutil"
	identmem "github.com/tokligence/tokligence-credits/internal/userstore/memory"
)

type stack struct {
	svc     *credits.Service
	metrics *metrics.Collector
	url     string
	http    *testutil.IPv4Server
}

func startStack(t *testing.T) *stack {
	t.Helper()
	clock := quartz.NewMock(t)
	clock.Set(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))

	idents := identmem.New()
	store := memledger.New(memledger.WithIdentityCheck(idents.Exists))
	idents.OnDelete(store.Forget)
	bus := balancecache.NewLocalBus()
	t.Cleanup(func() { _ = bus.Close() })
	cache, err := balancecache.New(balancecache.Options{TTL: 30 * time.Second, Clock: clock, Bus: bus, Origin: "server"})
	require.NoError(t, err)
	prices, err := credits.NewPriceTable(map[string]int64{"image_analysis": 1, "image_generation": 2, "bulk": 7})
	require.NoError(t, err)
	collector := metrics.NewCollector()
	svc, err := credits.New(credits.Deps{
		Ledger:     store,
		Identities: idents,
		Policy:     ledger.DefaultPolicy(),
		Prices:     prices,
		Cache:      cache,
		Metrics:    collector,
		Clock:      clock,
	})
	require.NoError(t, err)
	srv, err := httpserver.New(httpserver.Options{
		Credits:              svc,
		Identities:           idents,
		Auth:                 auth.NewManager("integration-secret", clock),
		Bus:                  bus,
		Metrics:              collector,
		ExposeChallengeCodes: true,
		Clock:                clock,
	})
	require.NoError(t, err)

	ts := testutil.NewIPv4Server(t, srv.Router())
	t.Cleanup(ts.Close)
	return &stack{svc: svc, metrics: collector, url: ts.URL, http: ts}
}

func (s *stack) openStreams(t *testing.T) float64 {
	t.Helper()
	families, err := s.metrics.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == "credits_invalidation_stream_clients" && len(mf.GetMetric()) > 0 {
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	return 0
}

func newSDK(t *testing.T, s *stack) (*client.Client, *balancecache.Cache) {
	t.Helper()
	cache, err := balancecache.New(balancecache.Options{TTL: time.Minute, Clock: quartz.NewMock(t)})
	require.NoError(t, err)
	c, err := client.New(s.url, s.http.Client(), cache)
	require.NoError(t, err)
	return c, cache
}

func TestClientAgainstServer(t *testing.T) {
	s := startStack(t)
	sdk, cache := newSDK(t, s)
	ctx := context.Background()

	sess, err := sdk.SignInAnonymous(ctx)
	require.NoError(t, err)
	require.True(t, sess.Anonymous)
	require.EqualValues(t, 10, sess.Remaining)
	require.Equal(t, sess.UserID, sdk.UserID())

	res, err := sdk.Consume(ctx, "image_generation")
	require.NoError(t, err)
	require.True(t, res.OK)
	require.EqualValues(t, 8, res.Remaining)

	got, err := sdk.Balance(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 8, got)

	watchCtx, stopWatch := context.WithCancel(ctx)
	watchDone := make(chan error, 1)
	go func() { watchDone <- sdk.Watch(watchCtx) }()
	require.Eventually(t, func() bool { return s.openStreams(t) == 1 }, 5*time.Second, 10*time.Millisecond)

	// A spend made elsewhere reaches the local cache through the stream.
	out, err := s.svc.Engine.Consume(ctx, sess.UserID, "image_analysis")
	require.NoError(t, err)
	require.True(t, out.OK())
	require.Eventually(t, func() bool {
		_, ok := cache.Get(sess.UserID)
		return !ok
	}, 5*time.Second, 10*time.Millisecond)
	got, err = sdk.Balance(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 7, got)

	stopWatch()
	select {
	case err := <-watchDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}

	hist, err := sdk.History(ctx, 10)
	require.NoError(t, err)
	require.Len(t, hist.Entries, 2)

	ch, err := sdk.RequestUpgrade(ctx, "someone@example.com")
	require.NoError(t, err)
	require.NotEmpty(t, ch.Code)
	up, err := sdk.VerifyUpgrade(ctx, ch.ChallengeID, ch.Code)
	require.NoError(t, err)
	require.False(t, up.Anonymous)
	require.EqualValues(t, 50, up.Remaining)
	require.Zero(t, cache.Len())

	me, err := sdk.Session(ctx)
	require.NoError(t, err)
	require.False(t, me.Anonymous)

	detail, err := sdk.BalanceDetail(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 50, detail.Total)
	require.EqualValues(t, 50, detail.Remaining)
}

func TestClientSeesInsufficientCredits(t *testing.T) {
	s := startStack(t)
	sdk, _ := newSDK(t, s)
	ctx := context.Background()

	_, err := sdk.SignInAnonymous(ctx)
	require.NoError(t, err)
	_, err = sdk.Consume(ctx, "bulk")
	require.NoError(t, err)

	res, err := sdk.Consume(ctx, "bulk")
	require.NoError(t, err)
	require.False(t, res.OK)
	require.Equal(t, "insufficient", res.Outcome)
	require.EqualValues(t, 3, res.Remaining)
	require.Equal(t, credits.NextStepUpgrade, res.NextStep)

	sdk.SetSession("", "")
	_, err = sdk.Consume(ctx, "image_analysis")
	require.ErrorIs(t, err, client.ErrUnauthorized)
}
