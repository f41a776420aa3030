package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/quartz"
	"github.com/stretchr/testify/require"

	"github.com/tokligence/tokligence-credits/internal/balancecache"
)

type stubHTTPClient struct {
	calls   int
	handler func(*http.Request) (*http.Response, error)
}

func (s *stubHTTPClient) Do(req *http.Request) (*http.Response, error) {
	s.calls++
	return s.handler(req)
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{StatusCode: status, Body: io.NopCloser(strings.NewReader(body)), Header: make(http.Header)}
}

func newTestClient(t *testing.T, stub *stubHTTPClient) (*Client, *balancecache.Cache) {
	t.Helper()
	cache, err := balancecache.New(balancecache.Options{TTL: time.Minute, Clock: quartz.NewMock(t)})
	require.NoError(t, err)
	c, err := New("http://credits.test", stub, cache)
	require.NoError(t, err)
	c.SetBackoff(func() backoff.BackOff { return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 3) })
	c.SetSession("u1", "tok-1")
	return c, cache
}

func TestConsumeRetriesUnavailable(t *testing.T) {
	stub := &stubHTTPClient{}
	stub.handler = func(req *http.Request) (*http.Response, error) {
		require.Equal(t, http.MethodPost, req.Method)
		require.Equal(t, "/api/v1/credits/consume", req.URL.Path)
		require.Equal(t, "Bearer tok-1", req.Header.Get("Authorization"))
		body, _ := io.ReadAll(req.Body)
		require.JSONEq(t, `{"action":"image_generation"}`, string(body))
		if stub.calls < 3 {
			return jsonResponse(http.StatusServiceUnavailable, `{"error":"ledger busy"}`), nil
		}
		return jsonResponse(http.StatusOK, `{"ok":true,"outcome":"ok","remaining_credits":8,"action":"image_generation","cost":2}`), nil
	}
	c, cache := newTestClient(t, stub)

	res, err := c.Consume(context.Background(), "image_generation")
	require.NoError(t, err)
	require.True(t, res.OK)
	require.EqualValues(t, 8, res.Remaining)
	require.Equal(t, 3, stub.calls)

	e, ok := cache.Get("u1")
	require.True(t, ok)
	require.EqualValues(t, 8, e.Remaining)
}

func TestConsumeGivesUpAfterRetries(t *testing.T) {
	stub := &stubHTTPClient{handler: func(*http.Request) (*http.Response, error) {
		resp := jsonResponse(http.StatusServiceUnavailable, `{"error":"ledger busy"}`)
		resp.Header.Set("Retry-After", "1")
		return resp, nil
	}}
	c, _ := newTestClient(t, stub)

	_, err := c.Consume(context.Background(), "image_analysis")
	require.ErrorIs(t, err, ErrUnavailable)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, time.Second, apiErr.RetryAfter)
	require.Equal(t, 4, stub.calls)
}

func TestConsumeInsufficientIsNotAnError(t *testing.T) {
	stub := &stubHTTPClient{handler: func(*http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusPaymentRequired, `{"ok":false,"outcome":"insufficient","remaining_credits":1,"action":"image_generation","cost":2,"next_step":"upgrade","resets_at":"2026-03-15T00:00:00Z","message":"Create an account"}`), nil
	}}
	c, _ := newTestClient(t, stub)

	res, err := c.Consume(context.Background(), "image_generation")
	require.NoError(t, err)
	require.False(t, res.OK)
	require.EqualValues(t, 1, res.Remaining)
	require.Equal(t, "upgrade", res.NextStep)
	require.NotNil(t, res.ResetsAt)
	require.True(t, res.ResetsAt.Equal(time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)))
	require.Equal(t, 1, stub.calls)
}

func TestConsumeTransportFailureIsUnknown(t *testing.T) {
	stub := &stubHTTPClient{handler: func(*http.Request) (*http.Response, error) {
		return nil, errors.New("connection reset by peer")
	}}
	c, cache := newTestClient(t, stub)
	cache.Put("u1", 9)

	_, err := c.Consume(context.Background(), "image_analysis")
	require.ErrorIs(t, err, ErrOutcomeUnknown)
	require.Equal(t, 1, stub.calls, "a spend with unknown outcome must not be replayed")
	_, ok := cache.Get("u1")
	require.False(t, ok)
}

func TestConsumeGatewayTimeoutIsUnknown(t *testing.T) {
	stub := &stubHTTPClient{handler: func(*http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusGatewayTimeout, `{"ok":false,"outcome":"unknown","error":"ledger: outcome unknown"}`), nil
	}}
	c, cache := newTestClient(t, stub)
	cache.Put("u1", 9)

	_, err := c.Consume(context.Background(), "image_analysis")
	require.ErrorIs(t, err, ErrOutcomeUnknown)
	require.Equal(t, 1, stub.calls)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusGatewayTimeout, apiErr.StatusCode)
	_, ok := cache.Get("u1")
	require.False(t, ok)
}

func TestConsumeRateLimitedIsNotRetried(t *testing.T) {
	stub := &stubHTTPClient{handler: func(*http.Request) (*http.Response, error) {
		resp := jsonResponse(http.StatusTooManyRequests, "Rate limit exceeded. Please try again later.\n")
		resp.Header.Set("Retry-After", "2")
		return resp, nil
	}}
	c, _ := newTestClient(t, stub)

	_, err := c.Consume(context.Background(), "image_analysis")
	require.ErrorIs(t, err, ErrRateLimited)
	require.Equal(t, 1, stub.calls)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, 2*time.Second, apiErr.RetryAfter)
	require.Contains(t, apiErr.Message, "Rate limit exceeded")
}

func TestBalanceServedFromCacheUntilSessionChanges(t *testing.T) {
	stub := &stubHTTPClient{}
	stub.handler = func(req *http.Request) (*http.Response, error) {
		require.Equal(t, "/api/v1/credits/balance", req.URL.Path)
		return jsonResponse(http.StatusOK, `{"user_id":"u1","remaining_credits":6,"resets_at":"2026-03-15T00:00:00Z"}`), nil
	}
	c, cache := newTestClient(t, stub)

	for i := 0; i < 3; i++ {
		v, err := c.Balance(context.Background())
		require.NoError(t, err)
		require.EqualValues(t, 6, v)
	}
	require.Equal(t, 1, stub.calls)

	c.SetSession("u1", "tok-2")
	require.Zero(t, cache.Len())
	_, err := c.Balance(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, stub.calls)
}

func TestBalanceDetailAsksForFreshRow(t *testing.T) {
	stub := &stubHTTPClient{handler: func(req *http.Request) (*http.Response, error) {
		require.Equal(t, "true", req.URL.Query().Get("fresh"))
		return jsonResponse(http.StatusOK, `{"user_id":"u1","remaining_credits":4,"total_credits":10,"used_credits":6,"last_reset_at":"2026-03-14T00:00:00Z","resets_at":"2026-03-15T00:00:00Z"}`), nil
	}}
	c, cache := newTestClient(t, stub)

	b, err := c.BalanceDetail(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 10, b.Total)
	require.EqualValues(t, 6, b.Used)
	require.NotNil(t, b.LastResetAt)
	e, ok := cache.Get("u1")
	require.True(t, ok)
	require.EqualValues(t, 4, e.Remaining)
}

func TestUnauthorizedMapsToSentinel(t *testing.T) {
	stub := &stubHTTPClient{handler: func(*http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusUnauthorized, `{"error":"auth: token expired"}`), nil
	}}
	c, _ := newTestClient(t, stub)

	_, err := c.History(context.Background(), 10)
	require.ErrorIs(t, err, ErrUnauthorized)
	require.Contains(t, err.Error(), "token expired")
}

func TestWatchDropsInvalidatedEntries(t *testing.T) {
	stream := strings.Join([]string{
		": connected",
		"",
		"event: invalidate",
		`data: {"user_id":"u1","at":"2026-03-14T12:00:00Z"}`,
		"",
		"event: heartbeat",
		`data: {}`,
		"",
	}, "\n")
	stub := &stubHTTPClient{handler: func(req *http.Request) (*http.Response, error) {
		require.Equal(t, "text/event-stream", req.Header.Get("Accept"))
		return jsonResponse(http.StatusOK, stream), nil
	}}
	c, cache := newTestClient(t, stub)
	cache.Put("u1", 5)
	cache.Put("u2", 7)

	require.NoError(t, c.Watch(context.Background()))
	_, ok := cache.Get("u1")
	require.False(t, ok)
	_, ok = cache.Get("u2")
	require.True(t, ok)
}

func TestWatchPurgeEvent(t *testing.T) {
	stub := &stubHTTPClient{handler: func(*http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusOK, "event: invalidate\ndata: {\"user_id\":\"\"}\n\n"), nil
	}}
	c, cache := newTestClient(t, stub)
	cache.Put("u1", 5)
	cache.Put("u2", 7)

	require.NoError(t, c.Watch(context.Background()))
	require.Zero(t, cache.Len())
}
