package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/coder/quartz"
)

func TestMiddleware_LimitsPerKey(t *testing.T) {
	limiter := NewLimiter(Config{Store: NewMemoryStoreWithCleanup(quartz.NewMock(t), 0), RequestsPerSecond: 1, Burst: 2})
	defer limiter.Close()

	key := func(r *http.Request) string { return r.Header.Get("X-Identity") }
	mw := NewMiddleware(limiter, true, key, nil, nil)
	handler := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	do := func(id string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/credits/consume", nil)
		if id != "" {
			req.Header.Set("X-Identity", id)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 2; i++ {
		if rec := do("anon-1"); rec.Code != http.StatusNoContent {
			t.Fatalf("request %d: expected 204, got %d", i, rec.Code)
		}
	}
	rec := do("anon-1")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Fatalf("expected Retry-After 1, got %q", rec.Header().Get("Retry-After"))
	}
	if rec.Header().Get("X-RateLimit-Limit") != "2" || rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("unexpected headers %v", rec.Header())
	}
	if rec := do("anon-2"); rec.Code != http.StatusNoContent {
		t.Fatalf("other identity should pass, got %d", rec.Code)
	}
	if rec := do(""); rec.Code != http.StatusNoContent {
		t.Fatalf("unkeyed request should pass, got %d", rec.Code)
	}
}

func TestMiddleware_Disabled(t *testing.T) {
	next := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})
	mw := NewMiddleware(nil, true, nil, nil, nil)
	if got := mw.Wrap(next); got == nil {
		t.Fatal("disabled middleware must return the next handler")
	}
}
