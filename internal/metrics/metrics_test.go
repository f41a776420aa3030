package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCollectorCounts(t *testing.T) {
	c := NewCollector()
	c.ObserveConsume("image_generation", "ok", 2)
	c.ObserveConsume("image_generation", "insufficient", 2)
	c.ObserveConsume("image_analysis", "ok", 1)
	c.ObserveJob("reset", 150*time.Millisecond, 3, 1, 0)
	c.JobOverlap("reset")
	c.CacheHit()
	c.CacheMiss()
	c.CacheMiss()

	require.Equal(t, 1.0, testutil.ToFloat64(c.consumeTotal.WithLabelValues("image_generation", "insufficient")))
	require.Equal(t, 2.0, testutil.ToFloat64(c.creditsSpent.WithLabelValues("image_generation")))
	require.Equal(t, 3.0, testutil.ToFloat64(c.jobRows.WithLabelValues("reset", "done")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.jobOverlaps.WithLabelValues("reset")))
	require.Equal(t, 2.0, testutil.ToFloat64(c.cacheLookups.WithLabelValues("miss")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := NewCollector()
	c.RateLimited()

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	require.True(t, strings.Contains(body, "credits_rate_limited_total 1"))
	require.Contains(t, body, "credits_uptime_seconds")
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	c.ObserveConsume("x", "ok", 1)
	c.ObserveJob("prune", time.Second, 1, 0, 0)
	c.CacheHit()
	c.StreamOpened()
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 404, rec.Code)
}
