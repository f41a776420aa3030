package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "credits"

// Collector owns the credit service's Prometheus collectors and the registry
// they are served from. All methods are safe on a nil *Collector.
type Collector struct {
	registry *prometheus.Registry

	consumeTotal   *prometheus.CounterVec
	creditsSpent   *prometheus.CounterVec
	identityEvents *prometheus.CounterVec
	jobRows        *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	jobOverlaps    *prometheus.CounterVec
	cacheLookups   *prometheus.CounterVec
	rateLimited    prometheus.Counter
	sseClients     prometheus.Gauge
	startTime      time.Time
}

// NewCollector registers every collector on a fresh registry together with
// the Go runtime and process collectors.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		consumeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consume_total",
			Help:      "Consumption attempts by action and outcome.",
		}, []string{"action", "outcome"}),
		creditsSpent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spent_total",
			Help:      "Credits deducted by action.",
		}, []string{"action"}),
		identityEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "identity_events_total",
			Help:      "Identity lifecycle transitions handled.",
		}, []string{"event"}),
		jobRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_rows_total",
			Help:      "Rows processed by background jobs.",
		}, []string{"job", "result"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time of background job runs.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"job"}),
		jobOverlaps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_overlaps_total",
			Help:      "Job invocations skipped because a run was already in progress.",
		}, []string{"job"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "balance_cache_lookups_total",
			Help:      "Balance cache lookups by result.",
		}, []string{"result"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Consume requests rejected by the rate limiter.",
		}),
		sseClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "invalidation_stream_clients",
			Help:      "Open invalidation event streams.",
		}),
		startTime: time.Now(),
	}
	c.registry.MustRegister(
		c.consumeTotal, c.creditsSpent, c.identityEvents, c.jobRows, c.jobDuration,
		c.jobOverlaps, c.cacheLookups, c.rateLimited, c.sseClients,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the service started.",
		}, func() float64 { return time.Since(c.startTime).Seconds() }),
	)
	return c
}

// Registry exposes the underlying registry for tests and extra collectors.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// ObserveConsume records one consumption attempt; spent is counted only when
// the outcome is "ok".
func (c *Collector) ObserveConsume(action, outcome string, amount int64) {
	if c == nil {
		return
	}
	c.consumeTotal.WithLabelValues(action, outcome).Inc()
	if outcome == "ok" && amount > 0 {
		c.creditsSpent.WithLabelValues(action).Add(float64(amount))
	}
}

// IdentityEvent counts a lifecycle transition such as "created" or "upgraded".
func (c *Collector) IdentityEvent(event string) {
	if c == nil {
		return
	}
	c.identityEvents.WithLabelValues(event).Inc()
}

// ObserveJob records a completed job run.
func (c *Collector) ObserveJob(job string, took time.Duration, done, skipped, failed int) {
	if c == nil {
		return
	}
	c.jobDuration.WithLabelValues(job).Observe(took.Seconds())
	c.jobRows.WithLabelValues(job, "done").Add(float64(done))
	c.jobRows.WithLabelValues(job, "skipped").Add(float64(skipped))
	c.jobRows.WithLabelValues(job, "failed").Add(float64(failed))
}

// JobOverlap counts a skipped concurrent invocation.
func (c *Collector) JobOverlap(job string) {
	if c == nil {
		return
	}
	c.jobOverlaps.WithLabelValues(job).Inc()
}

func (c *Collector) CacheHit() {
	if c == nil {
		return
	}
	c.cacheLookups.WithLabelValues("hit").Inc()
}

func (c *Collector) CacheMiss() {
	if c == nil {
		return
	}
	c.cacheLookups.WithLabelValues("miss").Inc()
}

func (c *Collector) RateLimited() {
	if c == nil {
		return
	}
	c.rateLimited.Inc()
}

// StreamOpened and StreamClosed track live invalidation streams.
func (c *Collector) StreamOpened() {
	if c == nil {
		return
	}
	c.sseClients.Inc()
}

func (c *Collector) StreamClosed() {
	if c == nil {
		return
	}
	c.sseClients.Dec()
}
