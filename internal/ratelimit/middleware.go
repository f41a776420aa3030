package ratelimit

import (
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/tokligence/tokligence-credits/internal/logging"
	"github.com/tokligence/tokligence-credits/internal/metrics"
)

// KeyFunc extracts the bucket key from a request. Returning "" skips limiting.
type KeyFunc func(r *http.Request) string

// Middleware wraps an HTTP handler with rate limiting.
type Middleware struct {
	limiter *Limiter
	enabled bool
	key     KeyFunc
	logger  *logging.Leveled
	metrics *metrics.Collector
}

// NewMiddleware creates a rate limiting middleware keyed by key.
func NewMiddleware(limiter *Limiter, enabled bool, key KeyFunc, logger *logging.Leveled, m *metrics.Collector) *Middleware {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Middleware{limiter: limiter, enabled: enabled && limiter != nil && key != nil, key: key, logger: logger, metrics: m}
}

// Wrap applies rate limiting to an HTTP handler.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	if !m.enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := m.key(r)
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}
		d := m.limiter.Allow(r.Context(), key)
		setHeaders(w, d)
		if !d.Allowed {
			m.logger.Printf("[WARN] rate limit exceeded: key=%s path=%s", key, r.URL.Path)
			m.metrics.RateLimited()
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
			http.Error(w, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// See https://datatracker.ietf.org/doc/html/draft-polli-ratelimit-headers
func setHeaders(w http.ResponseWriter, d Decision) {
	w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%.0f", d.Limit))
	w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%.0f", math.Floor(d.Remaining)))
}
