package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coder/quartz"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult holds the result of a health check.
type CheckResult struct {
	Status    Status        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Latency   time.Duration `json:"latency_ms"`
	Timestamp time.Time     `json:"timestamp"`
	Error     string        `json:"error,omitempty"`
}

// Component represents a system component that can be health-checked.
type Component struct {
	Name string `json:"name"`
	Type string `json:"type"` // database, cache, bus
	CheckResult
}

// Pinger is satisfied by the ledger and identity stores.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function, e.g. a Redis PING, to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Probe is one checked dependency. A failing critical probe makes the whole
// service unhealthy; any other failure only degrades it.
type Probe struct {
	Name     string
	Type     string
	Critical bool
	Target   Pinger
}

// Config holds health checker configuration.
type Config struct {
	Probes     []Probe
	Timeout    time.Duration
	MaxLatency time.Duration
	Clock      quartz.Clock
}

// Checker performs health checks on system components.
type Checker struct {
	probes     []Probe
	timeout    time.Duration
	maxLatency time.Duration
	clock      quartz.Clock

	mu         sync.RWMutex
	components []Component
}

// New creates a new health checker.
func New(cfg Config) *Checker {
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.MaxLatency == 0 {
		cfg.MaxLatency = 100 * time.Millisecond
	}
	if cfg.Clock == nil {
		cfg.Clock = quartz.NewReal()
	}
	var probes []Probe
	for _, p := range cfg.Probes {
		if p.Target != nil {
			probes = append(probes, p)
		}
	}
	return &Checker{
		probes:     probes,
		timeout:    cfg.Timeout,
		maxLatency: cfg.MaxLatency,
		clock:      cfg.Clock,
	}
}

// Check runs every probe concurrently and returns the overall status.
func (c *Checker) Check(ctx context.Context) HealthStatus {
	var wg sync.WaitGroup
	components := make([]Component, len(c.probes))
	for i, p := range c.probes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			components[i] = c.checkProbe(ctx, p)
		}()
	}
	wg.Wait()

	c.mu.Lock()
	c.components = components
	c.mu.Unlock()

	return c.calculateOverallStatus(components)
}

func (c *Checker) checkProbe(ctx context.Context, p Probe) Component {
	comp := Component{
		Name: p.Name,
		Type: p.Type,
		CheckResult: CheckResult{
			Timestamp: c.clock.Now().UTC(),
		},
	}

	pctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := c.clock.Now()
	err := p.Target.Ping(pctx)
	comp.Latency = c.clock.Since(start)

	switch {
	case err != nil && p.Critical:
		comp.Status = StatusUnhealthy
		comp.Error = err.Error()
		comp.Message = "Unreachable"
	case err != nil:
		comp.Status = StatusDegraded
		comp.Error = err.Error()
		comp.Message = "Unreachable"
	case comp.Latency > c.maxLatency:
		comp.Status = StatusDegraded
		comp.Message = fmt.Sprintf("High latency: %v", comp.Latency)
	default:
		comp.Status = StatusHealthy
		comp.Message = "Connected"
	}
	return comp
}

// calculateOverallStatus reports the worst component status.
func (c *Checker) calculateOverallStatus(components []Component) HealthStatus {
	overall := StatusHealthy
	for _, comp := range components {
		switch comp.Status {
		case StatusUnhealthy:
			overall = StatusUnhealthy
		case StatusDegraded:
			if overall == StatusHealthy {
				overall = StatusDegraded
			}
		}
	}
	return HealthStatus{
		Status:     overall,
		Timestamp:  c.clock.Now().UTC(),
		Components: components,
	}
}

// HealthStatus represents the overall health of the system.
type HealthStatus struct {
	Status     Status      `json:"status"`
	Timestamp  time.Time   `json:"timestamp"`
	Components []Component `json:"components"`
}

// GetLastStatus returns the last health check result.
func (c *Checker) GetLastStatus() HealthStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.components) == 0 {
		return HealthStatus{
			Status:    StatusHealthy,
			Timestamp: c.clock.Now().UTC(),
		}
	}
	return c.calculateOverallStatus(c.components)
}
