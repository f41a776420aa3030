package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/require"
)

func TestCheckAllHealthy(t *testing.T) {
	ok := PingFunc(func(context.Context) error { return nil })
	c := New(Config{Clock: quartz.NewMock(t), Probes: []Probe{
		{Name: "ledger", Type: "database", Critical: true, Target: ok},
		{Name: "identities", Type: "database", Critical: true, Target: ok},
		{Name: "skipped", Type: "cache"},
	}})

	status := c.Check(context.Background())
	require.Equal(t, StatusHealthy, status.Status)
	require.Len(t, status.Components, 2)
	require.Equal(t, "Connected", status.Components[0].Message)
	require.Equal(t, StatusHealthy, c.GetLastStatus().Status)
}

func TestCheckCriticalFailureIsUnhealthy(t *testing.T) {
	c := New(Config{Clock: quartz.NewMock(t), Probes: []Probe{
		{Name: "ledger", Type: "database", Critical: true, Target: PingFunc(func(context.Context) error { return errors.New("database is locked") })},
		{Name: "redis", Type: "bus", Target: PingFunc(func(context.Context) error { return nil })},
	}})

	status := c.Check(context.Background())
	require.Equal(t, StatusUnhealthy, status.Status)
	require.Equal(t, "database is locked", status.Components[0].Error)
}

func TestCheckOptionalFailureDegrades(t *testing.T) {
	c := New(Config{Clock: quartz.NewMock(t), Probes: []Probe{
		{Name: "ledger", Type: "database", Critical: true, Target: PingFunc(func(context.Context) error { return nil })},
		{Name: "redis", Type: "bus", Target: PingFunc(func(context.Context) error { return errors.New("connection refused") })},
	}})

	status := c.Check(context.Background())
	require.Equal(t, StatusDegraded, status.Status)
	require.Equal(t, StatusDegraded, status.Components[1].Status)
}

func TestCheckSlowProbeDegrades(t *testing.T) {
	clock := quartz.NewMock(t)
	slow := PingFunc(func(context.Context) error {
		clock.Advance(time.Second)
		return nil
	})
	c := New(Config{Clock: clock, Probes: []Probe{{Name: "ledger", Type: "database", Critical: true, Target: slow}}})

	status := c.Check(context.Background())
	require.Equal(t, StatusDegraded, status.Status)
	require.Contains(t, status.Components[0].Message, "High latency")
}
