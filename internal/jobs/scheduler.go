package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tokligence/tokligence-credits/internal/ledger"
	"github.com/tokligence/tokligence-credits/internal/logging"
)

// DefaultSchedule fires the daily batch at UTC midnight.
const DefaultSchedule = "0 0 * * *"

// Scheduler fires Runner.RunDaily on a cron schedule evaluated in UTC.
type Scheduler struct {
	runner     *Runner
	spec       string
	schedule   cron.Schedule
	runOnStart bool
	logger     *logging.Leveled

	mu      sync.Mutex
	running bool
}

// NewScheduler parses spec (standard five-field cron or a descriptor such as
// "@daily"), evaluated in UTC unless it carries its own CRON_TZ prefix.
// With runOnStart the batch also runs once at startup so a daemon that was
// down over midnight catches up.
func NewScheduler(runner *Runner, spec string, runOnStart bool, logger *logging.Leveled) (*Scheduler, error) {
	if runner == nil {
		return nil, fmt.Errorf("jobs: runner required")
	}
	if spec == "" {
		spec = DefaultSchedule
	}
	expr := spec
	if !strings.HasPrefix(expr, "CRON_TZ=") && !strings.HasPrefix(expr, "TZ=") {
		expr = "CRON_TZ=UTC " + expr
	}
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("jobs: invalid schedule %q: %w", spec, err)
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Scheduler{runner: runner, spec: spec, schedule: schedule, runOnStart: runOnStart, logger: logger}, nil
}

// Next returns the first scheduled fire time after t.
func (s *Scheduler) Next(t time.Time) time.Time {
	return s.schedule.Next(t.UTC())
}

// Run blocks until ctx is canceled, then waits for an in-flight batch.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("jobs: scheduler already running")
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	cronLog := cron.PrintfLogger(s.logger)
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cron.DiscardLogger),
		cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
	)
	c.Schedule(s.schedule, cron.FuncJob(func() { s.fire(ctx, "cron") }))

	s.logger.Infof("daily batch scheduled %q (UTC), next at %s", s.spec,
		s.Next(s.runner.opts.Clock.Now()).Format(time.RFC3339))
	c.Start()

	var wg sync.WaitGroup
	if s.runOnStart {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.fire(ctx, "startup")
		}()
	}

	<-ctx.Done()
	<-c.Stop().Done()
	wg.Wait()
	s.logger.Infof("scheduler stopped")
	return nil
}

func (s *Scheduler) fire(ctx context.Context, trigger string) {
	if ctx.Err() != nil {
		return
	}
	report, err := s.runner.RunDaily(ctx)
	switch {
	case errors.Is(err, ledger.ErrSchedulerOverlap):
		// Already logged by the runner; the other run covers this tick.
	case errors.Is(err, context.Canceled):
		s.logger.Warnf("daily batch (%s) interrupted by shutdown", trigger)
	case err != nil:
		s.logger.Errorf("daily batch (%s) finished with errors, will retry next tick: %v", trigger, err)
	default:
		s.logger.Infof("daily batch (%s): pruned=%d reset=%d failed=%d", trigger,
			report.Prune.Pruned, report.Reset.Reset, report.Reset.Failed)
	}
}
