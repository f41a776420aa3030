// Package jobs runs the daily maintenance batch: pruning stale anonymous
// identities, then restoring every balance that has not been reset for the
// current UTC day. Both steps page through rows and lock one row per
// transaction, so a failure midway leaves completed rows committed and the
// next run resumes where the calendar-day predicate says it should.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/quartz"

	"github.com/tokligence/tokligence-credits/internal/balancecache"
	"github.com/tokligence/tokligence-credits/internal/hooks"
	"github.com/tokligence/tokligence-credits/internal/ledger"
	"github.com/tokligence/tokligence-credits/internal/logging"
	"github.com/tokligence/tokligence-credits/internal/metrics"
	"github.com/tokligence/tokligence-credits/internal/userstore"
)

const (
	DefaultBatchSize = 500

	jobReset = "reset"
	jobPrune = "prune"
	jobDaily = "daily"

	actorScheduler = "scheduler"
)

// Options configures a Runner.
type Options struct {
	Ledger     ledger.Store
	Identities userstore.Store
	Classifier ledger.Classifier
	Policy     ledger.Policy
	BatchSize  int
	Cache      *balancecache.Cache
	Hooks      *hooks.Dispatcher
	Metrics    *metrics.Collector
	Clock      quartz.Clock
	Logger     *logging.Leveled
	// Backoff builds the retry policy for transient per-row failures.
	Backoff func() backoff.BackOff
}

// ResetReport summarises one ResetAll run.
type ResetReport struct {
	AsOf     time.Time     `json:"as_of"`
	DayStart time.Time     `json:"day_start"`
	Reset    int           `json:"identities_reset"`
	Skipped  int           `json:"skipped"`
	Failed   int           `json:"failed"`
	Took     time.Duration `json:"took_ns"`
}

// PruneReport summarises one PruneStaleAnonymous run.
type PruneReport struct {
	Cutoff time.Time     `json:"cutoff"`
	Pruned int           `json:"pruned"`
	Took   time.Duration `json:"took_ns"`
}

// DailyReport is the result of the combined batch.
type DailyReport struct {
	StartedAt time.Time   `json:"started_at"`
	Prune     PruneReport `json:"prune"`
	Reset     ResetReport `json:"reset"`
}

// Runner executes reset and prune runs. Each job refuses to start while a run
// of the same job is in flight.
type Runner struct {
	opts      Options
	allowance ledger.AllowanceFunc

	resetMu sync.Mutex
	pruneMu sync.Mutex
	dailyMu sync.Mutex

	lastMu sync.Mutex
	last   *DailyReport
}

// NewRunner validates opts.
func NewRunner(opts Options) (*Runner, error) {
	if opts.Ledger == nil || opts.Identities == nil {
		return nil, fmt.Errorf("jobs: ledger and identity stores required")
	}
	if err := opts.Policy.Validate(); err != nil {
		return nil, err
	}
	if opts.Classifier == nil {
		opts.Classifier = userstore.NewClassifier(opts.Identities)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Backoff == nil {
		opts.Backoff = defaultBackoff
	}
	return &Runner{opts: opts, allowance: opts.Policy.AllowanceFor(opts.Classifier)}, nil
}

func defaultBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 10 * time.Second
	return backoff.WithMaxRetries(b, 4)
}

// retry runs op until it succeeds, fails permanently or the policy gives up.
// Only transient store errors are retried.
func (r *Runner) retry(ctx context.Context, op func() error) error {
	return backoff.Retry(func() error {
		err := op()
		if err == nil || ledger.IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(r.opts.Backoff(), ctx))
}

func (r *Runner) overlap(job string) error {
	r.opts.Logger.Warnf("%s run already in progress; skipping", job)
	r.opts.Metrics.JobOverlap(job)
	return fmt.Errorf("%s: %w", job, ledger.ErrSchedulerOverlap)
}

func (r *Runner) emit(ctx context.Context, evt hooks.Event) {
	if err := r.opts.Hooks.Emit(ctx, evt); err != nil {
		r.opts.Logger.Warnf("hook %s failed: %v", evt.Type, err)
	}
}

// ResetAll restores every balance whose last reset precedes the UTC day of
// asOf. Calling it again for the same day resets nothing.
func (r *Runner) ResetAll(ctx context.Context, asOf time.Time) (ResetReport, error) {
	if !r.resetMu.TryLock() {
		return ResetReport{}, r.overlap(jobReset)
	}
	defer r.resetMu.Unlock()

	started := r.opts.Clock.Now()
	report := ResetReport{AsOf: asOf.UTC(), DayStart: ledger.StartOfDay(asOf)}
	r.opts.Logger.Infof("reset starting for %s", report.DayStart.Format("2006-01-02"))

	err := r.resetPages(ctx, &report)
	report.Took = r.opts.Clock.Since(started)
	r.opts.Metrics.ObserveJob(jobReset, report.Took, report.Reset, report.Skipped, report.Failed)
	if report.Reset > 0 && r.opts.Cache != nil {
		r.opts.Cache.InvalidateAll(ctx)
	}
	if err != nil {
		r.opts.Logger.Errorf("reset aborted after %d rows: %v", report.Reset, err)
		return report, err
	}

	r.opts.Logger.Infof("reset done: reset=%d skipped=%d failed=%d took=%s",
		report.Reset, report.Skipped, report.Failed, report.Took)
	r.emit(ctx, hooks.NewEvent(hooks.EventResetCompleted, r.opts.Clock.Now(), "", actorScheduler, map[string]any{
		"day":     report.DayStart.Format("2006-01-02"),
		"reset":   report.Reset,
		"skipped": report.Skipped,
		"failed":  report.Failed,
	}))
	return report, nil
}

func (r *Runner) resetPages(ctx context.Context, report *ResetReport) error {
	after := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		var ids []string
		err := r.retry(ctx, func() error {
			var err error
			ids, err = r.opts.Ledger.ResetCandidates(ctx, report.DayStart, after, r.opts.BatchSize)
			return err
		})
		if err != nil {
			return fmt.Errorf("list reset candidates after %q: %w", after, err)
		}
		for _, id := range ids {
			r.resetOne(ctx, id, report)
		}
		if len(ids) < r.opts.BatchSize {
			return nil
		}
		after = ids[len(ids)-1]
	}
}

func (r *Runner) resetOne(ctx context.Context, userID string, report *ResetReport) {
	req := ledger.ResetRequest{
		UserID:    userID,
		DayStart:  report.DayStart,
		At:        r.opts.Clock.Now().UTC(),
		Allowance: r.allowance,
	}
	var done bool
	err := r.retry(ctx, func() error {
		var err error
		done, err = r.opts.Ledger.Reset(ctx, req)
		return err
	})
	switch {
	case err != nil:
		report.Failed++
		r.opts.Logger.Errorf("reset %s: %v", userID, err)
	case done:
		report.Reset++
		r.opts.Logger.Debugf("reset %s", userID)
	default:
		// Deleted or already reset by a concurrent run.
		report.Skipped++
	}
}

// PruneStaleAnonymous deletes anonymous identities created more than olderThan
// ago. A non-positive olderThan falls back to the policy retention. Balance
// and audit rows disappear with the identity.
func (r *Runner) PruneStaleAnonymous(ctx context.Context, olderThan time.Duration) (PruneReport, error) {
	if !r.pruneMu.TryLock() {
		return PruneReport{}, r.overlap(jobPrune)
	}
	defer r.pruneMu.Unlock()

	if olderThan <= 0 {
		olderThan = r.opts.Policy.AnonymousRetention
	}
	started := r.opts.Clock.Now()
	report := PruneReport{Cutoff: started.Add(-olderThan).UTC()}

	err := r.prunePages(ctx, &report)
	report.Took = r.opts.Clock.Since(started)
	r.opts.Metrics.ObserveJob(jobPrune, report.Took, report.Pruned, 0, 0)
	if err != nil {
		r.opts.Logger.Errorf("prune aborted after %d identities: %v", report.Pruned, err)
		return report, err
	}
	r.opts.Logger.Infof("prune done: pruned=%d cutoff=%s took=%s",
		report.Pruned, report.Cutoff.Format(time.RFC3339), report.Took)
	return report, nil
}

func (r *Runner) prunePages(ctx context.Context, report *PruneReport) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		stale, err := r.opts.Identities.ListStaleAnonymous(ctx, report.Cutoff, r.opts.BatchSize)
		if err != nil {
			return fmt.Errorf("list stale identities: %w", err)
		}
		if len(stale) == 0 {
			return nil
		}
		ids := make([]string, len(stale))
		created := make(map[string]time.Time, len(stale))
		for i, ident := range stale {
			ids[i] = ident.ID
			created[ident.ID] = ident.CreatedAt
		}

		var removed []string
		err = r.retry(ctx, func() error {
			var err error
			removed, err = r.opts.Identities.DeleteStaleAnonymous(ctx, ids, report.Cutoff)
			return err
		})
		if err != nil {
			return fmt.Errorf("delete stale identities: %w", err)
		}
		for _, id := range removed {
			report.Pruned++
			r.opts.Logger.Infof("pruned anonymous identity %s created %s", id, created[id].UTC().Format(time.RFC3339))
			r.opts.Metrics.IdentityEvent("pruned")
			if r.opts.Cache != nil {
				r.opts.Cache.Invalidate(ctx, id)
			}
			r.emit(ctx, hooks.NewEvent(hooks.EventIdentityPruned, r.opts.Clock.Now(), id, actorScheduler, map[string]any{
				"created_at": created[id].UTC(),
				"cutoff":     report.Cutoff,
			}))
		}
		// Rows that upgraded between list and delete are no longer listed, so
		// an empty delete can only mean nothing is left to make progress on.
		if len(removed) == 0 || len(stale) < r.opts.BatchSize {
			return nil
		}
	}
}

// RunDaily prunes stale identities and then resets balances for the current
// UTC day. A prune failure is reported but does not prevent the reset.
func (r *Runner) RunDaily(ctx context.Context) (DailyReport, error) {
	if !r.dailyMu.TryLock() {
		return DailyReport{}, r.overlap(jobDaily)
	}
	defer r.dailyMu.Unlock()

	started := r.opts.Clock.Now()
	report := DailyReport{StartedAt: started.UTC()}

	var errs []error
	prune, err := r.PruneStaleAnonymous(ctx, r.opts.Policy.AnonymousRetention)
	report.Prune = prune
	if err != nil {
		errs = append(errs, err)
	}
	reset, err := r.ResetAll(ctx, started)
	report.Reset = reset
	if err != nil {
		errs = append(errs, err)
	}

	r.opts.Metrics.ObserveJob(jobDaily, r.opts.Clock.Since(started), prune.Pruned+reset.Reset, reset.Skipped, reset.Failed)
	r.lastMu.Lock()
	r.last = &report
	r.lastMu.Unlock()
	return report, errors.Join(errs...)
}

// LastDaily returns the most recent RunDaily report.
func (r *Runner) LastDaily() (DailyReport, bool) {
	r.lastMu.Lock()
	defer r.lastMu.Unlock()
	if r.last == nil {
		return DailyReport{}, false
	}
	return *r.last, true
}
