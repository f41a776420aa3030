package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Kind classifies an audit entry written alongside a balance change.
type Kind string

const (
	KindSpent Kind = "spent"
	KindReset Kind = "reset"
	KindBonus Kind = "bonus"
	KindPrune Kind = "prune"
)

// Class is the allowance class of an identity. It is never stored on the
// balance row; callers obtain it from a Classifier.
type Class string

const (
	ClassAnonymous  Class = "anonymous"
	ClassRegistered Class = "registered"
)

// Balance is the credit row owned by exactly one identity.
type Balance struct {
	UserID      string    `json:"user_id"`
	Total       int64     `json:"total_credits"`
	Used        int64     `json:"used_credits"`
	Remaining   int64     `json:"remaining_credits"`
	LastResetAt time.Time `json:"last_reset_at"`
	// BonusGranted is set by the first Grant and never cleared, so the
	// upgrade bonus is paid at most once per row.
	BonusGranted bool `json:"bonus_granted"`
}

// Consistent reports whether the row satisfies remaining == total - used with
// no negative counters.
func (b Balance) Consistent() bool {
	return b.Total >= 0 && b.Used >= 0 && b.Remaining >= 0 && b.Remaining == b.Total-b.Used
}

// AuditEntry is an append-only record of a balance-affecting event.
type AuditEntry struct {
	ID          int64     `json:"id"`
	UserID      string    `json:"user_id"`
	Kind        Kind      `json:"kind"`
	Amount      int64     `json:"amount"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// ConsumeRequest asks the store to deduct Amount credits from UserID.
type ConsumeRequest struct {
	UserID      string
	Amount      int64
	Description string
	At          time.Time
}

// Validate rejects malformed requests before a transaction is opened.
func (r ConsumeRequest) Validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return fmt.Errorf("%w: user id required", ErrInvalidInput)
	}
	if r.Amount <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidAmount, r.Amount)
	}
	return nil
}

// AllowanceFunc resolves the allowance for an identity. Stores call it while
// holding the row lock so the class observed is never older than the lock.
type AllowanceFunc func(ctx context.Context, userID string) (int64, error)

// ResetRequest restores one row to its allowance if it has not been reset
// since DayStart. The row's last_reset_at becomes DayStart; At stamps the
// audit entry.
type ResetRequest struct {
	UserID    string
	DayStart  time.Time
	At        time.Time
	Allowance AllowanceFunc
}

// GrantRequest raises a row's remaining balance to at least Floor. A zero
// Floor only marks the row as granted.
type GrantRequest struct {
	UserID      string
	Floor       int64
	Description string
	At          time.Time
}

// Store persists balances and their audit trail. Every mutating method runs in
// its own transaction holding an exclusive lock on the affected row only.
type Store interface {
	// Create inserts a row with the given allowance unless one already exists.
	// It reports whether a row was inserted.
	Create(ctx context.Context, userID string, allowance int64, epoch time.Time) (bool, error)
	// Get returns the row or ErrNotFound.
	Get(ctx context.Context, userID string) (Balance, error)
	// Consume checks and deducts credits. Outcome is OK, Insufficient or
	// NotFound; store failures are returned as errors. A failure while
	// committing that may have left the spend durable is an
	// UnknownOutcomeError, never a TransientError.
	Consume(ctx context.Context, req ConsumeRequest) (Result, error)
	// Grant raises remaining to req.Floor, preserving any larger balance, and
	// returns the row after the change together with the credited delta. It
	// succeeds once per row; later calls return ErrBonusGranted and change
	// nothing.
	Grant(ctx context.Context, req GrantRequest) (Balance, int64, error)
	// ResetCandidates lists user ids whose last reset precedes dayStart, ordered
	// by user id and strictly greater than after.
	ResetCandidates(ctx context.Context, dayStart time.Time, after string, limit int) ([]string, error)
	// Reset restores the row to its allowance. It reports false when the row is
	// gone or was already reset for req.DayStart.
	Reset(ctx context.Context, req ResetRequest) (bool, error)
	// History returns the latest audit entries for a user, newest first.
	History(ctx context.Context, userID string, limit int) ([]AuditEntry, error)
	Ping(ctx context.Context) error
	Close() error
}

// Classifier answers whether an identity is anonymous or registered.
type Classifier interface {
	Classify(ctx context.Context, userID string) (Class, error)
}

// StartOfDay truncates t to UTC midnight.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// NextReset returns the UTC midnight following t.
func NextReset(t time.Time) time.Time {
	return StartOfDay(t).AddDate(0, 0, 1)
}

// NeedsReset reports whether a row last reset at lastReset is eligible for the
// reset of the calendar day containing asOf.
func NeedsReset(lastReset, asOf time.Time) bool {
	return lastReset.UTC().Before(StartOfDay(asOf))
}
