package credits

import (
	"context"
	"errors"
	"fmt"

	"github.com/tokligence/tokligence-credits/internal/ledger"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

// Reader serves the presentation layer. It never mutates a balance except to
// provision a missing row on first read.
type Reader struct {
	deps      Deps
	lifecycle *Lifecycle
}

// GetBalance returns the remaining credits, from the cache when fresh.
func (r *Reader) GetBalance(ctx context.Context, userID string) (int64, error) {
	if r.deps.Cache == nil {
		bal, err := r.Balance(ctx, userID)
		return bal.Remaining, err
	}
	return r.deps.Cache.Load(ctx, userID, func(ctx context.Context, id string) (int64, error) {
		bal, err := r.Balance(ctx, id)
		return bal.Remaining, err
	})
}

// Balance reads the full row from the store, provisioning it when the
// identity exists but has no balance yet.
func (r *Reader) Balance(ctx context.Context, userID string) (ledger.Balance, error) {
	if userID == "" {
		return ledger.Balance{}, fmt.Errorf("%w: user id required", ledger.ErrInvalidInput)
	}
	bal, err := r.deps.Ledger.Get(ctx, userID)
	if !errors.Is(err, ledger.ErrNotFound) {
		return bal, err
	}
	class, err := r.deps.Classifier.Classify(ctx, userID)
	if err != nil {
		return ledger.Balance{}, fmt.Errorf("classify %s: %w", userID, err)
	}
	if _, err := r.lifecycle.OnIdentityCreated(ctx, userID, class == ledger.ClassAnonymous); err != nil {
		return ledger.Balance{}, err
	}
	return r.deps.Ledger.Get(ctx, userID)
}

// History returns the newest audit entries for userID. limit is clamped to
// [1, MaxHistoryLimit], zero meaning DefaultHistoryLimit.
func (r *Reader) History(ctx context.Context, userID string, limit int) ([]ledger.AuditEntry, error) {
	switch {
	case limit <= 0:
		limit = DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		limit = MaxHistoryLimit
	}
	return r.deps.Ledger.History(ctx, userID, limit)
}
