package credits

import (
	"context"
	"errors"
	"fmt"

	"github.com/tokligence/tokligence-credits/internal/hooks"
	"github.com/tokligence/tokligence-credits/internal/ledger"
)

// Lifecycle reacts to identity provider events: it provisions a balance at
// identity birth, grants the registered floor on upgrade and forwards
// deletions so the store cascade removes the ledger rows.
type Lifecycle struct {
	deps Deps
}

// UpgradeResult is the balance after OnUpgrade together with what that call
// credited.
type UpgradeResult struct {
	ledger.Balance
	Bonus int64 `json:"bonus"`
	// Granted is false when the bonus had already been paid, or the row was
	// provisioned straight into the registered class.
	Granted bool `json:"granted"`
}

// OnIdentityCreated provisions the balance row for userID with the allowance
// of its class. Repeated calls leave the existing row untouched; the return
// value reports whether this call created it.
func (l *Lifecycle) OnIdentityCreated(ctx context.Context, userID string, anonymous bool) (bool, error) {
	if userID == "" {
		return false, fmt.Errorf("%w: user id required", ledger.ErrInvalidInput)
	}
	class := ledger.ClassRegistered
	if anonymous {
		class = ledger.ClassAnonymous
	}
	allowance := l.deps.Policy.Allowance(class)
	now := l.deps.Clock.Now().UTC()

	created, err := l.deps.Ledger.Create(ctx, userID, allowance, ledger.StartOfDay(now))
	if err != nil {
		return false, fmt.Errorf("provision balance for %s: %w", userID, err)
	}
	if !created {
		l.deps.Logger.Debugf("balance for %s already provisioned", userID)
		return false, nil
	}
	if class == ledger.ClassRegistered {
		// Born registered: there is no anonymous phase to upgrade from.
		if _, _, err := l.deps.Ledger.Grant(ctx, ledger.GrantRequest{UserID: userID, At: now}); err != nil && !errors.Is(err, ledger.ErrBonusGranted) {
			return true, fmt.Errorf("mark %s as registered: %w", userID, err)
		}
	}
	l.deps.Logger.Infof("provisioned %d credits for %s identity %s", allowance, class, userID)
	l.deps.Metrics.IdentityEvent("created")
	l.emit(ctx, hooks.NewEvent(hooks.EventIdentityCreated, now, userID, userID, map[string]any{
		"class":     string(class),
		"allowance": allowance,
	}))
	return true, nil
}

// OnUpgrade raises the balance of a freshly registered identity to at least the
// registered allowance. A balance already above that floor is kept. The grant
// happens once per identity; repeated upgrade events return the current
// balance and change nothing.
func (l *Lifecycle) OnUpgrade(ctx context.Context, userID string) (UpgradeResult, error) {
	class, err := l.deps.Classifier.Classify(ctx, userID)
	if err != nil {
		return UpgradeResult{}, fmt.Errorf("classify %s: %w", userID, err)
	}
	if class != ledger.ClassRegistered {
		return UpgradeResult{}, fmt.Errorf("%w: %s", ErrNotRegistered, userID)
	}
	now := l.deps.Clock.Now().UTC()
	floor := l.deps.Policy.RegisteredAllowance

	bal, delta, err := l.deps.Ledger.Grant(ctx, ledger.GrantRequest{
		UserID:      userID,
		Floor:       floor,
		Description: "upgrade to registered",
		At:          now,
	})
	if errors.Is(err, ledger.ErrNotFound) {
		// The identity upgraded before its balance was ever read; provision it
		// straight into the registered class.
		if _, err := l.OnIdentityCreated(ctx, userID, false); err != nil {
			return UpgradeResult{}, err
		}
		bal, err = l.deps.Ledger.Get(ctx, userID)
		if err != nil {
			return UpgradeResult{}, fmt.Errorf("read %s after provisioning: %w", userID, err)
		}
		l.invalidate(ctx, userID)
		l.deps.Metrics.IdentityEvent("upgraded")
		l.emit(ctx, hooks.NewEvent(hooks.EventIdentityUpgraded, now, userID, userID, map[string]any{
			"bonus":     0,
			"remaining": bal.Remaining,
			"floor":     floor,
		}))
		return UpgradeResult{Balance: bal}, nil
	}
	if errors.Is(err, ledger.ErrBonusGranted) {
		l.deps.Logger.Infof("upgrade for %s ignored: bonus already granted", userID)
		bal, err = l.deps.Ledger.Get(ctx, userID)
		if err != nil {
			return UpgradeResult{}, fmt.Errorf("read %s: %w", userID, err)
		}
		return UpgradeResult{Balance: bal}, nil
	}
	if err != nil {
		return UpgradeResult{}, fmt.Errorf("grant upgrade floor to %s: %w", userID, err)
	}

	l.invalidate(ctx, userID)
	l.deps.Logger.Infof("upgraded %s: +%d credits, remaining %d", userID, delta, bal.Remaining)
	l.deps.Metrics.IdentityEvent("upgraded")
	l.emit(ctx, hooks.NewEvent(hooks.EventIdentityUpgraded, now, userID, userID, map[string]any{
		"bonus":     delta,
		"remaining": bal.Remaining,
		"floor":     floor,
	}))
	return UpgradeResult{Balance: bal, Bonus: delta, Granted: true}, nil
}

// OnIdentityDeleted removes the identity. Its balance and audit rows go with
// it through the store cascade.
func (l *Lifecycle) OnIdentityDeleted(ctx context.Context, userID string) (bool, error) {
	if l.deps.Identities == nil {
		return false, fmt.Errorf("credits: identity store not configured")
	}
	removed, err := l.deps.Identities.Delete(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("delete identity %s: %w", userID, err)
	}
	l.invalidate(ctx, userID)
	if !removed {
		return false, nil
	}
	l.deps.Logger.Infof("deleted identity %s", userID)
	l.deps.Metrics.IdentityEvent("deleted")
	l.emit(ctx, hooks.NewEvent(hooks.EventIdentityDeleted, l.deps.Clock.Now(), userID, "identity-provider", nil))
	return true, nil
}

func (l *Lifecycle) invalidate(ctx context.Context, userID string) {
	if l.deps.Cache != nil {
		l.deps.Cache.Invalidate(ctx, userID)
	}
}

func (l *Lifecycle) emit(ctx context.Context, evt hooks.Event) {
	if err := l.deps.Hooks.Emit(ctx, evt); err != nil {
		l.deps.Logger.Warnf("hook %s for %s failed: %v", evt.Type, evt.UserID, err)
	}
}
