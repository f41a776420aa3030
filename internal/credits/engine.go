package credits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tokligence/tokligence-credits/internal/ledger"
)

// Next step kinds paired with an insufficient-credits outcome.
const (
	NextStepUpgrade      = "upgrade"
	NextStepWaitForReset = "wait_for_reset"
)

// NextStep tells the caller what the user can do after running out.
type NextStep struct {
	Action   string    `json:"next_step"`
	ResetsAt time.Time `json:"resets_at"`
	Message  string    `json:"message"`
}

// Engine is the consumption entry point for the AI request pipeline.
type Engine struct {
	deps      Deps
	lifecycle *Lifecycle
}

// Price exposes the configured cost of action.
func (e *Engine) Price(action string) (int64, error) {
	return e.deps.Prices.Price(action)
}

// Prices returns a copy of the price table.
func (e *Engine) Prices() map[string]int64 {
	out := make(map[string]int64, len(e.deps.Prices))
	for _, action := range e.deps.Prices.Actions() {
		out[action] = e.deps.Prices[action]
	}
	return out
}

// Consume deducts the price of action from userID. The returned error is
// reserved for bad input (unknown action, empty id) and unclassified store
// failures; every other result is carried by the Result outcome. A missing
// balance row is provisioned once and the spend retried.
func (e *Engine) Consume(ctx context.Context, userID, action string) (ledger.Result, error) {
	amount, err := e.deps.Prices.Price(action)
	if err != nil {
		return ledger.Result{}, err
	}
	req := ledger.ConsumeRequest{
		UserID:      userID,
		Amount:      amount,
		Description: action,
		At:          e.deps.Clock.Now().UTC(),
	}
	if err := req.Validate(); err != nil {
		return ledger.Result{}, err
	}

	res, err := e.consumeOnce(ctx, req)
	if err == nil && res.Outcome == ledger.OutcomeNotFound {
		res, err = e.provisionAndRetry(ctx, req)
	}
	if err != nil {
		e.deps.Metrics.ObserveConsume(action, "error", 0)
		return ledger.Result{}, err
	}

	e.deps.Metrics.ObserveConsume(action, res.Outcome.String(), amount)
	switch res.Outcome {
	case ledger.OutcomeOK, ledger.OutcomeInsufficient:
		if e.deps.Cache != nil {
			e.deps.Cache.Invalidate(ctx, userID)
		}
		e.deps.Logger.Debugf("consume %s %s x%d: %s, remaining %d", userID, action, amount, res.Outcome, res.Remaining)
	case ledger.OutcomeTransient:
		e.deps.Logger.Warnf("consume %s %s: %v", userID, action, res.Err)
	case ledger.OutcomeUnknown:
		// The spend may be durable; whatever is cached can no longer be trusted.
		if e.deps.Cache != nil {
			e.deps.Cache.Invalidate(ctx, userID)
		}
		e.deps.Logger.Errorf("consume %s %s: %v", userID, action, res.Err)
	case ledger.OutcomeNotFound:
		e.deps.Logger.Warnf("consume %s %s: %v", userID, action, res.Err)
	}
	return res, nil
}

func (e *Engine) consumeOnce(ctx context.Context, req ledger.ConsumeRequest) (ledger.Result, error) {
	res, err := e.deps.Ledger.Consume(ctx, req)
	if err != nil {
		switch {
		case ledger.IsOutcomeUnknown(err):
			return ledger.Result{Outcome: ledger.OutcomeUnknown, Err: err}, nil
		case ledger.IsTransient(err):
			return ledger.Result{Outcome: ledger.OutcomeTransient, Err: err}, nil
		}
		return ledger.Result{}, fmt.Errorf("consume %s: %w", req.UserID, err)
	}
	return res, nil
}

func (e *Engine) provisionAndRetry(ctx context.Context, req ledger.ConsumeRequest) (ledger.Result, error) {
	class, err := e.deps.Classifier.Classify(ctx, req.UserID)
	if errors.Is(err, ledger.ErrUnknownIdentity) {
		return ledger.Result{Outcome: ledger.OutcomeNotFound, Err: ledger.ErrUnknownIdentity}, nil
	}
	if err != nil {
		return ledger.Result{}, fmt.Errorf("classify %s: %w", req.UserID, err)
	}
	if _, err := e.lifecycle.OnIdentityCreated(ctx, req.UserID, class == ledger.ClassAnonymous); err != nil {
		switch {
		case errors.Is(err, ledger.ErrUnknownIdentity):
			return ledger.Result{Outcome: ledger.OutcomeNotFound, Err: ledger.ErrUnknownIdentity}, nil
		case ledger.IsTransient(err):
			return ledger.Result{Outcome: ledger.OutcomeTransient, Err: err}, nil
		}
		return ledger.Result{}, err
	}

	res, err := e.consumeOnce(ctx, req)
	if err != nil {
		return res, err
	}
	if res.Outcome == ledger.OutcomeNotFound {
		e.deps.Logger.Errorf("balance for %s missing right after provisioning", req.UserID)
		res.Err = ErrMissingAfterCreate
	}
	return res, nil
}

// NextStep builds the actionable hint returned with an insufficient outcome.
// Anonymous identities are pointed at the upgrade; everyone else waits for
// the next UTC midnight.
func (e *Engine) NextStep(ctx context.Context, userID string) NextStep {
	now := e.deps.Clock.Now().UTC()
	step := NextStep{
		Action:   NextStepWaitForReset,
		ResetsAt: ledger.NextReset(now),
	}
	class, err := e.deps.Classifier.Classify(ctx, userID)
	if err != nil {
		e.deps.Logger.Warnf("classify %s for next step: %v", userID, err)
	}
	if err == nil && class == ledger.ClassAnonymous {
		step.Action = NextStepUpgrade
		step.Message = fmt.Sprintf("Create an account to get %d credits per day, or come back after %s.",
			e.deps.Policy.RegisteredAllowance, step.ResetsAt.Format(time.RFC3339))
		return step
	}
	step.Message = fmt.Sprintf("Your credits renew at %s.", step.ResetsAt.Format(time.RFC3339))
	return step
}
