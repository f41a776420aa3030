package ledger

import (
	"context"
	"fmt"
	"time"
)

// Policy holds the allowance constants applied at creation, upgrade and reset.
type Policy struct {
	AnonymousAllowance  int64         `yaml:"anonymous_allowance"`
	RegisteredAllowance int64         `yaml:"registered_allowance"`
	AnonymousRetention  time.Duration `yaml:"anonymous_retention"`
}

// DefaultPolicy returns the stock allowances: 10 credits for anonymous
// identities, 50 for registered ones, anonymous rows pruned after 24h.
func DefaultPolicy() Policy {
	return Policy{
		AnonymousAllowance:  10,
		RegisteredAllowance: 50,
		AnonymousRetention:  24 * time.Hour,
	}
}

// Allowance returns the daily allowance for the given class.
func (p Policy) Allowance(c Class) int64 {
	if c == ClassRegistered {
		return p.RegisteredAllowance
	}
	return p.AnonymousAllowance
}

// Validate checks the policy is usable.
func (p Policy) Validate() error {
	if p.AnonymousAllowance < 0 || p.RegisteredAllowance < 0 {
		return fmt.Errorf("%w: allowances must not be negative", ErrInvalidInput)
	}
	if p.AnonymousRetention <= 0 {
		return fmt.Errorf("%w: anonymous retention must be positive", ErrInvalidInput)
	}
	return nil
}

// AllowanceFor builds an AllowanceFunc that classifies identities through c.
func (p Policy) AllowanceFor(c Classifier) AllowanceFunc {
	return func(ctx context.Context, userID string) (int64, error) {
		class, err := c.Classify(ctx, userID)
		if err != nil {
			return 0, err
		}
		return p.Allowance(class), nil
	}
}
