package ledger

import "fmt"

// Outcome is the tagged result of a consumption attempt.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeInsufficient
	OutcomeNotFound
	OutcomeTransient
	// OutcomeUnknown means the spend may have been applied; the caller must
	// re-read the balance before trying again.
	OutcomeUnknown
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeInsufficient:
		return "insufficient"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeTransient:
		return "transient"
	case OutcomeUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result carries the outcome of Consume. Remaining is the balance after the
// operation for OK, and the unchanged balance for Insufficient.
type Result struct {
	Outcome   Outcome
	Remaining int64
	Err       error
}

// OK reports whether credits were deducted.
func (r Result) OK() bool { return r.Outcome == OutcomeOK }

// AsError maps non-OK outcomes onto the package sentinels.
func (r Result) AsError() error {
	switch r.Outcome {
	case OutcomeOK:
		return nil
	case OutcomeInsufficient:
		return ErrInsufficientCredits
	case OutcomeNotFound:
		return ErrNotFound
	case OutcomeUnknown:
		if r.Err != nil {
			return r.Err
		}
		return ErrOutcomeUnknown
	default:
		if r.Err != nil {
			return r.Err
		}
		return ErrTransient
	}
}
