package ledger

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("ledger: balance not found")
	ErrInsufficientCredits = errors.New("ledger: insufficient credits")
	ErrInvalidInput        = errors.New("ledger: invalid input")
	ErrInvalidAmount       = errors.New("ledger: amount must be a positive integer")
	ErrUnknownIdentity     = errors.New("ledger: unknown identity")
	ErrTransient           = errors.New("ledger: transient store error")
	ErrSchedulerOverlap    = errors.New("ledger: job already running")
	ErrBonusGranted        = errors.New("ledger: upgrade bonus already granted")
	ErrOutcomeUnknown      = errors.New("ledger: outcome unknown")
)

// TransientError marks a store failure the caller may retry with backoff:
// lock timeouts, busy databases, dropped connections.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("ledger: %s: transient: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

func (e *TransientError) Is(target error) bool { return target == ErrTransient }

// Transient wraps err as a TransientError for op.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// UnknownOutcomeError marks a write whose commit was sent but never
// acknowledged. The change may or may not be durable, so the operation must
// not be retried blindly.
type UnknownOutcomeError struct {
	Op  string
	Err error
}

func (e *UnknownOutcomeError) Error() string {
	return fmt.Sprintf("ledger: %s: outcome unknown: %v", e.Op, e.Err)
}

func (e *UnknownOutcomeError) Unwrap() error { return e.Err }

func (e *UnknownOutcomeError) Is(target error) bool { return target == ErrOutcomeUnknown }

// Unknown wraps err as an UnknownOutcomeError for op.
func Unknown(op string, err error) error {
	if err == nil {
		return nil
	}
	return &UnknownOutcomeError{Op: op, Err: err}
}

// IsOutcomeUnknown reports whether err left the write in an unknown state.
func IsOutcomeUnknown(err error) bool {
	return errors.Is(err, ErrOutcomeUnknown)
}
