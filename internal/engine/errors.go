package engine

import (
	"errors"
	"fmt"
)

// RuntimeError represents a recoverable error detected while the engine runs.
//
// Runtime errors include:
//   - Non-termination: a pass exceeded the step ceiling
//   - Persistence: the durable store failed a read or write
//   - Saved state: a bundle was written by a different rule base
//
// Runtime errors never corrupt FactState. The engine logs them, reports them
// to observers, and keeps serving stimuli.
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// Rule names the rule involved, if any.
	Rule string

	// Err is the underlying cause, if any.
	Err error
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeNonTerminating indicates a pass exceeded the step ceiling.
	ErrCodeNonTerminating RuntimeErrorCode = "NON_TERMINATING"

	// ErrCodePersistence indicates the durable store failed.
	ErrCodePersistence RuntimeErrorCode = "PERSISTENCE"

	// ErrCodeStateMismatch indicates saved state belongs to another rule base.
	ErrCodeStateMismatch RuntimeErrorCode = "STATE_MISMATCH"
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Rule != "" {
		msg += fmt.Sprintf(" (rule=%s)", e.Rule)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// IsPersistenceError returns true if err is a persistence RuntimeError.
// Uses errors.As to handle wrapped errors.
func IsPersistenceError(err error) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == ErrCodePersistence
	}
	return false
}

// IsStateMismatch returns true if err reports saved state from another rule base.
func IsStateMismatch(err error) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == ErrCodeStateMismatch
	}
	return false
}

// IsNonTerminating returns true if err reports a pass that hit the step ceiling.
// Matches both NonTerminatingError and RuntimeError with ErrCodeNonTerminating.
func IsNonTerminating(err error) bool {
	var nt *NonTerminatingError
	if errors.As(err, &nt) {
		return true
	}
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == ErrCodeNonTerminating
	}
	return false
}

func newPersistenceError(op string, err error) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodePersistence,
		Message: op + " failed",
		Err:     err,
	}
}
