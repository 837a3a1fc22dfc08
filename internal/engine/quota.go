package engine

import "fmt"

// DefaultMaxSteps is the default maximum number of firings per pass.
// Acyclic rule sets stay far below it; a cyclic one hits it quickly.
const DefaultMaxSteps = 1000

// QuotaEnforcer counts firings within one pass and enforces the step ceiling.
//
// A fresh enforcer is created for every pass. A limit of zero or less means
// unbounded, matching a rule set the caller has proven acyclic.
type QuotaEnforcer struct {
	maxSteps int
	current  int
}

// NewQuotaEnforcer creates a quota enforcer with the given limit.
func NewQuotaEnforcer(maxSteps int) *QuotaEnforcer {
	return &QuotaEnforcer{maxSteps: maxSteps}
}

// Check records one more firing of rule and validates it against the limit.
//
// Returns NonTerminatingError if the firing would exceed the limit. The
// counter is not advanced on failure, so Current reports completed firings.
func (q *QuotaEnforcer) Check(rule string) error {
	if q.maxSteps > 0 && q.current >= q.maxSteps {
		return &NonTerminatingError{
			Rule:  rule,
			Steps: q.current,
			Limit: q.maxSteps,
		}
	}
	q.current++
	return nil
}

// Current returns the number of firings recorded.
func (q *QuotaEnforcer) Current() int {
	return q.current
}

// MaxSteps returns the limit. Zero or less means unbounded.
func (q *QuotaEnforcer) MaxSteps() int {
	return q.maxSteps
}

// NonTerminatingError is returned when a pass exceeds the step ceiling.
//
// The pass stops with a partial result. The FactState reached so far is
// kept and the cursor points at Rule, so a later pass resumes there.
//
// When Cycle is set the pass was stopped by cycle detection before the
// ceiling: the state after Steps firings equals the state after Since.
type NonTerminatingError struct {
	Rule  string // The rule that would have fired next
	Steps int    // Firings completed in the pass
	Limit int    // Maximum allowed firings, 0 if unbounded
	Cycle bool   // Stopped by cycle detection
	Since int    // First step of the repeated state, when Cycle is set
}

// Error implements the error interface.
func (e *NonTerminatingError) Error() string {
	if e.Cycle {
		return fmt.Sprintf("%s: pass repeats the state reached after %d firings: %d firings, next rule %s",
			ErrCodeNonTerminating, e.Since, e.Steps, e.Rule)
	}
	return fmt.Sprintf("%s: pass exceeded max steps: %d firings, next rule %s, limit %d",
		ErrCodeNonTerminating, e.Steps, e.Rule, e.Limit)
}

// RuntimeError returns the error category.
func (e *NonTerminatingError) RuntimeError() RuntimeErrorCode {
	return ErrCodeNonTerminating
}
