package engine

import (
	"github.com/roach88/rulez/internal/rules"
)

// State is everything an evaluation pass reads and writes.
type State struct {
	// Facts is the current truth assignment.
	Facts rules.FactState

	// Cursor is the rule index the next pass starts scanning at.
	// It is 0 after every completed pass.
	Cursor int

	// Matched has bit i set when Once or Reset rule i has fired and is
	// not yet re-armed.
	Matched uint64
}

// Options configures one evaluation pass.
type Options struct {
	// MaxSteps caps firings per pass. Zero or less means unbounded.
	MaxSteps int

	// DetectCycles stops a pass as soon as it revisits a state, instead of
	// running until MaxSteps.
	DetectCycles bool
}

// Firing records one rule firing within a pass.
type Firing struct {
	// Seq is the engine's logical clock value. Evaluate leaves it zero;
	// Engine stamps it.
	Seq int64

	// Step is the 1-based position of the firing within its pass.
	Step int

	RuleID   int
	RuleName string
	Before   rules.FactState
	After    rules.FactState
}

// Result is the outcome of an evaluation pass.
type Result struct {
	Final   State
	Fired   bool
	Steps   int
	Firings []Firing
}

// Evaluate runs one breadth-first pass over rb starting from st.
//
// The first sweep starts at st.Cursor and wraps. The first enabled, eligible
// rule fires; its postconditions are applied and the scan restarts at index
// 0 over the new state. The pass ends when a full sweep fires nothing. At
// that point Final.Cursor is 0.
//
// Eligibility by execution type:
//   - ExecAlways: whenever enabled
//   - ExecOnce: when enabled and its Matched bit is clear
//   - ExecReset: like ExecOnce; a sweep that finds its preconditions false
//     clears the Matched bit
//
// If opts.MaxSteps is reached, or opts.DetectCycles finds a repeated state,
// Evaluate returns the partial result with Final.Cursor at the rule that
// would fire next, and a *NonTerminatingError.
//
// Evaluate is a pure function of its arguments.
func Evaluate(rb *rules.RuleBase, st State, opts Options) (Result, error) {
	n := rb.RuleCount()
	facts, matched := st.Facts, st.Matched

	res := Result{}
	start := st.Cursor
	if start < 0 || start >= n {
		start = 0
	}

	quota := NewQuotaEnforcer(opts.MaxSteps)
	var cycles *CycleDetector
	if opts.DetectCycles {
		cycles = NewCycleDetector()
	}

	for n > 0 {
		since, repeated := 0, false
		if cycles != nil && start == 0 {
			since, repeated = cycles.Visit(facts, matched, quota.Current())
		}

		next := -1
		for k := 0; k < n; k++ {
			i := (start + k) % n
			r := rb.Rule(i)
			if eligible(r, facts, &matched) {
				next = i
				break
			}
		}
		if next < 0 {
			break
		}

		r := rb.Rule(next)
		if repeated {
			res.Final = State{Facts: facts, Cursor: next, Matched: matched}
			res.Steps = quota.Current()
			return res, &NonTerminatingError{
				Rule:  r.Name,
				Steps: res.Steps,
				Limit: quota.MaxSteps(),
				Cycle: true,
				Since: since,
			}
		}
		if err := quota.Check(r.Name); err != nil {
			res.Final = State{Facts: facts, Cursor: next, Matched: matched}
			res.Steps = quota.Current()
			return res, err
		}

		before := facts
		facts = facts.Apply(r.Post)
		if r.Execution != rules.ExecAlways {
			matched |= r.Bit()
		}
		res.Fired = true
		res.Firings = append(res.Firings, Firing{
			Step:     quota.Current(),
			RuleID:   r.ID,
			RuleName: r.Name,
			Before:   before,
			After:    facts,
		})
		start = 0
	}

	res.Final = State{Facts: facts, Cursor: 0, Matched: matched}
	res.Steps = quota.Current()
	return res, nil
}

// eligible reports whether r may fire in facts, re-arming a Reset rule
// whose preconditions no longer hold.
func eligible(r *rules.Rule, facts rules.FactState, matched *uint64) bool {
	switch r.Execution {
	case rules.ExecOnce:
		return *matched&r.Bit() == 0 && r.Enabled(facts)
	case rules.ExecReset:
		if !facts.Matches(r) {
			*matched &^= r.Bit()
			return false
		}
		return *matched&r.Bit() == 0 && r.Enabled(facts)
	default:
		return r.Enabled(facts)
	}
}
