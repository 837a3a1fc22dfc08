package rules

import "fmt"

// MaxRules is the number of rules a RuleBase can hold. Each rule owns one
// bit of the evaluator's matched-rule mask.
const MaxRules = 64

// Execution controls how often a rule may fire.
type Execution int

const (
	// ExecAlways fires whenever the rule is enabled.
	ExecAlways Execution = iota
	// ExecOnce fires at most once until the engine state is cleared.
	ExecOnce
	// ExecReset fires once, then re-arms when its preconditions stop matching.
	ExecReset
)

// ParseExecution maps "always", "" , "once" and "reset" to an Execution.
func ParseExecution(s string) (Execution, error) {
	switch s {
	case "", "always":
		return ExecAlways, nil
	case "once":
		return ExecOnce, nil
	case "reset":
		return ExecReset, nil
	default:
		return 0, fmt.Errorf("unknown execution %q (want \"always\", \"once\" or \"reset\")", s)
	}
}

// String returns the lowercase name of the execution type.
func (e Execution) String() string {
	switch e {
	case ExecAlways:
		return "always"
	case ExecOnce:
		return "once"
	case ExecReset:
		return "reset"
	default:
		return fmt.Sprintf("execution(%d)", int(e))
	}
}

// Postcondition sets every fact in Target to Value when its rule fires.
type Postcondition struct {
	Target Mask
	Value  bool
}

// Assert returns a postcondition setting the given facts to true.
func Assert(facts ...Fact) Postcondition {
	return Postcondition{Target: MaskOf(facts...), Value: true}
}

// Retract returns a postcondition setting the given facts to false.
func Retract(facts ...Fact) Postcondition {
	return Postcondition{Target: MaskOf(facts...), Value: false}
}

// Rule is a conjunctive precondition plus an ordered list of postconditions.
//
// A rule matches a FactState when every RequiredTrue bit is set and every
// RequiredFalse bit is clear. Postconditions are applied in order.
type Rule struct {
	ID            int
	Name          string
	Execution     Execution
	RequiredTrue  Mask
	RequiredFalse Mask
	Post          []Postcondition
}

// Enabled reports whether r can fire in s: its preconditions match and
// firing it would change the state. A matching rule whose postconditions
// already hold is treated as satisfied, so fixpoints exist for rule sets
// whose conditions stay true after firing.
func (r *Rule) Enabled(s FactState) bool {
	return s.Matches(r) && s.Apply(r.Post) != s
}

// Bit returns the rule's bit in the matched-rule mask.
func (r *Rule) Bit() uint64 {
	return uint64(1) << uint(r.ID)
}

// Writes returns the union of every postcondition target, split by value.
func (r *Rule) Writes() (set, clear Mask) {
	for _, p := range r.Post {
		if p.Value {
			set |= p.Target
			clear &^= p.Target
		} else {
			clear |= p.Target
			set &^= p.Target
		}
	}
	return set, clear
}

// String returns the rule name.
func (r *Rule) String() string {
	return r.Name
}
