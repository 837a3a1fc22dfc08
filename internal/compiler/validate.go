package compiler

import (
	"fmt"
	"regexp"
	"strings"

	"cuelang.org/go/cue/token"

	"github.com/roach88/rulez/internal/rules"
)

// Validation error codes (E200-E299)
const (
	// Definition package errors (E200-E209)
	ErrNoFacts          = "E200" // at least one fact required
	ErrNoRules          = "E201" // at least one rule required
	ErrTooManyFacts     = "E202" // more facts than a FactState holds
	ErrTooManyRules     = "E203" // more rules than the matched mask holds
	ErrInvalidName      = "E204" // fact or rule name is not an identifier
	ErrInvalidOrder     = "E205" // order list is not a permutation of the rules
	ErrInvalidPersist   = "E206" // unknown persistence classification
	ErrInvalidExecution = "E207" // unknown execution type

	// Rule errors (E210-E219)
	ErrUnknownFact          = "E210" // rule references an undeclared fact
	ErrEmptyPostconditions  = "E211" // rule asserts and retracts nothing
	ErrOverlappingCondition = "E212" // fact in both when and unless
	ErrConflictingPost      = "E213" // fact in both assert and retract
	ErrDuplicateReference   = "E214" // fact listed twice in one clause
)

// namePattern matches fact and rule names: a letter, then letters, digits,
// '-', '_' or '.'.
var namePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_.\-]*$`)

// ValidationError represents a semantic validation error.
type ValidationError struct {
	Field   string    `json:"field"`
	Message string    `json:"message"`
	Code    string    `json:"code"`
	Line    int       `json:"line,omitempty"`
	Pos     token.Pos `json:"-"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("[%s] line %d: %s: %s", e.Code, e.Line, e.Field, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// ValidationErrors is every problem Validate found, as one error.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (errs ValidationErrors) Error() string {
	switch len(errs) {
	case 0:
		return "no validation errors"
	case 1:
		return errs[0].Error()
	default:
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return fmt.Sprintf("%d validation errors:\n  %s", len(errs), strings.Join(msgs, "\n  "))
	}
}

// Codes returns the code of each error, in order.
func (errs ValidationErrors) Codes() []string {
	codes := make([]string, len(errs))
	for i, e := range errs {
		codes[i] = e.Code
	}
	return codes
}

// Validate checks decoded definitions.
// Returns all errors found (does not fail-fast).
func Validate(defs *Definitions) ValidationErrors {
	var errs ValidationErrors
	add := func(pos token.Pos, field, code, format string, args ...any) {
		errs = append(errs, ValidationError{
			Field:   field,
			Message: fmt.Sprintf(format, args...),
			Code:    code,
			Line:    pos.Line(),
			Pos:     pos,
		})
	}

	if len(defs.Facts) == 0 {
		add(token.NoPos, "fact", ErrNoFacts, "at least one fact is required")
	}
	if len(defs.Rules) == 0 {
		add(token.NoPos, "rule", ErrNoRules, "at least one rule is required")
	}
	if len(defs.Facts) > rules.MaxFacts {
		add(token.NoPos, "fact", ErrTooManyFacts,
			"%d facts declared, at most %d supported", len(defs.Facts), rules.MaxFacts)
	}
	if len(defs.Rules) > rules.MaxRules {
		add(token.NoPos, "rule", ErrTooManyRules,
			"%d rules declared, at most %d supported", len(defs.Rules), rules.MaxRules)
	}

	facts := make(map[string]bool, len(defs.Facts))
	for _, f := range defs.Facts {
		facts[f.Name] = true
		field := "fact." + f.Name
		if !namePattern.MatchString(f.Name) {
			add(f.Pos, field, ErrInvalidName, "invalid fact name %q", f.Name)
		}
		if _, err := rules.ParsePersistence(f.Persistence); err != nil {
			add(f.Pos, field+".persistence", ErrInvalidPersist, "%v", err)
		}
	}

	ruleNames := make(map[string]bool, len(defs.Rules))
	for _, r := range defs.Rules {
		ruleNames[r.Name] = true
		errs = append(errs, validateRule(r, facts)...)
	}

	if len(defs.Order) > 0 {
		seen := make(map[string]bool, len(defs.Order))
		for _, name := range defs.Order {
			switch {
			case !ruleNames[name]:
				add(defs.OrderPos, "order", ErrInvalidOrder, "unknown rule %q", name)
			case seen[name]:
				add(defs.OrderPos, "order", ErrInvalidOrder, "rule %q listed twice", name)
			}
			seen[name] = true
		}
		for _, r := range defs.Rules {
			if !seen[r.Name] {
				add(defs.OrderPos, "order", ErrInvalidOrder, "rule %q missing from order", r.Name)
			}
		}
	}

	return errs
}

func validateRule(r RuleDef, facts map[string]bool) ValidationErrors {
	var errs ValidationErrors
	field := "rule." + r.Name
	add := func(sub, code, format string, args ...any) {
		f := field
		if sub != "" {
			f += "." + sub
		}
		errs = append(errs, ValidationError{
			Field:   f,
			Message: fmt.Sprintf(format, args...),
			Code:    code,
			Line:    r.Pos.Line(),
			Pos:     r.Pos,
		})
	}

	if !namePattern.MatchString(r.Name) {
		add("", ErrInvalidName, "invalid rule name %q", r.Name)
	}
	if _, err := rules.ParseExecution(r.Execution); err != nil {
		add("execution", ErrInvalidExecution, "%v", err)
	}

	clauses := []struct {
		name  string
		names []string
	}{
		{"when", r.When},
		{"unless", r.Unless},
		{"then.assert", r.Assert},
		{"then.retract", r.Retract},
	}
	for _, c := range clauses {
		seen := make(map[string]bool, len(c.names))
		for _, n := range c.names {
			if !facts[n] {
				add(c.name, ErrUnknownFact, "unknown fact %q", n)
			}
			if seen[n] {
				add(c.name, ErrDuplicateReference, "fact %q listed twice", n)
			}
			seen[n] = true
		}
	}

	if len(r.Assert) == 0 && len(r.Retract) == 0 {
		add("then", ErrEmptyPostconditions, "rule asserts and retracts nothing")
	}
	for _, n := range intersect(r.When, r.Unless) {
		add("unless", ErrOverlappingCondition, "fact %q is required both true and false", n)
	}
	for _, n := range intersect(r.Assert, r.Retract) {
		add("then", ErrConflictingPost, "fact %q is both asserted and retracted", n)
	}

	return errs
}

// intersect returns the names of a that also appear in b, in a's order,
// without repeats.
func intersect(a, b []string) []string {
	if len(a) == 0 || len(b) == 0 {
		return nil
	}
	inB := make(map[string]bool, len(b))
	for _, n := range b {
		inB[n] = true
	}
	var out []string
	for _, n := range a {
		if inB[n] {
			out = append(out, n)
			inB[n] = false
		}
	}
	return out
}
