package compiler

import (
	_ "embed"
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/rulez/internal/rules"
)

//go:embed schema.cue
var schemaCUE string

// FactDef is a fact as written in CUE.
type FactDef struct {
	Name        string
	Persistence string
	Description string
	Pos         token.Pos
}

// RuleDef is a rule as written in CUE.
type RuleDef struct {
	Name        string
	When        []string
	Unless      []string
	Assert      []string
	Retract     []string
	Execution   string
	Description string
	Pos         token.Pos
}

// Definitions is a decoded, not yet validated, definition package.
type Definitions struct {
	Facts []FactDef
	Rules []RuleDef

	// Order, when non-empty, is the rule scan order by name.
	Order    []string
	OrderPos token.Pos
}

// CompileRuleBase decodes, validates and builds v.
//
// Shape errors are returned as *CompileError, semantic problems as
// ValidationErrors listing all of them.
func CompileRuleBase(v cue.Value) (*rules.RuleBase, error) {
	defs, err := Decode(v)
	if err != nil {
		return nil, err
	}
	if verrs := Validate(defs); len(verrs) > 0 {
		return nil, verrs
	}
	return Build(defs)
}

// Decode checks v against the definition schema and extracts its facts and
// rules in declaration order.
func Decode(v cue.Value) (*Definitions, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	schema := v.Context().CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	// Decode from v itself: the unified value also carries the schema's
	// optional fields.
	if err := v.Unify(schema).Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}

	defs := &Definitions{}

	factsVal := v.LookupPath(cue.ParsePath("fact"))
	if factsVal.Exists() {
		iter, err := factsVal.Fields()
		if err != nil {
			return nil, formatCUEError(err)
		}
		for iter.Next() {
			f, err := decodeFact(iter.Selector().Unquoted(), iter.Value())
			if err != nil {
				return nil, err
			}
			defs.Facts = append(defs.Facts, f)
		}
	}

	rulesVal := v.LookupPath(cue.ParsePath("rule"))
	if rulesVal.Exists() {
		iter, err := rulesVal.Fields()
		if err != nil {
			return nil, formatCUEError(err)
		}
		for iter.Next() {
			r, err := decodeRule(iter.Selector().Unquoted(), iter.Value())
			if err != nil {
				return nil, err
			}
			defs.Rules = append(defs.Rules, r)
		}
	}

	orderVal := v.LookupPath(cue.ParsePath("order"))
	if orderVal.Exists() {
		order, err := stringList(orderVal, "order")
		if err != nil {
			return nil, err
		}
		defs.Order = order
		defs.OrderPos = orderVal.Pos()
	}

	return defs, nil
}

func decodeFact(name string, v cue.Value) (FactDef, error) {
	f := FactDef{Name: name, Persistence: "none", Pos: v.Pos()}

	var err error
	if f.Persistence, err = optionalString(v, "persistence", "none"); err != nil {
		return f, err
	}
	if f.Description, err = optionalString(v, "description", ""); err != nil {
		return f, err
	}
	return f, nil
}

func decodeRule(name string, v cue.Value) (RuleDef, error) {
	r := RuleDef{Name: name, Pos: v.Pos()}

	var err error
	if r.When, err = optionalList(v, "when"); err != nil {
		return r, err
	}
	if r.Unless, err = optionalList(v, "unless"); err != nil {
		return r, err
	}

	then := v.LookupPath(cue.ParsePath("then"))
	if !then.Exists() {
		return r, &CompileError{
			Field:   "then",
			Message: fmt.Sprintf("rule %q: then is required", name),
			Pos:     v.Pos(),
		}
	}
	if r.Assert, err = optionalList(then, "assert"); err != nil {
		return r, err
	}
	if r.Retract, err = optionalList(then, "retract"); err != nil {
		return r, err
	}

	if r.Execution, err = optionalString(v, "execution", "always"); err != nil {
		return r, err
	}
	if r.Description, err = optionalString(v, "description", ""); err != nil {
		return r, err
	}
	return r, nil
}

func optionalString(v cue.Value, field, def string) (string, error) {
	f := v.LookupPath(cue.ParsePath(field))
	if !f.Exists() {
		return def, nil
	}
	s, err := f.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

func optionalList(v cue.Value, field string) ([]string, error) {
	f := v.LookupPath(cue.ParsePath(field))
	if !f.Exists() {
		return nil, nil
	}
	return stringList(f, field)
}

func stringList(v cue.Value, field string) ([]string, error) {
	iter, err := v.List()
	if err != nil {
		return nil, &CompileError{Field: field, Message: "must be a list of fact names", Pos: v.Pos()}
	}
	var out []string
	for iter.Next() {
		s, err := iter.Value().String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		out = append(out, s)
	}
	return out, nil
}

// Build turns validated definitions into a RuleBase. Definitions that fail
// Validate may still build and fail in rules.New; callers should validate
// first.
func Build(defs *Definitions) (*rules.RuleBase, error) {
	b := rules.NewBuilder()

	byName := make(map[string]rules.Fact, len(defs.Facts))
	for _, fd := range defs.Facts {
		p, err := rules.ParsePersistence(fd.Persistence)
		if err != nil {
			return nil, &CompileError{Field: "persistence", Message: err.Error(), Pos: fd.Pos}
		}
		byName[fd.Name] = b.Fact(fd.Name, p)
	}

	lookup := func(rd RuleDef, names []string) ([]rules.Fact, error) {
		facts := make([]rules.Fact, 0, len(names))
		for _, n := range names {
			f, ok := byName[n]
			if !ok {
				return nil, &CompileError{
					Field:   "fact",
					Message: fmt.Sprintf("rule %q references unknown fact %q", rd.Name, n),
					Pos:     rd.Pos,
				}
			}
			facts = append(facts, f)
		}
		return facts, nil
	}

	for _, rd := range orderedRules(defs) {
		exec, err := rules.ParseExecution(rd.Execution)
		if err != nil {
			return nil, &CompileError{Field: "execution", Message: err.Error(), Pos: rd.Pos}
		}

		rb := b.Rule(rd.Name)
		switch exec {
		case rules.ExecOnce:
			rb.Once()
		case rules.ExecReset:
			rb.Reset()
		}

		when, err := lookup(rd, rd.When)
		if err != nil {
			return nil, err
		}
		unless, err := lookup(rd, rd.Unless)
		if err != nil {
			return nil, err
		}
		assert, err := lookup(rd, rd.Assert)
		if err != nil {
			return nil, err
		}
		retract, err := lookup(rd, rd.Retract)
		if err != nil {
			return nil, err
		}

		var posts []rules.Postcondition
		if len(assert) > 0 {
			posts = append(posts, rules.Assert(assert...))
		}
		if len(retract) > 0 {
			posts = append(posts, rules.Retract(retract...))
		}
		rb.When(when...).WhenNot(unless...).Then(posts...)
	}

	ruleBase, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("build rule base: %w", err)
	}
	return ruleBase, nil
}

// orderedRules returns the rules in scan order.
func orderedRules(defs *Definitions) []RuleDef {
	if len(defs.Order) == 0 {
		return defs.Rules
	}
	byName := make(map[string]RuleDef, len(defs.Rules))
	for _, r := range defs.Rules {
		byName[r.Name] = r
	}
	out := make([]RuleDef, 0, len(defs.Order))
	for _, name := range defs.Order {
		if r, ok := byName[name]; ok {
			out = append(out, r)
		}
	}
	return out
}

// CompileError represents a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	// Report the first error; CUE tends to repeat the same root cause.
	first := errs[0]
	if positions := errors.Positions(first); len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: strings.TrimSpace(first.Error()),
			Pos:     positions[0],
		}
	}
	return err
}
