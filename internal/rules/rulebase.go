package rules

import "fmt"

// RuleBase is an immutable, ordered collection of facts and rules.
//
// INVARIANTS:
//   - facts[i].ID == i for every i (dense, 0-based ids)
//   - len(facts) <= MaxFacts, len(rules) <= MaxRules
//   - rules[i].ID == i; rule order never changes after construction
//   - every rule mask references registered facts only
type RuleBase struct {
	facts  []Fact
	rules  []Rule
	byName map[string]FactID
	valid  Mask
	hash   string
}

// New validates facts and rules and returns a RuleBase.
//
// Facts may be given in any order but their ids must form the dense range
// 0..len(facts)-1. Rules are indexed by their position; any ID set by the
// caller is overwritten. Both slices are copied.
func New(facts []Fact, rules []Rule) (*RuleBase, error) {
	if len(facts) > MaxFacts {
		return nil, newConfigError(ErrCodeBitWidthExceeded, "",
			"%d facts registered, FactState holds %d", len(facts), MaxFacts)
	}
	if len(rules) > MaxRules {
		return nil, newConfigError(ErrCodeTooManyRules, "",
			"%d rules registered, limit is %d", len(rules), MaxRules)
	}

	rb := &RuleBase{
		facts:  make([]Fact, len(facts)),
		rules:  make([]Rule, len(rules)),
		byName: make(map[string]FactID, len(facts)),
	}

	seen := make([]bool, len(facts))
	for _, f := range facts {
		if f.ID < 0 || int(f.ID) >= MaxFacts {
			return nil, newConfigError(ErrCodeBitWidthExceeded, f.Name,
				"fact id %d outside [0, %d)", f.ID, MaxFacts)
		}
		if int(f.ID) >= len(facts) {
			return nil, newConfigError(ErrCodeDuplicateFactID, f.Name,
				"fact id %d leaves a gap in %d facts", f.ID, len(facts))
		}
		if seen[f.ID] {
			return nil, newConfigError(ErrCodeDuplicateFactID, f.Name,
				"fact id %d already registered to %q", f.ID, rb.facts[f.ID].Name)
		}
		if f.Name == "" {
			return nil, newConfigError(ErrCodeUnknownFact, fmt.Sprintf("#%d", f.ID),
				"fact name is required")
		}
		if _, dup := rb.byName[f.Name]; dup {
			return nil, newConfigError(ErrCodeDuplicateFactName, f.Name,
				"fact name already registered")
		}
		seen[f.ID] = true
		rb.facts[f.ID] = f
		rb.byName[f.Name] = f.ID
		rb.valid |= f.Mask()
	}

	ruleNames := make(map[string]bool, len(rules))
	for i, r := range rules {
		r.ID = i
		if r.Name == "" {
			r.Name = fmt.Sprintf("rule-%d", i)
		}
		if ruleNames[r.Name] {
			return nil, newConfigError(ErrCodeDuplicateRuleName, r.Name,
				"rule name already registered")
		}
		ruleNames[r.Name] = true

		if overlap := r.RequiredTrue & r.RequiredFalse; overlap != 0 {
			return nil, newConfigError(ErrCodeOverlappingConditions, r.Name,
				"facts %s required both true and false", rb.describe(overlap))
		}
		if len(r.Post) == 0 {
			return nil, newConfigError(ErrCodeEmptyPostconditions, r.Name,
				"rule has no postconditions")
		}
		used := r.RequiredTrue | r.RequiredFalse
		for _, p := range r.Post {
			if p.Target == 0 {
				return nil, newConfigError(ErrCodeEmptyPostconditions, r.Name,
					"postcondition targets no facts")
			}
			used |= p.Target
		}
		if unknown := used &^ rb.valid; unknown != 0 {
			return nil, newConfigError(ErrCodeUnknownFact, r.Name,
				"rule references unregistered fact bits %b", uint64(unknown))
		}

		// Copy postconditions so callers cannot mutate a built rule.
		r.Post = append([]Postcondition(nil), r.Post...)
		rb.rules[i] = r
	}

	hash, err := computeHash(rb)
	if err != nil {
		return nil, fmt.Errorf("hash rule base: %w", err)
	}
	rb.hash = hash

	return rb, nil
}

// Facts returns the registered facts in id order.
func (rb *RuleBase) Facts() []Fact {
	return rb.facts
}

// Rules returns the rules in scan order.
func (rb *RuleBase) Rules() []Rule {
	return rb.rules
}

// Rule returns a pointer to rule i. The rule must not be modified.
func (rb *RuleBase) Rule(i int) *Rule {
	return &rb.rules[i]
}

// FactCount returns the number of registered facts.
func (rb *RuleBase) FactCount() int {
	return len(rb.facts)
}

// RuleCount returns the number of rules.
func (rb *RuleBase) RuleCount() int {
	return len(rb.rules)
}

// Fact looks up a fact by name.
func (rb *RuleBase) Fact(name string) (Fact, bool) {
	id, ok := rb.byName[name]
	if !ok {
		return Fact{}, false
	}
	return rb.facts[id], true
}

// MustFact is like Fact but panics if the name is unknown.
// Use only in tests or with names known to be registered.
func (rb *RuleBase) MustFact(name string) Fact {
	f, ok := rb.Fact(name)
	if !ok {
		panic(fmt.Sprintf("rules: unknown fact %q", name))
	}
	return f
}

// RuleByName looks up a rule by name.
func (rb *RuleBase) RuleByName(name string) (*Rule, bool) {
	for i := range rb.rules {
		if rb.rules[i].Name == name {
			return &rb.rules[i], true
		}
	}
	return nil, false
}

// PersistentFacts returns the facts mirrored to durable storage, in id order.
func (rb *RuleBase) PersistentFacts() []Fact {
	var out []Fact
	for _, f := range rb.facts {
		if f.Persistent() {
			out = append(out, f)
		}
	}
	return out
}

// PersistentMask returns the union of all persistent fact bits.
func (rb *RuleBase) PersistentMask() Mask {
	var m Mask
	for _, f := range rb.facts {
		if f.Persistent() {
			m |= f.Mask()
		}
	}
	return m
}

// ValidMask returns the union of all registered fact bits.
func (rb *RuleBase) ValidMask() Mask {
	return rb.valid
}

// Hash returns a content hash of the fact and rule definitions.
// Saved engine state records it to detect an incompatible rule base.
func (rb *RuleBase) Hash() string {
	return rb.hash
}

// TrueFacts returns the names of the facts set in s, in id order.
func (rb *RuleBase) TrueFacts(s FactState) []string {
	var names []string
	for _, f := range rb.facts {
		if s.Get(f.ID) {
			names = append(names, f.Name)
		}
	}
	return names
}

// describe renders the fact names in m for error messages.
func (rb *RuleBase) describe(m Mask) string {
	var names []string
	for id := FactID(0); id < MaxFacts; id++ {
		if !m.Has(id) {
			continue
		}
		if int(id) < len(rb.facts) && rb.facts[id].Name != "" {
			names = append(names, rb.facts[id].Name)
		} else {
			names = append(names, fmt.Sprintf("#%d", id))
		}
	}
	return fmt.Sprintf("%v", names)
}
