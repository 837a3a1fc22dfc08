package rules

// Builder assembles a RuleBase fluently:
//
//	b := rules.NewBuilder()
//	online := b.Fact("online", rules.PersistNone)
//	synced := b.Fact("synced", rules.PersistDisk)
//	b.Rule("sync").When(online).AndNot(synced).Then(rules.Assert(synced))
//	rb, err := b.Build()
//
// Facts receive ids in registration order. Rules keep the order in which
// Then is called. Validation is deferred to Build.
type Builder struct {
	facts []Fact
	rules []Rule
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Fact registers a fact with the next free id and returns it.
func (b *Builder) Fact(name string, p Persistence) Fact {
	f := Fact{ID: FactID(len(b.facts)), Name: name, Persistence: p}
	b.facts = append(b.facts, f)
	return f
}

// Rule starts a rule definition. The rule is added when Then is called.
func (b *Builder) Rule(name string) *RuleBuilder {
	return &RuleBuilder{b: b, rule: Rule{Name: name}}
}

// Add appends a fully formed rule.
func (b *Builder) Add(r Rule) *Builder {
	b.rules = append(b.rules, r)
	return b
}

// Build validates everything registered so far.
func (b *Builder) Build() (*RuleBase, error) {
	return New(b.facts, b.rules)
}

// RuleBuilder accumulates the conditions of one rule.
type RuleBuilder struct {
	b    *Builder
	rule Rule
}

// When requires every given fact to be true.
func (rb *RuleBuilder) When(facts ...Fact) *RuleBuilder {
	rb.rule.RequiredTrue |= MaskOf(facts...)
	return rb
}

// And is an alias of When for readability in chains.
func (rb *RuleBuilder) And(facts ...Fact) *RuleBuilder {
	return rb.When(facts...)
}

// WhenNot requires every given fact to be false.
func (rb *RuleBuilder) WhenNot(facts ...Fact) *RuleBuilder {
	rb.rule.RequiredFalse |= MaskOf(facts...)
	return rb
}

// AndNot is an alias of WhenNot for readability in chains.
func (rb *RuleBuilder) AndNot(facts ...Fact) *RuleBuilder {
	return rb.WhenNot(facts...)
}

// Once limits the rule to a single firing until the engine state is cleared.
func (rb *RuleBuilder) Once() *RuleBuilder {
	rb.rule.Execution = ExecOnce
	return rb
}

// Reset lets the rule fire again after its preconditions stop matching.
func (rb *RuleBuilder) Reset() *RuleBuilder {
	rb.rule.Execution = ExecReset
	return rb
}

// Then sets the postconditions and adds the rule to the builder.
func (rb *RuleBuilder) Then(posts ...Postcondition) *Builder {
	rb.rule.Post = append(rb.rule.Post, posts...)
	return rb.b.Add(rb.rule)
}
