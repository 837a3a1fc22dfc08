// Package rules provides the data model of the rulez engine: facts, fact
// state, rules and the rule base.
//
// This package contains value types and construction-time validation only.
// All other internal packages import rules; rules imports nothing internal.
//
// Key design constraints:
//   - FactState is a 64-bit value. Copies, comparisons and restores are plain
//     value operations with no shared identity.
//   - Fact ids are dense and 0-based. A RuleBase holds at most MaxFacts facts
//     and MaxRules rules.
//   - Rules are conjunctions: every RequiredTrue bit set, every RequiredFalse
//     bit clear. The two masks never overlap.
//   - A RuleBase is immutable after construction. Rule order is scan order.
package rules
