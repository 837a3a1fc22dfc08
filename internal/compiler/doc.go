// Package compiler turns CUE rule definitions into a rules.RuleBase.
//
// A definition package declares facts and rules:
//
//	fact: network: {persistence: "disk"}
//	fact: authed:  {}
//
//	rule: "start-sync": {
//		when:   ["network", "authed"]
//		unless: ["syncing"]
//		then: {assert: ["syncing"]}
//	}
//
// Facts get ids in declaration order. Rules are scanned in declaration
// order unless a top-level order list names every rule.
//
// Compilation runs in three stages. Decode checks the package against the
// embedded schema and extracts Definitions. Validate reports every semantic
// problem at once with E2xx codes. Build produces the RuleBase.
// AnalyzeCycles then reports rule groups that can keep re-enabling each
// other.
package compiler
