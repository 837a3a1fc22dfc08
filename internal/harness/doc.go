// Package harness runs rule engine scenarios as executable tests.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: network_sync
//	description: "Coming online syncs once and notifies"
//	rules: rules/net            # CUE definition directory, relative to this file
//	start_resumed: true
//	persisted:                  # store contents before the engine is created
//	  synced: false
//	steps:
//	  - set: [online, authed]
//	    expect:
//	      fired: [start-sync]
//	      facts: {syncing: true}
//	  - clear: [online]
//	  - restart: true           # save instance state and recreate the engine
//	assertions:
//	  - type: fired_order
//	    rules: [start-sync, stop-sync]
//	  - type: final_facts
//	    facts: {syncing: false}
//
// Each step performs one action (set, clear, pause, resume, run, evaluate,
// restart) and then drains the poster unless the step sets hold. Its
// optional expect clause checks what happened during that step only.
//
// # Assertion Types
//
//   - fired_order: rules fired in this relative order (gaps allowed)
//   - fired_count: a rule fired exactly count times
//   - final_facts: fact values after the last step (subset match)
//   - stored_facts: persisted store values after the last step
//
// # Deterministic Testing
//
// Scenarios run with a deterministic clock, a fixed engine id and a fresh
// in-memory SQLite store, so traces are identical across runs and can be
// compared with golden files (RunWithGolden).
package harness
