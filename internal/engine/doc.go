// Package engine implements the rulez forward-chaining evaluator and the
// single-threaded Engine that owns a FactState.
//
// ARCHITECTURE:
//
// Single-Writer Run Loop:
// Every Engine method runs on one goroutine, the host's run loop. The engine
// holds no locks. Stimuli from other goroutines must be posted onto the loop
// (see package looper) before touching the engine.
//
// Evaluation Flow:
//  1. A fact mutation changes the FactState and schedules a pass
//  2. The scheduler posts one task to the loop (coalescing repeats)
//  3. The task runs Evaluate to a fixpoint, one rule firing per iteration
//  4. Persistent bits changed by the pass are written through to the store
//  5. Observers see each firing, then the pass report
//  6. If nothing re-scheduled during the pass, the eval-end listener runs
//
// CRITICAL PATTERNS:
//
// Breadth-First Restart:
// After a rule fires the scan restarts at index 0 over the new state. Lower
// indices win ties. A pass ends when a full sweep finds no enabled rule.
//
// Logical Clock:
// Firings are stamped with a monotonic seq from Clock.Next(), never with
// wall-clock time.
//
// Step Ceiling:
// DefaultMaxSteps bounds firings per pass. Exceeding it yields a partial
// result and a NonTerminatingError instead of spinning forever.
package engine
