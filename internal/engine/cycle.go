package engine

import "github.com/roach88/rulez/internal/rules"

// CycleDetector spots a pass that has returned to an earlier state.
//
// A sweep that starts at rule 0 is a pure function of (facts, matched). If
// the same pair is seen at the start of two such sweeps in one pass, the
// pass will repeat forever, so it can be stopped without waiting for the
// step ceiling.
//
// Example cycle:
//
//	rule "on":  when !lit then assert lit
//	rule "off": when lit  then retract lit
//	0 -> on -> 1 -> off -> 0   <- state seen before
//
// A detector lives for one pass. It is not safe for concurrent use.
type CycleDetector struct {
	seen map[cycleKey]int
}

type cycleKey struct {
	facts   rules.FactState
	matched uint64
}

// NewCycleDetector creates an empty detector.
func NewCycleDetector() *CycleDetector {
	return &CycleDetector{seen: make(map[cycleKey]int)}
}

// Visit records the state at the start of a sweep from rule 0, after step
// firings. If the state was already recorded it returns the earlier step
// and true.
func (c *CycleDetector) Visit(facts rules.FactState, matched uint64, step int) (int, bool) {
	k := cycleKey{facts: facts, matched: matched}
	if first, ok := c.seen[k]; ok {
		return first, true
	}
	c.seen[k] = step
	return 0, false
}

// Len returns the number of distinct states recorded.
func (c *CycleDetector) Len() int {
	return len(c.seen)
}
