package harness

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// AssertionError provides detailed context when an assertion fails.
type AssertionError struct {
	Type     string
	Expected any
	Actual   any
	Trace    []TraceEvent
	Message  string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Message)
	sb.WriteString("\n")
	if e.Expected != nil {
		fmt.Fprintf(&sb, "  expected: %v\n", e.Expected)
	}
	if e.Actual != nil {
		fmt.Fprintf(&sb, "  actual:   %v\n", e.Actual)
	}
	if len(e.Trace) > 0 {
		sb.WriteString("  trace:\n")
		for _, ev := range e.Trace {
			sb.WriteString("    ")
			sb.WriteString(formatEvent(ev))
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// formatEvent renders a trace event on one line.
func formatEvent(ev TraceEvent) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%d] %s", ev.Step, ev.Type)
	if ev.Rule != "" {
		fmt.Fprintf(&sb, " %s", ev.Rule)
	}
	if ev.Seq != 0 {
		fmt.Fprintf(&sb, " seq=%d", ev.Seq)
	}
	if ev.Code != "" {
		fmt.Fprintf(&sb, " code=%s", ev.Code)
	}
	if len(ev.Facts) > 0 {
		fmt.Fprintf(&sb, " {%s}", strings.Join(ev.Facts, ", "))
	}
	return sb.String()
}

// checkAssertion evaluates one scenario assertion against a finished run.
func checkAssertion(res *Result, a Assertion) error {
	switch a.Type {
	case AssertFiredOrder:
		return assertFiredOrder(res, a.Rules)
	case AssertFiredCount:
		return assertFiredCount(res, a.Rule, a.Count)
	case AssertFinalFacts:
		return assertFacts(res, "final", res.Facts, a.Facts)
	case AssertStoredFacts:
		return assertFacts(res, "stored", res.Stored, a.Facts)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

// assertFiredOrder checks the rules fired in the given relative order.
// Other firings may appear in between.
func assertFiredOrder(res *Result, want []string) error {
	fired := res.Fired()
	next := 0
	for _, name := range fired {
		if next < len(want) && name == want[next] {
			next++
		}
	}
	if next == len(want) {
		return nil
	}
	return &AssertionError{
		Type:     AssertFiredOrder,
		Expected: want,
		Actual:   fired,
		Trace:    res.Trace,
		Message:  fmt.Sprintf("rule %q did not fire in order (matched %d of %d)", want[next], next, len(want)),
	}
}

func assertFiredCount(res *Result, rule string, want int) error {
	got := 0
	for _, name := range res.Fired() {
		if name == rule {
			got++
		}
	}
	if got == want {
		return nil
	}
	return &AssertionError{
		Type:     AssertFiredCount,
		Expected: want,
		Actual:   got,
		Trace:    res.Trace,
		Message:  fmt.Sprintf("rule %q fired %d times, expected %d", rule, got, want),
	}
}

// assertFacts checks want against got. A fact absent from got fails the
// check; for the store that means it was never written.
func assertFacts(res *Result, what string, got, want map[string]bool) error {
	var bad []string
	for _, name := range slices.Sorted(maps.Keys(want)) {
		v, ok := got[name]
		switch {
		case !ok:
			bad = append(bad, fmt.Sprintf("%s: missing", name))
		case v != want[name]:
			bad = append(bad, fmt.Sprintf("%s: got %t", name, v))
		}
	}
	if len(bad) == 0 {
		return nil
	}
	return &AssertionError{
		Type:     what + "_facts",
		Expected: want,
		Actual:   got,
		Trace:    res.Trace,
		Message:  fmt.Sprintf("%s facts differ: %s", what, strings.Join(bad, "; ")),
	}
}
