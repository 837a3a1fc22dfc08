package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resultWithFirings(names ...string) *Result {
	r := NewResult()
	for i, n := range names {
		r.Trace = append(r.Trace, TraceEvent{Type: EventFire, Rule: n, Seq: int64(i + 1)})
	}
	return r
}

func TestAssertFiredOrder(t *testing.T) {
	res := resultWithFirings("a", "b", "c", "a")

	tests := []struct {
		name    string
		want    []string
		wantErr bool
	}{
		{"exact", []string{"a", "b", "c", "a"}, false},
		{"with gaps", []string{"a", "c"}, false},
		{"repeat later", []string{"c", "a"}, false},
		{"wrong order", []string{"c", "b"}, true},
		{"missing rule", []string{"d"}, true},
		{"too many", []string{"a", "a", "a"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := assertFiredOrder(res, tt.want)
			if tt.wantErr {
				var ae *AssertionError
				require.ErrorAs(t, err, &ae)
				assert.Equal(t, AssertFiredOrder, ae.Type)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestAssertFiredCount(t *testing.T) {
	res := resultWithFirings("a", "b", "a")

	assert.NoError(t, assertFiredCount(res, "a", 2))
	assert.NoError(t, assertFiredCount(res, "z", 0))

	err := assertFiredCount(res, "b", 2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `rule "b" fired 1 times, expected 2`)
}

func TestAssertFacts(t *testing.T) {
	res := NewResult()
	got := map[string]bool{"on": true, "off": false}

	assert.NoError(t, assertFacts(res, "final", got, map[string]bool{"on": true}))
	assert.NoError(t, assertFacts(res, "final", got, map[string]bool{"off": false}))

	err := assertFacts(res, "stored", got, map[string]bool{"on": false, "gone": true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stored facts differ: gone: missing; on: got true")
}

func TestAssertionError_IncludesTrace(t *testing.T) {
	err := &AssertionError{
		Type:     AssertFiredCount,
		Expected: 2,
		Actual:   1,
		Message:  "rule fired 1 times",
		Trace: []TraceEvent{
			{Type: EventSet, Step: 0, Facts: []string{"online", "authed"}},
			{Type: EventFire, Step: 0, Rule: "start-sync", Seq: 1, Facts: []string{"online"}},
			{Type: EventHalt, Step: 0, Rule: "stop", Code: "NON_TERMINATING"},
		},
	}

	msg := err.Error()
	assert.Contains(t, msg, "expected: 2")
	assert.Contains(t, msg, "actual:   1")
	assert.Contains(t, msg, "[0] set {online, authed}")
	assert.Contains(t, msg, "[0] fire start-sync seq=1 {online}")
	assert.Contains(t, msg, "[0] halt stop code=NON_TERMINATING")
}

func TestCheckAssertion_Unknown(t *testing.T) {
	err := checkAssertion(NewResult(), Assertion{Type: "bogus"})
	assert.EqualError(t, err, `unknown assertion type "bogus"`)
}
