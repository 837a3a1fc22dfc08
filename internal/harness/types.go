package harness

import "fmt"

// Trace event types.
const (
	EventSet      = "set"
	EventClear    = "clear"
	EventFire     = "fire"
	EventHalt     = "halt"
	EventPause    = "pause"
	EventResume   = "resume"
	EventEvaluate = "evaluate"
	EventRestart  = "restart"
)

// TraceEvent is one entry in a scenario trace.
type TraceEvent struct {
	Type string `json:"type"`

	// Step is the 0-based index of the scenario step that produced the
	// event.
	Step int `json:"step"`

	// Rule is set for fire and halt events.
	Rule string `json:"rule,omitempty"`

	// Seq is the firing's logical clock value, for fire events.
	Seq int64 `json:"seq,omitempty"`

	// Facts are the names given to set and clear, or the true facts after
	// a firing.
	Facts []string `json:"facts,omitempty"`

	// Code is the RuntimeError code of a halt.
	Code string `json:"code,omitempty"`
}

// Result contains the outcome of running a scenario.
type Result struct {
	// Pass is true if every step expectation and assertion held.
	Pass bool

	// Trace is every event of the run, in order.
	Trace []TraceEvent

	// Facts are the final fact values by name.
	Facts map[string]bool

	// Stored are the persisted store values by fact name after the run.
	Stored map[string]bool

	// Errors lists failed expectations and assertions.
	Errors []string
}

// NewResult creates a new Result with initialized slices.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Facts:  map[string]bool{},
		Stored: map[string]bool{},
		Errors: []string{},
	}
}

// AddError records a failure and marks the result as failed.
func (r *Result) AddError(format string, args ...any) {
	r.Pass = false
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// Fired returns the names of fired rules in trace order.
func (r *Result) Fired() []string {
	names := []string{}
	for _, ev := range r.Trace {
		if ev.Type == EventFire {
			names = append(names, ev.Rule)
		}
	}
	return names
}
