// Package scheduler coalesces evaluation requests into at most one pending
// task on a host run loop, gated by a pause/resume flag.
//
// The Scheduler is not safe for concurrent use. Every method, and every task
// it posts, runs on the single goroutine that owns the run loop.
package scheduler

import (
	"fmt"
	"log/slog"
)

// Task is a unit of work posted to a run loop. Identity is the pointer:
// RemoveCallbacks cancels exactly the task value that was posted.
type Task struct {
	name string
	fn   func()
}

// NewTask creates a task that calls fn when run.
func NewTask(name string, fn func()) *Task {
	return &Task{name: name, fn: fn}
}

// Run executes the task.
func (t *Task) Run() {
	t.fn()
}

// String returns the task name.
func (t *Task) String() string {
	return t.name
}

// Poster is the host's deferred-task facility.
//
// Post enqueues t and returns false if the loop no longer accepts work.
// RemoveCallbacks removes every pending occurrence of t. Both must be cheap
// and must never block.
type Poster interface {
	Post(t *Task) bool
	RemoveCallbacks(t *Task)
}

// Controller is the narrow surface a host lifecycle drives.
type Controller interface {
	ScheduleEvaluation()
	UnscheduleEvaluation()
	ResumeEvaluation()
	PauseEvaluation()
}

// State is the scheduler's observable state.
type State int

const (
	// Idle: nothing requested.
	Idle State = iota
	// ScheduledPaused: a pass is requested but the host has paused evaluation.
	ScheduledPaused
	// ScheduledActive: a pass is requested and its task is posted.
	ScheduledActive
	// Running: the pass is executing.
	Running
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case ScheduledPaused:
		return "scheduled-paused"
	case ScheduledActive:
		return "scheduled-active"
	case Running:
		return "running"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Scheduler drives a pass function through a Poster.
//
// INVARIANTS:
//   - at most one task is pending on the poster at any time
//   - the task is pending iff scheduled && resumed (outside a running task)
//   - scheduled is cleared before the pass runs, so requests made during
//     the pass re-arm scheduling
type Scheduler struct {
	poster Poster
	task   *Task
	pass   func()
	onEnd  func()
	logger *slog.Logger

	scheduled bool
	resumed   bool
	running   bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithEvalEnd sets a callback run after a pass during which nothing
// re-scheduled evaluation.
func WithEvalEnd(fn func()) Option {
	return func(s *Scheduler) {
		s.onEnd = fn
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = l
	}
}

// New creates a paused, idle Scheduler that runs pass on poster's loop.
func New(poster Poster, pass func(), opts ...Option) *Scheduler {
	s := &Scheduler{
		poster: poster,
		pass:   pass,
		logger: slog.Default(),
	}
	s.task = NewTask("rulez-evaluate", s.run)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ScheduleEvaluation requests a pass. Repeated requests before the pass
// runs collapse into one. If evaluation is paused, the request waits for
// ResumeEvaluation.
func (s *Scheduler) ScheduleEvaluation() {
	if s.scheduled {
		return
	}
	s.scheduled = true
	if s.resumed {
		s.post()
	}
}

// UnscheduleEvaluation withdraws a pending request. No-op if none.
func (s *Scheduler) UnscheduleEvaluation() {
	if !s.scheduled {
		return
	}
	s.scheduled = false
	if s.resumed {
		s.poster.RemoveCallbacks(s.task)
	}
}

// ResumeEvaluation permits passes to run and posts any pending request.
func (s *Scheduler) ResumeEvaluation() {
	if s.resumed {
		return
	}
	s.resumed = true
	if s.scheduled {
		s.post()
	}
}

// PauseEvaluation suppresses passes. A pending request stays scheduled and
// is posted again on the next ResumeEvaluation.
func (s *Scheduler) PauseEvaluation() {
	if !s.resumed {
		return
	}
	s.resumed = false
	if s.scheduled {
		s.poster.RemoveCallbacks(s.task)
	}
}

// State reports the current scheduler state.
func (s *Scheduler) State() State {
	switch {
	case s.running:
		return Running
	case s.scheduled && s.resumed:
		return ScheduledActive
	case s.scheduled:
		return ScheduledPaused
	default:
		return Idle
	}
}

// Scheduled reports whether a pass is requested.
func (s *Scheduler) Scheduled() bool {
	return s.scheduled
}

// Resumed reports whether passes are permitted.
func (s *Scheduler) Resumed() bool {
	return s.resumed
}

// Task returns the task this scheduler posts. Exposed for hosts and tests
// that inspect their queue.
func (s *Scheduler) Task() *Task {
	return s.task
}

func (s *Scheduler) post() {
	if !s.poster.Post(s.task) {
		s.logger.Warn("evaluation not posted: run loop closed")
	}
}

// run is the posted task body.
func (s *Scheduler) run() {
	// A removal that raced with dispatch leaves a stale task; honor the flag.
	if !s.scheduled || !s.resumed {
		return
	}

	s.running = true
	s.scheduled = false
	func() {
		// A host loop may recover a panicking pass; the scheduler must not
		// stay Running.
		defer func() { s.running = false }()
		s.pass()
	}()

	if !s.scheduled && s.onEnd != nil {
		s.onEnd()
	}
}

var _ Controller = (*Scheduler)(nil)
