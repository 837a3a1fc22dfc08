package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/roach88/rulez/internal/persist"
	"github.com/roach88/rulez/internal/rules"
	"github.com/roach88/rulez/internal/scheduler"
)

// Instance state bundle keys. They are stable across releases: bundles
// written by one version must restore in the next.
const (
	KeyFactState  = "rule_engine_fact_state"
	KeyEvalState  = "rule_engine_eval_state"
	KeyMatchState = "rule_engine_match_state"
	KeyRuleBase   = "rule_engine_rulebase"
)

// Sequencer stamps firings with logical time.
// Implemented by Clock and testutil.DeterministicClock.
type Sequencer interface {
	Next() int64
}

// Engine owns the FactState of one RuleBase and runs evaluation passes on a
// host run loop.
//
// CRITICAL: Engine is not safe for concurrent use. Every method must be
// called from the goroutine that runs the poster's tasks.
//
// INVARIANTS:
//   - the rule base never changes after construction
//   - every external change to FactState schedules evaluation
//   - persistent facts are written to the store after a mutation or pass,
//     never inside a scan
type Engine struct {
	rb        *rules.RuleBase
	state     State
	sched     *scheduler.Scheduler
	sync      *persist.Sync
	observers []Observer
	evalEnd   func(*Engine)
	clock     Sequencer
	idGen     IDGenerator
	id        string
	maxSteps  int
	cycles    bool
	ctx       context.Context
	logger    *slog.Logger
	last      Result
	lastErr   error
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithMaxSteps sets the maximum firings per pass.
//
// Default: 1000 (DefaultMaxSteps). Zero means unbounded.
func WithMaxSteps(maxSteps int) EngineOption {
	return func(e *Engine) {
		e.maxSteps = maxSteps
	}
}

// WithCycleDetection toggles stopping a pass that revisits a state.
// Default: enabled.
func WithCycleDetection(enabled bool) EngineOption {
	return func(e *Engine) {
		e.cycles = enabled
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithPersistence mirrors persistent facts through s.
func WithPersistence(s *persist.Sync) EngineOption {
	return func(e *Engine) {
		e.sync = s
	}
}

// WithObserver adds an observer. Observers are called in the order added.
func WithObserver(o Observer) EngineOption {
	return func(e *Engine) {
		e.observers = append(e.observers, o)
	}
}

// WithEvalEndListener sets a callback run when a pass ends and nothing
// re-scheduled evaluation during it.
func WithEvalEndListener(fn func(*Engine)) EngineOption {
	return func(e *Engine) {
		e.evalEnd = fn
	}
}

// WithIDGenerator sets the source of the engine id. Default: UUIDv7Generator.
func WithIDGenerator(g IDGenerator) EngineOption {
	return func(e *Engine) {
		e.idGen = g
	}
}

// WithClock sets the firing sequencer. Default: a new Clock.
func WithClock(c Sequencer) EngineOption {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithContext sets the context used for store writes made by passes.
// Default: context.Background().
func WithContext(ctx context.Context) EngineOption {
	return func(e *Engine) {
		e.ctx = ctx
	}
}

// New creates an Engine for rb whose passes run as tasks on poster.
//
// The engine starts with every fact false and evaluation paused. Hosts call
// ResumeEvaluation (usually via the lifecycle adapter) to let passes run.
func New(rb *rules.RuleBase, poster scheduler.Poster, opts ...EngineOption) *Engine {
	e := &Engine{
		rb:       rb,
		clock:    NewClock(),
		idGen:    UUIDv7Generator{},
		maxSteps: DefaultMaxSteps,
		cycles:   true,
		ctx:      context.Background(),
		logger:   slog.Default(),
	}

	for _, opt := range opts {
		opt(e)
	}

	e.id = e.idGen.Generate()
	e.logger = e.logger.With("engine", e.id)
	e.sched = scheduler.New(poster, e.pass,
		scheduler.WithEvalEnd(e.handleEvalEnd),
		scheduler.WithLogger(e.logger),
	)

	return e
}

// ID returns the engine instance id.
func (e *Engine) ID() string {
	return e.id
}

// RuleBase returns the engine's rule base.
func (e *Engine) RuleBase() *rules.RuleBase {
	return e.rb
}

// Facts returns the current FactState.
func (e *Engine) Facts() rules.FactState {
	return e.state.Facts
}

// Cursor returns the rule index the next pass starts at.
func (e *Engine) Cursor() int {
	return e.state.Cursor
}

// State returns the full evaluation state.
func (e *Engine) State() State {
	return e.state
}

// Get reads the value of f.
func (e *Engine) Get(f rules.Fact) bool {
	return e.state.Facts.Get(f.ID)
}

// Set changes one fact.
func (e *Engine) Set(f rules.Fact, v bool) {
	e.mutate(e.state.Facts.Set(f.ID, v))
}

// Add sets the given facts to true.
func (e *Engine) Add(facts ...rules.Fact) {
	e.Update(rules.MaskOf(facts...), 0)
}

// Remove sets the given facts to false.
func (e *Engine) Remove(facts ...rules.Fact) {
	e.Update(0, rules.MaskOf(facts...))
}

// Update adds then removes facts in one step. A fact in both masks ends up
// false. Evaluation is scheduled only if the state changed.
func (e *Engine) Update(add, remove rules.Mask) {
	e.mutate(e.state.Facts.With(add).Without(remove))
}

// ClearState resets every fact, the cursor and the matched-rule mask.
// Nothing is written to the store and no evaluation is scheduled.
func (e *Engine) ClearState() {
	e.state = State{}
	e.logger.Debug("state cleared")
}

// ScheduleEvaluation requests a pass.
func (e *Engine) ScheduleEvaluation() {
	e.sched.ScheduleEvaluation()
}

// UnscheduleEvaluation withdraws a pending pass.
func (e *Engine) UnscheduleEvaluation() {
	e.sched.UnscheduleEvaluation()
}

// ResumeEvaluation permits passes to run.
func (e *Engine) ResumeEvaluation() {
	e.sched.ResumeEvaluation()
}

// PauseEvaluation suppresses passes until resumed.
func (e *Engine) PauseEvaluation() {
	e.sched.PauseEvaluation()
}

// SchedulerState reports the scheduler's state.
func (e *Engine) SchedulerState() scheduler.State {
	return e.sched.State()
}

// Evaluate runs a pass now, on the caller's goroutine, and withdraws any
// pending scheduled pass. The eval-end listener is not called.
func (e *Engine) Evaluate() (Result, error) {
	e.sched.UnscheduleEvaluation()
	e.pass()
	return e.last, e.lastErr
}

// LastResult returns the result and error of the most recent pass.
func (e *Engine) LastResult() (Result, error) {
	return e.last, e.lastErr
}

// RestorePersisted folds stored values of persistent facts into the state.
// Evaluation is scheduled if anything changed.
func (e *Engine) RestorePersisted(ctx context.Context) error {
	if e.sync == nil {
		return nil
	}
	next, err := e.sync.Restore(ctx, e.state.Facts)
	if next != e.state.Facts {
		e.logger.Debug("persistent facts restored",
			"before", e.state.Facts.String(),
			"after", next.String(),
		)
		e.state.Facts = next
		e.sched.ScheduleEvaluation()
	}
	if err != nil {
		return newPersistenceError("restore", err)
	}
	return nil
}

// SavePersisted writes every persistent fact to the store.
func (e *Engine) SavePersisted(ctx context.Context) error {
	if e.sync == nil {
		return nil
	}
	if err := e.sync.Save(ctx, e.state.Facts); err != nil {
		return newPersistenceError("save", err)
	}
	return nil
}

// SaveInstanceState writes the fact state, cursor, matched-rule mask and
// rule base hash into b.
func (e *Engine) SaveInstanceState(b *persist.Bundle) {
	b.PutInt(KeyFactState, int64(e.state.Facts))
	b.PutInt(KeyEvalState, int64(e.state.Cursor))
	b.PutInt(KeyMatchState, int64(e.state.Matched))
	b.PutString(KeyRuleBase, e.rb.Hash())
}

// RestoreInstanceState replaces the state with one saved by
// SaveInstanceState. It neither schedules evaluation nor writes the store.
//
// A bundle written for a different rule base is rejected with a
// STATE_MISMATCH RuntimeError and the state is left untouched. A bundle
// without a fact state restores nothing.
func (e *Engine) RestoreInstanceState(b *persist.Bundle) error {
	if b == nil {
		return nil
	}
	if hash, ok := b.String(KeyRuleBase); ok && hash != e.rb.Hash() {
		return &RuntimeError{
			Code:    ErrCodeStateMismatch,
			Message: "saved state was written for a different rule base",
		}
	}
	facts, ok := b.Int(KeyFactState)
	if !ok {
		return nil
	}
	cursor, _ := b.Int(KeyEvalState)
	matched, _ := b.Int(KeyMatchState)

	e.state = State{
		Facts:   rules.FactState(facts).Without(^e.rb.ValidMask()),
		Cursor:  int(cursor),
		Matched: uint64(matched),
	}
	e.logger.Debug("instance state restored",
		"facts", e.state.Facts.String(),
		"cursor", e.state.Cursor,
	)
	return nil
}

// mutate installs next as the fact state, writes changed persistent facts
// and schedules evaluation.
func (e *Engine) mutate(next rules.FactState) {
	before := e.state.Facts
	if next == before {
		return
	}
	e.state.Facts = next

	e.logger.Debug("state change",
		"before", before.String(),
		"after", next.String(),
	)

	if err := e.writeThrough(before, next); err != nil {
		e.logger.Error("persisting fact change failed", "error", err)
	}
	e.sched.ScheduleEvaluation()
}

func (e *Engine) writeThrough(before, after rules.FactState) error {
	if e.sync == nil {
		return nil
	}
	if _, err := e.sync.SaveChanged(e.ctx, before, after); err != nil {
		return newPersistenceError("write-through", err)
	}
	return nil
}

// pass runs one evaluation pass. It is the scheduler's task body.
func (e *Engine) pass() {
	before := e.state
	res, err := Evaluate(e.rb, before, Options{MaxSteps: e.maxSteps, DetectCycles: e.cycles})
	e.state = res.Final

	for i := range res.Firings {
		res.Firings[i].Seq = e.clock.Next()
		e.logger.Debug("rule fired",
			"rule", res.Firings[i].RuleName,
			"seq", res.Firings[i].Seq,
			"before", res.Firings[i].Before.String(),
			"after", res.Firings[i].After.String(),
		)
	}

	if err != nil {
		e.logger.Warn("evaluation stopped early",
			"error", err,
			"steps", res.Steps,
			"cursor", res.Final.Cursor,
		)
	}

	if werr := e.writeThrough(before.Facts, e.state.Facts); werr != nil {
		e.logger.Error("persisting pass result failed", "error", werr)
		err = errors.Join(err, werr)
	}

	e.last, e.lastErr = res, err

	for _, o := range e.observers {
		for _, f := range res.Firings {
			o.OnFire(e.id, f)
		}
		o.OnPassEnd(PassReport{
			EngineID: e.id,
			Fired:    res.Fired,
			Steps:    res.Steps,
			Before:   before,
			After:    e.state,
			Err:      err,
		})
	}

	e.logger.Debug("pass complete",
		"fired", res.Fired,
		"steps", res.Steps,
		"facts", e.state.Facts.String(),
	)
}

func (e *Engine) handleEvalEnd() {
	if e.evalEnd != nil {
		e.evalEnd(e)
	}
}

var _ scheduler.Controller = (*Engine)(nil)
