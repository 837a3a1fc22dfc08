package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"

	"github.com/roach88/rulez/internal/compiler"
	"github.com/roach88/rulez/internal/engine"
	"github.com/roach88/rulez/internal/lifecycle"
	"github.com/roach88/rulez/internal/persist"
	"github.com/roach88/rulez/internal/rules"
	"github.com/roach88/rulez/internal/store"
	"github.com/roach88/rulez/internal/testutil"
)

// EngineID is the id of every engine a scenario creates.
const EngineID = "harness"

// StorePrefix namespaces persisted fact keys in the scenario store.
const StorePrefix = "rulez."

// Run executes a scenario and returns the result.
//
// Execution flow:
//  1. Compile the scenario's CUE rule directory
//  2. Open an in-memory SQLite store and seed the persisted facts
//  3. Create the engine through the lifecycle adapter
//  4. Run each step, draining posted passes, and check its expectations
//  5. Check the scenario assertions against the full trace
//
// A returned error means the scenario could not run (bad rules, unknown
// fact, store failure). Failed expectations are reported in Result.Errors.
func Run(s *Scenario) (*Result, error) {
	return RunContext(context.Background(), s)
}

// RunContext is Run with a caller-supplied context for store operations.
func RunContext(ctx context.Context, s *Scenario) (*Result, error) {
	compiled, err := compiler.CompileDir(s.Rules)
	if err != nil {
		return nil, fmt.Errorf("compile rules: %w", err)
	}

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	r := &runner{
		ctx:    ctx,
		sc:     s,
		rb:     compiled.RuleBase,
		store:  st,
		clock:  testutil.NewDeterministicClock(),
		result: NewResult(),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	if err := r.seed(); err != nil {
		return nil, err
	}
	if err := r.create(); err != nil {
		return nil, err
	}

	for i, step := range s.Steps {
		if err := r.runStep(i, step); err != nil {
			return nil, fmt.Errorf("steps[%d] (%s): %w", i, step.Action(), err)
		}
	}

	if err := r.collect(); err != nil {
		return nil, err
	}

	for i, a := range s.Assertions {
		if err := checkAssertion(r.result, a); err != nil {
			r.result.AddError("assertion %d (%s) failed: %v", i, a.Type, err)
		}
	}

	return r.result, nil
}

// runner holds the state of one scenario run.
type runner struct {
	ctx    context.Context
	sc     *Scenario
	rb     *rules.RuleBase
	store  *store.Store
	clock  *testutil.DeterministicClock
	logger *slog.Logger
	result *Result

	poster   *testutil.FakePoster
	eng      *engine.Engine
	adapter  *lifecycle.Adapter
	registry *persist.Registry
	running  bool

	// Per-step observations.
	step    int
	fired   []string
	passErr error
	passes  int
}

// seed writes the scenario's persisted facts before the engine exists.
func (r *runner) seed() error {
	sync := persist.NewSync(r.store, StorePrefix, r.rb)
	for _, name := range slices.Sorted(maps.Keys(r.sc.Persisted)) {
		f, ok := r.rb.Fact(name)
		if !ok {
			return fmt.Errorf("persisted: unknown fact %q", name)
		}
		if err := r.store.Set(r.ctx, sync.Key(f), r.sc.Persisted[name]); err != nil {
			return fmt.Errorf("seed %q: %w", name, err)
		}
	}
	return nil
}

// create builds an engine and drives it through OnCreate, and OnStart when
// the host is running. Each engine gets a fresh registry, as a new process
// would.
func (r *runner) create() error {
	opts := []engine.EngineOption{
		engine.WithIDGenerator(testutil.NewFixedIDGenerator(EngineID)),
		engine.WithClock(r.clock),
		engine.WithLogger(r.logger),
		engine.WithContext(r.ctx),
		engine.WithPersistence(persist.NewSync(r.store, StorePrefix, r.rb)),
		engine.WithObserver(engine.ObserverFuncs{
			Fire:    r.onFire,
			PassEnd: r.onPassEnd,
		}),
	}
	if r.sc.MaxSteps > 0 {
		opts = append(opts, engine.WithMaxSteps(r.sc.MaxSteps))
	}

	r.poster = testutil.NewFakePoster()
	r.eng = engine.New(r.rb, r.poster, opts...)
	r.registry = persist.NewRegistry(r.store)
	r.adapter = lifecycle.New(r.eng,
		lifecycle.WithRegistry(r.registry),
		lifecycle.WithLogger(r.logger),
	)

	if err := r.adapter.OnCreate(r.ctx); err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	if r.sc.StartResumed || r.running {
		r.adapter.OnStart()
		r.running = true
	}
	return nil
}

func (r *runner) onFire(_ string, f engine.Firing) {
	r.fired = append(r.fired, f.RuleName)
	r.result.Trace = append(r.result.Trace, TraceEvent{
		Type:  EventFire,
		Step:  r.step,
		Rule:  f.RuleName,
		Seq:   f.Seq,
		Facts: r.rb.TrueFacts(f.After),
	})
}

func (r *runner) onPassEnd(p engine.PassReport) {
	r.passes++
	r.passErr = p.Err
	if code := errorCode(p.Err); code != "" {
		var rule string
		var nt *engine.NonTerminatingError
		if errors.As(p.Err, &nt) {
			rule = nt.Rule
		}
		r.result.Trace = append(r.result.Trace, TraceEvent{
			Type: EventHalt,
			Step: r.step,
			Rule: rule,
			Code: code,
		})
	}
}

func (r *runner) runStep(i int, step Step) error {
	r.step = i
	r.fired = nil
	r.passErr = nil
	r.passes = 0

	switch step.Action() {
	case ActionSet:
		facts, err := r.lookup(step.Set)
		if err != nil {
			return err
		}
		r.event(EventSet, step.Set)
		r.eng.Add(facts...)
	case ActionClear:
		facts, err := r.lookup(step.Clear)
		if err != nil {
			return err
		}
		r.event(EventClear, step.Clear)
		r.eng.Remove(facts...)
	case ActionPause:
		r.event(EventPause, nil)
		r.adapter.OnStop()
		r.running = false
	case ActionResume:
		r.event(EventResume, nil)
		r.adapter.OnStart()
		r.running = true
	case ActionRun:
		// Draining below is the whole action.
	case ActionEvaluate:
		r.event(EventEvaluate, nil)
		r.eng.Evaluate()
	case ActionRestart:
		if err := r.restart(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("no action")
	}

	if !step.Hold {
		r.poster.RunPending()
	}

	if step.Expect != nil {
		r.checkExpect(i, step.Expect)
	}
	return nil
}

// restart saves instance state, tears the engine down and creates a new
// one that restores from the saved bundle and the store.
func (r *runner) restart() error {
	if err := r.adapter.OnSaveInstanceState(r.ctx); err != nil {
		return fmt.Errorf("save instance state: %w", err)
	}
	r.adapter.OnStop()
	r.adapter.OnDestroy()
	r.event(EventRestart, nil)
	return r.create()
}

func (r *runner) event(typ string, facts []string) {
	r.result.Trace = append(r.result.Trace, TraceEvent{
		Type:  typ,
		Step:  r.step,
		Facts: slices.Clone(facts),
	})
}

func (r *runner) lookup(names []string) ([]rules.Fact, error) {
	facts := make([]rules.Fact, 0, len(names))
	for _, name := range names {
		f, ok := r.rb.Fact(name)
		if !ok {
			return nil, fmt.Errorf("unknown fact %q", name)
		}
		facts = append(facts, f)
	}
	return facts, nil
}

func (r *runner) checkExpect(i int, want *Expect) {
	if want.Fired != nil {
		got := r.fired
		if got == nil {
			got = []string{}
		}
		if !slices.Equal(*want.Fired, got) {
			r.result.AddError("steps[%d]: expected fired %v, got %v", i, *want.Fired, got)
		}
	}

	for _, name := range slices.Sorted(maps.Keys(want.Facts)) {
		f, ok := r.rb.Fact(name)
		if !ok {
			r.result.AddError("steps[%d]: unknown fact %q", i, name)
			continue
		}
		if got := r.eng.Get(f); got != want.Facts[name] {
			r.result.AddError("steps[%d]: expected fact %s=%t, got %t", i, name, want.Facts[name], got)
		}
	}

	if want.Posts != nil {
		if got := r.poster.Pending(); got != *want.Posts {
			r.result.AddError("steps[%d]: expected %d pending posts, got %d", i, *want.Posts, got)
		}
	}

	if want.Error != "" {
		got := errorCode(r.passErr)
		if got == "" {
			got = "none"
		}
		if got != want.Error {
			r.result.AddError("steps[%d]: expected error %s, got %s", i, want.Error, got)
		}
	}
}

// collect records final engine and store values.
func (r *runner) collect() error {
	state := r.eng.Facts()
	sync := persist.NewSync(r.store, StorePrefix, r.rb)
	for _, f := range r.rb.Facts() {
		r.result.Facts[f.Name] = state.Get(f.ID)
		if !f.Persistent() {
			continue
		}
		ok, err := r.store.Contains(r.ctx, sync.Key(f))
		if err != nil {
			return fmt.Errorf("read stored %q: %w", f.Name, err)
		}
		if !ok {
			continue
		}
		v, err := r.store.Get(r.ctx, sync.Key(f))
		if err != nil {
			return fmt.Errorf("read stored %q: %w", f.Name, err)
		}
		r.result.Stored[f.Name] = v
	}
	return nil
}

// errorCode returns the RuntimeError code carried by err, or "".
func errorCode(err error) string {
	if err == nil {
		return ""
	}
	if engine.IsNonTerminating(err) {
		return string(engine.ErrCodeNonTerminating)
	}
	var rt *engine.RuntimeError
	if errors.As(err, &rt) {
		return string(rt.Code)
	}
	return "UNKNOWN"
}
