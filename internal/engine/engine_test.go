package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rulez/internal/persist"
	"github.com/roach88/rulez/internal/rules"
	"github.com/roach88/rulez/internal/scheduler"
	"github.com/roach88/rulez/internal/testutil"
)

// netRuleBase: online (memory), synced (disk), notified (memory).
//
//	sync:   online && !synced -> synced
//	notify: synced && !notified -> notified
func netRuleBase(t *testing.T) *rules.RuleBase {
	t.Helper()
	b := rules.NewBuilder()
	online := b.Fact("online", rules.PersistNone)
	synced := b.Fact("synced", rules.PersistDisk)
	notified := b.Fact("notified", rules.PersistNone)
	b.Rule("sync").When(online).AndNot(synced).Then(rules.Assert(synced))
	b.Rule("notify").When(synced).AndNot(notified).Then(rules.Assert(notified))
	rb, err := b.Build()
	require.NoError(t, err)
	return rb
}

type recorder struct {
	firings []Firing
	reports []PassReport
	ids     []string
}

func (r *recorder) OnFire(id string, f Firing) {
	r.ids = append(r.ids, id)
	r.firings = append(r.firings, f)
}

func (r *recorder) OnPassEnd(p PassReport) { r.reports = append(r.reports, p) }

func newTestEngine(t *testing.T, rb *rules.RuleBase, opts ...EngineOption) (*Engine, *testutil.FakePoster) {
	t.Helper()
	poster := testutil.NewFakePoster()
	base := []EngineOption{
		WithIDGenerator(testutil.NewFixedIDGenerator("eng-1")),
		WithClock(testutil.NewDeterministicClock()),
	}
	return New(rb, poster, append(base, opts...)...), poster
}

func TestEngine_StartsPausedAndEmpty(t *testing.T) {
	e, poster := newTestEngine(t, netRuleBase(t))

	assert.Equal(t, "eng-1", e.ID())
	assert.Equal(t, rules.FactState(0), e.Facts())
	assert.Equal(t, 0, e.Cursor())
	assert.Equal(t, scheduler.Idle, e.SchedulerState())

	e.Add(e.RuleBase().MustFact("online"))
	assert.Equal(t, scheduler.ScheduledPaused, e.SchedulerState())
	assert.Equal(t, 0, poster.Posts, "paused engine posts nothing")
}

func TestEngine_MutationSchedulesOnePass(t *testing.T) {
	rb := netRuleBase(t)
	ends := 0
	e, poster := newTestEngine(t, rb, WithEvalEndListener(func(*Engine) { ends++ }))
	e.ResumeEvaluation()

	online := rb.MustFact("online")
	e.Add(online)
	e.Remove(online)
	e.Add(online)
	assert.Equal(t, 1, poster.Posts, "stimuli coalesce into one pass")

	poster.RunPending()
	assert.True(t, e.Get(rb.MustFact("synced")))
	assert.True(t, e.Get(rb.MustFact("notified")))
	assert.Equal(t, 1, ends)
	assert.Equal(t, scheduler.Idle, e.SchedulerState())
}

func TestEngine_NoOpMutationDoesNotSchedule(t *testing.T) {
	rb := netRuleBase(t)
	e, poster := newTestEngine(t, rb)
	e.ResumeEvaluation()

	e.Set(rb.MustFact("online"), false)
	e.Remove(rb.MustFact("synced"))
	e.Update(0, 0)
	assert.Equal(t, 0, poster.Posts)
	assert.Equal(t, scheduler.Idle, e.SchedulerState())
}

func TestEngine_UpdateRemoveWins(t *testing.T) {
	rb := netRuleBase(t)
	e, _ := newTestEngine(t, rb)
	online := rb.MustFact("online")
	notified := rb.MustFact("notified")

	e.Update(rules.MaskOf(online, notified), rules.MaskOf(notified))
	assert.Equal(t, rules.MaskOf(online), rules.Mask(e.Facts()))
}

func TestEngine_ObserversSeeFiringsAfterPass(t *testing.T) {
	rb := netRuleBase(t)
	rec := &recorder{}
	e, poster := newTestEngine(t, rb, WithObserver(rec))
	e.ResumeEvaluation()
	e.Add(rb.MustFact("online"))
	poster.RunPending()

	require.Len(t, rec.firings, 2)
	assert.Equal(t, "sync", rec.firings[0].RuleName)
	assert.Equal(t, int64(1), rec.firings[0].Seq)
	assert.Equal(t, "notify", rec.firings[1].RuleName)
	assert.Equal(t, int64(2), rec.firings[1].Seq)
	assert.Equal(t, []string{"eng-1", "eng-1"}, rec.ids)

	require.Len(t, rec.reports, 1)
	r := rec.reports[0]
	assert.True(t, r.Fired)
	assert.Equal(t, 2, r.Steps)
	assert.Equal(t, rules.FactState(0b001), r.Before.Facts)
	assert.Equal(t, rules.FactState(0b111), r.After.Facts)
	assert.NoError(t, r.Err)
}

func TestEngine_ObserverFuncs(t *testing.T) {
	rb := netRuleBase(t)
	fires, ends := 0, 0
	e, poster := newTestEngine(t, rb,
		WithObserver(ObserverFuncs{Fire: func(string, Firing) { fires++ }}),
		WithObserver(ObserverFuncs{PassEnd: func(PassReport) { ends++ }}),
	)
	e.ResumeEvaluation()
	e.Add(rb.MustFact("online"))
	poster.RunPending()

	assert.Equal(t, 2, fires)
	assert.Equal(t, 1, ends)
}

func TestEngine_EvalEndSkippedWhenListenerReschedules(t *testing.T) {
	rb := netRuleBase(t)
	var calls int
	var e *Engine
	var poster *testutil.FakePoster
	e, poster = newTestEngine(t, rb, WithObserver(ObserverFuncs{PassEnd: func(PassReport) {
		// A stimulus arriving during the pass re-arms scheduling.
		if calls == 0 {
			e.Remove(rb.MustFact("notified"))
		}
		calls++
	}}), WithEvalEndListener(func(*Engine) { calls += 100 }))
	e.ResumeEvaluation()
	e.Add(rb.MustFact("online"))

	require.True(t, poster.RunNext())
	assert.Equal(t, 1, calls, "eval end waits for the second pass")

	poster.RunPending()
	assert.Equal(t, 102, calls)
}

func TestEngine_PersistentFactsWrittenAfterPass(t *testing.T) {
	rb := netRuleBase(t)
	store := persist.NewMemoryStore()
	e, poster := newTestEngine(t, rb, WithPersistence(persist.NewSync(store, "net.", rb)))
	e.ResumeEvaluation()

	e.Add(rb.MustFact("online"))
	assert.Equal(t, 0, store.SetCount(), "volatile fact change writes nothing")

	poster.RunPending()
	assert.Equal(t, map[string]bool{"net.synced": true}, store.Snapshot())
	assert.Equal(t, 1, store.SetCount(), "only the changed persistent fact is written")

	e.Remove(rb.MustFact("synced"))
	assert.Equal(t, map[string]bool{"net.synced": false}, store.Snapshot(), "external change writes through")
}

func TestEngine_RestorePersisted(t *testing.T) {
	rb := netRuleBase(t)
	store := persist.NewMemoryStore()
	require.NoError(t, store.Set(context.Background(), "net.synced", true))
	e, poster := newTestEngine(t, rb, WithPersistence(persist.NewSync(store, "net.", rb)))
	e.ResumeEvaluation()

	require.NoError(t, e.RestorePersisted(context.Background()))
	assert.True(t, e.Get(rb.MustFact("synced")))
	assert.Equal(t, 1, poster.Posts)

	// Restoring the same values again changes nothing.
	poster.RunPending()
	posts := poster.Posts
	require.NoError(t, e.RestorePersisted(context.Background()))
	assert.Equal(t, posts, poster.Posts)
}

func TestEngine_SavePersisted(t *testing.T) {
	rb := netRuleBase(t)
	store := persist.NewMemoryStore()
	e, _ := newTestEngine(t, rb, WithPersistence(persist.NewSync(store, "net.", rb)))

	require.NoError(t, e.SavePersisted(context.Background()))
	assert.Equal(t, map[string]bool{"net.synced": false}, store.Snapshot())
}

func TestEngine_WithoutPersistence(t *testing.T) {
	e, _ := newTestEngine(t, netRuleBase(t))
	assert.NoError(t, e.RestorePersisted(context.Background()))
	assert.NoError(t, e.SavePersisted(context.Background()))
}

func TestEngine_InstanceStateRoundTrip(t *testing.T) {
	rb := netRuleBase(t)
	e, _ := newTestEngine(t, rb)
	e.Add(rb.MustFact("online"), rb.MustFact("notified"))
	e.state.Cursor = 1
	e.state.Matched = 0b10

	b := persist.NewBundle()
	e.SaveInstanceState(b)

	v, ok := b.Int(KeyFactState)
	require.True(t, ok)
	assert.Equal(t, int64(0b101), v)
	h, ok := b.String(KeyRuleBase)
	require.True(t, ok)
	assert.Equal(t, rb.Hash(), h)

	restored, _ := newTestEngine(t, rb)
	require.NoError(t, restored.RestoreInstanceState(b))
	assert.Equal(t, e.State(), restored.State())
	assert.Equal(t, scheduler.Idle, restored.SchedulerState(), "restore does not schedule")
}

func TestEngine_RestoreInstanceStateMasksUnknownBits(t *testing.T) {
	rb := netRuleBase(t)
	e, _ := newTestEngine(t, rb)

	b := persist.NewBundle()
	b.PutInt(KeyFactState, -1)
	require.NoError(t, e.RestoreInstanceState(b))
	assert.Equal(t, rules.FactState(0b111), e.Facts())
}

func TestEngine_RestoreInstanceStateRejectsOtherRuleBase(t *testing.T) {
	rb := netRuleBase(t)
	e, _ := newTestEngine(t, rb)
	e.Add(rb.MustFact("online"))

	b := persist.NewBundle()
	b.PutInt(KeyFactState, 0b110)
	b.PutString(KeyRuleBase, "not-this-one")

	err := e.RestoreInstanceState(b)
	require.Error(t, err)
	assert.True(t, IsStateMismatch(err))
	assert.Equal(t, rules.FactState(0b001), e.Facts(), "state untouched")

	assert.NoError(t, e.RestoreInstanceState(nil))
	assert.NoError(t, e.RestoreInstanceState(persist.NewBundle()))
	assert.Equal(t, rules.FactState(0b001), e.Facts())
}

func TestEngine_ClearState(t *testing.T) {
	rb := netRuleBase(t)
	e, poster := newTestEngine(t, rb)
	e.ResumeEvaluation()
	e.Add(rb.MustFact("online"))
	poster.RunPending()
	posts := poster.Posts

	e.ClearState()
	assert.Equal(t, State{}, e.State())
	assert.Equal(t, posts, poster.Posts, "clearing does not schedule")
}

func TestEngine_EvaluateSynchronously(t *testing.T) {
	rb := netRuleBase(t)
	e, poster := newTestEngine(t, rb)
	e.ResumeEvaluation()
	e.Add(rb.MustFact("online"))
	require.Equal(t, 1, poster.Pending())

	res, err := e.Evaluate()
	require.NoError(t, err)
	assert.True(t, res.Fired)
	assert.Equal(t, 0, poster.Pending(), "pending pass withdrawn")

	last, lastErr := e.LastResult()
	assert.Equal(t, res, last)
	assert.NoError(t, lastErr)
}

func TestEngine_NonTerminatingPassIsRecoverable(t *testing.T) {
	rb := toggleRuleBase(t)
	rec := &recorder{}
	e, poster := newTestEngine(t, rb, WithObserver(rec), WithCycleDetection(false), WithMaxSteps(9))
	e.ResumeEvaluation()
	e.ScheduleEvaluation()
	poster.RunPending()

	_, err := e.LastResult()
	require.Error(t, err)
	assert.True(t, IsNonTerminating(err))
	require.Len(t, rec.reports, 1)
	assert.True(t, IsNonTerminating(rec.reports[0].Err))
	assert.Len(t, rec.firings, 9)
	assert.Equal(t, 1, e.Cursor(), "cursor kept at the rule that would fire next")

	// The engine keeps serving stimuli.
	e.Set(rb.MustFact("lit"), false)
	assert.Equal(t, scheduler.ScheduledActive, e.SchedulerState())
}

func TestEngine_CycleDetectedByDefault(t *testing.T) {
	rb := toggleRuleBase(t)
	e, _ := newTestEngine(t, rb)
	_, err := e.Evaluate()

	var nt *NonTerminatingError
	require.ErrorAs(t, err, &nt)
	assert.True(t, nt.Cycle)
	assert.Equal(t, DefaultMaxSteps, nt.Limit)
}

func TestEngine_DefaultIDIsUUID(t *testing.T) {
	e := New(netRuleBase(t), testutil.NewFakePoster())
	assert.Len(t, e.ID(), 36)
}

func TestRuntimeError(t *testing.T) {
	err := newPersistenceError("save", assert.AnError)
	assert.True(t, IsPersistenceError(err))
	assert.ErrorIs(t, err, assert.AnError)
	assert.Contains(t, err.Error(), "PERSISTENCE: save failed")
	assert.False(t, IsNonTerminating(err))

	re := &RuntimeError{Code: ErrCodeNonTerminating, Message: "loop", Rule: "on"}
	assert.True(t, IsNonTerminating(re))
	assert.Equal(t, "NON_TERMINATING: loop (rule=on)", re.Error())
	assert.False(t, IsStateMismatch(re))
}

func TestClock(t *testing.T) {
	c := NewClockAt(41)
	assert.Equal(t, int64(41), c.Current())
	assert.Equal(t, int64(42), c.Next())
	assert.Equal(t, int64(1), NewClock().Next())
}

func TestFixedGenerator(t *testing.T) {
	g := NewFixedGenerator("a", "b")
	assert.Equal(t, "a", g.Generate())
	assert.Equal(t, "b", g.Generate())
	assert.Panics(t, func() { g.Generate() })

	assert.NotEqual(t, UUIDv7Generator{}.Generate(), UUIDv7Generator{}.Generate())
}
