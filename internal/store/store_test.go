package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rulez/internal/engine"
	"github.com/roach88/rulez/internal/persist"
	"github.com/roach88/rulez/internal/rules"
	"github.com/roach88/rulez/internal/testutil"
)

// createTestStore opens a fresh database in a temp dir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(path)
	assert.NoError(t, err, "database file was not created")
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		require.NoError(t, err, "Open() iteration %d", i)
		require.NoError(t, s.Close())
	}

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	for _, table := range []string{"facts", "saved_state", "firings"} {
		var name string
		err := s.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&name)
		assert.NoError(t, err, "table %q not found after idempotent opens", table)
	}

	version, err := s.schemaVersion()
	require.NoError(t, err)
	assert.Equal(t, currentSchemaVersion, version)
}

func TestOpen_InvalidPath(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing", "dir", "test.db"))
	assert.Error(t, err)
}

func TestClose_NilDB(t *testing.T) {
	s := &Store{}
	assert.NoError(t, s.Close())
}

func TestPragmas(t *testing.T) {
	s := createTestStore(t)
	assert.NoError(t, s.verifyPragmas())
}

func TestMigrate_FromOlderVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.db")
	s, err := Open(path)
	require.NoError(t, err)

	// Simulate a file written before the rule index existed.
	_, err = s.db.Exec("DROP INDEX idx_firings_rule_seq")
	require.NoError(t, err)
	_, err = s.db.Exec("PRAGMA user_version = 0")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	version, err := s.schemaVersion()
	require.NoError(t, err)
	assert.Equal(t, currentSchemaVersion, version)

	var name string
	assert.NoError(t, s.db.QueryRow(
		"SELECT name FROM sqlite_master WHERE type='index' AND name='idx_firings_rule_seq'",
	).Scan(&name))
}

func TestMigration_FiringsRuleIndex(t *testing.T) {
	s := createTestStore(t)

	var name string
	err := s.db.QueryRow(
		"SELECT name FROM sqlite_master WHERE type='index' AND name='idx_firings_rule_seq'",
	).Scan(&name)
	assert.NoError(t, err)
}

func TestFacts_GetSetContains(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	ok, err := s.Contains(ctx, "rulez.synced")
	require.NoError(t, err)
	assert.False(t, ok)

	v, err := s.Get(ctx, "rulez.synced")
	require.NoError(t, err)
	assert.False(t, v, "absent key reads false")

	require.NoError(t, s.Set(ctx, "rulez.synced", true))
	ok, err = s.Contains(ctx, "rulez.synced")
	require.NoError(t, err)
	assert.True(t, ok)
	v, err = s.Get(ctx, "rulez.synced")
	require.NoError(t, err)
	assert.True(t, v)

	require.NoError(t, s.Set(ctx, "rulez.synced", false))
	v, err = s.Get(ctx, "rulez.synced")
	require.NoError(t, err)
	assert.False(t, v)
	ok, err = s.Contains(ctx, "rulez.synced")
	require.NoError(t, err)
	assert.True(t, ok, "a stored false is still present")
}

func TestReadFacts_Ordered(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	empty, err := s.ReadFacts(ctx)
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	require.NoError(t, s.Set(ctx, "b", true))
	require.NoError(t, s.Set(ctx, "a", false))
	require.NoError(t, s.Set(ctx, "B", true))

	facts, err := s.ReadFacts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []FactRow{
		{Key: "B", Value: true},
		{Key: "a", Value: false},
		{Key: "b", Value: true},
	}, facts)
}

func TestBundles_RoundTripAndDelete(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	_, ok, err := s.LoadBundle(ctx, "rulez.engine")
	require.NoError(t, err)
	assert.False(t, ok)

	b := persist.NewBundle()
	b.PutInt(engine.KeyFactState, -1)
	b.PutInt(engine.KeyEvalState, 3)
	b.PutString(engine.KeyRuleBase, "abc")
	require.NoError(t, s.SaveBundle(ctx, "rulez.engine", b))

	got, ok, err := s.LoadBundle(ctx, "rulez.engine")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, b, got)

	b.PutInt(engine.KeyEvalState, 0)
	require.NoError(t, s.SaveBundle(ctx, "rulez.engine", b))
	got, _, err = s.LoadBundle(ctx, "rulez.engine")
	require.NoError(t, err)
	cursor, _ := got.Int(engine.KeyEvalState)
	assert.Equal(t, int64(0), cursor)

	require.NoError(t, s.DeleteBundle(ctx, "rulez.engine"))
	require.NoError(t, s.DeleteBundle(ctx, "rulez.engine"), "deleting twice is fine")
	_, ok, err = s.LoadBundle(ctx, "rulez.engine")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWriteFirings_IdempotentAndOrdered(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	high := rules.FactState(1 << 63)
	firings := []engine.Firing{
		{Seq: 2, Step: 2, RuleID: 1, RuleName: "b", Before: 1, After: high | 1},
		{Seq: 1, Step: 1, RuleID: 0, RuleName: "a", Before: 0, After: 1},
	}
	require.NoError(t, s.WriteFirings(ctx, "eng-1", firings))
	require.NoError(t, s.WriteFirings(ctx, "eng-1", firings), "replay is ignored")
	require.NoError(t, s.WriteFirings(ctx, "eng-1", nil))

	got, err := s.ReadFirings(ctx, TraceFilter{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].RuleName)
	assert.Equal(t, "b", got[1].RuleName)
	assert.Equal(t, high|1, got[1].After, "high bit survives the int64 column")

	last, err := s.LastSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), last)
}

func TestReadFirings_Filter(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	require.NoError(t, s.WriteFirings(ctx, "eng-1", []engine.Firing{
		{Seq: 1, RuleName: "a"},
		{Seq: 2, RuleName: "b"},
		{Seq: 3, RuleName: "a"},
	}))
	require.NoError(t, s.WriteFirings(ctx, "eng-2", []engine.Firing{
		{Seq: 4, RuleName: "a"},
	}))

	tests := []struct {
		name   string
		filter TraceFilter
		want   []int64
	}{
		{"all", TraceFilter{}, []int64{1, 2, 3, 4}},
		{"engine", TraceFilter{EngineID: "eng-2"}, []int64{4}},
		{"rule", TraceFilter{Rule: "a"}, []int64{1, 3, 4}},
		{"after seq", TraceFilter{AfterSeq: 2}, []int64{3, 4}},
		{"limit", TraceFilter{Limit: 2}, []int64{1, 2}},
		{"no match", TraceFilter{Rule: "zzz"}, []int64{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows, err := s.ReadFirings(ctx, tt.filter)
			require.NoError(t, err)
			seqs := []int64{}
			for _, r := range rows {
				seqs = append(seqs, r.Seq)
			}
			assert.Equal(t, tt.want, seqs)
		})
	}
}

func TestLastSeq_Empty(t *testing.T) {
	s := createTestStore(t)
	last, err := s.LastSeq(context.Background())
	require.NoError(t, err)
	assert.Zero(t, last)
}

// TestEngineIntegration wires the store as fact store, bundle store and
// firing log of a live engine.
func TestEngineIntegration(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	b := rules.NewBuilder()
	online := b.Fact("online", rules.PersistNone)
	synced := b.Fact("synced", rules.PersistDisk)
	b.Rule("sync").When(online).AndNot(synced).Then(rules.Assert(synced))
	rb, err := b.Build()
	require.NoError(t, err)

	poster := testutil.NewFakePoster()
	eng := engine.New(rb, poster,
		engine.WithIDGenerator(testutil.NewFixedIDGenerator("eng-1")),
		engine.WithClock(testutil.NewDeterministicClock()),
		engine.WithPersistence(persist.NewSync(s, "rulez.", rb)),
		engine.WithObserver(NewFiringLog(ctx, s, nil)),
	)
	eng.ResumeEvaluation()
	eng.Add(online)
	poster.RunPending()

	assert.True(t, eng.Get(synced))

	v, err := s.Get(ctx, "rulez.synced")
	require.NoError(t, err)
	assert.True(t, v)
	ok, err := s.Contains(ctx, "rulez.online")
	require.NoError(t, err)
	assert.False(t, ok, "non-persistent facts are never written")

	rows, err := s.ReadFirings(ctx, TraceFilter{EngineID: "eng-1"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "sync", rows[0].RuleName)
	assert.Equal(t, online.Mask()|synced.Mask(), rules.Mask(rows[0].After))

	bundle := persist.NewBundle()
	eng.SaveInstanceState(bundle)
	require.NoError(t, s.SaveBundle(ctx, "rulez.engine", bundle))

	restored := engine.New(rb, testutil.NewFakePoster())
	loaded, ok, err := s.LoadBundle(ctx, "rulez.engine")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, restored.RestoreInstanceState(loaded))
	assert.Equal(t, eng.Facts(), restored.Facts())
}
