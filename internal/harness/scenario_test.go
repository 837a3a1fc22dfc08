package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeScenario writes a scenario whose rules point at testdata/rules/net
// and returns its path.
func writeScenario(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	rules, err := filepath.Abs(filepath.Join("testdata", "rules", "net"))
	require.NoError(t, err)
	path := filepath.Join(dir, "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rules: "+rules+"\n"+content), 0644))
	return path
}

func TestLoadScenario_Valid(t *testing.T) {
	s, err := LoadScenario(filepath.Join("testdata", "scenarios", "network_sync.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "network_sync", s.Name)
	assert.True(t, s.StartResumed)
	assert.Equal(t, filepath.Join("testdata", "rules", "net"), s.Rules, "rules resolve relative to the scenario file")
	require.Len(t, s.Steps, 5)
	assert.Equal(t, ActionSet, s.Steps[0].Action())
	assert.Equal(t, ActionClear, s.Steps[2].Action())
	assert.Equal(t, ActionRestart, s.Steps[3].Action())
	require.NotNil(t, s.Steps[0].Expect.Fired)
	assert.Empty(t, *s.Steps[0].Expect.Fired)
	assert.Equal(t, map[string]bool{"synced": false}, s.Steps[2].Expect.Facts)
	require.Len(t, s.Assertions, 4)
	assert.Equal(t, AssertFiredCount, s.Assertions[0].Type)
	assert.Equal(t, 1, s.Assertions[0].Count)
}

func TestLoadScenario_Persisted(t *testing.T) {
	s, err := LoadScenario(filepath.Join("testdata", "scenarios", "persisted_restore.yaml"))
	require.NoError(t, err)
	assert.False(t, s.StartResumed)
	assert.Equal(t, map[string]bool{"synced": true}, s.Persisted)
	require.NotNil(t, s.Steps[0].Expect.Posts)
	assert.Equal(t, 0, *s.Steps[0].Expect.Posts)
}

func TestLoadScenario_FileNotFound(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenario_UnknownField(t *testing.T) {
	path := writeScenario(t, `
name: typo
description: "misspelled field"
stpes:
  - set: [online]
`)
	_, err := LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestLoadScenario_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "missing name",
			content: "description: d\nsteps: [{set: [online]}]\n",
			wantErr: "name is required",
		},
		{
			name:    "missing description",
			content: "name: n\nsteps: [{set: [online]}]\n",
			wantErr: "description is required",
		},
		{
			name:    "no steps",
			content: "name: n\ndescription: d\n",
			wantErr: "steps list is required",
		},
		{
			name:    "empty step",
			content: "name: n\ndescription: d\nsteps: [{}]\n",
			wantErr: "steps[0]: one action is required",
		},
		{
			name:    "two actions",
			content: "name: n\ndescription: d\nsteps: [{set: [online], pause: true}]\n",
			wantErr: "steps[0]: only one action per step",
		},
		{
			name:    "hold with run",
			content: "name: n\ndescription: d\nsteps: [{run: true, hold: true}]\n",
			wantErr: "hold cannot be combined with run",
		},
		{
			name:    "negative posts",
			content: "name: n\ndescription: d\nsteps: [{run: true, expect: {posts: -1}}]\n",
			wantErr: "posts must be non-negative",
		},
		{
			name:    "negative max steps",
			content: "name: n\ndescription: d\nmax_steps: -1\nsteps: [{run: true}]\n",
			wantErr: "max_steps must be non-negative",
		},
		{
			name:    "unknown assertion",
			content: "name: n\ndescription: d\nsteps: [{run: true}]\nassertions: [{type: trace_contains}]\n",
			wantErr: `unknown assertion type "trace_contains"`,
		},
		{
			name:    "fired_order without rules",
			content: "name: n\ndescription: d\nsteps: [{run: true}]\nassertions: [{type: fired_order}]\n",
			wantErr: "rules list is required for fired_order",
		},
		{
			name:    "fired_count without rule",
			content: "name: n\ndescription: d\nsteps: [{run: true}]\nassertions: [{type: fired_count, count: 1}]\n",
			wantErr: "rule is required for fired_count",
		},
		{
			name:    "final_facts without facts",
			content: "name: n\ndescription: d\nsteps: [{run: true}]\nassertions: [{type: final_facts}]\n",
			wantErr: "facts is required for final_facts",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadScenario(writeScenario(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadScenario_MissingRulesDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: n\ndescription: d\nrules: nowhere\nsteps: [{run: true}]\n"), 0644))

	_, err := LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rules directory not found")
}

func TestFindScenarios(t *testing.T) {
	dir := filepath.Join("testdata", "scenarios")

	found, err := FindScenarios([]string{dir})
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "network_sync.yaml"),
		filepath.Join(dir, "persisted_restore.yaml"),
		filepath.Join(dir, "toggle_cycle.yaml"),
	}, found)

	single := filepath.Join(dir, "toggle_cycle.yaml")
	found, err = FindScenarios([]string{single})
	require.NoError(t, err)
	assert.Equal(t, []string{single}, found)
}

func TestFindScenarios_NotFound(t *testing.T) {
	_, err := FindScenarios([]string{"testdata/nope"})
	var notFound *ScenarioNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "testdata/nope", notFound.Path)
}
