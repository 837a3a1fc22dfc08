package compiler

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rulez/internal/rules"
)

const syncDefs = `
package test

fact: network: {persistence: "disk"}
fact: authed: {}
fact: syncing: {description: "a sync is in flight"}

rule: "start-sync": {
	when:   ["network", "authed"]
	unless: ["syncing"]
	then: {assert: ["syncing"]}
}

rule: "stop-sync": {
	when: ["syncing"]
	unless: ["network"]
	then: {retract: ["syncing"]}
	execution: "reset"
}
`

func compileString(t *testing.T, src string) cue.Value {
	t.Helper()
	v := cuecontext.New().CompileString(src, cue.Filename("test.cue"))
	require.NoError(t, v.Err())
	return v
}

func TestCompileRuleBase(t *testing.T) {
	rb, err := CompileRuleBase(compileString(t, syncDefs))
	require.NoError(t, err)

	require.Equal(t, 3, rb.FactCount())
	network := rb.MustFact("network")
	authed := rb.MustFact("authed")
	syncing := rb.MustFact("syncing")
	assert.Equal(t, rules.FactID(0), network.ID, "facts get ids in declaration order")
	assert.Equal(t, rules.FactID(2), syncing.ID)
	assert.True(t, network.Persistent())
	assert.False(t, authed.Persistent())

	require.Equal(t, 2, rb.RuleCount())
	start := rb.Rule(0)
	assert.Equal(t, "start-sync", start.Name)
	assert.Equal(t, rules.ExecAlways, start.Execution)
	assert.Equal(t, rules.MaskOf(network, authed), start.RequiredTrue)
	assert.Equal(t, rules.MaskOf(syncing), start.RequiredFalse)
	assert.Equal(t, []rules.Postcondition{rules.Assert(syncing)}, start.Post)

	stop := rb.Rule(1)
	assert.Equal(t, "stop-sync", stop.Name)
	assert.Equal(t, rules.ExecReset, stop.Execution)
	assert.Equal(t, []rules.Postcondition{rules.Retract(syncing)}, stop.Post)
}

func TestCompileRuleBase_HashIsStable(t *testing.T) {
	a, err := CompileRuleBase(compileString(t, syncDefs))
	require.NoError(t, err)
	b, err := CompileRuleBase(compileString(t, syncDefs))
	require.NoError(t, err)
	assert.Equal(t, a.Hash(), b.Hash())
}

func TestCompileRuleBase_Order(t *testing.T) {
	src := syncDefs + `
order: ["stop-sync", "start-sync"]
`
	rb, err := CompileRuleBase(compileString(t, src))
	require.NoError(t, err)
	assert.Equal(t, "stop-sync", rb.Rule(0).Name)
	assert.Equal(t, "start-sync", rb.Rule(1).Name)
}

func TestDecode_SchemaErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{
			name: "unknown fact field",
			src: `
fact: a: {persist: "disk"}
rule: r: {when: ["a"], then: {retract: ["a"]}}
`,
		},
		{
			name: "bad persistence",
			src: `
fact: a: {persistence: "cloud"}
rule: r: {when: ["a"], then: {retract: ["a"]}}
`,
		},
		{
			name: "bad execution",
			src: `
fact: a: {}
rule: r: {when: ["a"], then: {retract: ["a"]}, execution: "twice"}
`,
		},
		{
			name: "when is not a list",
			src: `
fact: a: {}
rule: r: {when: "a", then: {retract: ["a"]}}
`,
		},
		{
			name: "non-concrete",
			src: `
fact: a: {}
rule: r: {when: [string], then: {retract: ["a"]}}
`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(compileString(t, tt.src))
			require.Error(t, err)
			var ce *CompileError
			require.True(t, errors.As(err, &ce), "got %T: %v", err, err)
			assert.True(t, ce.Pos.IsValid(), "schema errors carry a position")
		})
	}
}

func TestDecode_MissingThen(t *testing.T) {
	_, err := Decode(compileString(t, `
fact: a: {}
rule: r: {when: ["a"]}
`))
	var ce *CompileError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, "then", ce.Field)
}

func TestDecode_Defaults(t *testing.T) {
	defs, err := Decode(compileString(t, `
fact: a: {}
rule: r: {then: {assert: ["a"]}}
`))
	require.NoError(t, err)
	require.Len(t, defs.Facts, 1)
	assert.Equal(t, "none", defs.Facts[0].Persistence)
	require.Len(t, defs.Rules, 1)
	assert.Equal(t, "always", defs.Rules[0].Execution)
	assert.Empty(t, defs.Rules[0].When)
	assert.Empty(t, defs.Order)
}

func TestCompileRuleBase_ValidationErrors(t *testing.T) {
	_, err := CompileRuleBase(compileString(t, `
fact: a: {}
fact: b: {}
rule: r: {
	when:   ["a", "ghost"]
	unless: ["a"]
	then: {assert: ["b"], retract: ["b"]}
}
`))
	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs), "got %T: %v", err, err)
	assert.ElementsMatch(t,
		[]string{ErrUnknownFact, ErrOverlappingCondition, ErrConflictingPost},
		verrs.Codes())
	for _, e := range verrs {
		assert.Positive(t, e.Line, "%s has a line", e.Code)
	}
}

func TestCompileError_Format(t *testing.T) {
	e := &CompileError{Field: "then", Message: "then is required"}
	assert.Equal(t, "then: then is required", e.Error())
}

func writeCUE(t *testing.T, dir, name, src string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(src), 0o644))
}

func TestCompileDir(t *testing.T) {
	dir := t.TempDir()
	writeCUE(t, dir, "facts.cue", `
package net

fact: network: {persistence: "disk"}
fact: authed: {}
fact: syncing: {}
`)
	writeCUE(t, dir, "rules.cue", `
package net

rule: "start-sync": {
	when:   ["network", "authed"]
	unless: ["syncing"]
	then: {assert: ["syncing"]}
}
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	c, err := CompileDir(dir)
	require.NoError(t, err)
	assert.Len(t, c.Files, 2)
	assert.Equal(t, 3, c.RuleBase.FactCount())
	assert.Equal(t, 1, c.RuleBase.RuleCount())
	assert.Empty(t, c.Warnings)
}

func TestLoadDir_Errors(t *testing.T) {
	notDir := filepath.Join(t.TempDir(), "file.cue")
	require.NoError(t, os.WriteFile(notDir, []byte("package x"), 0o644))

	conflict := t.TempDir()
	writeCUE(t, conflict, "a.cue", "package x\nfact: a: {persistence: \"disk\"}\n")
	writeCUE(t, conflict, "b.cue", "package x\nfact: a: {persistence: \"none\"}\n")

	tests := []struct {
		name string
		dir  string
		code string
	}{
		{"missing", filepath.Join(t.TempDir(), "nope"), ErrCodeNotFound},
		{"not a directory", notDir, ErrCodeNotFound},
		{"empty", t.TempDir(), ErrCodeNoFiles},
		{"conflicting values", conflict, ErrCodeBuildFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadDir(tt.dir)
			var le *LoadError
			require.True(t, errors.As(err, &le), "got %T: %v", err, err)
			assert.Equal(t, tt.code, le.Code)
		})
	}
}
