package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRules(t *testing.T, src string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rules.cue"), []byte(src), 0o644))
	return dir
}

func TestValidateValidRules(t *testing.T) {
	out, err := execute(t, "validate", netRules)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Rules valid (5 facts, 4 rules)")
}

func TestValidateValidRulesJSON(t *testing.T) {
	out, err := execute(t, "--format", "json", "validate", netRules)
	require.NoError(t, err)

	var result ValidationResult
	resp := decodeResponse(t, out, &result)
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, result.Valid)
	assert.Equal(t, 5, result.Facts)
	assert.Equal(t, 4, result.Rules)
	assert.NotEmpty(t, result.Hash)
}

func TestValidateReportsCycles(t *testing.T) {
	out, err := execute(t, "validate", toggleRules)
	require.NoError(t, err, "cycles are warnings")
	assert.Contains(t, out, "warning: rules can re-enable each other")
}

func TestValidateNonExistentDirectory(t *testing.T) {
	out, err := execute(t, "validate", "/nonexistent/directory/path")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "E005")
	assert.Contains(t, out, "not found")
}

func TestValidateEmptyDirectory(t *testing.T) {
	out, err := execute(t, "validate", t.TempDir())
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "E003")
	assert.Contains(t, out, "no CUE files found")
}

func TestValidateInvalidRules(t *testing.T) {
	tests := []struct {
		name string
		src  string
		code string
	}{
		{
			name: "unknown fact",
			src: `package bad

fact: a: {}
rule: r: {
	when: ["a"]
	then: {assert: ["b"]}
}
`,
			code: "E210",
		},
		{
			name: "overlapping condition",
			src: `package bad

fact: a: {}
fact: b: {}
rule: r: {
	when:   ["a"]
	unless: ["a"]
	then: {assert: ["b"]}
}
`,
			code: "E212",
		},
		{
			name: "no rules",
			src: `package bad

fact: a: {}
`,
			code: "E201",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := writeRules(t, tt.src)

			out, err := execute(t, "--format", "json", "validate", dir)
			require.Error(t, err)
			assert.Equal(t, ExitFailure, GetExitCode(err))

			var result ValidationResult
			resp := decodeResponse(t, out, &result)
			assert.Equal(t, "error", resp.Status)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
			assert.False(t, result.Valid)
			require.NotEmpty(t, result.Errors)
		})
	}
}

func TestValidateInvalidRulesText(t *testing.T) {
	dir := writeRules(t, `package bad

fact: a: {}
rule: r: {
	when: ["a"]
	then: {assert: ["missing"]}
}
`)

	out, err := execute(t, "validate", dir)
	require.Error(t, err)
	assert.Contains(t, out, "✗ Rules invalid")
	assert.Contains(t, out, "E210")
	assert.Contains(t, err.Error(), "rules invalid with")
}
