package cli

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFactsListsPersisted(t *testing.T) {
	db := filepath.Join(t.TempDir(), "rulez.db")
	_, err := execute(t, "eval", netRules, "--db", db, "--set", "online,authed")
	require.NoError(t, err)

	out, err := execute(t, "facts", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "synced  true")
	assert.NotContains(t, out, "online", "transient facts are not stored")

	out, err = execute(t, "--format", "json", "facts", "--db", db)
	require.NoError(t, err)
	var result FactsResult
	resp := decodeResponse(t, out, &result)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, []StoredFact{{Key: "synced", Value: true}}, result.Facts)
}

func TestFactsEmptyDatabase(t *testing.T) {
	db := filepath.Join(t.TempDir(), "rulez.db")
	_, err := execute(t, "eval", netRules, "--db", db)
	require.NoError(t, err)

	out, err := execute(t, "facts", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "No persisted facts.")
}

func TestFactsDatabaseNotFound(t *testing.T) {
	db := filepath.Join(t.TempDir(), "missing.db")

	_, err := execute(t, "facts", "--db", db)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "database not found")
	assert.NoFileExists(t, db, "read-only commands must not create a database")
}
