// ABOUTME: Tests for read cursor persistence and reload
// ABOUTME: Covers missing file, advance, durability across Load, and corrupt input

package readtrack

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileIsEmpty(t *testing.T) {
	tr, err := Load(filepath.Join(t.TempDir(), "cursors.json"), nil)
	require.NoError(t, err)
	assert.Empty(t, tr.Get("a1", "room-1").LastSeenID)
}

func TestAdvance_AndGet(t *testing.T) {
	tr, err := Load(filepath.Join(t.TempDir(), "cursors.json"), nil)
	require.NoError(t, err)

	require.NoError(t, tr.Advance("a1", "room-1", "msg-103"))

	cur := tr.Get("a1", "room-1")
	assert.Equal(t, "msg-103", cur.LastSeenID)
	assert.NotZero(t, cur.UpdatedAt)

	// Other rooms are unaffected
	assert.Empty(t, tr.Get("a1", "room-2").LastSeenID)
}

func TestAdvance_SurvivesReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cursors.json")

	tr, err := Load(path, nil)
	require.NoError(t, err)
	require.NoError(t, tr.Advance("a1", "room-1", "msg-42"))
	require.NoError(t, tr.Advance("a2", "room-1", "msg-40"))

	reloaded, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "msg-42", reloaded.Get("a1", "room-1").LastSeenID)
	assert.Equal(t, "msg-40", reloaded.Get("a2", "room-1").LastSeenID)
}

func TestLoad_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cursors.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	_, err := Load(path, nil)
	assert.Error(t, err)
}
