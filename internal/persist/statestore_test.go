package persist

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type doc struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func newTestStore(t *testing.T) *StateStore {
	t.Helper()
	s, err := NewStateStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestStateStore_SaveLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Save("sessions/abc", doc{Name: "one", Count: 3}))

	var got doc
	found, err := s.Load("sessions/abc", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, doc{Name: "one", Count: 3}, got)
}

func TestStateStore_LoadAbsent(t *testing.T) {
	s := newTestStore(t)

	var got doc
	found, err := s.Load("missing", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStateStore_CacheInvalidatedOnSave(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save("k", doc{Count: 1}))

	var got doc
	_, err := s.Load("k", &got)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Count)

	require.NoError(t, s.Save("k", doc{Count: 2}))
	_, err = s.Load("k", &got)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Count)
}

func TestStateStore_Update_MergesPartial(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save("k", map[string]any{"a": "x", "b": "y"}))

	require.NoError(t, s.Update("k", map[string]any{"b": "z", "c": "w"}))

	got := map[string]any{}
	_, err := s.Load("k", &got)
	require.NoError(t, err)
	assert.Equal(t, "x", got["a"])
	assert.Equal(t, "z", got["b"])
	assert.Equal(t, "w", got["c"])
}

func TestStateStore_DeleteIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save("k", doc{}))
	require.NoError(t, s.Delete("k"))
	require.NoError(t, s.Delete("k"))

	var got doc
	found, err := s.Load("k", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStateStore_ListPrefix(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save("checkpoints/s1/c1", doc{}))
	require.NoError(t, s.Save("checkpoints/s1/c2", doc{}))
	require.NoError(t, s.Save("checkpoints/s2/c1", doc{}))
	require.NoError(t, s.Save("sessions/s1", doc{}))

	keys, err := s.List("checkpoints/s1/")
	require.NoError(t, err)
	assert.Equal(t, []string{"checkpoints/s1/c1", "checkpoints/s1/c2"}, keys)
}

func TestStateStore_RejectsTraversalKeys(t *testing.T) {
	s := newTestStore(t)
	assert.Error(t, s.Save("../escape", doc{}))
	assert.Error(t, s.Save("/abs", doc{}))
}

func TestStateStore_AtomicReplaceLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStateStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.Save("k", doc{Count: 1}))
	require.NoError(t, s.Save("k", doc{Count: 2}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, filepath.Ext(e.Name()) == "" && e.Name()[0] == '.',
			"leftover temp file: %s", e.Name())
	}
}
