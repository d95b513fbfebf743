package snapshot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meeseeks-io/meeseeks/pkg/types"
)

func TestWriteLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	m := NewManager(path)

	jobs := map[string]*types.Job{
		"job-1": {Pool: "p1", State: types.StateDone, Seq: 3, TS: 10},
		"job-2": {Pool: "p1", State: types.StateNew, Seq: 5, TS: 11, Args: []string{"x"}},
	}
	require.NoError(t, m.Write(jobs))
	assert.True(t, m.Exists())

	loaded, err := m.Load()
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, types.StateDone, loaded["job-1"].State)
	assert.Equal(t, uint64(5), loaded["job-2"].Seq)
	assert.Equal(t, []string{"x"}, loaded["job-2"].Args)
}

func TestLoadMissing(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "absent.json"))
	_, err := m.Load()
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
	assert.False(t, m.Exists())
}

func TestLoadCorrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))
	_, err := NewManager(path).Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

func TestWriteReplacesAtomically(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	m := NewManager(path)
	require.NoError(t, m.Write(map[string]*types.Job{"a": {Pool: "p"}}))
	require.NoError(t, m.Write(map[string]*types.Job{"b": {Pool: "p"}}))

	loaded, err := m.Load()
	require.NoError(t, err)
	assert.NotContains(t, loaded, "a")
	assert.Contains(t, loaded, "b")
	// no stray temp file
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}
