package watch

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meeseeks-io/meeseeks/pkg/types"
)

func entryFor(t *testing.T, dir, name string) os.DirEntry {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		if e.Name() == name {
			return e
		}
	}
	t.Fatalf("no entry %s in %s", name, dir)
	return nil
}

func TestMarkerRoundTrip(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "data.csv"), []byte("x"), 0644))
	w := New(nil, Config{Name: "w", Path: dir})

	require.NoError(t, w.setFileStatus("0", "data.csv", &types.Job{State: types.StateDone}))
	entry := entryFor(t, dir, "data.csv")
	assert.True(t, w.checkFileStatus(0, entry, "done"))
	assert.False(t, w.checkFileStatus(0, entry, "failed"))
	assert.False(t, w.checkFileStatus(1, entry, "done")) // other index untouched

	// the marker holds the job record
	data, err := os.ReadFile(filepath.Join(dir, "._w_0_data.csv.done"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"done"`)
}

func TestMarkerUpdatedTracking(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.csv")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
	w := New(nil, Config{Name: "w", Path: dir, Updated: true})

	require.NoError(t, w.setFileStatus("0", "data.csv", &types.Job{State: types.StateDone}))
	assert.True(t, w.checkFileStatus(0, entryFor(t, dir, "data.csv"), "done"))

	// touching the file past the saved mtime makes it unprocessed again
	future := time.Now().Add(5 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))
	assert.False(t, w.checkFileStatus(0, entryFor(t, dir, "data.csv"), "done"))
}

func TestScanFiltersAndSorts(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.csv", "a.csv", ".hidden", "c.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644))
	}
	w := New(nil, Config{Name: "w", Path: dir, Globs: []string{"*.csv"}})
	w.scan()

	require.Len(t, w.files["*.csv"], 2)
	// newest-name-first by default
	assert.Equal(t, "b.csv", w.files["*.csv"][0].Name())
	for _, f := range w.cache {
		assert.NotEqual(t, ".hidden", f.Name())
	}
}

func TestExpandSpec(t *testing.T) {
	spec := map[string]any{
		"pool": "p1",
		"args": []any{"/bin/process", "%(file)s", "--tag", "%(index)s"},
		"env":  map[string]any{"X": 1},
	}
	out := expandSpec(spec, map[string]string{"file": "/data/in.csv", "index": "0"})
	assert.Equal(t, "p1", out["pool"])
	assert.Equal(t, []any{"/bin/process", "/data/in.csv", "--tag", "0"}, out["args"])
	// non-string values pass through untouched
	assert.Equal(t, map[string]any{"X": 1}, out["env"])
}

func TestBuildFileset(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"run1_part.a", "run1_part.b", "run2_part.a"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644))
	}
	w := New(nil, Config{
		Name: "w", Path: dir,
		Globs: []string{"*.a", "*.b"},
		Split: "_", Match: 1,
	})
	w.scan()

	// run1 has members under both globs
	set, complete := w.buildFileset(entryFor(t, dir, "run1_part.a"))
	assert.True(t, complete)
	assert.Len(t, set, 2)

	// run2 is missing its .b member
	set, complete = w.buildFileset(entryFor(t, dir, "run2_part.a"))
	assert.False(t, complete)
	assert.Len(t, set, 1)
}
