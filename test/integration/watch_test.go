package integration

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meeseeks-io/meeseeks/internal/client"
	"github.com/meeseeks-io/meeseeks/internal/watch"
)

// The watcher submits one job per matching file and records the result in a
// marker file next to the data.
func TestWatchProcessesFiles(t *testing.T) {
	b := newBox(t, "a", map[string]any{
		"pools": map[string]any{"p": map[string]any{"slots": 1}},
	})
	c := client.New(client.Config{
		Address: "127.0.0.1", Port: boxPort(b), Timeout: 5, Refresh: 1,
	})
	t.Cleanup(c.Close)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "in.txt"), []byte("payload\n"), 0644))

	w := watch.New(c, watch.Config{
		Name:    "w",
		Path:    dir,
		Globs:   []string{"*.txt"},
		Refresh: 1,
		Rescan:  2,
		Jobs: []map[string]any{
			{"pool": "p", "args": []any{"/bin/echo", "%(filename)s"}},
		},
	})
	w.Start()
	t.Cleanup(w.Stop)

	marker := filepath.Join(dir, "._w_0_in.txt.done")
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(marker); err == nil {
			break
		}
		time.Sleep(200 * time.Millisecond)
	}
	data, err := os.ReadFile(marker)
	require.NoError(t, err, "done marker not written")
	assert.Contains(t, string(data), `"done"`)

	// the marker keeps the file from being processed again
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	markers := 0
	for _, e := range entries {
		if len(e.Name()) > 0 && e.Name()[0] == '.' {
			markers++
		}
	}
	assert.Equal(t, 1, markers)
}
