// Job history log: newline-delimited JSON records, one {id: job} object per
// terminal transition, append-only. Writes buffer in memory and flush once
// per state tick.

package state

import (
	"bufio"
	"encoding/json"
	"os"

	"github.com/meeseeks-io/meeseeks/pkg/types"
)

type historyLog struct {
	f *os.File
	w *bufio.Writer
}

func openHistory(path string) (*historyLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	return &historyLog{f: f, w: bufio.NewWriter(f)}, nil
}

// Append buffers one history record.
func (h *historyLog) Append(id string, job *types.Job) error {
	rec, err := json.Marshal(map[string]*types.Job{id: job})
	if err != nil {
		return err
	}
	if _, err := h.w.Write(rec); err != nil {
		return err
	}
	return h.w.WriteByte('\n')
}

// Flush pushes buffered records to disk.
func (h *historyLog) Flush() {
	h.w.Flush()
}

// Close flushes and closes the log file.
func (h *historyLog) Close() {
	h.w.Flush()
	h.f.Close()
}
