// ============================================================================
// Meeseeks Snapshot Manager - State File Persistence
// ============================================================================
//
// Package: internal/snapshot
// Purpose: Atomic persistence of the job table for fast restart
//
// The state file is a plain JSON object mapping id → job. Writes go to a
// temp file which is renamed over the target, so a crash mid-write leaves
// either the old snapshot or the new one, never a torn file.
//
// ============================================================================

package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/meeseeks-io/meeseeks/pkg/types"
)

var (
	ErrCorruptedSnapshot = errors.New("state file is corrupted")
	ErrSnapshotNotFound  = errors.New("state file not found")
)

// Manager handles state file persistence.
type Manager struct {
	path string
	mu   sync.Mutex // Protects file operations
}

// NewManager creates a snapshot manager for the given path.
func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Write atomically writes the job table to disk.
func (m *Manager) Write(jobs map[string]*types.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	jsonBytes, err := json.Marshal(jobs)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0644); err != nil {
		return fmt.Errorf("failed to write temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename state file: %w", err)
	}
	return nil
}

// Load reads the job table from disk. Returns ErrSnapshotNotFound when no
// state file exists (normal on first startup).
func (m *Manager) Load() (map[string]*types.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	jobs := map[string]*types.Job{}
	if err := json.Unmarshal(jsonBytes, &jobs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	return jobs, nil
}

// Exists checks whether a state file is present.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// Path returns the state file path (for logging and tests).
func (m *Manager) Path() string {
	return m.path
}
