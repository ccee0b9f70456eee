// ============================================================================
// hostbridge Snapshot - active task dump
// ============================================================================
//
// Package: internal/snapshot
// File: snapshot_manager.go
// Purpose: Periodically writes the bridge's active tasks to a JSON file so
//          an operator can see what the host thread is stuck on, and lets
//          `hostbridge status` read it back.
//
// Writes are atomic: JSON goes to <path>.tmp and is renamed over <path>.
// The dump is diagnostic only; nothing is restored from it on startup.
//
// ============================================================================

package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/hostbridge/pkg/types"
)

// SchemaVersion is the current dump format
const SchemaVersion = 1

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
	ErrSnapshotNotFound    = errors.New("snapshot file not found")
)

// Source produces the data to dump
type Source interface {
	Snapshot() types.SnapshotData
}

// Manager reads and writes the dump file
type Manager struct {
	path string
	mu   sync.Mutex
}

// NewManager creates a manager for path.
func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Write atomically replaces the dump with data.
func (m *Manager) Write(data types.SnapshotData) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data.SchemaVer = SchemaVersion
	if data.Tasks == nil {
		data.Tasks = []types.TaskInfo{}
	}

	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if dir := filepath.Dir(m.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create snapshot directory: %w", err)
		}
	}

	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0o644); err != nil {
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}

// Load reads the dump. A missing file returns ErrSnapshotNotFound.
func (m *Manager) Load() (types.SnapshotData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var data types.SnapshotData
	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return data, fmt.Errorf("%w: %s", ErrSnapshotNotFound, m.path)
		}
		return data, fmt.Errorf("failed to read snapshot: %w", err)
	}

	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return data, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if data.SchemaVer != SchemaVersion {
		return data, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, SchemaVersion)
	}
	return data, nil
}

// Exists reports whether a dump file is present.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// Path returns the dump location.
func (m *Manager) Path() string {
	return m.path
}

// Run writes src's snapshot every interval until ctx is done, then writes
// a final one.
func (m *Manager) Run(ctx context.Context, src Source, interval time.Duration, log zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	write := func() {
		data := src.Snapshot()
		if err := m.Write(data); err != nil {
			log.Error().Err(err).Str("path", m.path).Msg("failed to write snapshot")
			return
		}
		log.Debug().Int("tasks", len(data.Tasks)).Str("path", m.path).Msg("snapshot written")
	}

	for {
		select {
		case <-ctx.Done():
			write()
			return
		case <-ticker.C:
			write()
		}
	}
}
