// ============================================================================
// Job store
// Responsibility: file-backed snapshot of the job record table as a
// single JSON document, written atomically (temp file + rename).
// ============================================================================

package jobs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/redunix/computed/pkg/types"
)

const storeSchemaVer = 1

// Store serializes snapshots of the record table to a single file.
// Concurrent writers are serialized by the manager's persister; the
// internal mutex additionally guards direct test use.
type Store struct {
	path string
	mu   sync.Mutex
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

// Write persists the snapshot atomically: marshal, write a temp file in
// the same directory, then rename over the target.
func (s *Store) Write(data types.SnapshotData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data.SchemaVer = storeSchemaVer

	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal job snapshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}

// Load parses the snapshot at startup. A missing, unreadable, or
// truncated file is treated as empty (first start) with a diagnostic;
// only unexpected I/O failures surface as errors.
func (s *Store) Load() (types.SnapshotData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	empty := types.SnapshotData{SchemaVer: storeSchemaVer}

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return empty, nil
		}
		return empty, fmt.Errorf("failed to read job snapshot: %w", err)
	}

	var data types.SnapshotData
	if err := json.Unmarshal(raw, &data); err != nil {
		log.Warn("job snapshot unreadable, starting empty",
			"path", s.path, "error", err)
		return empty, nil
	}
	if data.SchemaVer != storeSchemaVer {
		log.Warn("job snapshot schema mismatch, starting empty",
			"path", s.path, "got", data.SchemaVer, "want", storeSchemaVer)
		return empty, nil
	}
	return data, nil
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }
