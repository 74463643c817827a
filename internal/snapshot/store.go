package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/dgnsrekt/tabrelay/internal/registry"
)

// Store persists the registry snapshot as a single JSON file.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore creates a Store and ensures the parent directory exists.
func NewStore(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("session store: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("session store: mkdir %s: %w", filepath.Dir(path), err)
	}
	return &Store{path: path}, nil
}

func (s *Store) Path() string { return s.path }

// Save replaces the stored snapshot. The file is written next to its final
// location and renamed so a crash never leaves a torn snapshot behind.
func (s *Store) Save(snap registry.Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("session store: marshal: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("session store: write: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		if rmErr := os.Remove(tmp); rmErr != nil {
			slog.Debug("session snapshot temp cleanup failed", "path", tmp, "error", rmErr)
		}
		return fmt.Errorf("session store: rename: %w", err)
	}
	return nil
}

// Load reads the stored snapshot. A missing file yields an empty snapshot.
func (s *Store) Load() (registry.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return registry.Snapshot{}, nil
		}
		return registry.Snapshot{}, fmt.Errorf("session store: read: %w", err)
	}

	var snap registry.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return registry.Snapshot{}, fmt.Errorf("session store: unmarshal: %w", err)
	}
	return snap, nil
}

// Clear removes the stored snapshot.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Debug("session snapshot already absent", "path", s.path)
			return nil
		}
		return fmt.Errorf("session store: remove: %w", err)
	}
	return nil
}
