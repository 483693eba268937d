// Package state persists the client's local state between runs: the visitor
// identity and the thread that was active on exit.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

type fileData struct {
	VisitorID    string `json:"visitor_id"`
	ActiveThread string `json:"active_thread,omitempty"`
}

type Store struct {
	mu   sync.Mutex
	path string
	data fileData
}

// Open reads the state file at path. A missing file is not an error; a new
// visitor identity is generated and written on first use.
func Open(path string) (*Store, error) {
	s := &Store{path: path}

	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read state file: %w", err)
	default:
		if err := json.Unmarshal(raw, &s.data); err != nil {
			return nil, fmt.Errorf("failed to parse state file %s: %w", path, err)
		}
	}

	if s.data.VisitorID == "" {
		s.data.VisitorID = uuid.NewString()
		if err := s.save(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) VisitorID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.VisitorID
}

func (s *Store) ActiveThread() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.ActiveThread
}

func (s *Store) SetActiveThread(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data.ActiveThread == id {
		return nil
	}
	s.data.ActiveThread = id
	return s.save()
}

// save must be called with s.mu held.
func (s *Store) save() error {
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.path, raw, 0o600)
}

// writeFileAtomic writes to a temp file in the target directory, syncs it and
// renames it over path, so readers see either the old or the new content.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	f, err := os.CreateTemp(dir, ".state-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmp := f.Name()
	ok := false
	defer func() {
		if !ok {
			f.Close()
			os.Remove(tmp)
		}
	}()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync state: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmp, perm); err != nil {
		return fmt.Errorf("failed to set state permissions: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	ok = true
	return nil
}
