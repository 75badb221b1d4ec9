// Package store provides crash-safe JSON persistence for the orchestrator's
// state files. Writes go through a temp-file-then-rename sequence so a crash
// mid-write never leaves a truncated file behind, and every path is guarded
// by its own mutex so concurrent components can share one Store.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/normanking/genesis/internal/logging"
)

// Store serializes access to JSON files under a base directory.
type Store struct {
	baseDir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	log *logging.Logger
}

// New creates a Store rooted at baseDir. The directory is created if missing.
func New(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &Store{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
		log:     logging.Global().WithComponent("Store"),
	}, nil
}

// BaseDir returns the directory the store is rooted at.
func (s *Store) BaseDir() string {
	return s.baseDir
}

// Path resolves a relative file name against the store's base directory.
func (s *Store) Path(name string) string {
	return filepath.Join(s.baseDir, name)
}

// lockFor returns the mutex guarding a resolved path, creating it on first use.
func (s *Store) lockFor(path string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[path]
	if !ok {
		l = &sync.Mutex{}
		s.locks[path] = l
	}
	return l
}

// Load reads the JSON file at name into v. A missing file is not an error:
// v is left untouched (the caller's default) and false is returned. A file
// that exists but cannot be parsed is treated the same way, with a warning,
// so one corrupt state file never takes the assistant down.
func (s *Store) Load(name string, v interface{}) (bool, error) {
	path := s.Path(name)
	l := s.lockFor(path)
	l.Lock()
	defer l.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read %s: %w", name, err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		s.log.Warn("corrupt state file %s, using defaults: %v", name, err)
		return false, nil
	}
	return true, nil
}

// Save writes v as indented JSON to name atomically. The data is written to
// a temp file in the same directory, fsynced, then renamed over the target.
func (s *Store) Save(name string, v interface{}) error {
	path := s.Path(name)
	l := s.lockFor(path)
	l.Lock()
	defer l.Unlock()

	return writeJSONAtomic(path, v)
}

// Update loads name into v, applies fn, and saves the result back under a
// single hold of the file's lock. fn returning an error aborts the save.
func (s *Store) Update(name string, v interface{}, fn func() error) error {
	path := s.Path(name)
	l := s.lockFor(path)
	l.Lock()
	defer l.Unlock()

	data, err := os.ReadFile(path)
	if err == nil {
		if uerr := json.Unmarshal(data, v); uerr != nil {
			s.log.Warn("corrupt state file %s, using defaults: %v", name, uerr)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to read %s: %w", name, err)
	}

	if err := fn(); err != nil {
		return err
	}
	return writeJSONAtomic(path, v)
}

// AppendLine appends a single JSON line to name (JSONL logs). Append is not
// atomic like Save, but a partial trailing line is tolerated by readers.
func (s *Store) AppendLine(name string, v interface{}) error {
	path := s.Path(name)
	l := s.lockFor(path)
	l.Lock()
	defer l.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", name, err)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal entry for %s: %w", name, err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", name, err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append to %s: %w", name, err)
	}
	return nil
}

// Remove deletes the file at name. Missing files are not an error.
func (s *Store) Remove(name string) error {
	path := s.Path(name)
	l := s.lockFor(path)
	l.Lock()
	defer l.Unlock()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", name, err)
	}
	return nil
}

// Exists reports whether name is present on disk.
func (s *Store) Exists(name string) bool {
	_, err := os.Stat(s.Path(name))
	return err == nil
}

// writeJSONAtomic marshals v and replaces path via temp-file rename.
func writeJSONAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace %s: %w", filepath.Base(path), err)
	}
	return nil
}
