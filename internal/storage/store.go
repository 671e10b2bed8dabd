// Package storage provides the crash-safe JSON document primitive the
// config, message, and user stores are built on. Writes go to a
// temporary file in the same directory, are fsynced, and are renamed
// over the target, so a reader never observes a partial document.
// Writers are serialized by an advisory lock on a sibling .lock file.
package storage

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// Store manages one JSON document on disk.
type Store struct {
	path string
	lock *flock.Flock
}

// New returns a Store for the document at path. The advisory lock file
// lives next to it at path + ".lock".
func New(path string) *Store {
	return &Store{
		path: path,
		lock: flock.New(path + ".lock"),
	}
}

// Path returns the document path.
func (s *Store) Path() string {
	return s.path
}

// Load reads the document into v. A missing or corrupt file leaves v at
// its zero value and returns nil: the document self-heals on the next
// save. Plain reads take no lock; the atomic rename on the write side
// guarantees a complete document.
func (s *Store) Load(v any) error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", s.path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		slog.Warn("document is not valid JSON, treating as empty", "path", s.path, "error", err)
	}
	return nil
}

// LoadRaw reads the document as a generic map. Missing or corrupt files
// yield an empty map.
func (s *Store) LoadRaw() map[string]any {
	doc := map[string]any{}
	_ = s.Load(&doc)
	if doc == nil {
		doc = map[string]any{}
	}
	return doc
}

// Save atomically replaces the document with the serialization of v.
// An I/O failure aborts before the rename and leaves the previous file
// intact.
func (s *Store) Save(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", s.path, err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()
	defer func() {
		// No-op after a successful rename.
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", tmpPath, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("rename %s: %w", s.path, err)
	}
	return nil
}

// Update runs one read-modify-write cycle under the advisory file lock.
// fn receives the current document and returns the replacement; a nil
// replacement or an error leaves the file untouched.
func (s *Store) Update(fn func(doc map[string]any) (map[string]any, error)) error {
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("lock %s: %w", s.lock.Path(), err)
	}
	defer func() {
		if err := s.lock.Unlock(); err != nil {
			slog.Warn("failed to release file lock", "path", s.lock.Path(), "error", err)
		}
	}()

	doc, err := fn(s.LoadRaw())
	if err != nil {
		return err
	}
	if doc == nil {
		return nil
	}
	return s.Save(doc)
}

// WithLock holds the advisory file lock around fn for callers that
// read and write typed documents themselves. Hold time is bounded by
// one read-modify-write cycle, never by an external process.
func (s *Store) WithLock(fn func() error) error {
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("lock %s: %w", s.lock.Path(), err)
	}
	defer func() {
		if err := s.lock.Unlock(); err != nil {
			slog.Warn("failed to release file lock", "path", s.lock.Path(), "error", err)
		}
	}()
	return fn()
}

// Mtime reports when the document was last saved.
func (s *Store) Mtime() (time.Time, bool) {
	info, err := os.Stat(s.path)
	if err != nil {
		return time.Time{}, false
	}
	return info.ModTime(), true
}
