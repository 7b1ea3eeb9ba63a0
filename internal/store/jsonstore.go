// Package store provides a durable single-document JSON store under the
// agent's state directory. The queue uses it to persist per-service-key
// backoff state across process restarts.
//
// # Durability
//
// Set writes the document to a temporary file in the same directory, fsyncs
// it, and renames it onto the final path. Rename is atomic on a local
// filesystem, so a reader never observes a partially written document and a
// crash mid-write leaves the previous document intact.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// JSONStore is a durable key/value blob stored as one JSON document on disk.
// Create one with New. Writes are atomic; concurrent writers must be
// serialised externally (the queue only writes while holding the dequeue
// lock).
type JSONStore struct {
	path string
}

// New returns a JSONStore for the document named name under dir.
func New(dir, name string) *JSONStore {
	return &JSONStore{path: filepath.Join(dir, name)}
}

// Get unmarshals the stored document into v. It returns ok=false with a nil
// error when no document has been written yet, and ok=false with a non-nil
// error on read or parse failure. Callers treat both as empty state; the
// error is surfaced so it can be logged.
func (s *JSONStore) Get(v any) (bool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("store: read %q: %w", s.path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("store: parse %q: %w", s.path, err)
	}
	return true, nil
}

// Set atomically replaces the stored document with the JSON encoding of v.
// A later process restart is guaranteed to observe the last committed Set.
func (s *JSONStore) Set(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: marshal %q: %w", s.path, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("store: create temp for %q: %w", s.path, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("store: write temp for %q: %w", s.path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("store: sync temp for %q: %w", s.path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("store: close temp for %q: %w", s.path, err)
	}

	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("store: rename onto %q: %w", s.path, err)
	}
	return nil
}

// Path returns the document's on-disk path.
func (s *JSONStore) Path() string {
	return s.path
}
