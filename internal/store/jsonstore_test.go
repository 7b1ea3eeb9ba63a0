package store_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/higginsd/pdagent/internal/store"
)

type doc struct {
	Attempts map[string]int `json:"attempts"`
}

func TestGet_MissingDocument(t *testing.T) {
	s := store.New(t.TempDir(), "backoff")

	var d doc
	ok, err := s.Get(&d)
	if err != nil {
		t.Fatalf("Get on missing document: %v", err)
	}
	if ok {
		t.Error("Get reported ok for a missing document")
	}
}

func TestSetGet_RoundTrip(t *testing.T) {
	s := store.New(t.TempDir(), "backoff")

	in := doc{Attempts: map[string]int{"keyX": 3}}
	if err := s.Set(in); err != nil {
		t.Fatalf("Set: %v", err)
	}

	var out doc
	ok, err := s.Get(&out)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("Get reported missing after Set")
	}
	if out.Attempts["keyX"] != 3 {
		t.Errorf("round-trip attempts[keyX] = %d, want 3", out.Attempts["keyX"])
	}
}

func TestSet_ReplacesPreviousDocument(t *testing.T) {
	s := store.New(t.TempDir(), "backoff")

	if err := s.Set(doc{Attempts: map[string]int{"a": 1}}); err != nil {
		t.Fatalf("Set 1: %v", err)
	}
	if err := s.Set(doc{Attempts: map[string]int{"b": 2}}); err != nil {
		t.Fatalf("Set 2: %v", err)
	}

	var out doc
	if _, err := s.Get(&out); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, stale := out.Attempts["a"]; stale {
		t.Error("old document contents visible after Set")
	}
	if out.Attempts["b"] != 2 {
		t.Errorf("attempts[b] = %d, want 2", out.Attempts["b"])
	}
}

func TestGet_CorruptDocument(t *testing.T) {
	dir := t.TempDir()
	s := store.New(dir, "backoff")
	if err := os.WriteFile(s.Path(), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	var d doc
	ok, err := s.Get(&d)
	if err == nil {
		t.Fatal("Get on corrupt document succeeded, want error")
	}
	if ok {
		t.Error("Get reported ok for a corrupt document")
	}
}

func TestSet_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s := store.New(dir, "backoff")

	if err := s.Set(doc{Attempts: map[string]int{"a": 1}}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != filepath.Base(s.Path()) {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("state dir = %v, want only the document", names)
	}
}
