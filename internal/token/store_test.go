package token

import (
	"errors"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"songbattle/internal/core"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "token.db")
	s, err := NewStore(path, zap.NewNop())
	if err != nil {
		t.Fatalf("NewStore(): %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_LoadEmpty(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.Load(); !errors.Is(err, core.ErrNoToken) {
		t.Errorf("Load() on empty store = %v, expected ErrNoToken", err)
	}
}

func TestStore_SaveAndLoad(t *testing.T) {
	s := newTestStore(t)

	if err := s.Save(`{"token":"abc"}`); err != nil {
		t.Fatalf("Save(): %v", err)
	}

	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load(): %v", err)
	}
	if got != `{"token":"abc"}` {
		t.Errorf("Load() = %q", got)
	}
}

func TestStore_SaveReplaces(t *testing.T) {
	s := newTestStore(t)

	if err := s.Save("first"); err != nil {
		t.Fatal(err)
	}
	if err := s.Save("second"); err != nil {
		t.Fatal(err)
	}

	got, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if got != "second" {
		t.Errorf("Load() = %q, expected the replacement", got)
	}
}

func TestStore_Clear(t *testing.T) {
	s := newTestStore(t)

	if err := s.Save("tok"); err != nil {
		t.Fatal(err)
	}
	if err := s.Clear(); err != nil {
		t.Fatalf("Clear(): %v", err)
	}

	if _, err := s.Load(); !errors.Is(err, core.ErrNoToken) {
		t.Errorf("Load() after Clear = %v, expected ErrNoToken", err)
	}

	// Clearing an already-empty store is fine.
	if err := s.Clear(); err != nil {
		t.Errorf("Clear() on empty store: %v", err)
	}
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.db")

	s, err := NewStore(path, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Save("durable"); err != nil {
		t.Fatal(err)
	}
	s.Close()

	reopened, err := NewStore(path, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	got, err := reopened.Load()
	if err != nil || got != "durable" {
		t.Errorf("Load() after reopen = %q (%v), expected the saved token", got, err)
	}
}
