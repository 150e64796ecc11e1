package store

import (
	"errors"
	"path/filepath"
	"testing"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "commits.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordAndHistory(t *testing.T) {
	s := openTemp(t)

	if _, err := s.Last(); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}

	for _, v := range []string{"3", "4", "5"} {
		if _, err := s.Record("server", []byte(v)); err != nil {
			t.Fatalf("record %s: %v", v, err)
		}
	}

	last, err := s.Last()
	if err != nil {
		t.Fatalf("last: %v", err)
	}
	if last.Value != "5" || last.Seq != 3 || last.Role != "server" {
		t.Fatalf("unexpected last commit: %+v", last)
	}

	list, err := s.History(2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(list) != 2 || list[0].Value != "5" || list[1].Value != "4" {
		t.Fatalf("unexpected history: %+v", list)
	}

	all, err := s.History(0)
	if err != nil {
		t.Fatalf("history all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 commits, got %d", len(all))
	}
}

func TestReopenKeepsHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "commits.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := s.Record("client", []byte("7")); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	last, err := s.Last()
	if err != nil {
		t.Fatalf("last: %v", err)
	}
	if last.Value != "7" || last.Role != "client" {
		t.Fatalf("unexpected commit after reopen: %+v", last)
	}
}

func TestNilStore(t *testing.T) {
	var s *Store
	if _, err := s.Record("server", nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("nil close: %v", err)
	}
}
