package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logx "alertflow/pkg/logx"
)

func openTestStore(t *testing.T, path string) Store {
	t.Helper()
	s, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none", " NONE "} {
		s, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil || s != nil {
			t.Fatalf("Open(%q) = %v/%v, want nil/nil", driver, s, err)
		}
	}
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatalf("unknown driver accepted")
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "store.json")
	s := openTestStore(t, path)
	defer s.Close()

	ctx := context.Background()
	until := time.Now().Add(10 * time.Minute)
	if err := s.PutDedup(ctx, "k1", until); err != nil {
		t.Fatalf("PutDedup: %v", err)
	}

	got, ok, err := s.GetDedup(ctx, "k1")
	if err != nil || !ok {
		t.Fatalf("GetDedup = %v/%v/%v", got, ok, err)
	}
	// Journal stores unix milliseconds.
	if got.Sub(until) > time.Millisecond || until.Sub(got) > time.Millisecond {
		t.Fatalf("until drifted: put %v got %v", until, got)
	}

	if _, ok, err := s.GetDedup(ctx, "absent"); err != nil || ok {
		t.Fatalf("absent key reported present")
	}
}

func TestFileStoreReopenReplaysJournal(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "store.json")
	ctx := context.Background()
	until := time.Now().Add(time.Hour)

	s := openTestStore(t, path)
	if err := s.PutDedup(ctx, "persisted", until); err != nil {
		t.Fatalf("PutDedup: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s = openTestStore(t, path)
	defer s.Close()
	if _, ok, err := s.GetDedup(ctx, "persisted"); err != nil || !ok {
		t.Fatalf("journal entry lost across reopen: ok=%v err=%v", ok, err)
	}
}

func TestFileStorePrunesExpiredOnLoad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "store.json")
	ctx := context.Background()

	s := openTestStore(t, path)
	if err := s.PutDedup(ctx, "stale", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("PutDedup: %v", err)
	}
	if err := s.PutDedup(ctx, "fresh", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("PutDedup: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s = openTestStore(t, path)
	defer s.Close()
	if _, ok, _ := s.GetDedup(ctx, "stale"); ok {
		t.Fatalf("expired entry survived reopen")
	}
	if _, ok, _ := s.GetDedup(ctx, "fresh"); !ok {
		t.Fatalf("live entry pruned")
	}
}

func TestFileStoreOverwriteExtendsWindow(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "store.json")
	s := openTestStore(t, path)
	defer s.Close()

	ctx := context.Background()
	first := time.Now().Add(time.Minute)
	second := time.Now().Add(time.Hour)
	if err := s.PutDedup(ctx, "k", first); err != nil {
		t.Fatalf("PutDedup: %v", err)
	}
	if err := s.PutDedup(ctx, "k", second); err != nil {
		t.Fatalf("PutDedup: %v", err)
	}
	got, ok, err := s.GetDedup(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("GetDedup = %v/%v", ok, err)
	}
	if got.Before(first.Add(time.Minute)) {
		t.Fatalf("overwrite did not extend the window: %v", got)
	}
}
