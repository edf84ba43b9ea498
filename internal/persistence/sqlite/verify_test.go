package sqlite

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestOpen_AppliesWAL(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "state.sqlite")
	db, err := Open(dbPath, DefaultConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = db.Close() }()

	var mode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}
}

func TestVerifyIntegrity_Healthy(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "healthy.sqlite")
	db, err := Open(dbPath, DefaultConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := db.Exec("CREATE TABLE t (id INTEGER PRIMARY KEY, data TEXT)"); err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < 50; i++ {
		if _, err := db.Exec("INSERT INTO t (data) VALUES (?)", "segment"); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	_ = db.Close()

	if err := VerifyIntegrity(context.Background(), dbPath, QuickCheck); err != nil {
		t.Fatalf("healthy database reported: %v", err)
	}
}

func TestVerifyIntegrity_NotADatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.sqlite")
	garbage := make([]byte, 8192)
	for i := range garbage {
		garbage[i] = byte(i * 7)
	}
	if err := os.WriteFile(path, garbage, 0o600); err != nil {
		t.Fatal(err)
	}

	err := VerifyIntegrity(context.Background(), path, FullCheck)
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("VerifyIntegrity = %v, want ErrCorrupt", err)
	}
	var ce *CorruptError
	if !errors.As(err, &ce) || ce.Path != path || len(ce.Issues) == 0 {
		t.Errorf("expected CorruptError with issues, got %#v", err)
	}
}

func TestQuarantine_MovesSideFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "resume.sqlite")
	for _, p := range []string{path, path + "-wal"} {
		if err := os.WriteFile(p, []byte("x"), 0o600); err != nil {
			t.Fatal(err)
		}
	}

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	dst, err := Quarantine(path, now)
	if err != nil {
		t.Fatalf("Quarantine: %v", err)
	}
	if want := path + ".corrupt-20260301T120000Z"; dst != want {
		t.Errorf("dst = %q, want %q", dst, want)
	}
	for _, p := range []string{dst, dst + "-wal"} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("missing %s: %v", p, err)
		}
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("original still present: %v", err)
	}
}
