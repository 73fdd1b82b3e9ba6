package dest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestIsRemote(t *testing.T) {
	tests := []struct {
		dsn  string
		want bool
	}{
		{"libsql://db-org.turso.io?authToken=x", true},
		{"HTTPS://example.com", true},
		{"http://127.0.0.1:8080", true},
		{"/var/lib/out.sqlite", false},
		{"~/out.sqlite", false},
		{"relative/out.sqlite", false},
	}
	for _, tt := range tests {
		if got := IsRemote(tt.dsn); got != tt.want {
			t.Errorf("IsRemote(%q) = %v, want %v", tt.dsn, got, tt.want)
		}
	}
}

func TestOpenLocalCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "out.sqlite")
	db, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	if _, err := db.Exec(`CREATE TABLE t (x INTEGER)`); err != nil {
		t.Fatalf("failed to create table: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected database file to exist: %v", err)
	}

	var mode string
	if err := db.QueryRow(`PRAGMA journal_mode`).Scan(&mode); err != nil {
		t.Fatal(err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}
}
