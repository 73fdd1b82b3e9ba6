// Package dest opens destination databases for synced tables.
//
// A destination is addressed by a single string:
//   - a filesystem path (with optional leading ~) opens a local SQLite file
//     through the embedded ncruces driver;
//   - a libsql://, http:// or https:// URL opens a remote libSQL/Turso
//     database through go-libsql.
package dest

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/echoix/parabridge/internal/config"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	_ "github.com/tursodatabase/go-libsql"
)

// IsRemote reports whether dsn addresses a remote libSQL server.
func IsRemote(dsn string) bool {
	lower := strings.ToLower(dsn)
	for _, scheme := range []string{"libsql://", "http://", "https://"} {
		if strings.HasPrefix(lower, scheme) {
			return true
		}
	}
	return false
}

// Open connects to the destination. The caller must Close the result.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	if IsRemote(dsn) {
		return openRemote(ctx, dsn)
	}
	return openLocal(ctx, dsn)
}

func openRemote(ctx context.Context, url string) (*sql.DB, error) {
	conn, err := sql.Open("libsql", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open destination: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to reach destination: %w", err)
	}
	return conn, nil
}

func openLocal(ctx context.Context, path string) (*sql.DB, error) {
	path, err := config.ExpandHome(path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create destination directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open destination: %w", err)
	}
	// One writer per file; transactions span a whole source file.
	conn.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := conn.ExecContext(ctx, pragma); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to configure destination (%s): %w", pragma, err)
		}
	}
	return conn, nil
}
