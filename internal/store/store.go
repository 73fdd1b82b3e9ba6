// Package store persists sync tasks and their per-file cursors.
//
// The settings database holds two tables:
//
//	task(guid UNIQUE, name UNIQUE, src, dst)
//	index_last(guid, file, index_last)
//
// A task is a named binding of a source directory to a destination. A
// cursor (index_last row) records, per task and source file, the last
// sequence value committed to the destination. Cursors only move forward.
//
// Mutating and listing operations notify an optional Notifier afterwards so
// that a running daemon reloads its task list. Notification is best-effort.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

var (
	// ErrDuplicateName is returned when adding a task whose name is taken.
	ErrDuplicateName = errors.New("task name already exists")

	// ErrNotFound is returned when no task has the requested name.
	ErrNotFound = errors.New("task not found")

	// ErrConsistency is returned when the store holds more than one cursor
	// for the same task and file.
	ErrConsistency = errors.New("settings store is inconsistent")

	// ErrCursorRegression is returned when a cursor update would move the
	// cursor backwards.
	ErrCursorRegression = errors.New("cursor cannot move backwards")
)

// Task binds a source directory to a destination.
type Task struct {
	GUID        string `json:"guid" yaml:"guid"`
	Name        string `json:"name" yaml:"name"`
	Source      string `json:"source" yaml:"source"`
	Destination string `json:"destination" yaml:"destination"`
}

// Checkpoint is one stored cursor.
type Checkpoint struct {
	File      string `json:"file" yaml:"file"`
	LastIndex *int64 `json:"last_index" yaml:"last_index"`
}

// Notifier is told about configuration changes.
type Notifier interface {
	CfgChanged(ctx context.Context) (bool, error)
}

// DB is the settings database.
type DB struct {
	conn     *sql.DB
	path     string
	notifier Notifier
}

// Open opens (creating if needed) the settings database at path and
// initializes its schema.
//
// The caller must call Close when done.
func Open(path string) (*DB, error) {
	return OpenContext(context.Background(), path)
}

// OpenContext opens the settings database with context support.
func OpenContext(ctx context.Context, path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create settings directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open settings database: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping settings database: %w", err)
	}

	// The CLI and the daemon share the file; keep the pool small.
	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path}

	if _, err := conn.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := conn.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if err := db.InitSchemaContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// SetNotifier installs n as the configuration change listener. A nil
// notifier disables notification.
func (db *DB) SetNotifier(n Notifier) {
	db.notifier = n
}

// Close closes the database connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close settings database: %w", err)
	}
	db.conn = nil
	return nil
}

// InitSchema creates the tables if they do not exist. It is idempotent.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the tables with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS task (
		guid TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL UNIQUE,
		src TEXT NOT NULL,
		dst TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS index_last (
		guid TEXT NOT NULL,
		file TEXT NOT NULL,
		index_last INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_index_last_guid_file ON index_last(guid, file);
	`
	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// notify tells the notifier that the task list may have changed. Errors
// are ignored: no daemon may be running.
func (db *DB) notify(ctx context.Context) {
	if db.notifier == nil {
		return
	}
	_, _ = db.notifier.CfgChanged(ctx)
}

// AddTask creates a task with a fresh guid. It returns false, without
// changing anything, when the name is already taken.
func (db *DB) AddTask(name, src, dst string) bool {
	_, err := db.AddTaskContext(context.Background(), name, src, dst)
	return err == nil
}

// AddTaskContext creates a task and returns it. It fails with
// ErrDuplicateName when the name is taken.
func (db *DB) AddTaskContext(ctx context.Context, name, src, dst string) (*Task, error) {
	defer db.notify(ctx)

	task := &Task{
		GUID:        uuid.NewString(),
		Name:        name,
		Source:      src,
		Destination: dst,
	}
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO task (guid, name, src, dst) VALUES (?, ?, ?, ?)`,
		task.GUID, task.Name, task.Source, task.Destination)
	if err != nil {
		if errors.Is(err, sqlite3.CONSTRAINT) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateName, name)
		}
		return nil, fmt.Errorf("failed to add task %s: %w", name, err)
	}
	return task, nil
}

// DeleteTaskByName removes the named task and all its cursors. It returns
// false when no task has that name.
func (db *DB) DeleteTaskByName(name string) bool {
	return db.DeleteTaskByNameContext(context.Background(), name) == nil
}

// DeleteTaskByNameContext removes the named task and its cursors in one
// transaction. It fails with ErrNotFound when no task has that name.
func (db *DB) DeleteTaskByNameContext(ctx context.Context, name string) error {
	defer db.notify(ctx)

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var guid string
	err = tx.QueryRowContext(ctx, `SELECT guid FROM task WHERE name = ?`, name).Scan(&guid)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return fmt.Errorf("failed to look up task %s: %w", name, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM task WHERE guid = ?`, guid); err != nil {
		return fmt.Errorf("failed to delete task %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM index_last WHERE guid = ?`, guid); err != nil {
		return fmt.Errorf("failed to delete cursors of task %s: %w", name, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ListTasks returns a snapshot of all tasks ordered by name.
func (db *DB) ListTasks() ([]Task, error) {
	return db.ListTasksContext(context.Background())
}

// ListTasksContext returns all tasks with context support.
func (db *DB) ListTasksContext(ctx context.Context) ([]Task, error) {
	defer db.notify(ctx)

	rows, err := db.conn.QueryContext(ctx, `SELECT guid, name, src, dst FROM task ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(&t.GUID, &t.Name, &t.Source, &t.Destination); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tasks: %w", err)
	}
	return tasks, nil
}

// GetTaskByNameContext returns the named task or ErrNotFound.
func (db *DB) GetTaskByNameContext(ctx context.Context, name string) (*Task, error) {
	var t Task
	err := db.conn.QueryRowContext(ctx,
		`SELECT guid, name, src, dst FROM task WHERE name = ?`, name,
	).Scan(&t.GUID, &t.Name, &t.Source, &t.Destination)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task %s: %w", name, err)
	}
	return &t, nil
}
