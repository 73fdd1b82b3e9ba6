package store

import (
	"context"
	"database/sql"
	"fmt"
)

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// GetCheckpoint returns the cursor of file for task guid, or nil when the
// file was never processed.
func (db *DB) GetCheckpoint(guid, file string) (*int64, error) {
	return db.GetCheckpointContext(context.Background(), guid, file)
}

// GetCheckpointContext returns the cursor with context support. It fails
// with ErrConsistency when more than one cursor row exists.
func (db *DB) GetCheckpointContext(ctx context.Context, guid, file string) (*int64, error) {
	return getCheckpoint(ctx, db.conn, guid, file)
}

func getCheckpoint(ctx context.Context, q queryer, guid, file string) (*int64, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT index_last FROM index_last WHERE guid = ? AND file = ?`, guid, file)
	if err != nil {
		return nil, fmt.Errorf("failed to read cursor for %s: %w", file, err)
	}
	defer rows.Close()

	var (
		found bool
		last  sql.NullInt64
	)
	for rows.Next() {
		if found {
			return nil, fmt.Errorf("%w: multiple cursors for task %s file %s", ErrConsistency, guid, file)
		}
		if err := rows.Scan(&last); err != nil {
			return nil, fmt.Errorf("failed to scan cursor: %w", err)
		}
		found = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read cursor for %s: %w", file, err)
	}
	if !found || !last.Valid {
		return nil, nil
	}
	v := last.Int64
	return &v, nil
}

// SetCheckpoint stores index as the cursor of file for task guid.
func (db *DB) SetCheckpoint(guid, file string, index int64) error {
	return db.SetCheckpointContext(context.Background(), guid, file, index)
}

// SetCheckpointContext updates the cursor row, inserting it when none
// exists. It fails with ErrCursorRegression when index is below the stored
// value.
func (db *DB) SetCheckpointContext(ctx context.Context, guid, file string, index int64) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := getCheckpoint(ctx, tx, guid, file)
	if err != nil {
		return err
	}
	if current != nil && index < *current {
		return fmt.Errorf("%w: %s from %d to %d", ErrCursorRegression, file, *current, index)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE index_last SET index_last = ? WHERE guid = ? AND file = ?`, index, guid, file)
	if err != nil {
		return fmt.Errorf("failed to update cursor for %s: %w", file, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update cursor for %s: %w", file, err)
	}
	if n == 0 {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO index_last (guid, file, index_last) VALUES (?, ?, ?)`, guid, file, index); err != nil {
			return fmt.Errorf("failed to insert cursor for %s: %w", file, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ListCheckpointsContext returns every cursor row of task guid ordered by
// file name.
func (db *DB) ListCheckpointsContext(ctx context.Context, guid string) ([]Checkpoint, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT file, index_last FROM index_last WHERE guid = ? ORDER BY file`, guid)
	if err != nil {
		return nil, fmt.Errorf("failed to list cursors: %w", err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		var (
			cp   Checkpoint
			last sql.NullInt64
		)
		if err := rows.Scan(&cp.File, &last); err != nil {
			return nil, fmt.Errorf("failed to scan cursor: %w", err)
		}
		if last.Valid {
			v := last.Int64
			cp.LastIndex = &v
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list cursors: %w", err)
	}
	return out, nil
}
