package daemon

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/echoix/parabridge/internal/source"
)

// catchUp copies the records of one table file that are newer than its
// cursor into conn, then advances the cursor.
//
// The inserts share one transaction. It is rolled back when a record
// breaks the sequence order or the context is cancelled, leaving both the
// destination and the cursor untouched.
func (s *Scheduler) catchUp(ctx context.Context, conn *sql.DB, guid, path string) error {
	file := filepath.Base(path)

	last, err := s.store.GetCheckpointContext(ctx, guid, file)
	if err != nil {
		return err
	}

	tbl, err := s.reader.Open(ctx, path, source.Options{After: last})
	if err != nil {
		return err
	}
	defer tbl.Close()

	schema := tbl.Schema()
	if !schema.Sequenced() {
		return source.ErrUnsupported
	}
	table := s.mapper.TableName(file)

	var tx *sql.Tx
	defer func() {
		if tx != nil {
			_ = tx.Rollback()
		}
	}()

	seen := last
	inserted := 0
	for {
		if err := ctx.Err(); err != nil {
			return source.Cancelled(err)
		}

		rec, err := tbl.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}

		seq, ok := rec.Sequence()
		if !ok {
			ce := &ConsistencyError{File: file, NoSequence: true}
			if seen != nil {
				ce.Last = *seen
			}
			return ce
		}
		if seen != nil && seq <= *seen {
			return &ConsistencyError{File: file, Last: *seen, Got: seq}
		}

		if tx == nil {
			if tx, err = conn.BeginTx(ctx, nil); err != nil {
				return fmt.Errorf("failed to begin transaction: %w", err)
			}
			if err := s.mapper.EnsureTable(ctx, tx, table, schema); err != nil {
				return err
			}
		}
		if err := s.mapper.Insert(ctx, tx, table, schema, rec); err != nil {
			return err
		}
		seen = &seq
		inserted++
	}

	// Nothing new since the last pass.
	if tx == nil {
		return nil
	}

	err = tx.Commit()
	tx = nil
	if err != nil {
		return fmt.Errorf("failed to commit %s: %w", file, err)
	}

	// The rows are durable now; record the cursor even if shutdown started.
	if err := s.store.SetCheckpointContext(context.WithoutCancel(ctx), guid, file, *seen); err != nil {
		return err
	}
	s.config.Logger.Printf("Synced %d records from %s into %s (cursor %d)", inserted, file, table, *seen)
	return nil
}
