// Package source defines the contract between the sync daemon and the
// readers that decode legacy table files.
//
// A Reader opens one table file and exposes its ordered field Schema plus a
// lazy, finite, non-restartable sequence of Records. Values inside a Record
// are a closed set of concrete types (see Value), so consumers convert them
// with a type switch instead of reflection.
//
// Readers must honor context cancellation: once the context passed to Open
// or Next is done, they fail with an error matching ErrCancelled.
package source

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrUnsupported is returned when a table has no leading sequence field
	// but the caller asked to resume after a sequence value.
	ErrUnsupported = errors.New("table has no leading sequence field")

	// ErrCancelled is returned when the read was interrupted by context
	// cancellation.
	ErrCancelled = errors.New("read cancelled")
)

// Kind is the declared type tag of a source field.
type Kind int

const (
	KindUnknown Kind = iota
	KindAlpha
	KindDate
	KindShort
	KindLong
	KindCurrency
	KindNumber
	KindLogical
	KindMemo
	KindBlob
	KindTime
	KindTimestamp
	KindAutoIncrement
	KindBCD
	KindBytes
)

var kindNames = map[Kind]string{
	KindUnknown:       "unknown",
	KindAlpha:         "alpha",
	KindDate:          "date",
	KindShort:         "short",
	KindLong:          "long",
	KindCurrency:      "currency",
	KindNumber:        "number",
	KindLogical:       "logical",
	KindMemo:          "memo",
	KindBlob:          "blob",
	KindTime:          "time",
	KindTimestamp:     "timestamp",
	KindAutoIncrement: "autoincrement",
	KindBCD:           "bcd",
	KindBytes:         "bytes",
}

// String returns a human-readable representation of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Field describes one column of a source table.
type Field struct {
	Name string
	Kind Kind
	// Size is the on-disk width of the field in bytes.
	Size int
}

// IsSequence reports whether the field is a monotonically increasing
// sequence field usable as a sync cursor.
func (f Field) IsSequence() bool {
	return f.Kind == KindAutoIncrement
}

// Schema is the ordered list of fields of a table.
type Schema []Field

// Sequenced reports whether the leading field is a sequence field. Only
// sequenced tables can be synchronized incrementally.
func (s Schema) Sequenced() bool {
	return len(s) > 0 && s[0].IsSequence()
}

// Options controls how a table is opened.
type Options struct {
	// After, when set, makes the table yield only records whose sequence
	// value is strictly greater than *After.
	After *int64
}

// Reader opens table files.
type Reader interface {
	Open(ctx context.Context, path string, opts Options) (Table, error)
}

// Table is an open table file.
type Table interface {
	// Schema returns the ordered field list.
	Schema() Schema

	// Next returns the next record in sequence order. It returns io.EOF once
	// the table is exhausted.
	Next(ctx context.Context) (Record, error)

	Close() error
}

// Record is one row, aligned to the table Schema.
type Record []Value

// Sequence returns the value of the leading field when it is an Integer.
func (r Record) Sequence() (int64, bool) {
	if len(r) == 0 {
		return 0, false
	}
	v, ok := r[0].(Integer)
	return int64(v), ok
}

// Cancelled wraps a context error so that it matches ErrCancelled while
// keeping the original cause.
func Cancelled(err error) error {
	if err == nil {
		return ErrCancelled
	}
	return fmt.Errorf("%w: %w", ErrCancelled, err)
}
