// Package mapper translates source tables into destination SQL.
//
// Naming rules:
//   - Table name: the source file name with its extension removed
//     (case-insensitive) and lower-cased. "People.DB" becomes "people".
//   - Column name: "f_" followed by the lower-cased field name.
//
// Every identifier is double-quoted, so names containing spaces or
// non-ASCII characters are used verbatim.
package mapper

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"strings"

	"github.com/echoix/parabridge/internal/codepage"
	"github.com/echoix/parabridge/internal/source"
	"golang.org/x/text/encoding/charmap"
)

// Execer is satisfied by *sql.DB, *sql.Tx and *sql.Conn.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Config holds mapper settings.
type Config struct {
	// Codepage names the legacy encoding of alpha fields, e.g. "cp1251".
	Codepage string

	// Extension is stripped from file names to form table names.
	Extension string

	Logger *log.Logger
}

// DefaultConfig returns the default mapper configuration.
func DefaultConfig() *Config {
	return &Config{
		Codepage:  "cp1251",
		Extension: ".db",
		Logger:    log.New(io.Discard, "", 0),
	}
}

// Mapper builds DDL and DML for one destination.
type Mapper struct {
	cm        *charmap.Charmap
	extension string
	logger    *log.Logger
}

// New creates a mapper with default configuration.
func New() *Mapper {
	m, _ := NewWithConfig(DefaultConfig())
	return m
}

// NewWithConfig creates a mapper. It fails when the codepage is unknown.
func NewWithConfig(cfg *Config) (*Mapper, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cm, err := codepage.Lookup(cfg.Codepage)
	if err != nil {
		return nil, err
	}
	ext := cfg.Extension
	if ext == "" {
		ext = ".db"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Mapper{cm: cm, extension: ext, logger: logger}, nil
}

// TableName derives the destination table name from a source file name.
func (m *Mapper) TableName(file string) string {
	base := filepath.Base(file)
	if len(base) > len(m.extension) && strings.EqualFold(base[len(base)-len(m.extension):], m.extension) {
		base = base[:len(base)-len(m.extension)]
	}
	return strings.ToLower(base)
}

// ColumnName derives the destination column name from a source field name.
func ColumnName(field string) string {
	return "f_" + strings.ToLower(field)
}

// ColumnType returns the SQL type used for a source field kind.
func ColumnType(k source.Kind) string {
	switch k {
	case source.KindShort, source.KindLong, source.KindAutoIncrement, source.KindLogical:
		return "INTEGER"
	case source.KindNumber, source.KindCurrency:
		return "REAL"
	case source.KindBlob, source.KindBytes, source.KindBCD:
		return "BLOB"
	default:
		return "TEXT"
	}
}

// Quote returns s as a double-quoted SQL identifier.
func Quote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// CreateTable returns the statements that create the destination table
// for schema if it does not exist yet. Sequenced tables also get an index
// on the sequence column.
func (m *Mapper) CreateTable(table string, schema source.Schema) []string {
	cols := make([]string, len(schema))
	for i, f := range schema {
		cols[i] = Quote(ColumnName(f.Name)) + " " + ColumnType(f.Kind)
	}
	stmts := []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", Quote(table), strings.Join(cols, ", ")),
	}
	if schema.Sequenced() {
		seq := ColumnName(schema[0].Name)
		stmts = append(stmts, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
			Quote("idx_"+table+"_"+seq), Quote(table), Quote(seq)))
	}
	return stmts
}

// EnsureTable executes CreateTable against e.
func (m *Mapper) EnsureTable(ctx context.Context, e Execer, table string, schema source.Schema) error {
	for _, stmt := range m.CreateTable(table, schema) {
		if _, err := e.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create table %s: %w", table, err)
		}
	}
	m.logger.Printf("Ensured table %s (%d columns)", table, len(schema))
	return nil
}

// InsertStatement returns a parameterized insert for schema. For sequenced
// tables the row is skipped when a row with the same sequence value exists,
// so replaying a file after a crash does not duplicate rows.
func (m *Mapper) InsertStatement(table string, schema source.Schema) string {
	cols := make([]string, len(schema))
	params := make([]string, len(schema))
	for i, f := range schema {
		cols[i] = Quote(ColumnName(f.Name))
		params[i] = "?"
	}

	if !schema.Sequenced() {
		return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			Quote(table), strings.Join(cols, ", "), strings.Join(params, ", "))
	}
	return fmt.Sprintf("INSERT INTO %s (%s) SELECT %s WHERE NOT EXISTS (SELECT 1 FROM %s WHERE %s = ?)",
		Quote(table), strings.Join(cols, ", "), strings.Join(params, ", "), Quote(table), cols[0])
}

// InsertArgs converts rec into the arguments of InsertStatement.
func (m *Mapper) InsertArgs(schema source.Schema, rec source.Record) ([]any, error) {
	if len(rec) != len(schema) {
		return nil, fmt.Errorf("record has %d values, schema has %d fields", len(rec), len(schema))
	}
	args := make([]any, 0, len(rec)+1)
	for i, v := range rec {
		a, err := m.Convert(v)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", schema[i].Name, err)
		}
		args = append(args, a)
	}
	if schema.Sequenced() {
		args = append(args, args[0])
	}
	return args, nil
}

// Insert writes one record through e.
func (m *Mapper) Insert(ctx context.Context, e Execer, table string, schema source.Schema, rec source.Record) error {
	args, err := m.InsertArgs(schema, rec)
	if err != nil {
		return err
	}
	if _, err := e.ExecContext(ctx, m.InsertStatement(table, schema), args...); err != nil {
		return fmt.Errorf("failed to insert into %s: %w", table, err)
	}
	return nil
}

// Convert turns a source value into a database/sql argument. Text is
// decoded from the configured codepage; temporal values are rendered as
// ISO-8601 strings.
func (m *Mapper) Convert(v source.Value) (any, error) {
	switch v := v.(type) {
	case nil, source.Null:
		return nil, nil
	case source.Integer:
		return int64(v), nil
	case source.Float:
		return float64(v), nil
	case source.Bool:
		if v {
			return int64(1), nil
		}
		return int64(0), nil
	case source.Text:
		return codepage.Decode(m.cm, v)
	case source.Date:
		return FormatDate(v), nil
	case source.TimeOfDay:
		return FormatTime(v), nil
	case source.DateTime:
		return FormatDateTime(v), nil
	case source.Bytes:
		return []byte(v), nil
	}
	return nil, fmt.Errorf("unsupported value type %T", v)
}
