package paradox

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/echoix/parabridge/internal/source"
)

type testField struct {
	name []byte
	typ  byte
	size int
}

// tableWriter lays out a Paradox 7 data file with a 1 KiB block size.
type tableWriter struct {
	fields   []testField
	codepage uint16
	encrypt  bool
}

const (
	testHeaderSize = 0x800
	testBlockSize  = 0x400
)

func (w *tableWriter) recordSize() int {
	n := 0
	for _, f := range w.fields {
		n += f.size
	}
	return n
}

func (w *tableWriter) perBlock() int {
	return (testBlockSize - blockHeaderSize) / w.recordSize()
}

// write stores records in as many blocks as needed, chained in order.
func (w *tableWriter) write(t *testing.T, path string, records [][]byte) {
	t.Helper()

	le := binary.LittleEndian
	rs := w.recordSize()
	per := w.perBlock()

	var blocks [][][]byte
	for i := 0; i < len(records); i += per {
		end := i + per
		if end > len(records) {
			end = len(records)
		}
		blocks = append(blocks, records[i:end])
	}

	h := make([]byte, testHeaderSize)
	le.PutUint16(h[offRecordSize:], uint16(rs))
	le.PutUint16(h[offHeaderSize:], testHeaderSize)
	h[offFileType] = fileTypeNonIndexedDB
	h[offMaxTableSize] = testBlockSize / 0x400
	le.PutUint32(h[offNumRecords:], uint32(len(records)))
	le.PutUint16(h[offFileBlocks:], uint16(len(blocks)))
	if len(blocks) > 0 {
		le.PutUint16(h[offFirstBlock:], 1)
		le.PutUint16(h[offLastBlock:], uint16(len(blocks)))
	}
	le.PutUint16(h[offNumFields:], uint16(len(w.fields)))
	if w.encrypt {
		le.PutUint32(h[offEncryption:], 0xDEADBEEF)
	}
	h[offVersionID] = 0x0C
	le.PutUint32(h[offAutoInc:], uint32(len(records)+1))
	le.PutUint16(h[offCodepage:], w.codepage)

	p := fieldInfoV4
	for _, f := range w.fields {
		h[p] = f.typ
		h[p+1] = byte(f.size)
		p += 2
	}
	p += 4 + 4*len(w.fields)
	copy(h[p:], "test.db")
	p += 261
	for _, f := range w.fields {
		copy(h[p:], f.name)
		p += len(f.name) + 1
	}

	out := h
	for i, recs := range blocks {
		b := make([]byte, testBlockSize)
		if i+1 < len(blocks) {
			le.PutUint16(b[0:], uint16(i+2))
		}
		if i > 0 {
			le.PutUint16(b[2:], uint16(i))
		}
		le.PutUint16(b[4:], uint16((len(recs)-1)*rs))
		for j, r := range recs {
			copy(b[blockHeaderSize+j*rs:], r)
		}
		out = append(out, b...)
	}

	if err := os.WriteFile(path, out, 0o644); err != nil {
		t.Fatalf("failed to write table: %v", err)
	}
}

func encLong(v int32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(v)^0x80000000)
	return b
}

func encShort(v int16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, uint16(v)^0x8000)
	return b
}

func encDouble(v float64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, math.Float64bits(v))
	if v >= 0 {
		b[0] |= 0x80
	} else {
		for i := range b {
			b[i] = ^b[i]
		}
	}
	return b
}

func encAlpha(s []byte, size int) []byte {
	b := make([]byte, size)
	copy(b, s)
	return b
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// Ordinal day of 2000-01-01 counting 0001-01-01 as day 1.
const day2000 = 730120

func sampleWriter() *tableWriter {
	return &tableWriter{
		codepage: 1251,
		fields: []testField{
			{name: []byte("ID"), typ: typeAutoInc, size: 4},
			// "Имя" in windows-1251.
			{name: []byte{0xC8, 0xEC, 0xFF}, typ: typeAlpha, size: 10},
			{name: []byte("Born"), typ: typeDate, size: 4},
			{name: []byte("Amount"), typ: typeNumber, size: 8},
			{name: []byte("Active"), typ: typeLogical, size: 1},
			{name: []byte("Count"), typ: typeShort, size: 2},
			{name: []byte("Notes"), typ: typeMemo, size: 11},
		},
	}
}

func sampleRecord(id int32) []byte {
	return concat(
		encLong(id),
		encAlpha([]byte{0xCF, 0xE5, 0xF2, 0xF0}, 10), // "Петр"
		encLong(day2000),
		encDouble(-2.5),
		[]byte{0x81},
		encShort(-7),
		make([]byte, 11),
	)
}

func openTable(t *testing.T, path string, opts source.Options) *Table {
	t.Helper()
	tbl, err := NewReader().Open(context.Background(), path, opts)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { tbl.Close() })
	return tbl.(*Table)
}

func readAll(t *testing.T, tbl source.Table) []source.Record {
	t.Helper()
	var out []source.Record
	for {
		rec, err := tbl.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		out = append(out, rec)
	}
}

func TestOpenDecodesSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "PEOPLE.DB")
	sampleWriter().write(t, path, [][]byte{sampleRecord(1)})

	tbl := openTable(t, path, source.Options{})
	schema := tbl.Schema()

	want := []struct {
		name string
		kind source.Kind
	}{
		{"ID", source.KindAutoIncrement},
		{"Имя", source.KindAlpha},
		{"Born", source.KindDate},
		{"Amount", source.KindNumber},
		{"Active", source.KindLogical},
		{"Count", source.KindShort},
		{"Notes", source.KindMemo},
	}
	if len(schema) != len(want) {
		t.Fatalf("expected %d fields, got %d", len(want), len(schema))
	}
	for i, w := range want {
		if schema[i].Name != w.name || schema[i].Kind != w.kind {
			t.Errorf("field %d: expected %s/%s, got %s/%s", i, w.name, w.kind, schema[i].Name, schema[i].Kind)
		}
	}
	if !schema.Sequenced() {
		t.Error("expected schema to be sequenced")
	}
	if tbl.Header().Version != 70 {
		t.Errorf("expected version 70, got %d", tbl.Header().Version)
	}
	if tbl.Header().Codepage != 1251 {
		t.Errorf("expected codepage 1251, got %d", tbl.Header().Codepage)
	}
}

func TestNextDecodesValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "people.db")
	sampleWriter().write(t, path, [][]byte{sampleRecord(42)})

	recs := readAll(t, openTable(t, path, source.Options{}))
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	rec := recs[0]

	if seq, ok := rec.Sequence(); !ok || seq != 42 {
		t.Errorf("expected sequence 42, got %d (%v)", seq, ok)
	}
	if got, ok := rec[1].(source.Text); !ok || string(got) != "\xCF\xE5\xF2\xF0" {
		t.Errorf("unexpected alpha value %#v", rec[1])
	}
	d, ok := rec[2].(source.Date)
	if !ok {
		t.Fatalf("expected Date, got %T", rec[2])
	}
	if !time.Time(d).Equal(time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected date %v", time.Time(d))
	}
	if got, ok := rec[3].(source.Float); !ok || got != -2.5 {
		t.Errorf("unexpected number %#v", rec[3])
	}
	if got, ok := rec[4].(source.Bool); !ok || !bool(got) {
		t.Errorf("unexpected logical %#v", rec[4])
	}
	if got, ok := rec[5].(source.Integer); !ok || got != -7 {
		t.Errorf("unexpected short %#v", rec[5])
	}
	if _, ok := rec[6].(source.Null); !ok {
		t.Errorf("expected memo to decode as Null, got %#v", rec[6])
	}
}

func TestNextFollowsBlockChain(t *testing.T) {
	w := sampleWriter()
	n := w.perBlock()*2 + 3

	var records [][]byte
	for i := 1; i <= n; i++ {
		records = append(records, sampleRecord(int32(i)))
	}
	path := filepath.Join(t.TempDir(), "big.db")
	w.write(t, path, records)

	recs := readAll(t, openTable(t, path, source.Options{}))
	if len(recs) != n {
		t.Fatalf("expected %d records, got %d", n, len(recs))
	}
	for i, rec := range recs {
		if seq, _ := rec.Sequence(); seq != int64(i+1) {
			t.Fatalf("record %d: expected sequence %d, got %d", i, i+1, seq)
		}
	}
}

func TestAfterSkipsProcessedRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.db")
	var records [][]byte
	for i := 1; i <= 10; i++ {
		records = append(records, sampleRecord(int32(i)))
	}
	sampleWriter().write(t, path, records)

	after := int64(7)
	recs := readAll(t, openTable(t, path, source.Options{After: &after}))
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}
	if seq, _ := recs[0].Sequence(); seq != 8 {
		t.Errorf("expected first sequence 8, got %d", seq)
	}
}

func TestEmptyTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.db")
	sampleWriter().write(t, path, nil)

	if recs := readAll(t, openTable(t, path, source.Options{})); len(recs) != 0 {
		t.Errorf("expected no records, got %d", len(recs))
	}
}

func TestAfterRequiresSequence(t *testing.T) {
	w := &tableWriter{fields: []testField{
		{name: []byte("Name"), typ: typeAlpha, size: 8},
		{name: []byte("N"), typ: typeLong, size: 4},
	}}
	path := filepath.Join(t.TempDir(), "plain.db")
	w.write(t, path, [][]byte{concat(encAlpha([]byte("a"), 8), encLong(1))})

	after := int64(0)
	_, err := NewReader().Open(context.Background(), path, source.Options{After: &after})
	if !errors.Is(err, source.ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}

	// Without a resume point the table is still readable.
	recs := readAll(t, openTable(t, path, source.Options{}))
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	if _, ok := recs[0].Sequence(); ok {
		t.Error("expected record without sequence")
	}
}

func TestNextHonorsCancellation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.db")
	sampleWriter().write(t, path, [][]byte{sampleRecord(1), sampleRecord(2)})
	tbl := openTable(t, path, source.Options{})

	ctx, cancel := context.WithCancel(context.Background())
	if _, err := tbl.Next(ctx); err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	cancel()
	if _, err := tbl.Next(ctx); !errors.Is(err, source.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
}

func TestOpenRejectsBadFiles(t *testing.T) {
	dir := t.TempDir()

	garbage := filepath.Join(dir, "garbage.db")
	if err := os.WriteFile(garbage, []byte("definitely not a table"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewReader().Open(context.Background(), garbage, source.Options{}); !errors.Is(err, ErrNotParadox) {
		t.Errorf("expected ErrNotParadox, got %v", err)
	}

	encrypted := filepath.Join(dir, "secret.db")
	w := sampleWriter()
	w.encrypt = true
	w.write(t, encrypted, nil)
	if _, err := NewReader().Open(context.Background(), encrypted, source.Options{}); !errors.Is(err, ErrEncrypted) {
		t.Errorf("expected ErrEncrypted, got %v", err)
	}

	if _, err := NewReader().Open(context.Background(), filepath.Join(dir, "missing.db"), source.Options{}); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected not-exist error, got %v", err)
	}
}

func TestDecodeFieldEdgeCases(t *testing.T) {
	tests := []struct {
		name  string
		field source.Field
		raw   []byte
		want  source.Value
	}{
		{"empty long", source.Field{Kind: source.KindLong, Size: 4}, make([]byte, 4), source.Null{}},
		{"positive long", source.Field{Kind: source.KindLong, Size: 4}, encLong(123456), source.Integer(123456)},
		{"negative long", source.Field{Kind: source.KindLong, Size: 4}, encLong(-5), source.Integer(-5)},
		{"empty alpha", source.Field{Kind: source.KindAlpha, Size: 3}, make([]byte, 3), source.Null{}},
		{"false logical", source.Field{Kind: source.KindLogical, Size: 1}, []byte{0x80}, source.Bool(false)},
		{"empty logical", source.Field{Kind: source.KindLogical, Size: 1}, []byte{0}, source.Null{}},
		{"positive number", source.Field{Kind: source.KindNumber, Size: 8}, encDouble(3.25), source.Float(3.25)},
		{"empty number", source.Field{Kind: source.KindNumber, Size: 8}, make([]byte, 8), source.Null{}},
		{"time", source.Field{Kind: source.KindTime, Size: 4}, encLong(3723000), source.TimeOfDay(time.Hour + 2*time.Minute + 3*time.Second)},
		{"blob", source.Field{Kind: source.KindBlob, Size: 10}, []byte("0123456789"), source.Null{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := decodeField(tt.field, tt.raw)
			if got != tt.want {
				t.Errorf("expected %#v, got %#v", tt.want, got)
			}
		})
	}
}

func TestDecodeTimestamp(t *testing.T) {
	ms := float64(day2000)*msPerDay + float64((13*3600+30*60)*1000)
	got, ok := decodeField(source.Field{Kind: source.KindTimestamp, Size: 8}, encDouble(ms)).(source.DateTime)
	if !ok {
		t.Fatal("expected DateTime")
	}
	want := time.Date(2000, time.January, 1, 13, 30, 0, 0, time.UTC)
	if !time.Time(got).Equal(want) {
		t.Errorf("expected %v, got %v", want, time.Time(got))
	}
}
