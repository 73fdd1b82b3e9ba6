package paradox

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/echoix/parabridge/internal/source"
)

// maxHeaderSize bounds the header read. Real headers are a few KiB.
const maxHeaderSize = 0x10000

// Reader opens Paradox tables from the local filesystem.
type Reader struct{}

// NewReader returns a Paradox reader.
func NewReader() *Reader {
	return &Reader{}
}

var _ source.Reader = (*Reader)(nil)

// Open parses the table header and positions the table before its first
// record. Records are read one block at a time as Next is called.
func (r *Reader) Open(ctx context.Context, path string, opts source.Options) (source.Table, error) {
	if err := ctx.Err(); err != nil {
		return nil, source.Cancelled(err)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open table: %w", err)
	}

	h, err := readHeader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read header of %s: %w", path, err)
	}
	if opts.After != nil && !h.Fields.Sequenced() {
		f.Close()
		return nil, source.ErrUnsupported
	}

	return &Table{
		file:    f,
		header:  h,
		after:   opts.After,
		next:    h.FirstBlock,
		visited: make(map[int]bool),
		block:   make([]byte, h.BlockSize),
	}, nil
}

func readHeader(f *os.File) (*Header, error) {
	var prefix [4]byte
	if _, err := f.ReadAt(prefix[:], 0); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: file too short", ErrNotParadox)
		}
		return nil, err
	}
	size := int(binary.LittleEndian.Uint16(prefix[offHeaderSize:]))
	if size < fieldInfoV3 || size > maxHeaderSize {
		return nil, fmt.Errorf("%w: header size %d", ErrNotParadox, size)
	}

	buf := make([]byte, size)
	n, err := f.ReadAt(buf, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return parseHeader(buf[:n])
}

// Table is an open Paradox table. It is not safe for concurrent use.
type Table struct {
	file   *os.File
	header *Header
	after  *int64

	// next is the number of the next block to load, 0 when the chain ends.
	next    int
	visited map[int]bool

	block  []byte
	count  int
	pos    int
	loaded bool
}

var _ source.Table = (*Table)(nil)

// Header returns the decoded table header.
func (t *Table) Header() *Header {
	return t.header
}

// Schema returns the table fields in declaration order.
func (t *Table) Schema() source.Schema {
	return t.header.Fields
}

// Next returns the next record whose sequence value is past the resume
// point, or io.EOF.
func (t *Table) Next(ctx context.Context) (source.Record, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, source.Cancelled(err)
		}

		if !t.loaded || t.pos >= t.count {
			if err := t.loadBlock(); err != nil {
				return nil, err
			}
			continue
		}

		off := blockHeaderSize + t.pos*t.header.RecordSize
		rec := t.decode(t.block[off : off+t.header.RecordSize])
		t.pos++

		if t.after != nil {
			seq, ok := rec.Sequence()
			if ok && seq <= *t.after {
				continue
			}
		}
		return rec, nil
	}
}

// loadBlock reads the next block of the chain. It returns io.EOF when the
// chain ends or loops back to a block already read.
func (t *Table) loadBlock() error {
	h := t.header
	if t.next == 0 || t.visited[t.next] {
		return io.EOF
	}
	if h.FileBlocks > 0 && t.next > h.FileBlocks {
		return fmt.Errorf("%w: block %d past end of table (%d blocks)", ErrNotParadox, t.next, h.FileBlocks)
	}
	t.visited[t.next] = true

	off := int64(h.HeaderSize) + int64(t.next-1)*int64(h.BlockSize)
	n, err := t.file.ReadAt(t.block, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to read block %d: %w", t.next, err)
	}
	if n < blockHeaderSize {
		return fmt.Errorf("%w: block %d truncated", ErrNotParadox, t.next)
	}

	le := binary.LittleEndian
	next := int(le.Uint16(t.block[0:]))
	addDataSize := int(int16(le.Uint16(t.block[4:])))

	count := 0
	if addDataSize >= 0 {
		count = addDataSize/h.RecordSize + 1
	}
	if limit := (n - blockHeaderSize) / h.RecordSize; count > limit {
		count = limit
	}

	t.next = next
	t.count = count
	t.pos = 0
	t.loaded = true
	return nil
}

func (t *Table) decode(raw []byte) source.Record {
	rec := make(source.Record, len(t.header.Fields))
	p := 0
	for i, f := range t.header.Fields {
		rec[i] = decodeField(f, raw[p:p+f.Size])
		p += f.Size
	}
	return rec
}

// Close releases the underlying file.
func (t *Table) Close() error {
	return t.file.Close()
}
