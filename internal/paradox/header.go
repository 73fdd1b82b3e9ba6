// Package paradox reads Paradox table files (.db) and exposes them through
// the source.Reader contract.
//
// Supported layouts are the data files written by Paradox 3.0 through 7.x
// (file version ids 3 to 12). Memo and BLOb fields are not followed into
// their companion .mb files and decode as source.Null.
package paradox

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/echoix/parabridge/internal/codepage"
	"github.com/echoix/parabridge/internal/source"
	"golang.org/x/text/encoding/charmap"
)

var (
	// ErrNotParadox is returned when a file header cannot be a Paradox table.
	ErrNotParadox = errors.New("not a Paradox table file")

	// ErrEncrypted is returned for password-protected tables.
	ErrEncrypted = errors.New("encrypted Paradox tables are not supported")
)

// Header field offsets.
const (
	offRecordSize   = 0x00
	offHeaderSize   = 0x02
	offFileType     = 0x04
	offMaxTableSize = 0x05
	offNumRecords   = 0x06
	offFileBlocks   = 0x0C
	offFirstBlock   = 0x0E
	offLastBlock    = 0x10
	offNumFields    = 0x21
	offEncryption   = 0x25
	offVersionID    = 0x39
	offAutoInc      = 0x49
	offCodepage     = 0x6A

	fieldInfoV3 = 0x58
	fieldInfoV4 = 0x78

	blockHeaderSize = 6
)

// File types that carry records and field names.
const (
	fileTypeIndexedDB    = 0
	fileTypeNonIndexedDB = 2
)

// Field type codes.
const (
	typeAlpha     = 0x01
	typeDate      = 0x02
	typeShort     = 0x03
	typeLong      = 0x04
	typeCurrency  = 0x05
	typeNumber    = 0x06
	typeLogical   = 0x09
	typeMemo      = 0x0C
	typeBlob      = 0x0D
	typeFmtMemo   = 0x0E
	typeOLE       = 0x0F
	typeGraphic   = 0x10
	typeTime      = 0x14
	typeTimestamp = 0x15
	typeAutoInc   = 0x16
	typeBCD       = 0x17
	typeBytes     = 0x18
)

var kinds = map[byte]source.Kind{
	typeAlpha:     source.KindAlpha,
	typeDate:      source.KindDate,
	typeShort:     source.KindShort,
	typeLong:      source.KindLong,
	typeCurrency:  source.KindCurrency,
	typeNumber:    source.KindNumber,
	typeLogical:   source.KindLogical,
	typeMemo:      source.KindMemo,
	typeBlob:      source.KindBlob,
	typeFmtMemo:   source.KindMemo,
	typeOLE:       source.KindBlob,
	typeGraphic:   source.KindBlob,
	typeTime:      source.KindTime,
	typeTimestamp: source.KindTimestamp,
	typeAutoInc:   source.KindAutoIncrement,
	typeBCD:       source.KindBCD,
	typeBytes:     source.KindBytes,
}

// Header is the decoded table header.
type Header struct {
	RecordSize int
	HeaderSize int
	FileType   byte
	BlockSize  int
	NumRecords int
	FileBlocks int
	FirstBlock int
	LastBlock  int
	// Version is the Paradox format version times ten (30, 35, 40, 50, 70).
	Version   int
	AutoInc   int64
	Codepage  int
	TableName string
	Fields    source.Schema
}

// versionOf maps the on-disk version id to the Paradox release.
func versionOf(id byte) (int, bool) {
	switch {
	case id == 3:
		return 30, true
	case id == 4:
		return 35, true
	case id >= 5 && id <= 9:
		return 40, true
	case id == 0x0A || id == 0x0B:
		return 50, true
	case id == 0x0C:
		return 70, true
	}
	return 0, false
}

// parseHeader decodes a header block. buf must contain at least HeaderSize
// bytes (the first two words tell how many).
func parseHeader(buf []byte) (*Header, error) {
	if len(buf) < fieldInfoV3 {
		return nil, fmt.Errorf("%w: header truncated", ErrNotParadox)
	}
	le := binary.LittleEndian

	h := &Header{
		RecordSize: int(le.Uint16(buf[offRecordSize:])),
		HeaderSize: int(le.Uint16(buf[offHeaderSize:])),
		FileType:   buf[offFileType],
		BlockSize:  int(buf[offMaxTableSize]) * 0x400,
		NumRecords: int(le.Uint32(buf[offNumRecords:])),
		FileBlocks: int(le.Uint16(buf[offFileBlocks:])),
		FirstBlock: int(le.Uint16(buf[offFirstBlock:])),
		LastBlock:  int(le.Uint16(buf[offLastBlock:])),
		AutoInc:    int64(le.Uint32(buf[offAutoInc:])),
	}
	numFields := int(le.Uint16(buf[offNumFields:]))

	if h.FileType != fileTypeIndexedDB && h.FileType != fileTypeNonIndexedDB {
		return nil, fmt.Errorf("%w: file type %d is not a data table", ErrNotParadox, h.FileType)
	}
	version, ok := versionOf(buf[offVersionID])
	if !ok {
		return nil, fmt.Errorf("%w: unknown version id %#x", ErrNotParadox, buf[offVersionID])
	}
	h.Version = version
	if h.RecordSize == 0 || h.BlockSize == 0 || numFields == 0 {
		return nil, fmt.Errorf("%w: empty record layout", ErrNotParadox)
	}
	if h.BlockSize < blockHeaderSize+h.RecordSize {
		return nil, fmt.Errorf("%w: record size %d exceeds block size %d", ErrNotParadox, h.RecordSize, h.BlockSize)
	}
	if h.HeaderSize > len(buf) {
		return nil, fmt.Errorf("%w: header truncated", ErrNotParadox)
	}
	if le.Uint32(buf[offEncryption:]) != 0 {
		return nil, ErrEncrypted
	}

	p := fieldInfoV3
	if h.Version >= 40 {
		p = fieldInfoV4
		h.Codepage = int(le.Uint16(buf[offCodepage:]))
	}
	cm, _ := codepage.ByID(h.Codepage)

	types := make([]byte, numFields)
	sizes := make([]int, numFields)
	for i := 0; i < numFields; i++ {
		if p+2 > h.HeaderSize {
			return nil, fmt.Errorf("%w: field info truncated", ErrNotParadox)
		}
		types[i] = buf[p]
		sizes[i] = int(buf[p+1])
		p += 2
	}

	// tableNamePtr and one fieldNamePtr per field.
	p += 4 + 4*numFields

	nameLen := 79
	if h.Version >= 70 {
		nameLen = 261
	}
	if p+nameLen > h.HeaderSize {
		return nil, fmt.Errorf("%w: table name truncated", ErrNotParadox)
	}
	h.TableName = cString(buf[p : p+nameLen])
	p += nameLen

	total := 0
	h.Fields = make(source.Schema, numFields)
	for i := 0; i < numFields; i++ {
		end := p
		for end < h.HeaderSize && buf[end] != 0 {
			end++
		}
		if end >= h.HeaderSize {
			return nil, fmt.Errorf("%w: field name %d truncated", ErrNotParadox, i)
		}
		name, err := decodeName(cm, buf[p:end])
		if err != nil {
			return nil, err
		}
		p = end + 1

		kind, ok := kinds[types[i]]
		if !ok {
			kind = source.KindUnknown
		}
		h.Fields[i] = source.Field{Name: name, Kind: kind, Size: sizes[i]}
		total += sizes[i]
	}
	if total != h.RecordSize {
		return nil, fmt.Errorf("%w: field sizes sum to %d, record size is %d", ErrNotParadox, total, h.RecordSize)
	}

	return h, nil
}

func decodeName(cm *charmap.Charmap, b []byte) (string, error) {
	if cm == nil {
		return string(b), nil
	}
	return codepage.Decode(cm, b)
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
