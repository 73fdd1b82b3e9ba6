package paradox

import (
	"bytes"
	"encoding/binary"
	"math"
	"time"

	"github.com/echoix/parabridge/internal/source"
)

const msPerDay = 24 * 60 * 60 * 1000

// epoch is day 1 of the Paradox calendar.
var epoch = time.Date(1, time.January, 1, 0, 0, 0, 0, time.UTC)

// decodeField turns the raw bytes of one field into a source value.
// Numeric fields are stored big-endian with the sign bit flipped; an
// all-zero field is empty.
func decodeField(f source.Field, raw []byte) source.Value {
	switch f.Kind {
	case source.KindAlpha:
		b := raw
		if i := bytes.IndexByte(b, 0); i >= 0 {
			b = b[:i]
		}
		if len(b) == 0 {
			return source.Null{}
		}
		return source.Text(bytes.Clone(b))

	case source.KindShort:
		u, ok := flipped(raw, 2)
		if !ok {
			return source.Null{}
		}
		return source.Integer(int16(uint16(u)))

	case source.KindLong, source.KindAutoIncrement:
		u, ok := flipped(raw, 4)
		if !ok {
			return source.Null{}
		}
		return source.Integer(int32(uint32(u)))

	case source.KindDate:
		u, ok := flipped(raw, 4)
		if !ok {
			return source.Null{}
		}
		days := int(int32(uint32(u)))
		return source.Date(epoch.AddDate(0, 0, days-1))

	case source.KindTime:
		u, ok := flipped(raw, 4)
		if !ok {
			return source.Null{}
		}
		ms := int64(int32(uint32(u)))
		return source.TimeOfDay(time.Duration(ms) * time.Millisecond)

	case source.KindNumber, source.KindCurrency:
		v, ok := float(raw)
		if !ok {
			return source.Null{}
		}
		return source.Float(v)

	case source.KindTimestamp:
		v, ok := float(raw)
		if !ok {
			return source.Null{}
		}
		ms := int64(v)
		days := ms / msPerDay
		rest := ms % msPerDay
		t := epoch.AddDate(0, 0, int(days)-1).Add(time.Duration(rest) * time.Millisecond)
		return source.DateTime(t)

	case source.KindLogical:
		if len(raw) < 1 {
			return source.Null{}
		}
		switch raw[0] {
		case 0x80:
			return source.Bool(false)
		case 0x81:
			return source.Bool(true)
		}
		return source.Null{}

	case source.KindBytes, source.KindBCD:
		if allZero(raw) {
			return source.Null{}
		}
		return source.Bytes(bytes.Clone(raw))
	}

	// Memo, blob and unknown fields live outside the record.
	return source.Null{}
}

// flipped reads a big-endian integer of width n with its top bit inverted.
func flipped(raw []byte, n int) (uint64, bool) {
	if len(raw) < n || allZero(raw[:n]) {
		return 0, false
	}
	var u uint64
	for _, b := range raw[:n] {
		u = u<<8 | uint64(b)
	}
	u ^= 1 << (uint(n)*8 - 1)
	return u, true
}

// float reads an 8-byte double. Positive values have the sign bit set,
// negative values are stored with every bit inverted.
func float(raw []byte) (float64, bool) {
	if len(raw) < 8 {
		return 0, false
	}
	b := make([]byte, 8)
	copy(b, raw[:8])
	switch {
	case b[0]&0x80 != 0:
		b[0] &^= 0x80
	case allZero(b):
		return 0, false
	default:
		for i := range b {
			b[i] = ^b[i]
		}
	}
	return math.Float64frombits(binary.BigEndian.Uint64(b)), true
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
