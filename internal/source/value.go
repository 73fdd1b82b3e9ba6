package source

import "time"

// Value is a decoded field value. The set of implementations is closed:
// Null, Integer, Float, Bool, Text, Date, TimeOfDay, DateTime and Bytes.
type Value interface {
	isValue()
}

// Null marks an empty field.
type Null struct{}

// Integer holds short, long and autoincrement values.
type Integer int64

// Float holds number and currency values.
type Float float64

// Bool holds logical values.
type Bool bool

// Text holds alpha values as raw bytes in the table's legacy codepage.
type Text []byte

// Date is a calendar date. Only the year, month and day are meaningful.
type Date time.Time

// TimeOfDay is the time elapsed since midnight.
type TimeOfDay time.Duration

// DateTime is a calendar date with a time of day.
type DateTime time.Time

// Bytes holds opaque binary values.
type Bytes []byte

func (Null) isValue()      {}
func (Integer) isValue()   {}
func (Float) isValue()     {}
func (Bool) isValue()      {}
func (Text) isValue()      {}
func (Date) isValue()      {}
func (TimeOfDay) isValue() {}
func (DateTime) isValue()  {}
func (Bytes) isValue()     {}
