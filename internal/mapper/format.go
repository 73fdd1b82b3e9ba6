package mapper

import (
	"fmt"
	"time"

	"github.com/echoix/parabridge/internal/source"
)

// FormatDate renders a date as YYYY-MM-DD.
func FormatDate(d source.Date) string {
	return time.Time(d).Format("2006-01-02")
}

// FormatTime renders a time of day as HH:MM:SS, with a six digit
// fraction only when the value has sub-second precision.
func FormatTime(d source.TimeOfDay) string {
	dur := time.Duration(d)
	h := int64(dur / time.Hour)
	dur -= time.Duration(h) * time.Hour
	m := int64(dur / time.Minute)
	dur -= time.Duration(m) * time.Minute
	s := int64(dur / time.Second)
	dur -= time.Duration(s) * time.Second

	out := fmt.Sprintf("%02d:%02d:%02d", h, m, s)
	if us := int64(dur / time.Microsecond); us != 0 {
		out += fmt.Sprintf(".%06d", us)
	}
	return out
}

// FormatDateTime renders a timestamp as YYYY-MM-DDTHH:MM:SS with an
// optional six digit fraction.
func FormatDateTime(d source.DateTime) string {
	t := time.Time(d)
	out := t.Format("2006-01-02T15:04:05")
	if us := t.Nanosecond() / 1000; us != 0 {
		out += fmt.Sprintf(".%06d", us)
	}
	return out
}
