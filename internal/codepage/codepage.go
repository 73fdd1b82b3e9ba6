// Package codepage maps legacy single-byte codepage names and DOS codepage
// numbers to golang.org/x/text charmaps.
package codepage

import (
	"fmt"
	"strings"

	"golang.org/x/text/encoding/charmap"
)

var byID = map[int]*charmap.Charmap{
	437:  charmap.CodePage437,
	850:  charmap.CodePage850,
	852:  charmap.CodePage852,
	855:  charmap.CodePage855,
	858:  charmap.CodePage858,
	860:  charmap.CodePage860,
	862:  charmap.CodePage862,
	863:  charmap.CodePage863,
	865:  charmap.CodePage865,
	866:  charmap.CodePage866,
	1250: charmap.Windows1250,
	1251: charmap.Windows1251,
	1252: charmap.Windows1252,
	1253: charmap.Windows1253,
	1254: charmap.Windows1254,
	1255: charmap.Windows1255,
	1256: charmap.Windows1256,
	1257: charmap.Windows1257,
	1258: charmap.Windows1258,
}

var byName = map[string]*charmap.Charmap{
	"latin1":     charmap.ISO8859_1,
	"iso-8859-1": charmap.ISO8859_1,
	"iso-8859-2": charmap.ISO8859_2,
	"iso-8859-5": charmap.ISO8859_5,
	"koi8-r":     charmap.KOI8R,
	"koi8-u":     charmap.KOI8U,
}

// Lookup resolves names such as "cp1251", "windows-1251", "1251", "cp866"
// or "koi8-r".
func Lookup(name string) (*charmap.Charmap, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if cm, ok := byName[key]; ok {
		return cm, nil
	}
	for _, prefix := range []string{"cp", "windows-", "ibm", "dos"} {
		key = strings.TrimPrefix(key, prefix)
	}
	var id int
	if _, err := fmt.Sscanf(key, "%d", &id); err == nil {
		if cm, ok := byID[id]; ok {
			return cm, nil
		}
	}
	return nil, fmt.Errorf("unsupported codepage %q", name)
}

// ByID returns the charmap for a numeric codepage identifier.
func ByID(id int) (*charmap.Charmap, bool) {
	cm, ok := byID[id]
	return cm, ok
}

// Decode converts b from cm to UTF-8. A nil charmap leaves ASCII-only input
// untouched and maps other bytes as Latin-1.
func Decode(cm *charmap.Charmap, b []byte) (string, error) {
	if cm == nil {
		cm = charmap.ISO8859_1
	}
	out, err := cm.NewDecoder().Bytes(b)
	if err != nil {
		return "", fmt.Errorf("failed to decode %s text: %w", cm, err)
	}
	return string(out), nil
}
