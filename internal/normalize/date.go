package normalize

import (
	"strings"
	"time"
)

// DateLayout is the canonical date form stored in the live store.
const DateLayout = "2006-01-02"

// legacyDateLayouts are tried in order; the first successful parse wins.
var legacyDateLayouts = []string{
	"1/2/2006 3:04:05 PM",
	"1/2/2006",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseLegacyDate parses a legacy date or timestamp. It returns false when no
// layout matches; callers treat that as an absent field.
func ParseLegacyDate(raw string) (time.Time, bool) {
	s := strings.Join(strings.Fields(raw), " ")
	if s == "" {
		return time.Time{}, false
	}
	// AM/PM in exports is not consistently cased.
	s = strings.ToUpper(s)

	for _, layout := range legacyDateLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// FormatDate renders t in the canonical layout.
func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}

// Date normalizes a raw legacy date to its canonical string.
func Date(raw string) (string, bool) {
	t, ok := ParseLegacyDate(raw)
	if !ok {
		return "", false
	}
	return FormatDate(t), true
}
