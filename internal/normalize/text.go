// Package normalize converts raw legacy field values into canonical values.
//
// Every normalizer is a pure function. Failure is reported through a sentinel
// (an ok=false return or the unchanged input), never an error, so one bad field
// cannot abort the extraction of a record.
package normalize

import (
	"strconv"
	"strings"
	"unicode"
)

// Text trims and collapses internal whitespace.
func Text(raw string) (string, bool) {
	s := strings.Join(strings.Fields(raw), " ")
	return s, s != ""
}

// Upper is Text followed by upper-casing.
func Upper(raw string) (string, bool) {
	s, ok := Text(raw)
	if !ok {
		return "", false
	}
	return strings.ToUpper(s), true
}

// Email lower-cases an address and requires a single "@" with text on both sides.
func Email(raw string) (string, bool) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" || strings.ContainsAny(s, " \t") {
		return "", false
	}
	local, domain, found := strings.Cut(s, "@")
	if !found || local == "" || domain == "" || strings.Contains(domain, "@") {
		return "", false
	}
	return s, true
}

// Phone keeps digits and a leading plus sign.
func Phone(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	var b strings.Builder
	digits := 0
	for i, r := range s {
		switch {
		case unicode.IsDigit(r):
			b.WriteRune(r)
			digits++
		case r == '+' && i == 0:
			b.WriteRune(r)
		}
	}
	if digits == 0 {
		return "", false
	}
	return b.String(), true
}

// Plate upper-cases a licence plate and drops spaces and hyphens.
func Plate(raw string) (string, bool) {
	s := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || r == '-' {
			return -1
		}
		return unicode.ToUpper(r)
	}, raw)
	return s, s != ""
}

// Integer parses a whole number, tolerating a trailing ".0" from spreadsheet exports.
func Integer(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	s = strings.TrimSuffix(s, ".0")
	if s == "" {
		return "", false
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return "", false
	}
	return strconv.Itoa(n), true
}
