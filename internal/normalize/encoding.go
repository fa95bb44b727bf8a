package normalize

import (
	"io"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"
)

// fallbackCharset decodes bytes that are not valid UTF-8. Windows-1252 is
// Latin-1 with printable characters in 0x80-0x9F, which is what the legacy
// system actually wrote.
var fallbackCharset = charmap.Windows1252

// RepairTextEncoding returns printable UTF-8 text for a raw legacy value.
// Valid UTF-8 is kept (after undoing UTF-8 that was read as Latin-1);
// anything else is decoded as Latin-1 and unprintable runes become U+FFFD.
func RepairTextEncoding(raw []byte) string {
	if utf8.Valid(raw) {
		return repairMojibake(string(raw))
	}

	var b strings.Builder
	b.Grow(len(raw))
	for _, c := range raw {
		b.WriteRune(decodeByte(c))
	}
	return b.String()
}

// RepairString is RepairTextEncoding for values already held as strings.
func RepairString(s string) string {
	return RepairTextEncoding([]byte(s))
}

func decodeByte(c byte) rune {
	r := fallbackCharset.DecodeByte(c)
	if !printable(r) {
		return utf8.RuneError
	}
	return r
}

func printable(r rune) bool {
	switch r {
	case '\t', '\n', '\r':
		return true
	case utf8.RuneError:
		return false
	}
	return !unicode.IsControl(r)
}

// repairMojibake undoes the classic "Ã©" damage: UTF-8 bytes decoded as
// Windows-1252 and re-encoded. It only rewrites s when every rune maps back to
// a single byte and the bytes form valid multi-byte UTF-8.
func repairMojibake(s string) string {
	suspicious := false
	for _, r := range s {
		if r >= 0x80 {
			suspicious = true
			break
		}
	}
	if !suspicious {
		return s
	}

	buf := make([]byte, 0, len(s))
	for _, r := range s {
		if r < utf8.RuneSelf {
			buf = append(buf, byte(r))
			continue
		}
		c, ok := fallbackCharset.EncodeRune(r)
		if !ok {
			return s
		}
		buf = append(buf, c)
	}

	if !utf8.Valid(buf) || utf8.RuneCount(buf) == len(buf) {
		return s
	}
	return string(buf)
}

// NewRepairReader wraps r so that every invalid UTF-8 byte is decoded as
// Latin-1 and control characters XML forbids become U+FFFD.
func NewRepairReader(r io.Reader) io.Reader {
	return transform.NewReader(r, repairTransformer{})
}

type repairTransformer struct{ transform.NopResetter }

func (repairTransformer) Transform(dst, src []byte, atEOF bool) (nDst, nSrc int, err error) {
	for nSrc < len(src) {
		c := src[nSrc]
		if c < utf8.RuneSelf {
			if nDst >= len(dst) {
				return nDst, nSrc, transform.ErrShortDst
			}
			if c < 0x20 && c != '\t' && c != '\n' && c != '\r' {
				if nDst+3 > len(dst) {
					return nDst, nSrc, transform.ErrShortDst
				}
				nDst += utf8.EncodeRune(dst[nDst:], utf8.RuneError)
				nSrc++
				continue
			}
			dst[nDst] = c
			nDst++
			nSrc++
			continue
		}

		r, size := utf8.DecodeRune(src[nSrc:])
		if r == utf8.RuneError && size == 1 {
			if !atEOF && !utf8.FullRune(src[nSrc:]) {
				return nDst, nSrc, transform.ErrShortSrc
			}
			r = decodeByte(c)
		}

		n := utf8.RuneLen(r)
		if nDst+n > len(dst) {
			return nDst, nSrc, transform.ErrShortDst
		}
		utf8.EncodeRune(dst[nDst:], r)
		nDst += n
		nSrc += size
	}
	return nDst, nSrc, nil
}
