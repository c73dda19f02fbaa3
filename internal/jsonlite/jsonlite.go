// Package jsonlite is a narrow JSON codec for the lobby wire schema. It is a
// pattern scanner, not a validator:
//
//   - ExtractString finds the first literal `"key":"` marker anywhere in the
//     document, regardless of nesting.
//   - ExtractObjects finds the first `"key":[` marker and returns the
//     balanced {...} spans that follow, up to a caller limit.
//
// Whitespace around the colon, non-string values and nested arrays are not
// recognized. This matches the compact responses the lobby server emits
// and is brittle against anything else. Malformed input degrades to "not
// found" or to fewer results, never to a panic.
package jsonlite

import (
	"strconv"
	"strings"
	"unicode/utf8"
)

const hexDigits = "0123456789abcdef"

// AppendEscaped appends the JSON-escaped form of s to dst, without quotes.
// `"` and `\` are backslash-escaped and bytes below 0x20 become \u00XX.
// When limit > 0 the appended text is capped at limit bytes; an escape
// sequence that would cross the limit is dropped whole.
func AppendEscaped(dst []byte, s string, limit int) []byte {
	written := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		var seq []byte
		switch {
		case c == '"':
			seq = []byte{'\\', '"'}
		case c == '\\':
			seq = []byte{'\\', '\\'}
		case c < 0x20:
			seq = []byte{'\\', 'u', '0', '0', hexDigits[c>>4], hexDigits[c&0xf]}
		default:
			seq = []byte{c}
		}
		if limit > 0 && written+len(seq) > limit {
			break
		}
		dst = append(dst, seq...)
		written += len(seq)
	}
	return dst
}

// Escape returns the JSON-escaped form of s without quotes.
func Escape(s string) string {
	return string(AppendEscaped(nil, s, 0))
}

// Object builds a flat JSON object of string values from alternating key,
// value arguments, preserving order. A trailing key without a value is
// emitted with an empty string.
func Object(kv ...string) string {
	var b strings.Builder
	b.WriteByte('{')
	for i := 0; i < len(kv); i += 2 {
		if i > 0 {
			b.WriteByte(',')
		}
		val := ""
		if i+1 < len(kv) {
			val = kv[i+1]
		}
		b.WriteByte('"')
		b.Write(AppendEscaped(nil, kv[i], 0))
		b.WriteString(`":"`)
		b.Write(AppendEscaped(nil, val, 0))
		b.WriteByte('"')
	}
	b.WriteByte('}')
	return b.String()
}

// ExtractString returns the unescaped string value following the first
// `"key":"` marker in doc.
func ExtractString(doc, key string) (string, bool) {
	marker := `"` + key + `":"`
	i := strings.Index(doc, marker)
	if i < 0 {
		return "", false
	}
	return readString(doc[i+len(marker):])
}

// readString reads up to the closing unescaped quote and decodes escapes.
func readString(s string) (string, bool) {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '"':
			return b.String(), true
		case '\\':
			if i+1 >= len(s) {
				return "", false
			}
			i++
			switch s[i] {
			case '"', '\\', '/':
				b.WriteByte(s[i])
			case 'b':
				b.WriteByte('\b')
			case 'f':
				b.WriteByte('\f')
			case 'n':
				b.WriteByte('\n')
			case 'r':
				b.WriteByte('\r')
			case 't':
				b.WriteByte('\t')
			case 'u':
				if i+4 >= len(s) {
					return "", false
				}
				v, err := strconv.ParseUint(s[i+1:i+5], 16, 16)
				if err != nil {
					return "", false
				}
				b.WriteRune(rune(v))
				i += 4
			default:
				return "", false
			}
		default:
			b.WriteByte(c)
		}
	}
	return "", false
}

// ExtractObjects returns up to max raw {...} spans from the array that
// follows the first `"key":[` marker. Scanning stops at the closing `]`,
// at max results, or at the first malformed element.
func ExtractObjects(doc, key string, max int) []string {
	marker := `"` + key + `":[`
	i := strings.Index(doc, marker)
	if i < 0 || max <= 0 {
		return nil
	}
	s := doc[i+len(marker):]

	var out []string
	pos := 0
	for len(out) < max {
		pos = skipSpaceAndCommas(s, pos)
		if pos >= len(s) || s[pos] != '{' {
			return out
		}
		end, ok := matchBrace(s, pos)
		if !ok {
			return out
		}
		out = append(out, s[pos:end+1])
		pos = end + 1
	}
	return out
}

func skipSpaceAndCommas(s string, pos int) int {
	for pos < len(s) {
		switch s[pos] {
		case ' ', '\t', '\r', '\n', ',':
			pos++
		default:
			return pos
		}
	}
	return pos
}

// matchBrace returns the index of the '}' that balances the '{' at start,
// ignoring braces inside string literals.
func matchBrace(s string, start int) (int, bool) {
	depth := 0
	inString := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch c {
			case '\\':
				i++
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

// ClipUTF8 returns the longest prefix of s that is at most n bytes and does
// not split a UTF-8 sequence.
func ClipUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
