package protocol

import (
	"fmt"
	"unicode/utf16"
	"unicode/utf8"
)

// Unescape decodes the raw content of a JSON string (without the
// surrounding quotes) into a newly allocated UTF-8 byte slice.
//
// Escapes only ever shrink the input, so the output never needs more than
// len(raw) bytes. On failure nothing is returned.
//
//	Unescape([]byte(`\u006Corem ipsum`)) // "lorem ipsum"
func Unescape(raw []byte) ([]byte, error) {
	out := make([]byte, 0, len(raw))

	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if c != '\\' {
			if c < 0x20 {
				return nil, fmt.Errorf("%w: control byte 0x%02x at offset %d", ErrString, c, i)
			}
			out = append(out, c)
			continue
		}

		i++
		if i >= len(raw) {
			return nil, fmt.Errorf("%w: dangling backslash", ErrString)
		}
		switch raw[i] {
		case '"':
			out = append(out, '"')
		case '\\':
			out = append(out, '\\')
		case '/':
			out = append(out, '/')
		case 'b':
			out = append(out, '\b')
		case 'f':
			out = append(out, '\f')
		case 'n':
			out = append(out, '\n')
		case 'r':
			out = append(out, '\r')
		case 't':
			out = append(out, '\t')
		case 'u':
			r, n, err := decodeUTF16(raw[i+1:])
			if err != nil {
				return nil, fmt.Errorf("%w at offset %d", err, i-1)
			}
			out = utf8.AppendRune(out, r)
			i += n
		default:
			return nil, fmt.Errorf("%w: unknown escape \\%c at offset %d", ErrString, raw[i], i-1)
		}
	}

	return out, nil
}

// decodeUTF16 reads the XXXX of a \uXXXX escape from b, plus the trailing
// \uXXXX when the first code unit is a lead surrogate. It returns the code
// point and the number of bytes of b consumed.
func decodeUTF16(b []byte) (rune, int, error) {
	lead, ok := hex4(b)
	if !ok {
		return 0, 0, fmt.Errorf("%w: malformed \\u escape", ErrString)
	}

	switch {
	case lead >= 0xDC00 && lead <= 0xDFFF:
		return 0, 0, fmt.Errorf("%w: lone trail surrogate \\u%04X", ErrString, lead)
	case lead >= 0xD800 && lead <= 0xDBFF:
		if len(b) < 10 || b[4] != '\\' || b[5] != 'u' {
			return 0, 0, fmt.Errorf("%w: lead surrogate \\u%04X without trail", ErrString, lead)
		}
		trail, ok := hex4(b[6:])
		if !ok || trail < 0xDC00 || trail > 0xDFFF {
			return 0, 0, fmt.Errorf("%w: lead surrogate \\u%04X without trail", ErrString, lead)
		}
		return utf16.DecodeRune(lead, trail), 10, nil
	}

	return lead, 4, nil
}

func hex4(b []byte) (rune, bool) {
	if len(b) < 4 {
		return 0, false
	}
	var r rune
	for _, c := range b[:4] {
		var v byte
		switch {
		case c >= '0' && c <= '9':
			v = c - '0'
		case c >= 'a' && c <= 'f':
			v = c - 'a' + 10
		case c >= 'A' && c <= 'F':
			v = c - 'A' + 10
		default:
			return 0, false
		}
		r = r<<4 | rune(v)
	}
	return r, true
}
