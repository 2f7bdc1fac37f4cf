// Package jsmn turns a JSON document into a flat, pre-order sequence of
// typed byte spans. It never builds a value tree: composite tokens carry
// the number of their immediate children and their descendants follow
// them directly in the output slice.
//
// The caller supplies the token buffer. When it is too small Parse fails
// with ErrNoMem and the caller is expected to retry from scratch with a
// larger buffer.
package jsmn

import (
	"errors"
)

// Type is the kind of a token.
type Type uint8

const (
	Undefined Type = iota
	Object
	Array
	String
	Primitive
)

func (t Type) String() string {
	switch t {
	case Object:
		return "object"
	case Array:
		return "array"
	case String:
		return "string"
	case Primitive:
		return "primitive"
	default:
		return "undefined"
	}
}

// Token is a typed span of the input.
//
// For strings, [Start, End) excludes the surrounding quotes. For objects
// and arrays the span covers the brackets. Size is the number of immediate
// children: keys for an object, elements for an array, and 1 for a string
// used as an object key.
type Token struct {
	Type  Type
	Start int
	End   int
	Size  int
}

var (
	// ErrNoMem means the token buffer was too small for the input.
	ErrNoMem = errors.New("jsmn: not enough tokens")
	// ErrInvalid means the input is not well-formed JSON.
	ErrInvalid = errors.New("jsmn: invalid character")
	// ErrPartial means the input ended before the document was complete.
	ErrPartial = errors.New("jsmn: incomplete json")
)

// Parser state: what the next significant byte may be.
const (
	expectValue      = iota // a value is required
	expectValueOrEnd        // just after '[': a value or ']'
	expectKey               // after ',' inside an object
	expectKeyOrEnd          // just after '{': a key or '}'
	expectColon             // after a key
	expectNext              // after a value: ',' or a closing bracket
)

// Parser tokenizes JSON input. The zero value parses a whole document.
type Parser struct {
	// First stops parsing as soon as the first top-level value is
	// complete, leaving any trailing bytes unexamined.
	First bool
}

// Parse fills toks with the tokens of js and returns how many were used.
//
// Input ends at len(js) or at the first NUL byte, whichever comes first.
// Unless First is set, anything but whitespace after the top-level value
// is rejected.
func (p *Parser) Parse(js []byte, toks []Token) (int, error) {
	var (
		n     int
		open  []int // indices of unclosed objects and arrays
		state = expectValue
		pos   int
	)

	alloc := func(t Type, start, end int) (int, error) {
		if n >= len(toks) {
			return -1, ErrNoMem
		}
		toks[n] = Token{Type: t, Start: start, End: end}
		n++
		return n - 1, nil
	}

	closeOpen := func(want Type) error {
		if len(open) == 0 {
			return ErrInvalid
		}
		idx := open[len(open)-1]
		if toks[idx].Type != want {
			return ErrInvalid
		}
		toks[idx].End = pos + 1
		open = open[:len(open)-1]
		state = expectNext
		return nil
	}

	for pos < len(js) && js[pos] != 0 {
		if state == expectNext && len(open) == 0 && p.First {
			return n, nil
		}

		c := js[pos]
		if c == ' ' || c == '\t' || c == '\n' || c == '\r' {
			pos++
			continue
		}

		switch state {
		case expectValue, expectValueOrEnd:
			if c == ']' && state == expectValueOrEnd {
				if err := closeOpen(Array); err != nil {
					return 0, err
				}
				pos++
				continue
			}
			if len(open) > 0 && toks[open[len(open)-1]].Type == Array {
				toks[open[len(open)-1]].Size++
			}

			switch c {
			case '{', '[':
				t, next := Object, expectKeyOrEnd
				if c == '[' {
					t, next = Array, expectValueOrEnd
				}
				idx, err := alloc(t, pos, -1)
				if err != nil {
					return 0, err
				}
				open = append(open, idx)
				state = next
				pos++
			case '"':
				end, err := scanString(js, pos)
				if err != nil {
					return 0, err
				}
				if _, err := alloc(String, pos+1, end); err != nil {
					return 0, err
				}
				state = expectNext
				pos = end + 1
			default:
				end, err := scanPrimitive(js, pos)
				if err != nil {
					return 0, err
				}
				if _, err := alloc(Primitive, pos, end); err != nil {
					return 0, err
				}
				state = expectNext
				pos = end
			}

		case expectKey, expectKeyOrEnd:
			if c == '}' && state == expectKeyOrEnd {
				if err := closeOpen(Object); err != nil {
					return 0, err
				}
				pos++
				continue
			}
			if c != '"' {
				return 0, ErrInvalid
			}
			end, err := scanString(js, pos)
			if err != nil {
				return 0, err
			}
			idx, err := alloc(String, pos+1, end)
			if err != nil {
				return 0, err
			}
			toks[idx].Size = 1
			toks[open[len(open)-1]].Size++
			state = expectColon
			pos = end + 1

		case expectColon:
			if c != ':' {
				return 0, ErrInvalid
			}
			state = expectValue
			pos++

		case expectNext:
			if len(open) == 0 {
				return 0, ErrInvalid
			}
			switch c {
			case ',':
				if toks[open[len(open)-1]].Type == Object {
					state = expectKey
				} else {
					state = expectValue
				}
				pos++
			case '}':
				if err := closeOpen(Object); err != nil {
					return 0, err
				}
				pos++
			case ']':
				if err := closeOpen(Array); err != nil {
					return 0, err
				}
				pos++
			default:
				return 0, ErrInvalid
			}
		}
	}

	if state == expectNext && len(open) == 0 {
		return n, nil
	}
	return 0, ErrPartial
}

// scanString returns the index of the closing quote of the string that
// opens at js[start]. Escapes are checked for shape only.
func scanString(js []byte, start int) (int, error) {
	for i := start + 1; i < len(js) && js[i] != 0; i++ {
		switch js[i] {
		case '"':
			return i, nil
		case '\\':
			i++
			if i >= len(js) || js[i] == 0 {
				return 0, ErrPartial
			}
			switch js[i] {
			case '"', '/', '\\', 'b', 'f', 'r', 'n', 't':
			case 'u':
				for k := 0; k < 4; k++ {
					i++
					if i >= len(js) || js[i] == 0 {
						return 0, ErrPartial
					}
					if !isHex(js[i]) {
						return 0, ErrInvalid
					}
				}
			default:
				return 0, ErrInvalid
			}
		}
	}
	return 0, ErrPartial
}

// scanPrimitive returns the end offset of the literal or number starting
// at js[start].
func scanPrimitive(js []byte, start int) (int, error) {
	end := start
	for end < len(js) && js[end] != 0 && !isDelimiter(js[end]) {
		end++
	}
	lit := js[start:end]
	switch string(lit) {
	case "true", "false", "null":
		return end, nil
	}
	if !isNumber(lit) {
		return 0, ErrInvalid
	}
	return end, nil
}

func isDelimiter(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\r', ',', ']', '}', ':':
		return true
	}
	return false
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// isNumber reports whether b is a JSON number:
// -?(0|[1-9][0-9]*)(\.[0-9]+)?([eE][+-]?[0-9]+)?
func isNumber(b []byte) bool {
	i := 0
	if i < len(b) && b[i] == '-' {
		i++
	}
	switch {
	case i < len(b) && b[i] == '0':
		i++
	case i < len(b) && isDigit(b[i]):
		for i < len(b) && isDigit(b[i]) {
			i++
		}
	default:
		return false
	}
	if i < len(b) && b[i] == '.' {
		i++
		if i >= len(b) || !isDigit(b[i]) {
			return false
		}
		for i < len(b) && isDigit(b[i]) {
			i++
		}
	}
	if i < len(b) && (b[i] == 'e' || b[i] == 'E') {
		i++
		if i < len(b) && (b[i] == '+' || b[i] == '-') {
			i++
		}
		if i >= len(b) || !isDigit(b[i]) {
			return false
		}
		for i < len(b) && isDigit(b[i]) {
			i++
		}
	}
	return i == len(b)
}
