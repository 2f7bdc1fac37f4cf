package protocol

import (
	"bytes"
	"fmt"
	"hyperstart/pkg/jsmn"
	"strconv"
)

// cursor walks a flat token stream. Every decode step takes the index of
// the token it starts at and returns how many tokens it consumed, its own
// token and all descendants included, so the caller can step over the
// whole subtree.
type cursor struct {
	js   []byte
	toks []jsmn.Token
}

// token returns the token at i, or ErrTruncated past the end of the stream.
func (c *cursor) token(i int) (jsmn.Token, error) {
	if i < 0 || i >= len(c.toks) {
		return jsmn.Token{}, fmt.Errorf("%w: token %d of %d", ErrTruncated, i, len(c.toks))
	}
	return c.toks[i], nil
}

// expect returns the token at i if it has type want.
func (c *cursor) expect(i int, want jsmn.Type, what string) (jsmn.Token, error) {
	t, err := c.token(i)
	if err != nil {
		return t, err
	}
	if t.Type != want {
		return t, fmt.Errorf("%w: %s needs %s, got %s", ErrStructure, what, want, t.Type)
	}
	return t, nil
}

// scalar returns the token at i if it is a string or a primitive.
func (c *cursor) scalar(i int, what string) (jsmn.Token, error) {
	t, err := c.token(i)
	if err != nil {
		return t, err
	}
	if t.Type != jsmn.String && t.Type != jsmn.Primitive {
		return t, fmt.Errorf("%w: %s needs a scalar, got %s", ErrStructure, what, t.Type)
	}
	return t, nil
}

func (c *cursor) raw(t jsmn.Token) []byte {
	return c.js[t.Start:t.End]
}

// bytes unescapes the string token at i into a new slice.
func (c *cursor) bytes(i int, what string) ([]byte, int, error) {
	t, err := c.expect(i, jsmn.String, what)
	if err != nil {
		return nil, 0, err
	}
	b, err := Unescape(c.raw(t))
	if err != nil {
		return nil, 0, fmt.Errorf("%s: %w", what, err)
	}
	return b, 1, nil
}

func (c *cursor) str(i int, what string) (string, int, error) {
	b, n, err := c.bytes(i, what)
	if err != nil {
		return "", 0, err
	}
	return string(b), n, nil
}

// setString decodes the string token at i into *dst. *dst is left
// untouched on failure.
func (c *cursor) setString(dst *string, i int, what string) (int, error) {
	s, n, err := c.str(i, what)
	if err != nil {
		return 0, err
	}
	*dst = s
	return n, nil
}

// setUint parses the numeric primitive at i into *dst.
func (c *cursor) setUint(dst *uint64, i int, bits int, what string) (int, error) {
	t, err := c.expect(i, jsmn.Primitive, what)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(string(c.raw(t)), 10, bits)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrStructure, what, err)
	}
	*dst = v
	return 1, nil
}

// setInt parses the numeric primitive at i into *dst.
func (c *cursor) setInt(dst *int64, i int, bits int, what string) (int, error) {
	t, err := c.expect(i, jsmn.Primitive, what)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(string(c.raw(t)), 10, bits)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrStructure, what, err)
	}
	*dst = v
	return 1, nil
}

// setReadOnly applies the read-only rule: any scalar other than the
// literal text false marks the mount read-only.
func (c *cursor) setReadOnly(dst *bool, i int, what string) (int, error) {
	t, err := c.scalar(i, what)
	if err != nil {
		return 0, err
	}
	*dst = !bytes.Equal(c.raw(t), []byte("false"))
	return 1, nil
}

// object walks the key/value pairs of the object at i. field is called
// with the raw key text and the indices of the key and value tokens, and
// returns how many tokens the value spanned.
func (c *cursor) object(i int, what string, field func(key string, k, v int) (int, error)) (int, error) {
	t, err := c.expect(i, jsmn.Object, what)
	if err != nil {
		return 0, err
	}

	pos := i + 1
	for j := 0; j < t.Size; j++ {
		key, err := c.expect(pos, jsmn.String, what+" key")
		if err != nil {
			return 0, err
		}
		if key.Size != 1 {
			return 0, fmt.Errorf("%w: %s key %q has %d values", ErrStructure, what, c.raw(key), key.Size)
		}
		n, err := field(string(c.raw(key)), pos, pos+1)
		if err != nil {
			return 0, err
		}
		pos += 1 + n
	}

	return pos - i, nil
}

// unknown reports a key outside the schema of what.
func (c *cursor) unknown(what, key string) error {
	return fmt.Errorf("%w %q in %s", ErrUnknownKey, key, what)
}

// decodeArray decodes the array at i element by element. The result is
// sized to the declared element count and is only returned when every
// element decoded.
func decodeArray[T any](c *cursor, i int, what string, elem func(pos int) (T, int, error)) ([]T, int, error) {
	t, err := c.expect(i, jsmn.Array, what)
	if err != nil {
		return nil, 0, err
	}

	out := make([]T, 0, t.Size)
	pos := i + 1
	for j := 0; j < t.Size; j++ {
		v, n, err := elem(pos)
		if err != nil {
			return nil, 0, fmt.Errorf("%s[%d]: %w", what, j, err)
		}
		out = append(out, v)
		pos += n
	}

	return out, pos - i, nil
}

// strings decodes an array of strings: argument vectors and DNS lists.
func (c *cursor) strings(i int, what string) ([]string, int, error) {
	return decodeArray(c, i, what, func(pos int) (string, int, error) {
		return c.str(pos, what)
	})
}
