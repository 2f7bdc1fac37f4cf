package protocol

import (
	"errors"
)

// Decode failures. Every error returned by a decoder wraps exactly one of
// these, with the path to the offending field as context.
var (
	// ErrSyntax means the payload is not well-formed JSON.
	ErrSyntax = errors.New("malformed json")
	// ErrStructure means a token had the wrong type or shape for the
	// field it was supposed to fill.
	ErrStructure = errors.New("unexpected json structure")
	// ErrUnknownKey means an object carried a key outside the closed
	// message schema.
	ErrUnknownKey = errors.New("unknown key")
	// ErrString means a string held a bad escape, a broken surrogate
	// pair or an unescaped control byte.
	ErrString = errors.New("invalid string")
	// ErrMissingField means a required field was absent.
	ErrMissingField = errors.New("missing required field")
	// ErrTruncated means the token stream ended before a value that its
	// parent declared.
	ErrTruncated = errors.New("token stream truncated")
)
