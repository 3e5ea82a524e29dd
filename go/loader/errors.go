package loader

import "github.com/pkg/errors"

var UnknownMagic = errors.New("Could not identify file magic.")

var (
	// ErrTruncatedRead means an offset/width pair ran past the end of the buffer.
	ErrTruncatedRead = errors.New("truncated read")
	// ErrSignatureMismatch means the expected magic or signature is absent.
	ErrSignatureMismatch = errors.New("signature mismatch")
	// ErrMalformedTable means a declared count or size would read past the buffer.
	ErrMalformedTable = errors.New("malformed table")

	// errAbsent marks a table the file simply does not have.
	errAbsent = errors.New("not present")
)
