package protocol

import "errors"

var (
	// ErrMalformed is returned for any input that does not decode to a complete,
	// well-shaped Message. Callers drop such frames.
	ErrMalformed = errors.New("protocol: malformed message")

	// ErrFrameTooLarge guards decompression.
	ErrFrameTooLarge = errors.New("protocol: frame too large")
)
