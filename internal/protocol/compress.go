package protocol

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

const (
	// DefaultCompressThreshold is the envelope size above which Encode compresses.
	DefaultCompressThreshold = 1024

	// MaxFrameBytes caps a decompressed frame.
	MaxFrameBytes = 16 << 20
)

var zlibMagic = [2]byte{0x78, 0x9C}

// Encode marshals m and compresses the result when it exceeds DefaultCompressThreshold.
func Encode(m Message) ([]byte, error) {
	return EncodeThreshold(m, DefaultCompressThreshold)
}

// EncodeThreshold is Encode with an explicit threshold. A threshold <= 0 disables compression.
func EncodeThreshold(m Message, threshold int) ([]byte, error) {
	raw, err := Marshal(m)
	if err != nil {
		return nil, err
	}
	if threshold <= 0 || len(raw) <= threshold {
		return raw, nil
	}
	var buf bytes.Buffer
	buf.Grow(len(raw) / 2)
	zw, err := zlib.NewWriterLevel(&buf, zlib.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(raw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Compressed reports whether b starts with the zlib magic.
func Compressed(b []byte) bool {
	return len(b) >= 2 && b[0] == zlibMagic[0] && b[1] == zlibMagic[1]
}

// Decode is the inverse of Encode. Every failure wraps ErrMalformed or ErrFrameTooLarge.
func Decode(b []byte) (Message, error) {
	if Compressed(b) {
		raw, err := inflate(b)
		if err != nil {
			return Message{}, err
		}
		b = raw
	}
	return Unmarshal(b)
}

func inflate(b []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(io.LimitReader(zr, MaxFrameBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(raw) > MaxFrameBytes {
		return nil, ErrFrameTooLarge
	}
	return raw, nil
}
