// Package snapshot persists the small amount of world state that does not live in chunk
// storage: the clock and the layout the saved chunks were written with.
package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
)

const (
	Version  = 1
	FileName = "state.snap"
)

type Header struct {
	Version int       `json:"version"`
	World   string    `json:"world"`
	SavedAt time.Time `json:"saved_at"`
}

// Layout is everything that decides how saved chunks decode and regenerate.
type Layout struct {
	ChunkSize  int    `json:"chunk_size"`
	MaxHeight  int    `json:"max_height"`
	Dimension  int    `json:"dimension"`
	Generation string `json:"generation"`
	Seed       int64  `json:"seed"`

	// PaletteDigest fingerprints the block id assignment saved voxels refer to.
	PaletteDigest string `json:"palette_digest,omitempty"`
}

type StateV1 struct {
	Header Header `json:"header"`
	Layout Layout `json:"layout"`

	Time           float64 `json:"time"`
	TickSpeed      float64 `json:"tick_speed"`
	UpdatesApplied uint64  `json:"updates_applied"`
}

// ErrLayoutChanged is returned by Check when the saved chunks were written with a
// different chunk layout or block palette.
var ErrLayoutChanged = errors.New("world layout changed since last save")

// Check reports whether chunks saved under s can be reused with cur.
func (s StateV1) Check(cur Layout) error {
	prev := s.Layout
	if prev.ChunkSize != cur.ChunkSize || prev.MaxHeight != cur.MaxHeight {
		return fmt.Errorf("%w: chunk %dx%d, now %dx%d", ErrLayoutChanged,
			prev.ChunkSize, prev.MaxHeight, cur.ChunkSize, cur.MaxHeight)
	}
	// Saves written before the digest was recorded carry none.
	if prev.PaletteDigest != "" && prev.PaletteDigest != cur.PaletteDigest {
		return fmt.Errorf("%w: block palette %.12s, now %.12s", ErrLayoutChanged, prev.PaletteDigest, cur.PaletteDigest)
	}
	return nil
}

// WriteState replaces path atomically.
func WriteState(path string, st StateV1) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	st.Header.Version = Version
	if st.Header.SavedAt.IsZero() {
		st.Header.SavedAt = time.Now().UTC()
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
		}
	}()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(enc)

	// The header line stays readable by tools that only want to know what the file is.
	hb, _ := json.Marshal(st.Header)
	if _, err := bw.Write(append(hb, '\n')); err != nil {
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&st); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadState loads a state file. A missing file yields os.ErrNotExist.
func ReadState(path string) (StateV1, error) {
	var st StateV1
	f, err := os.Open(path)
	if err != nil {
		return st, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return st, err
	}
	defer dec.Close()

	br := bufio.NewReader(dec)
	hb, err := br.ReadBytes('\n')
	if err != nil {
		return st, fmt.Errorf("read header: %w", err)
	}
	var h Header
	if err := json.Unmarshal(hb, &h); err != nil {
		return st, fmt.Errorf("decode header: %w", err)
	}
	if h.Version != Version {
		return st, fmt.Errorf("unsupported state version %d", h.Version)
	}
	if err := gob.NewDecoder(br).Decode(&st); err != nil {
		return st, fmt.Errorf("gob decode: %w", err)
	}
	return st, nil
}
