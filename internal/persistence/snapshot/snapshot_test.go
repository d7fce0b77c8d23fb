package snapshot

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestStateRoundTripsThroughZstd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "w", FileName)
	in := StateV1{
		Header:         Header{World: "terra", SavedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)},
		Layout:         Layout{ChunkSize: 16, MaxHeight: 256, Dimension: 1, Generation: "hilly", Seed: 7, PaletteDigest: "abc"},
		Time:           1234.5,
		TickSpeed:      2,
		UpdatesApplied: 42,
	}
	if err := WriteState(path, in); err != nil {
		t.Fatalf("WriteState: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind: %v", err)
	}
	out, err := ReadState(path)
	if err != nil {
		t.Fatalf("ReadState: %v", err)
	}
	in.Header.Version = Version
	if diff := cmp.Diff(in, out); diff != "" {
		t.Fatalf("state mismatch (-want +got):\n%s", diff)
	}
}

func TestReadStateMissing(t *testing.T) {
	_, err := ReadState(filepath.Join(t.TempDir(), FileName))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err=%v", err)
	}
}

func TestCheckLayout(t *testing.T) {
	st := StateV1{Layout: Layout{ChunkSize: 16, MaxHeight: 256, Seed: 1}}
	if err := st.Check(Layout{ChunkSize: 16, MaxHeight: 256, Seed: 9}); err != nil {
		t.Fatalf("seed change rejected: %v", err)
	}
	if err := st.Check(Layout{ChunkSize: 32, MaxHeight: 256}); !errors.Is(err, ErrLayoutChanged) {
		t.Fatalf("chunk size change err=%v", err)
	}
	if err := st.Check(Layout{ChunkSize: 16, MaxHeight: 256, PaletteDigest: "new"}); err != nil {
		t.Fatalf("save without a palette digest rejected: %v", err)
	}

	st.Layout.PaletteDigest = "old"
	if err := st.Check(Layout{ChunkSize: 16, MaxHeight: 256, PaletteDigest: "old"}); err != nil {
		t.Fatalf("same palette rejected: %v", err)
	}
	if err := st.Check(Layout{ChunkSize: 16, MaxHeight: 256, PaletteDigest: "new"}); !errors.Is(err, ErrLayoutChanged) {
		t.Fatalf("palette change err=%v", err)
	}
}
