package chunkio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"voxelstream/internal/sim/voxel"
)

// FileStorage keeps one zstd-compressed file per chunk under dir.
type FileStorage struct {
	dir    string
	params voxel.Params
}

func NewFileStorage(dir string, params voxel.Params) (*FileStorage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileStorage{dir: dir, params: params}, nil
}

func (s *FileStorage) path(c voxel.Coords2) string {
	return filepath.Join(s.dir, fmt.Sprintf("%d_%d.chunk.zst", c.X, c.Z))
}

// Load returns (nil, false, nil) when nothing is stored for c.
func (s *FileStorage) Load(c voxel.Coords2) (*voxel.Chunk, bool, error) {
	f, err := os.Open(s.path(c))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, false, err
	}
	defer dec.Close()

	raw, err := io.ReadAll(dec)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	ch, err := decodeRecord(raw, c, s.params)
	if err != nil {
		return nil, false, err
	}
	return ch, true, nil
}

// Save writes through a temp file and renames, so a crash never leaves a torn record.
func (s *FileStorage) Save(c *voxel.Chunk) error {
	raw, err := encodeRecord(c)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	if _, err := enc.Write(raw); err != nil {
		_ = enc.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}

	final := s.path(c.Coords)
	tmp, err := os.CreateTemp(s.dir, ".chunk-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), final)
}

func (s *FileStorage) Close() error { return nil }
