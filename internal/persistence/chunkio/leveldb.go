package chunkio

import (
	"errors"

	"github.com/df-mc/goleveldb/leveldb"
	"github.com/df-mc/goleveldb/leveldb/opt"

	"voxelstream/internal/sim/voxel"
)

// LevelDBStorage keeps every chunk of a world in one LevelDB, keyed by chunk key.
type LevelDBStorage struct {
	db     *leveldb.DB
	params voxel.Params
}

func OpenLevelDB(dir string, params voxel.Params) (*LevelDBStorage, error) {
	db, err := leveldb.OpenFile(dir, &opt.Options{Compression: opt.SnappyCompression})
	if err != nil {
		return nil, err
	}
	return &LevelDBStorage{db: db, params: params}, nil
}

func (s *LevelDBStorage) Load(c voxel.Coords2) (*voxel.Chunk, bool, error) {
	raw, err := s.db.Get([]byte(c.Key()), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	ch, err := decodeRecord(raw, c, s.params)
	if err != nil {
		return nil, false, err
	}
	return ch, true, nil
}

func (s *LevelDBStorage) Save(c *voxel.Chunk) error {
	raw, err := encodeRecord(c)
	if err != nil {
		return err
	}
	return s.db.Put([]byte(c.Key), raw, nil)
}

func (s *LevelDBStorage) Close() error { return s.db.Close() }
