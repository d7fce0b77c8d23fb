package store

import (
	"fmt"
	"sync"

	"github.com/iancoleman/orderedmap"
	"github.com/sirupsen/logrus"

	"voxelstream/internal/sim/voxel"
)

// ChunkStore owns the authoritative chunk set of one world. Every method except the
// worker goroutines runs on the world's tick goroutine.
//
// The backing map keeps insertion order and eviction removes the oldest entry. Access does
// not refresh order, so a visible chunk can go before an idle one.
type ChunkStore struct {
	params  voxel.Params
	gen     Generator
	storage Storage
	lighter Lighter
	onSave  SaveObserver
	log     logrus.FieldLogger

	chunks    *orderedmap.OrderedMap // voxel.ChunkKey -> *voxel.Chunk
	pending   map[voxel.ChunkKey]struct{}
	decorateQ []voxel.ChunkKey

	jobs    chan voxel.Coords2
	results chan result
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

func NewChunkStore(opts Options) *ChunkStore {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	s := &ChunkStore{
		params:  opts.Params,
		gen:     opts.Generator,
		storage: opts.Storage,
		lighter: opts.Lighter,
		onSave:  opts.Observer,
		log:     opts.Logger,
		chunks:  orderedmap.New(),
		pending: map[voxel.ChunkKey]struct{}{},
		jobs:    make(chan voxel.Coords2, opts.QueueSize),
		results: make(chan result, opts.QueueSize),
		done:    make(chan struct{}),
	}
	for i := 0; i < opts.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

func (s *ChunkStore) Params() voxel.Params { return s.params }

// Close stops the workers. Results still in flight are dropped.
func (s *ChunkStore) Close() {
	s.once.Do(func() {
		close(s.done)
		close(s.jobs)
	})
	s.wg.Wait()
}

func (s *ChunkStore) Len() int { return len(s.chunks.Keys()) }

// Keys lists loaded chunks, oldest first.
func (s *ChunkStore) Keys() []voxel.ChunkKey {
	raw := s.chunks.Keys()
	out := make([]voxel.ChunkKey, len(raw))
	for i, k := range raw {
		out[i] = voxel.ChunkKey(k)
	}
	return out
}

func (s *ChunkStore) Get(c voxel.Coords2) (*voxel.Chunk, bool) {
	return s.GetByKey(c.Key())
}

func (s *ChunkStore) GetByKey(k voxel.ChunkKey) (*voxel.Chunk, bool) {
	v, ok := s.chunks.Get(string(k))
	if !ok {
		return nil, false
	}
	return v.(*voxel.Chunk), true
}

// ChunkAtVoxel returns the loaded chunk containing world voxel v.
func (s *ChunkStore) ChunkAtVoxel(v voxel.Coords3) (*voxel.Chunk, bool) {
	return s.Get(voxel.VoxelToChunk(v, s.params.Size))
}

// Neighbors returns the loaded chunks among the eight around c.
func (s *ChunkStore) Neighbors(c voxel.Coords2) []*voxel.Chunk {
	out := make([]*voxel.Chunk, 0, len(voxel.NeighborOffsets))
	for _, off := range voxel.NeighborOffsets {
		if ch, ok := s.Get(c.Add(off.X, off.Z)); ok {
			out = append(out, ch)
		}
	}
	return out
}

func (s *ChunkStore) insert(ch *voxel.Chunk) {
	s.chunks.Set(string(ch.Key), ch)
	if ch.NeedsDecoration {
		s.decorateQ = append(s.decorateQ, ch.Key)
	}
}

// load reads storage, then falls back to the generator. Safe to call from workers.
func (s *ChunkStore) load(c voxel.Coords2) (*voxel.Chunk, error) {
	if s.storage != nil {
		ch, ok, err := s.storage.Load(c)
		if err != nil {
			return nil, fmt.Errorf("load chunk %s: %w", c, err)
		}
		if ok {
			return ch, nil
		}
	}
	ch := voxel.NewChunk(c, s.params)
	if s.gen != nil {
		if err := s.gen.Generate(ch); err != nil {
			return nil, fmt.Errorf("generate chunk %s: %w", c, err)
		}
	}
	return ch, nil
}

// LoadOrGenerate returns the chunk at c, reading storage or generating it synchronously
// when it is not in memory.
func (s *ChunkStore) LoadOrGenerate(c voxel.Coords2) (*voxel.Chunk, error) {
	if ch, ok := s.Get(c); ok {
		return ch, nil
	}
	ch, err := s.load(c)
	if err != nil {
		return nil, err
	}
	s.insert(ch)
	return ch, nil
}

// Preload materializes and decorates every chunk within radius of the origin.
func (s *ChunkStore) Preload(radius int) (int, error) {
	n := 0
	for x := -radius; x <= radius; x++ {
		for z := -radius; z <= radius; z++ {
			if x*x+z*z > radius*radius {
				continue
			}
			if _, err := s.LoadOrGenerate(voxel.Coords2{X: x, Z: z}); err != nil {
				return n, err
			}
			n++
		}
	}
	s.Decorate(len(s.decorateQ))
	return n, nil
}
