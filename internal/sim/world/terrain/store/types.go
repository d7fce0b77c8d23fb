package store

import (
	"github.com/sirupsen/logrus"

	"voxelstream/internal/sim/voxel"
)

// Generator fills a fresh chunk. It runs on worker goroutines.
type Generator interface {
	Generate(c *voxel.Chunk) error
}

// Storage persists chunks. Load reports ok=false when nothing is stored.
type Storage interface {
	Load(c voxel.Coords2) (*voxel.Chunk, bool, error)
	Save(c *voxel.Chunk) error
}

// Lighter finalizes lighting for a loaded chunk.
type Lighter interface {
	Decorate(c *voxel.Chunk)
}

// SaveObserver is told about every successful save.
type SaveObserver func(c *voxel.Chunk)

type Options struct {
	Params    voxel.Params
	Generator Generator
	Storage   Storage // nil disables persistence
	Lighter   Lighter
	Observer  SaveObserver
	Logger    logrus.FieldLogger

	// Workers load or generate requested chunks off the tick.
	Workers   int
	QueueSize int
}

type result struct {
	coords voxel.Coords2
	chunk  *voxel.Chunk
	err    error
}
