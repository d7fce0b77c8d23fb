package voxel

import (
	"fmt"

	"voxelstream/internal/protocol"
)

// Air is the block id every registry reserves for empty space.
const Air uint8 = 0

// Params fixes the geometry shared by every chunk of a world.
type Params struct {
	Size      int // voxels per side
	MaxHeight int
}

func (p Params) Volume() int { return p.Size * p.Size * p.MaxHeight }

// Chunk is a size x maxHeight x size column of voxels with a parallel nibble-packed light
// buffer and a per-column height map. Buffer lengths never change after NewChunk.
type Chunk struct {
	Coords Coords2
	Key    ChunkKey

	size      int
	maxHeight int
	minX      int
	minZ      int

	voxels    []uint8
	lights    []uint8
	heightMap []uint16

	Dirty            bool
	HasMesh          bool
	NeedsDecoration  bool
	NeedsPropagation bool
	NeedsSaving      bool

	disposed bool
}

// NewChunk allocates an empty, undecorated chunk.
func NewChunk(c Coords2, p Params) *Chunk {
	return &Chunk{
		Coords:           c,
		Key:              c.Key(),
		size:             p.Size,
		maxHeight:        p.MaxHeight,
		minX:             c.X * p.Size,
		minZ:             c.Z * p.Size,
		voxels:           make([]uint8, p.Volume()),
		lights:           make([]uint8, p.Volume()),
		heightMap:        make([]uint16, p.Size*p.Size),
		Dirty:            true,
		NeedsDecoration:  true,
		NeedsPropagation: true,
	}
}

func (c *Chunk) Size() int      { return c.size }
func (c *Chunk) Height() int    { return c.maxHeight }
func (c *Chunk) Disposed() bool { return c.disposed }

// Min is the world voxel coordinate of the chunk's lowest corner.
func (c *Chunk) Min() Coords3 { return Coords3{X: c.minX, Y: 0, Z: c.minZ} }

// Contains reports whether world voxel v falls inside the chunk.
func (c *Chunk) Contains(v Coords3) bool {
	_, ok := c.index(v)
	return ok
}

func (c *Chunk) local(vx, vz int) (lx, lz int, ok bool) {
	lx, lz = vx-c.minX, vz-c.minZ
	return lx, lz, lx >= 0 && lx < c.size && lz >= 0 && lz < c.size
}

// index is x-major, then z, then y.
func (c *Chunk) index(v Coords3) (int, bool) {
	lx, lz, ok := c.local(v.X, v.Z)
	if !ok || v.Y < 0 || v.Y >= c.maxHeight {
		return 0, false
	}
	return (lx*c.size+lz)*c.maxHeight + v.Y, true
}

func (c *Chunk) columnIndex(vx, vz int) (int, bool) {
	lx, lz, ok := c.local(vx, vz)
	if !ok {
		return 0, false
	}
	return lx*c.size + lz, true
}

func (c *Chunk) oob(v Coords3) error {
	return fmt.Errorf("%w: %d,%d,%d not in chunk %s", ErrOutOfBounds, v.X, v.Y, v.Z, c.Key)
}

func (c *Chunk) Voxel(v Coords3) (uint8, error) {
	i, ok := c.index(v)
	if !ok {
		return 0, c.oob(v)
	}
	return c.voxels[i], nil
}

func (c *Chunk) SetVoxel(v Coords3, id uint8) error {
	i, ok := c.index(v)
	if !ok {
		return c.oob(v)
	}
	c.voxels[i] = id
	return nil
}

func (c *Chunk) TorchLight(v Coords3) (uint8, error) {
	i, ok := c.index(v)
	if !ok {
		return 0, c.oob(v)
	}
	return c.lights[i] & 0x0F, nil
}

func (c *Chunk) SetTorchLight(v Coords3, level uint8) error {
	i, ok := c.index(v)
	if !ok {
		return c.oob(v)
	}
	c.lights[i] = c.lights[i]&0xF0 | level&0x0F
	return nil
}

func (c *Chunk) Sunlight(v Coords3) (uint8, error) {
	i, ok := c.index(v)
	if !ok {
		return 0, c.oob(v)
	}
	return c.lights[i] >> 4, nil
}

func (c *Chunk) SetSunlight(v Coords3, level uint8) error {
	i, ok := c.index(v)
	if !ok {
		return c.oob(v)
	}
	c.lights[i] = c.lights[i]&0x0F | (level&0x0F)<<4
	return nil
}

// MaxHeight returns the y of the highest non-air voxel in column (vx, vz).
func (c *Chunk) MaxHeight(vx, vz int) (int, error) {
	i, ok := c.columnIndex(vx, vz)
	if !ok {
		return 0, c.oob(Coords3{X: vx, Z: vz})
	}
	return int(c.heightMap[i]), nil
}

func (c *Chunk) SetMaxHeight(vx, vz, h int) error {
	i, ok := c.columnIndex(vx, vz)
	if !ok || h < 0 || h >= c.maxHeight {
		return c.oob(Coords3{X: vx, Y: h, Z: vz})
	}
	c.heightMap[i] = uint16(h)
	return nil
}

// RecalculateHeights rebuilds the whole height map from the voxel buffer.
func (c *Chunk) RecalculateHeights() {
	for col := range c.heightMap {
		base := col * c.maxHeight
		h := 0
		for y := c.maxHeight - 1; y > 0; y-- {
			if c.voxels[base+y] != Air {
				h = y
				break
			}
		}
		c.heightMap[col] = uint16(h)
	}
}

// Update writes one voxel and marks the chunk for remesh, relighting and saving. It
// returns the neighboring chunks that share the edited voxel's boundary.
func (c *Chunk) Update(v Coords3, id uint8) ([]Coords2, error) {
	if c.disposed {
		return nil, ErrDisposed
	}
	i, ok := c.index(v)
	if !ok {
		return nil, c.oob(v)
	}
	c.voxels[i] = id

	col, _ := c.columnIndex(v.X, v.Z)
	h := int(c.heightMap[col])
	switch {
	case id != Air && v.Y > h:
		c.heightMap[col] = uint16(v.Y)
	case id == Air && v.Y == h:
		base := col * c.maxHeight
		h = 0
		for y := v.Y - 1; y > 0; y-- {
			if c.voxels[base+y] != Air {
				h = y
				break
			}
		}
		c.heightMap[col] = uint16(h)
	}

	c.Dirty = true
	c.NeedsPropagation = true
	c.NeedsSaving = true
	return VoxelNeighborChunks(v, c.size), nil
}

// Remesh records that geometry was rebuilt from the current buffers.
func (c *Chunk) Remesh() {
	c.Dirty = false
	c.HasMesh = true
}

// Dispose makes the chunk terminal. A disposed chunk is never reused.
func (c *Chunk) Dispose() {
	c.disposed = true
	c.HasMesh = false
}

// ToPayload serializes the chunk. Buffers are only included when asked for and the
// chunk has been decorated.
func (c *Chunk) ToPayload(includeVoxels bool) protocol.ChunkPayload {
	p := protocol.ChunkPayload{X: int32(c.Coords.X), Z: int32(c.Coords.Z)}
	if !includeVoxels || c.NeedsDecoration {
		return p
	}
	return c.Snapshot()
}

// Snapshot always carries the buffers, whatever the decoration state. Storage uses it.
func (c *Chunk) Snapshot() protocol.ChunkPayload {
	return protocol.ChunkPayload{
		X:         int32(c.Coords.X),
		Z:         int32(c.Coords.Z),
		HasVoxels: true,
		Voxels:    append([]byte(nil), c.voxels...),
		Lights:    append([]byte(nil), c.lights...),
		HeightMap: append([]uint16(nil), c.heightMap...),
	}
}

// LightPayload carries the light and height buffers without voxels. It follows a
// voxel edit the viewer already applied locally.
func (c *Chunk) LightPayload() protocol.ChunkPayload {
	return protocol.ChunkPayload{
		X:         int32(c.Coords.X),
		Z:         int32(c.Coords.Z),
		Lights:    append([]byte(nil), c.lights...),
		HeightMap: append([]uint16(nil), c.heightMap...),
	}
}

// Apply overwrites the buffers from an authority payload. A payload without voxel data
// keeps the voxels and only takes the lights and heights it carries.
func (c *Chunk) Apply(p protocol.ChunkPayload) error {
	if c.disposed {
		return ErrDisposed
	}
	if int(p.X) != c.Coords.X || int(p.Z) != c.Coords.Z {
		return fmt.Errorf("%w: payload %d|%d for chunk %s", ErrBadPayload, p.X, p.Z, c.Key)
	}
	if p.HasVoxels && len(p.Voxels) != len(c.voxels) {
		return fmt.Errorf("%w: %d voxels, want %d", ErrBadPayload, len(p.Voxels), len(c.voxels))
	}
	if len(p.Lights) != 0 && len(p.Lights) != len(c.lights) {
		return fmt.Errorf("%w: %d lights, want %d", ErrBadPayload, len(p.Lights), len(c.lights))
	}
	if len(p.HeightMap) != 0 && len(p.HeightMap) != len(c.heightMap) {
		return fmt.Errorf("%w: %d heights, want %d", ErrBadPayload, len(p.HeightMap), len(c.heightMap))
	}
	if p.HasVoxels {
		copy(c.voxels, p.Voxels)
		c.NeedsDecoration = false
		c.NeedsPropagation = false
	}
	if len(p.Lights) != 0 {
		copy(c.lights, p.Lights)
	}
	if len(p.HeightMap) != 0 {
		copy(c.heightMap, p.HeightMap)
	} else if p.HasVoxels {
		c.RecalculateHeights()
	}
	c.Dirty = true
	return nil
}

// FromPayload builds a fresh chunk from a payload.
func FromPayload(p protocol.ChunkPayload, params Params) (*Chunk, error) {
	c := NewChunk(Coords2{X: int(p.X), Z: int(p.Z)}, params)
	if err := c.Apply(p); err != nil {
		return nil, err
	}
	return c, nil
}
