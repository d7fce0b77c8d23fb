package light

import (
	"voxelstream/internal/sim/catalogs"
	"voxelstream/internal/sim/voxel"
)

const MaxLevel = 15

// Lighter finalizes chunk lighting. All work is chunk-local: light does not cross chunk
// borders.
type Lighter struct {
	blocks *catalogs.Blocks
}

func New(blocks *catalogs.Blocks) *Lighter {
	return &Lighter{blocks: blocks}
}

// Decorate computes sunlight and torchlight for a freshly generated or loaded chunk and
// marks it transmittable.
func (l *Lighter) Decorate(c *voxel.Chunk) {
	l.relight(c)
	c.NeedsDecoration = false
}

// Relight brings the light buffer back in line after an edit and lifts the propagation
// hold.
func (l *Lighter) Relight(c *voxel.Chunk) {
	l.relight(c)
}

type node struct {
	v     voxel.Coords3
	level uint8
}

func (l *Lighter) relight(c *voxel.Chunk) {
	size, maxH := c.Size(), c.Height()
	min := c.Min()
	var queue []node

	for lx := 0; lx < size; lx++ {
		for lz := 0; lz < size; lz++ {
			sun := uint8(MaxLevel)
			for y := maxH - 1; y >= 0; y-- {
				v := voxel.Coords3{X: min.X + lx, Y: y, Z: min.Z + lz}
				id, _ := c.Voxel(v)
				if l.blocks.BlocksSunlight(id) {
					sun = 0
				}
				_ = c.SetSunlight(v, sun)
				_ = c.SetTorchLight(v, 0)
				if e := l.blocks.Emission(id); e > 0 {
					queue = append(queue, node{v: v, level: e})
				}
			}
		}
	}

	// Breadth-first torch flood; each step loses one level.
	for i := 0; i < len(queue); i++ {
		n := queue[i]
		cur, err := c.TorchLight(n.v)
		if err != nil || cur >= n.level {
			continue
		}
		_ = c.SetTorchLight(n.v, n.level)
		if n.level <= 1 {
			continue
		}
		for _, d := range faceOffsets {
			nv := voxel.Coords3{X: n.v.X + d.X, Y: n.v.Y + d.Y, Z: n.v.Z + d.Z}
			id, err := c.Voxel(nv)
			if err != nil || l.blocks.BlocksSunlight(id) {
				continue
			}
			queue = append(queue, node{v: nv, level: n.level - 1})
		}
	}

	c.NeedsPropagation = false
	c.Dirty = true
}

var faceOffsets = [6]voxel.Coords3{
	{X: 1}, {X: -1}, {Y: 1}, {Y: -1}, {Z: 1}, {Z: -1},
}
