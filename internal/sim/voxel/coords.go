package voxel

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/go-gl/mathgl/mgl32"

	"voxelstream/internal/sim/world/logic/mathx"
)

// Coords2 addresses a chunk column.
type Coords2 struct {
	X, Z int
}

// Coords3 addresses a voxel in world voxel space.
type Coords3 struct {
	X, Y, Z int
}

// ChunkKey is the canonical string form of a Coords2, "<cx>|<cz>".
type ChunkKey string

func (c Coords2) Key() ChunkKey {
	return ChunkKey(strconv.Itoa(c.X) + "|" + strconv.Itoa(c.Z))
}

func (c Coords2) String() string { return string(c.Key()) }

func (c Coords2) Add(dx, dz int) Coords2 { return Coords2{X: c.X + dx, Z: c.Z + dz} }

// SqDist is the squared chunk-grid distance between c and o.
func (c Coords2) SqDist(o Coords2) int { return mathx.SqDist2(c.X, c.Z, o.X, o.Z) }

func ParseChunkKey(k ChunkKey) (Coords2, error) {
	xs, zs, ok := strings.Cut(string(k), "|")
	if !ok {
		return Coords2{}, fmt.Errorf("bad chunk key %q", k)
	}
	x, err := strconv.Atoi(xs)
	if err != nil {
		return Coords2{}, fmt.Errorf("bad chunk key %q: %w", k, err)
	}
	z, err := strconv.Atoi(zs)
	if err != nil {
		return Coords2{}, fmt.Errorf("bad chunk key %q: %w", k, err)
	}
	return Coords2{X: x, Z: z}, nil
}

// WorldToVoxel maps a world-space position to the voxel containing it. One voxel spans
// dimension world units.
func WorldToVoxel(p mgl32.Vec3, dimension int) Coords3 {
	d := float64(dimension)
	if d <= 0 {
		d = 1
	}
	return Coords3{
		X: mathx.FloorToInt(float64(p[0]) / d),
		Y: mathx.FloorToInt(float64(p[1]) / d),
		Z: mathx.FloorToInt(float64(p[2]) / d),
	}
}

func VoxelToChunk(v Coords3, size int) Coords2 {
	return Coords2{X: mathx.FloorDiv(v.X, size), Z: mathx.FloorDiv(v.Z, size)}
}

func WorldToChunk(p mgl32.Vec3, dimension, size int) Coords2 {
	return VoxelToChunk(WorldToVoxel(p, dimension), size)
}

// NeighborOffsets is the fixed 8-direction table used for every chunk adjacency test.
var NeighborOffsets = [8]Coords2{
	{X: -1, Z: -1}, {X: 0, Z: -1}, {X: 1, Z: -1},
	{X: -1, Z: 0}, {X: 1, Z: 0},
	{X: -1, Z: 1}, {X: 0, Z: 1}, {X: 1, Z: 1},
}

// VoxelNeighborChunks returns the chunks, other than the owner, that share a face, edge or
// corner with voxel v. Interior voxels have none.
func VoxelNeighborChunks(v Coords3, size int) []Coords2 {
	owner := VoxelToChunk(v, size)
	lx := mathx.Mod(v.X, size)
	lz := mathx.Mod(v.Z, size)
	var out []Coords2
	for _, off := range NeighborOffsets {
		if !touchesEdge(off.X, lx, size) || !touchesEdge(off.Z, lz, size) {
			continue
		}
		out = append(out, owner.Add(off.X, off.Z))
	}
	return out
}

func touchesEdge(d, local, size int) bool {
	switch d {
	case -1:
		return local == 0
	case 1:
		return local == size-1
	default:
		return true
	}
}
