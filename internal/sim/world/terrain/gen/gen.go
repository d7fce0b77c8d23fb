package gen

import (
	"fmt"

	"voxelstream/internal/sim/catalogs"
	"voxelstream/internal/sim/voxel"
	"voxelstream/internal/sim/world/logic/mathx"
)

type Kind string

const (
	KindFlat  Kind = "flat"
	KindHilly Kind = "hilly"
)

type Config struct {
	Kind            Kind
	Seed            int64
	BaseHeight      int
	Amplitude       int
	BiomeRegionSize int
	PlantPermille   int
}

// Generator fills fresh chunks. It only reads its configuration, so one instance may be
// shared by concurrent workers.
type Generator struct {
	cfg Config

	air, stone, dirt, grass, sand uint8
	plants                        []uint8
}

func New(cfg Config, blocks *catalogs.Blocks) (*Generator, error) {
	if cfg.Kind != KindFlat && cfg.Kind != KindHilly {
		return nil, fmt.Errorf("gen: unknown generation %q", cfg.Kind)
	}
	g := &Generator{cfg: cfg}
	for name, dst := range map[string]*uint8{
		"STONE": &g.stone, "DIRT": &g.dirt, "GRASS_BLOCK": &g.grass, "SAND": &g.sand,
	} {
		id, ok := blocks.ID(name)
		if !ok {
			return nil, fmt.Errorf("gen: registry lacks %s", name)
		}
		*dst = id
	}
	for id := range blocks.Defs {
		if blocks.IsPlant(uint8(id)) {
			g.plants = append(g.plants, uint8(id))
		}
	}
	return g, nil
}

func (g *Generator) Generate(c *voxel.Chunk) error {
	size, maxH := c.Size(), c.Height()
	min := c.Min()
	for lx := 0; lx < size; lx++ {
		for lz := 0; lz < size; lz++ {
			wx, wz := min.X+lx, min.Z+lz
			h := g.heightAt(wx, wz)
			if h >= maxH-1 {
				h = maxH - 2
			}
			biome := BiomeAt(g.cfg.Seed, wx, wz, g.cfg.BiomeRegionSize)
			top, under := g.grass, g.dirt
			if biome == "DESERT" {
				top, under = g.sand, g.sand
			}
			for y := 0; y <= h; y++ {
				id := g.stone
				switch {
				case y == h:
					id = top
				case y >= h-3:
					id = under
				}
				if err := c.SetVoxel(voxel.Coords3{X: wx, Y: y, Z: wz}, id); err != nil {
					return err
				}
			}
			if biome != "DESERT" && len(g.plants) > 0 {
				roll := Hash2(g.cfg.Seed+999, wx, wz)
				if roll%1000 < uint64(ClampPermille(g.cfg.PlantPermille)) {
					p := g.plants[(roll>>10)%uint64(len(g.plants))]
					if err := c.SetVoxel(voxel.Coords3{X: wx, Y: h + 1, Z: wz}, p); err != nil {
						return err
					}
				}
			}
		}
	}
	c.RecalculateHeights()
	return nil
}

func (g *Generator) heightAt(x, z int) int {
	if g.cfg.Kind == KindFlat {
		return g.cfg.BaseHeight
	}
	n := 0.65*valueNoise(g.cfg.Seed, x, z, 64) + 0.35*valueNoise(g.cfg.Seed+17, x, z, 16)
	return g.cfg.BaseHeight + int(n*float64(g.cfg.Amplitude))
}

// valueNoise interpolates hashed lattice values; result in [0, 1).
func valueNoise(seed int64, x, z, grid int) float64 {
	gx, gz := FloorDiv(x, grid), FloorDiv(z, grid)
	fx := float64(Mod(x, grid)) / float64(grid)
	fz := float64(Mod(z, grid)) / float64(grid)
	v00 := unit(Hash2(seed, gx, gz))
	v10 := unit(Hash2(seed, gx+1, gz))
	v01 := unit(Hash2(seed, gx, gz+1))
	v11 := unit(Hash2(seed, gx+1, gz+1))
	sx, sz := smooth(fx), smooth(fz)
	a := v00 + (v10-v00)*sx
	b := v01 + (v11-v01)*sx
	return a + (b-a)*sz
}

func unit(h uint64) float64 { return float64(h>>11) / float64(1<<53) }

func smooth(t float64) float64 { return t * t * (3 - 2*t) }

func FloorDiv(a, b int) int {
	return mathx.FloorDiv(a, b)
}

func Mod(a, b int) int {
	return mathx.Mod(a, b)
}

func Hash2(seed int64, x, z int) uint64 {
	return mathx.Hash2(seed, x, z)
}

func BiomeFrom(noise uint64) string {
	switch noise % 3 {
	case 0:
		return "PLAINS"
	case 1:
		return "FOREST"
	default:
		return "DESERT"
	}
}

func BiomeAt(seed int64, x, z, regionSize int) string {
	if regionSize <= 0 {
		regionSize = 1
	}
	rx := FloorDiv(x, regionSize)
	rz := FloorDiv(z, regionSize)
	return BiomeFrom(Hash2(seed, rx, rz))
}

func ClampPermille(v int) int {
	if v < 0 {
		return 0
	}
	if v > 1000 {
		return 1000
	}
	return v
}
