package catalogs

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed blocks.yaml
var defaultBlocks []byte

// BlockDef describes one block type. Light is the torchlight level the block emits.
type BlockDef struct {
	Name        string `yaml:"name" json:"name"`
	Empty       bool   `yaml:"empty" json:"empty"`
	Solid       bool   `yaml:"solid" json:"solid"`
	Transparent bool   `yaml:"transparent" json:"transparent"`
	Fluid       bool   `yaml:"fluid" json:"fluid"`
	Plant       bool   `yaml:"plant" json:"plant"`
	Passable    bool   `yaml:"passable" json:"passable"`
	Light       uint8  `yaml:"light" json:"light"`
}

// Blocks is the immutable block registry shared by a world's store, lighter and
// authority. Palette index is the on-wire block id.
type Blocks struct {
	Palette       []string
	Index         map[string]uint8
	Defs          []BlockDef
	PaletteDigest string
	DefsDigest    string
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Default returns the built-in registry.
func Default() *Blocks {
	b, err := Parse(defaultBlocks)
	if err != nil {
		panic(fmt.Sprintf("catalogs: embedded blocks.yaml: %v", err))
	}
	return b
}

// Load reads a registry file. An empty path yields the built-in registry.
func Load(path string) (*Blocks, error) {
	if path == "" {
		return Default(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	b, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return b, nil
}

// Parse builds a registry from a YAML list. Ids follow file order and AIR must come
// first, so appending a block never renumbers the ones saved chunks already use.
func Parse(raw []byte) (*Blocks, error) {
	var defs []BlockDef
	if err := yaml.Unmarshal(raw, &defs); err != nil {
		return nil, fmt.Errorf("blocks: %w", err)
	}
	if len(defs) == 0 || defs[0].Name != "AIR" {
		return nil, fmt.Errorf("blocks: AIR must be the first entry")
	}
	if !defs[0].Empty || defs[0].Solid {
		return nil, fmt.Errorf("blocks: AIR must be empty and non-solid")
	}
	if len(defs) > 256 {
		return nil, fmt.Errorf("blocks: %d types exceed the 8-bit id space", len(defs))
	}

	b := &Blocks{
		Palette: make([]string, 0, len(defs)),
		Index:   make(map[string]uint8, len(defs)),
		Defs:    defs,
	}
	for i, d := range defs {
		if d.Name == "" {
			return nil, fmt.Errorf("blocks: empty name at entry %d", i)
		}
		if _, dup := b.Index[d.Name]; dup {
			return nil, fmt.Errorf("blocks: duplicate %s", d.Name)
		}
		if d.Light > 15 {
			return nil, fmt.Errorf("blocks: %s light %d > 15", d.Name, d.Light)
		}
		b.Index[d.Name] = uint8(i)
		b.Palette = append(b.Palette, d.Name)
	}
	palJSON, _ := json.Marshal(b.Palette)
	b.PaletteDigest = sha256Hex(palJSON)
	defsJSON, _ := json.Marshal(b.Defs)
	b.DefsDigest = sha256Hex(defsJSON)
	return b, nil
}

// Has reports whether id names a registered block.
func (b *Blocks) Has(id uint32) bool { return id < uint32(len(b.Defs)) }

func (b *Blocks) Def(id uint8) (BlockDef, bool) {
	if int(id) >= len(b.Defs) {
		return BlockDef{}, false
	}
	return b.Defs[id], true
}

func (b *Blocks) ID(name string) (uint8, bool) {
	id, ok := b.Index[name]
	return id, ok
}

// MustID is ID for names the caller knows are registered.
func (b *Blocks) MustID(name string) uint8 {
	id, ok := b.Index[name]
	if !ok {
		panic("catalogs: unknown block " + name)
	}
	return id
}

func (b *Blocks) IsAir(id uint8) bool { return id == 0 }

func (b *Blocks) IsPlant(id uint8) bool {
	d, ok := b.Def(id)
	return ok && d.Plant
}

// BlocksSunlight reports whether id stops sunlight.
func (b *Blocks) BlocksSunlight(id uint8) bool {
	d, ok := b.Def(id)
	return ok && !d.Transparent && !d.Empty
}

func (b *Blocks) Emission(id uint8) uint8 {
	d, _ := b.Def(id)
	return d.Light
}

// PassableIDs lists non-air blocks a viewer may walk through.
func (b *Blocks) PassableIDs() []uint32 {
	var out []uint32
	for i, d := range b.Defs {
		if i != 0 && d.Passable {
			out = append(out, uint32(i))
		}
	}
	return out
}
