package multiworld

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/pelletier/go-toml"
	"gopkg.in/yaml.v3"

	"voxelstream/internal/sim/world"
	"voxelstream/internal/sim/world/terrain/gen"
)

// Config is the parsed worlds file. Every world entry has already been merged over the
// file's `default` block.
type Config struct {
	DefaultWorld string
	Worlds       []WorldSpec
}

type WorldSpec struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	ChunkSize       int `yaml:"chunk_size"`
	Dimension       int `yaml:"dimension"`
	MaxHeight       int `yaml:"max_height"`
	RenderRadius    int `yaml:"render_radius"`
	MaxLoadedChunks int `yaml:"max_loaded_chunks"`
	Preload         int `yaml:"preload"`

	TickSpeed float64 `yaml:"tick_speed"`
	Time      float64 `yaml:"time"`

	Save      bool   `yaml:"save"`
	Storage   string `yaml:"storage"`    // file or leveldb
	ChunkRoot string `yaml:"chunk_root"` // defaults to <data>/<name>/chunks

	Generation      string `yaml:"generation"`
	Seed            int64  `yaml:"seed"`
	BaseHeight      int    `yaml:"base_height"`
	Amplitude       int    `yaml:"amplitude"`
	BiomeRegionSize int    `yaml:"biome_region_size"`
	PlantPermille   int    `yaml:"plant_permille"`

	// Optional per-world overrides of the server tuning.
	ServicePerTick   int     `yaml:"service_per_tick"`
	SaveEveryTicks   int     `yaml:"save_every_ticks"`
	UpdatesPerSecond float64 `yaml:"updates_per_second"`
}

const (
	StorageFile    = "file"
	StorageLevelDB = "leveldb"
)

var worldNameRE = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Load reads a worlds file in YAML, or TOML when the name ends in .toml. An empty path
// yields a single default world.
func Load(path string) (Config, error) {
	if strings.TrimSpace(path) == "" {
		cfg := Config{Worlds: []WorldSpec{{Name: "main", Save: true}}}
		cfg.Normalize()
		return cfg, cfg.Validate()
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	name := filepath.Base(path)
	var doc map[string]any
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		tree, err := toml.LoadBytes(b)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", name, err)
		}
		doc = tree.ToMap()
	} else if err := yaml.Unmarshal(b, &doc); err != nil {
		return Config{}, fmt.Errorf("%s: %w", name, err)
	}
	cfg, err := fromDocument(doc)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", name, err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", name, err)
	}
	return cfg, nil
}

func fromDocument(doc map[string]any) (Config, error) {
	var cfg Config
	if v, ok := doc["default_world"]; ok {
		s, ok := v.(string)
		if !ok {
			return cfg, fmt.Errorf("default_world must be a string")
		}
		cfg.DefaultWorld = s
	}
	defaults := map[string]any{}
	if v, ok := doc["default"]; ok {
		m, ok := v.(map[string]any)
		if !ok {
			return cfg, fmt.Errorf("default must be a table")
		}
		defaults = m
	}
	list, _ := doc["worlds"].([]any)
	if len(list) == 0 {
		return cfg, fmt.Errorf("worlds must not be empty")
	}
	for i, raw := range list {
		entry, ok := raw.(map[string]any)
		if !ok {
			return cfg, fmt.Errorf("worlds[%d] must be a table", i)
		}
		merge(entry, defaults)
		spec, err := decodeSpec(entry)
		if err != nil {
			return cfg, fmt.Errorf("worlds[%d]: %w", i, err)
		}
		cfg.Worlds = append(cfg.Worlds, spec)
	}
	return cfg, nil
}

// merge copies every key of src missing from dst, descending into nested tables.
func merge(dst, src map[string]any) {
	for k, sv := range src {
		dv, ok := dst[k]
		if !ok {
			dst[k] = sv
			continue
		}
		dm, dok := dv.(map[string]any)
		sm, sok := sv.(map[string]any)
		if dok && sok {
			merge(dm, sm)
		}
	}
}

// decodeSpec round-trips a merged table through YAML so both file formats share the
// struct tags of WorldSpec.
func decodeSpec(entry map[string]any) (WorldSpec, error) {
	var spec WorldSpec
	b, err := yaml.Marshal(entry)
	if err != nil {
		return spec, err
	}
	dec := yaml.NewDecoder(strings.NewReader(string(b)))
	dec.KnownFields(true)
	if err := dec.Decode(&spec); err != nil {
		return spec, err
	}
	return spec, nil
}

func (c *Config) Normalize() {
	for i := range c.Worlds {
		w := &c.Worlds[i]
		w.Name = strings.TrimSpace(w.Name)
		if w.ChunkSize <= 0 {
			w.ChunkSize = 16
		}
		if w.Dimension <= 0 {
			w.Dimension = 1
		}
		if w.MaxHeight <= 0 {
			w.MaxHeight = 256
		}
		if w.RenderRadius <= 0 {
			w.RenderRadius = 8
		}
		if w.MaxLoadedChunks <= 0 {
			w.MaxLoadedChunks = 2000
		}
		if w.TickSpeed == 0 {
			w.TickSpeed = 2
		}
		if w.Storage == "" {
			w.Storage = StorageFile
		}
		if w.Generation == "" {
			w.Generation = string(gen.KindHilly)
		}
		if w.BaseHeight <= 0 {
			w.BaseHeight = w.MaxHeight / 4
		}
		if w.Amplitude <= 0 {
			w.Amplitude = 12
		}
		if w.BiomeRegionSize <= 0 {
			w.BiomeRegionSize = 256
		}
	}
	if c.DefaultWorld == "" && len(c.Worlds) > 0 {
		c.DefaultWorld = c.Worlds[0].Name
	}
}

func (c Config) Validate() error {
	if len(c.Worlds) == 0 {
		return fmt.Errorf("worlds must not be empty")
	}
	seen := map[string]bool{}
	for _, w := range c.Worlds {
		if !worldNameRE.MatchString(w.Name) {
			return fmt.Errorf("world name %q must match %s", w.Name, worldNameRE)
		}
		if seen[w.Name] {
			return fmt.Errorf("duplicate world name: %s", w.Name)
		}
		seen[w.Name] = true
		if w.MaxHeight < 2 || w.MaxHeight > 1<<16 {
			return fmt.Errorf("world %s max_height must be in [2, 65536]", w.Name)
		}
		if w.Preload < 0 {
			return fmt.Errorf("world %s preload must be >= 0", w.Name)
		}
		if w.TickSpeed < 0 {
			return fmt.Errorf("world %s tick_speed must be >= 0", w.Name)
		}
		if w.Storage != StorageFile && w.Storage != StorageLevelDB {
			return fmt.Errorf("world %s storage %q must be %s or %s", w.Name, w.Storage, StorageFile, StorageLevelDB)
		}
		switch gen.Kind(w.Generation) {
		case gen.KindFlat, gen.KindHilly:
		default:
			return fmt.Errorf("world %s generation %q must be %s or %s", w.Name, w.Generation, gen.KindFlat, gen.KindHilly)
		}
	}
	if !seen[c.DefaultWorld] {
		return fmt.Errorf("default_world %q not found in worlds", c.DefaultWorld)
	}
	return nil
}

func (c Config) Names() []string {
	out := make([]string, 0, len(c.Worlds))
	for _, w := range c.Worlds {
		out = append(out, w.Name)
	}
	sort.Strings(out)
	return out
}

func (c Config) WorldSpecByName(name string) (WorldSpec, bool) {
	for _, w := range c.Worlds {
		if w.Name == name {
			return w, true
		}
	}
	return WorldSpec{}, false
}

// WorldConfig maps the world entry onto the authority's config. Loop fields left zero are filled
// from the server tuning.
func (w WorldSpec) WorldConfig() world.Config {
	return world.Config{
		Name:             w.Name,
		Description:      w.Description,
		ChunkSize:        w.ChunkSize,
		Dimension:        w.Dimension,
		MaxHeight:        w.MaxHeight,
		RenderRadius:     w.RenderRadius,
		MaxLoadedChunks:  w.MaxLoadedChunks,
		TickSpeed:        w.TickSpeed,
		Time:             w.Time,
		ServicePerTick:   w.ServicePerTick,
		SaveEveryTicks:   w.SaveEveryTicks,
		UpdatesPerSecond: w.UpdatesPerSecond,
	}
}

func (w WorldSpec) GenConfig() gen.Config {
	return gen.Config{
		Kind:            gen.Kind(w.Generation),
		Seed:            w.Seed,
		BaseHeight:      w.BaseHeight,
		Amplitude:       w.Amplitude,
		BiomeRegionSize: w.BiomeRegionSize,
		PlantPermille:   w.PlantPermille,
	}
}
