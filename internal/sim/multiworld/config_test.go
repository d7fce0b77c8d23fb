package multiworld

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadMergesDefaultBlock(t *testing.T) {
	p := writeFile(t, "worlds.yaml", `
default_world: flatland
default:
  chunk_size: 8
  max_height: 64
  save: true
  storage: leveldb
  generation: flat
worlds:
  - name: terra
    generation: hilly
    seed: 7
  - name: flatland
    save: false
    preload: 2
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DefaultWorld != "flatland" {
		t.Fatalf("default world=%q", cfg.DefaultWorld)
	}
	terra, ok := cfg.WorldSpecByName("terra")
	if !ok {
		t.Fatalf("terra missing")
	}
	if terra.ChunkSize != 8 || terra.MaxHeight != 64 || !terra.Save || terra.Storage != StorageLevelDB {
		t.Fatalf("defaults not merged into terra: %+v", terra)
	}
	if terra.Generation != "hilly" || terra.Seed != 7 {
		t.Fatalf("world fields overridden by defaults: %+v", terra)
	}
	flat, _ := cfg.WorldSpecByName("flatland")
	if flat.Save || flat.Preload != 2 || flat.Generation != "flat" {
		t.Fatalf("flatland=%+v", flat)
	}
	if diff := cmp.Diff([]string{"flatland", "terra"}, cfg.Names()); diff != "" {
		t.Fatalf("names (-want +got):\n%s", diff)
	}
}

func TestLoadTOML(t *testing.T) {
	p := writeFile(t, "worlds.toml", `
[default]
chunk_size = 8
render_radius = 3

[[worlds]]
name = "terra"
description = "hills"

[[worlds]]
name = "moon"
render_radius = 5
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DefaultWorld != "terra" {
		t.Fatalf("default world=%q", cfg.DefaultWorld)
	}
	terra, _ := cfg.WorldSpecByName("terra")
	moon, _ := cfg.WorldSpecByName("moon")
	if terra.ChunkSize != 8 || terra.RenderRadius != 3 || terra.Description != "hills" {
		t.Fatalf("terra=%+v", terra)
	}
	if moon.ChunkSize != 8 || moon.RenderRadius != 5 {
		t.Fatalf("moon=%+v", moon)
	}
}

func TestLoadNormalizesMissingFields(t *testing.T) {
	p := writeFile(t, "worlds.yaml", "worlds:\n  - name: main\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	w := cfg.Worlds[0]
	if w.ChunkSize != 16 || w.MaxHeight != 256 || w.RenderRadius != 8 || w.MaxLoadedChunks != 2000 {
		t.Fatalf("defaults: %+v", w)
	}
	if w.TickSpeed != 2 || w.Storage != StorageFile || w.Generation != "hilly" {
		t.Fatalf("defaults: %+v", w)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"duplicate":       "worlds:\n  - name: a\n  - name: a\n",
		"bad name":        "worlds:\n  - name: ../etc\n",
		"unknown field":   "worlds:\n  - name: a\n    colour: red\n",
		"bad storage":     "worlds:\n  - name: a\n    storage: s3\n",
		"bad generation":  "worlds:\n  - name: a\n    generation: caves\n",
		"missing default": "default_world: b\nworlds:\n  - name: a\n",
		"empty":           "worlds: []\n",
		"negative speed":  "worlds:\n  - name: a\n    tick_speed: -1\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeFile(t, "worlds.yaml", body)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestLoadEmptyPathYieldsMainWorld(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DefaultWorld != "main" || len(cfg.Worlds) != 1 || !cfg.Worlds[0].Save {
		t.Fatalf("cfg=%+v", cfg)
	}
}

func TestWorldConfigCarriesOverrides(t *testing.T) {
	spec := WorldSpec{Name: "a", ChunkSize: 8, MaxHeight: 32, ServicePerTick: 9, UpdatesPerSecond: -1}
	wc := spec.WorldConfig()
	if wc.ServicePerTick != 9 || wc.UpdatesPerSecond != -1 || wc.Params().Size != 8 {
		t.Fatalf("world config=%+v", wc)
	}
	if !strings.EqualFold(string(WorldSpec{Generation: "flat"}.GenConfig().Kind), "flat") {
		t.Fatalf("gen kind not carried")
	}
}

func TestSampleWorldsConfigLoads(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "..", "configs", "worlds.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff([]string{"flatland", "main", "scratch"}, cfg.Names()); diff != "" {
		t.Fatalf("names (-want +got):\n%s", diff)
	}
	flat, _ := cfg.WorldSpecByName("flatland")
	if flat.Storage != StorageLevelDB || flat.ChunkSize != 16 || !flat.Save || flat.Preload != 1 {
		t.Fatalf("flatland=%+v", flat)
	}
	scratch, _ := cfg.WorldSpecByName("scratch")
	if scratch.Save || scratch.MaxHeight != 128 || scratch.Generation != "hilly" {
		t.Fatalf("scratch=%+v", scratch)
	}
}
