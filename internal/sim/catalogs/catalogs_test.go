package catalogs

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultRegistry(t *testing.T) {
	b := Default()
	if b.Palette[0] != "AIR" || !b.IsAir(0) {
		t.Fatalf("AIR must be id 0, palette=%v", b.Palette)
	}
	grass := b.MustID("TALL_GRASS")
	if !b.IsPlant(grass) {
		t.Fatalf("TALL_GRASS should be a plant")
	}
	if b.IsPlant(b.MustID("STONE")) {
		t.Fatalf("STONE is not a plant")
	}
	if !b.Has(uint32(len(b.Palette) - 1)) || b.Has(uint32(len(b.Palette))) {
		t.Fatalf("Has bounds wrong for %d blocks", len(b.Palette))
	}
	found := false
	for _, id := range b.PassableIDs() {
		if id == 0 {
			t.Fatalf("AIR must not be listed as passable")
		}
		if uint8(id) == grass {
			found = true
		}
	}
	if !found {
		t.Fatalf("TALL_GRASS missing from passable ids")
	}
	if b.PaletteDigest == "" || b.DefsDigest == "" {
		t.Fatalf("digests not computed")
	}
}

func TestLoadRejectsBadRegistry(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"noair.yaml": "- name: STONE\n  solid: true\n",
		"late.yaml":  "- name: STONE\n  solid: true\n- name: AIR\n  empty: true\n",
		"dup.yaml":   "- name: AIR\n  empty: true\n- name: AIR\n  empty: true\n",
		"light.yaml": "- name: AIR\n  empty: true\n- name: LAMP\n  light: 20\n",
	}
	for name, body := range cases {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := Load(p); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestIdsFollowFileOrderAndSurviveAppend(t *testing.T) {
	before, err := Parse([]byte("- name: AIR\n  empty: true\n- name: STONE\n  solid: true\n- name: DIRT\n  solid: true\n"))
	if err != nil {
		t.Fatal(err)
	}
	after, err := Parse([]byte("- name: AIR\n  empty: true\n- name: STONE\n  solid: true\n- name: DIRT\n  solid: true\n- name: BRICK\n  solid: true\n"))
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"AIR", "STONE", "DIRT"} {
		if before.MustID(name) != after.MustID(name) {
			t.Fatalf("%s renumbered from %d to %d", name, before.MustID(name), after.MustID(name))
		}
	}
	if before.MustID("STONE") != 1 || after.MustID("BRICK") != 3 {
		t.Fatalf("ids not in file order: %v", after.Palette)
	}
	if before.PaletteDigest == after.PaletteDigest {
		t.Fatalf("palette digest ignores new blocks")
	}
}
