package tuning

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"voxelstream/internal/sim/world"
)

func TestLoadOverlaysDefaults(t *testing.T) {
	p := filepath.Join(t.TempDir(), "tuning.yaml")
	raw := "clock_period_ms: 20\nbudgets:\n  service_per_tick: 6\n"
	if err := os.WriteFile(p, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.ClockPeriodMs != 20 || got.Budgets.ServicePerTick != 6 {
		t.Fatalf("overrides not applied: %+v", got)
	}
	if got.ServicePeriodMs != 8 || got.Budgets.DrainPerTick != 8 {
		t.Fatalf("defaults lost: %+v", got)
	}
}

func TestLoadRejectsZeroBudget(t *testing.T) {
	p := filepath.Join(t.TempDir(), "tuning.yaml")
	if err := os.WriteFile(p, []byte("budgets:\n  drain_per_tick: 0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(p); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestApplyKeepsWorldOverrides(t *testing.T) {
	c := world.Config{ServicePerTick: 2}
	Defaults().Apply(&c)
	if c.ServicePerTick != 2 {
		t.Fatalf("override replaced: %d", c.ServicePerTick)
	}
	if c.ClockPeriod != 16*time.Millisecond || c.ServicePeriod != 8*time.Millisecond {
		t.Fatalf("periods: %v %v", c.ClockPeriod, c.ServicePeriod)
	}
	if c.FrameCacheCost != 64<<20 {
		t.Fatalf("frame cache cost=%d", c.FrameCacheCost)
	}
}

func TestSampleTuningMatchesDefaults(t *testing.T) {
	got, err := Load(filepath.Join("..", "..", "..", "configs", "tuning.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != Defaults() {
		t.Fatalf("sample tuning drifted from defaults: %+v", got)
	}
}
