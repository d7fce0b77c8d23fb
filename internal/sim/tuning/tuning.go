package tuning

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"voxelstream/internal/sim/world"
)

// Tuning holds the server-wide loop periods and budgets. Worlds inherit them unless their
// own entry in worlds.yaml overrides a field.
type Tuning struct {
	ClockPeriodMs   int `yaml:"clock_period_ms"`
	ServicePeriodMs int `yaml:"service_period_ms"`

	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`

	OutboundBuffer int `yaml:"outbound_buffer"`
	FrameCacheMB   int `yaml:"frame_cache_mb"`

	Budgets    Budgets    `yaml:"budgets"`
	RateLimits RateLimits `yaml:"rate_limits"`
}

type Budgets struct {
	ServicePerTick  int `yaml:"service_per_tick"`
	DrainPerTick    int `yaml:"drain_per_tick"`
	DecoratePerTick int `yaml:"decorate_per_tick"`
	SavePerTick     int `yaml:"save_per_tick"`
	SaveEveryTicks  int `yaml:"save_every_ticks"`
}

type RateLimits struct {
	UpdatesPerSecond float64 `yaml:"updates_per_second"`
	UpdateBurst      int     `yaml:"update_burst"`
}

func Defaults() Tuning {
	return Tuning{
		ClockPeriodMs:   16,
		ServicePeriodMs: 8,
		Workers:         2,
		QueueSize:       256,
		OutboundBuffer:  512,
		FrameCacheMB:    64,
		Budgets: Budgets{
			ServicePerTick:  4,
			DrainPerTick:    8,
			DecoratePerTick: 4,
			SavePerTick:     8,
			SaveEveryTicks:  300,
		},
		RateLimits: RateLimits{
			UpdatesPerSecond: 200,
			UpdateBurst:      400,
		},
	}
}

// Load reads path over the defaults. An empty path yields the defaults.
func Load(path string) (Tuning, error) {
	t := Defaults()
	if strings.TrimSpace(path) == "" {
		return t, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t Tuning) Validate() error {
	if t.ClockPeriodMs <= 0 || t.ServicePeriodMs <= 0 {
		return fmt.Errorf("clock_period_ms and service_period_ms must be > 0")
	}
	if t.Workers <= 0 || t.QueueSize <= 0 {
		return fmt.Errorf("workers and queue_size must be > 0")
	}
	if t.OutboundBuffer <= 0 {
		return fmt.Errorf("outbound_buffer must be > 0")
	}
	b := t.Budgets
	if b.ServicePerTick <= 0 || b.DrainPerTick <= 0 || b.DecoratePerTick <= 0 || b.SavePerTick <= 0 {
		return fmt.Errorf("per-tick budgets must be > 0")
	}
	if b.SaveEveryTicks < 0 {
		return fmt.Errorf("save_every_ticks must be >= 0")
	}
	return nil
}

// Apply fills the zero-valued loop fields of c.
func (t Tuning) Apply(c *world.Config) {
	setDur := func(dst *time.Duration, ms int) {
		if *dst == 0 {
			*dst = time.Duration(ms) * time.Millisecond
		}
	}
	setInt := func(dst *int, v int) {
		if *dst == 0 {
			*dst = v
		}
	}
	setDur(&c.ClockPeriod, t.ClockPeriodMs)
	setDur(&c.ServicePeriod, t.ServicePeriodMs)
	setInt(&c.ServicePerTick, t.Budgets.ServicePerTick)
	setInt(&c.DrainPerTick, t.Budgets.DrainPerTick)
	setInt(&c.DecoratePerTick, t.Budgets.DecoratePerTick)
	setInt(&c.SavePerTick, t.Budgets.SavePerTick)
	setInt(&c.SaveEveryTicks, t.Budgets.SaveEveryTicks)
	setInt(&c.UpdateBurst, t.RateLimits.UpdateBurst)
	if c.UpdatesPerSecond == 0 {
		c.UpdatesPerSecond = t.RateLimits.UpdatesPerSecond
	}
	if c.FrameCacheCost == 0 {
		c.FrameCacheCost = int64(t.FrameCacheMB) << 20
	}
}
