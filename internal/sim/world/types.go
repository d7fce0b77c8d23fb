package world

import (
	"errors"
	"fmt"
	"time"

	"voxelstream/internal/protocol"
	"voxelstream/internal/sim/voxel"
)

// DayLength is the period the world clock wraps at.
const DayLength = 2400.0

var (
	ErrRejectedHeight      = errors.New("update rejected: y out of range")
	ErrRejectedType        = errors.New("update rejected: unknown block type")
	ErrRejectedPropagation = errors.New("update rejected: chunk still propagating light")
	ErrRejectedNoop        = errors.New("update rejected: air to air")
	ErrChunkNotLoaded      = errors.New("update rejected: chunk not loaded")
	ErrRateLimited         = errors.New("update rejected: rate limited")
)

type Config struct {
	Name        string
	Description string

	ChunkSize       int
	Dimension       int
	MaxHeight       int
	RenderRadius    int
	MaxLoadedChunks int

	TickSpeed float64
	Time      float64

	ClockPeriod   time.Duration
	ServicePeriod time.Duration

	// Budgets per chunk-service tick.
	ServicePerTick  int // backlog entries popped per peer
	DrainPerTick    int
	DecoratePerTick int

	// Budgeted saves run every SaveEveryTicks clock ticks. Zero disables periodic saves.
	SaveEveryTicks int
	SavePerTick    int

	// Voxel updates accepted per peer. A negative rate means unlimited.
	UpdatesPerSecond float64
	UpdateBurst      int

	MaxBacklog     int
	FrameCacheCost int64
}

func (c *Config) Normalize() {
	if c.ChunkSize <= 0 {
		c.ChunkSize = 16
	}
	if c.Dimension <= 0 {
		c.Dimension = 1
	}
	if c.MaxHeight <= 0 {
		c.MaxHeight = 256
	}
	if c.RenderRadius <= 0 {
		c.RenderRadius = 8
	}
	if c.MaxLoadedChunks <= 0 {
		c.MaxLoadedChunks = 2000
	}
	if c.TickSpeed == 0 {
		c.TickSpeed = 2
	}
	if c.ClockPeriod <= 0 {
		c.ClockPeriod = 16 * time.Millisecond
	}
	if c.ServicePeriod <= 0 {
		c.ServicePeriod = 8 * time.Millisecond
	}
	if c.ServicePerTick <= 0 {
		c.ServicePerTick = 4
	}
	if c.DrainPerTick <= 0 {
		c.DrainPerTick = 8
	}
	if c.DecoratePerTick <= 0 {
		c.DecoratePerTick = 4
	}
	if c.SavePerTick <= 0 {
		c.SavePerTick = 8
	}
	if c.UpdatesPerSecond == 0 {
		c.UpdatesPerSecond = 200
	}
	if c.UpdateBurst <= 0 {
		c.UpdateBurst = 400
	}
	if c.MaxBacklog <= 0 {
		c.MaxBacklog = 4096
	}
	if c.FrameCacheCost <= 0 {
		c.FrameCacheCost = 64 << 20
	}
	c.Time = wrapTime(c.Time)
}

func (c Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("world config: missing name")
	}
	if c.MaxHeight > 1<<16 {
		return fmt.Errorf("world %s: max height %d exceeds %d", c.Name, c.MaxHeight, 1<<16)
	}
	if c.MaxLoadedChunks < 1 {
		return fmt.Errorf("world %s: max loaded chunks must be positive", c.Name)
	}
	if c.TickSpeed < 0 {
		return fmt.Errorf("world %s: negative tick speed", c.Name)
	}
	return nil
}

func (c Config) Params() voxel.Params {
	return voxel.Params{Size: c.ChunkSize, MaxHeight: c.MaxHeight}
}

// AuditEntry records one accepted voxel update.
type AuditEntry struct {
	At    time.Time `json:"at"`
	World string    `json:"world,omitempty"`
	Actor string    `json:"actor"`
	Pos   [3]int    `json:"pos"`
	From  uint8     `json:"from"`
	To    uint8     `json:"to"`
}

type AuditLogger interface {
	WriteAudit(AuditEntry) error
}

// Mesher rebuilds chunk geometry. The world clears the chunk's dirty flag after it returns.
type Mesher interface {
	Remesh(c *voxel.Chunk)
}

// Relighter recomputes the light buffer of an edited chunk and clears NeedsPropagation.
type Relighter interface {
	Relight(c *voxel.Chunk)
}

type JoinRequest struct {
	Name         string
	RenderRadius int
	Out          chan []byte
	Resp         chan JoinResponse
}

type JoinResponse struct {
	PeerID string
	Init   []byte // encoded INIT frame
	Err    error
}

// Envelope is one decoded inbound message.
type Envelope struct {
	PeerID string
	Msg    protocol.Message
}

// Info is a point-in-time summary safe to read from any goroutine.
type Info struct {
	Name           string  `json:"name"`
	Description    string  `json:"description,omitempty"`
	Time           float64 `json:"time"`
	TickSpeed      float64 `json:"tickSpeed"`
	Peers          int     `json:"peers"`
	LoadedChunks   int     `json:"loadedChunks"`
	UpdatesApplied uint64  `json:"updatesApplied"`
	FramesDropped  uint64  `json:"framesDropped"`
	PeersDropped   uint64  `json:"peersDropped"`
}
