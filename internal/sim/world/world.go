// Package world is the single-writer authority for one voxel world. All mutable state is
// owned by the goroutine running World.Run; other goroutines talk to it through the
// Join, Leave and Inbox channels and read Info.
package world

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"voxelstream/internal/protocol"
	"voxelstream/internal/sim/catalogs"
	"voxelstream/internal/sim/voxel"
	"voxelstream/internal/sim/world/terrain/store"
)

// Deps are the collaborators a world is built from. Store is owned by the caller.
type Deps struct {
	Blocks  *catalogs.Blocks
	Store   *store.ChunkStore
	Lighter Relighter
	Mesher  Mesher
	Logger  logrus.FieldLogger
}

type World struct {
	cfg     Config
	blocks  *catalogs.Blocks
	store   *store.ChunkStore
	lighter Relighter
	mesher  Mesher
	log     logrus.FieldLogger

	auditLogger AuditLogger

	// Encoded LOAD frames by chunk key. Dropped on every remesh.
	frames *ristretto.Cache[string, []byte]

	peers     map[string]*Peer
	peerOrder []string

	join  chan JoinRequest
	leave chan string
	inbox chan Envelope
	stop  chan struct{}
	once  sync.Once

	lastClock  time.Time
	clockTicks uint64

	worldTime      atomic.Float64
	tickSpeed      atomic.Float64
	peerCount      atomic.Int64
	loadedChunks   atomic.Int64
	updatesApplied atomic.Uint64
	framesDropped  atomic.Uint64
	peersDropped   atomic.Uint64
}

func New(cfg Config, deps Deps) (*World, error) {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Blocks == nil || deps.Store == nil {
		return nil, fmt.Errorf("world %s: blocks and store are required", cfg.Name)
	}
	if p := deps.Store.Params(); p != cfg.Params() {
		return nil, fmt.Errorf("world %s: store params %+v do not match config %+v", cfg.Name, p, cfg.Params())
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	frames, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters:        int64(cfg.MaxLoadedChunks) * 10,
		MaxCost:            cfg.FrameCacheCost,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("world %s: frame cache: %w", cfg.Name, err)
	}
	w := &World{
		cfg:     cfg,
		blocks:  deps.Blocks,
		store:   deps.Store,
		lighter: deps.Lighter,
		mesher:  deps.Mesher,
		log:     deps.Logger.WithField("world", cfg.Name),
		frames:  frames,
		peers:   map[string]*Peer{},
		join:    make(chan JoinRequest, 64),
		leave:   make(chan string, 64),
		inbox:   make(chan Envelope, 1024),
		stop:    make(chan struct{}),
	}
	w.worldTime.Store(cfg.Time)
	w.tickSpeed.Store(cfg.TickSpeed)
	w.loadedChunks.Store(int64(deps.Store.Len()))
	return w, nil
}

func (w *World) SetAuditLogger(l AuditLogger) { w.auditLogger = l }

func (w *World) Join() chan<- JoinRequest { return w.join }
func (w *World) Leave() chan<- string     { return w.leave }
func (w *World) Inbox() chan<- Envelope   { return w.inbox }

func (w *World) Name() string   { return w.cfg.Name }
func (w *World) Config() Config { return w.cfg }
func (w *World) Time() float64  { return w.worldTime.Load() }

// Store is only safe to touch from the Run goroutine or before Run starts.
func (w *World) Store() *store.ChunkStore { return w.store }

func (w *World) Stop() { w.once.Do(func() { close(w.stop) }) }

func (w *World) Info() Info {
	return Info{
		Name:           w.cfg.Name,
		Description:    w.cfg.Description,
		Time:           w.worldTime.Load(),
		TickSpeed:      w.tickSpeed.Load(),
		Peers:          int(w.peerCount.Load()),
		LoadedChunks:   int(w.loadedChunks.Load()),
		UpdatesApplied: w.updatesApplied.Load(),
		FramesDropped:  w.framesDropped.Load(),
		PeersDropped:   w.peersDropped.Load(),
	}
}

// Run drives the clock and chunk-service ticks until ctx is done or Stop is called.
// Dirty chunks are flushed before it returns.
func (w *World) Run(ctx context.Context) error {
	clock := time.NewTicker(w.cfg.ClockPeriod)
	defer clock.Stop()
	service := time.NewTicker(w.cfg.ServicePeriod)
	defer service.Stop()
	defer w.shutdown()

	w.lastClock = time.Now()
	w.log.WithFields(logrus.Fields{
		"clock":   w.cfg.ClockPeriod,
		"service": w.cfg.ServicePeriod,
		"chunks":  w.store.Len(),
	}).Info("world running")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stop:
			return nil
		case req := <-w.join:
			w.handleJoin(req)
		case id := <-w.leave:
			w.handleLeave(id)
		case env := <-w.inbox:
			w.handleEnvelope(env)
		case now := <-clock.C:
			w.tickClock(now)
		case <-service.C:
			w.serviceChunks()
		}
	}
}

func (w *World) shutdown() {
	if err := w.store.SaveAll(); err != nil {
		w.log.WithError(err).Error("final save incomplete")
	}
	w.frames.Close()
	w.log.Info("world stopped")
}

func (w *World) peerList() []*Peer {
	out := make([]*Peer, 0, len(w.peerOrder))
	for _, id := range w.peerOrder {
		out = append(out, w.peers[id])
	}
	return out
}

// broadcast encodes m once and offers it to every peer except exclude. Nothing resends
// these frames, so a peer whose buffer cannot take one is disconnected and reloads on
// reconnect.
func (w *World) broadcast(m protocol.Message, exclude string) {
	b, err := protocol.Encode(m)
	if err != nil {
		w.log.WithError(err).WithField("type", m.Type).Error("encode broadcast")
		return
	}
	var lagging []*Peer
	for _, p := range w.peerList() {
		if p.ID == exclude {
			continue
		}
		if !w.deliver(p, b) {
			lagging = append(lagging, p)
		}
	}
	w.dropLagging(lagging)
}

func (w *World) deliver(p *Peer, b []byte) bool {
	if p.send(b) {
		return true
	}
	w.framesDropped.Inc()
	return false
}

// dropLagging disconnects peers that missed a frame which will not be sent again.
func (w *World) dropLagging(ps []*Peer) {
	for _, p := range ps {
		if w.peers[p.ID] != p {
			continue
		}
		w.peersDropped.Inc()
		w.log.WithField("peer", p.ID).Warn("outbound buffer full, disconnecting peer")
		w.removePeer(p, fmt.Sprintf("%s lost connection", displayName(p)))
	}
}

func (w *World) recordAudit(actor string, v voxel.Coords3, from, to uint8) {
	if w.auditLogger == nil {
		return
	}
	e := AuditEntry{
		At:    time.Now().UTC(),
		World: w.cfg.Name,
		Actor: actor,
		Pos:   [3]int{v.X, v.Y, v.Z},
		From:  from,
		To:    to,
	}
	if err := w.auditLogger.WriteAudit(e); err != nil {
		w.log.WithError(err).Warn("audit write failed")
	}
}
