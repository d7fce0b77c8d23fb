// Package viewer is the client side of the chunk stream: it decides which chunks to ask
// the authority for, materializes what arrives and drops what falls out of range.
package viewer

import (
	"fmt"
	"math"
	"sort"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/sirupsen/logrus"

	"voxelstream/internal/protocol"
	"voxelstream/internal/sim/voxel"
)

type Options struct {
	ChunkSize int
	MaxHeight int
	Dimension int

	// RenderRadius chunks are drawn. RequestRadius chunks are fetched ahead of time and
	// must be at least RenderRadius.
	RenderRadius  int
	RequestRadius int

	MaxRequestsPerFrame int
	MaxProcessPerFrame  int
}

func (o *Options) normalize() {
	if o.ChunkSize <= 0 {
		o.ChunkSize = 16
	}
	if o.MaxHeight <= 0 {
		o.MaxHeight = 256
	}
	if o.Dimension <= 0 {
		o.Dimension = 1
	}
	if o.RenderRadius <= 0 {
		o.RenderRadius = 8
	}
	if o.RequestRadius < o.RenderRadius {
		o.RequestRadius = o.RenderRadius
	}
	if o.MaxRequestsPerFrame <= 0 {
		o.MaxRequestsPerFrame = 4
	}
	if o.MaxProcessPerFrame <= 0 {
		o.MaxProcessPerFrame = 2
	}
}

// Mesher rebuilds geometry for a local chunk.
type Mesher interface {
	Remesh(c *voxel.Chunk)
}

// LocalChunk is a chunk held by the viewer. Visible toggles with distance; disposal
// removes it from the map.
type LocalChunk struct {
	*voxel.Chunk
	Visible bool
}

// FrameStats reports what one Update did.
type FrameStats struct {
	Requested int
	Processed int
	Hidden    int
	Disposed  int
	Remeshed  int
}

// Scheduler is not safe for concurrent use. It is driven by a single frame loop.
type Scheduler struct {
	opts   Options
	send   func(protocol.Message) error
	mesher Mesher
	log    logrus.FieldLogger

	chunks    map[voxel.ChunkKey]*LocalChunk
	pending   []voxel.Coords2
	requested map[voxel.ChunkKey]voxel.Coords2
	received  []protocol.ChunkPayload

	center   voxel.Coords2
	centered bool
	ready    bool
}

// NewScheduler sends REQUEST messages through send. mesher may be nil.
func NewScheduler(opts Options, send func(protocol.Message) error, mesher Mesher, logger logrus.FieldLogger) *Scheduler {
	opts.normalize()
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Scheduler{
		opts:      opts,
		send:      send,
		mesher:    mesher,
		log:       logger,
		chunks:    map[voxel.ChunkKey]*LocalChunk{},
		requested: map[voxel.ChunkKey]voxel.Coords2{},
	}
}

func (s *Scheduler) Options() Options { return s.opts }

// SurroundChunks lists every coordinate within radius of center, nearest first. The test
// is circular: dx²+dz² <= radius².
func SurroundChunks(center voxel.Coords2, radius int) []voxel.Coords2 {
	var out []voxel.Coords2
	for dx := -radius; dx <= radius; dx++ {
		for dz := -radius; dz <= radius; dz++ {
			if dx*dx+dz*dz > radius*radius {
				continue
			}
			out = append(out, center.Add(dx, dz))
		}
	}
	sortByDistance(out, center)
	return out
}

func sortByDistance(cs []voxel.Coords2, center voxel.Coords2) {
	sort.SliceStable(cs, func(i, j int) bool {
		return cs[i].SqDist(center) < cs[j].SqDist(center)
	})
}

// OnLoad queues the chunks of a LOAD message for materialization.
func (s *Scheduler) OnLoad(chunks []protocol.ChunkPayload) {
	s.received = append(s.received, chunks...)
}

// OnUpdate queues the chunk part of an UPDATE. Payloads for chunks the viewer does not
// hold are dropped since they carry no voxels.
func (s *Scheduler) OnUpdate(chunks []protocol.ChunkPayload) {
	for _, p := range chunks {
		if !p.HasVoxels {
			if _, ok := s.chunks[voxel.Coords2{X: int(p.X), Z: int(p.Z)}.Key()]; !ok {
				continue
			}
		}
		s.received = append(s.received, p)
	}
}

// OnVoxelDelta applies authority-accepted voxel edits straight to the local chunks. The
// touched chunks are remeshed on the next Update.
func (s *Scheduler) OnVoxelDelta(updates []protocol.VoxelUpdate) {
	for _, u := range updates {
		v := voxel.Coords3{X: int(u.VX), Y: int(u.VY), Z: int(u.VZ)}
		lc, ok := s.chunks[voxel.VoxelToChunk(v, s.opts.ChunkSize).Key()]
		if !ok {
			continue
		}
		neighbors, err := lc.Update(v, uint8(u.Type))
		if err != nil {
			s.log.WithError(err).WithField("chunk", lc.Key).Debug("voxel delta ignored")
			continue
		}
		for _, n := range neighbors {
			if nc, ok := s.chunks[n.Key()]; ok {
				nc.Dirty = true
			}
		}
	}
}

// Update runs one frame for a viewer standing at viewpoint (world units).
func (s *Scheduler) Update(viewpoint mgl32.Vec3) (FrameStats, error) {
	var st FrameStats
	center := voxel.WorldToChunk(viewpoint, s.opts.Dimension, s.opts.ChunkSize)
	if !s.centered || center != s.center {
		s.center, s.centered = center, true
		s.refillPending()
	}

	n, err := s.requestPending()
	st.Requested = n
	if err != nil {
		return st, err
	}
	st.Processed = s.processReceived()
	st.Hidden, st.Disposed = s.applyDistances()
	st.Remeshed = s.remeshDirty()
	s.checkReady()
	return st, nil
}

// refillPending rebuilds the pending queue around the current center. Coordinates that
// left the request radius are dropped here, including unanswered requests.
func (s *Scheduler) refillPending() {
	r2 := s.opts.RequestRadius * s.opts.RequestRadius
	for k, c := range s.requested {
		if c.SqDist(s.center) > r2 {
			delete(s.requested, k)
		}
	}
	s.pending = s.pending[:0]
	for _, c := range SurroundChunks(s.center, s.opts.RequestRadius) {
		k := c.Key()
		if _, ok := s.chunks[k]; ok {
			continue
		}
		if _, ok := s.requested[k]; ok {
			continue
		}
		s.pending = append(s.pending, c)
	}
}

func (s *Scheduler) requestPending() (int, error) {
	sent := 0
	for sent < s.opts.MaxRequestsPerFrame && len(s.pending) > 0 {
		c := s.pending[0]
		k := c.Key()
		if _, ok := s.requested[k]; ok {
			s.pending = s.pending[1:]
			continue
		}
		m, err := protocol.NewRequest(int32(c.X), int32(c.Z))
		if err != nil {
			return sent, err
		}
		if err := s.send(m); err != nil {
			return sent, fmt.Errorf("request %s: %w", c, err)
		}
		s.pending = s.pending[1:]
		s.requested[k] = c
		sent++
	}
	return sent, nil
}

func (s *Scheduler) processReceived() int {
	n := 0
	for n < s.opts.MaxProcessPerFrame && len(s.received) > 0 {
		p := s.received[0]
		s.received = s.received[1:]
		n++
		c := voxel.Coords2{X: int(p.X), Z: int(p.Z)}
		k := c.Key()
		delete(s.requested, k)
		if lc, ok := s.chunks[k]; ok {
			if err := lc.Apply(p); err != nil {
				s.log.WithError(err).WithField("chunk", k).Warn("chunk payload rejected")
			}
			continue
		}
		if !p.HasVoxels {
			continue
		}
		ch, err := voxel.FromPayload(p, voxel.Params{Size: s.opts.ChunkSize, MaxHeight: s.opts.MaxHeight})
		if err != nil {
			s.log.WithError(err).WithField("chunk", k).Warn("chunk payload rejected")
			continue
		}
		s.chunks[k] = &LocalChunk{Chunk: ch, Visible: true}
	}
	return n
}

// applyDistances hides chunks beyond the render distance and disposes of chunks beyond
// the request distance. Distances run from the centre of the viewpoint's chunk to each
// chunk's centre, in voxels, so every chunk inside the request circle stays in range.
func (s *Scheduler) applyDistances() (hidden, disposed int) {
	size := float64(s.opts.ChunkSize)
	hideAt := float64(s.opts.RenderRadius) * size * math.Sqrt2
	disposeAt := float64(s.opts.RequestRadius) * size * math.Sqrt2
	for k, lc := range s.chunks {
		d := size * math.Hypot(float64(lc.Coords.X-s.center.X), float64(lc.Coords.Z-s.center.Z))
		switch {
		case d > disposeAt:
			lc.Dispose()
			delete(s.chunks, k)
			disposed++
		case d > hideAt:
			if lc.Visible {
				lc.Visible = false
				hidden++
			}
		default:
			lc.Visible = true
		}
	}
	return hidden, disposed
}

func (s *Scheduler) remeshDirty() int {
	n := 0
	for _, lc := range s.chunks {
		if !lc.Dirty && lc.HasMesh {
			continue
		}
		if s.mesher != nil {
			s.mesher.Remesh(lc.Chunk)
		}
		lc.Remesh()
		n++
	}
	return n
}

func (s *Scheduler) checkReady() {
	if s.ready {
		return
	}
	expected := SurroundChunks(s.center, s.opts.RenderRadius)
	present := 0
	for _, c := range expected {
		if _, ok := s.chunks[c.Key()]; ok {
			present++
		}
	}
	if present >= len(expected) {
		s.ready = true
		s.log.WithField("chunks", present).Info("world ready")
	}
}

// Ready reports whether every chunk within render radius has arrived at least once.
func (s *Scheduler) Ready() bool { return s.ready }

func (s *Scheduler) Chunk(c voxel.Coords2) (*LocalChunk, bool) {
	lc, ok := s.chunks[c.Key()]
	return lc, ok
}

func (s *Scheduler) Loaded() int { return len(s.chunks) }

func (s *Scheduler) Visible() int {
	n := 0
	for _, lc := range s.chunks {
		if lc.Visible {
			n++
		}
	}
	return n
}

func (s *Scheduler) Pending() []voxel.Coords2 { return append([]voxel.Coords2(nil), s.pending...) }

func (s *Scheduler) Requested() int { return len(s.requested) }
