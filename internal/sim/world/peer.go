package world

import (
	"sort"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"voxelstream/internal/protocol"
	"voxelstream/internal/sim/voxel"
)

// Peer is the authority-side state of one connection.
type Peer struct {
	ID           string
	Name         string
	Position     mgl32.Vec3
	Rotation     mgl32.Quat
	Chunk        voxel.Coords2
	RenderRadius int

	out     chan []byte
	limiter *rate.Limiter

	backlog    []voxel.Coords2
	queued     map[voxel.ChunkKey]struct{}
	maxBacklog int

	posed       bool
	poseChanged bool
	tracked     bool // Chunk has been computed from a pose
}

func newPeer(name string, radius int, out chan []byte, limiter *rate.Limiter, maxBacklog int) *Peer {
	return &Peer{
		ID:           uuid.NewString(),
		Name:         name,
		Rotation:     mgl32.QuatIdent(),
		RenderRadius: radius,
		out:          out,
		limiter:      limiter,
		queued:       map[voxel.ChunkKey]struct{}{},
		maxBacklog:   maxBacklog,
	}
}

// Enqueue appends c unless it is already queued or the backlog is full.
func (p *Peer) Enqueue(c voxel.Coords2) bool {
	if !p.admit(c) {
		return false
	}
	p.backlog = append(p.backlog, c)
	return true
}

// EnqueueNear inserts c at its distance rank from center, behind entries at the same
// distance. The backlog is expected to be sorted around center already.
func (p *Peer) EnqueueNear(c, center voxel.Coords2) bool {
	if !p.admit(c) {
		return false
	}
	d := c.SqDist(center)
	i := sort.Search(len(p.backlog), func(i int) bool { return p.backlog[i].SqDist(center) > d })
	p.backlog = append(p.backlog, voxel.Coords2{})
	copy(p.backlog[i+1:], p.backlog[i:])
	p.backlog[i] = c
	return true
}

func (p *Peer) admit(c voxel.Coords2) bool {
	k := c.Key()
	if _, ok := p.queued[k]; ok {
		return false
	}
	if p.maxBacklog > 0 && len(p.backlog) >= p.maxBacklog {
		return false
	}
	p.queued[k] = struct{}{}
	return true
}

// PopSlice removes and returns at most n entries from the front of the backlog.
func (p *Peer) PopSlice(n int) []voxel.Coords2 {
	if n > len(p.backlog) {
		n = len(p.backlog)
	}
	if n <= 0 {
		return nil
	}
	out := append([]voxel.Coords2(nil), p.backlog[:n]...)
	p.backlog = p.backlog[n:]
	for _, c := range out {
		delete(p.queued, c.Key())
	}
	return out
}

// PushBack re-queues entries that could not be served this tick.
func (p *Peer) PushBack(cs ...voxel.Coords2) {
	for _, c := range cs {
		k := c.Key()
		if _, ok := p.queued[k]; ok {
			continue
		}
		p.queued[k] = struct{}{}
		p.backlog = append(p.backlog, c)
	}
}

// Resort orders the backlog by squared distance to center, nearest first.
func (p *Peer) Resort(center voxel.Coords2) {
	sort.SliceStable(p.backlog, func(i, j int) bool {
		return p.backlog[i].SqDist(center) < p.backlog[j].SqDist(center)
	})
}

func (p *Peer) Backlog() []voxel.Coords2 {
	return append([]voxel.Coords2(nil), p.backlog...)
}

func (p *Peer) Posed() bool { return p.posed }

func (p *Peer) pose() protocol.Peer {
	return protocol.Peer{ID: p.ID, Name: p.Name, Position: p.Position, Rotation: p.Rotation}
}

// send never blocks. It reports false when the connection's buffer is full.
func (p *Peer) send(b []byte) bool {
	select {
	case p.out <- b:
		return true
	default:
		return false
	}
}
