package world

import (
	"time"

	"voxelstream/internal/protocol"
	"voxelstream/internal/sim/voxel"
	"voxelstream/internal/sim/world/logic/mathx"
)

func wrapTime(t float64) float64 { return mathx.WrapFloat(t, DayLength) }

func (w *World) tickClock(now time.Time) {
	elapsed := now.Sub(w.lastClock)
	w.lastClock = now
	w.advanceClock(elapsed)

	for _, p := range w.peerList() {
		if p.posed {
			w.trackPeerChunk(p)
		}
	}
	w.broadcastPoses()

	w.clockTicks++
	if w.cfg.SaveEveryTicks > 0 && w.clockTicks%uint64(w.cfg.SaveEveryTicks) == 0 {
		if n, err := w.store.SaveDirty(w.cfg.SavePerTick); err != nil {
			w.log.WithError(err).WithField("saved", n).Warn("periodic save incomplete")
		}
	}
}

func (w *World) advanceClock(elapsed time.Duration) {
	ms := float64(elapsed) / float64(time.Millisecond)
	w.worldTime.Store(wrapTime(w.worldTime.Load() + w.tickSpeed.Load()*ms/1000))
}

// trackPeerChunk re-sorts the peer's backlog and starts generating its surroundings when
// the peer has moved into a new chunk.
func (w *World) trackPeerChunk(p *Peer) {
	c := voxel.WorldToChunk(p.Position, w.cfg.Dimension, w.cfg.ChunkSize)
	if p.tracked && c == p.Chunk {
		return
	}
	p.Chunk = c
	p.tracked = true
	p.Resort(c)
	w.prefetch(p)
}

// prefetch queues asynchronous generation for every missing chunk within the peer's render
// radius. Requests refused by a full worker queue are retried on the next chunk change or
// when the peer asks for the chunk.
func (w *World) prefetch(p *Peer) int {
	r := p.RenderRadius
	n := 0
	for x := -r; x <= r; x++ {
		for z := -r; z <= r; z++ {
			if x*x+z*z > r*r {
				continue
			}
			if w.store.Request(p.Chunk.Add(x, z)) {
				n++
			}
		}
	}
	return n
}

// broadcastPoses sends every pose that changed since the last clock tick. A peer never
// receives its own pose.
func (w *World) broadcastPoses() {
	var changed []protocol.Peer
	for _, p := range w.peerList() {
		if p.poseChanged {
			changed = append(changed, p.pose())
			p.poseChanged = false
		}
	}
	if len(changed) == 0 {
		return
	}
	all, err := protocol.Encode(protocol.NewPeers(changed...))
	if err != nil {
		w.log.WithError(err).Error("encode poses")
		return
	}
	var lagging []*Peer
	for _, p := range w.peerList() {
		frame := all
		if i := indexOfPeer(changed, p.ID); i >= 0 {
			if len(changed) == 1 {
				continue
			}
			others := make([]protocol.Peer, 0, len(changed)-1)
			others = append(others, changed[:i]...)
			others = append(others, changed[i+1:]...)
			if frame, err = protocol.Encode(protocol.NewPeers(others...)); err != nil {
				w.log.WithError(err).Error("encode poses")
				continue
			}
		}
		if !w.deliver(p, frame) {
			lagging = append(lagging, p)
		}
	}
	w.dropLagging(lagging)
}

func indexOfPeer(ps []protocol.Peer, id string) int {
	for i, p := range ps {
		if p.ID == id {
			return i
		}
	}
	return -1
}
