package world

import (
	"voxelstream/internal/protocol"
	"voxelstream/internal/sim/voxel"
)

// serviceChunks is the chunk-service tick. Every step is budgeted and nothing here waits
// on generation or disk.
func (w *World) serviceChunks() {
	w.store.Drain(w.cfg.DrainPerTick)
	w.store.Decorate(w.cfg.DecoratePerTick)

	for _, p := range w.peerList() {
		w.servePeer(p)
	}

	if n, err := w.store.EvictIfOverCapacity(w.cfg.MaxLoadedChunks); err != nil {
		w.log.WithError(err).WithField("evicted", n).Warn("eviction stopped on save failure")
	} else if n > 0 {
		w.log.WithField("evicted", n).Debug("evicted chunks")
	}
	w.loadedChunks.Store(int64(w.store.Len()))
}

// servePeer pops one slice of the peer's backlog, sends what is ready and pushes the rest
// back. Missing chunks are handed to the store's workers.
func (w *World) servePeer(p *Peer) {
	batch := p.PopSlice(w.cfg.ServicePerTick)
	if len(batch) == 0 {
		return
	}
	var unresolved []voxel.Coords2
	for _, c := range batch {
		ch, ok := w.store.Get(c)
		if !ok {
			w.store.Request(c)
			unresolved = append(unresolved, c)
			continue
		}
		if ch.NeedsDecoration {
			unresolved = append(unresolved, c)
			continue
		}
		frame, err := w.loadFrame(ch)
		if err != nil {
			w.log.WithError(err).WithField("chunk", ch.Key).Error("encode chunk")
			continue
		}
		if !w.deliver(p, frame) {
			unresolved = append(unresolved, c)
		}
	}
	p.PushBack(unresolved...)
}

// loadFrame returns the encoded LOAD frame for a decorated chunk, remeshing first when the
// chunk is dirty or has never been meshed.
func (w *World) loadFrame(ch *voxel.Chunk) ([]byte, error) {
	if ch.Dirty || !ch.HasMesh {
		w.remesh(ch)
	}
	if b, ok := w.frames.Get(string(ch.Key)); ok {
		return b, nil
	}
	b, err := protocol.Encode(protocol.NewLoad(ch.ToPayload(true)))
	if err != nil {
		return nil, err
	}
	w.frames.Set(string(ch.Key), b, int64(len(b)))
	return b, nil
}

func (w *World) remesh(ch *voxel.Chunk) {
	if w.mesher != nil {
		w.mesher.Remesh(ch)
	}
	ch.Remesh()
	w.frames.Del(string(ch.Key))
}
