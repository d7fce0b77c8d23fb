package world

import (
	"errors"
	"fmt"

	"voxelstream/internal/protocol"
	"voxelstream/internal/sim/voxel"
)

// ApplyUpdate validates and applies a single voxel update on behalf of actor.
func (w *World) ApplyUpdate(actor string, u protocol.VoxelUpdate) error {
	_, err := w.ApplyUpdates(actor, []protocol.VoxelUpdate{u})
	return err
}

// ApplyUpdates applies a batch in order and returns the accepted updates, including any
// plant removals they caused. Rejected updates do not stop the batch; their errors are
// joined. Every touched chunk is relit and remeshed once, then the accepted deltas are
// broadcast followed by one UPDATE carrying the touched chunks.
func (w *World) ApplyUpdates(actor string, batch []protocol.VoxelUpdate) ([]protocol.VoxelUpdate, error) {
	var (
		accepted []protocol.VoxelUpdate
		errs     []error
		touched  []*voxel.Chunk
		seen     = map[voxel.ChunkKey]struct{}{}
		edited   = map[voxel.ChunkKey]struct{}{}
	)
	touch := func(ch *voxel.Chunk) {
		if _, ok := seen[ch.Key]; ok {
			return
		}
		seen[ch.Key] = struct{}{}
		touched = append(touched, ch)
	}

	queue := append([]protocol.VoxelUpdate(nil), batch...)
	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]

		v := voxel.Coords3{X: int(u.VX), Y: int(u.VY), Z: int(u.VZ)}
		ch, from, err := w.checkUpdate(v, u.Type)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, relightPending := edited[ch.Key]; ch.NeedsPropagation && !relightPending {
			errs = append(errs, fmt.Errorf("%w: %s", ErrRejectedPropagation, ch.Key))
			continue
		}
		to := uint8(u.Type)
		neighbors, err := ch.Update(v, to)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		edited[ch.Key] = struct{}{}
		touch(ch)
		for _, c := range neighbors {
			if n, ok := w.store.Get(c); ok {
				touch(n)
			}
		}

		above := voxel.Coords3{X: v.X, Y: v.Y + 1, Z: v.Z}
		if id, err := ch.Voxel(above); err == nil && w.blocks.IsPlant(id) {
			queue = append(queue, protocol.VoxelUpdate{VX: u.VX, VY: u.VY + 1, VZ: u.VZ, Type: uint32(voxel.Air)})
		}

		accepted = append(accepted, u)
		w.updatesApplied.Inc()
		w.recordAudit(actor, v, from, to)
	}

	if len(accepted) == 0 {
		return nil, errors.Join(errs...)
	}

	payloads := make([]protocol.ChunkPayload, 0, len(touched))
	for _, ch := range touched {
		if _, ok := edited[ch.Key]; ok {
			w.relight(ch)
		}
		w.remesh(ch)
		payloads = append(payloads, ch.LightPayload())
	}
	w.broadcast(protocol.NewVoxelUpdates(accepted...), "")
	w.broadcast(protocol.NewChunkUpdates(payloads...), "")
	return accepted, errors.Join(errs...)
}

// checkUpdate returns the owning chunk and the current block id, or the rejection reason.
// Propagation state is checked by the caller, which knows which chunks it already edited.
func (w *World) checkUpdate(v voxel.Coords3, id uint32) (*voxel.Chunk, uint8, error) {
	if v.Y < 0 || v.Y >= w.cfg.MaxHeight {
		return nil, 0, fmt.Errorf("%w: y=%d", ErrRejectedHeight, v.Y)
	}
	if !w.blocks.Has(id) {
		return nil, 0, fmt.Errorf("%w: %d", ErrRejectedType, id)
	}
	ch, ok := w.store.ChunkAtVoxel(v)
	if !ok {
		return nil, 0, fmt.Errorf("%w: voxel %d,%d,%d", ErrChunkNotLoaded, v.X, v.Y, v.Z)
	}
	cur, err := ch.Voxel(v)
	if err != nil {
		return nil, 0, err
	}
	if w.blocks.IsAir(cur) && w.blocks.IsAir(uint8(id)) {
		return nil, 0, ErrRejectedNoop
	}
	return ch, cur, nil
}

func (w *World) relight(ch *voxel.Chunk) {
	if w.lighter != nil {
		w.lighter.Relight(ch)
		return
	}
	ch.NeedsPropagation = false
}
