// Package chunkio persists chunks. Every backend stores the same record: a LOAD envelope
// holding one full chunk payload, as produced by protocol.Marshal.
package chunkio

import (
	"errors"
	"fmt"

	"voxelstream/internal/protocol"
	"voxelstream/internal/sim/voxel"
)

var ErrCorrupt = errors.New("chunkio: corrupt chunk record")

func encodeRecord(c *voxel.Chunk) ([]byte, error) {
	return protocol.Marshal(protocol.NewLoad(c.Snapshot()))
}

// decodeRecord rebuilds a chunk from a stored record. Lighting is recomputed before the
// chunk is served, so it comes back undecorated.
func decodeRecord(b []byte, want voxel.Coords2, params voxel.Params) (*voxel.Chunk, error) {
	m, err := protocol.Unmarshal(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if m.Type != protocol.TypeLoad || len(m.Chunks) != 1 {
		return nil, fmt.Errorf("%w: unexpected %s with %d chunks", ErrCorrupt, m.Type, len(m.Chunks))
	}
	p := m.Chunks[0]
	if int(p.X) != want.X || int(p.Z) != want.Z {
		return nil, fmt.Errorf("%w: record for %d|%d stored under %s", ErrCorrupt, p.X, p.Z, want)
	}
	c, err := voxel.FromPayload(p, params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	c.NeedsDecoration = true
	c.NeedsPropagation = true
	return c, nil
}
