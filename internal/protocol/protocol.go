package protocol

import (
	"fmt"

	"github.com/go-gl/mathgl/mgl32"
)

// Type tags the variant carried by a Message. The zero value is invalid on the wire.
type Type int32

const (
	TypeInit Type = iota + 1
	TypeConfig
	TypeUpdate
	TypeLoad
	TypeRequest
	TypeJoin
	TypeLeave
	TypePeer
	TypeMessage
)

var typeNames = map[Type]string{
	TypeInit:    "INIT",
	TypeConfig:  "CONFIG",
	TypeUpdate:  "UPDATE",
	TypeLoad:    "LOAD",
	TypeRequest: "REQUEST",
	TypeJoin:    "JOIN",
	TypeLeave:   "LEAVE",
	TypePeer:    "PEER",
	TypeMessage: "MESSAGE",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("Type(%d)", int32(t))
}

func (t Type) Known() bool {
	_, ok := typeNames[t]
	return ok
}

// ChatKind says who a MESSAGE is from.
type ChatKind int32

const (
	ChatInfo ChatKind = iota
	ChatError
	ChatServer
	ChatPlayer
)

func (k ChatKind) Known() bool {
	return k >= ChatInfo && k <= ChatPlayer
}

// Message is the single envelope exchanged between the authority and viewers.
// Which optional parts are populated depends on Type; see Validate.
type Message struct {
	Type    Type
	JSON    string
	Text    string
	Chat    *ChatMessage
	Chunks  []ChunkPayload
	Peers   []Peer
	Updates []VoxelUpdate
}

type ChatMessage struct {
	Kind   ChatKind
	Sender string
	Body   string
}

// ChunkPayload carries one chunk. Voxels are only present when HasVoxels is set.
// Without voxels, Lights and HeightMap may still ride along as a relight of a chunk
// the viewer already holds.
type ChunkPayload struct {
	X, Z      int32
	HasVoxels bool
	Voxels    []byte
	Lights    []byte
	HeightMap []uint16
}

type Peer struct {
	ID       string
	Name     string
	Position mgl32.Vec3
	Rotation mgl32.Quat
}

// VoxelUpdate is one voxel edit in world voxel coordinates.
type VoxelUpdate struct {
	VX, VY, VZ int32
	Type       uint32
}

// Validate enforces the per-type shape of a message.
func (m Message) Validate() error {
	if !m.Type.Known() {
		return fmt.Errorf("%w: unknown type %d", ErrMalformed, int32(m.Type))
	}
	if m.Chat != nil && !m.Chat.Kind.Known() {
		return fmt.Errorf("%w: unknown chat kind %d", ErrMalformed, int32(m.Chat.Kind))
	}
	for _, c := range m.Chunks {
		if !c.HasVoxels && len(c.Voxels) > 0 {
			return fmt.Errorf("%w: chunk %d|%d carries voxels without voxel flag", ErrMalformed, c.X, c.Z)
		}
	}
	switch m.Type {
	case TypeInit, TypeConfig, TypeRequest:
		if m.JSON == "" {
			return fmt.Errorf("%w: %s requires a json payload", ErrMalformed, m.Type)
		}
		if err := validateJSON(m.Type, m.JSON); err != nil {
			return err
		}
	case TypeUpdate:
		if len(m.Updates) == 0 && len(m.Chunks) == 0 {
			return fmt.Errorf("%w: UPDATE requires voxel updates or chunks", ErrMalformed)
		}
	case TypeLoad:
		if len(m.Chunks) == 0 {
			return fmt.Errorf("%w: LOAD requires chunks", ErrMalformed)
		}
	case TypeJoin, TypeLeave:
		if m.Text == "" {
			return fmt.Errorf("%w: %s requires a peer id", ErrMalformed, m.Type)
		}
	case TypePeer:
		if len(m.Peers) == 0 {
			return fmt.Errorf("%w: PEER requires at least one peer", ErrMalformed)
		}
	case TypeMessage:
		if m.Chat == nil {
			return fmt.Errorf("%w: MESSAGE requires a chat body", ErrMalformed)
		}
	}
	return nil
}
