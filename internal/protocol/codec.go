package protocol

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers. Field 15 is never used at the top level: its varint tag is 0x78,
// which is the first byte of the compression magic.
const (
	fieldType    protowire.Number = 1
	fieldJSON    protowire.Number = 2
	fieldText    protowire.Number = 3
	fieldChat    protowire.Number = 4
	fieldChunks  protowire.Number = 5
	fieldPeers   protowire.Number = 6
	fieldUpdates protowire.Number = 7

	chatKind   protowire.Number = 1
	chatSender protowire.Number = 2
	chatBody   protowire.Number = 3

	chunkX         protowire.Number = 1
	chunkZ         protowire.Number = 2
	chunkHasVoxels protowire.Number = 3
	chunkVoxels    protowire.Number = 4
	chunkLights    protowire.Number = 5
	chunkHeightMap protowire.Number = 6

	peerID   protowire.Number = 1
	peerName protowire.Number = 2
	peerPX   protowire.Number = 3
	peerPY   protowire.Number = 4
	peerPZ   protowire.Number = 5
	peerQX   protowire.Number = 6
	peerQY   protowire.Number = 7
	peerQZ   protowire.Number = 8
	peerQW   protowire.Number = 9

	updateVX   protowire.Number = 1
	updateVY   protowire.Number = 2
	updateVZ   protowire.Number = 3
	updateType protowire.Number = 4
)

// Marshal produces the uncompressed envelope.
func Marshal(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	b := make([]byte, 0, 64+estimateChunkBytes(m.Chunks))
	b = protowire.AppendTag(b, fieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Type))
	if m.JSON != "" {
		b = protowire.AppendTag(b, fieldJSON, protowire.BytesType)
		b = protowire.AppendString(b, m.JSON)
	}
	if m.Text != "" {
		b = protowire.AppendTag(b, fieldText, protowire.BytesType)
		b = protowire.AppendString(b, m.Text)
	}
	if m.Chat != nil {
		b = protowire.AppendTag(b, fieldChat, protowire.BytesType)
		b = protowire.AppendBytes(b, appendChat(nil, m.Chat))
	}
	for i := range m.Chunks {
		b = protowire.AppendTag(b, fieldChunks, protowire.BytesType)
		b = protowire.AppendBytes(b, appendChunk(nil, &m.Chunks[i]))
	}
	for i := range m.Peers {
		b = protowire.AppendTag(b, fieldPeers, protowire.BytesType)
		b = protowire.AppendBytes(b, appendPeer(nil, &m.Peers[i]))
	}
	for i := range m.Updates {
		b = protowire.AppendTag(b, fieldUpdates, protowire.BytesType)
		b = protowire.AppendBytes(b, appendUpdate(nil, &m.Updates[i]))
	}
	return b, nil
}

func estimateChunkBytes(chunks []ChunkPayload) int {
	n := 0
	for _, c := range chunks {
		n += len(c.Voxels) + len(c.Lights) + 2*len(c.HeightMap) + 32
	}
	return n
}

func appendChat(b []byte, c *ChatMessage) []byte {
	b = protowire.AppendTag(b, chatKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.Kind))
	if c.Sender != "" {
		b = protowire.AppendTag(b, chatSender, protowire.BytesType)
		b = protowire.AppendString(b, c.Sender)
	}
	if c.Body != "" {
		b = protowire.AppendTag(b, chatBody, protowire.BytesType)
		b = protowire.AppendString(b, c.Body)
	}
	return b
}

func appendChunk(b []byte, c *ChunkPayload) []byte {
	b = protowire.AppendTag(b, chunkX, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(c.X)))
	b = protowire.AppendTag(b, chunkZ, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(c.Z)))
	if c.HasVoxels {
		b = protowire.AppendTag(b, chunkHasVoxels, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	if len(c.Voxels) > 0 {
		b = protowire.AppendTag(b, chunkVoxels, protowire.BytesType)
		b = protowire.AppendBytes(b, c.Voxels)
	}
	if len(c.Lights) > 0 {
		b = protowire.AppendTag(b, chunkLights, protowire.BytesType)
		b = protowire.AppendBytes(b, c.Lights)
	}
	if len(c.HeightMap) > 0 {
		var packed []byte
		for _, h := range c.HeightMap {
			packed = protowire.AppendVarint(packed, uint64(h))
		}
		b = protowire.AppendTag(b, chunkHeightMap, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	return b
}

func appendPeer(b []byte, p *Peer) []byte {
	b = protowire.AppendTag(b, peerID, protowire.BytesType)
	b = protowire.AppendString(b, p.ID)
	if p.Name != "" {
		b = protowire.AppendTag(b, peerName, protowire.BytesType)
		b = protowire.AppendString(b, p.Name)
	}
	floats := [...]struct {
		num protowire.Number
		v   float32
	}{
		{peerPX, p.Position[0]}, {peerPY, p.Position[1]}, {peerPZ, p.Position[2]},
		{peerQX, p.Rotation.V[0]}, {peerQY, p.Rotation.V[1]}, {peerQZ, p.Rotation.V[2]},
		{peerQW, p.Rotation.W},
	}
	for _, f := range floats {
		b = protowire.AppendTag(b, f.num, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(f.v))
	}
	return b
}

func appendUpdate(b []byte, u *VoxelUpdate) []byte {
	b = protowire.AppendTag(b, updateVX, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(u.VX)))
	b = protowire.AppendTag(b, updateVY, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(u.VY)))
	b = protowire.AppendTag(b, updateVZ, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(u.VZ)))
	b = protowire.AppendTag(b, updateType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(u.Type))
	return b
}

// fieldReader walks one protobuf message, failing on anything outside the closed schema.
type fieldReader struct {
	b   []byte
	num protowire.Number
	typ protowire.Type
	err error
}

func (r *fieldReader) next() bool {
	if r.err != nil || len(r.b) == 0 {
		return false
	}
	num, typ, n := protowire.ConsumeTag(r.b)
	if n < 0 {
		r.fail(protowire.ParseError(n))
		return false
	}
	r.b = r.b[n:]
	r.num, r.typ = num, typ
	return true
}

func (r *fieldReader) fail(err error) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: %v", ErrMalformed, err)
	}
}

func (r *fieldReader) unknown() {
	r.fail(fmt.Errorf("unexpected field %d (wire type %d)", r.num, r.typ))
}

func (r *fieldReader) expect(t protowire.Type) bool {
	if r.typ != t {
		r.unknown()
		return false
	}
	return true
}

func (r *fieldReader) varint() uint64 {
	if !r.expect(protowire.VarintType) {
		return 0
	}
	v, n := protowire.ConsumeVarint(r.b)
	if n < 0 {
		r.fail(protowire.ParseError(n))
		return 0
	}
	r.b = r.b[n:]
	return v
}

func (r *fieldReader) sint32() int32 {
	v := protowire.DecodeZigZag(r.varint())
	if v < math.MinInt32 || v > math.MaxInt32 {
		r.fail(fmt.Errorf("field %d overflows int32", r.num))
		return 0
	}
	return int32(v)
}

func (r *fieldReader) bytes() []byte {
	if !r.expect(protowire.BytesType) {
		return nil
	}
	v, n := protowire.ConsumeBytes(r.b)
	if n < 0 {
		r.fail(protowire.ParseError(n))
		return nil
	}
	r.b = r.b[n:]
	return v
}

func (r *fieldReader) float32() float32 {
	if !r.expect(protowire.Fixed32Type) {
		return 0
	}
	v, n := protowire.ConsumeFixed32(r.b)
	if n < 0 {
		r.fail(protowire.ParseError(n))
		return 0
	}
	r.b = r.b[n:]
	return math.Float32frombits(v)
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return append([]byte(nil), b...)
}

// Unmarshal parses an uncompressed envelope.
func Unmarshal(b []byte) (Message, error) {
	var m Message
	var sawType bool
	r := fieldReader{b: b}
	for r.next() {
		switch r.num {
		case fieldType:
			v := r.varint()
			if v > math.MaxInt32 {
				r.fail(fmt.Errorf("type tag %d out of range", v))
			}
			m.Type = Type(v)
			sawType = true
		case fieldJSON:
			m.JSON = string(r.bytes())
		case fieldText:
			m.Text = string(r.bytes())
		case fieldChat:
			c, err := unmarshalChat(r.bytes())
			if err != nil {
				r.fail(err)
				break
			}
			m.Chat = &c
		case fieldChunks:
			c, err := unmarshalChunk(r.bytes())
			if err != nil {
				r.fail(err)
				break
			}
			m.Chunks = append(m.Chunks, c)
		case fieldPeers:
			p, err := unmarshalPeer(r.bytes())
			if err != nil {
				r.fail(err)
				break
			}
			m.Peers = append(m.Peers, p)
		case fieldUpdates:
			u, err := unmarshalUpdate(r.bytes())
			if err != nil {
				r.fail(err)
				break
			}
			m.Updates = append(m.Updates, u)
		default:
			r.unknown()
		}
	}
	if r.err != nil {
		return Message{}, r.err
	}
	if !sawType {
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

func unmarshalChat(b []byte) (ChatMessage, error) {
	var c ChatMessage
	r := fieldReader{b: b}
	for r.next() {
		switch r.num {
		case chatKind:
			v := r.varint()
			if v > math.MaxInt32 {
				r.fail(fmt.Errorf("chat kind %d out of range", v))
			}
			c.Kind = ChatKind(v)
		case chatSender:
			c.Sender = string(r.bytes())
		case chatBody:
			c.Body = string(r.bytes())
		default:
			r.unknown()
		}
	}
	return c, r.err
}

func unmarshalChunk(b []byte) (ChunkPayload, error) {
	var c ChunkPayload
	r := fieldReader{b: b}
	for r.next() {
		switch r.num {
		case chunkX:
			c.X = r.sint32()
		case chunkZ:
			c.Z = r.sint32()
		case chunkHasVoxels:
			c.HasVoxels = protowire.DecodeBool(r.varint())
		case chunkVoxels:
			c.Voxels = cloneBytes(r.bytes())
		case chunkLights:
			c.Lights = cloneBytes(r.bytes())
		case chunkHeightMap:
			packed := r.bytes()
			for len(packed) > 0 && r.err == nil {
				v, n := protowire.ConsumeVarint(packed)
				if n < 0 {
					r.fail(protowire.ParseError(n))
					break
				}
				if v > math.MaxUint16 {
					r.fail(fmt.Errorf("height %d out of range", v))
					break
				}
				c.HeightMap = append(c.HeightMap, uint16(v))
				packed = packed[n:]
			}
		default:
			r.unknown()
		}
	}
	return c, r.err
}

func unmarshalPeer(b []byte) (Peer, error) {
	var p Peer
	r := fieldReader{b: b}
	for r.next() {
		switch r.num {
		case peerID:
			p.ID = string(r.bytes())
		case peerName:
			p.Name = string(r.bytes())
		case peerPX:
			p.Position[0] = r.float32()
		case peerPY:
			p.Position[1] = r.float32()
		case peerPZ:
			p.Position[2] = r.float32()
		case peerQX:
			p.Rotation.V[0] = r.float32()
		case peerQY:
			p.Rotation.V[1] = r.float32()
		case peerQZ:
			p.Rotation.V[2] = r.float32()
		case peerQW:
			p.Rotation.W = r.float32()
		default:
			r.unknown()
		}
	}
	return p, r.err
}

func unmarshalUpdate(b []byte) (VoxelUpdate, error) {
	var u VoxelUpdate
	r := fieldReader{b: b}
	for r.next() {
		switch r.num {
		case updateVX:
			u.VX = r.sint32()
		case updateVY:
			u.VY = r.sint32()
		case updateVZ:
			u.VZ = r.sint32()
		case updateType:
			v := r.varint()
			if v > math.MaxUint32 {
				r.fail(fmt.Errorf("block type %d out of range", v))
			}
			u.Type = uint32(v)
		default:
			r.unknown()
		}
	}
	return u, r.err
}
