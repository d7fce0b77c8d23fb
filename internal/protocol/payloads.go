package protocol

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// InitPayload is the JSON body of INIT, sent once to a freshly joined viewer.
type InitPayload struct {
	ID               string   `json:"id"`
	WorldTime        float64  `json:"worldTime"`
	TickSpeed        float64  `json:"tickSpeed"`
	SpawnPosition    [3]int32 `json:"spawnPosition"`
	PassableBlockIDs []uint32 `json:"passableBlockIds"`
}

// ConfigPayload is the JSON body of CONFIG. Absent fields are left unchanged.
type ConfigPayload struct {
	WorldTime *float64 `json:"worldTime,omitempty"`
	TickSpeed *float64 `json:"tickSpeed,omitempty"`
}

// RequestPayload asks for one chunk.
type RequestPayload struct {
	X int32 `json:"x"`
	Z int32 `json:"z"`
}

const initSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["id", "worldTime", "tickSpeed", "spawnPosition", "passableBlockIds"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "worldTime": {"type": "number", "minimum": 0},
    "tickSpeed": {"type": "number"},
    "spawnPosition": {"type": "array", "items": {"type": "integer"}, "minItems": 3, "maxItems": 3},
    "passableBlockIds": {"type": ["array", "null"], "items": {"type": "integer", "minimum": 0}}
  }
}`

const configSchema = `{
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "worldTime": {"type": "number", "minimum": 0},
    "tickSpeed": {"type": "number"}
  }
}`

const requestSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["x", "z"],
  "properties": {
    "x": {"type": "integer", "minimum": -2147483648, "maximum": 2147483647},
    "z": {"type": "integer", "minimum": -2147483648, "maximum": 2147483647}
  }
}`

var payloadSchemas = map[Type]*jsonschema.Schema{
	TypeInit:    jsonschema.MustCompileString("init.schema.json", initSchema),
	TypeConfig:  jsonschema.MustCompileString("config.schema.json", configSchema),
	TypeRequest: jsonschema.MustCompileString("request.schema.json", requestSchema),
}

func validateJSON(t Type, s string) error {
	schema, ok := payloadSchemas[t]
	if !ok {
		return nil
	}
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("%w: %s json: %v", ErrMalformed, t, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return fmt.Errorf("%w: %s json: trailing data", ErrMalformed, t)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("%w: %s json: %v", ErrMalformed, t, err)
	}
	return nil
}

func jsonMessage(t Type, v any) (Message, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Message{}, err
	}
	m := Message{Type: t, JSON: string(b)}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

func NewInit(p InitPayload) (Message, error)         { return jsonMessage(TypeInit, p) }
func NewConfig(p ConfigPayload) (Message, error)     { return jsonMessage(TypeConfig, p) }
func NewRequest(x, z int32) (Message, error)         { return jsonMessage(TypeRequest, RequestPayload{X: x, Z: z}) }
func NewJoin(peerID string) Message                  { return Message{Type: TypeJoin, Text: peerID} }
func NewLoad(chunks ...ChunkPayload) Message         { return Message{Type: TypeLoad, Chunks: chunks} }
func NewPeers(peers ...Peer) Message                 { return Message{Type: TypePeer, Peers: peers} }
func NewVoxelUpdates(us ...VoxelUpdate) Message      { return Message{Type: TypeUpdate, Updates: us} }
func NewChunkUpdates(chunks ...ChunkPayload) Message { return Message{Type: TypeUpdate, Chunks: chunks} }

// NewLeave carries the peer id plus a human-readable notice.
func NewLeave(peerID, notice string) Message {
	m := Message{Type: TypeLeave, Text: peerID}
	if notice != "" {
		m.Chat = &ChatMessage{Kind: ChatInfo, Body: notice}
	}
	return m
}

func NewChat(kind ChatKind, sender, body string) Message {
	return Message{Type: TypeMessage, Chat: &ChatMessage{Kind: kind, Sender: sender, Body: body}}
}

// DecodeJSON unmarshals the JSON body of a message already checked by Validate.
func DecodeJSON[T any](m Message) (T, error) {
	var v T
	if err := json.Unmarshal([]byte(m.JSON), &v); err != nil {
		return v, fmt.Errorf("%w: %s json: %v", ErrMalformed, m.Type, err)
	}
	return v, nil
}
