package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jwebster45206/bazaar-engine/pkg/action"
	"github.com/jwebster45206/bazaar-engine/pkg/world"
)

// Message type tags carried in the "type" field of every JSON frame.
const (
	TypeTranscript   = "transcript"
	TypePing         = "ping"
	TypePong         = "pong"
	TypeWorldState   = "world_state"
	TypeActionResult = "action_result"
	TypeReasoning    = "reasoning"
	TypeError        = "error"
	TypeNPCAudio     = "npc_audio"
)

// Audio frames travel as binary websocket messages in this format.
const (
	AudioSampleRate = 16000
	AudioChannels   = 1
	AudioBitDepth   = 16
)

// Message is any frame on the control channel.
type Message interface {
	Type() string
}

// ClientMessage is a closed set: Transcript, Ping, UnknownClientMessage.
type ClientMessage interface {
	Message
	clientMessage()
}

// ServerMessage is a closed set: WorldState, ActionResult, Reasoning, Error,
// NPCAudio, Pong, Transcript, UnknownServerMessage.
type ServerMessage interface {
	Message
	serverMessage()
}

// Transcript flows both ways: the client sends it, the server echoes it.
type Transcript struct {
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

type Ping struct{}

type Pong struct{}

type WorldState struct {
	State *world.WorldState `json:"state"`
}

type ActionResult struct {
	ParsedAction     *action.ParsedAction `json:"parsed_action"`
	ValidationPassed bool                 `json:"validation_passed"`
	Feedback         []string             `json:"feedback"`
	WorldDiff        *world.WorldDiff     `json:"world_diff"`
}

type Reasoning struct {
	Agent   string         `json:"agent"`
	Step    string         `json:"step"`
	Details map[string]any `json:"details"`
}

type Error struct {
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

type NPCAudio struct {
	AudioData string `json:"audio_data"` // base64 WAV
	NPCName   string `json:"npc_name"`
	Dialogue  string `json:"dialogue"`
	Mood      string `json:"mood"`
}

// UnknownClientMessage holds a frame whose type this build does not know.
type UnknownClientMessage struct {
	MessageType string
	Raw         json.RawMessage
}

// UnknownServerMessage holds a frame whose type this build does not know.
type UnknownServerMessage struct {
	MessageType string
	Raw         json.RawMessage
}

func (Transcript) Type() string             { return TypeTranscript }
func (Ping) Type() string                   { return TypePing }
func (Pong) Type() string                   { return TypePong }
func (WorldState) Type() string             { return TypeWorldState }
func (ActionResult) Type() string           { return TypeActionResult }
func (Reasoning) Type() string              { return TypeReasoning }
func (Error) Type() string                  { return TypeError }
func (NPCAudio) Type() string               { return TypeNPCAudio }
func (m UnknownClientMessage) Type() string { return m.MessageType }
func (m UnknownServerMessage) Type() string { return m.MessageType }

func (Transcript) clientMessage()           {}
func (Ping) clientMessage()                 {}
func (UnknownClientMessage) clientMessage() {}

func (Transcript) serverMessage()           {}
func (Pong) serverMessage()                 {}
func (WorldState) serverMessage()           {}
func (ActionResult) serverMessage()         {}
func (Reasoning) serverMessage()            {}
func (Error) serverMessage()                {}
func (NPCAudio) serverMessage()             {}
func (UnknownServerMessage) serverMessage() {}

// MalformedMessageError reports a frame that could not be decoded.
type MalformedMessageError struct {
	Reason string
	Err    error
}

func (e *MalformedMessageError) Error() string {
	if e.Err == nil {
		return "malformed message: " + e.Reason
	}
	return fmt.Sprintf("malformed message: %s: %v", e.Reason, e.Err)
}

func (e *MalformedMessageError) Unwrap() error { return e.Err }

func malformed(reason string, err error) error {
	return &MalformedMessageError{Reason: reason, Err: err}
}

// Encode marshals a message with its "type" tag first.
func Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("encode: nil message")
	}
	switch m := msg.(type) {
	case UnknownClientMessage:
		return append([]byte(nil), m.Raw...), nil
	case UnknownServerMessage:
		return append([]byte(nil), m.Raw...), nil
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Type(), err)
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("encode %s: not a JSON object", msg.Type())
	}
	tag, _ := json.Marshal(msg.Type())

	var buf bytes.Buffer
	buf.Grow(len(body) + len(tag) + 9)
	buf.WriteString(`{"type":`)
	buf.Write(tag)
	if len(body) > 2 {
		buf.WriteByte(',')
		buf.Write(body[1:])
	} else {
		buf.WriteByte('}')
	}
	return buf.Bytes(), nil
}

func peekType(data []byte) (string, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return "", malformed("invalid json frame", err)
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return "", malformed("missing type", nil)
	}
	return typ, nil
}

// DecodeClientMessage decodes a frame sent by a client. Unknown types are
// returned as UnknownClientMessage with a nil error.
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	typ, err := peekType(data)
	if err != nil {
		return nil, err
	}

	switch typ {
	case TypeTranscript:
		var msg Transcript
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, malformed("invalid transcript", err)
		}
		return msg, nil
	case TypePing:
		return Ping{}, nil
	default:
		return UnknownClientMessage{MessageType: typ, Raw: append(json.RawMessage(nil), data...)}, nil
	}
}

// DecodeServerMessage decodes a frame sent by the server. Unknown types are
// returned as UnknownServerMessage with a nil error.
func DecodeServerMessage(data []byte) (ServerMessage, error) {
	typ, err := peekType(data)
	if err != nil {
		return nil, err
	}

	switch typ {
	case TypeTranscript:
		var msg Transcript
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, malformed("invalid transcript", err)
		}
		return msg, nil
	case TypePong:
		return Pong{}, nil
	case TypeWorldState:
		var msg WorldState
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, malformed("invalid world_state", err)
		}
		if msg.State == nil {
			return nil, malformed("world_state.state is required", nil)
		}
		return msg, nil
	case TypeActionResult:
		var msg ActionResult
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, malformed("invalid action_result", err)
		}
		return msg, nil
	case TypeReasoning:
		var msg Reasoning
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, malformed("invalid reasoning", err)
		}
		return msg, nil
	case TypeError:
		var msg Error
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, malformed("invalid error", err)
		}
		return msg, nil
	case TypeNPCAudio:
		var msg NPCAudio
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, malformed("invalid npc_audio", err)
		}
		return msg, nil
	default:
		return UnknownServerMessage{MessageType: typ, Raw: append(json.RawMessage(nil), data...)}, nil
	}
}
