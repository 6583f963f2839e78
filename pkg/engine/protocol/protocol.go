// Package protocol defines the vendor-neutral wire frames exchanged with the
// upstream streaming conversation service over a duplex websocket. Frames
// carry a JSON "type" envelope; audio payloads are opaque base64 bytes keyed
// to a turn id.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

const ProtocolVersion1 = "1"

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badFrame(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_frame", Message: message, Param: param}
}

// Codec describes the negotiated telephony audio shape for one deployment.
// The engine never inspects samples; it only sizes and forwards frames.
type Codec struct {
	Name         string `json:"name"`
	SampleRateHz int    `json:"sample_rate_hz"`
	FrameBytes   int    `json:"frame_bytes"`
}

// DefaultTelephonyCodec is 8kHz G.711 mu-law, 20ms frames.
func DefaultTelephonyCodec() Codec {
	return Codec{Name: "g711_ulaw", SampleRateHz: 8000, FrameBytes: 160}
}

// SessionHello opens an upstream session.
type SessionHello struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	CallID          string `json:"call_id"`
	Codec           Codec  `json:"codec"`
	Instructions    string `json:"instructions,omitempty"`
	Tools           []Tool `json:"tools,omitempty"`
}

// Tool declares a callable tool to the upstream agent.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// StartTurn asks the upstream agent to produce the next assistant turn.
type StartTurn struct {
	Type         string `json:"type"`
	Instructions string `json:"instructions,omitempty"`
}

// AudioIn forwards one caller audio frame upstream.
type AudioIn struct {
	Type    string `json:"type"`
	Seq     int64  `json:"seq,omitempty"`
	DataB64 string `json:"data_b64"`
}

// CommitInput forces transcription of buffered caller audio.
type CommitInput struct {
	Type string `json:"type"`
}

// ClearInput discards buffered caller audio upstream.
type ClearInput struct {
	Type string `json:"type"`
}

// ToolResult returns a tool call outcome to the upstream agent.
type ToolResult struct {
	Type    string          `json:"type"`
	CallID  string          `json:"call_id"`
	Payload json.RawMessage `json:"payload"`
	IsError bool            `json:"is_error,omitempty"`
}

// SystemNote injects out-of-band guidance into the upstream conversation.
type SystemNote struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// SessionEnd requests a graceful upstream shutdown.
type SessionEnd struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

// TurnStarted confirms the upstream agent began an assistant turn.
type TurnStarted struct {
	Type   string `json:"type"`
	TurnID string `json:"turn_id"`
}

// TurnFinished reports the upstream agent completed an assistant turn.
type TurnFinished struct {
	Type   string `json:"type"`
	TurnID string `json:"turn_id"`
}

// SpeechStarted reports upstream voice-activity onset in the caller stream.
type SpeechStarted struct {
	Type string `json:"type"`
}

// SpeechStopped reports upstream voice-activity end in the caller stream.
type SpeechStopped struct {
	Type string `json:"type"`
}

// Transcript carries a finalized transcript for either role.
type Transcript struct {
	Type string `json:"type"`
	Role string `json:"role"`
	Text string `json:"text"`
}

const (
	RoleCaller    = "caller"
	RoleAssistant = "assistant"
)

// AudioOut carries one assistant audio frame for the caller, keyed to its turn.
type AudioOut struct {
	Type    string `json:"type"`
	TurnID  string `json:"turn_id"`
	DataB64 string `json:"data_b64"`
}

// ToolCall is an upstream request to execute a tool.
type ToolCall struct {
	Type      string          `json:"type"`
	CallID    string          `json:"call_id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// SessionError is a non-fatal upstream error report.
type SessionError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DecodeUpstreamMessage decodes one inbound text frame into its typed form.
func DecodeUpstreamMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badFrame("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badFrame("missing type", "type")
	}

	switch typ {
	case "turn_started":
		var msg TurnStarted
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid turn_started", "")
		}
		if strings.TrimSpace(msg.TurnID) == "" {
			return nil, badFrame("turn_started.turn_id is required", "turn_id")
		}
		return msg, nil
	case "turn_finished":
		var msg TurnFinished
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid turn_finished", "")
		}
		if strings.TrimSpace(msg.TurnID) == "" {
			return nil, badFrame("turn_finished.turn_id is required", "turn_id")
		}
		return msg, nil
	case "speech_started":
		var msg SpeechStarted
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid speech_started", "")
		}
		return msg, nil
	case "speech_stopped":
		var msg SpeechStopped
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid speech_stopped", "")
		}
		return msg, nil
	case "transcript":
		var msg Transcript
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid transcript", "")
		}
		role := strings.TrimSpace(msg.Role)
		if role != RoleCaller && role != RoleAssistant {
			return nil, badFrame("transcript.role must be caller or assistant", "role")
		}
		return msg, nil
	case "audio_out":
		var msg AudioOut
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid audio_out", "")
		}
		if strings.TrimSpace(msg.DataB64) == "" {
			return nil, badFrame("audio_out.data_b64 is required", "data_b64")
		}
		return msg, nil
	case "tool_call":
		var msg ToolCall
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid tool_call", "")
		}
		if strings.TrimSpace(msg.CallID) == "" {
			return nil, badFrame("tool_call.call_id is required", "call_id")
		}
		if strings.TrimSpace(msg.Name) == "" {
			return nil, badFrame("tool_call.name is required", "name")
		}
		return msg, nil
	case "error":
		var msg SessionError
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid error frame", "")
		}
		return msg, nil
	default:
		return nil, badFrame(fmt.Sprintf("unknown frame type %q", typ), "type")
	}
}
