// Package protocol defines the JSON message envelope exchanged over the
// session websocket. Every frame carries a "type" discriminator; the
// remaining fields depend on the type.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Client-originated message types.
const (
	TypeAudioChunk = "audio_chunk"
	TypeUtterance  = "utterance"
	TypeControl    = "control"
)

// Server-originated message types.
const (
	TypeTranscriptPartial = "transcript_partial"
	TypeTranscriptFinal   = "transcript_final"
	TypePersonaTextDelta  = "persona_text_delta"
	TypePersonaAudioChunk = "persona_audio_chunk"
	TypeTurnEnd           = "turn_end"
	TypeSystemEvent       = "system_event"
	TypeError             = "error"
)

// Control actions a client may request mid-session.
const (
	ControlInterrupt = "interrupt"
	ControlEnd       = "end"
)

type ClientMessage struct {
	Type string `json:"type"`

	// audio_chunk
	Audio string `json:"audio,omitempty"` // base64 PCM

	// utterance (text modality)
	Text string `json:"text,omitempty"`

	// control
	Action string `json:"action,omitempty"`
}

// Turn end reasons.
const (
	ReasonCompleted   = "completed"
	ReasonInterrupted = "interrupted"
	ReasonFailed      = "failed"
)

type ServerMessage struct {
	Type      string `json:"type"`
	TurnID    string `json:"turn_id,omitempty"`
	Text      string `json:"text,omitempty"`
	Audio     string `json:"audio,omitempty"`
	Event     string `json:"event,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

func ParseClientMessage(data []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode client message: %w", err)
	}
	switch msg.Type {
	case TypeAudioChunk:
		if msg.Audio == "" {
			return nil, fmt.Errorf("audio_chunk requires audio payload")
		}
	case TypeUtterance:
		if strings.TrimSpace(msg.Text) == "" {
			return nil, fmt.Errorf("utterance requires text")
		}
	case TypeControl:
		switch msg.Action {
		case ControlInterrupt, ControlEnd:
		default:
			return nil, fmt.Errorf("unknown control action %q", msg.Action)
		}
	case "":
		return nil, fmt.Errorf("message missing type")
	default:
		return nil, fmt.Errorf("unknown message type %q", msg.Type)
	}
	return &msg, nil
}

func TranscriptPartial(text string) ServerMessage {
	return ServerMessage{Type: TypeTranscriptPartial, Text: text}
}

func TranscriptFinal(turnID, text string) ServerMessage {
	return ServerMessage{Type: TypeTranscriptFinal, TurnID: turnID, Text: text}
}

func PersonaTextDelta(turnID, text string) ServerMessage {
	return ServerMessage{Type: TypePersonaTextDelta, TurnID: turnID, Text: text}
}

func PersonaAudioChunk(turnID, audioB64 string) ServerMessage {
	return ServerMessage{Type: TypePersonaAudioChunk, TurnID: turnID, Audio: audioB64}
}

func TurnEnd(turnID, reason string) ServerMessage {
	return ServerMessage{Type: TypeTurnEnd, TurnID: turnID, Reason: reason}
}

func SystemEvent(event string) ServerMessage {
	return ServerMessage{Type: TypeSystemEvent, Event: event}
}

func ErrorEvent(code, message string, retryable bool) ServerMessage {
	return ServerMessage{Type: TypeError, Code: code, Message: message, Retryable: retryable}
}
