package brain

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// MessageRequest is the normalized request sent to the completion service.
type MessageRequest struct {
	PersonaID    string   `json:"persona_id"`
	SessionID    string   `json:"session_id"`
	TurnID       string   `json:"turn_id"`
	SystemPrompt string   `json:"system_prompt"`
	History      []string `json:"history,omitempty"`
	InputText    string   `json:"input_text"`
}

// MessageResponse is the final response after streaming deltas.
type MessageResponse struct {
	Text string `json:"text"`
}

// DeltaHandler receives streaming text fragments.
type DeltaHandler func(delta string) error

// Adapter bridges the engine with the external completion service.
type Adapter interface {
	// StreamResponse generates a conversational reply, invoking onDelta as
	// fragments arrive, and returns the assembled final text.
	StreamResponse(ctx context.Context, req MessageRequest, onDelta DeltaHandler) (MessageResponse, error)

	// CompleteJSON runs a single structured completion in JSON response mode
	// and returns the raw JSON payload. Used by the memory extractor.
	CompleteJSON(ctx context.Context, systemPrompt, input string) ([]byte, error)
}

// Config controls adapter construction.
type Config struct {
	Mode    string
	HTTPURL string
}

func NewAdapter(cfg Config) (Adapter, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.HTTPURL) != "" {
			return NewFallbackAdapter(NewHTTPAdapter(cfg.HTTPURL), NewMockAdapter()), nil
		}
		return NewMockAdapter(), nil
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, errors.New("brain HTTP url is required for http mode")
		}
		return NewHTTPAdapter(cfg.HTTPURL), nil
	case "mock":
		return NewMockAdapter(), nil
	default:
		return nil, fmt.Errorf("unsupported brain adapter mode %q", cfg.Mode)
	}
}
