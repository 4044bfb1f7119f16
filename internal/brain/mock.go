package brain

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// MockAdapter provides deterministic local replies when no completion
// service is configured.
type MockAdapter struct{}

func NewMockAdapter() *MockAdapter { return &MockAdapter{} }

func (a *MockAdapter) StreamResponse(
	ctx context.Context,
	req MessageRequest,
	onDelta DeltaHandler,
) (MessageResponse, error) {
	select {
	case <-ctx.Done():
		return MessageResponse{}, ctx.Err()
	default:
	}

	text := buildMockReply(req)
	if onDelta != nil && text != "" {
		if err := onDelta(text); err != nil {
			return MessageResponse{}, err
		}
	}
	return MessageResponse{Text: text}, nil
}

// CompleteJSON emits one fact facet per sentence so local extraction still
// produces memories without a real model.
func (a *MockAdapter) CompleteJSON(ctx context.Context, _ string, input string) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	facts := make([]string, 0, 4)
	for _, sentence := range strings.FieldsFunc(input, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == '\n'
	}) {
		sentence = strings.TrimSpace(sentence)
		if sentence == "" {
			continue
		}
		facts = append(facts, sentence)
		if len(facts) == 4 {
			break
		}
	}

	return json.Marshal(map[string]any{
		"facts":         facts,
		"preferences":   []string{},
		"relationships": []string{},
		"topics":        []string{},
		"people":        []string{},
		"locations":     []string{},
		"emotions":      []string{},
	})
}

func buildMockReply(req MessageRequest) string {
	base := strings.TrimSpace(req.InputText)
	if base == "" {
		return "I'm here."
	}

	if len(req.History) == 0 {
		return fmt.Sprintf("I hear you: %s", base)
	}

	last := strings.TrimSpace(req.History[len(req.History)-1])
	if last == "" {
		return fmt.Sprintf("I hear you: %s", base)
	}

	return fmt.Sprintf("I hear you: %s\nThat reminds me of before: %s", base, last)
}
