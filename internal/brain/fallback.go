package brain

import (
	"context"
	"errors"
	"fmt"
)

// FallbackAdapter attempts a primary adapter first and falls back on error.
// Context cancellation is never masked by a fallback attempt: a cancelled
// turn must stay cancelled.
type FallbackAdapter struct {
	primary  Adapter
	fallback Adapter
}

func NewFallbackAdapter(primary, fallback Adapter) *FallbackAdapter {
	return &FallbackAdapter{primary: primary, fallback: fallback}
}

func (a *FallbackAdapter) StreamResponse(
	ctx context.Context,
	req MessageRequest,
	onDelta DeltaHandler,
) (MessageResponse, error) {
	if a == nil || a.primary == nil {
		if a != nil && a.fallback != nil {
			return a.fallback.StreamResponse(ctx, req, onDelta)
		}
		return MessageResponse{}, fmt.Errorf("fallback adapter misconfigured")
	}

	resp, err := a.primary.StreamResponse(ctx, req, onDelta)
	if err == nil {
		return resp, nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return MessageResponse{}, err
	}
	if a.fallback == nil {
		return MessageResponse{}, err
	}

	fallbackResp, fallbackErr := a.fallback.StreamResponse(ctx, req, onDelta)
	if fallbackErr != nil {
		return MessageResponse{}, fmt.Errorf("primary adapter error: %w; fallback adapter error: %v", err, fallbackErr)
	}
	return fallbackResp, nil
}

func (a *FallbackAdapter) CompleteJSON(ctx context.Context, systemPrompt, input string) ([]byte, error) {
	if a == nil || a.primary == nil {
		if a != nil && a.fallback != nil {
			return a.fallback.CompleteJSON(ctx, systemPrompt, input)
		}
		return nil, fmt.Errorf("fallback adapter misconfigured")
	}

	raw, err := a.primary.CompleteJSON(ctx, systemPrompt, input)
	if err == nil {
		return raw, nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}
	if a.fallback == nil {
		return nil, err
	}

	raw, fallbackErr := a.fallback.CompleteJSON(ctx, systemPrompt, input)
	if fallbackErr != nil {
		return nil, fmt.Errorf("primary adapter error: %w; fallback adapter error: %v", err, fallbackErr)
	}
	return raw, nil
}
