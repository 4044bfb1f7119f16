package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tommasoluna/mnemosyne/internal/reliability"
)

const (
	embedRetryMax  = 2
	embedRetryBase = 200 * time.Millisecond
	embedRetryCap  = 2 * time.Second
)

// HTTPEmbedder calls an external embedding endpoint. The endpoint accepts
// {"input": "..."} and responds with {"embedding": [...]}.
type HTTPEmbedder struct {
	url        string
	dimensions int
	client     *http.Client
}

func NewHTTPEmbedder(url string, dimensions int) *HTTPEmbedder {
	return &HTTPEmbedder{
		url:        strings.TrimSpace(url),
		dimensions: dimensions,
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// Embed retries transient upstream failures with capped backoff before
// giving up.
func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	var lastErr error
	for attempt := 0; attempt <= embedRetryMax; attempt++ {
		if attempt > 0 {
			wait := reliability.ExponentialBackoff(attempt-1, embedRetryBase, embedRetryCap)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}
		vec, retryable, err := e.embedOnce(ctx, text)
		if err == nil {
			return vec, nil
		}
		lastErr = err
		if !retryable || ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func (e *HTTPEmbedder) embedOnce(ctx context.Context, text string) (vec []float32, retryable bool, err error) {
	payload, err := json.Marshal(map[string]string{"input": text})
	if err != nil {
		return nil, false, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(payload))
	if err != nil {
		return nil, false, fmt.Errorf("create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := e.client.Do(req)
	if err != nil {
		return nil, reliability.IsRetryable(err), fmt.Errorf("send embed request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return nil, reliability.IsRetryableHTTPStatus(res.StatusCode),
			fmt.Errorf("embed service status %d: %s", res.StatusCode, string(body))
	}

	var obj struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.NewDecoder(res.Body).Decode(&obj); err != nil {
		return nil, false, fmt.Errorf("decode embed response: %w", err)
	}
	if len(obj.Embedding) == 0 {
		return nil, false, fmt.Errorf("embed service returned empty vector")
	}
	if e.dimensions > 0 && len(obj.Embedding) != e.dimensions {
		return nil, false, fmt.Errorf("embed dimensionality mismatch: got %d, want %d", len(obj.Embedding), e.dimensions)
	}
	return obj.Embedding, false, nil
}

func (e *HTTPEmbedder) Dimensions() int { return e.dimensions }
