package brain

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPAdapter forwards requests to a completion-service HTTP endpoint. The
// endpoint may answer with a single JSON object or stream SSE/NDJSON deltas.
type HTTPAdapter struct {
	url    string
	client *http.Client
}

func NewHTTPAdapter(url string) *HTTPAdapter {
	return &HTTPAdapter{
		url: strings.TrimSpace(url),
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

func (a *HTTPAdapter) StreamResponse(ctx context.Context, req MessageRequest, onDelta DeltaHandler) (MessageResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return MessageResponse{}, fmt.Errorf("marshal request: %w", err)
	}

	body, contentType, err := a.post(ctx, payload)
	if err != nil {
		return MessageResponse{}, err
	}
	defer body.Close()

	if strings.Contains(contentType, "text/event-stream") || strings.Contains(contentType, "application/x-ndjson") {
		return consumeStreaming(body, onDelta)
	}

	raw, err := io.ReadAll(body)
	if err != nil {
		return MessageResponse{}, fmt.Errorf("read response: %w", err)
	}

	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		text := strings.TrimSpace(string(raw))
		if text == "" {
			return MessageResponse{}, nil
		}
		if onDelta != nil {
			if err := onDelta(text); err != nil {
				return MessageResponse{}, err
			}
		}
		return MessageResponse{Text: text}, nil
	}

	text := extractText(obj)
	if text != "" && onDelta != nil {
		if err := onDelta(text); err != nil {
			return MessageResponse{}, err
		}
	}
	return MessageResponse{Text: text}, nil
}

func (a *HTTPAdapter) CompleteJSON(ctx context.Context, systemPrompt, input string) ([]byte, error) {
	payload, err := json.Marshal(map[string]string{
		"system_prompt":   systemPrompt,
		"input_text":      input,
		"response_format": "json",
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	body, _, err := a.post(ctx, payload)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	raw, err := io.ReadAll(io.LimitReader(body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	// Some backends wrap the structured answer in a text field.
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil {
		if text := extractText(obj); text != "" && looksLikeJSON(text) {
			return []byte(text), nil
		}
	}
	return raw, nil
}

func (a *HTTPAdapter) post(ctx context.Context, payload []byte) (io.ReadCloser, string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(payload))
	if err != nil {
		return nil, "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := a.client.Do(httpReq)
	if err != nil {
		return nil, "", fmt.Errorf("send request: %w", err)
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		res.Body.Close()
		return nil, "", fmt.Errorf("completion service status %d: %s", res.StatusCode, string(body))
	}
	return res.Body, strings.ToLower(res.Header.Get("Content-Type")), nil
}

func consumeStreaming(body io.Reader, onDelta DeltaHandler) (MessageResponse, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var out strings.Builder
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "data:") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}

		delta := line
		var obj map[string]any
		if err := json.Unmarshal([]byte(line), &obj); err == nil {
			delta = strings.TrimSpace(extractText(obj))
		}

		if delta == "" {
			continue
		}
		out.WriteString(delta)
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				return MessageResponse{}, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return MessageResponse{}, fmt.Errorf("stream read: %w", err)
	}

	return MessageResponse{Text: out.String()}, nil
}

func extractText(obj map[string]any) string {
	for _, key := range []string{"text", "delta", "content", "response", "output"} {
		if v, ok := obj[key].(string); ok && strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func looksLikeJSON(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[")
}
