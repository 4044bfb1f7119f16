package voice

import (
	"context"
	"encoding/base64"
	"strings"
	"sync"
)

// MockSTTProvider treats each audio chunk's decoded bytes as the spoken
// text: one partial, then a final. Good enough for local development and
// exercising the turn loop without a real recognizer.
type MockSTTProvider struct{}

func NewMockSTTProvider() *MockSTTProvider { return &MockSTTProvider{} }

type mockSTTSession struct {
	events    chan SpeechEvent
	closeOnce sync.Once
}

func (p *MockSTTProvider) StartSession(_ context.Context, _ string) (STTSession, <-chan SpeechEvent, error) {
	s := &mockSTTSession{events: make(chan SpeechEvent, 16)}
	return s, s.events, nil
}

func (s *mockSTTSession) SendAudioChunk(ctx context.Context, audioBase64 string) error {
	raw, err := base64.StdEncoding.DecodeString(audioBase64)
	if err != nil {
		return err
	}
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return nil
	}
	for _, evt := range []SpeechEvent{
		{Type: SpeechEventPartial, Text: text, Confidence: 0.5},
		{Type: SpeechEventFinal, Text: text, Confidence: 0.95},
	} {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s.events <- evt:
		}
	}
	return nil
}

func (s *mockSTTSession) Close() error {
	s.closeOnce.Do(func() { close(s.events) })
	return nil
}

// MockTTSProvider echoes each text segment back as a base64 "audio" chunk.
type MockTTSProvider struct{}

func NewMockTTSProvider() *MockTTSProvider { return &MockTTSProvider{} }

type mockTTSStream struct {
	events    chan TTSEvent
	closeOnce sync.Once
}

func (p *MockTTSProvider) StartStream(_ context.Context, _ TTSSettings) (TTSStream, error) {
	return &mockTTSStream{events: make(chan TTSEvent, 32)}, nil
}

func (s *mockTTSStream) SendText(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	evt := TTSEvent{
		Type:        TTSEventAudio,
		AudioBase64: base64.StdEncoding.EncodeToString([]byte(text)),
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case s.events <- evt:
	}
	return nil
}

func (s *mockTTSStream) CloseInput(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case s.events <- TTSEvent{Type: TTSEventFinal}:
	}
	return nil
}

func (s *mockTTSStream) Events() <-chan TTSEvent { return s.events }

func (s *mockTTSStream) Close() error {
	s.closeOnce.Do(func() { close(s.events) })
	return nil
}
