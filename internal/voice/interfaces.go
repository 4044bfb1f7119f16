package voice

import "context"

type SpeechEventType string

const (
	SpeechEventPartial SpeechEventType = "partial"
	SpeechEventFinal   SpeechEventType = "final"
	SpeechEventError   SpeechEventType = "error"
)

type SpeechEvent struct {
	Type       SpeechEventType
	Text       string
	Confidence float64
	Code       string
	Detail     string
	Retryable  bool
}

type STTSession interface {
	SendAudioChunk(ctx context.Context, audioBase64 string) error
	Close() error
}

type STTProvider interface {
	StartSession(ctx context.Context, sessionID string) (STTSession, <-chan SpeechEvent, error)
}

type TTSEventType string

const (
	TTSEventAudio TTSEventType = "audio"
	TTSEventFinal TTSEventType = "final"
	TTSEventError TTSEventType = "error"
)

type TTSEvent struct {
	Type        TTSEventType
	AudioBase64 string
	Code        string
	Detail      string
	Retryable   bool
}

type TTSSettings struct {
	VoiceID      string
	SpeakingRate float64
	Warmth       float64
}

type TTSStream interface {
	SendText(ctx context.Context, text string) error
	CloseInput(ctx context.Context) error
	Events() <-chan TTSEvent
	Close() error
}

type TTSProvider interface {
	StartStream(ctx context.Context, settings TTSSettings) (TTSStream, error)
}
