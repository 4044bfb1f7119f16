package memory

import (
	"context"
	"strings"
	"time"
)

// Type classifies what kind of statement a memory captures.
type Type string

const (
	TypeFact         Type = "fact"
	TypeExperience   Type = "experience"
	TypePreference   Type = "preference"
	TypeRelationship Type = "relationship"
	TypeSkill        Type = "skill"
	TypeEmotion      Type = "emotion"
)

// Source tags where the content a memory came from was observed.
type Source string

const (
	SourceVideo       Source = "video"
	SourceImage       Source = "image"
	SourceAudio       Source = "audio"
	SourceText        Source = "text"
	SourceSocialMedia Source = "social_media"
)

// Well-known metadata keys. The map stays open for extra scalar values, but
// the flow classifier and importance scoring only read these.
const (
	MetaTopics    = "topics"
	MetaPeople    = "people"
	MetaLocation  = "location"
	MetaSentiment = "sentiment"
)

// Turn metadata keys.
const (
	TurnMetaFlow       = "flow"
	TurnMetaConfidence = "confidence"
	TurnMetaLatencyMS  = "latency_ms"
)

// SimilarityThreshold is the minimum cosine similarity for a memory to be
// considered relevant to a query.
const SimilarityThreshold = 0.7

// Memory is a single typed, scored statement about a persona. Immutable once
// written; re-saving the same ID overwrites the whole record.
type Memory struct {
	ID         string            `json:"id"`
	PersonaID  string            `json:"persona_id"`
	Content    string            `json:"content"`
	Type       Type              `json:"type"`
	Source     Source            `json:"source"`
	SourceURL  string            `json:"source_url,omitempty"`
	Importance float64           `json:"importance"`
	Embedding  []float32         `json:"-"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Turn is one conversational exchange half, appended and never mutated.
type Turn struct {
	ID        string            `json:"id"`
	SessionID string            `json:"session_id"`
	Sender    string            `json:"sender"`
	Content   string            `json:"content"`
	Emotion   string            `json:"emotion,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

const (
	SenderUser    = "user"
	SenderPersona = "persona"
)

// SessionRecord is the durable view of a conversation session.
type SessionRecord struct {
	ID        string     `json:"id"`
	PersonaID string     `json:"persona_id"`
	UserID    string     `json:"user_id"`
	Modality  string     `json:"modality"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Store persists memories, sessions and turns, and answers semantic search.
type Store interface {
	// SaveMemories persists records, idempotent per ID. Records with empty
	// content are skipped; importance is clamped to [0,1]; records arriving
	// without an embedding are embedded from their content.
	SaveMemories(ctx context.Context, memories []Memory) error

	// Search embeds queryText, scores memories scoped to personaID by cosine
	// similarity, drops results below SimilarityThreshold and returns at most
	// k, ordered by (similarity desc, importance desc, created_at desc). An
	// empty result is not an error.
	Search(ctx context.Context, personaID, queryText string, k int) ([]Memory, error)

	SaveSession(ctx context.Context, record SessionRecord) error
	EndSession(ctx context.Context, sessionID string, endedAt time.Time) error

	SaveTurn(ctx context.Context, turn Turn) error
	// RecentTurns returns the last limit turns of a session in chronological
	// order.
	RecentTurns(ctx context.Context, sessionID string, limit int) ([]Turn, error)

	Close() error
}

// ClampImportance bounds an importance score to [0,1].
func ClampImportance(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// normalizeMemory trims, clamps and stamps a record in place. Returns false
// when the record must not be persisted.
func normalizeMemory(m *Memory) bool {
	m.Content = strings.TrimSpace(m.Content)
	if m.Content == "" {
		return false
	}
	m.Importance = ClampImportance(m.Importance)
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	return true
}
