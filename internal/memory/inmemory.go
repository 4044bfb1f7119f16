package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tommasoluna/mnemosyne/internal/embed"
)

// InMemoryStore keeps everything in process with a brute-force cosine scan.
// Used for local/dev runs and as the reference implementation in tests.
type InMemoryStore struct {
	mu       sync.RWMutex
	embedder embed.Embedder
	memories map[string]map[string]Memory // personaID -> memory ID -> record
	sessions map[string]SessionRecord
	turns    map[string][]Turn
}

func NewInMemoryStore(embedder embed.Embedder) *InMemoryStore {
	return &InMemoryStore{
		embedder: embedder,
		memories: make(map[string]map[string]Memory),
		sessions: make(map[string]SessionRecord),
		turns:    make(map[string][]Turn),
	}
}

func (s *InMemoryStore) SaveMemories(ctx context.Context, memories []Memory) error {
	prepared := make([]Memory, 0, len(memories))
	for _, m := range memories {
		if !normalizeMemory(&m) {
			continue
		}
		if len(m.Embedding) == 0 {
			vec, err := s.embedder.Embed(ctx, m.Content)
			if err != nil {
				return fmt.Errorf("embed memory content: %w", err)
			}
			m.Embedding = vec
		}
		prepared = append(prepared, m)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range prepared {
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		byID, ok := s.memories[m.PersonaID]
		if !ok {
			byID = make(map[string]Memory)
			s.memories[m.PersonaID] = byID
		}
		byID[m.ID] = m
	}
	return nil
}

func (s *InMemoryStore) Search(ctx context.Context, personaID, queryText string, k int) ([]Memory, error) {
	if k <= 0 {
		return nil, nil
	}
	queryVec, err := s.embedder.Embed(ctx, queryText)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	type scored struct {
		mem Memory
		sim float64
	}
	candidates := make([]scored, 0, len(s.memories[personaID]))
	for _, m := range s.memories[personaID] {
		sim := CosineSimilarity(queryVec, m.Embedding)
		if sim < SimilarityThreshold {
			continue
		}
		candidates = append(candidates, scored{mem: m, sim: sim})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].sim != candidates[j].sim {
			return candidates[i].sim > candidates[j].sim
		}
		if candidates[i].mem.Importance != candidates[j].mem.Importance {
			return candidates[i].mem.Importance > candidates[j].mem.Importance
		}
		return candidates[i].mem.CreatedAt.After(candidates[j].mem.CreatedAt)
	})

	if len(candidates) > k {
		candidates = candidates[:k]
	}
	out := make([]Memory, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, c.mem)
	}
	return out, nil
}

func (s *InMemoryStore) SaveSession(_ context.Context, record SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.StartedAt.IsZero() {
		record.StartedAt = time.Now().UTC()
	}
	s.sessions[record.ID] = record
	return nil
}

func (s *InMemoryStore) EndSession(_ context.Context, sessionID string, endedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	record.EndedAt = &endedAt
	s.sessions[sessionID] = record
	return nil
}

func (s *InMemoryStore) SaveTurn(_ context.Context, turn Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	s.turns[turn.SessionID] = append(s.turns[turn.SessionID], turn)
	return nil
}

func (s *InMemoryStore) RecentTurns(_ context.Context, sessionID string, limit int) ([]Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.turns[sessionID]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]Turn, 0, limit)
	for i := len(arr) - limit; i < len(arr); i++ {
		out = append(out, arr[i])
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
