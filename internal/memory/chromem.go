package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"

	"github.com/tommasoluna/mnemosyne/internal/embed"
)

// ChromemStore backs semantic search with chromem-go, an embedded pure-Go
// vector index. One collection per persona keeps search scoped. Sessions and
// turns are kept in process; chromem only holds the vectors.
type ChromemStore struct {
	db       *chromem.DB
	embedder embed.Embedder

	mu          sync.RWMutex
	collections map[string]*chromem.Collection
	sessions    map[string]SessionRecord
	turns       map[string][]Turn
}

func NewChromemStore(embedder embed.Embedder) *ChromemStore {
	return &ChromemStore{
		db:          chromem.NewDB(),
		embedder:    embedder,
		collections: make(map[string]*chromem.Collection),
		sessions:    make(map[string]SessionRecord),
		turns:       make(map[string][]Turn),
	}
}

func (s *ChromemStore) collection(personaID string) (*chromem.Collection, error) {
	s.mu.RLock()
	col, ok := s.collections[personaID]
	s.mu.RUnlock()
	if ok {
		return col, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if col, ok := s.collections[personaID]; ok {
		return col, nil
	}

	name := "persona_" + personaID
	col, err := s.db.CreateCollection(name, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection %q: %w", name, err)
	}
	s.collections[personaID] = col
	return col, nil
}

func (s *ChromemStore) SaveMemories(ctx context.Context, memories []Memory) error {
	for _, m := range memories {
		if !normalizeMemory(&m) {
			continue
		}
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		if len(m.Embedding) == 0 {
			vec, err := s.embedder.Embed(ctx, m.Content)
			if err != nil {
				return fmt.Errorf("embed memory content: %w", err)
			}
			m.Embedding = vec
		}
		col, err := s.collection(m.PersonaID)
		if err != nil {
			return err
		}
		// AddDocument keys by ID, so a re-save overwrites the old record.
		if err := col.AddDocument(ctx, chromem.Document{
			ID:        m.ID,
			Content:   m.Content,
			Embedding: m.Embedding,
			Metadata:  encodeMemoryMetadata(m),
		}); err != nil {
			return fmt.Errorf("add document: %w", err)
		}
	}
	return nil
}

func (s *ChromemStore) Search(ctx context.Context, personaID, queryText string, k int) ([]Memory, error) {
	if k <= 0 {
		return nil, nil
	}
	queryVec, err := s.embedder.Embed(ctx, queryText)
	if err != nil {
		return nil, err
	}

	col, err := s.collection(personaID)
	if err != nil {
		return nil, err
	}
	// chromem rejects nResults above the collection size.
	limit := k
	if count := col.Count(); count < limit {
		limit = count
	}
	if limit == 0 {
		return nil, nil
	}

	results, err := col.QueryEmbedding(ctx, queryVec, limit, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}

	out := make([]Memory, 0, len(results))
	for _, r := range results {
		if float64(r.Similarity) < SimilarityThreshold {
			continue
		}
		out = append(out, decodeMemoryResult(personaID, r))
	}
	// chromem orders by similarity only; apply the importance/recency
	// tie-break for equal scores.
	sort.SliceStable(out, func(i, j int) bool {
		si := CosineSimilarity(queryVec, out[i].Embedding)
		sj := CosineSimilarity(queryVec, out[j].Embedding)
		if si != sj {
			return si > sj
		}
		if out[i].Importance != out[j].Importance {
			return out[i].Importance > out[j].Importance
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (s *ChromemStore) SaveSession(_ context.Context, record SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.StartedAt.IsZero() {
		record.StartedAt = time.Now().UTC()
	}
	s.sessions[record.ID] = record
	return nil
}

func (s *ChromemStore) EndSession(_ context.Context, sessionID string, endedAt time.Time) error {
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

func (s *ChromemStore) SaveTurn(_ context.Context, turn Turn) error {
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

func (s *ChromemStore) RecentTurns(_ context.Context, sessionID string, limit int) ([]Turn, error) {
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

func (s *ChromemStore) Close() error { return nil }

const chromemMetaPrefix = "x_"

func encodeMemoryMetadata(m Memory) map[string]string {
	meta := map[string]string{
		"type":       string(m.Type),
		"source":     string(m.Source),
		"source_url": m.SourceURL,
		"importance": strconv.FormatFloat(m.Importance, 'f', -1, 64),
		"created_at": m.CreatedAt.Format(time.RFC3339Nano),
	}
	for k, v := range m.Metadata {
		meta[chromemMetaPrefix+k] = v
	}
	return meta
}

func decodeMemoryResult(personaID string, r chromem.Result) Memory {
	importance, _ := strconv.ParseFloat(r.Metadata["importance"], 64)
	createdAt, _ := time.Parse(time.RFC3339Nano, r.Metadata["created_at"])

	var custom map[string]string
	for k, v := range r.Metadata {
		if !strings.HasPrefix(k, chromemMetaPrefix) {
			continue
		}
		if custom == nil {
			custom = make(map[string]string)
		}
		custom[strings.TrimPrefix(k, chromemMetaPrefix)] = v
	}

	return Memory{
		ID:         r.ID,
		PersonaID:  personaID,
		Content:    r.Content,
		Type:       Type(r.Metadata["type"]),
		Source:     Source(r.Metadata["source"]),
		SourceURL:  r.Metadata["source_url"],
		Importance: ClampImportance(importance),
		Embedding:  r.Embedding,
		Metadata:   custom,
		CreatedAt:  createdAt,
	}
}
