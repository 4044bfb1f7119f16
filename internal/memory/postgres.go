package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tommasoluna/mnemosyne/internal/embed"
)

// PostgresStore persists memories, sessions and turns in PostgreSQL and uses
// pgvector for the similarity search primitive.
type PostgresStore struct {
	pool     *pgxpool.Pool
	embedder embed.Embedder
	dim      int
}

func NewPostgresStore(ctx context.Context, databaseURL string, embedder embed.Embedder, embeddingDim int) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool, embeddingDim); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool, embedder: embedder, dim: embeddingDim}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool, dim int) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector;`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			persona_id TEXT NOT NULL,
			content TEXT NOT NULL,
			type TEXT NOT NULL,
			source TEXT NOT NULL,
			source_url TEXT NOT NULL DEFAULT '',
			importance DOUBLE PRECISION NOT NULL,
			embedding vector(%d),
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`, dim),
		`CREATE INDEX IF NOT EXISTS idx_memories_persona_created ON memories (persona_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS conversation_sessions (
			id TEXT PRIMARY KEY,
			persona_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			modality TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			ended_at TIMESTAMPTZ
		);`,
		`CREATE TABLE IF NOT EXISTS conversation_turns (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			sender TEXT NOT NULL,
			content TEXT NOT NULL,
			emotion TEXT NOT NULL DEFAULT '',
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_turns_session_created ON conversation_turns (session_id, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveMemories(ctx context.Context, memories []Memory) error {
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

		metaJSON, err := json.Marshal(m.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}

		_, err = s.pool.Exec(ctx,
			`INSERT INTO memories (id, persona_id, content, type, source, source_url, importance, embedding, metadata, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::vector, $9, $10)
			 ON CONFLICT (id) DO UPDATE SET
				persona_id = EXCLUDED.persona_id,
				content = EXCLUDED.content,
				type = EXCLUDED.type,
				source = EXCLUDED.source,
				source_url = EXCLUDED.source_url,
				importance = EXCLUDED.importance,
				embedding = EXCLUDED.embedding,
				metadata = EXCLUDED.metadata,
				created_at = EXCLUDED.created_at`,
			m.ID,
			m.PersonaID,
			m.Content,
			string(m.Type),
			string(m.Source),
			m.SourceURL,
			m.Importance,
			vectorLiteral(m.Embedding),
			metaJSON,
			m.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("save memory: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Search(ctx context.Context, personaID, queryText string, k int) ([]Memory, error) {
	if k <= 0 {
		return nil, nil
	}
	queryVec, err := s.embedder.Embed(ctx, queryText)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, persona_id, content, type, source, source_url, importance, metadata, created_at,
			1 - (embedding <=> $2::vector) AS similarity
		 FROM memories
		 WHERE persona_id = $1 AND embedding IS NOT NULL
			AND 1 - (embedding <=> $2::vector) >= $3
		 ORDER BY similarity DESC, importance DESC, created_at DESC
		 LIMIT $4`,
		personaID,
		vectorLiteral(queryVec),
		SimilarityThreshold,
		k,
	)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	out := make([]Memory, 0, k)
	for rows.Next() {
		var (
			m        Memory
			metaJSON []byte
			sim      float64
		)
		if err := rows.Scan(&m.ID, &m.PersonaID, &m.Content, &m.Type, &m.Source, &m.SourceURL, &m.Importance, &metaJSON, &m.CreatedAt, &sim); err != nil {
			return nil, fmt.Errorf("scan memory row: %w", err)
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &m.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal metadata: %w", err)
			}
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memory rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) SaveSession(ctx context.Context, record SessionRecord) error {
	if record.StartedAt.IsZero() {
		record.StartedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversation_sessions (id, persona_id, user_id, modality, started_at, ended_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET ended_at = EXCLUDED.ended_at`,
		record.ID,
		record.PersonaID,
		record.UserID,
		record.Modality,
		record.StartedAt,
		record.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *PostgresStore) EndSession(ctx context.Context, sessionID string, endedAt time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE conversation_sessions SET ended_at = $2 WHERE id = $1`,
		sessionID,
		endedAt,
	)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveTurn(ctx context.Context, turn Turn) error {
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	metaJSON, err := json.Marshal(turn.Metadata)
	if err != nil {
		return fmt.Errorf("marshal turn metadata: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO conversation_turns (id, session_id, sender, content, emotion, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		turn.ID,
		turn.SessionID,
		turn.Sender,
		turn.Content,
		turn.Emotion,
		metaJSON,
		turn.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save turn: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecentTurns(ctx context.Context, sessionID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, sender, content, emotion, metadata, created_at
		 FROM conversation_turns WHERE session_id=$1 ORDER BY created_at DESC LIMIT $2`,
		sessionID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent turns: %w", err)
	}
	defer rows.Close()

	items := make([]Turn, 0, limit)
	for rows.Next() {
		var (
			t        Turn
			metaJSON []byte
		)
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Sender, &t.Content, &t.Emotion, &metaJSON, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &t.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal turn metadata: %w", err)
			}
		}
		items = append(items, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows: %w", err)
	}

	// Reverse into chronological order for prompt coherence.
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}

	return items, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// vectorLiteral renders a pgvector input literal, e.g. [0.1,0.2,0.3].
func vectorLiteral(vec []float32) string {
	if len(vec) == 0 {
		return "[]"
	}
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
