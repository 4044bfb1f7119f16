// Package extract turns raw content about a persona into typed, embedded
// memory records ready for semantic search.
package extract

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/tommasoluna/mnemosyne/internal/brain"
	"github.com/tommasoluna/mnemosyne/internal/embed"
	"github.com/tommasoluna/mnemosyne/internal/memory"
	"github.com/tommasoluna/mnemosyne/internal/observability"
)

// MinContentLength is the floor below which input is considered noise and
// extraction is skipped.
const MinContentLength = 10

// ContentUnit is one piece of source material to extract memories from.
type ContentUnit struct {
	PersonaID string
	Text      string
	Source    memory.Source
	SourceURL string
}

type Extractor struct {
	adapter  brain.Adapter
	embedder embed.Embedder
	metrics  *observability.Metrics
	minLen   int
	log      zerolog.Logger
}

func NewExtractor(adapter brain.Adapter, embedder embed.Embedder, metrics *observability.Metrics, minLen int, log zerolog.Logger) *Extractor {
	if minLen <= 0 {
		minLen = MinContentLength
	}
	return &Extractor{
		adapter:  adapter,
		embedder: embedder,
		metrics:  metrics,
		minLen:   minLen,
		log:      log.With().Str("component", "extractor").Logger(),
	}
}

// Extract produces embedded memory records for a content unit. It never
// fails the caller: short input, model failure or unparseable output all
// yield nil, and a record whose embedding fails is dropped rather than
// saved half-built.
func (e *Extractor) Extract(ctx context.Context, unit ContentUnit) []memory.Memory {
	text := strings.TrimSpace(unit.Text)
	if len(text) < e.minLen {
		return nil
	}
	unit.Text = text

	raw, err := e.adapter.CompleteJSON(ctx, extractionSystemPrompt, text)
	if err != nil {
		e.log.Warn().Err(err).Str("persona_id", unit.PersonaID).Msg("extraction completion failed")
		return nil
	}

	f, err := parseFacets(raw)
	if err != nil {
		e.log.Warn().Err(err).Str("persona_id", unit.PersonaID).Msg("unparseable extraction output")
		return nil
	}

	candidates := f.toMemories(unit)
	out := make([]memory.Memory, 0, len(candidates))
	for _, m := range candidates {
		if m.Content == "" {
			continue
		}
		vec, err := e.embedder.Embed(ctx, m.Content)
		if err != nil {
			e.log.Warn().Err(err).Str("persona_id", unit.PersonaID).Msg("embedding failed, dropping memory")
			continue
		}
		m.Embedding = vec
		out = append(out, m)
	}

	if e.metrics != nil {
		for _, m := range out {
			e.metrics.MemoriesExtracted.WithLabelValues(string(m.Type)).Inc()
		}
	}
	e.log.Debug().
		Str("persona_id", unit.PersonaID).
		Int("memories", len(out)).
		Str("source", string(unit.Source)).
		Msg("extraction complete")
	return out
}
