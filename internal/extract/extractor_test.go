package extract

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/tommasoluna/mnemosyne/internal/brain"
	"github.com/tommasoluna/mnemosyne/internal/embed"
	"github.com/tommasoluna/mnemosyne/internal/memory"
)

type scriptedBrain struct {
	raw []byte
	err error
}

func (b *scriptedBrain) StreamResponse(_ context.Context, _ brain.MessageRequest, _ brain.DeltaHandler) (brain.MessageResponse, error) {
	return brain.MessageResponse{}, errors.New("not used")
}

func (b *scriptedBrain) CompleteJSON(_ context.Context, _, _ string) ([]byte, error) {
	return b.raw, b.err
}

type failingEmbedder struct{}

func (failingEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, errors.New("embed service down")
}
func (failingEmbedder) Dimensions() int { return 64 }

func newTestExtractor(adapter brain.Adapter, embedder embed.Embedder) *Extractor {
	return NewExtractor(adapter, embedder, nil, 10, zerolog.Nop())
}

const facetJSON = `{
	"facts": ["She grew up in a small coastal town."],
	"preferences": ["She loved lemon cake."],
	"relationships": ["Her sister Anna lived next door."],
	"topics": ["childhood", "family"],
	"people": ["Anna"],
	"locations": ["the coast"],
	"emotions": ["joyful"]
}`

func TestExtractShortInputYieldsNothing(t *testing.T) {
	e := newTestExtractor(&scriptedBrain{raw: []byte(facetJSON)}, embed.NewMockEmbedder(64))
	if got := e.Extract(context.Background(), ContentUnit{PersonaID: "p1", Text: "hi"}); got != nil {
		t.Errorf("Extract(short) = %v, want nil", got)
	}
	if got := e.Extract(context.Background(), ContentUnit{PersonaID: "p1", Text: "        "}); got != nil {
		t.Errorf("Extract(blank) = %v, want nil", got)
	}
}

func TestExtractAssignsTypesAndPriors(t *testing.T) {
	e := newTestExtractor(&scriptedBrain{raw: []byte(facetJSON)}, embed.NewMockEmbedder(64))
	got := e.Extract(context.Background(), ContentUnit{
		PersonaID: "p1",
		Text:      "A long enough passage about her life by the sea.",
		Source:    memory.SourceText,
	})
	if len(got) != 4 {
		t.Fatalf("got %d memories, want 4 (fact, preference, relationship, emotion summary)", len(got))
	}

	byType := map[memory.Type]memory.Memory{}
	for _, m := range got {
		byType[m.Type] = m
		if m.PersonaID != "p1" {
			t.Errorf("persona_id = %q", m.PersonaID)
		}
		if len(m.Embedding) == 0 {
			t.Errorf("memory %q missing embedding", m.Content)
		}
	}

	wantImportance := map[memory.Type]float64{
		memory.TypeFact:         0.8,
		memory.TypePreference:   0.7,
		memory.TypeRelationship: 0.9,
		memory.TypeEmotion:      0.6,
	}
	for typ, want := range wantImportance {
		m, ok := byType[typ]
		if !ok {
			t.Errorf("missing %s memory", typ)
			continue
		}
		if m.Importance != want {
			t.Errorf("%s importance = %v, want %v", typ, m.Importance, want)
		}
	}

	fact := byType[memory.TypeFact]
	if fact.Metadata[memory.MetaPeople] != "Anna" {
		t.Errorf("people metadata = %q", fact.Metadata[memory.MetaPeople])
	}
	if fact.Metadata[memory.MetaSentiment] != "joyful" {
		t.Errorf("sentiment metadata = %q", fact.Metadata[memory.MetaSentiment])
	}
}

func TestExtractToleratesMarkdownFences(t *testing.T) {
	fenced := "```json\n" + facetJSON + "\n```"
	e := newTestExtractor(&scriptedBrain{raw: []byte(fenced)}, embed.NewMockEmbedder(64))
	got := e.Extract(context.Background(), ContentUnit{PersonaID: "p1", Text: "A long enough passage about her."})
	if len(got) == 0 {
		t.Fatal("fenced JSON produced no memories")
	}
}

func TestExtractBrainFailureYieldsNothing(t *testing.T) {
	e := newTestExtractor(&scriptedBrain{err: errors.New("model unavailable")}, embed.NewMockEmbedder(64))
	if got := e.Extract(context.Background(), ContentUnit{PersonaID: "p1", Text: "A long enough passage about her."}); got != nil {
		t.Errorf("Extract = %v, want nil on brain failure", got)
	}
}

func TestExtractUnparseableOutputYieldsNothing(t *testing.T) {
	e := newTestExtractor(&scriptedBrain{raw: []byte("sorry, I cannot do that")}, embed.NewMockEmbedder(64))
	if got := e.Extract(context.Background(), ContentUnit{PersonaID: "p1", Text: "A long enough passage about her."}); got != nil {
		t.Errorf("Extract = %v, want nil on unparseable output", got)
	}
}

func TestExtractDropsRecordsWhenEmbeddingFails(t *testing.T) {
	e := newTestExtractor(&scriptedBrain{raw: []byte(facetJSON)}, failingEmbedder{})
	got := e.Extract(context.Background(), ContentUnit{PersonaID: "p1", Text: "A long enough passage about her."})
	if len(got) != 0 {
		t.Errorf("got %d memories with failing embedder, want 0", len(got))
	}
}
