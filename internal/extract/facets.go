package extract

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/tommasoluna/mnemosyne/internal/memory"
)

// Importance priors per facet kind. Relationships carry the most signal for a
// persona; ambient emotion summaries the least.
const (
	importanceFact         = 0.8
	importancePreference   = 0.7
	importanceRelationship = 0.9
	importanceEmotion      = 0.6
)

const extractionSystemPrompt = `You read a passage about a person and extract discrete memories about them.
Respond with a single JSON object, no prose, shaped exactly like:
{"facts":[],"preferences":[],"relationships":[],"topics":[],"people":[],"locations":[],"emotions":[]}
Each entry in facts, preferences and relationships is one standalone sentence.
topics, people and locations are short labels. emotions are single words describing the passage's emotional tone.`

type facets struct {
	Facts         []string `json:"facts"`
	Preferences   []string `json:"preferences"`
	Relationships []string `json:"relationships"`
	Topics        []string `json:"topics"`
	People        []string `json:"people"`
	Locations     []string `json:"locations"`
	Emotions      []string `json:"emotions"`
}

// parseFacets tolerates models that wrap the object in markdown fences or
// leading prose.
func parseFacets(raw []byte) (facets, error) {
	var f facets
	text := strings.TrimSpace(string(raw))
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}
	if start := strings.Index(text, "{"); start > 0 {
		text = text[start:]
	}
	if err := json.Unmarshal([]byte(text), &f); err != nil {
		return facets{}, fmt.Errorf("parse extraction facets: %w", err)
	}
	return f, nil
}

// toMemories flattens facets into typed memory records with shared metadata.
func (f facets) toMemories(unit ContentUnit) []memory.Memory {
	meta := make(map[string]string)
	if len(f.Topics) > 0 {
		meta[memory.MetaTopics] = strings.Join(dedupe(f.Topics), ",")
	}
	if len(f.People) > 0 {
		meta[memory.MetaPeople] = strings.Join(dedupe(f.People), ",")
	}
	if len(f.Locations) > 0 {
		meta[memory.MetaLocation] = f.Locations[0]
	}
	if len(f.Emotions) > 0 {
		meta[memory.MetaSentiment] = strings.Join(dedupe(f.Emotions), ",")
	}

	build := func(content string, typ memory.Type, importance float64) memory.Memory {
		return memory.Memory{
			ID:         uuid.NewString(),
			PersonaID:  unit.PersonaID,
			Content:    strings.TrimSpace(content),
			Type:       typ,
			Source:     unit.Source,
			SourceURL:  unit.SourceURL,
			Importance: importance,
			Metadata:   meta,
		}
	}

	var out []memory.Memory
	for _, s := range f.Facts {
		out = append(out, build(s, memory.TypeFact, importanceFact))
	}
	for _, s := range f.Preferences {
		out = append(out, build(s, memory.TypePreference, importancePreference))
	}
	for _, s := range f.Relationships {
		out = append(out, build(s, memory.TypeRelationship, importanceRelationship))
	}
	if len(f.Emotions) > 0 {
		summary := fmt.Sprintf("Often felt %s in moments like this.", strings.Join(dedupe(f.Emotions), ", "))
		out = append(out, build(summary, memory.TypeEmotion, importanceEmotion))
	}
	return out
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		key := strings.ToLower(s)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, s)
	}
	return out
}
