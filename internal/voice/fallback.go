package voice

import (
	"strings"
	"sync/atomic"

	"github.com/tommasoluna/mnemosyne/internal/persona"
)

var defaultFallbackPhrases = []string{
	"I'm still here with you.",
	"Sorry, I drifted off for a moment. Tell me that again?",
	"I'm listening. Go on.",
	"Give me a second, I'm right here.",
}

// PhraseBank hands out persona-flavored filler lines for turns where the
// model could not answer in time. Ordering is deterministic round-robin so
// repeated failures don't repeat the same line back to back.
type PhraseBank struct {
	phrases []string
	next    atomic.Uint64
}

// NewPhraseBank seeds the bank from the persona's own common phrases,
// falling back to neutral lines when the profile has none.
func NewPhraseBank(prof persona.Profile) *PhraseBank {
	phrases := make([]string, 0, len(prof.CommonPhrases)+len(defaultFallbackPhrases))
	for _, p := range prof.CommonPhrases {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		phrases = append(phrases, p)
	}
	phrases = append(phrases, defaultFallbackPhrases...)
	return &PhraseBank{phrases: phrases}
}

func (b *PhraseBank) Next() string {
	n := b.next.Add(1) - 1
	return b.phrases[n%uint64(len(b.phrases))]
}
