package voice

import (
	"testing"

	"github.com/tommasoluna/mnemosyne/internal/persona"
)

func TestPhraseBankPersonaPhrasesLead(t *testing.T) {
	bank := NewPhraseBank(persona.Profile{
		ID:            "nana",
		Name:          "Nana",
		CommonPhrases: []string{"oh sweetheart", "  ", "come sit with me"},
	})

	if got := bank.Next(); got != "oh sweetheart" {
		t.Errorf("first = %q", got)
	}
	if got := bank.Next(); got != "come sit with me" {
		t.Errorf("second = %q", got)
	}
	// Neutral lines follow the persona's own.
	if got := bank.Next(); got != defaultFallbackPhrases[0] {
		t.Errorf("third = %q, want %q", got, defaultFallbackPhrases[0])
	}
}

func TestPhraseBankWrapsAround(t *testing.T) {
	bank := NewPhraseBank(persona.Profile{ID: "p", Name: "P", CommonPhrases: []string{"hello there"}})
	total := 1 + len(defaultFallbackPhrases)
	first := bank.Next()
	for i := 1; i < total; i++ {
		bank.Next()
	}
	if again := bank.Next(); again != first {
		t.Errorf("after full cycle got %q, want %q", again, first)
	}
}

func TestPhraseBankDefaultsWhenProfileEmpty(t *testing.T) {
	bank := NewPhraseBank(persona.Profile{ID: "p", Name: "P"})
	if got := bank.Next(); got != defaultFallbackPhrases[0] {
		t.Errorf("got %q", got)
	}
}
