package dialogue

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/tommasoluna/mnemosyne/internal/memory"
	"github.com/tommasoluna/mnemosyne/internal/persona"
)

const (
	searchK          = 15
	maxMemoriesUsed  = 10
	recentTurnsLimit = 10
)

// Assembler turns a user utterance into the prompt context fed to the brain:
// relevant memories, recent turns, and flow-dependent emotional framing.
type Assembler struct {
	store memory.Store
	flows *FlowTracker
	log   zerolog.Logger
}

func NewAssembler(store memory.Store, flows *FlowTracker, log zerolog.Logger) *Assembler {
	return &Assembler{store: store, flows: flows, log: log.With().Str("component", "assembler").Logger()}
}

type ConversationContext struct {
	Persona     persona.Profile
	Flow        Flow
	Memories    []memory.Memory
	RecentTurns []memory.Turn
	InputText   string
}

// BuildContext never fails the turn over retrieval errors; a context with no
// memories is still a usable context.
func (a *Assembler) BuildContext(ctx context.Context, prof persona.Profile, sessionID, inputText string) ConversationContext {
	flow := a.flows.Classify(sessionID, inputText)

	memories, err := a.store.Search(ctx, prof.ID, inputText, searchK)
	if err != nil {
		a.log.Warn().Err(err).Str("persona_id", prof.ID).Msg("memory search failed, continuing without memories")
		memories = nil
	}
	// Importance decides what makes it into the prompt; similarity order from
	// the store only breaks ties.
	sort.SliceStable(memories, func(i, j int) bool {
		return memories[i].Importance > memories[j].Importance
	})
	if len(memories) > maxMemoriesUsed {
		memories = memories[:maxMemoriesUsed]
	}

	turns, err := a.store.RecentTurns(ctx, sessionID, recentTurnsLimit)
	if err != nil {
		a.log.Warn().Err(err).Str("session_id", sessionID).Msg("recent turns lookup failed")
		turns = nil
	}

	return ConversationContext{
		Persona:     prof,
		Flow:        flow,
		Memories:    memories,
		RecentTurns: turns,
		InputText:   inputText,
	}
}

// SystemPrompt renders the persona instruction block: identity, traits,
// speech habits, retrieved memories, and flow framing.
func (c ConversationContext) SystemPrompt() string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are %s", c.Persona.Name)
	if c.Persona.Relationship != "" {
		fmt.Fprintf(&b, ", the user's %s", c.Persona.Relationship)
	}
	b.WriteString(". Speak in first person, warmly and naturally, as yourself.\n")

	if len(c.Persona.PersonalityTraits) > 0 {
		fmt.Fprintf(&b, "Personality: %s.\n", strings.Join(c.Persona.PersonalityTraits, ", "))
	}
	if len(c.Persona.CommonPhrases) > 0 {
		fmt.Fprintf(&b, "Phrases you often use: %q.\n", c.Persona.CommonPhrases)
	}

	if len(c.Memories) > 0 {
		b.WriteString("\nThings you remember:\n")
		for _, m := range c.Memories {
			fmt.Fprintf(&b, "- %s\n", m.Content)
		}
	}

	switch c.Flow {
	case FlowEmotionalSupport:
		b.WriteString("\nThe user sounds like they are struggling. Lead with comfort and presence before anything else. Keep it gentle and short.\n")
	case FlowMemorySharing:
		b.WriteString("\nThe user is asking you to reminisce. Share the memory vividly and personally, with the details you remember.\n")
	case FlowTopicChange:
		b.WriteString("\nThe user changed the subject. Follow them to the new topic without dragging the old one along.\n")
	}

	b.WriteString("\nNever claim to be an AI or break character. Keep replies conversational, a few sentences at most.")
	return b.String()
}

// HistoryLines renders recent turns oldest-first as "speaker: text" lines.
func (c ConversationContext) HistoryLines() []string {
	lines := make([]string, 0, len(c.RecentTurns))
	for _, t := range c.RecentTurns {
		speaker := "user"
		if t.Sender == memory.SenderPersona {
			speaker = c.Persona.Name
			if speaker == "" {
				speaker = "persona"
			}
		}
		lines = append(lines, fmt.Sprintf("%s: %s", speaker, t.Content))
	}
	return lines
}
