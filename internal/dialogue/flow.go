package dialogue

import (
	"strings"
	"sync"
)

// Flow categorizes where a user utterance takes the conversation. It steers
// both memory retrieval framing and the emotional register of the reply.
type Flow string

const (
	FlowContinue         Flow = "continue"
	FlowTopicChange      Flow = "topic_change"
	FlowEmotionalSupport Flow = "emotional_support"
	FlowMemorySharing    Flow = "memory_sharing"
)

var recallCues = []string{
	"remember",
	"tell me about",
	"what was",
	"do you recall",
	"that time",
	"back when",
	"tell me the story",
}

var distressCues = []string{
	"miss you",
	"miss her",
	"miss him",
	"miss them",
	"i miss",
	"sad",
	"lonely",
	"crying",
	"cried",
	"grief",
	"hurts",
	"hard without",
	"can't stop thinking",
	"wish you were",
	"depressed",
	"heartbroken",
}

var stopWords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "but": {},
	"i": {}, "you": {}, "we": {}, "he": {}, "she": {}, "they": {}, "it": {},
	"is": {}, "are": {}, "was": {}, "were": {}, "be": {}, "been": {},
	"to": {}, "of": {}, "in": {}, "on": {}, "at": {}, "for": {}, "with": {},
	"my": {}, "your": {}, "me": {}, "do": {}, "did": {}, "have": {}, "had": {},
	"that": {}, "this": {}, "so": {}, "not": {}, "what": {}, "about": {},
	"how": {}, "just": {}, "really": {}, "very": {},
}

// FlowTracker classifies each new utterance against a per-session running
// topic built from significant words seen so far.
type FlowTracker struct {
	mu     sync.Mutex
	topics map[string]map[string]struct{}
}

func NewFlowTracker() *FlowTracker {
	return &FlowTracker{topics: make(map[string]map[string]struct{})}
}

// Classify determines the flow for text within sessionID and folds the
// utterance's significant words into the session's running topic.
func (t *FlowTracker) Classify(sessionID, text string) Flow {
	lower := strings.ToLower(text)
	words := significantWords(lower)

	flow := FlowContinue
	switch {
	case containsAny(lower, recallCues):
		flow = FlowMemorySharing
	case containsAny(lower, distressCues):
		flow = FlowEmotionalSupport
	default:
		t.mu.Lock()
		topic := t.topics[sessionID]
		t.mu.Unlock()
		if len(topic) > 0 && len(words) > 0 && overlap(topic, words) == 0 {
			flow = FlowTopicChange
		}
	}

	t.mu.Lock()
	topic, ok := t.topics[sessionID]
	if !ok || flow == FlowTopicChange {
		topic = make(map[string]struct{})
		t.topics[sessionID] = topic
	}
	for w := range words {
		topic[w] = struct{}{}
	}
	t.mu.Unlock()

	return flow
}

func (t *FlowTracker) Forget(sessionID string) {
	t.mu.Lock()
	delete(t.topics, sessionID)
	t.mu.Unlock()
}

func containsAny(text string, cues []string) bool {
	for _, cue := range cues {
		if strings.Contains(text, cue) {
			return true
		}
	}
	return false
}

func significantWords(lower string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range strings.FieldsFunc(lower, func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9') && r != '\''
	}) {
		w = strings.Trim(w, "'")
		if len(w) < 3 {
			continue
		}
		if _, skip := stopWords[w]; skip {
			continue
		}
		out[w] = struct{}{}
	}
	return out
}

func overlap(a, b map[string]struct{}) int {
	n := 0
	for w := range b {
		if _, ok := a[w]; ok {
			n++
		}
	}
	return n
}
