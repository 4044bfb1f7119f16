package persona

import (
	"errors"
	"strings"
	"sync"
)

var ErrNotFound = errors.New("persona not found")

// Profile describes the person a session speaks as. Owned by the persona's
// creator; the engine only reads it.
type Profile struct {
	ID                string   `json:"id"`
	Name              string   `json:"name"`
	Relationship      string   `json:"relationship,omitempty"`
	PersonalityTraits []string `json:"personality_traits,omitempty"`
	CommonPhrases     []string `json:"common_phrases,omitempty"`
	VoiceID           string   `json:"voice_id,omitempty"`
	SpeakingRate      float64  `json:"speaking_rate,omitempty"`
	Warmth            float64  `json:"warmth,omitempty"`
}

// Registry holds persona profiles for lookup during conversation.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

func NewRegistry() *Registry {
	return &Registry{profiles: make(map[string]Profile)}
}

func (r *Registry) Put(p Profile) error {
	p.ID = strings.TrimSpace(p.ID)
	if p.ID == "" {
		return errors.New("persona id is required")
	}
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("persona name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[p.ID] = p
	return nil
}

func (r *Registry) Get(id string) (Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[id]
	if !ok {
		return Profile{}, ErrNotFound
	}
	return p, nil
}

// GetOrDefault returns a minimal profile carrying just the ID when the
// persona has not been registered, so a session never fails persona lookup.
func (r *Registry) GetOrDefault(id string) Profile {
	p, err := r.Get(id)
	if err != nil {
		return Profile{ID: id, Name: id}
	}
	return p
}
