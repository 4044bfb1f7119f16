package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

const (
	ModalityText  = "text"
	ModalityVoice = "voice"
	ModalityVideo = "video"
)

// UsesAudio reports whether a modality carries a spoken audio stream. Video
// sessions speak and listen like voice ones; rendering is the client's job.
func UsesAudio(modality string) bool {
	return modality == ModalityVoice || modality == ModalityVideo
}

var (
	ErrNotFound = errors.New("session not found")
	ErrEnded    = errors.New("session already ended")
)

type Session struct {
	ID                string     `json:"session_id"`
	PersonaID         string     `json:"persona_id"`
	UserID            string     `json:"user_id"`
	Modality          string     `json:"modality"`
	Status            Status     `json:"status"`
	ActiveTurnID      string     `json:"active_turn_id"`
	InterruptionCount int        `json:"interruption_count"`
	StartedAt         time.Time  `json:"started_at"`
	EndedAt           *time.Time `json:"ended_at,omitempty"`
	LastActivityAt    time.Time  `json:"last_activity_at"`
}

// Manager owns the in-flight session state machines. At most one session is
// active per (user, persona) pair; creating a new one ends the previous.
type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*Session
	sessionByPair     map[string]string
	inactivityTimeout time.Duration
	onExpire          func(*Session)
}

func NewManager(inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 2 * time.Minute
	}
	return &Manager{
		sessions:          make(map[string]*Session),
		sessionByPair:     make(map[string]string),
		inactivityTimeout: inactivityTimeout,
	}
}

func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

func pairKey(userID, personaID string) string {
	return userID + "\x00" + personaID
}

// Create starts a session, ending any still-active session for the same
// user/persona pair first. Returns the new session and, when one was
// displaced, the session that got ended.
func (m *Manager) Create(userID, personaID, modality string) (*Session, *Session) {
	now := time.Now().UTC()
	s := &Session{
		ID:             uuid.NewString(),
		PersonaID:      personaID,
		UserID:         userID,
		Modality:       modality,
		Status:         StatusActive,
		StartedAt:      now,
		LastActivityAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var displaced *Session
	key := pairKey(userID, personaID)
	if prevID, ok := m.sessionByPair[key]; ok {
		if prev, ok := m.sessions[prevID]; ok && prev.Status == StatusActive {
			endLocked(prev, now)
			displaced = clone(prev)
		}
	}

	m.sessions[s.ID] = s
	m.sessionByPair[key] = s.ID
	return clone(s), displaced
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

func (m *Manager) Touch(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.LastActivityAt = time.Now().UTC()
	return nil
}

func (m *Manager) StartTurn(sessionID, turnID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.ActiveTurnID = turnID
	s.LastActivityAt = time.Now().UTC()
	return nil
}

func (m *Manager) Interrupt(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.InterruptionCount++
	s.ActiveTurnID = ""
	s.LastActivityAt = time.Now().UTC()
	return nil
}

func (m *Manager) End(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	if s.Status != StatusActive {
		return nil, ErrEnded
	}
	endLocked(s, time.Now().UTC())
	delete(m.sessionByPair, pairKey(s.UserID, s.PersonaID))
	return clone(s), nil
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.sessions {
		if s.Status == StatusActive {
			count++
		}
	}
	return count
}

func (m *Manager) expireInactive() {
	now := time.Now().UTC()
	var expired []*Session

	m.mu.Lock()
	for _, s := range m.sessions {
		if s.Status != StatusActive {
			continue
		}
		if now.Sub(s.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		endLocked(s, now)
		delete(m.sessionByPair, pairKey(s.UserID, s.PersonaID))
		expired = append(expired, clone(s))
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

func endLocked(s *Session, now time.Time) {
	s.Status = StatusEnded
	s.ActiveTurnID = ""
	endedAt := now
	s.EndedAt = &endedAt
	s.LastActivityAt = now
}

func clone(s *Session) *Session {
	c := *s
	if s.EndedAt != nil {
		endedAt := *s.EndedAt
		c.EndedAt = &endedAt
	}
	return &c
}
