// Package httpapi exposes the service surface: session lifecycle, the
// realtime conversation websocket, persona management, content ingestion
// and memory search.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tommasoluna/mnemosyne/internal/config"
	"github.com/tommasoluna/mnemosyne/internal/extract"
	"github.com/tommasoluna/mnemosyne/internal/memory"
	"github.com/tommasoluna/mnemosyne/internal/observability"
	"github.com/tommasoluna/mnemosyne/internal/persona"
	"github.com/tommasoluna/mnemosyne/internal/protocol"
	"github.com/tommasoluna/mnemosyne/internal/session"
)

const ingestTimeout = 30 * time.Second

type Orchestrator interface {
	RunConnection(ctx context.Context, s *session.Session, inbound <-chan protocol.ClientMessage, outbound chan<- protocol.ServerMessage) error
}

type Ingestor interface {
	Extract(ctx context.Context, unit extract.ContentUnit) []memory.Memory
}

type Server struct {
	cfg          config.Config
	sessions     *session.Manager
	orchestrator Orchestrator
	personas     *persona.Registry
	store        memory.Store
	ingestor     Ingestor
	metrics      *observability.Metrics
	log          zerolog.Logger
	upgrader     websocket.Upgrader
}

func New(
	cfg config.Config,
	sessions *session.Manager,
	orchestrator Orchestrator,
	personas *persona.Registry,
	store memory.Store,
	ingestor Ingestor,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *Server {
	return &Server{
		cfg:          cfg,
		sessions:     sessions,
		orchestrator: orchestrator,
		personas:     personas,
		store:        store,
		ingestor:     ingestor,
		metrics:      metrics,
		log:          log.With().Str("component", "httpapi").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browser connections unless explicitly
				// opened up; other sites must not drive a user's session.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Post("/v1/sessions", s.handleCreateSession)
	r.Post("/v1/sessions/{id}/end", s.handleEndSession)
	r.Get("/v1/sessions/ws", s.handleSessionWS)

	r.Put("/v1/personas/{id}", s.handleUpsertPersona)
	r.Get("/v1/personas/{id}", s.handleGetPersona)
	r.Post("/v1/personas/{id}/ingest", s.handleIngest)
	r.Get("/v1/personas/{id}/memories/search", s.handleSearchMemories)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"memory_backend":  s.cfg.MemoryBackend,
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.LatencySnapshot())
}

type createSessionRequest struct {
	UserID    string `json:"user_id"`
	PersonaID string `json:"persona_id"`
	Modality  string `json:"modality"`
}

type createSessionResponse struct {
	SessionID       string    `json:"session_id"`
	UserID          string    `json:"user_id"`
	PersonaID       string    `json:"persona_id"`
	Modality        string    `json:"modality"`
	Status          string    `json:"status"`
	StartedAt       time.Time `json:"started_at"`
	InactivityTTLMS int64     `json:"inactivity_ttl_ms"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		req.UserID = "anonymous"
	}
	if strings.TrimSpace(req.PersonaID) == "" {
		respondError(w, http.StatusBadRequest, "missing_persona_id", "persona_id is required")
		return
	}
	if _, err := s.personas.Get(req.PersonaID); err != nil {
		respondError(w, http.StatusNotFound, "persona_not_found", err.Error())
		return
	}
	switch req.Modality {
	case "":
		req.Modality = session.ModalityText
	case session.ModalityText, session.ModalityVoice, session.ModalityVideo:
	default:
		respondError(w, http.StatusBadRequest, "invalid_modality", "modality must be text, voice or video")
		return
	}

	sess, displaced := s.sessions.Create(req.UserID, req.PersonaID, req.Modality)
	if displaced != nil {
		s.endSessionRecord(displaced)
		s.metrics.SessionEvents.WithLabelValues("displaced").Inc()
	}
	s.saveSessionRecord(sess)
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("created").Inc()

	respondJSON(w, http.StatusCreated, createSessionResponse{
		SessionID:       sess.ID,
		UserID:          sess.UserID,
		PersonaID:       sess.PersonaID,
		Modality:        sess.Modality,
		Status:          string(sess.Status),
		StartedAt:       sess.StartedAt,
		InactivityTTLMS: s.cfg.SessionInactivityTimeout.Milliseconds(),
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	sess, err := s.sessions.End(id)
	if errors.Is(err, session.ErrEnded) {
		respondError(w, http.StatusGone, "session_ended", err.Error())
		return
	}
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.endSessionRecord(sess)
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("ended").Inc()
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	if s.orchestrator == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "orchestrator not configured")
		return
	}

	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if sess.Status != session.StatusActive {
		respondError(w, http.StatusGone, "session_ended", "session is no longer active")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan protocol.ClientMessage, 256)
	outbound := make(chan protocol.ServerMessage, 256)
	runDone := make(chan struct{})

	go func() {
		defer close(runDone)
		if err := s.orchestrator.RunConnection(ctx, sess, inbound, outbound); err != nil {
			s.log.Warn().Err(err).Str("session_id", sess.ID).Msg("connection loop ended with error")
		}
		cancel()
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			select {
			case outbound <- protocol.ErrorEvent("invalid_client_message", err.Error(), false):
			default:
				// Keep websocket writes single-threaded; drop when saturated.
			}
			continue
		}

		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- *parsed:
		}
	}

	cancel()
	close(inbound)
	<-runDone
	<-writerDone
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
}

func (s *Server) handleUpsertPersona(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_persona_id", "missing persona id")
		return
	}

	var prof persona.Profile
	if err := decodeJSON(r, &prof); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	prof.ID = id
	if err := s.personas.Put(prof); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_persona", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, prof)
}

func (s *Server) handleGetPersona(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	prof, err := s.personas.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "persona_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, prof)
}

type ingestRequest struct {
	Text      string `json:"text"`
	Source    string `json:"source"`
	SourceURL string `json:"source_url"`
}

type ingestResponse struct {
	PersonaID     string `json:"persona_id"`
	MemoriesSaved int    `json:"memories_saved"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if _, err := s.personas.Get(id); err != nil {
		respondError(w, http.StatusNotFound, "persona_not_found", err.Error())
		return
	}

	var req ingestRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		respondError(w, http.StatusBadRequest, "empty_text", "text is required")
		return
	}
	source := memory.Source(req.Source)
	if source == "" {
		source = memory.SourceText
	}

	ctx, cancelIngest := context.WithTimeout(r.Context(), ingestTimeout)
	defer cancelIngest()

	memories := s.ingestor.Extract(ctx, extract.ContentUnit{
		PersonaID: id,
		Text:      req.Text,
		Source:    source,
		SourceURL: strings.TrimSpace(req.SourceURL),
	})
	if len(memories) > 0 {
		if err := s.store.SaveMemories(ctx, memories); err != nil {
			respondError(w, http.StatusInternalServerError, "save_failed", err.Error())
			return
		}
	}
	respondJSON(w, http.StatusOK, ingestResponse{PersonaID: id, MemoriesSaved: len(memories)})
}

func (s *Server) handleSearchMemories(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		respondError(w, http.StatusBadRequest, "missing_query", "query parameter q is required")
		return
	}
	k := 5
	if raw := strings.TrimSpace(r.URL.Query().Get("k")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_k", "k must be a positive integer")
			return
		}
		k = n
	}

	memories, err := s.store.Search(r.Context(), id, query, k)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "search_failed", err.Error())
		return
	}
	if memories == nil {
		memories = []memory.Memory{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"persona_id": id,
		"memories":   memories,
	})
}

func (s *Server) saveSessionRecord(sess *session.Session) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	record := memory.SessionRecord{
		ID:        sess.ID,
		PersonaID: sess.PersonaID,
		UserID:    sess.UserID,
		Modality:  sess.Modality,
		StartedAt: sess.StartedAt,
	}
	if err := s.store.SaveSession(ctx, record); err != nil {
		s.log.Warn().Err(err).Str("session_id", sess.ID).Msg("failed to persist session record")
	}
}

func (s *Server) endSessionRecord(sess *session.Session) {
	if s.store == nil || sess.EndedAt == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.store.EndSession(ctx, sess.ID, *sess.EndedAt); err != nil {
		s.log.Warn().Err(err).Str("session_id", sess.ID).Msg("failed to persist session end")
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
