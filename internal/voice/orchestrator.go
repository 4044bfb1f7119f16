// Package voice drives the turn-taking loop for one live conversation:
// speech in, debounced commits, single-flight persona generation, speech out.
package voice

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tommasoluna/mnemosyne/internal/brain"
	"github.com/tommasoluna/mnemosyne/internal/dialogue"
	"github.com/tommasoluna/mnemosyne/internal/extract"
	"github.com/tommasoluna/mnemosyne/internal/memory"
	"github.com/tommasoluna/mnemosyne/internal/observability"
	"github.com/tommasoluna/mnemosyne/internal/persona"
	"github.com/tommasoluna/mnemosyne/internal/policy"
	"github.com/tommasoluna/mnemosyne/internal/protocol"
	"github.com/tommasoluna/mnemosyne/internal/session"
)

// State tracks where a connection sits in the turn-taking cycle.
type State string

const (
	StateIdle       State = "idle"
	StateListening  State = "listening"
	StateDebouncing State = "debouncing"
	StateProcessing State = "processing"
	StateResponding State = "responding"
)

const (
	DefaultDebounceWindow    = 500 * time.Millisecond
	DefaultGenerationTimeout = 12 * time.Second

	turnSaveTimeout    = 2 * time.Second
	ttsFinalizeTimeout = 10 * time.Second
	ingestTimeout      = 15 * time.Second
)

type Orchestrator struct {
	sessions          *session.Manager
	adapter           brain.Adapter
	store             memory.Store
	assembler         *dialogue.Assembler
	personas          *persona.Registry
	extractor         *extract.Extractor
	sttProvider       STTProvider
	ttsProvider       TTSProvider
	metrics           *observability.Metrics
	debounceWindow    time.Duration
	generationTimeout time.Duration
	log               zerolog.Logger
}

func NewOrchestrator(
	sessions *session.Manager,
	adapter brain.Adapter,
	store memory.Store,
	assembler *dialogue.Assembler,
	personas *persona.Registry,
	extractor *extract.Extractor,
	sttProvider STTProvider,
	ttsProvider TTSProvider,
	metrics *observability.Metrics,
	debounceWindow time.Duration,
	generationTimeout time.Duration,
	log zerolog.Logger,
) *Orchestrator {
	if debounceWindow <= 0 {
		debounceWindow = DefaultDebounceWindow
	}
	if generationTimeout <= 0 {
		generationTimeout = DefaultGenerationTimeout
	}
	return &Orchestrator{
		sessions:          sessions,
		adapter:           adapter,
		store:             store,
		assembler:         assembler,
		personas:          personas,
		extractor:         extractor,
		sttProvider:       sttProvider,
		ttsProvider:       ttsProvider,
		metrics:           metrics,
		debounceWindow:    debounceWindow,
		generationTimeout: generationTimeout,
		log:               log.With().Str("component", "orchestrator").Logger(),
	}
}

// RunConnection drives one session until the client disconnects or ends it.
// At most one persona turn is generating at any moment; fresh user speech
// cancels the turn in flight before its output can reach the client.
func (o *Orchestrator) RunConnection(ctx context.Context, s *session.Session, inbound <-chan protocol.ClientMessage, outbound chan<- protocol.ServerMessage) error {
	prof := o.personas.GetOrDefault(s.PersonaID)
	bank := NewPhraseBank(prof)
	log := o.log.With().Str("session_id", s.ID).Str("persona_id", prof.ID).Logger()

	var (
		sttSession STTSession
		sttEvents  <-chan SpeechEvent
	)
	if session.UsesAudio(s.Modality) && o.sttProvider != nil {
		var err error
		sttSession, sttEvents, err = o.sttProvider.StartSession(ctx, s.ID)
		if err != nil {
			o.send(ctx, outbound, protocol.ErrorEvent("stt_connect_failed", err.Error(), true))
			return fmt.Errorf("start stt session: %w", err)
		}
		defer sttSession.Close()
	}

	var (
		turnMu       sync.Mutex
		turnCancel   context.CancelFunc
		activeTurnID string
		activeToken  int64
		nextToken    int64

		debounce    *time.Timer
		debounceC   <-chan time.Time
		pending     string
		pendingConf float64
	)

	state := StateIdle
	setState := func(next State) {
		if state == next {
			return
		}
		state = next
		o.send(ctx, outbound, protocol.SystemEvent("state:"+string(next)))
	}

	stopDebounce := func() {
		if debounce != nil {
			debounce.Stop()
			debounce = nil
			debounceC = nil
			pending = ""
			pendingConf = 0
		}
	}

	cancelActiveTurn := func(reason string) {
		turnMu.Lock()
		cancel := turnCancel
		turnID := activeTurnID
		turnCancel = nil
		activeTurnID = ""
		turnMu.Unlock()

		if cancel != nil {
			cancel()
			o.send(ctx, outbound, protocol.TurnEnd(turnID, reason))
			setState(StateListening)
		}
	}

	// bargeInIfBusy cancels the in-flight turn when the user starts talking
	// over the persona. Returns true when a turn was cut short.
	bargeInIfBusy := func() bool {
		turnMu.Lock()
		busy := turnCancel != nil
		turnMu.Unlock()
		if !busy {
			return false
		}
		_ = o.sessions.Interrupt(s.ID)
		cancelActiveTurn(protocol.ReasonInterrupted)
		o.metrics.SessionEvents.WithLabelValues("barge_in").Inc()
		o.metrics.ObserveIndicator("barge_in")
		log.Debug().Msg("barge-in, cancelled active turn")
		return true
	}

	// scheduleCommit folds a finalized utterance into the debounce window.
	// An exact repeat of the pending text only extends the window; new text
	// is appended so rapid transcript finals become one turn.
	scheduleCommit := func(text string, confidence float64) {
		text = strings.TrimSpace(text)
		if text == "" {
			return
		}
		bargeInIfBusy()

		if debounce != nil {
			if text == pending || strings.HasSuffix(pending, " "+text) {
				o.metrics.SessionEvents.WithLabelValues("debounce_dedup").Inc()
				o.metrics.ObserveIndicator("debounce_dedup")
				debounce.Reset(o.debounceWindow)
				return
			}
			pending = pending + " " + text
			pendingConf = confidence
			debounce.Reset(o.debounceWindow)
			return
		}

		pending = text
		pendingConf = confidence
		debounce = time.NewTimer(o.debounceWindow)
		debounceC = debounce.C
		setState(StateDebouncing)
	}

	commitTurn := func(text string, confidence float64) {
		committedAt := time.Now()
		turnID := uuid.NewString()
		_ = o.sessions.StartTurn(s.ID, turnID)
		o.send(ctx, outbound, protocol.TranscriptFinal(turnID, text))
		setState(StateProcessing)

		turnCtx, cancel := context.WithCancel(ctx)
		turnMu.Lock()
		nextToken++
		token := nextToken
		turnCancel = cancel
		activeTurnID = turnID
		activeToken = token
		turnMu.Unlock()

		go func(turnText, turnID string, token int64, confidence float64, committedAt time.Time) {
			defer func() {
				turnMu.Lock()
				if activeToken == token {
					turnCancel = nil
					activeTurnID = ""
					activeToken = 0
				}
				turnMu.Unlock()
			}()

			if err := o.runTurn(turnCtx, s, prof, bank, turnText, turnID, confidence, committedAt, outbound); err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				o.send(ctx, outbound, protocol.ErrorEvent("turn_failed", err.Error(), false))
				o.send(ctx, outbound, protocol.TurnEnd(turnID, protocol.ReasonFailed))
			}
		}(text, turnID, token, confidence, committedAt)
	}

	setState(StateListening)

	for {
		select {
		case <-ctx.Done():
			cancelActiveTurn("connection_closed")
			stopDebounce()
			return nil

		case <-debounceC:
			text := pending
			conf := pendingConf
			debounce = nil
			debounceC = nil
			pending = ""
			pendingConf = 0
			commitTurn(text, conf)

		case msg, ok := <-inbound:
			if !ok {
				cancelActiveTurn("connection_closed")
				stopDebounce()
				return nil
			}
			_ = o.sessions.Touch(s.ID)
			switch msg.Type {
			case protocol.TypeAudioChunk:
				if sttSession == nil {
					o.send(ctx, outbound, protocol.ErrorEvent("audio_not_supported", "session has no speech input", false))
					continue
				}
				if err := sttSession.SendAudioChunk(ctx, msg.Audio); err != nil {
					o.metrics.ProviderErrors.WithLabelValues("stt", "send_audio_failed").Inc()
					o.send(ctx, outbound, protocol.ErrorEvent("stt_send_audio_failed", err.Error(), true))
				}
			case protocol.TypeUtterance:
				scheduleCommit(msg.Text, 1)
			case protocol.TypeControl:
				switch msg.Action {
				case protocol.ControlInterrupt:
					_ = o.sessions.Interrupt(s.ID)
					cancelActiveTurn(protocol.ReasonInterrupted)
					stopDebounce()
					setState(StateListening)
				case protocol.ControlEnd:
					cancelActiveTurn("session_ended")
					stopDebounce()
					return nil
				}
			}

		case evt, ok := <-sttEvents:
			if !ok {
				cancelActiveTurn("stt_closed")
				stopDebounce()
				return nil
			}
			switch evt.Type {
			case SpeechEventPartial:
				if strings.TrimSpace(evt.Text) == "" {
					continue
				}
				bargeInIfBusy()
				setState(StateListening)
				o.send(ctx, outbound, protocol.TranscriptPartial(evt.Text))
			case SpeechEventFinal:
				scheduleCommit(evt.Text, evt.Confidence)
			case SpeechEventError:
				o.metrics.ProviderErrors.WithLabelValues("stt", evt.Code).Inc()
				o.send(ctx, outbound, protocol.ErrorEvent(evt.Code, evt.Detail, evt.Retryable))
			}
		}
	}
}

// runTurn generates and delivers one persona reply. ctx is the turn's cancel
// scope: once it is cancelled nothing here may touch session state or emit
// further output for this turn.
func (o *Orchestrator) runTurn(
	ctx context.Context,
	s *session.Session,
	prof persona.Profile,
	bank *PhraseBank,
	userText, turnID string,
	confidence float64,
	committedAt time.Time,
	outbound chan<- protocol.ServerMessage,
) error {
	genCtx, cancelGen := context.WithTimeout(ctx, o.generationTimeout)
	defer cancelGen()

	userSource := memory.SourceText
	switch s.Modality {
	case session.ModalityVoice:
		userSource = memory.SourceAudio
	case session.ModalityVideo:
		userSource = memory.SourceVideo
	}

	convCtx := o.assembler.BuildContext(genCtx, prof, s.ID, userText)
	o.metrics.ObserveTurnStage("final_to_context_ready", time.Since(committedAt))
	o.metrics.MemorySearches.Observe(float64(len(convCtx.Memories)))

	userMeta := map[string]string{memory.TurnMetaFlow: string(convCtx.Flow)}
	if confidence > 0 {
		userMeta[memory.TurnMetaConfidence] = strconv.FormatFloat(confidence, 'f', 2, 64)
	}
	redactedUser, _ := policy.RedactPII(userText)
	o.saveTurnBestEffort(memory.Turn{
		ID:        uuid.NewString(),
		SessionID: s.ID,
		Sender:    memory.SenderUser,
		Content:   redactedUser,
		Emotion:   emotionLabel(convCtx.Flow),
		Metadata:  userMeta,
		CreatedAt: time.Now().UTC(),
	})

	var (
		ttsStream TTSStream
		ttsDone   chan struct{}
	)
	if session.UsesAudio(s.Modality) && o.ttsProvider != nil {
		stream, err := o.ttsProvider.StartStream(ctx, TTSSettings{
			VoiceID:      prof.VoiceID,
			SpeakingRate: prof.SpeakingRate,
			Warmth:       prof.Warmth,
		})
		if err != nil {
			o.metrics.ProviderErrors.WithLabelValues("tts", "start_failed").Inc()
			o.send(ctx, outbound, protocol.ErrorEvent("tts_start_failed", err.Error(), true))
		} else {
			ttsStream = stream
			defer stream.Close()
			ttsDone = make(chan struct{})
			go o.forwardTTS(ctx, stream, turnID, committedAt, outbound, ttsDone)
		}
	}

	firstText := false
	var replyBuf strings.Builder
	handleDelta := func(delta string) error {
		if strings.TrimSpace(delta) == "" {
			return nil
		}
		if !firstText {
			firstText = true
			o.metrics.ObserveTurnStage("final_to_first_text", time.Since(committedAt))
			o.send(ctx, outbound, protocol.SystemEvent("state:"+string(StateResponding)))
		}
		replyBuf.WriteString(delta)
		o.send(ctx, outbound, protocol.PersonaTextDelta(turnID, delta))
		if ttsStream != nil {
			if err := ttsStream.SendText(ctx, delta); err != nil {
				return fmt.Errorf("tts send: %w", err)
			}
		}
		return nil
	}

	res, err := o.adapter.StreamResponse(genCtx, brain.MessageRequest{
		PersonaID:    prof.ID,
		SessionID:    s.ID,
		TurnID:       turnID,
		SystemPrompt: convCtx.SystemPrompt(),
		History:      convCtx.HistoryLines(),
		InputText:    userText,
	}, handleDelta)

	reply := strings.TrimSpace(replyBuf.String())
	switch {
	case err == nil:
		if reply == "" {
			reply = strings.TrimSpace(res.Text)
			if reply != "" {
				if err := handleDelta(reply); err != nil {
					return err
				}
			}
		}
	case ctx.Err() != nil:
		// Barge-in or connection teardown; the loop already announced the end.
		return ctx.Err()
	default:
		// Generation timed out or the brain failed outright. The persona
		// still says something rather than leaving silence.
		fallbackLine := bank.Next()
		o.metrics.SessionEvents.WithLabelValues("fallback_reply").Inc()
		o.metrics.ObserveIndicator("fallback_reply")
		o.log.Warn().Err(err).Str("turn_id", turnID).Msg("generation failed, using fallback line")
		reply = fallbackLine
		if derr := handleDelta(fallbackLine); derr != nil {
			return derr
		}
	}

	if ttsStream != nil {
		_ = ttsStream.CloseInput(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ttsDone:
		case <-time.After(ttsFinalizeTimeout):
			o.metrics.ProviderErrors.WithLabelValues("tts", "finalize_timeout").Inc()
		}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	if reply != "" {
		redactedReply, _ := policy.RedactPII(reply)
		o.saveTurnBestEffort(memory.Turn{
			ID:        uuid.NewString(),
			SessionID: s.ID,
			Sender:    memory.SenderPersona,
			Content:   redactedReply,
			Emotion:   emotionLabel(convCtx.Flow),
			Metadata: map[string]string{
				memory.TurnMetaFlow:      string(convCtx.Flow),
				memory.TurnMetaLatencyMS: strconv.FormatInt(time.Since(committedAt).Milliseconds(), 10),
			},
			CreatedAt: time.Now().UTC(),
		})
		o.ingestExchangeAsync(prof.ID, userText, reply, userSource)
	}

	o.send(ctx, outbound, protocol.TurnEnd(turnID, protocol.ReasonCompleted))
	o.send(ctx, outbound, protocol.SystemEvent("state:"+string(StateListening)))
	o.metrics.ObserveTurnStage("turn_total", time.Since(committedAt))
	return nil
}

// emotionLabel tags a turn with the tone implied by its conversation flow.
func emotionLabel(flow dialogue.Flow) string {
	switch flow {
	case dialogue.FlowEmotionalSupport:
		return "distressed"
	case dialogue.FlowMemorySharing:
		return "nostalgic"
	default:
		return ""
	}
}

func (o *Orchestrator) forwardTTS(ctx context.Context, stream TTSStream, turnID string, committedAt time.Time, outbound chan<- protocol.ServerMessage, done chan struct{}) {
	defer close(done)
	firstAudio := false
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-stream.Events():
			if !ok {
				return
			}
			switch evt.Type {
			case TTSEventAudio:
				if !firstAudio {
					firstAudio = true
					o.metrics.ObserveTurnStage("final_to_first_audio", time.Since(committedAt))
				}
				o.send(ctx, outbound, protocol.PersonaAudioChunk(turnID, evt.AudioBase64))
			case TTSEventError:
				o.metrics.ProviderErrors.WithLabelValues("tts", evt.Code).Inc()
				o.send(ctx, outbound, protocol.ErrorEvent(evt.Code, evt.Detail, evt.Retryable))
			case TTSEventFinal:
				return
			}
		}
	}
}

// ingestExchangeAsync feeds a completed exchange back through extraction so
// the persona remembers what was said, detached from the turn's lifecycle.
func (o *Orchestrator) ingestExchangeAsync(personaID, userText, replyText string, source memory.Source) {
	if o.extractor == nil || o.store == nil {
		return
	}
	text := fmt.Sprintf("They said: %s\nI replied: %s", userText, replyText)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), ingestTimeout)
		defer cancel()
		memories := o.extractor.Extract(ctx, extract.ContentUnit{
			PersonaID: personaID,
			Text:      text,
			Source:    source,
		})
		if len(memories) == 0 {
			return
		}
		if err := o.store.SaveMemories(ctx, memories); err != nil {
			o.log.Warn().Err(err).Str("persona_id", personaID).Msg("failed to save conversation memories")
		}
	}()
}

func (o *Orchestrator) saveTurnBestEffort(turn memory.Turn) {
	if o.store == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), turnSaveTimeout)
		defer cancel()
		if err := o.store.SaveTurn(ctx, turn); err != nil {
			o.log.Warn().Err(err).Str("session_id", turn.SessionID).Msg("failed to save turn")
		}
	}()
}

// send never blocks forever on a stalled client; the connection context
// releases it.
func (o *Orchestrator) send(ctx context.Context, outbound chan<- protocol.ServerMessage, msg protocol.ServerMessage) {
	select {
	case outbound <- msg:
	case <-ctx.Done():
	}
}
