package voice

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tommasoluna/mnemosyne/internal/brain"
	"github.com/tommasoluna/mnemosyne/internal/dialogue"
	"github.com/tommasoluna/mnemosyne/internal/embed"
	"github.com/tommasoluna/mnemosyne/internal/memory"
	"github.com/tommasoluna/mnemosyne/internal/observability"
	"github.com/tommasoluna/mnemosyne/internal/persona"
	"github.com/tommasoluna/mnemosyne/internal/protocol"
	"github.com/tommasoluna/mnemosyne/internal/session"
)

// Prometheus collectors register globally; one instance serves the package.
var testMetrics = observability.NewMetrics("voicetest")

type scriptedAdapter struct {
	mu           sync.Mutex
	calls        []string
	reply        string
	err          error
	blockFirst   bool
	firstStarted chan struct{}
}

func (a *scriptedAdapter) StreamResponse(ctx context.Context, req brain.MessageRequest, onDelta brain.DeltaHandler) (brain.MessageResponse, error) {
	a.mu.Lock()
	n := len(a.calls)
	a.calls = append(a.calls, req.InputText)
	a.mu.Unlock()

	if a.blockFirst && n == 0 {
		if a.firstStarted != nil {
			close(a.firstStarted)
		}
		<-ctx.Done()
		return brain.MessageResponse{}, ctx.Err()
	}
	if a.err != nil {
		return brain.MessageResponse{}, a.err
	}
	if onDelta != nil {
		if err := onDelta(a.reply); err != nil {
			return brain.MessageResponse{}, err
		}
	}
	return brain.MessageResponse{Text: a.reply}, nil
}

func (a *scriptedAdapter) CompleteJSON(context.Context, string, string) ([]byte, error) {
	return []byte(`{}`), nil
}

func (a *scriptedAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

func (a *scriptedAdapter) call(i int) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[i]
}

type testRig struct {
	orch     *Orchestrator
	sessions *session.Manager
	store    *memory.InMemoryStore
}

func newTestRig(t *testing.T, adapter brain.Adapter) *testRig {
	t.Helper()
	embedder := embed.NewMockEmbedder(64)
	store := memory.NewInMemoryStore(embedder)
	personas := persona.NewRegistry()
	if err := personas.Put(persona.Profile{
		ID:            "nana",
		Name:          "Nana",
		Relationship:  "grandmother",
		CommonPhrases: []string{"oh sweetheart"},
	}); err != nil {
		t.Fatalf("persona put: %v", err)
	}
	sessions := session.NewManager(time.Minute)
	assembler := dialogue.NewAssembler(store, dialogue.NewFlowTracker(), zerolog.Nop())

	orch := NewOrchestrator(
		sessions,
		adapter,
		store,
		assembler,
		personas,
		nil,
		NewMockSTTProvider(),
		NewMockTTSProvider(),
		testMetrics,
		40*time.Millisecond,
		5*time.Second,
		zerolog.Nop(),
	)
	return &testRig{orch: orch, sessions: sessions, store: store}
}

func startConnection(t *testing.T, rig *testRig, modality string) (*session.Session, chan protocol.ClientMessage, chan protocol.ServerMessage, context.CancelFunc) {
	t.Helper()
	sess, _ := rig.sessions.Create("u1", "nana", modality)

	ctx, cancel := context.WithCancel(context.Background())
	inbound := make(chan protocol.ClientMessage, 64)
	outbound := make(chan protocol.ServerMessage, 256)
	go func() {
		_ = rig.orch.RunConnection(ctx, sess, inbound, outbound)
	}()
	t.Cleanup(cancel)
	return sess, inbound, outbound, cancel
}

// collectUntil drains outbound until a message of wantType with the given
// reason arrives (reason "" matches any), returning everything seen.
func collectUntil(t *testing.T, outbound chan protocol.ServerMessage, wantType, wantReason string, timeout time.Duration) []protocol.ServerMessage {
	t.Helper()
	deadline := time.After(timeout)
	var got []protocol.ServerMessage
	for {
		select {
		case msg := <-outbound:
			got = append(got, msg)
			if msg.Type == wantType && (wantReason == "" || msg.Reason == wantReason) {
				return got
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s/%s; saw %+v", wantType, wantReason, got)
		}
	}
}

func messagesOfType(msgs []protocol.ServerMessage, typ string) []protocol.ServerMessage {
	var out []protocol.ServerMessage
	for _, m := range msgs {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func TestDebounceCoalescesDuplicateFinals(t *testing.T) {
	adapter := &scriptedAdapter{reply: "That sounds wonderful, dear."}
	rig := newTestRig(t, adapter)
	_, inbound, outbound, _ := startConnection(t, rig, session.ModalityText)

	inbound <- protocol.ClientMessage{Type: protocol.TypeUtterance, Text: "I had a lovely day"}
	inbound <- protocol.ClientMessage{Type: protocol.TypeUtterance, Text: "I had a lovely day"}

	got := collectUntil(t, outbound, protocol.TypeTurnEnd, protocol.ReasonCompleted, 3*time.Second)

	if adapter.callCount() != 1 {
		t.Errorf("adapter calls = %d, want 1 (duplicate finals must coalesce)", adapter.callCount())
	}
	finals := messagesOfType(got, protocol.TypeTranscriptFinal)
	if len(finals) != 1 {
		t.Errorf("transcript finals = %d, want 1", len(finals))
	}
	if finals[0].Text != "I had a lovely day" {
		t.Errorf("committed text = %q", finals[0].Text)
	}
	deltas := messagesOfType(got, protocol.TypePersonaTextDelta)
	if len(deltas) == 0 || deltas[0].Text != "That sounds wonderful, dear." {
		t.Errorf("deltas = %+v", deltas)
	}
}

func TestDebounceAppendsDistinctFinals(t *testing.T) {
	adapter := &scriptedAdapter{reply: "Go on."}
	rig := newTestRig(t, adapter)
	_, inbound, outbound, _ := startConnection(t, rig, session.ModalityText)

	inbound <- protocol.ClientMessage{Type: protocol.TypeUtterance, Text: "I went to the market"}
	inbound <- protocol.ClientMessage{Type: protocol.TypeUtterance, Text: "and bought fresh bread"}

	got := collectUntil(t, outbound, protocol.TypeTurnEnd, protocol.ReasonCompleted, 3*time.Second)

	if adapter.callCount() != 1 {
		t.Fatalf("adapter calls = %d, want 1", adapter.callCount())
	}
	if want := "I went to the market and bought fresh bread"; adapter.call(0) != want {
		t.Errorf("committed input = %q, want %q", adapter.call(0), want)
	}
	_ = got
}

func TestBargeInCancelsActiveTurn(t *testing.T) {
	adapter := &scriptedAdapter{
		reply:        "Here is what I remember about the lake.",
		blockFirst:   true,
		firstStarted: make(chan struct{}),
	}
	rig := newTestRig(t, adapter)
	sess, inbound, outbound, _ := startConnection(t, rig, session.ModalityText)

	inbound <- protocol.ClientMessage{Type: protocol.TypeUtterance, Text: "first thing I wanted to say"}
	select {
	case <-adapter.firstStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("first generation never started")
	}

	inbound <- protocol.ClientMessage{Type: protocol.TypeUtterance, Text: "actually tell me about the lake"}

	got := collectUntil(t, outbound, protocol.TypeTurnEnd, protocol.ReasonCompleted, 3*time.Second)

	interrupted := false
	for _, m := range got {
		if m.Type == protocol.TypeTurnEnd && m.Reason == protocol.ReasonInterrupted {
			interrupted = true
		}
	}
	if !interrupted {
		t.Error("no interrupted turn_end for the cancelled turn")
	}

	// Output from the cancelled generation must never reach the client.
	deltas := messagesOfType(got, protocol.TypePersonaTextDelta)
	if len(deltas) != 1 {
		t.Fatalf("persona deltas = %+v, want exactly one (from the barge-in turn)", deltas)
	}
	if adapter.callCount() != 2 {
		t.Errorf("adapter calls = %d, want 2", adapter.callCount())
	}
	if text := adapter.call(1); !strings.Contains(text, "lake") {
		t.Errorf("second call input = %q", text)
	}

	latest, err := rig.sessions.Get(sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if latest.InterruptionCount != 1 {
		t.Errorf("InterruptionCount = %d, want 1", latest.InterruptionCount)
	}
}

func TestFallbackReplyOnGenerationFailure(t *testing.T) {
	adapter := &scriptedAdapter{err: errors.New("brain down")}
	rig := newTestRig(t, adapter)
	sess, inbound, outbound, _ := startConnection(t, rig, session.ModalityText)

	inbound <- protocol.ClientMessage{Type: protocol.TypeUtterance, Text: "how are you today"}

	got := collectUntil(t, outbound, protocol.TypeTurnEnd, protocol.ReasonCompleted, 3*time.Second)

	deltas := messagesOfType(got, protocol.TypePersonaTextDelta)
	if len(deltas) != 1 {
		t.Fatalf("deltas = %+v, want one fallback line", deltas)
	}
	// The persona's own phrase bank leads the rotation.
	if deltas[0].Text != "oh sweetheart" {
		t.Errorf("fallback line = %q, want persona phrase", deltas[0].Text)
	}

	// The fallback turn is still persisted like a normal one.
	waitFor(t, 2*time.Second, func() bool {
		turns, err := rig.store.RecentTurns(context.Background(), sess.ID, 10)
		return err == nil && len(turns) == 2
	})
	turns, _ := rig.store.RecentTurns(context.Background(), sess.ID, 10)
	var personaTurn *memory.Turn
	for i := range turns {
		if turns[i].Sender == memory.SenderPersona {
			personaTurn = &turns[i]
		}
	}
	if personaTurn == nil || personaTurn.Content != "oh sweetheart" {
		t.Errorf("persona turn = %+v", personaTurn)
	}
}

func TestVoiceModalityEndToEnd(t *testing.T) {
	adapter := &scriptedAdapter{reply: "The garden was full of roses."}
	rig := newTestRig(t, adapter)
	_, inbound, outbound, _ := startConnection(t, rig, session.ModalityVoice)

	audio := base64.StdEncoding.EncodeToString([]byte("tell me about the garden"))
	inbound <- protocol.ClientMessage{Type: protocol.TypeAudioChunk, Audio: audio}

	got := collectUntil(t, outbound, protocol.TypeTurnEnd, protocol.ReasonCompleted, 3*time.Second)

	if partials := messagesOfType(got, protocol.TypeTranscriptPartial); len(partials) == 0 {
		t.Error("no transcript partial forwarded")
	}
	finals := messagesOfType(got, protocol.TypeTranscriptFinal)
	if len(finals) != 1 || finals[0].Text != "tell me about the garden" {
		t.Errorf("finals = %+v", finals)
	}
	audioChunks := messagesOfType(got, protocol.TypePersonaAudioChunk)
	if len(audioChunks) == 0 {
		t.Fatal("no persona audio forwarded")
	}
	decoded, err := base64.StdEncoding.DecodeString(audioChunks[0].Audio)
	if err != nil {
		t.Fatalf("decode audio: %v", err)
	}
	if string(decoded) != "The garden was full of roses." {
		t.Errorf("audio payload = %q", decoded)
	}
}

func TestVideoModalityRunsAudioPath(t *testing.T) {
	adapter := &scriptedAdapter{reply: "I can see you smiling, dear."}
	rig := newTestRig(t, adapter)
	_, inbound, outbound, _ := startConnection(t, rig, session.ModalityVideo)

	audio := base64.StdEncoding.EncodeToString([]byte("can you see me now"))
	inbound <- protocol.ClientMessage{Type: protocol.TypeAudioChunk, Audio: audio}

	got := collectUntil(t, outbound, protocol.TypeTurnEnd, protocol.ReasonCompleted, 3*time.Second)

	finals := messagesOfType(got, protocol.TypeTranscriptFinal)
	if len(finals) != 1 || finals[0].Text != "can you see me now" {
		t.Errorf("finals = %+v", finals)
	}
	if audioChunks := messagesOfType(got, protocol.TypePersonaAudioChunk); len(audioChunks) == 0 {
		t.Error("video session produced no persona audio")
	}
}

func TestPersistedTurnsCarryFlowAndLatency(t *testing.T) {
	adapter := &scriptedAdapter{reply: "Yes dear, the lake house, I remember it well."}
	rig := newTestRig(t, adapter)
	sess, inbound, outbound, _ := startConnection(t, rig, session.ModalityText)

	inbound <- protocol.ClientMessage{Type: protocol.TypeUtterance, Text: "do you remember the lake house"}
	collectUntil(t, outbound, protocol.TypeTurnEnd, protocol.ReasonCompleted, 3*time.Second)

	waitFor(t, 2*time.Second, func() bool {
		turns, err := rig.store.RecentTurns(context.Background(), sess.ID, 10)
		return err == nil && len(turns) == 2
	})
	turns, _ := rig.store.RecentTurns(context.Background(), sess.ID, 10)

	var userTurn, personaTurn *memory.Turn
	for i := range turns {
		switch turns[i].Sender {
		case memory.SenderUser:
			userTurn = &turns[i]
		case memory.SenderPersona:
			personaTurn = &turns[i]
		}
	}
	if userTurn == nil || personaTurn == nil {
		t.Fatalf("turns = %+v, want one per sender", turns)
	}

	if got := userTurn.Metadata[memory.TurnMetaFlow]; got != string(dialogue.FlowMemorySharing) {
		t.Errorf("user turn flow = %q, want %q", got, dialogue.FlowMemorySharing)
	}
	if got := userTurn.Metadata[memory.TurnMetaConfidence]; got != "1.00" {
		t.Errorf("user turn confidence = %q, want %q", got, "1.00")
	}
	if userTurn.Emotion != "nostalgic" {
		t.Errorf("user turn emotion = %q, want nostalgic", userTurn.Emotion)
	}

	if got := personaTurn.Metadata[memory.TurnMetaFlow]; got != string(dialogue.FlowMemorySharing) {
		t.Errorf("persona turn flow = %q, want %q", got, dialogue.FlowMemorySharing)
	}
	if personaTurn.Metadata[memory.TurnMetaLatencyMS] == "" {
		t.Error("persona turn missing latency")
	}
	if personaTurn.Emotion != "nostalgic" {
		t.Errorf("persona turn emotion = %q, want nostalgic", personaTurn.Emotion)
	}
}

func TestStateReturnsToListeningAfterTurn(t *testing.T) {
	adapter := &scriptedAdapter{reply: "Of course, dear."}
	rig := newTestRig(t, adapter)
	_, inbound, outbound, _ := startConnection(t, rig, session.ModalityText)

	inbound <- protocol.ClientMessage{Type: protocol.TypeUtterance, Text: "good morning"}
	got := collectUntil(t, outbound, protocol.TypeTurnEnd, protocol.ReasonCompleted, 3*time.Second)

	responding := false
	for _, m := range messagesOfType(got, protocol.TypeSystemEvent) {
		if m.Event == "state:"+string(StateResponding) {
			responding = true
		}
	}
	if !responding {
		t.Error("turn never announced state:responding")
	}

	select {
	case msg := <-outbound:
		if msg.Type != protocol.TypeSystemEvent || msg.Event != "state:"+string(StateListening) {
			t.Errorf("after turn_end got %+v, want state:listening", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no state event after turn_end")
	}
}

func TestControlInterruptCancelsTurn(t *testing.T) {
	adapter := &scriptedAdapter{
		blockFirst:   true,
		firstStarted: make(chan struct{}),
	}
	rig := newTestRig(t, adapter)
	_, inbound, outbound, _ := startConnection(t, rig, session.ModalityText)

	inbound <- protocol.ClientMessage{Type: protocol.TypeUtterance, Text: "a very long question"}
	select {
	case <-adapter.firstStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("generation never started")
	}

	inbound <- protocol.ClientMessage{Type: protocol.TypeControl, Action: protocol.ControlInterrupt}

	got := collectUntil(t, outbound, protocol.TypeTurnEnd, protocol.ReasonInterrupted, 3*time.Second)
	if deltas := messagesOfType(got, protocol.TypePersonaTextDelta); len(deltas) != 0 {
		t.Errorf("cancelled turn leaked output: %+v", deltas)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never satisfied")
}
