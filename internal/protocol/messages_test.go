package protocol

import "testing"

func TestParseClientMessage(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"utterance", `{"type":"utterance","text":"hello"}`, false},
		{"utterance empty text", `{"type":"utterance","text":"   "}`, true},
		{"audio chunk", `{"type":"audio_chunk","audio":"aGVsbG8="}`, false},
		{"audio chunk missing payload", `{"type":"audio_chunk"}`, true},
		{"control interrupt", `{"type":"control","action":"interrupt"}`, false},
		{"control end", `{"type":"control","action":"end"}`, false},
		{"control unknown action", `{"type":"control","action":"dance"}`, true},
		{"missing type", `{"text":"hi"}`, true},
		{"unknown type", `{"type":"telepathy"}`, true},
		{"malformed json", `{"type":`, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := ParseClientMessage([]byte(tc.raw))
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", msg)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestServerMessageBuilders(t *testing.T) {
	if msg := TurnEnd("t1", ReasonInterrupted); msg.Type != TypeTurnEnd || msg.TurnID != "t1" || msg.Reason != ReasonInterrupted {
		t.Errorf("TurnEnd = %+v", msg)
	}
	if msg := ErrorEvent("stt_failed", "boom", true); msg.Type != TypeError || !msg.Retryable || msg.Code != "stt_failed" {
		t.Errorf("ErrorEvent = %+v", msg)
	}
	if msg := PersonaTextDelta("t2", "hi"); msg.Type != TypePersonaTextDelta || msg.Text != "hi" {
		t.Errorf("PersonaTextDelta = %+v", msg)
	}
}
