package events

import (
	"io"
	"log/slog"
	"testing"
)

func newTestTranslator() *Translator {
	return NewTranslator(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestTranslate(t *testing.T) {
	tr := newTestTranslator()

	tests := []struct {
		name       string
		line       string
		wantOK     bool
		wantType   Type
		wantText   string
		wantStream Stream
	}{
		{
			name:       "text delta keeps leading space",
			line:       `{"type":"text","content":" beta","seq":2}`,
			wantOK:     true,
			wantType:   TypeTextDelta,
			wantText:   " beta",
			wantStream: StreamOutput,
		},
		{
			name:       "text delta keeps trailing space",
			line:       `{"type":"text","content":"alpha ","seq":1}`,
			wantOK:     true,
			wantType:   TypeTextDelta,
			wantText:   "alpha ",
			wantStream: StreamOutput,
		},
		{
			name:       "text with thought stream field",
			line:       `{"type":"text","stream":"thought","content":"hmm"}`,
			wantOK:     true,
			wantType:   TypeTextDelta,
			wantText:   "hmm",
			wantStream: StreamThought,
		},
		{
			name:       "thought event",
			line:       `{"type":"thought","content":"thinking"}`,
			wantOK:     true,
			wantType:   TypeTextDelta,
			wantText:   "thinking",
			wantStream: StreamThought,
		},
		{
			name:   "empty text dropped",
			line:   `{"type":"text","content":""}`,
			wantOK: false,
		},
		{
			name:     "tool call with status",
			line:     `{"type":"tool_call","title":"Read file","status":"completed"}`,
			wantOK:   true,
			wantType: TypeToolCall,
			wantText: "Read file (completed)",
		},
		{
			name:     "tool call falls back to id",
			line:     `{"type":"tool_call","toolCallId":"call_1"}`,
			wantOK:   true,
			wantType: TypeToolCall,
			wantText: "call_1",
		},
		{
			name:     "plan becomes status",
			line:     `{"type":"plan","entries":[{"content":"step one"}]}`,
			wantOK:   true,
			wantType: TypeStatus,
			wantText: "plan: step one",
		},
		{
			name:     "client operation",
			line:     `{"type":"client_operation","method":"fs/read","status":"ok"}`,
			wantOK:   true,
			wantType: TypeStatus,
			wantText: "fs/read ok",
		},
		{
			name:     "done",
			line:     `{"type":"done","stopReason":"end_turn"}`,
			wantOK:   true,
			wantType: TypeDone,
		},
		{
			name:     "error",
			line:     `{"type":"error","code":"RUNTIME","message":"boom"}`,
			wantOK:   true,
			wantType: TypeError,
		},
		{
			name:   "unknown type dropped",
			line:   `{"type":"telemetry","x":1}`,
			wantOK: false,
		},
		{
			name:   "not json dropped",
			line:   `warming up...`,
			wantOK: false,
		},
		{
			name:   "json array dropped",
			line:   `[1,2,3]`,
			wantOK: false,
		},
		{
			name:   "blank line dropped",
			line:   "   ",
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok := tr.Translate([]byte(tt.line))
			if ok != tt.wantOK {
				t.Fatalf("Translate(%q) ok = %v, want %v", tt.line, ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if ev.Type != tt.wantType {
				t.Errorf("Type = %q, want %q", ev.Type, tt.wantType)
			}
			if tt.wantText != "" && ev.Text != tt.wantText {
				t.Errorf("Text = %q, want %q", ev.Text, tt.wantText)
			}
			if tt.wantStream != "" && ev.Stream != tt.wantStream {
				t.Errorf("Stream = %q, want %q", ev.Stream, tt.wantStream)
			}
		})
	}
}

func TestTranslateWhitespaceExactConcatenation(t *testing.T) {
	tr := newTestTranslator()
	lines := []string{
		`{"type":"text","content":"alpha","seq":1}`,
		`{"type":"text","content":" beta","seq":2}`,
		`{"type":"text","content":" gamma","seq":3}`,
		`{"type":"done"}`,
	}

	var evs []Event
	for _, l := range lines {
		if ev, ok := tr.Translate([]byte(l)); ok {
			evs = append(evs, ev)
		}
	}

	if got := OutputText(evs); got != "alpha beta gamma" {
		t.Errorf("OutputText = %q, want %q", got, "alpha beta gamma")
	}
	for i, ev := range evs[:3] {
		if ev.Seq != int64(i+1) {
			t.Errorf("evs[%d].Seq = %d, want %d", i, ev.Seq, i+1)
		}
	}
}

func TestTranslateErrorRetryable(t *testing.T) {
	tr := newTestTranslator()

	ev, ok := tr.Translate([]byte(`{"type":"error","message":"rate limited","retryable":true}`))
	if !ok {
		t.Fatal("expected error event")
	}
	if ev.Retryable == nil || !*ev.Retryable {
		t.Errorf("Retryable = %v, want true", ev.Retryable)
	}

	ev, ok = tr.Translate([]byte(`{"type":"error","message":"bad"}`))
	if !ok {
		t.Fatal("expected error event")
	}
	if ev.Retryable != nil {
		t.Errorf("Retryable = %v, want unset", *ev.Retryable)
	}

	ev, _ = tr.Translate([]byte(`{"type":"error"}`))
	if ev.Message == "" {
		t.Error("error event without message should get a default message")
	}
}

func TestEventTerminal(t *testing.T) {
	if !Done("r", "").Terminal() {
		t.Error("done should be terminal")
	}
	if !Error("r", "RUNTIME", "x").Terminal() {
		t.Error("error should be terminal")
	}
	if Start("r").Terminal() {
		t.Error("start should not be terminal")
	}
}
