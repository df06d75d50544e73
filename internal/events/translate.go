package events

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"time"
)

// Translator maps backend-native NDJSON envelopes onto canonical events.
// It is stateless; one instance may serve many turns.
type Translator struct {
	logger *slog.Logger
}

// NewTranslator creates a translator that logs dropped lines at debug level.
func NewTranslator(logger *slog.Logger) *Translator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Translator{logger: logger}
}

// envelope is a loosely typed backend line. Fields are decoded on demand so
// that a single odd field never rejects the whole line.
type envelope map[string]json.RawMessage

func (e envelope) str(key string) string {
	raw, ok := e[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func (e envelope) trimmed(key string) string {
	return strings.TrimSpace(e.str(key))
}

func (e envelope) boolPtr(key string) *bool {
	raw, ok := e[key]
	if !ok {
		return nil
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil
	}
	return &b
}

func (e envelope) int64(key string) int64 {
	raw, ok := e[key]
	if !ok {
		return 0
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0
	}
	return n
}

// DecodeLine parses one NDJSON line into an envelope. ok is false for blank
// lines and anything that is not a JSON object.
func DecodeLine(line []byte) (map[string]json.RawMessage, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return nil, false
	}
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, false
	}
	return env, true
}

// Translate converts one backend line. ok is false when the line carries no
// canonical event; such lines are never fatal.
func (t *Translator) Translate(line []byte) (Event, bool) {
	raw, ok := DecodeLine(line)
	if !ok {
		if len(bytes.TrimSpace(line)) > 0 {
			t.logger.Debug("dropping unparseable backend line", "line", truncate(string(line), 200))
		}
		return Event{}, false
	}
	env := envelope(raw)

	ev := Event{
		Timestamp: time.Now(),
		RequestID: env.str("requestId"),
		Seq:       env.int64("seq"),
	}

	typ := env.trimmed("type")
	switch typ {
	case "text", "thought":
		// Whitespace inside deltas is significant; never trim.
		text := env.str("content")
		if text == "" {
			text = env.str("text")
		}
		if text == "" {
			return Event{}, false
		}
		ev.Type = TypeTextDelta
		ev.Text = text
		ev.Stream = StreamOutput
		if typ == "thought" || env.trimmed("stream") == string(StreamThought) {
			ev.Stream = StreamThought
		}
		return ev, true

	case "tool_call":
		title := env.trimmed("title")
		if title == "" {
			title = env.trimmed("toolCallId")
		}
		if title == "" {
			title = "tool"
		}
		status := env.trimmed("status")
		ev.Type = TypeToolCall
		ev.Title = title
		ev.Status = status
		ev.Text = title
		if status != "" {
			ev.Text = title + " (" + status + ")"
		}
		return ev, true

	case "client_operation":
		parts := make([]string, 0, 3)
		method := env.trimmed("method")
		if method == "" {
			method = "operation"
		}
		parts = append(parts, method)
		for _, k := range []string{"status", "summary"} {
			if v := env.trimmed(k); v != "" {
				parts = append(parts, v)
			}
		}
		ev.Type = TypeStatus
		ev.Text = strings.Join(parts, " ")
		return ev, true

	case "plan":
		var entries []map[string]json.RawMessage
		if err := json.Unmarshal(env["entries"], &entries); err != nil {
			return Event{}, false
		}
		for _, entry := range entries {
			if content := envelope(entry).trimmed("content"); content != "" {
				ev.Type = TypeStatus
				ev.Text = "plan: " + content
				return ev, true
			}
		}
		return Event{}, false

	case "update":
		update := env.trimmed("update")
		if update == "" {
			return Event{}, false
		}
		ev.Type = TypeStatus
		ev.Text = update
		return ev, true

	case "done":
		ev.Type = TypeDone
		ev.StopReason = env.trimmed("stopReason")
		return ev, true

	case "error":
		ev.Type = TypeError
		ev.Code = env.trimmed("code")
		ev.Message = env.trimmed("message")
		if ev.Message == "" {
			ev.Message = "backend runtime error"
		}
		ev.Retryable = env.boolPtr("retryable")
		return ev, true

	default:
		t.logger.Debug("dropping unknown backend event", "type", typ)
		return Event{}, false
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
