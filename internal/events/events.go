// Package events defines the canonical event algebra emitted during an agent
// turn, and the translator that maps backend-native payloads onto it.
package events

import (
	"encoding/json"
	"time"
)

// Type represents the kind of canonical event.
type Type string

const (
	TypeStart     Type = "start"
	TypeTextDelta Type = "text_delta"
	TypeToolCall  Type = "tool_call"
	TypeStatus    Type = "status"
	TypeDone      Type = "done"
	TypeError     Type = "error"
)

// Stream identifies which text stream a delta belongs to.
type Stream string

const (
	StreamOutput  Stream = "output"
	StreamThought Stream = "thought"
)

// Event is one canonical event of a turn. Only the fields relevant to Type
// are populated.
type Event struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
	Seq       int64     `json:"seq,omitempty"`

	// text_delta, tool_call and status
	Stream Stream `json:"stream,omitempty"`
	Text   string `json:"text,omitempty"`

	// tool_call
	Title  string `json:"title,omitempty"`
	Status string `json:"status,omitempty"`

	// done
	StopReason string `json:"stop_reason,omitempty"`

	// error
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
	Retryable *bool  `json:"retryable,omitempty"`
}

// Terminal reports whether the event ends a turn.
func (e Event) Terminal() bool {
	return e.Type == TypeDone || e.Type == TypeError
}

// JSON returns the event serialized as JSON.
func (e Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// Start creates a start event.
func Start(requestID string) Event {
	return Event{Type: TypeStart, Timestamp: time.Now(), RequestID: requestID}
}

// Done creates a done event.
func Done(requestID, stopReason string) Event {
	return Event{Type: TypeDone, Timestamp: time.Now(), RequestID: requestID, StopReason: stopReason}
}

// Error creates an error event. retryable is left unset.
func Error(requestID, code, message string) Event {
	return Event{Type: TypeError, Timestamp: time.Now(), RequestID: requestID, Code: code, Message: message}
}

// RetryableError creates an error event with an explicit retryable flag.
func RetryableError(requestID, code, message string, retryable bool) Event {
	e := Error(requestID, code, message)
	e.Retryable = &retryable
	return e
}

// OutputText concatenates the output-stream text deltas in arrival order.
func OutputText(evs []Event) string {
	var b []byte
	for _, ev := range evs {
		if ev.Type == TypeTextDelta && ev.Stream == StreamOutput {
			b = append(b, ev.Text...)
		}
	}
	return string(b)
}
