// Package llm defines the chat client abstraction used by SDK-backed
// runtime adapters.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Role represents a message sender role.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// StopReason indicates why the model stopped generating.
type StopReason string

const (
	StopEndTurn      StopReason = "end_turn"
	StopMaxTokens    StopReason = "max_tokens"
	StopToolUse      StopReason = "tool_use"
	StopStopSequence StopReason = "stop_sequence"
)

// Message is one turn of a conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// TokenUsage tracks token consumption for a single call.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Total returns the sum of all token fields.
func (u TokenUsage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// ChatRequest contains parameters for a chat call.
type ChatRequest struct {
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	System    string    `json:"system,omitempty"`
	MaxTokens int       `json:"max_tokens"`
}

// ChatResponse is the accumulated result of a streamed call.
type ChatResponse struct {
	Content    string     `json:"content,omitempty"`
	StopReason StopReason `json:"stop_reason"`
	Usage      TokenUsage `json:"usage"`
}

// Stream event types.
const (
	StreamText     = "text"
	StreamThinking = "thinking"
	StreamToolUse  = "tool_use"
	StreamDone     = "done"
	StreamError    = "error"
)

// StreamEvent represents an incremental event during streaming. The stream
// ends with exactly one done or error event.
type StreamEvent struct {
	Type string `json:"type"`

	// text, thinking and tool_use (tool name)
	Text string `json:"text,omitempty"`

	// done
	Response *ChatResponse `json:"response,omitempty"`

	// error
	Error error `json:"-"`
}

// Client is the interface for model interactions.
type Client interface {
	// ChatStream sends a request and returns a channel of streaming events.
	// The channel is closed after the terminal event or when ctx ends.
	ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamEvent, error)
}

// APIError is a failure reported by the model provider.
type APIError struct {
	StatusCode int
	Err        error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider returned %d: %v", e.StatusCode, e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }

// Retryable reports whether the same request may succeed later.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

// IsRetryable reports whether err wraps a retryable provider error.
func IsRetryable(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Retryable()
}
