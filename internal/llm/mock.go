package llm

import (
	"context"
	"fmt"
	"sync"
)

// MockResponse configures a single streamed response from the mock client.
type MockResponse struct {
	// Chunks are emitted as separate text events. When empty, Content is
	// sent as one chunk.
	Chunks     []string
	Content    string
	StopReason StopReason
	Usage      TokenUsage

	// Error fails ChatStream synchronously.
	Error error
	// StreamError is delivered as a terminal error event after the chunks.
	StreamError error
	// Block makes the stream wait for ctx cancellation after the chunks.
	Block bool
}

// MockClient is a configurable mock client for testing.
type MockClient struct {
	mu        sync.Mutex
	responses []MockResponse
	callIndex int
	calls     []ChatRequest
}

// NewMockClient creates a mock client with a sequence of responses.
// Responses are returned in order; if exhausted, the last response repeats.
func NewMockClient(responses ...MockResponse) *MockClient {
	return &MockClient{responses: responses}
}

func (m *MockClient) next(req ChatRequest) (MockResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Copy messages so later mutation by the caller is not observed.
	req.Messages = append([]Message(nil), req.Messages...)
	m.calls = append(m.calls, req)

	if len(m.responses) == 0 {
		return MockResponse{}, fmt.Errorf("mock: no responses configured")
	}
	idx := m.callIndex
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	} else {
		m.callIndex++
	}
	return m.responses[idx], nil
}

// ChatStream returns streaming events for the next configured response.
func (m *MockClient) ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamEvent, error) {
	resp, err := m.next(req)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}

	chunks := resp.Chunks
	if len(chunks) == 0 && resp.Content != "" {
		chunks = []string{resp.Content}
	}

	ch := make(chan StreamEvent, len(chunks)+1)
	go func() {
		defer close(ch)

		var content string
		for _, c := range chunks {
			select {
			case ch <- StreamEvent{Type: StreamText, Text: c}:
			case <-ctx.Done():
				return
			}
			content += c
		}
		if resp.Block {
			<-ctx.Done()
			return
		}
		if resp.StreamError != nil {
			ch <- StreamEvent{Type: StreamError, Error: resp.StreamError}
			return
		}
		stop := resp.StopReason
		if stop == "" {
			stop = StopEndTurn
		}
		ch <- StreamEvent{Type: StreamDone, Response: &ChatResponse{
			Content:    content,
			StopReason: stop,
			Usage:      resp.Usage,
		}}
	}()

	return ch, nil
}

// Calls returns all requests made to the mock client.
func (m *MockClient) Calls() []ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ChatRequest(nil), m.calls...)
}

// Reset clears call history and resets the response index.
func (m *MockClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callIndex = 0
	m.calls = nil
}
