package llm

import (
	"context"
	"errors"
	"fmt"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicClient implements Client using the Anthropic Messages API.
type AnthropicClient struct {
	client anthropic.Client
}

// NewAnthropicClient creates a client. An empty apiKey makes the SDK read
// ANTHROPIC_API_KEY from the environment.
func NewAnthropicClient(apiKey string, opts ...option.RequestOption) *AnthropicClient {
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	return &AnthropicClient{
		client: anthropic.NewClient(opts...),
	}
}

// ChatStream sends a streaming chat request and returns events via channel.
func (c *AnthropicClient) ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamEvent, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("anthropic chat: no messages")
	}
	params := buildParams(req)

	stream := c.client.Messages.NewStreaming(ctx, params)

	ch := make(chan StreamEvent, 64)
	go func() {
		defer close(ch)
		defer stream.Close()

		send := func(ev StreamEvent) bool {
			select {
			case ch <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		var accMsg anthropic.Message
		for stream.Next() {
			event := stream.Current()
			_ = accMsg.Accumulate(event)

			switch event.Type {
			case "content_block_delta":
				switch event.Delta.Type {
				case "text_delta":
					if !send(StreamEvent{Type: StreamText, Text: event.Delta.Text}) {
						return
					}
				case "thinking_delta":
					if !send(StreamEvent{Type: StreamThinking, Text: event.Delta.Thinking}) {
						return
					}
				}
			case "content_block_start":
				if event.ContentBlock.Type == "tool_use" {
					if !send(StreamEvent{Type: StreamToolUse, Text: event.ContentBlock.Name}) {
						return
					}
				}
			}
		}

		if err := stream.Err(); err != nil {
			var apiErr *anthropic.Error
			if errors.As(err, &apiErr) {
				err = &APIError{StatusCode: apiErr.StatusCode, Err: err}
			}
			send(StreamEvent{Type: StreamError, Error: fmt.Errorf("anthropic stream: %w", err)})
			return
		}

		send(StreamEvent{Type: StreamDone, Response: parseResponse(&accMsg)})
	}()

	return ch, nil
}

func buildParams(req ChatRequest) anthropic.MessageNewParams {
	messages := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case RoleUser:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case RoleAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(req.MaxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: req.System},
		}
	}
	return params
}

func parseResponse(msg *anthropic.Message) *ChatResponse {
	resp := &ChatResponse{
		StopReason: mapStopReason(msg.StopReason),
		Usage: TokenUsage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
	for _, block := range msg.Content {
		if block.Type == "text" {
			resp.Content += block.Text
		}
	}
	return resp
}

func mapStopReason(reason anthropic.StopReason) StopReason {
	switch reason {
	case anthropic.StopReasonEndTurn:
		return StopEndTurn
	case anthropic.StopReasonMaxTokens:
		return StopMaxTokens
	case anthropic.StopReasonToolUse:
		return StopToolUse
	case anthropic.StopReasonStopSequence:
		return StopStopSequence
	default:
		return StopReason(string(reason))
	}
}
