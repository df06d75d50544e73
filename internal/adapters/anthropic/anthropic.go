// Package anthropic implements a runtime adapter backed by the Anthropic
// Messages API. Conversation history is held in process, keyed by session
// name; the model client is injected.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/szaher/acprelay/internal/adapters"
	"github.com/szaher/acprelay/internal/events"
	"github.com/szaher/acprelay/internal/handle"
	"github.com/szaher/acprelay/internal/llm"
	"github.com/szaher/acprelay/internal/options"
)

// BackendID is the registry id of this adapter.
const BackendID = "anthropic"

// Extra option keys understood by this adapter.
const (
	KeyMaxTokens = "max_tokens"
	KeySystem    = "system"
)

// configKeys are the keys SetConfigOption may carry for this backend.
var configKeys = []string{"model", "timeout", "timeout_seconds", "mode", "runtime_mode", "cwd", KeyMaxTokens, KeySystem}

// Config configures the adapter.
type Config struct {
	Model     string
	MaxTokens int
	System    string
	// APIKey is only checked for presence by the probe; the client already
	// carries its credentials.
	APIKey string
}

// Adapter serves turns through an llm.Client.
type Adapter struct {
	client  llm.Client
	cfg     Config
	logger  *slog.Logger
	healthy atomic.Bool

	mu       sync.Mutex
	sessions map[string]*conversation
}

type conversation struct {
	mu      sync.Mutex
	history []llm.Message
	cancel  context.CancelFunc
	// bound holds the settings from the last ApplyControls. Turns on a
	// conversation without bound settings derive them from the turn options.
	bound *settings
}

// settings are the request parameters a conversation is driven with.
type settings struct {
	model     string
	system    string
	maxTokens int
}

// New creates an adapter around client.
func New(client llm.Client, cfg Config, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	a := &Adapter{
		client:   client,
		cfg:      cfg,
		logger:   logger.With("backend", BackendID),
		sessions: make(map[string]*conversation),
	}
	a.healthy.Store(client != nil && cfg.APIKey != "")
	return a
}

// Name returns the adapter identifier.
func (a *Adapter) Name() string { return BackendID }

// IsHealthy returns the result of the last probe.
func (a *Adapter) IsHealthy() bool { return a.healthy.Load() }

// ProbeAvailability reports whether a client and credentials are configured.
func (a *Adapter) ProbeAvailability(context.Context) error {
	switch {
	case a.client == nil:
		a.healthy.Store(false)
		return adapters.NewError(adapters.CodeUnavailable, adapters.FallbackBackendUnavailable, "no model client configured")
	case a.cfg.APIKey == "":
		a.healthy.Store(false)
		return adapters.NewError(adapters.CodeUnavailable, adapters.FallbackBackendUnavailable, "anthropic API key is not set")
	}
	a.healthy.Store(true)
	return nil
}

// Capabilities advertises the controls and the config keys this backend honors.
func (a *Adapter) Capabilities(adapters.Handle) adapters.Capabilities {
	return adapters.Capabilities{
		Controls: []adapters.Control{
			adapters.ControlSetMode,
			adapters.ControlSetConfigOption,
			adapters.ControlStatus,
		},
		ConfigOptionKeys: append([]string(nil), configKeys...),
	}
}

// EnsureSession registers an empty conversation unless one already exists.
func (a *Adapter) EnsureSession(_ context.Context, in adapters.EnsureInput) (adapters.Handle, error) {
	name := strings.TrimSpace(in.SessionKey)
	if name == "" {
		return adapters.Handle{}, adapters.NewError(adapters.CodeUsage, adapters.FallbackSessionInitFailed, "session key is required")
	}
	if a.client == nil {
		return adapters.Handle{}, adapters.NewError(adapters.CodeUnavailable, adapters.FallbackBackendUnavailable, "no model client configured")
	}
	mode := in.Mode
	if mode == "" {
		mode = options.ModePersistent
	}
	a.conversation(name)

	st := handle.State{
		Backend:          BackendID,
		Name:             name,
		Agent:            in.Agent,
		Cwd:              in.Cwd,
		Mode:             string(mode),
		RuntimeSessionID: uuid.NewString(),
		Meta:             map[string]string{"model": a.model(in.Options)},
	}
	return adapters.NewHandle(in.SessionKey, st), nil
}

// conversation returns the history for name, creating it on first use. A
// handle from before a restart resumes with empty history.
func (a *Adapter) conversation(name string) *conversation {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.sessions[name]
	if !ok {
		c = &conversation{}
		a.sessions[name] = c
	}
	return c
}

func (a *Adapter) lookup(name string) (*conversation, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.sessions[name]
	return c, ok
}

// Cancel stops the session's in-flight turn, if any.
func (a *Adapter) Cancel(_ context.Context, h adapters.Handle, reason string) error {
	st, err := a.resolve(h)
	if err != nil {
		return err
	}
	c, ok := a.lookup(st.Name)
	if !ok {
		return nil
	}
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		a.logger.Debug("cancelling turn", "session_key", h.SessionKey, "reason", reason)
		cancel()
	}
	return nil
}

// Close cancels any turn and forgets the conversation.
func (a *Adapter) Close(ctx context.Context, h adapters.Handle, reason string) error {
	if err := a.Cancel(ctx, h, reason); err != nil {
		return err
	}
	st, _ := a.resolve(h)
	a.mu.Lock()
	delete(a.sessions, st.Name)
	a.mu.Unlock()
	return nil
}

func (a *Adapter) resolve(h adapters.Handle) (handle.State, error) {
	st, err := handle.Parse(h.Value)
	if err != nil {
		return handle.State{}, adapters.Wrap(adapters.CodeUsage, adapters.FallbackSessionInitFailed, "invalid anthropic handle", err)
	}
	if st.Backend != BackendID {
		return handle.State{}, adapters.NewError(adapters.CodeUsage, adapters.FallbackSessionInitFailed,
			fmt.Sprintf("handle belongs to backend %q", st.Backend))
	}
	return st, nil
}

func (a *Adapter) model(opts options.Options) string {
	if opts.Model != "" {
		return opts.Model
	}
	return a.cfg.Model
}

// settings resolves the request parameters for opts.
func (a *Adapter) settings(opts options.Options) (settings, error) {
	s := settings{
		model:     a.model(opts),
		system:    a.cfg.System,
		maxTokens: a.cfg.MaxTokens,
	}
	if s.model == "" {
		return s, adapters.NewError(adapters.CodeUsage, adapters.FallbackInvalidRuntimeOption, "no model configured")
	}
	if v, ok := opts.Extra[KeyMaxTokens]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return s, adapters.NewError(adapters.CodeUsage, adapters.FallbackInvalidRuntimeOption,
				fmt.Sprintf("%s must be a positive integer, got %q", KeyMaxTokens, v))
		}
		s.maxTokens = n
	}
	if v, ok := opts.Extra[KeySystem]; ok {
		s.system = v
	}
	return s, nil
}

// ApplyControls binds the model, system prompt and token limit in opts to
// the conversation. Later turns use them until the next apply.
func (a *Adapter) ApplyControls(_ context.Context, h adapters.Handle, opts options.Options) error {
	st, err := a.resolve(h)
	if err != nil {
		return err
	}
	s, err := a.settings(opts)
	if err != nil {
		return err
	}
	c := a.conversation(st.Name)
	c.mu.Lock()
	c.bound = &s
	c.mu.Unlock()
	a.logger.Debug("controls applied", "session_key", h.SessionKey, "model", s.model, "max_tokens", s.maxTokens)
	return nil
}

func (a *Adapter) request(c *conversation, text string, opts options.Options) (llm.ChatRequest, error) {
	c.mu.Lock()
	bound := c.bound
	history := append([]llm.Message(nil), c.history...)
	c.mu.Unlock()

	var s settings
	if bound != nil {
		s = *bound
	} else {
		var err error
		if s, err = a.settings(opts); err != nil {
			return llm.ChatRequest{}, err
		}
	}
	return llm.ChatRequest{
		Model:     s.model,
		System:    s.system,
		MaxTokens: s.maxTokens,
		Messages:  append(history, llm.Message{Role: llm.RoleUser, Content: text}),
	}, nil
}

// RunTurn streams one model reply. The exchange is appended to the history
// only when the turn completes.
func (a *Adapter) RunTurn(ctx context.Context, in adapters.TurnInput) (<-chan events.Event, error) {
	st, err := a.resolve(in.Handle)
	if err != nil {
		return nil, err
	}
	c := a.conversation(st.Name)
	req, err := a.request(c, in.Text, in.Options)
	if err != nil {
		return nil, err
	}

	var (
		turnCtx context.Context
		cancel  context.CancelFunc
	)
	if in.Options.TimeoutSeconds > 0 {
		turnCtx, cancel = context.WithTimeout(ctx, time.Duration(in.Options.TimeoutSeconds)*time.Second)
	} else {
		turnCtx, cancel = context.WithCancel(ctx)
	}
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	out := make(chan events.Event, 16)
	t := &turn{
		adapter:   a,
		conv:      c,
		ctx:       turnCtx,
		cancel:    cancel,
		out:       out,
		requestID: in.RequestID,
		logger:    a.logger.With("session_key", in.Handle.SessionKey, "request_id", in.RequestID),
	}
	go t.run(req, in.Text)
	return out, nil
}

type turn struct {
	adapter   *Adapter
	conv      *conversation
	ctx       context.Context
	cancel    context.CancelFunc
	out       chan<- events.Event
	requestID string
	logger    *slog.Logger
}

func (t *turn) send(ev events.Event) bool {
	ev.RequestID = t.requestID
	select {
	case t.out <- ev:
		return true
	case <-t.ctx.Done():
		return false
	}
}

// finish delivers the terminal event even after ctx has ended.
func (t *turn) finish(ev events.Event) {
	ev.RequestID = t.requestID
	select {
	case t.out <- ev:
	case <-time.After(time.Second):
		t.logger.Debug("dropping terminal event, consumer gone", "type", ev.Type, "code", ev.Code)
	}
}

func (t *turn) run(req llm.ChatRequest, text string) {
	defer close(t.out)
	defer t.release()

	if !t.send(events.Start(t.requestID)) {
		t.finish(t.interrupted())
		return
	}

	stream, err := t.adapter.client.ChatStream(t.ctx, req)
	if err != nil {
		t.finish(t.failure(err))
		return
	}

	var toolCalls int
	for {
		select {
		case sev, ok := <-stream:
			if !ok {
				t.finish(t.interrupted())
				return
			}
			switch sev.Type {
			case llm.StreamText, llm.StreamThinking:
				if sev.Text == "" {
					continue
				}
				ev := events.Event{Type: events.TypeTextDelta, Timestamp: time.Now(), Stream: events.StreamOutput, Text: sev.Text}
				if sev.Type == llm.StreamThinking {
					ev.Stream = events.StreamThought
				}
				if !t.send(ev) {
					t.finish(t.interrupted())
					return
				}
			case llm.StreamToolUse:
				toolCalls++
				ev := events.Event{Type: events.TypeToolCall, Timestamp: time.Now(), Title: sev.Text, Status: "requested", Text: sev.Text + " (requested)"}
				if !t.send(ev) {
					t.finish(t.interrupted())
					return
				}
			case llm.StreamDone:
				resp := sev.Response
				if resp == nil {
					resp = &llm.ChatResponse{StopReason: llm.StopEndTurn}
				}
				t.commit(text, resp.Content)
				t.logger.Debug("turn complete", "stop_reason", resp.StopReason,
					"input_tokens", resp.Usage.InputTokens, "output_tokens", resp.Usage.OutputTokens, "tool_calls", toolCalls)
				t.finish(events.Done(t.requestID, string(resp.StopReason)))
				return
			case llm.StreamError:
				t.finish(t.failure(sev.Error))
				return
			}
		case <-t.ctx.Done():
			t.finish(t.interrupted())
			return
		}
	}
}

func (t *turn) commit(prompt, reply string) {
	t.conv.mu.Lock()
	defer t.conv.mu.Unlock()
	t.conv.history = append(t.conv.history,
		llm.Message{Role: llm.RoleUser, Content: prompt},
		llm.Message{Role: llm.RoleAssistant, Content: reply},
	)
}

func (t *turn) release() {
	t.cancel()
	t.conv.mu.Lock()
	t.conv.cancel = nil
	t.conv.mu.Unlock()
}

// interrupted classifies a turn that ended without a terminal stream event.
func (t *turn) interrupted() events.Event {
	if errors.Is(t.ctx.Err(), context.DeadlineExceeded) {
		return events.RetryableError(t.requestID, string(adapters.CodeTimeout), "model call timed out", true)
	}
	if t.ctx.Err() != nil {
		return events.Error(t.requestID, string(adapters.CodeCancelled), "turn cancelled")
	}
	return events.Error(t.requestID, string(adapters.CodeRuntime), "model stream ended without a result")
}

func (t *turn) failure(err error) events.Event {
	if t.ctx.Err() != nil {
		return t.interrupted()
	}
	if err == nil {
		err = errors.New("unknown model error")
	}
	t.logger.Warn("model call failed", "error", err)
	return events.RetryableError(t.requestID, string(adapters.CodeRuntime), err.Error(), llm.IsRetryable(err))
}
