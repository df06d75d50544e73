// Package fake provides a scriptable in-process adapter for tests.
package fake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/szaher/acprelay/internal/adapters"
	"github.com/szaher/acprelay/internal/events"
	"github.com/szaher/acprelay/internal/handle"
	"github.com/szaher/acprelay/internal/options"
)

// Turn is the view a TurnFunc gets of one running turn.
type Turn struct {
	Ctx   context.Context
	Input adapters.TurnInput
	// Cancelled is closed when Cancel is called for the session.
	Cancelled <-chan struct{}

	out chan<- events.Event
}

// Emit sends ev on the turn's channel.
func (t *Turn) Emit(ev events.Event) {
	if ev.RequestID == "" {
		ev.RequestID = t.Input.RequestID
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	t.out <- ev
}

// Text emits an output text delta.
func (t *Turn) Text(s string) {
	t.Emit(events.Event{Type: events.TypeTextDelta, Stream: events.StreamOutput, Text: s})
}

// Done emits a done event.
func (t *Turn) Done() { t.Emit(events.Done(t.Input.RequestID, "end_turn")) }

// Error emits an error event.
func (t *Turn) Error(code adapters.Code, msg string) {
	t.Emit(events.Error(t.Input.RequestID, string(code), msg))
}

// TurnFunc scripts a turn. The start event has already been sent; the
// function is expected to emit the terminal event.
type TurnFunc func(t *Turn)

// Reply streams chunks and finishes.
func Reply(chunks ...string) TurnFunc {
	return func(t *Turn) {
		for _, c := range chunks {
			t.Text(c)
		}
		t.Done()
	}
}

// Echo replies with the prompt text.
func Echo() TurnFunc {
	return func(t *Turn) {
		t.Text(t.Input.Text)
		t.Done()
	}
}

// Block runs until the session is cancelled or the turn context ends, then
// reports CANCELLED.
func Block() TurnFunc {
	return func(t *Turn) {
		select {
		case <-t.Cancelled:
		case <-t.Ctx.Done():
		}
		t.Error(adapters.CodeCancelled, "cancelled")
	}
}

// Stubborn ignores backend cancellation and only stops when its context ends.
func Stubborn() TurnFunc {
	return func(t *Turn) {
		<-t.Ctx.Done()
		t.Error(adapters.CodeCancelled, "terminated")
	}
}

// Fail reports a terminal error.
func Fail(code adapters.Code, msg string) TurnFunc {
	return func(t *Turn) { t.Error(code, msg) }
}

// Adapter is a scriptable adapter. All methods are safe for concurrent use.
type Adapter struct {
	name string

	mu          sync.Mutex
	healthy     bool
	caps        adapters.Capabilities
	script      TurnFunc
	ensureErr   error
	ensureDelay time.Duration
	controlErr  error
	namePrefix  string
	ensures     []adapters.EnsureInput
	controls    []options.Options
	turns       []adapters.TurnInput
	cancels     []string
	closes      []string
	cancelled   map[string]chan struct{}
}

// New creates a healthy adapter named name that echoes prompts and supports
// every control.
func New(name string) *Adapter {
	return &Adapter{
		name:    name,
		healthy: true,
		script:  Echo(),
		caps: adapters.Capabilities{Controls: []adapters.Control{
			adapters.ControlSetMode, adapters.ControlSetConfigOption, adapters.ControlStatus,
		}},
		cancelled: make(map[string]chan struct{}),
	}
}

// SetScript replaces the turn script.
func (a *Adapter) SetScript(fn TurnFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.script = fn
}

// SetHealthy sets the health reported by IsHealthy and ProbeAvailability.
func (a *Adapter) SetHealthy(ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.healthy = ok
}

// SetCapabilities replaces the advertised capabilities.
func (a *Adapter) SetCapabilities(caps adapters.Capabilities) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.caps = caps
}

// SetEnsureError makes EnsureSession fail with err until reset with nil.
func (a *Adapter) SetEnsureError(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ensureErr = err
}

// SetEnsureDelay slows EnsureSession down.
func (a *Adapter) SetEnsureDelay(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ensureDelay = d
}

// SetControlError makes ApplyControls fail with err until reset with nil.
func (a *Adapter) SetControlError(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.controlErr = err
}

// SetNamePrefix makes backend session names differ from session keys.
func (a *Adapter) SetNamePrefix(p string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.namePrefix = p
}

// Controls returns the options of every successful ApplyControls call.
func (a *Adapter) Controls() []options.Options {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]options.Options(nil), a.controls...)
}

// Ensures returns every EnsureSession input received.
func (a *Adapter) Ensures() []adapters.EnsureInput {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]adapters.EnsureInput(nil), a.ensures...)
}

// Turns returns every RunTurn input received.
func (a *Adapter) Turns() []adapters.TurnInput {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]adapters.TurnInput(nil), a.turns...)
}

// Cancels returns the session names Cancel was called for.
func (a *Adapter) Cancels() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.cancels...)
}

// Closes returns the session names Close was called for.
func (a *Adapter) Closes() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.closes...)
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) IsHealthy() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.healthy
}

func (a *Adapter) ProbeAvailability(context.Context) error {
	if !a.IsHealthy() {
		return adapters.NewError(adapters.CodeUnavailable, adapters.FallbackBackendUnavailable, a.name+" is down")
	}
	return nil
}

func (a *Adapter) Capabilities(adapters.Handle) adapters.Capabilities {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.caps
}

func (a *Adapter) EnsureSession(ctx context.Context, in adapters.EnsureInput) (adapters.Handle, error) {
	a.mu.Lock()
	a.ensures = append(a.ensures, in)
	n := len(a.ensures)
	err, delay, prefix := a.ensureErr, a.ensureDelay, a.namePrefix
	a.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return adapters.Handle{}, ctx.Err()
		}
	}
	if err != nil {
		return adapters.Handle{}, err
	}
	return adapters.NewHandle(in.SessionKey, handle.State{
		Backend:          a.name,
		Name:             prefix + in.SessionKey,
		Agent:            in.Agent,
		Cwd:              in.Cwd,
		Mode:             string(in.Mode),
		RuntimeSessionID: fmt.Sprintf("rt-%d", n),
	}), nil
}

func (a *Adapter) ApplyControls(_ context.Context, _ adapters.Handle, opts options.Options) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.controlErr != nil {
		return a.controlErr
	}
	a.controls = append(a.controls, opts)
	return nil
}

func (a *Adapter) RunTurn(ctx context.Context, in adapters.TurnInput) (<-chan events.Event, error) {
	st, err := handle.Parse(in.Handle.Value)
	if err != nil || st.Backend != a.name {
		return nil, adapters.NewError(adapters.CodeUsage, adapters.FallbackTurnFailed, "bad handle")
	}

	a.mu.Lock()
	a.turns = append(a.turns, in)
	script := a.script
	cancelled := make(chan struct{})
	a.cancelled[st.Name] = cancelled
	a.mu.Unlock()

	out := make(chan events.Event, 64)
	t := &Turn{Ctx: ctx, Input: in, Cancelled: cancelled, out: out}
	go func() {
		defer close(out)
		t.Emit(events.Start(in.RequestID))
		script(t)
	}()
	return out, nil
}

func (a *Adapter) Cancel(_ context.Context, h adapters.Handle, _ string) error {
	st, err := handle.Parse(h.Value)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancels = append(a.cancels, st.Name)
	if ch, ok := a.cancelled[st.Name]; ok {
		close(ch)
		delete(a.cancelled, st.Name)
	}
	return nil
}

func (a *Adapter) Close(_ context.Context, h adapters.Handle, _ string) error {
	st, err := handle.Parse(h.Value)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closes = append(a.closes, st.Name)
	return nil
}
