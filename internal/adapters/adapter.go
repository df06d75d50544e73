// Package adapters defines the runtime adapter contract and the registry
// the session manager resolves backends from.
package adapters

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/szaher/acprelay/internal/events"
	"github.com/szaher/acprelay/internal/handle"
	"github.com/szaher/acprelay/internal/options"
)

// Control names a session control a backend may advertise.
type Control string

const (
	ControlSetMode         Control = "session/set_mode"
	ControlSetConfigOption Control = "session/set_config_option"
	ControlStatus          Control = "session/status"
)

// Capabilities describes which controls a backend supports for a session.
type Capabilities struct {
	Controls []Control `json:"controls"`
	// ConfigOptionKeys lists the keys accepted by SetConfigOption. An empty
	// list means the backend does not restrict keys.
	ConfigOptionKeys []string `json:"config_option_keys,omitempty"`
}

// Supports reports whether ctl is advertised.
func (c Capabilities) Supports(ctl Control) bool {
	return slices.Contains(c.Controls, ctl)
}

// AcceptsKey reports whether key may be passed to SetConfigOption.
func (c Capabilities) AcceptsKey(key string) bool {
	if len(c.ConfigOptionKeys) == 0 {
		return true
	}
	return slices.Contains(c.ConfigOptionKeys, key)
}

// Handle identifies a backend session. Adapters produce it on ensure and the
// manager hands it back on every later call.
type Handle struct {
	SessionKey         string `json:"session_key"`
	Backend            string `json:"backend"`
	RuntimeSessionName string `json:"runtime_session_name"`
	Cwd                string `json:"cwd,omitempty"`
	RuntimeSessionID   string `json:"runtime_session_id,omitempty"`
	BackendSessionID   string `json:"backend_session_id,omitempty"`

	// Value is the opaque, versioned encoding of the handle.
	Value string `json:"value"`
}

// NewHandle builds a handle from codec state and encodes it.
func NewHandle(sessionKey string, st handle.State) Handle {
	return Handle{
		SessionKey:         sessionKey,
		Backend:            st.Backend,
		RuntimeSessionName: st.Name,
		Cwd:                st.Cwd,
		RuntimeSessionID:   st.RuntimeSessionID,
		BackendSessionID:   st.BackendSessionID,
		Value:              handle.Encode(st),
	}
}

// DecodeHandle rebuilds a handle from its opaque value. ok is false when the
// value cannot be decoded.
func DecodeHandle(sessionKey, value string) (Handle, bool) {
	st, ok := handle.Decode(value)
	if !ok {
		return Handle{}, false
	}
	h := NewHandle(sessionKey, st)
	h.Value = value
	return h, true
}

// EnsureInput is the request to create or resume a backend session.
type EnsureInput struct {
	SessionKey string
	Agent      string
	Mode       options.Mode
	Cwd        string
	Options    options.Options
}

// TurnInput is one prompt to run against an ensured session. Options are the
// effective options resolved by the manager for this turn.
type TurnInput struct {
	Handle    Handle
	Text      string
	Mode      options.Mode
	RequestID string
	Options   options.Options
}

// Adapter drives one backend family.
type Adapter interface {
	// Name returns the backend identifier.
	Name() string

	// EnsureSession creates or resumes the backend session.
	EnsureSession(ctx context.Context, in EnsureInput) (Handle, error)

	// RunTurn starts a turn. The returned channel yields canonical events,
	// ends with exactly one terminal event and is then closed. Failures after
	// the turn starts are reported as error events, not as a returned error.
	RunTurn(ctx context.Context, in TurnInput) (<-chan events.Event, error)

	// Cancel asks the backend to stop the active turn. Best effort.
	Cancel(ctx context.Context, h Handle, reason string) error

	// Close ends the backend session. Safe to call more than once.
	Close(ctx context.Context, h Handle, reason string) error

	// ProbeAvailability checks the backend and updates IsHealthy.
	ProbeAvailability(ctx context.Context) error

	// IsHealthy returns the result of the last probe.
	IsHealthy() bool

	// Capabilities returns the controls available for a session.
	Capabilities(h Handle) Capabilities
}

// Controller is implemented by adapters that bind runtime options to the
// backend session instead of reading them from every turn. The manager calls
// ApplyControls before a turn whenever the options signature differs from the
// one last applied to the handle.
type Controller interface {
	ApplyControls(ctx context.Context, h Handle, opts options.Options) error
}

// Registry maps backend ids to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates a registry holding the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds an adapter under its Name, replacing any previous one.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Get retrieves an adapter by backend id.
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	if !ok {
		return nil, NewError(CodeUnavailable, FallbackBackendUnavailable,
			fmt.Sprintf("backend %q not registered", name))
	}
	return a, nil
}

// List returns the registered backend ids in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ProbeAll probes every adapter and returns the resulting health by id.
func (r *Registry) ProbeAll(ctx context.Context) map[string]bool {
	r.mu.RLock()
	all := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		all = append(all, a)
	}
	r.mu.RUnlock()

	health := make(map[string]bool, len(all))
	for _, a := range all {
		_ = a.ProbeAvailability(ctx)
		health[a.Name()] = a.IsHealthy()
	}
	return health
}

// Health returns the last known health of every adapter without probing.
func (r *Registry) Health() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	health := make(map[string]bool, len(r.adapters))
	for name, a := range r.adapters {
		health[name] = a.IsHealthy()
	}
	return health
}
