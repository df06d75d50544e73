package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/szaher/acprelay/internal/adapters"
	"github.com/szaher/acprelay/internal/events"
	"github.com/szaher/acprelay/internal/handle"
	"github.com/szaher/acprelay/internal/options"
	"github.com/szaher/acprelay/internal/routing"
	"github.com/szaher/acprelay/internal/telemetry"
)

const (
	defaultCancelGrace = 5 * time.Second
	defaultSchedule    = "@every 1m"
	storeTimeout       = 5 * time.Second
	closeTimeout       = 30 * time.Second

	restartError = "interrupted by restart"
)

// AgentDefaults is the per-agent configuration layer.
type AgentDefaults struct {
	Backend string
	Options options.Options
}

// Config configures a Manager.
type Config struct {
	Registry *adapters.Registry
	// Router picks a backend for new sessions. When nil, sessions must name
	// their backend explicitly or through AgentDefaults.
	Router  *routing.Router
	Store   Store
	Logger  *slog.Logger
	Metrics *telemetry.Metrics

	Defaults options.Options
	Agents   map[string]AgentDefaults

	// IdleTTL evicts idle sessions after this long without activity. Zero
	// disables eviction.
	IdleTTL       time.Duration
	CancelGrace   time.Duration
	SweepSchedule string
	ProbeSchedule string

	Now func() time.Time
}

// Manager owns every session and serializes transitions per session key.
// Operations on different keys proceed in parallel.
type Manager struct {
	registry *adapters.Registry
	router   *routing.Router
	store    Store
	logger   *slog.Logger
	metrics  *telemetry.Metrics

	idleTTL       time.Duration
	cancelGrace   time.Duration
	sweepSchedule string
	probeSchedule string
	now           func() time.Time

	defaultsMu sync.RWMutex
	defaults   options.Options
	agents     map[string]AgentDefaults

	mu       sync.Mutex
	sessions map[string]*entry

	flight singleflight.Group
	cron   *cron.Cron
}

// entry is the live state of one session. mu guards every field except key.
type entry struct {
	key string

	mu        sync.Mutex
	rec       *Record
	adapter   adapters.Adapter
	handle    adapters.Handle
	hasHandle bool
	// busy is held by a turn from admission until it settles, including any
	// ensure it triggers.
	busy bool
	turn *activeTurn
}

type activeTurn struct {
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	started   time.Time
	requestID string
	backend   string
	mode      options.Mode
}

// Status is the externally visible view of a session.
type Status struct {
	SessionKey       string                `json:"session_key"`
	Backend          string                `json:"backend"`
	Agent            string                `json:"agent"`
	RuntimeSessionID string                `json:"runtime_session_id,omitempty"`
	BackendSessionID string                `json:"backend_session_id,omitempty"`
	Mode             options.Mode          `json:"mode"`
	State            State                 `json:"state"`
	RuntimeOptions   options.Options       `json:"runtime_options"`
	Capabilities     adapters.Capabilities `json:"capabilities"`
	Handle           string                `json:"handle,omitempty"`
	LastActivityAt   time.Time             `json:"last_activity_at"`
	LastError        string                `json:"last_error,omitempty"`
}

// EnsureRequest asks for a session to exist and be ready for turns.
type EnsureRequest struct {
	SessionKey string
	// Agent defaults to the id embedded in keys of the form agent:<id>:...
	Agent string
	// Backend overrides routing for a new session.
	Backend string
	Mode    options.Mode
	Cwd     string
}

// TurnRequest is one prompt for an ensured session.
type TurnRequest struct {
	SessionKey string
	Text       string
	// RequestID correlates the turn's events; one is generated when empty.
	RequestID string
}

// NewManager creates a manager. Call Start to run background eviction and
// health probes.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		registry:      cfg.Registry,
		router:        cfg.Router,
		store:         cfg.Store,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
		idleTTL:       cfg.IdleTTL,
		cancelGrace:   cfg.CancelGrace,
		sweepSchedule: cfg.SweepSchedule,
		probeSchedule: cfg.ProbeSchedule,
		now:           cfg.Now,
		defaults:      cfg.Defaults.Normalize(),
		agents:        cfg.Agents,
		sessions:      make(map[string]*entry),
	}
	if m.registry == nil {
		m.registry = adapters.NewRegistry()
	}
	if m.store == nil {
		m.store = NewMemoryStore()
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.cancelGrace <= 0 {
		m.cancelGrace = defaultCancelGrace
	}
	if m.sweepSchedule == "" {
		m.sweepSchedule = defaultSchedule
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// SetDefaults replaces the global and per-agent option layers. Running turns
// keep the options they started with.
func (m *Manager) SetDefaults(defaults options.Options, agents map[string]AgentDefaults) {
	m.defaultsMu.Lock()
	defer m.defaultsMu.Unlock()
	m.defaults = defaults.Normalize()
	m.agents = agents
}

func (m *Manager) agentDefaults(agent string) AgentDefaults {
	m.defaultsMu.RLock()
	defer m.defaultsMu.RUnlock()
	return m.agents[agent]
}

// effective merges global < agent < session options. Called with e.mu held.
func (m *Manager) effective(e *entry) options.Options {
	m.defaultsMu.RLock()
	global := m.defaults
	agent := m.agents[e.rec.Agent].Options
	m.defaultsMu.RUnlock()

	eff := options.Merge(global, agent, e.rec.Options)
	if eff.Mode == "" {
		eff.Mode = options.ModePersistent
	}
	return eff
}

// Start probes every backend once and schedules idle eviction and periodic
// re-probes.
func (m *Manager) Start(ctx context.Context) error {
	c := cron.New()
	if m.idleTTL > 0 {
		if _, err := c.AddFunc(m.sweepSchedule, func() { m.EvictIdle(ctx) }); err != nil {
			return fmt.Errorf("sweep schedule %q: %w", m.sweepSchedule, err)
		}
	}
	if m.probeSchedule != "" {
		if _, err := c.AddFunc(m.probeSchedule, func() { m.ProbeBackends(ctx) }); err != nil {
			return fmt.Errorf("probe schedule %q: %w", m.probeSchedule, err)
		}
	}
	m.ProbeBackends(ctx)
	c.Start()
	m.cron = c
	return nil
}

// Stop halts the background jobs and waits for a running job to finish.
func (m *Manager) Stop() {
	if m.cron != nil {
		<-m.cron.Stop().Done()
	}
}

// ProbeBackends probes every registered adapter and publishes the result.
func (m *Manager) ProbeBackends(ctx context.Context) map[string]bool {
	health := m.registry.ProbeAll(ctx)
	for name, ok := range health {
		m.metrics.SetBackendHealth(name, ok)
		if !ok {
			m.logger.Warn("backend unavailable", "backend", name)
		}
	}
	return health
}

// Health returns the last known health of every backend.
func (m *Manager) Health() map[string]bool {
	return m.registry.Health()
}

func notFound(key string) error {
	return adapters.Wrap(adapters.CodeUsage, adapters.FallbackSessionNotFound, fmt.Sprintf("session %q", key), ErrNotFound)
}

func busy(key string) error {
	return adapters.NewError(adapters.CodeUsage, adapters.FallbackSessionBusy,
		fmt.Sprintf("session %q already has a running turn", key))
}

// setState moves e to the given state. Called with e.mu held.
func (m *Manager) setState(e *entry, to State) error {
	from := e.rec.State
	if from == to {
		return nil
	}
	if !canTransition(from, to) {
		return &transitionError{from: from, to: to}
	}
	e.rec.State = to
	m.metrics.RecordTransition(string(from), string(to))
	m.logger.Debug("session state", "session_key", e.key, "from", from, "to", to)
	return nil
}

// persist saves a snapshot of e's record. Called with e.mu held; store
// failures are logged and never fail the operation.
func (m *Manager) persist(e *entry) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := m.store.Save(ctx, e.rec); err != nil {
		m.logger.Warn("persisting session failed", "session_key", e.key, "error", err)
	}
}

func (m *Manager) touch(e *entry) {
	e.rec.LastActivityAt = m.now()
}

// status renders e. Called with e.mu held.
func (m *Manager) status(e *entry) Status {
	eff := m.effective(e)
	st := Status{
		SessionKey:       e.key,
		Backend:          e.rec.Backend,
		Agent:            e.rec.Agent,
		RuntimeSessionID: e.rec.RuntimeSessionID,
		BackendSessionID: e.rec.BackendSessionID,
		Mode:             eff.Mode,
		State:            e.rec.State,
		RuntimeOptions:   eff,
		LastActivityAt:   e.rec.LastActivityAt,
		LastError:        e.rec.LastError,
	}
	if e.hasHandle {
		st.Handle = e.handle.Value
	}
	if e.adapter != nil {
		st.Capabilities = e.adapter.Capabilities(e.handle)
	}
	return st
}

// ready reports whether e holds a handle usable for the next turn. Called
// with e.mu held.
func (m *Manager) ready(e *entry) bool {
	if !e.hasHandle {
		return false
	}
	switch e.rec.State {
	case StateIdle, StateRunning, StateCancelling:
	default:
		return false
	}
	return m.effective(e).Cwd == e.rec.Cwd
}

// lookup finds a live session, falling back to the store for sessions
// created by another manager instance.
func (m *Manager) lookup(ctx context.Context, key string) (*entry, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, adapters.NewError(adapters.CodeUsage, adapters.FallbackSessionNotFound, "session key is required")
	}
	m.mu.Lock()
	e, ok := m.sessions[key]
	m.mu.Unlock()
	if ok {
		return e, nil
	}

	rec, err := m.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			m.logger.Warn("loading session failed", "session_key", key, "error", err)
		}
		return nil, notFound(key)
	}
	if e := m.adopt(rec); e != nil {
		return e, nil
	}
	return nil, notFound(key)
}

// adopt registers a persisted record, unless the key is already live. Turns
// that were in flight come back idle. Closed records are discarded.
func (m *Manager) adopt(rec *Record) *entry {
	switch rec.State {
	case StateClosing, StateClosed:
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		_ = m.store.Delete(ctx, rec.SessionKey)
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.sessions[rec.SessionKey]; ok {
		return e
	}

	e := &entry{key: rec.SessionKey, rec: rec.Clone()}
	if h, ok := adapters.DecodeHandle(rec.SessionKey, rec.Handle); ok {
		e.handle = h
		e.hasHandle = true
	}
	if a, err := m.registry.Get(rec.Backend); err == nil {
		e.adapter = a
	}

	// Controls held by this process's adapters were never applied to the
	// adopted handle.
	e.rec.Signature = ""

	switch {
	case e.adapter == nil:
		e.rec.State = StateErrored
		e.rec.LastError = fmt.Sprintf("backend %q is not registered", rec.Backend)
	case rec.State == StateRunning || rec.State == StateCancelling || rec.State == StateEnsuring:
		e.rec.State = StateIdle
		e.rec.LastError = restartError
		if !e.hasHandle {
			e.rec.State = StateUninitialized
		}
	case !e.hasHandle && rec.State == StateIdle:
		e.rec.State = StateUninitialized
	}
	m.sessions[e.key] = e
	m.metrics.RecordTransition("", string(e.rec.State))
	return e
}

// create registers a new session, resolving its backend.
func (m *Manager) create(req EnsureRequest, key, agent string) (*entry, error) {
	override := req.Backend
	if override == "" {
		override = m.agentDefaults(agent).Backend
	}
	var backend string
	switch {
	case m.router != nil:
		b, err := m.router.Resolve(routing.Env{
			Agent:      agent,
			SessionKey: key,
			Mode:       string(req.Mode),
			Cwd:        req.Cwd,
		}, override)
		if err != nil {
			return nil, adapters.Wrap(adapters.CodeUsage, adapters.FallbackSessionInitFailed, "routing", err)
		}
		backend = b
	case override != "":
		backend = override
	default:
		return nil, adapters.NewError(adapters.CodeUsage, adapters.FallbackSessionInitFailed,
			fmt.Sprintf("no backend configured for agent %q", agent))
	}
	a, err := m.registry.Get(backend)
	if err != nil {
		return nil, err
	}

	now := m.now()
	e := &entry{
		key:     key,
		adapter: a,
		rec: &Record{
			SessionKey:     key,
			Agent:          agent,
			Backend:        backend,
			State:          StateUninitialized,
			CreatedAt:      now,
			LastActivityAt: now,
		},
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sessions[key]; ok {
		return existing, nil
	}
	m.sessions[key] = e
	m.metrics.RecordTransition("", string(StateUninitialized))
	return e, nil
}

func (m *Manager) remove(e *entry) {
	m.mu.Lock()
	if m.sessions[e.key] == e {
		delete(m.sessions, e.key)
		m.metrics.RecordTransition(string(StateClosed), "")
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := m.store.Delete(ctx, e.key); err != nil {
		m.logger.Warn("deleting session record failed", "session_key", e.key, "error", err)
	}
}

// EnsureSession creates the session or returns the existing one. A session
// with a usable handle is returned without contacting the backend.
func (m *Manager) EnsureSession(ctx context.Context, req EnsureRequest) (Status, error) {
	key := strings.TrimSpace(req.SessionKey)
	if key == "" {
		return Status{}, adapters.NewError(adapters.CodeUsage, adapters.FallbackSessionInitFailed, "session key is required")
	}
	agent := strings.TrimSpace(req.Agent)
	if agent == "" {
		agent = AgentFromKey(key)
	}
	if agent == "" {
		return Status{}, adapters.NewError(adapters.CodeUsage, adapters.FallbackSessionInitFailed,
			fmt.Sprintf("agent is required for session %q", key))
	}
	if req.Mode != "" {
		mode, err := options.ParseMode(string(req.Mode))
		if err != nil {
			return Status{}, adapters.Wrap(adapters.CodeUsage, adapters.FallbackInvalidRuntimeOption, "mode", err)
		}
		req.Mode = mode
	}
	if req.Cwd != "" {
		if err := options.ValidateCwd(req.Cwd); err != nil {
			return Status{}, adapters.Wrap(adapters.CodeUsage, adapters.FallbackInvalidRuntimeOption, "cwd", err)
		}
	}

	e, err := m.lookup(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return Status{}, err
		}
		if e, err = m.create(req, key, agent); err != nil {
			return Status{}, err
		}
	}

	e.mu.Lock()
	switch {
	case e.rec.Agent != agent:
		e.mu.Unlock()
		return Status{}, adapters.NewError(adapters.CodeUsage, adapters.FallbackSessionInitFailed,
			fmt.Sprintf("session %q belongs to agent %q", key, e.rec.Agent))
	case e.rec.State == StateClosing || e.rec.State == StateClosed:
		e.mu.Unlock()
		return Status{}, notFound(key)
	}
	if req.Mode != "" {
		e.rec.Options.Mode = req.Mode
	}
	if req.Cwd != "" {
		e.rec.Options.Cwd = req.Cwd
	}
	e.rec.Options = e.rec.Options.Normalize()
	if m.ready(e) {
		m.touch(e)
		st := m.status(e)
		e.mu.Unlock()
		return st, nil
	}
	e.mu.Unlock()

	if _, err := m.ensure(ctx, e); err != nil {
		return Status{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return m.status(e), nil
}

// ensure creates or re-creates the backend session for e. Concurrent callers
// for the same key share one backend call.
func (m *Manager) ensure(ctx context.Context, e *entry) (adapters.Handle, error) {
	v, err, _ := m.flight.Do(e.key, func() (interface{}, error) {
		e.mu.Lock()
		if e.hasHandle && (e.turn != nil || m.ready(e)) {
			h := e.handle
			e.mu.Unlock()
			return h, nil
		}
		if e.rec.State == StateClosing || e.rec.State == StateClosed {
			e.mu.Unlock()
			return nil, notFound(e.key)
		}
		if e.adapter == nil {
			a, err := m.registry.Get(e.rec.Backend)
			if err != nil {
				e.mu.Unlock()
				return nil, err
			}
			e.adapter = a
		}
		if err := m.setState(e, StateEnsuring); err != nil {
			e.mu.Unlock()
			return nil, adapters.Wrap(adapters.CodeUsage, adapters.FallbackSessionInitFailed, "ensure", err)
		}
		eff := m.effective(e)
		a := e.adapter
		in := adapters.EnsureInput{
			SessionKey: e.key,
			Agent:      e.rec.Agent,
			Mode:       eff.Mode,
			Cwd:        eff.Cwd,
			Options:    eff,
		}
		e.mu.Unlock()

		var (
			h   adapters.Handle
			err error
		)
		if !a.IsHealthy() {
			err = adapters.NewError(adapters.CodeUnavailable, adapters.FallbackBackendUnavailable,
				fmt.Sprintf("backend %q is unavailable", a.Name()))
		} else {
			h, err = a.EnsureSession(ctx, in)
		}

		e.mu.Lock()
		if e.rec.State != StateEnsuring {
			e.mu.Unlock()
			if err == nil {
				// Closed while ensuring; the new backend session has no owner.
				m.discard(a, h)
			}
			return nil, notFound(e.key)
		}
		defer e.mu.Unlock()
		if err != nil {
			var ae *adapters.Error
			if !errors.As(err, &ae) {
				err = adapters.Wrap(adapters.CodeRuntime, adapters.FallbackSessionInitFailed, "ensure session", err)
			}
			_ = m.setState(e, StateErrored)
			e.rec.LastError = err.Error()
			e.hasHandle = false
			m.persist(e)
			m.logger.Warn("ensure failed", "session_key", e.key, "backend", e.rec.Backend, "error", err)
			return nil, err
		}

		e.handle = h
		e.hasHandle = true
		e.rec.Handle = h.Value
		e.rec.RuntimeSessionID = h.RuntimeSessionID
		e.rec.BackendSessionID = h.BackendSessionID
		e.rec.Cwd = eff.Cwd
		e.rec.Signature = ""
		e.rec.LastError = ""
		_ = m.setState(e, StateIdle)
		m.touch(e)
		m.persist(e)
		return h, nil
	})
	if err != nil {
		return adapters.Handle{}, err
	}
	return v.(adapters.Handle), nil
}

func (m *Manager) discard(a adapters.Adapter, h adapters.Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := a.Close(ctx, h, "session closed during ensure"); err != nil {
		m.logger.Warn("closing orphaned backend session failed", "session_key", h.SessionKey, "error", err)
	}
}

// RunTurn starts a turn on an ensured session. The returned channel carries
// the turn's events, ends with exactly one terminal event and is then
// closed. The session is settled before the terminal event is delivered.
func (m *Manager) RunTurn(ctx context.Context, req TurnRequest) (<-chan events.Event, error) {
	e, err := m.lookup(ctx, req.SessionKey)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	switch {
	case e.rec.State == StateClosing || e.rec.State == StateClosed:
		e.mu.Unlock()
		return nil, notFound(e.key)
	case e.busy:
		e.mu.Unlock()
		return nil, busy(e.key)
	}
	e.busy = true
	a := e.adapter
	if a == nil || !a.IsHealthy() {
		msg := fmt.Sprintf("backend %q is unavailable", e.rec.Backend)
		_ = m.setState(e, StateErrored)
		e.rec.LastError = msg
		e.busy = false
		m.persist(e)
		e.mu.Unlock()
		return nil, adapters.NewError(adapters.CodeUnavailable, adapters.FallbackBackendUnavailable, msg)
	}
	e.mu.Unlock()

	h, err := m.ensure(ctx, e)
	if err == nil {
		err = m.applyControls(ctx, e, a, h)
	}
	if err != nil {
		e.mu.Lock()
		e.busy = false
		e.mu.Unlock()
		return nil, err
	}

	requestID := req.RequestID
	if requestID == "" {
		requestID = telemetry.NewRequestID()
	}

	e.mu.Lock()
	if e.rec.State == StateClosing || e.rec.State == StateClosed {
		e.busy = false
		e.mu.Unlock()
		return nil, notFound(e.key)
	}
	eff := m.effective(e)
	if err := m.setState(e, StateRunning); err != nil {
		e.busy = false
		e.mu.Unlock()
		return nil, adapters.Wrap(adapters.CodeUsage, adapters.FallbackTurnFailed, "run turn", err)
	}
	turnCtx, cancel := context.WithCancel(ctx)
	t := &activeTurn{
		ctx:       turnCtx,
		cancel:    cancel,
		done:      make(chan struct{}),
		started:   m.now(),
		requestID: requestID,
		backend:   e.rec.Backend,
		mode:      eff.Mode,
	}
	e.turn = t
	m.touch(e)
	m.persist(e)
	e.mu.Unlock()

	logger := telemetry.RequestLogger(m.logger, telemetry.WithRequestID(ctx, requestID), e.key, t.backend)
	logger.Debug("turn started", "options", eff.Summary())

	src, err := a.RunTurn(turnCtx, adapters.TurnInput{
		Handle:    h,
		Text:      req.Text,
		Mode:      eff.Mode,
		RequestID: requestID,
		Options:   eff,
	})
	if err != nil {
		var ae *adapters.Error
		if !errors.As(err, &ae) {
			err = adapters.Wrap(adapters.CodeRuntime, adapters.FallbackTurnFailed, "run turn", err)
		}
		m.settle(e, t, events.Error(requestID, string(adapters.CodeOf(err)), err.Error()))
		cancel()
		return nil, err
	}

	out := make(chan events.Event, 16)
	go m.forward(ctx, e, t, a, h, src, out, logger)
	return out, nil
}

// applyControls pushes the effective options to adapters that bind them to
// the backend session. Nothing is sent while the options signature matches
// the one last applied to the handle. Called with e.busy set.
func (m *Manager) applyControls(ctx context.Context, e *entry, a adapters.Adapter, h adapters.Handle) error {
	e.mu.Lock()
	eff := m.effective(e)
	sig := eff.Signature()
	if sig == e.rec.Signature {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	if c, ok := a.(adapters.Controller); ok {
		err := c.ApplyControls(ctx, h, eff)
		m.metrics.RecordControl("apply", err)
		if err != nil {
			var ae *adapters.Error
			if !errors.As(err, &ae) {
				err = adapters.Wrap(adapters.CodeRuntime, adapters.FallbackTurnFailed, "apply runtime options", err)
			}
			m.logger.Warn("applying runtime options failed", "session_key", e.key, "error", err)
			return err
		}
		m.logger.Debug("runtime options applied", "session_key", e.key, "options", eff.Summary())
	}

	e.mu.Lock()
	e.rec.Signature = sig
	e.mu.Unlock()
	return nil
}

// forward relays a turn's events, enforcing a single terminal event.
func (m *Manager) forward(ctx context.Context, e *entry, t *activeTurn, a adapters.Adapter, h adapters.Handle,
	src <-chan events.Event, out chan<- events.Event, logger *slog.Logger) {
	defer close(out)
	defer t.cancel()

	var term *events.Event
	for ev := range src {
		if term != nil {
			logger.Debug("dropping event after terminal", "type", ev.Type)
			continue
		}
		if ev.RequestID == "" {
			ev.RequestID = t.requestID
		}
		if ev.Terminal() {
			term = &ev
			continue
		}
		if ev.Type == events.TypeToolCall {
			m.metrics.RecordToolCall(t.backend)
		}
		deliver(ctx, out, ev)
	}

	if term == nil {
		ev := events.Error(t.requestID, string(adapters.CodeRuntime), "turn ended without a terminal event")
		if t.ctx.Err() != nil {
			ev = events.Error(t.requestID, string(adapters.CodeCancelled), "turn cancelled")
		}
		term = &ev
	}

	if t.mode == options.ModeEphemeral {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		if err := a.Close(closeCtx, h, "ephemeral turn finished"); err != nil {
			logger.Warn("closing ephemeral session failed", "error", err)
		}
		cancel()
	}

	m.settle(e, t, *term)
	if term.Type == events.TypeError {
		logger.Info("turn failed", "code", term.Code, "message", term.Message)
	} else {
		logger.Debug("turn finished", "stop_reason", term.StopReason)
	}
	deliver(ctx, out, *term)
}

// deliver sends ev unless the caller has gone away, in which case it only
// uses free buffer space.
func deliver(ctx context.Context, out chan<- events.Event, ev events.Event) {
	if ctx.Err() != nil {
		select {
		case out <- ev:
		default:
		}
		return
	}
	select {
	case out <- ev:
	case <-ctx.Done():
	}
}

// settle records a finished turn and releases the session.
func (m *Manager) settle(e *entry, t *activeTurn, term events.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer close(t.done)

	outcome := "done"
	if term.Type == events.TypeError {
		outcome = term.Code
		if outcome == "" {
			outcome = string(adapters.CodeRuntime)
		}
	}
	m.metrics.RecordTurn(t.backend, outcome, m.now().Sub(t.started))

	if e.turn == t {
		e.turn = nil
	}
	e.busy = false
	if e.rec.State == StateClosing || e.rec.State == StateClosed {
		return
	}

	switch {
	case term.Type == events.TypeDone:
		e.rec.LastError = ""
		_ = m.setState(e, StateIdle)
	case outcome == string(adapters.CodeUnavailable):
		e.rec.LastError = term.Message
		_ = m.setState(e, StateErrored)
	default:
		e.rec.LastError = outcome + ": " + term.Message
		_ = m.setState(e, StateIdle)
	}
	if t.mode == options.ModeEphemeral {
		e.hasHandle = false
		e.rec.Handle = ""
	}
	m.touch(e)
	m.persist(e)
}

// Cancel asks the backend to stop the session's running turn. When the turn
// has not ended after the grace period it is terminated locally. The session
// always ends idle or errored. With no running turn the backend is still
// asked to cancel.
func (m *Manager) Cancel(ctx context.Context, key, reason string) error {
	e, err := m.lookup(ctx, key)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if !e.hasHandle || e.adapter == nil {
		e.mu.Unlock()
		return nil
	}
	a, h, t := e.adapter, e.handle, e.turn
	if t != nil && e.rec.State == StateRunning {
		_ = m.setState(e, StateCancelling)
		m.persist(e)
	}
	e.mu.Unlock()

	if err := a.Cancel(ctx, h, reason); err != nil {
		m.logger.Warn("backend cancel failed", "session_key", e.key, "error", err)
	}
	if t == nil {
		return nil
	}
	m.awaitTurn(ctx, e.key, t)
	return nil
}

// awaitTurn waits for t to settle, force-terminating it after the grace
// period.
func (m *Manager) awaitTurn(ctx context.Context, key string, t *activeTurn) {
	grace := time.NewTimer(m.cancelGrace)
	defer grace.Stop()
	select {
	case <-t.done:
		return
	case <-ctx.Done():
	case <-grace.C:
		m.logger.Warn("turn still running after cancel, terminating", "session_key", key, "grace", m.cancelGrace)
	}
	t.cancel()

	grace.Reset(m.cancelGrace)
	select {
	case <-t.done:
	case <-grace.C:
		m.logger.Warn("turn did not settle after termination", "session_key", key)
	}
}

// Close ends the session: any running turn is cancelled, the backend session
// is closed and the session is forgotten. Closing an unknown session is a
// no-op.
func (m *Manager) Close(ctx context.Context, key, reason string) error {
	e, err := m.lookup(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	_, err = m.closeEntry(ctx, e, reason, nil)
	return err
}

// closeEntry closes e when admit (if set) accepts it. It reports whether the
// session was closed by this call.
func (m *Manager) closeEntry(ctx context.Context, e *entry, reason string, admit func(*entry) bool) (bool, error) {
	e.mu.Lock()
	if e.rec.State == StateClosing || e.rec.State == StateClosed || (admit != nil && !admit(e)) {
		e.mu.Unlock()
		return false, nil
	}
	_ = m.setState(e, StateClosing)
	a, h, has, t := e.adapter, e.handle, e.hasHandle, e.turn
	e.mu.Unlock()

	if t != nil {
		if has {
			if err := a.Cancel(ctx, h, reason); err != nil {
				m.logger.Warn("backend cancel failed", "session_key", e.key, "error", err)
			}
		}
		t.cancel()
		m.awaitTurn(ctx, e.key, t)
	}

	var closeErr error
	if has && a != nil {
		closeErr = a.Close(ctx, h, reason)
	}

	e.mu.Lock()
	_ = m.setState(e, StateClosed)
	e.hasHandle = false
	e.mu.Unlock()
	m.remove(e)

	if closeErr != nil {
		m.logger.Warn("backend close failed", "session_key", e.key, "error", closeErr)
		return true, fmt.Errorf("close session %q: %w", e.key, closeErr)
	}
	m.logger.Debug("session closed", "session_key", e.key, "reason", reason)
	return true, nil
}

// CancelHandle cancels through a handle value alone, for sessions this
// manager has never seen.
func (m *Manager) CancelHandle(ctx context.Context, value, reason string) error {
	a, h, err := m.resolveHandle(value)
	if err != nil {
		return err
	}
	if e := m.liveByHandle(value, h.RuntimeSessionName); e != nil {
		return m.Cancel(ctx, e.key, reason)
	}
	return a.Cancel(ctx, h, reason)
}

// CloseHandle closes through a handle value alone, for sessions this manager
// has never seen.
func (m *Manager) CloseHandle(ctx context.Context, value, reason string) error {
	a, h, err := m.resolveHandle(value)
	if err != nil {
		return err
	}
	if e := m.liveByHandle(value, h.RuntimeSessionName); e != nil {
		_, err := m.closeEntry(ctx, e, reason, nil)
		return err
	}
	return a.Close(ctx, h, reason)
}

// liveByHandle finds the live session holding the handle value. Backend
// session names need not match session keys, so the name is only a fallback
// for handles issued before a re-ensure.
func (m *Manager) liveByHandle(value, name string) *entry {
	m.mu.Lock()
	all := make([]*entry, 0, len(m.sessions))
	for _, e := range m.sessions {
		all = append(all, e)
	}
	byName := m.sessions[name]
	m.mu.Unlock()

	for _, e := range all {
		e.mu.Lock()
		match := e.hasHandle && e.handle.Value == value
		e.mu.Unlock()
		if match {
			return e
		}
	}
	return byName
}

func (m *Manager) resolveHandle(value string) (adapters.Adapter, adapters.Handle, error) {
	st, err := handle.Parse(value)
	if err != nil {
		return nil, adapters.Handle{}, adapters.Wrap(adapters.CodeUsage, adapters.FallbackSessionNotFound, "decode handle", err)
	}
	a, err := m.registry.Get(st.Backend)
	if err != nil {
		return nil, adapters.Handle{}, err
	}
	h, _ := adapters.DecodeHandle(st.Name, value)
	return a, h, nil
}

// CloseAll closes every live session concurrently.
func (m *Manager) CloseAll(ctx context.Context, reason string) error {
	m.mu.Lock()
	all := make([]*entry, 0, len(m.sessions))
	for _, e := range m.sessions {
		all = append(all, e)
	}
	m.mu.Unlock()

	var g errgroup.Group
	g.SetLimit(8)
	for _, e := range all {
		g.Go(func() error {
			_, err := m.closeEntry(ctx, e, reason, nil)
			return err
		})
	}
	return g.Wait()
}

// EvictIdle closes sessions without a running turn whose last activity is
// older than the idle TTL. It returns the number evicted.
func (m *Manager) EvictIdle(ctx context.Context) int {
	if m.idleTTL <= 0 {
		return 0
	}
	cutoff := m.now().Add(-m.idleTTL)

	m.mu.Lock()
	all := make([]*entry, 0, len(m.sessions))
	for _, e := range m.sessions {
		all = append(all, e)
	}
	m.mu.Unlock()

	idle := func(e *entry) bool {
		if e.busy || e.turn != nil {
			return false
		}
		switch e.rec.State {
		case StateIdle, StateUninitialized, StateErrored:
		default:
			return false
		}
		return e.rec.LastActivityAt.Before(cutoff)
	}

	evicted := 0
	for _, e := range all {
		closed, err := m.closeEntry(ctx, e, "idle ttl expired", idle)
		if !closed {
			continue
		}
		evicted++
		m.metrics.RecordEviction()
		m.logger.Info("evicted idle session", "session_key", e.key, "idle_ttl", m.idleTTL, "error", err)
	}
	return evicted
}

// Status returns the status of one session.
func (m *Manager) Status(ctx context.Context, key string) (Status, error) {
	e, err := m.lookup(ctx, key)
	if err != nil {
		return Status{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return m.status(e), nil
}

// List returns the status of every live session sorted by key.
func (m *Manager) List() []Status {
	m.mu.Lock()
	all := make([]*entry, 0, len(m.sessions))
	for _, e := range m.sessions {
		all = append(all, e)
	}
	m.mu.Unlock()

	out := make([]Status, 0, len(all))
	for _, e := range all {
		e.mu.Lock()
		out = append(out, m.status(e))
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionKey < out[j].SessionKey })
	return out
}

// Restore rebuilds the registry from the store. Sessions whose turn was in
// flight come back idle with lastError "interrupted by restart".
func (m *Manager) Restore(ctx context.Context) (int, error) {
	records, err := m.store.List(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("restore sessions: %w", err)
	}
	n := 0
	for _, rec := range records {
		e := m.adopt(rec)
		if e == nil {
			continue
		}
		e.mu.Lock()
		m.persist(e)
		e.mu.Unlock()
		n++
	}
	m.logger.Info("restored sessions", "count", n)
	return n, nil
}
