package session

import (
	"context"
	"fmt"

	"github.com/szaher/acprelay/internal/adapters"
	"github.com/szaher/acprelay/internal/options"
)

// ControlResult is returned by every successful option mutation.
type ControlResult struct {
	// Options are the merged effective options the next turn will use.
	Options options.Options `json:"runtime_options"`
	Summary string          `json:"summary"`
}

func unsupported(ctl adapters.Control, backend string) error {
	return adapters.NewError(adapters.CodeUsage, adapters.FallbackBackendUnsupportedControl,
		fmt.Sprintf("backend %q does not support %s", backend, ctl))
}

func invalidOption(err error) error {
	return adapters.Wrap(adapters.CodeUsage, adapters.FallbackInvalidRuntimeOption, "invalid runtime option", err)
}

// GetStatus returns the session status when the backend advertises it.
func (m *Manager) GetStatus(ctx context.Context, key string) (st Status, err error) {
	defer func() { m.metrics.RecordControl(string(adapters.ControlStatus), err) }()

	e, err := m.lookup(ctx, key)
	if err != nil {
		return Status{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.adapter != nil && !e.adapter.Capabilities(e.handle).Supports(adapters.ControlStatus) {
		return Status{}, unsupported(adapters.ControlStatus, e.rec.Backend)
	}
	return m.status(e), nil
}

// SetRuntimeMode switches the session between persistent and ephemeral.
func (m *Manager) SetRuntimeMode(ctx context.Context, key, mode string) (res ControlResult, err error) {
	defer func() { m.metrics.RecordControl(string(adapters.ControlSetMode), err) }()

	parsed, err := options.ParseMode(mode)
	if err != nil {
		return ControlResult{}, invalidOption(err)
	}
	return m.apply(ctx, key, options.Options{Mode: parsed}, func(caps adapters.Capabilities, backend string) error {
		if !caps.Supports(adapters.ControlSetMode) {
			return unsupported(adapters.ControlSetMode, backend)
		}
		return nil
	})
}

// SetConfigOption applies one generic key/value option. Named keys map onto
// typed fields; anything else is passed to the backend as an extra.
func (m *Manager) SetConfigOption(ctx context.Context, key, optKey, value string) (res ControlResult, err error) {
	defer func() { m.metrics.RecordControl(string(adapters.ControlSetConfigOption), err) }()

	patch, err := options.PatchFromConfigOption(optKey, value)
	if err != nil {
		return ControlResult{}, invalidOption(err)
	}
	return m.apply(ctx, key, patch, func(caps adapters.Capabilities, backend string) error {
		if !caps.Supports(adapters.ControlSetConfigOption) {
			return unsupported(adapters.ControlSetConfigOption, backend)
		}
		if !caps.AcceptsKey(optKey) {
			return adapters.NewError(adapters.CodeUsage, adapters.FallbackBackendUnsupportedControl,
				fmt.Sprintf("backend %q does not accept config option %q", backend, optKey))
		}
		return nil
	})
}

// UpdateRuntimeOptions merges patch into the session's options. Unset patch
// fields leave the current values alone.
func (m *Manager) UpdateRuntimeOptions(ctx context.Context, key string, patch options.Options) (res ControlResult, err error) {
	defer func() { m.metrics.RecordControl("update_runtime_options", err) }()

	patch = patch.Normalize()
	if err := patch.Validate(); err != nil {
		return ControlResult{}, invalidOption(err)
	}
	return m.apply(ctx, key, patch, nil)
}

// ResetRuntimeOptions clears the session's overrides and closes its backend
// session. The next turn re-ensures with the default layers.
func (m *Manager) ResetRuntimeOptions(ctx context.Context, key string) (res ControlResult, err error) {
	defer func() { m.metrics.RecordControl("reset_runtime_options", err) }()

	e, err := m.lookup(ctx, key)
	if err != nil {
		return ControlResult{}, err
	}

	e.mu.Lock()
	switch {
	case e.rec.State == StateClosing || e.rec.State == StateClosed:
		e.mu.Unlock()
		return ControlResult{}, notFound(e.key)
	case e.busy:
		e.mu.Unlock()
		return ControlResult{}, busy(e.key)
	}
	e.busy = true
	a, h, has := e.adapter, e.handle, e.hasHandle
	e.mu.Unlock()

	var closeErr error
	if has && a != nil {
		closeErr = a.Close(ctx, h, "runtime options reset")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.busy = false
	if closeErr != nil {
		m.logger.Warn("closing session for reset failed", "session_key", e.key, "error", closeErr)
		return ControlResult{}, adapters.Wrap(adapters.CodeRuntime, adapters.FallbackTurnFailed, "reset runtime options", closeErr)
	}
	e.rec.Options = options.Options{}
	e.hasHandle = false
	e.rec.Handle = ""
	e.rec.Signature = ""
	m.touch(e)
	m.persist(e)

	eff := m.effective(e)
	return ControlResult{Options: eff, Summary: eff.Summary()}, nil
}

// apply validates and merges patch into the session options. It runs check
// against the backend capabilities first. After a cwd change the next turn
// re-ensures the session in the new directory.
func (m *Manager) apply(ctx context.Context, key string, patch options.Options,
	check func(adapters.Capabilities, string) error) (ControlResult, error) {
	e, err := m.lookup(ctx, key)
	if err != nil {
		return ControlResult{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rec.State == StateClosing || e.rec.State == StateClosed {
		return ControlResult{}, notFound(e.key)
	}
	if check != nil && e.adapter != nil {
		if err := check(e.adapter.Capabilities(e.handle), e.rec.Backend); err != nil {
			return ControlResult{}, err
		}
	}

	merged := options.Merge(e.rec.Options, patch)
	if err := merged.Validate(); err != nil {
		return ControlResult{}, invalidOption(err)
	}
	e.rec.Options = merged
	m.touch(e)
	m.persist(e)

	eff := m.effective(e)
	if e.hasHandle && eff.Cwd != e.rec.Cwd {
		m.logger.Debug("cwd changed, session will be re-ensured", "session_key", e.key, "cwd", eff.Cwd)
	}
	m.logger.Debug("runtime options updated", "session_key", e.key, "options", eff.Summary())
	return ControlResult{Options: eff, Summary: eff.Summary()}, nil
}
