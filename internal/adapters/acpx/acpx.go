// Package acpx implements the runtime adapter for the acpx agent CLI. Every
// call spawns the CLI; sessions live on the acpx side and are addressed by
// name.
package acpx

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/szaher/acprelay/internal/adapters"
	"github.com/szaher/acprelay/internal/events"
	"github.com/szaher/acprelay/internal/handle"
	"github.com/szaher/acprelay/internal/options"
)

// BackendID is the registry id of this adapter.
const BackendID = "acpx"

const (
	defaultControlTimeout = 30 * time.Second
	defaultWaitDelay      = 2 * time.Second
	maxLineSize           = 1024 * 1024
	stderrTailSize        = 4096
)

// Config configures the adapter.
type Config struct {
	// Command is the acpx executable.
	Command string
	// Args are inserted before every subcommand.
	Args []string
	// Cwd is used when a session does not name one.
	Cwd string
	// NonInteractivePermissions is passed as --non-interactive-permissions.
	NonInteractivePermissions string
	// TTLSeconds is passed as --ttl on persistent turns when positive.
	TTLSeconds int
	// ControlTimeout bounds ensure, cancel, close and probe calls.
	ControlTimeout time.Duration
	// WaitDelay bounds how long a killed process may hold its pipes open.
	WaitDelay time.Duration
}

// Adapter drives the acpx CLI.
type Adapter struct {
	cfg        Config
	logger     *slog.Logger
	translator *events.Translator
	healthy    atomic.Bool
}

// New creates an adapter. It reports healthy until a probe or a call
// finds the command missing.
func New(cfg Config, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Command == "" {
		cfg.Command = "acpx"
	}
	if cfg.NonInteractivePermissions == "" {
		cfg.NonInteractivePermissions = "fail"
	}
	if cfg.ControlTimeout <= 0 {
		cfg.ControlTimeout = defaultControlTimeout
	}
	if cfg.WaitDelay <= 0 {
		cfg.WaitDelay = defaultWaitDelay
	}
	if cfg.Cwd == "" {
		if wd, err := os.Getwd(); err == nil {
			cfg.Cwd = wd
		}
	}
	logger = logger.With("backend", BackendID)
	a := &Adapter{cfg: cfg, logger: logger, translator: events.NewTranslator(logger)}
	a.healthy.Store(true)
	return a
}

// Name returns the adapter identifier.
func (a *Adapter) Name() string { return BackendID }

// IsHealthy returns the result of the last probe.
func (a *Adapter) IsHealthy() bool { return a.healthy.Load() }

// Capabilities returns the controls acpx sessions support. Config keys are
// not restricted; unknown keys travel as backend extras.
func (a *Adapter) Capabilities(adapters.Handle) adapters.Capabilities {
	return adapters.Capabilities{
		Controls: []adapters.Control{
			adapters.ControlSetMode,
			adapters.ControlSetConfigOption,
			adapters.ControlStatus,
		},
	}
}

// ProbeAvailability runs `acpx --version`. Exit status 0 means healthy.
func (a *Adapter) ProbeAvailability(ctx context.Context) error {
	args := append(append([]string{}, a.cfg.Args...), "--version")
	res := a.run(ctx, a.cfg.Cwd, args)
	if res.startErr != nil {
		a.healthy.Store(false)
		return a.startError(res.startErr, adapters.FallbackBackendUnavailable)
	}
	if res.code != 0 {
		a.healthy.Store(false)
		return adapters.NewError(adapters.CodeUnavailable, adapters.FallbackBackendUnavailable,
			fmt.Sprintf("acpx --version exited with code %d", res.code))
	}
	a.healthy.Store(true)
	return nil
}

// EnsureSession runs `sessions ensure --name <sessionKey>` and returns a
// handle naming the acpx session.
func (a *Adapter) EnsureSession(ctx context.Context, in adapters.EnsureInput) (adapters.Handle, error) {
	name := strings.TrimSpace(in.SessionKey)
	if name == "" {
		return adapters.Handle{}, adapters.NewError(adapters.CodeUsage, adapters.FallbackSessionInitFailed, "session key is required")
	}
	agent := strings.TrimSpace(in.Agent)
	if agent == "" {
		return adapters.Handle{}, adapters.NewError(adapters.CodeUsage, adapters.FallbackSessionInitFailed, "agent id is required")
	}
	cwd := strings.TrimSpace(in.Cwd)
	if cwd == "" {
		cwd = a.cfg.Cwd
	}
	if err := os.MkdirAll(cwd, 0o755); err != nil {
		return adapters.Handle{}, adapters.Wrap(adapters.CodeUsage, adapters.FallbackSessionInitFailed, "preparing cwd", err)
	}
	mode := in.Mode
	if mode == "" {
		mode = options.ModePersistent
	}

	lines, err := a.control(ctx, cwd, []string{agent, "sessions", "ensure", "--name", name},
		adapters.FallbackSessionInitFailed, false)
	if err != nil {
		return adapters.Handle{}, err
	}

	st := handle.State{
		Backend: BackendID,
		Name:    name,
		Agent:   agent,
		Cwd:     cwd,
		Mode:    string(mode),
	}
	for _, env := range lines {
		if env.str("type") != "session_ensured" && env.str("sessionId") == "" {
			continue
		}
		if n := env.str("name"); n != "" {
			st.Name = n
		}
		st.RuntimeSessionID = env.str("id")
		st.BackendSessionID = env.str("sessionId")
		break
	}

	a.logger.Debug("session ensured", "session_key", in.SessionKey, "name", st.Name, "cwd", cwd)
	return adapters.NewHandle(in.SessionKey, st), nil
}

// Cancel runs `cancel --session <name>`. Failures are logged, never
// returned, since the turn is also bounded by its own context.
func (a *Adapter) Cancel(ctx context.Context, h adapters.Handle, reason string) error {
	st, err := a.resolve(h)
	if err != nil {
		return err
	}
	lines, err := a.control(ctx, st.Cwd, []string{st.Agent, "cancel", "--session", st.Name},
		adapters.FallbackTurnFailed, true)
	if err != nil {
		a.logger.Warn("cancel failed", "session_key", h.SessionKey, "name", st.Name, "reason", reason, "error", err)
		return nil
	}
	for _, env := range lines {
		if c := env.boolean("cancelled"); c != nil {
			a.logger.Debug("cancel acknowledged", "session_key", h.SessionKey, "cancelled", *c, "reason", reason)
		}
	}
	return nil
}

// Close runs `sessions close <name>`. A missing session counts as closed.
func (a *Adapter) Close(ctx context.Context, h adapters.Handle, reason string) error {
	st, err := a.resolve(h)
	if err != nil {
		return err
	}
	if _, err := a.control(ctx, st.Cwd, []string{st.Agent, "sessions", "close", st.Name},
		adapters.FallbackTurnFailed, true); err != nil {
		return err
	}
	a.logger.Debug("session closed", "session_key", h.SessionKey, "name", st.Name, "reason", reason)
	return nil
}

func (a *Adapter) resolve(h adapters.Handle) (handle.State, error) {
	st, err := handle.Parse(h.Value)
	if err != nil {
		return handle.State{}, adapters.Wrap(adapters.CodeUsage, adapters.FallbackSessionInitFailed, "invalid acpx handle", err)
	}
	if st.Backend != BackendID {
		return handle.State{}, adapters.NewError(adapters.CodeUsage, adapters.FallbackSessionInitFailed,
			fmt.Sprintf("handle belongs to backend %q", st.Backend))
	}
	if st.Agent == "" {
		return handle.State{}, adapters.NewError(adapters.CodeUsage, adapters.FallbackSessionInitFailed, "handle has no agent")
	}
	if st.Cwd == "" {
		st.Cwd = a.cfg.Cwd
	}
	return st, nil
}

// controlArgs prefixes a subcommand with the shared output flags.
func (a *Adapter) controlArgs(cwd string, command []string) []string {
	args := append([]string{}, a.cfg.Args...)
	args = append(args, "--format", "json", "--json-strict", "--cwd", cwd)
	return append(args, command...)
}

// promptArgs builds the argv of one turn.
func (a *Adapter) promptArgs(st handle.State, mode options.Mode, opts options.Options) []string {
	args := append([]string{}, a.cfg.Args...)
	args = append(args, "--format", "json", "--json-strict", "--cwd", st.Cwd)
	args = append(args, permissionArgs(opts.PermissionProfile)...)
	args = append(args, "--non-interactive-permissions", a.cfg.NonInteractivePermissions)
	if opts.TimeoutSeconds > 0 {
		args = append(args, "--timeout", strconv.Itoa(opts.TimeoutSeconds))
	}
	if mode != options.ModeEphemeral && a.cfg.TTLSeconds > 0 {
		args = append(args, "--ttl", strconv.Itoa(a.cfg.TTLSeconds))
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	return append(args, st.Agent, "prompt", "--session", st.Name, "--file", "-")
}

func permissionArgs(profile string) []string {
	switch profile {
	case options.ApproveAll:
		return []string{"--approve-all"}
	case options.DenyAll:
		return []string{"--deny-all"}
	default:
		return []string{"--approve-reads"}
	}
}

// control runs a short-lived subcommand and returns its parsed output lines.
// An in-band error line or a non-zero exit fails the call; NO_SESSION is
// tolerated when ignoreNoSession is set.
func (a *Adapter) control(ctx context.Context, cwd string, command []string, fallback string, ignoreNoSession bool) ([]envelope, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.ControlTimeout)
	defer cancel()

	res := a.run(ctx, cwd, a.controlArgs(cwd, command))
	if res.startErr != nil {
		return nil, a.startError(res.startErr, fallback)
	}

	lines := parseLines(res.stdout)
	for _, env := range lines {
		if env.str("type") != "error" {
			continue
		}
		code := env.str("code")
		if ignoreNoSession && code == "NO_SESSION" {
			return lines, nil
		}
		msg := env.str("message")
		if msg == "" {
			msg = "acpx reported an error"
		}
		if code != "" {
			msg = code + ": " + msg
		}
		return nil, adapters.NewError(adapters.CodeRuntime, fallback, msg)
	}

	if ctx.Err() != nil {
		return nil, adapters.Wrap(adapters.CodeTimeout, fallback, "acpx "+strings.Join(command, " "), ctx.Err())
	}
	if res.code != 0 {
		msg := strings.TrimSpace(res.stderr)
		if msg == "" {
			msg = fmt.Sprintf("acpx exited with code %d", res.code)
		}
		return nil, adapters.NewError(adapters.CodeRuntime, fallback, msg)
	}
	return lines, nil
}

// startError classifies a spawn failure. A missing binary marks the
// adapter unhealthy.
func (a *Adapter) startError(err error, fallback string) error {
	if isCommandMissing(err) {
		a.healthy.Store(false)
		return adapters.Wrap(adapters.CodeUnavailable, adapters.FallbackBackendUnavailable,
			"acpx command not found: "+a.cfg.Command, err)
	}
	return adapters.Wrap(adapters.CodeRuntime, fallback, "starting acpx", err)
}

func isCommandMissing(err error) bool {
	return errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist)
}
