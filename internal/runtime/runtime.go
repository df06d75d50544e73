// Package runtime assembles the relay from configuration: backends, session
// store, session manager and the HTTP gateway.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/szaher/acprelay/internal/adapters"
	"github.com/szaher/acprelay/internal/adapters/acpx"
	"github.com/szaher/acprelay/internal/adapters/anthropic"
	"github.com/szaher/acprelay/internal/auth"
	"github.com/szaher/acprelay/internal/config"
	"github.com/szaher/acprelay/internal/llm"
	"github.com/szaher/acprelay/internal/secrets"
	"github.com/szaher/acprelay/internal/session"
	"github.com/szaher/acprelay/internal/telemetry"
)

const (
	shutdownTimeout = 15 * time.Second
	etcdDialTimeout = 5 * time.Second
)

// Options configures the runtime.
type Options struct {
	// ConfigPath is watched for live changes to option defaults when set.
	ConfigPath string
	Logger     *slog.Logger
	// NoAuth serves the gateway without an API key.
	NoAuth bool
	// LLMClient replaces the Anthropic SDK client.
	LLMClient llm.Client
	// Store replaces the configured session store.
	Store session.Store
	// Adapters are registered after the configured backends.
	Adapters []adapters.Adapter
	// Redactor, when set, masks the resolved credentials in logs.
	Redactor *secrets.Redactor
	Version  string
}

// Runtime owns every long-lived component of a relay process.
type Runtime struct {
	cfg     *config.Config
	opts    Options
	logger  *slog.Logger
	metrics *telemetry.Metrics

	registry *adapters.Registry
	store    session.Store
	manager  *session.Manager
	server   *Server
	closers  []func() error

	mu          sync.Mutex
	httpServer  *http.Server
	stopWatch   context.CancelFunc
	watchDone   chan struct{}
	shutdownErr error
	once        sync.Once
}

// New builds a runtime from cfg. It connects to the session store but starts
// nothing; call Start, then Serve.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := telemetry.NewMetrics()

	registry := adapters.NewRegistry(BuildAdapters(cfg, opts.LLMClient, logger)...)
	for _, a := range opts.Adapters {
		registry.Register(a)
	}
	if len(registry.List()) == 0 {
		return nil, errors.New("no backends enabled")
	}

	router, err := cfg.Router()
	if err != nil {
		return nil, fmt.Errorf("routing: %w", err)
	}
	for _, b := range router.Backends() {
		if !slices.Contains(registry.List(), b) {
			logger.Warn("routing names a backend that is not enabled", "backend", b)
		}
	}

	apiKey, err := secrets.Resolve(cfg.Server.APIKey)
	if err != nil {
		return nil, fmt.Errorf("server.apiKey: %w", err)
	}
	if apiKey == "" {
		apiKey = auth.KeyFromEnv()
	}
	opts.Redactor.Add(apiKey)
	if cfg.Backends.Anthropic.Enabled {
		opts.Redactor.Add(os.Getenv(cfg.Backends.Anthropic.APIKeyEnv))
	}

	rt := &Runtime{cfg: cfg, opts: opts, logger: logger, metrics: metrics, registry: registry}

	store := opts.Store
	if store == nil {
		s, closer, err := OpenStore(ctx, cfg.Store)
		if err != nil {
			return nil, err
		}
		store = s
		if closer != nil {
			rt.closers = append(rt.closers, closer)
		}
	}
	rt.store = store

	rt.manager = session.NewManager(session.Config{
		Registry:      registry,
		Router:        router,
		Store:         store,
		Logger:        logger,
		Metrics:       metrics,
		Defaults:      cfg.Defaults,
		Agents:        AgentDefaults(cfg),
		IdleTTL:       cfg.Sessions.IdleTTL.Std(),
		CancelGrace:   cfg.Sessions.CancelGrace.Std(),
		SweepSchedule: everySchedule(cfg.Sessions.SweepInterval.Std()),
		ProbeSchedule: cfg.Sessions.ProbeSchedule,
	})

	rt.server = NewServer(rt.manager,
		WithLogger(logger),
		WithMetrics(metrics),
		WithAPIKey(apiKey),
		WithNoAuth(opts.NoAuth),
		WithVersion(opts.Version),
	)
	return rt, nil
}

// BuildAdapters creates the backends enabled in cfg. client replaces the
// Anthropic SDK client when non-nil.
func BuildAdapters(cfg *config.Config, client llm.Client, logger *slog.Logger) []adapters.Adapter {
	var out []adapters.Adapter
	if c := cfg.Backends.Acpx; c.Enabled {
		out = append(out, acpx.New(acpx.Config{
			Command:                   c.Command,
			Args:                      c.Args,
			Cwd:                       c.Cwd,
			NonInteractivePermissions: c.NonInteractivePermissions,
			TTLSeconds:                c.TTLSeconds,
		}, logger))
	}
	if c := cfg.Backends.Anthropic; c.Enabled {
		key := os.Getenv(c.APIKeyEnv)
		if client == nil && key != "" {
			client = llm.NewAnthropicClient(key)
		}
		out = append(out, anthropic.New(client, anthropic.Config{
			Model:     c.Model,
			MaxTokens: c.MaxTokens,
			System:    c.System,
			APIKey:    key,
		}, logger))
	}
	return out
}

// AgentDefaults converts the agents section into manager defaults.
func AgentDefaults(cfg *config.Config) map[string]session.AgentDefaults {
	out := make(map[string]session.AgentDefaults, len(cfg.Agents))
	for id, a := range cfg.Agents {
		out[id] = session.AgentDefaults{Backend: a.Backend, Options: a.Options.Clone()}
	}
	return out
}

// OpenStore connects to the configured session store. The returned closer,
// when non-nil, releases its connections.
func OpenStore(ctx context.Context, sc config.StoreConfig) (session.Store, func() error, error) {
	switch sc.Kind {
	case "", config.StoreMemory:
		return session.NewMemoryStore(), nil, nil
	case config.StoreFile:
		return session.NewFileStore(sc.Path), nil, nil
	case config.StorePostgres:
		s, err := session.NewPostgresStore(ctx, sc.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, func() error { s.Close(); return nil }, nil
	case config.StoreEtcd:
		client, err := session.DialEtcd(sc.Endpoints, etcdDialTimeout)
		if err != nil {
			return nil, nil, err
		}
		kv := session.NewEtcdKV(client)
		return session.NewEtcdStore(kv, session.WithPrefix(sc.Prefix)), kv.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store kind %q", sc.Kind)
	}
}

func everySchedule(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	return "@every " + d.String()
}

// Manager returns the session manager.
func (rt *Runtime) Manager() *session.Manager { return rt.manager }

// Registry returns the backend registry.
func (rt *Runtime) Registry() *adapters.Registry { return rt.registry }

// Handler returns the gateway handler.
func (rt *Runtime) Handler() http.Handler { return rt.server.Handler() }

// Restore reloads persisted sessions into the manager.
func (rt *Runtime) Restore(ctx context.Context) error {
	if _, err := rt.manager.Restore(ctx); err != nil {
		return err
	}
	return nil
}

// StoredSessions lists every persisted session record, including those owned
// by other relay processes sharing the store.
func (rt *Runtime) StoredSessions(ctx context.Context) ([]*session.Record, error) {
	return rt.store.List(ctx, "")
}

// Start restores persisted sessions, starts eviction and health probes and,
// with a config path, the config watcher.
func (rt *Runtime) Start(ctx context.Context) error {
	if err := rt.Restore(ctx); err != nil {
		return err
	}
	if err := rt.manager.Start(ctx); err != nil {
		return err
	}
	if rt.opts.ConfigPath == "" {
		return nil
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	rt.mu.Lock()
	rt.stopWatch, rt.watchDone = cancel, done
	rt.mu.Unlock()
	go func() {
		defer close(done)
		if err := config.Watch(watchCtx, rt.opts.ConfigPath, rt.logger, rt.Reload); err != nil {
			rt.logger.Warn("config watcher stopped", "error", err)
		}
	}()
	return nil
}

// Reload applies the option defaults of cfg. Other sections need a restart.
func (rt *Runtime) Reload(cfg *config.Config) {
	rt.manager.SetDefaults(cfg.Defaults, AgentDefaults(cfg))
	rt.logger.Info("option defaults reloaded", "agents", len(cfg.Agents), "defaults", cfg.Defaults.Summary())
}

// Serve runs the gateway on addr until ctx is done, then shuts down.
func (rt *Runtime) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           rt.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	rt.mu.Lock()
	rt.httpServer = srv
	rt.mu.Unlock()

	switch {
	case rt.server.noAuth:
		rt.logger.Warn("gateway starting without authentication")
	case rt.server.apiKey == "":
		rt.logger.Warn("no API key configured: all session requests will be rejected; set server.apiKey or " + auth.DefaultEnvVar)
	}

	errCh := make(chan error, 1)
	go func() {
		rt.logger.Info("gateway listening", "addr", addr, "backends", rt.registry.List())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return rt.Shutdown(shutdownCtx)
}

// Shutdown stops the gateway, background jobs and store connections. Backend
// sessions are left open so a restarted relay can restore them. Safe to call
// more than once.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	rt.once.Do(func() {
		rt.logger.Info("shutting down")
		var errs []error

		rt.mu.Lock()
		srv, stopWatch, watchDone := rt.httpServer, rt.stopWatch, rt.watchDone
		rt.mu.Unlock()

		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil {
				// Streams still open past the deadline are cut.
				_ = srv.Close()
				errs = append(errs, fmt.Errorf("shutdown server: %w", err))
			}
		}
		if stopWatch != nil {
			stopWatch()
			<-watchDone
		}
		rt.manager.Stop()
		for _, c := range rt.closers {
			if err := c(); err != nil {
				errs = append(errs, fmt.Errorf("close store: %w", err))
			}
		}
		rt.shutdownErr = errors.Join(errs...)
	})
	return rt.shutdownErr
}
