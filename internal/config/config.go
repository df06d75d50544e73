// Package config loads relay configuration from a YAML or JSONC file with
// environment overrides, and watches the file for live changes.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/szaher/acprelay/internal/options"
	"github.com/szaher/acprelay/internal/routing"
)

// Duration is a time.Duration that decodes from "90s"-style strings or a
// bare number of seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := parseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return v, nil
}

// AgentConfig holds per-agent defaults.
type AgentConfig struct {
	// Backend pins the agent to a backend, bypassing routing rules.
	Backend string          `yaml:"backend,omitempty"`
	Options options.Options `yaml:"options,omitempty"`
}

// AcpxConfig configures the acpx CLI backend.
type AcpxConfig struct {
	Enabled                   bool     `yaml:"enabled"`
	Command                   string   `yaml:"command"`
	Args                      []string `yaml:"args,omitempty"`
	Cwd                       string   `yaml:"cwd,omitempty"`
	NonInteractivePermissions string   `yaml:"nonInteractivePermissions"`
	TTLSeconds                int      `yaml:"ttlSeconds,omitempty"`
}

// AnthropicConfig configures the SDK-backed backend.
type AnthropicConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"maxTokens"`
	APIKeyEnv string `yaml:"apiKeyEnv"`
	System    string `yaml:"system,omitempty"`
}

// BackendsConfig groups backend settings.
type BackendsConfig struct {
	Acpx      AcpxConfig      `yaml:"acpx"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
}

// RoutingConfig selects backends for agents.
type RoutingConfig struct {
	Default string         `yaml:"default"`
	Rules   []routing.Rule `yaml:"rules,omitempty"`
}

// SessionsConfig tunes the session manager.
type SessionsConfig struct {
	IdleTTL       Duration `yaml:"idleTTL"`
	SweepInterval Duration `yaml:"sweepInterval"`
	CancelGrace   Duration `yaml:"cancelGrace"`
	// ProbeSchedule is a cron spec for backend health re-probes.
	ProbeSchedule string `yaml:"probeSchedule"`
}

// Store kinds.
const (
	StoreMemory   = "memory"
	StoreFile     = "file"
	StorePostgres = "postgres"
	StoreEtcd     = "etcd"
)

// StoreConfig selects where session records are persisted.
type StoreConfig struct {
	Kind      string   `yaml:"kind"`
	Path      string   `yaml:"path,omitempty"`
	DSN       string   `yaml:"dsn,omitempty"`
	Endpoints []string `yaml:"endpoints,omitempty"`
	Prefix    string   `yaml:"prefix,omitempty"`
}

// ServerConfig configures the HTTP gateway.
type ServerConfig struct {
	Addr   string `yaml:"addr"`
	APIKey string `yaml:"apiKey,omitempty"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Config is the complete relay configuration.
type Config struct {
	Defaults options.Options        `yaml:"defaults"`
	Agents   map[string]AgentConfig `yaml:"agents,omitempty"`
	Backends BackendsConfig         `yaml:"backends"`
	Routing  RoutingConfig          `yaml:"routing"`
	Sessions SessionsConfig         `yaml:"sessions"`
	Store    StoreConfig            `yaml:"store"`
	Server   ServerConfig           `yaml:"server"`
	Log      LogConfig              `yaml:"log"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Defaults: options.Options{
			Mode:              options.ModePersistent,
			PermissionProfile: options.ApproveReads,
			TimeoutSeconds:    300,
		},
		Backends: BackendsConfig{
			Acpx: AcpxConfig{
				Enabled:                   true,
				Command:                   "acpx",
				NonInteractivePermissions: "fail",
			},
			Anthropic: AnthropicConfig{
				Model:     "claude-sonnet-4-5",
				MaxTokens: 4096,
				APIKeyEnv: "ANTHROPIC_API_KEY",
			},
		},
		Routing: RoutingConfig{Default: "acpx"},
		Sessions: SessionsConfig{
			IdleTTL:       Duration(30 * time.Minute),
			SweepInterval: Duration(time.Minute),
			CancelGrace:   Duration(5 * time.Second),
			ProbeSchedule: "@every 1m",
		},
		Store:  StoreConfig{Kind: StoreMemory, Prefix: "acprelay/sessions/"},
		Server: ServerConfig{Addr: ":8080"},
		Log:    LogConfig{Level: "info"},
	}
}

// Load reads the file at path over the defaults, applies environment
// overrides and validates the result. An empty path skips the file.
// The resolution order is:
//  1. Environment variable ACPRELAY_<SECTION>_<KEY>
//  2. Config file (if provided)
//  3. Built-in default
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %q: %w", path, err)
		}
		if err := Parse(data, filepath.Ext(path), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %q: %w", path, err)
		}
	}
	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes data into cfg. JSON and JSONC (by extension) are stripped
// of comments and trailing commas first; YAML is a superset of the result.
func Parse(data []byte, ext string, cfg *Config) error {
	switch strings.ToLower(ext) {
	case ".json", ".jsonc":
		data = jsonc.ToJSON(data)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	return yaml.Unmarshal(data, cfg)
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	if err := c.Defaults.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("defaults: %w", err))
	}
	for id, a := range c.Agents {
		if err := a.Options.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("agents.%s: %w", id, err))
		}
	}
	if _, err := routing.New(c.Routing.Rules, c.Routing.Default); err != nil {
		errs = append(errs, fmt.Errorf("routing: %w", err))
	}
	switch c.Backends.Acpx.NonInteractivePermissions {
	case "deny", "fail":
	default:
		errs = append(errs, fmt.Errorf("backends.acpx.nonInteractivePermissions: must be deny or fail, got %q",
			c.Backends.Acpx.NonInteractivePermissions))
	}
	if c.Backends.Acpx.Enabled && c.Backends.Acpx.Command == "" {
		errs = append(errs, errors.New("backends.acpx.command: required"))
	}
	if c.Backends.Anthropic.Enabled && c.Backends.Anthropic.MaxTokens <= 0 {
		errs = append(errs, errors.New("backends.anthropic.maxTokens: must be positive"))
	}
	if c.Sessions.IdleTTL < 0 || c.Sessions.SweepInterval < 0 || c.Sessions.CancelGrace < 0 {
		errs = append(errs, errors.New("sessions: durations must not be negative"))
	}
	switch c.Store.Kind {
	case StoreMemory:
	case StoreFile:
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path: required for file store"))
		}
	case StorePostgres:
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn: required for postgres store"))
		}
	case StoreEtcd:
		if len(c.Store.Endpoints) == 0 {
			errs = append(errs, errors.New("store.endpoints: required for etcd store"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.kind: unknown kind %q", c.Store.Kind))
	}
	return errors.Join(errs...)
}

// AgentOptions returns the configured defaults for agent.
func (c *Config) AgentOptions(agent string) options.Options {
	return c.Agents[agent].Options.Clone()
}

// AgentBackend returns the backend pinned for agent, if any.
func (c *Config) AgentBackend(agent string) string {
	return c.Agents[agent].Backend
}

// Router compiles the routing section.
func (c *Config) Router() (*routing.Router, error) {
	return routing.New(c.Routing.Rules, c.Routing.Default)
}
