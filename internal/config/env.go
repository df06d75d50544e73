package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/szaher/acprelay/internal/options"
)

const envPrefix = "ACPRELAY_"

// envKey generates the environment variable name for a config key.
// Pattern: ACPRELAY_<SECTION>_<KEY> (uppercased, hyphens and dots to underscores).
func envKey(section, key string) string {
	r := strings.NewReplacer("-", "_", ".", "_")
	return envPrefix + strings.ToUpper(r.Replace(section)) + "_" + strings.ToUpper(r.Replace(key))
}

type envBinding struct {
	section, key string
	apply        func(c *Config, v string) error
}

func setString(dst func(c *Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*dst(c) = v
		return nil
	}
}

func setInt(dst func(c *Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("cannot convert %q to int: %w", v, err)
		}
		*dst(c) = n
		return nil
	}
}

func setBool(dst func(c *Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("cannot convert %q to bool: %w", v, err)
		}
		*dst(c) = b
		return nil
	}
}

func setDuration(dst func(c *Config) *Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := parseDuration(v)
		if err != nil {
			return err
		}
		*dst(c) = Duration(d)
		return nil
	}
}

func setList(dst func(c *Config) *[]string) func(*Config, string) error {
	return func(c *Config, v string) error {
		var out []string
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		*dst(c) = out
		return nil
	}
}

var envBindings = []envBinding{
	{"defaults", "mode", func(c *Config, v string) error {
		m, err := options.ParseMode(v)
		if err != nil {
			return err
		}
		c.Defaults.Mode = m
		return nil
	}},
	{"defaults", "permission-profile", setString(func(c *Config) *string { return &c.Defaults.PermissionProfile })},
	{"defaults", "model", setString(func(c *Config) *string { return &c.Defaults.Model })},
	{"defaults", "cwd", setString(func(c *Config) *string { return &c.Defaults.Cwd })},
	{"defaults", "timeout-seconds", setInt(func(c *Config) *int { return &c.Defaults.TimeoutSeconds })},

	{"backends", "acpx.enabled", setBool(func(c *Config) *bool { return &c.Backends.Acpx.Enabled })},
	{"backends", "acpx.command", setString(func(c *Config) *string { return &c.Backends.Acpx.Command })},
	{"backends", "acpx.args", setList(func(c *Config) *[]string { return &c.Backends.Acpx.Args })},
	{"backends", "acpx.cwd", setString(func(c *Config) *string { return &c.Backends.Acpx.Cwd })},
	{"backends", "acpx.ttl-seconds", setInt(func(c *Config) *int { return &c.Backends.Acpx.TTLSeconds })},
	{"backends", "anthropic.enabled", setBool(func(c *Config) *bool { return &c.Backends.Anthropic.Enabled })},
	{"backends", "anthropic.model", setString(func(c *Config) *string { return &c.Backends.Anthropic.Model })},
	{"backends", "anthropic.max-tokens", setInt(func(c *Config) *int { return &c.Backends.Anthropic.MaxTokens })},

	{"routing", "default", setString(func(c *Config) *string { return &c.Routing.Default })},

	{"sessions", "idle-ttl", setDuration(func(c *Config) *Duration { return &c.Sessions.IdleTTL })},
	{"sessions", "sweep-interval", setDuration(func(c *Config) *Duration { return &c.Sessions.SweepInterval })},
	{"sessions", "cancel-grace", setDuration(func(c *Config) *Duration { return &c.Sessions.CancelGrace })},
	{"sessions", "probe-schedule", setString(func(c *Config) *string { return &c.Sessions.ProbeSchedule })},

	{"store", "kind", setString(func(c *Config) *string { return &c.Store.Kind })},
	{"store", "path", setString(func(c *Config) *string { return &c.Store.Path })},
	{"store", "dsn", setString(func(c *Config) *string { return &c.Store.DSN })},
	{"store", "endpoints", setList(func(c *Config) *[]string { return &c.Store.Endpoints })},
	{"store", "prefix", setString(func(c *Config) *string { return &c.Store.Prefix })},

	{"server", "addr", setString(func(c *Config) *string { return &c.Server.Addr })},
	{"server", "api-key", setString(func(c *Config) *string { return &c.Server.APIKey })},

	{"log", "level", setString(func(c *Config) *string { return &c.Log.Level })},
}

// applyEnv overrides cfg from environment variables.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	for _, b := range envBindings {
		name := envKey(b.section, b.key)
		v, ok := lookup(name)
		if !ok {
			continue
		}
		if err := b.apply(cfg, strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("env %s: %w", name, err)
		}
	}
	return nil
}

// EnvVars lists every supported override variable.
func EnvVars() []string {
	out := make([]string, 0, len(envBindings))
	for _, b := range envBindings {
		out = append(out, envKey(b.section, b.key))
	}
	return out
}
