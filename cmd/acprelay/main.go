// Package main is the entry point for the acprelay CLI.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/szaher/acprelay/internal/config"
	"github.com/szaher/acprelay/internal/runtime"
	"github.com/szaher/acprelay/internal/secrets"
	"github.com/szaher/acprelay/internal/telemetry"
)

// Version information set at build time.
var version = "0.1.0"

// Global flags.
var (
	configPath string
	logLevel   string
)

const defaultConfigFile = "acprelay.yaml"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "acprelay",
		Short: "Session relay for ACP coding-agent backends",
		Long: `acprelay keeps long-lived sessions with coding-agent backends keyed by
stable session keys, streams turns as canonical events, and exposes the
control plane (mode, options, cancel, close) over HTTP and this CLI.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file (default ./"+defaultConfigFile+" when present)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newServeCmd())
	root.AddCommand(newEnsureCmd())
	root.AddCommand(newPromptCmd())
	root.AddCommand(newCancelCmd())
	root.AddCommand(newCloseCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newSetModeCmd())
	root.AddCommand(newSetCmd())
	root.AddCommand(newResetCmd())
	root.AddCommand(newProbeCmd())

	return root
}

// resolveConfigPath returns the explicit --config value, or the default file
// when it exists in the working directory.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if _, err := os.Stat(defaultConfigFile); err == nil {
		return defaultConfigFile
	}
	return ""
}

// setup is the configuration and logging shared by every command.
type setup struct {
	cfg      *config.Config
	path     string
	logger   *slog.Logger
	redactor *secrets.Redactor
}

// loadSetup reads the configuration and builds the process logger. Resolved
// credentials are masked in log output. One-shot commands log at warn unless
// --log-level says otherwise.
func loadSetup(w io.Writer, oneShot bool) (*setup, error) {
	path := resolveConfigPath()
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	level := logLevel
	if level == "" {
		level = cfg.Log.Level
		if oneShot {
			level = "warn"
		}
	}
	redactor := secrets.NewRedactor(telemetry.NewLogger(w, telemetry.ParseLevel(level)).Handler())
	return &setup{cfg: cfg, path: path, logger: slog.New(redactor), redactor: redactor}, nil
}

// openRuntime builds a runtime for a one-shot command. Sessions are read from
// the configured store on demand; use a shared file, postgres or etcd store
// to address sessions owned by another relay process.
func openRuntime(ctx context.Context, cmd *cobra.Command) (*runtime.Runtime, error) {
	s, err := loadSetup(cmd.ErrOrStderr(), true)
	if err != nil {
		return nil, err
	}
	rt, err := runtime.New(ctx, s.cfg, runtime.Options{Logger: s.logger, Redactor: s.redactor, Version: version})
	if err != nil {
		return nil, fmt.Errorf("starting relay: %w", err)
	}
	return rt, nil
}

func closeRuntime(rt *runtime.Runtime) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = rt.Shutdown(ctx)
}

func printJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
