package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/szaher/acprelay/internal/runtime"
)

func newServeCmd() *cobra.Command {
	var (
		addr   string
		noAuth bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the session gateway",
		Long: `Starts the HTTP gateway. Persisted sessions are restored, idle sessions
are evicted on the configured schedule and option defaults are reloaded
when the config file changes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSetup(cmd.ErrOrStderr(), false)
			if err != nil {
				return err
			}
			if addr == "" {
				addr = s.cfg.Server.Addr
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			rt, err := runtime.New(ctx, s.cfg, runtime.Options{
				ConfigPath: s.path,
				Logger:     s.logger,
				Redactor:   s.redactor,
				NoAuth:     noAuth,
				Version:    version,
			})
			if err != nil {
				return fmt.Errorf("starting relay: %w", err)
			}
			if err := rt.Start(ctx); err != nil {
				closeRuntime(rt)
				return fmt.Errorf("starting relay: %w", err)
			}
			return rt.Serve(ctx, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from config, :8080)")
	cmd.Flags().BoolVar(&noAuth, "no-auth", false, "Serve without API key authentication")

	return cmd
}
