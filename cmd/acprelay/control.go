package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

func newSetModeCmd() *cobra.Command {
	var key string

	cmd := &cobra.Command{
		Use:   "set-mode <persistent|ephemeral>",
		Short: "Switch a session between persistent and ephemeral mode",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			rt, err := openRuntime(ctx, cmd)
			if err != nil {
				return err
			}
			defer closeRuntime(rt)

			res, err := rt.Manager().SetRuntimeMode(ctx, key, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Summary)
			return nil
		},
	}
	cmd.Flags().StringVarP(&key, "session", "s", "", "Session key")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func newSetCmd() *cobra.Command {
	var key string

	cmd := &cobra.Command{
		Use:   "set <option> <value>",
		Short: "Set one runtime option on a session",
		Long: `Sets a runtime option for the next turn. Known options are model,
approval_policy, timeout, cwd and mode; other keys are passed to the
backend when it advertises them.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			rt, err := openRuntime(ctx, cmd)
			if err != nil {
				return err
			}
			defer closeRuntime(rt)

			res, err := rt.Manager().SetConfigOption(ctx, key, args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Summary)
			return nil
		},
	}
	cmd.Flags().StringVarP(&key, "session", "s", "", "Session key")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func newResetCmd() *cobra.Command {
	var key string

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Clear session option overrides and start a fresh backend session",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			rt, err := openRuntime(ctx, cmd)
			if err != nil {
				return err
			}
			defer closeRuntime(rt)

			res, err := rt.Manager().ResetRuntimeOptions(ctx, key)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Summary)
			return nil
		},
	}
	cmd.Flags().StringVarP(&key, "session", "s", "", "Session key")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func newProbeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Check that every enabled backend is available",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			rt, err := openRuntime(ctx, cmd)
			if err != nil {
				return err
			}
			defer closeRuntime(rt)

			health := rt.Manager().ProbeBackends(ctx)
			names := make([]string, 0, len(health))
			for name := range health {
				names = append(names, name)
			}
			sort.Strings(names)

			unhealthy := 0
			for _, name := range names {
				status := "healthy"
				if !health[name] {
					status = "unavailable"
					unhealthy++
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-12s %s\n", name, status)
			}
			if unhealthy > 0 {
				return fmt.Errorf("%d backend(s) unavailable", unhealthy)
			}
			return nil
		},
	}
}
