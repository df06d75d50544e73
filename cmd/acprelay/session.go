package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/szaher/acprelay/internal/events"
	"github.com/szaher/acprelay/internal/options"
	"github.com/szaher/acprelay/internal/session"
)

// ensureFlags are shared by ensure and prompt.
type ensureFlags struct {
	key     string
	agent   string
	backend string
	mode    string
	cwd     string
}

func (f *ensureFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.key, "session", "s", "", "Session key (generated from --agent when empty)")
	cmd.Flags().StringVar(&f.agent, "agent", "", "Agent id (derived from agent:<id>:... keys)")
	cmd.Flags().StringVar(&f.backend, "backend", "", "Backend override for a new session")
	cmd.Flags().StringVar(&f.mode, "mode", "", "Session mode: persistent or ephemeral")
	cmd.Flags().StringVar(&f.cwd, "cwd", "", "Absolute working directory")
}

func (f *ensureFlags) request() (session.EnsureRequest, error) {
	key := strings.TrimSpace(f.key)
	if key == "" {
		if strings.TrimSpace(f.agent) == "" {
			return session.EnsureRequest{}, errors.New("--session or --agent is required")
		}
		key = session.NewSessionKey(strings.TrimSpace(f.agent))
	}
	return session.EnsureRequest{
		SessionKey: key,
		Agent:      f.agent,
		Backend:    f.backend,
		Mode:       options.Mode(f.mode),
		Cwd:        f.cwd,
	}, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newEnsureCmd() *cobra.Command {
	var flags ensureFlags

	cmd := &cobra.Command{
		Use:   "ensure",
		Short: "Create or resume a session and print its status",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := flags.request()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			rt, err := openRuntime(ctx, cmd)
			if err != nil {
				return err
			}
			defer closeRuntime(rt)

			st, err := rt.Manager().EnsureSession(ctx, req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
	flags.register(cmd)
	return cmd
}

func newPromptCmd() *cobra.Command {
	var (
		flags     ensureFlags
		jsonOut   bool
		eventsOut string
	)

	cmd := &cobra.Command{
		Use:   "prompt [text...]",
		Short: "Run one turn and stream the reply",
		Long: `Ensures the session, sends the prompt and streams output text to stdout.
Without arguments the prompt is read from stdin. Interrupting the command
cancels the turn.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := flags.request()
			if err != nil {
				return err
			}
			text := strings.Join(args, " ")
			if text == "" {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("reading prompt: %w", err)
				}
				text = string(data)
			}
			if strings.TrimSpace(text) == "" {
				return errors.New("prompt text is required")
			}

			ctx, cancel := signalContext()
			defer cancel()

			rt, err := openRuntime(ctx, cmd)
			if err != nil {
				return err
			}
			defer closeRuntime(rt)

			m := rt.Manager()
			if _, err := m.EnsureSession(ctx, req); err != nil {
				return err
			}
			ch, err := m.RunTurn(ctx, session.TurnRequest{SessionKey: req.SessionKey, Text: text})
			if err != nil {
				return err
			}

			evs, err := streamTurn(cmd.OutOrStdout(), cmd.ErrOrStderr(), ch, jsonOut)
			if eventsOut != "" {
				if exportErr := events.ExportTurn(eventsOut, events.NewTurnLog(req.SessionKey, evs)); exportErr != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "Warning: writing event log: %v\n", exportErr)
				}
			}
			return err
		},
	}

	flags.register(cmd)
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print events as JSON lines instead of text")
	cmd.Flags().StringVar(&eventsOut, "events-out", "", "Write the turn's events to this file")

	return cmd
}

// streamTurn prints a turn as it arrives and returns every event. A turn that
// ends in an error event is reported as an error.
func streamTurn(out, errOut io.Writer, ch <-chan events.Event, jsonOut bool) ([]events.Event, error) {
	var evs []events.Event
	endsWithNewline := true
	for ev := range ch {
		evs = append(evs, ev)
		if jsonOut {
			data, err := ev.JSON()
			if err != nil {
				return evs, err
			}
			fmt.Fprintln(out, string(data))
			continue
		}
		switch ev.Type {
		case events.TypeTextDelta:
			if ev.Stream == events.StreamThought {
				continue
			}
			fmt.Fprint(out, ev.Text)
			if ev.Text != "" {
				endsWithNewline = strings.HasSuffix(ev.Text, "\n")
			}
		case events.TypeToolCall:
			fmt.Fprintf(errOut, "[tool: %s %s]\n", ev.Title, ev.Status)
		}
	}
	if !jsonOut && !endsWithNewline {
		fmt.Fprintln(out)
	}

	if len(evs) == 0 {
		return evs, errors.New("turn ended without events")
	}
	if last := evs[len(evs)-1]; last.Type == events.TypeError {
		return evs, fmt.Errorf("turn failed: %s: %s", last.Code, last.Message)
	}
	return evs, nil
}

// target names a session by key or by a handle printed by ensure.
type target struct {
	key    string
	handle string
	reason string
}

func (t *target) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&t.key, "session", "s", "", "Session key")
	cmd.Flags().StringVar(&t.handle, "handle", "", "Session handle from ensure or status")
	cmd.Flags().StringVar(&t.reason, "reason", "cli", "Reason recorded with the request")
}

func (t *target) validate() error {
	switch {
	case t.key == "" && t.handle == "":
		return errors.New("--session or --handle is required")
	case t.key != "" && t.handle != "":
		return errors.New("--session and --handle are mutually exclusive")
	}
	return nil
}

func newCancelCmd() *cobra.Command {
	var t target

	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel the running turn of a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := t.validate(); err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			rt, err := openRuntime(ctx, cmd)
			if err != nil {
				return err
			}
			defer closeRuntime(rt)

			if t.handle != "" {
				return rt.Manager().CancelHandle(ctx, t.handle, t.reason)
			}
			return rt.Manager().Cancel(ctx, t.key, t.reason)
		},
	}
	t.register(cmd)
	return cmd
}

func newCloseCmd() *cobra.Command {
	var (
		t   target
		all bool
	)

	cmd := &cobra.Command{
		Use:   "close",
		Short: "Close a session and its backend session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all {
				if err := t.validate(); err != nil {
					return err
				}
			}
			ctx, cancel := signalContext()
			defer cancel()

			rt, err := openRuntime(ctx, cmd)
			if err != nil {
				return err
			}
			defer closeRuntime(rt)

			m := rt.Manager()
			switch {
			case all:
				if err := rt.Restore(ctx); err != nil {
					return err
				}
				n := len(m.List())
				if err := m.CloseAll(ctx, t.reason); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "closed %d session(s)\n", n)
				return nil
			case t.handle != "":
				return m.CloseHandle(ctx, t.handle, t.reason)
			default:
				return m.Close(ctx, t.key, t.reason)
			}
		},
	}
	t.register(cmd)
	cmd.Flags().BoolVar(&all, "all", false, "Close every stored session")
	return cmd
}

func newStatusCmd() *cobra.Command {
	var key string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show one session, or list all stored sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			rt, err := openRuntime(ctx, cmd)
			if err != nil {
				return err
			}
			defer closeRuntime(rt)

			m := rt.Manager()
			if key != "" {
				st, err := m.GetStatus(ctx, key)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), st)
			}
			records, err := rt.StoredSessions(ctx)
			if err != nil {
				return err
			}
			return printSessions(cmd.OutOrStdout(), records)
		},
	}
	cmd.Flags().StringVarP(&key, "session", "s", "", "Session key")
	return cmd
}

func printSessions(w io.Writer, records []*session.Record) error {
	if len(records) == 0 {
		_, err := fmt.Fprintln(w, "No sessions.")
		return err
	}
	fmt.Fprintf(w, "%-40s %-10s %-10s %-10s %s\n", "SESSION", "BACKEND", "MODE", "STATE", "LAST ACTIVITY")
	for _, r := range records {
		mode := r.Options.Mode
		if mode == "" {
			mode = options.ModePersistent
		}
		fmt.Fprintf(w, "%-40s %-10s %-10s %-10s %s\n",
			r.SessionKey, r.Backend, mode, r.State, r.LastActivityAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}
