package acpx

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/szaher/acprelay/internal/adapters"
	"github.com/szaher/acprelay/internal/events"
)

// RunTurn spawns `<agent> prompt --session <name> --file -` with the prompt on
// stdin and streams translated events. A fresh process runs every turn, in
// persistent mode too; continuity lives in the named acpx session.
func (a *Adapter) RunTurn(ctx context.Context, in adapters.TurnInput) (<-chan events.Event, error) {
	st, err := a.resolve(in.Handle)
	if err != nil {
		return nil, err
	}
	mode := in.Mode
	if mode == "" {
		mode = in.Options.Mode
	}
	args := a.promptArgs(st, mode, in.Options)

	ch := make(chan events.Event, 16)
	t := &turn{
		adapter:   a,
		handle:    in.Handle,
		ctx:       ctx,
		out:       ch,
		requestID: in.RequestID,
		idle:      time.Duration(in.Options.TimeoutSeconds) * time.Second,
		logger:    a.logger.With("session_key", in.Handle.SessionKey, "request_id", in.RequestID),
	}
	go t.run(st.Cwd, args, in.Text)
	return ch, nil
}

type turn struct {
	adapter   *Adapter
	handle    adapters.Handle
	ctx       context.Context
	out       chan<- events.Event
	requestID string
	idle      time.Duration
	logger    *slog.Logger

	terminal bool
}

// send delivers ev unless the consumer has gone away.
func (t *turn) send(ev events.Event) bool {
	if ev.RequestID == "" {
		ev.RequestID = t.requestID
	}
	select {
	case t.out <- ev:
		if ev.Terminal() {
			t.terminal = true
		}
		return true
	case <-t.ctx.Done():
		return false
	}
}

// finish emits the terminal event on paths where the consumer may already
// have stopped reading. It waits briefly rather than blocking forever.
func (t *turn) finish(ev events.Event) {
	if t.terminal {
		return
	}
	if ev.RequestID == "" {
		ev.RequestID = t.requestID
	}
	select {
	case t.out <- ev:
		t.terminal = true
	case <-time.After(time.Second):
		t.logger.Debug("dropping terminal event, consumer gone", "type", ev.Type, "code", ev.Code)
	}
}

func (t *turn) run(dir string, args []string, prompt string) {
	defer close(t.out)

	if !t.send(events.Start(t.requestID)) {
		return
	}

	procCtx, kill := context.WithCancel(t.ctx)
	defer kill()

	cmd := exec.CommandContext(procCtx, t.adapter.cfg.Command, args...)
	cmd.Dir = dir
	cmd.Stdin = strings.NewReader(prompt)
	cmd.WaitDelay = t.adapter.cfg.WaitDelay
	stderr := newTail(stderrTailSize)
	cmd.Stderr = stderr

	pr, pw := io.Pipe()
	cmd.Stdout = pw

	if err := cmd.Start(); err != nil {
		ae := t.adapter.startError(err, adapters.FallbackTurnFailed)
		t.finish(events.Error(t.requestID, string(adapters.CodeOf(ae)), ae.Error()))
		return
	}

	waitErr := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		_ = pw.Close()
		waitErr <- err
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(pr)
		sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
		for sc.Scan() {
			lines <- sc.Text()
		}
		if err := sc.Err(); err != nil {
			t.logger.Warn("stopped reading acpx output", "error", err)
			_ = pr.CloseWithError(err)
		}
	}()

	var idle *time.Timer
	var idleC <-chan time.Time
	if t.idle > 0 {
		idle = time.NewTimer(t.idle)
		defer idle.Stop()
		idleC = idle.C
	}

	var lastOut string
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				t.exited(<-waitErr, stderr.String(), lastOut)
				return
			}
			if idle != nil {
				idle.Reset(t.idle)
			}
			if strings.TrimSpace(line) != "" {
				lastOut = line
			}
			if t.terminal {
				continue
			}
			ev, ok := t.adapter.translator.Translate([]byte(line))
			if !ok {
				continue
			}
			if !t.send(ev) {
				t.abort("turn aborted")
				kill()
				drain(lines)
				<-waitErr
				t.finish(events.Error(t.requestID, string(adapters.CodeCancelled), "turn cancelled"))
				return
			}

		case <-idleC:
			t.logger.Warn("acpx produced no output, killing turn", "idle_timeout", t.idle)
			t.abort("turn timed out")
			kill()
			drain(lines)
			<-waitErr
			t.finish(events.RetryableError(t.requestID, string(adapters.CodeTimeout),
				fmt.Sprintf("no output from acpx for %s", t.idle), true))
			return

		case <-t.ctx.Done():
			t.abort("turn aborted")
			kill()
			drain(lines)
			<-waitErr
			t.finish(events.Error(t.requestID, string(adapters.CodeCancelled), "turn cancelled"))
			return
		}
	}
}

// exited settles a turn whose output ended on its own.
func (t *turn) exited(err error, stderr, lastOut string) {
	if t.terminal {
		return
	}
	if t.ctx.Err() != nil {
		t.abort("turn aborted")
		t.finish(events.Error(t.requestID, string(adapters.CodeCancelled), "turn cancelled"))
		return
	}
	if err == nil {
		t.finish(events.Done(t.requestID, ""))
		return
	}

	code := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
	}
	msg := strings.TrimSpace(stderr)
	if msg == "" {
		msg = strings.TrimSpace(lastOut)
	}
	if msg == "" {
		msg = fmt.Sprintf("acpx exited with code %d", code)
	}
	t.finish(events.Error(t.requestID, string(adapters.CodeRuntime), msg))
}

// abort asks acpx to stop the backend session's prompt. Killing the local
// process alone leaves a persistent session working on it.
func (t *turn) abort(reason string) {
	if t.terminal {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.adapter.cfg.ControlTimeout)
	defer cancel()
	if err := t.adapter.Cancel(ctx, t.handle, reason); err != nil {
		t.logger.Warn("cancelling aborted turn failed", "error", err)
	}
}

func drain(lines <-chan string) {
	for range lines {
	}
}
