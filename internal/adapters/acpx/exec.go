package acpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"sync"

	"github.com/szaher/acprelay/internal/events"
)

type runResult struct {
	stdout   []byte
	stderr   string
	code     int
	startErr error
}

// run spawns the command with empty stdin and collects its output. The
// child is always reaped; ctx expiry kills it.
func (a *Adapter) run(ctx context.Context, dir string, args []string) runResult {
	cmd := exec.CommandContext(ctx, a.cfg.Command, args...)
	cmd.Dir = dir
	cmd.WaitDelay = a.cfg.WaitDelay

	var stdout bytes.Buffer
	stderr := newTail(stderrTailSize)
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return runResult{startErr: err}
	}
	err := cmd.Wait()

	res := runResult{stdout: stdout.Bytes(), stderr: stderr.String()}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.code = exitErr.ExitCode()
		if res.code == 0 {
			res.code = -1
		}
	default:
		res.code = -1
	}
	return res
}

// envelope is one decoded acpx output line.
type envelope map[string]json.RawMessage

func (e envelope) str(key string) string {
	var s string
	if raw, ok := e[key]; ok {
		_ = json.Unmarshal(raw, &s)
	}
	return s
}

func (e envelope) boolean(key string) *bool {
	raw, ok := e[key]
	if !ok {
		return nil
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil
	}
	return &b
}

// parseLines decodes every JSON object line, skipping anything else.
func parseLines(out []byte) []envelope {
	var lines []envelope
	for _, line := range bytes.Split(out, []byte("\n")) {
		if raw, ok := events.DecodeLine(line); ok {
			lines = append(lines, envelope(raw))
		}
	}
	return lines
}

// tail keeps the last max bytes written to it.
type tail struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTail(max int) *tail { return &tail{max: max} }

func (t *tail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
