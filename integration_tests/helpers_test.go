package integration_tests

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/szaher/acprelay/internal/config"
	"github.com/szaher/acprelay/internal/events"
	"github.com/szaher/acprelay/internal/runtime"
	"github.com/szaher/acprelay/internal/testutil"
)

const apiKey = "integration-key"

// acpxScript plays an acpx binary. Prompts containing "slow" stream one chunk
// and then wait until a cancel call drops a marker next to the script.
const acpxScript = `
dir=$(dirname "$0")
name=""; prev=""
for a in "$@"; do
  if [ "$prev" = "--name" ]; then name="$a"; fi
  prev="$a"
done
case "$*" in
  *"sessions ensure"*)
    printf '{"type":"session_ensured","id":"rid-1","sessionId":"bid-1","name":"%s","created":true}\n' "$name"
    ;;
  *" cancel --session "*)
    touch "$dir/cancelled"
    echo '{"type":"cancel_result","cancelled":true}'
    ;;
  *" prompt "*)
    save_stdin
    if grep -q slow "$dir/stdin.log"; then
      echo '{"type":"text","content":"working","seq":1}'
      while [ ! -f "$dir/cancelled" ]; do sleep 0.05; done
      rm -f "$dir/cancelled"
      echo '{"type":"error","code":"CANCELLED","message":"cancelled by request"}'
    else
      echo '{"type":"text","content":"pong","seq":1}'
      echo '{"type":"done","stopReason":"end_turn"}'
    fi
    ;;
esac
`

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// acpxConfig returns a relay configuration backed by the scripted acpx and a
// session file shared by every relay built from it.
func acpxConfig(t *testing.T) (*config.Config, *testutil.FakeBackend) {
	t.Helper()
	fb := testutil.WriteFakeBackend(t, acpxScript)
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Backends.Acpx.Command = fb.Path
	cfg.Backends.Acpx.Cwd = dir
	cfg.Store = config.StoreConfig{Kind: config.StoreFile, Path: filepath.Join(dir, "sessions.json")}
	cfg.Server.APIKey = apiKey
	return cfg, fb
}

type relay struct {
	rt *runtime.Runtime
	ts *httptest.Server
}

func startRelay(t *testing.T, cfg *config.Config, opts runtime.Options) *relay {
	t.Helper()
	opts.Logger = discardLogger()
	rt, err := runtime.New(context.Background(), cfg, opts)
	if err != nil {
		t.Fatalf("runtime.New: %v", err)
	}
	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ts := httptest.NewServer(rt.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = rt.Shutdown(context.Background())
	})
	return &relay{rt: rt, ts: ts}
}

func (r *relay) request(t *testing.T, method, path string, body interface{}) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, r.ts.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("X-API-Key", apiKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func mustStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected %d, got %d: %s", want, resp.StatusCode, body)
	}
}

// sseReader decodes a turn stream one event at a time.
type sseReader struct {
	br *bufio.Reader
}

func newSSEReader(r io.Reader) *sseReader { return &sseReader{br: bufio.NewReader(r)} }

// Next returns the next event, or false at the end of the stream.
func (s *sseReader) Next(t *testing.T) (events.Event, bool) {
	t.Helper()
	for {
		line, err := s.br.ReadString('\n')
		if strings.HasPrefix(line, "data: ") {
			var ev events.Event
			if jerr := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data: "))), &ev); jerr != nil {
				t.Fatalf("bad event %q: %v", line, jerr)
			}
			return ev, true
		}
		if err != nil {
			return events.Event{}, false
		}
	}
}

func (s *sseReader) All(t *testing.T) []events.Event {
	t.Helper()
	var evs []events.Event
	for {
		ev, ok := s.Next(t)
		if !ok {
			return evs
		}
		evs = append(evs, ev)
	}
}
