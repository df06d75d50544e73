package runtime

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/szaher/acprelay/internal/adapters"
	"github.com/szaher/acprelay/internal/adapters/fake"
	"github.com/szaher/acprelay/internal/config"
	"github.com/szaher/acprelay/internal/events"
	"github.com/szaher/acprelay/internal/llm"
	"github.com/szaher/acprelay/internal/secrets"
	"github.com/szaher/acprelay/internal/session"
)

const testKey = "test-key"

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Backends.Acpx.Enabled = false
	cfg.Routing.Default = "fake"
	cfg.Server.APIKey = testKey
	return cfg
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type gateway struct {
	rt  *Runtime
	fa  *fake.Adapter
	srv *httptest.Server
}

func newGateway(t *testing.T, cfg *config.Config, opts Options) *gateway {
	t.Helper()
	fa := fake.New("fake")
	opts.Adapters = append(opts.Adapters, fa)
	opts.Logger = discard()
	rt, err := New(context.Background(), cfg, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(rt.Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = rt.Shutdown(context.Background())
	})
	return &gateway{rt: rt, fa: fa, srv: srv}
}

func (g *gateway) do(t *testing.T, method, path string, body interface{}) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, g.srv.URL+path, r)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+testKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("%s %s: status = %d, want %d: %s", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, want, body)
	}
}

// readSSE parses a server-sent event stream into canonical events.
func readSSE(t *testing.T, r io.Reader) []events.Event {
	t.Helper()
	var out []events.Event
	sc := bufio.NewScanner(r)
	var name string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "id: "):
			if want := strconv.Itoa(len(out) + 1); strings.TrimPrefix(line, "id: ") != want {
				t.Errorf("sse id = %q, want %s", line, want)
			}
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			var ev events.Event
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
				t.Fatalf("bad event data %q: %v", line, err)
			}
			if string(ev.Type) != name {
				t.Errorf("event name %q does not match type %q", name, ev.Type)
			}
			out = append(out, ev)
		}
	}
	return out
}

func TestNewRequiresBackend(t *testing.T) {
	cfg := testConfig()
	if _, err := New(context.Background(), cfg, Options{Logger: discard()}); err == nil {
		t.Error("expected an error with no backends enabled")
	}
}

func TestBuildAdapters(t *testing.T) {
	t.Setenv("TEST_ANTHROPIC_KEY", "sk-test")
	cfg := config.Default()
	cfg.Backends.Anthropic.Enabled = true
	cfg.Backends.Anthropic.APIKeyEnv = "TEST_ANTHROPIC_KEY"

	got := BuildAdapters(cfg, llm.NewMockClient(), discard())
	reg := adapters.NewRegistry(got...)
	if names := strings.Join(reg.List(), ","); names != "acpx,anthropic" {
		t.Fatalf("backends = %s", names)
	}
	a, _ := reg.Get("anthropic")
	if !a.IsHealthy() {
		t.Error("anthropic adapter with a key should be healthy")
	}

	cfg.Backends.Anthropic.APIKeyEnv = "TEST_ANTHROPIC_KEY_UNSET"
	a = BuildAdapters(cfg, nil, discard())[1]
	if a.IsHealthy() {
		t.Error("anthropic adapter without a key should be unhealthy")
	}
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()
	if s, closer, err := OpenStore(ctx, config.StoreConfig{Kind: config.StoreMemory}); err != nil || closer != nil {
		t.Errorf("memory store: %T, %v", s, err)
	}
	path := filepath.Join(t.TempDir(), "sessions.json")
	s, _, err := OpenStore(ctx, config.StoreConfig{Kind: config.StoreFile, Path: path})
	if err != nil {
		t.Fatal(err)
	}
	if fs, ok := s.(*session.FileStore); !ok || fs.Path != path {
		t.Errorf("file store = %#v", s)
	}
	if _, _, err := OpenStore(ctx, config.StoreConfig{Kind: config.StoreEtcd}); err == nil {
		t.Error("etcd store without endpoints should fail")
	}
	if _, _, err := OpenStore(ctx, config.StoreConfig{Kind: "redis"}); err == nil {
		t.Error("unknown store kind should fail")
	}
}

func TestHealthzAndAuth(t *testing.T) {
	g := newGateway(t, testConfig(), Options{Version: "1.2.3"})

	resp, err := http.Get(g.srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	expectStatus(t, resp, http.StatusOK)
	var health struct {
		Status   string          `json:"status"`
		Backends map[string]bool `json:"backends"`
		Version  string          `json:"version"`
	}
	decodeBody(t, resp, &health)
	if health.Status != "healthy" || !health.Backends["fake"] || health.Version != "1.2.3" {
		t.Errorf("health = %+v", health)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}

	anon, err := http.Get(g.srv.URL + "/v1/sessions")
	if err != nil {
		t.Fatal(err)
	}
	defer anon.Body.Close()
	expectStatus(t, anon, http.StatusUnauthorized)

	expectStatus(t, g.do(t, http.MethodGet, "/v1/sessions", nil), http.StatusOK)
}

func TestNoAuth(t *testing.T) {
	cfg := testConfig()
	cfg.Server.APIKey = ""
	g := newGateway(t, cfg, Options{NoAuth: true})
	resp, err := http.Get(g.srv.URL + "/v1/sessions")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	expectStatus(t, resp, http.StatusOK)
}

func TestSessionLifecycle(t *testing.T) {
	g := newGateway(t, testConfig(), Options{})
	g.fa.SetScript(func(turn *fake.Turn) {
		turn.Emit(events.Event{Type: events.TypeTextDelta, Stream: events.StreamOutput, Text: "hello", Seq: 41})
		turn.Text(" ")
		turn.Text("world\n")
		turn.Done()
	})

	resp := g.do(t, http.MethodPost, "/v1/sessions", map[string]string{"session_key": "agent:codex:main"})
	expectStatus(t, resp, http.StatusOK)
	var st session.Status
	decodeBody(t, resp, &st)
	if st.State != session.StateIdle || st.Backend != "fake" || st.Agent != "codex" || st.Handle == "" {
		t.Fatalf("ensure status = %+v", st)
	}

	resp = g.do(t, http.MethodPost, "/v1/sessions/agent:codex:main/turns", map[string]string{"text": "hi"})
	expectStatus(t, resp, http.StatusOK)
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
	evs := readSSE(t, resp.Body)
	if len(evs) == 0 || evs[len(evs)-1].Type != events.TypeDone {
		t.Fatalf("events = %+v", evs)
	}
	if got := events.OutputText(evs); got != "hello world\n" {
		t.Errorf("output = %q", got)
	}
	if reqID := resp.Header.Get("X-Request-ID"); evs[0].RequestID != reqID {
		t.Errorf("event request id %q, header %q", evs[0].RequestID, reqID)
	}
	// The backend's seq passes through untouched.
	if evs[1].Seq != 41 || evs[2].Seq != 0 {
		t.Errorf("seq = %d, %d", evs[1].Seq, evs[2].Seq)
	}

	resp = g.do(t, http.MethodPut, "/v1/sessions/agent:codex:main/options/model", map[string]string{"value": "gpt-5"})
	expectStatus(t, resp, http.StatusOK)
	var res session.ControlResult
	decodeBody(t, resp, &res)
	if res.Options.Model != "gpt-5" || res.Options.PermissionProfile == "" {
		t.Errorf("control result = %+v", res)
	}

	resp = g.do(t, http.MethodPatch, "/v1/sessions/agent:codex:main/options", map[string]int{"timeout_seconds": 45})
	expectStatus(t, resp, http.StatusOK)
	decodeBody(t, resp, &res)
	if res.Options.Model != "gpt-5" || res.Options.TimeoutSeconds != 45 {
		t.Errorf("patched options = %+v", res.Options)
	}

	resp = g.do(t, http.MethodPut, "/v1/sessions/agent:codex:main/options/mode", map[string]string{"mode": "ephemeral"})
	expectStatus(t, resp, http.StatusOK)

	resp = g.do(t, http.MethodGet, "/v1/sessions/agent:codex:main/options", nil)
	expectStatus(t, resp, http.StatusOK)
	decodeBody(t, resp, &st)
	if st.Mode != "ephemeral" {
		t.Errorf("mode = %q", st.Mode)
	}

	resp = g.do(t, http.MethodDelete, "/v1/sessions/agent:codex:main/options", nil)
	expectStatus(t, resp, http.StatusOK)
	res = session.ControlResult{}
	decodeBody(t, resp, &res)
	if res.Options.Model != "" || res.Options.Mode != "persistent" {
		t.Errorf("reset options = %+v", res.Options)
	}

	expectStatus(t, g.do(t, http.MethodPost, "/v1/sessions/agent:codex:main/cancel", nil), http.StatusNoContent)
	expectStatus(t, g.do(t, http.MethodDelete, "/v1/sessions/agent:codex:main", nil), http.StatusNoContent)

	resp = g.do(t, http.MethodGet, "/v1/sessions/agent:codex:main", nil)
	expectStatus(t, resp, http.StatusNotFound)
	var eb errorBody
	decodeBody(t, resp, &eb)
	if eb.Error != adapters.FallbackSessionNotFound {
		t.Errorf("error body = %+v", eb)
	}

	metrics, err := http.Get(g.srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer metrics.Body.Close()
	body, _ := io.ReadAll(metrics.Body)
	if !strings.Contains(string(body), `acprelay_turns_total{backend="fake",outcome="done"} 1`) {
		t.Errorf("metrics missing turn count:\n%s", body)
	}
}

func TestEnsureGeneratesKey(t *testing.T) {
	g := newGateway(t, testConfig(), Options{})
	resp := g.do(t, http.MethodPost, "/v1/sessions", map[string]string{"agent": "claude"})
	expectStatus(t, resp, http.StatusOK)
	var st session.Status
	decodeBody(t, resp, &st)
	if !strings.HasPrefix(st.SessionKey, "agent:claude:") || st.Agent != "claude" {
		t.Errorf("status = %+v", st)
	}

	expectStatus(t, g.do(t, http.MethodPost, "/v1/sessions", map[string]string{}), http.StatusBadRequest)
	expectStatus(t, g.do(t, http.MethodPost, "/v1/sessions", map[string]string{"bogus": "x"}), http.StatusBadRequest)
}

func TestErrorStatuses(t *testing.T) {
	g := newGateway(t, testConfig(), Options{})
	expectStatus(t, g.do(t, http.MethodPost, "/v1/sessions", map[string]string{"session_key": "agent:a:1"}), http.StatusOK)

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		want   int
		code   string
	}{
		{"unknown session turn", http.MethodPost, "/v1/sessions/agent:a:nope/turns", map[string]string{"text": "x"}, http.StatusNotFound, adapters.FallbackSessionNotFound},
		{"bad mode", http.MethodPut, "/v1/sessions/agent:a:1/options/mode", map[string]string{"mode": "forever"}, http.StatusBadRequest, adapters.FallbackInvalidRuntimeOption},
		{"bad timeout", http.MethodPut, "/v1/sessions/agent:a:1/options/timeout", map[string]string{"value": "-1"}, http.StatusBadRequest, adapters.FallbackInvalidRuntimeOption},
		{"bad cwd", http.MethodPost, "/v1/sessions", map[string]string{"session_key": "agent:a:2", "cwd": "relative"}, http.StatusBadRequest, adapters.FallbackInvalidRuntimeOption},
		{"unknown backend", http.MethodPost, "/v1/sessions", map[string]string{"session_key": "agent:a:3", "backend": "missing"}, http.StatusServiceUnavailable, adapters.FallbackBackendUnavailable},
		{"bad handle", http.MethodPost, "/v1/handles/close", map[string]string{"handle": "acph:v9:xx"}, http.StatusNotFound, adapters.FallbackSessionNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := g.do(t, tt.method, tt.path, tt.body)
			expectStatus(t, resp, tt.want)
			var eb errorBody
			decodeBody(t, resp, &eb)
			if eb.Error != tt.code {
				t.Errorf("error code = %q, want %q (%s)", eb.Error, tt.code, eb.Message)
			}
		})
	}

	g.fa.SetCapabilities(adapters.Capabilities{})
	resp := g.do(t, http.MethodPut, "/v1/sessions/agent:a:1/options/mode", map[string]string{"mode": "ephemeral"})
	expectStatus(t, resp, http.StatusUnprocessableEntity)
}

func TestConcurrentTurnIsRejected(t *testing.T) {
	g := newGateway(t, testConfig(), Options{})
	g.fa.SetScript(fake.Block())
	expectStatus(t, g.do(t, http.MethodPost, "/v1/sessions", map[string]string{"session_key": "agent:a:1"}), http.StatusOK)

	first := g.do(t, http.MethodPost, "/v1/sessions/agent:a:1/turns", map[string]string{"text": "long"})
	expectStatus(t, first, http.StatusOK)

	deadline := time.Now().Add(5 * time.Second)
	for {
		st, err := g.rt.Manager().Status(context.Background(), "agent:a:1")
		if err != nil {
			t.Fatal(err)
		}
		if st.State == session.StateRunning {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("turn never started, state %s", st.State)
		}
		time.Sleep(10 * time.Millisecond)
	}

	second := g.do(t, http.MethodPost, "/v1/sessions/agent:a:1/turns", map[string]string{"text": "again"})
	expectStatus(t, second, http.StatusConflict)

	expectStatus(t, g.do(t, http.MethodPost, "/v1/sessions/agent:a:1/cancel", map[string]string{"reason": "user"}), http.StatusNoContent)
	evs := readSSE(t, first.Body)
	if last := evs[len(evs)-1]; last.Type != events.TypeError || last.Code != string(adapters.CodeCancelled) {
		t.Errorf("terminal = %+v", last)
	}
}

func TestCloseByHandle(t *testing.T) {
	g := newGateway(t, testConfig(), Options{})
	resp := g.do(t, http.MethodPost, "/v1/sessions", map[string]string{"session_key": "agent:a:1"})
	var st session.Status
	decodeBody(t, resp, &st)

	expectStatus(t, g.do(t, http.MethodPost, "/v1/handles/cancel", map[string]string{"handle": st.Handle}), http.StatusNoContent)
	expectStatus(t, g.do(t, http.MethodPost, "/v1/handles/close", map[string]string{"handle": st.Handle, "reason": "done"}), http.StatusNoContent)
	if got := g.fa.Closes(); len(got) != 1 || got[0] != "agent:a:1" {
		t.Errorf("closes = %v", got)
	}
	if len(g.rt.Manager().List()) != 0 {
		t.Error("session should be gone after closing its handle")
	}
}

func TestReloadAppliesDefaults(t *testing.T) {
	g := newGateway(t, testConfig(), Options{})
	expectStatus(t, g.do(t, http.MethodPost, "/v1/sessions", map[string]string{"session_key": "agent:a:1"}), http.StatusOK)

	next := testConfig()
	next.Defaults.Model = "reloaded"
	next.Agents = map[string]config.AgentConfig{"a": {}}
	g.rt.Reload(next)

	resp := g.do(t, http.MethodPost, "/v1/sessions/agent:a:1/turns", map[string]string{"text": "x"})
	readSSE(t, resp.Body)
	if in := g.fa.Turns()[0]; in.Options.Model != "reloaded" {
		t.Errorf("turn model = %q", in.Options.Model)
	}
}

func TestStartWatchesConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "acprelay.yaml")
	write := func(model string) {
		data := "backends:\n  acpx:\n    enabled: false\nrouting:\n  default: fake\ndefaults:\n  model: " + model + "\n"
		if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	write("first")
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	cfg.Server.APIKey = testKey

	g := newGateway(t, cfg, Options{ConfigPath: path})
	if err := g.rt.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	expectStatus(t, g.do(t, http.MethodPost, "/v1/sessions", map[string]string{"session_key": "agent:a:1"}), http.StatusOK)

	// Give the watcher a moment to register before writing.
	time.Sleep(100 * time.Millisecond)
	write("second")

	deadline := time.Now().Add(5 * time.Second)
	for {
		st, err := g.rt.Manager().Status(context.Background(), "agent:a:1")
		if err != nil {
			t.Fatal(err)
		}
		if st.RuntimeOptions.Model == "second" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("config change not applied, model %q", st.RuntimeOptions.Model)
		}
		time.Sleep(20 * time.Millisecond)
	}

	if err := g.rt.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := g.rt.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}

func TestRestartRestoresSessions(t *testing.T) {
	cfg := testConfig()
	cfg.Store = config.StoreConfig{Kind: config.StoreFile, Path: filepath.Join(t.TempDir(), "sessions.json")}

	first := newGateway(t, cfg, Options{})
	expectStatus(t, first.do(t, http.MethodPost, "/v1/sessions", map[string]string{"session_key": "agent:a:1"}), http.StatusOK)
	_ = first.rt.Shutdown(context.Background())

	second := newGateway(t, cfg, Options{})
	if err := second.rt.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := second.rt.Manager().List(); len(got) != 1 || got[0].SessionKey != "agent:a:1" {
		t.Fatalf("restored sessions = %+v", got)
	}
	resp := second.do(t, http.MethodPost, "/v1/sessions/agent:a:1/turns", map[string]string{"text": "resumed"})
	if got := events.OutputText(readSSE(t, resp.Body)); got != "resumed" {
		t.Errorf("output = %q", got)
	}
	if n := len(second.fa.Ensures()); n != 0 {
		t.Errorf("restored session was re-ensured %d times", n)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{session.ErrNotFound, http.StatusNotFound},
		{adapters.NewError(adapters.CodeUsage, adapters.FallbackSessionBusy, "busy"), http.StatusConflict},
		{adapters.NewError(adapters.CodeUsage, adapters.FallbackBackendUnsupportedControl, "no"), http.StatusUnprocessableEntity},
		{adapters.NewError(adapters.CodeUnavailable, adapters.FallbackTurnFailed, "down"), http.StatusServiceUnavailable},
		{adapters.NewError(adapters.CodeTimeout, adapters.FallbackTurnFailed, "slow"), http.StatusGatewayTimeout},
		{adapters.NewError(adapters.CodeRuntime, adapters.FallbackTurnFailed, "boom"), http.StatusBadGateway},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestAPIKeyReference(t *testing.T) {
	t.Setenv("RELAY_TEST_KEY", testKey)
	cfg := testConfig()
	cfg.Server.APIKey = "env(RELAY_TEST_KEY)"

	var buf bytes.Buffer
	redactor := secrets.NewRedactor(slog.NewTextHandler(&buf, nil))
	g := newGateway(t, cfg, Options{Redactor: redactor})
	expectStatus(t, g.do(t, http.MethodGet, "/v1/sessions", nil), http.StatusOK)

	slog.New(redactor).Info("startup", "key", testKey)
	if strings.Contains(buf.String(), testKey) {
		t.Errorf("resolved key was not registered for redaction: %s", buf.String())
	}

	cfg.Server.APIKey = "env(RELAY_TEST_KEY_UNSET)"
	_, err := New(context.Background(), cfg, Options{Logger: discard(), Adapters: []adapters.Adapter{fake.New("fake")}})
	if err == nil || !strings.Contains(err.Error(), "server.apiKey") {
		t.Errorf("New with unset key reference: %v", err)
	}
}
