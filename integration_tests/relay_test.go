package integration_tests

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/szaher/acprelay/internal/adapters"
	"github.com/szaher/acprelay/internal/config"
	"github.com/szaher/acprelay/internal/events"
	"github.com/szaher/acprelay/internal/llm"
	"github.com/szaher/acprelay/internal/runtime"
	"github.com/szaher/acprelay/internal/session"
)

func ensureSession(t *testing.T, r *relay, key string) session.Status {
	t.Helper()
	resp := r.request(t, http.MethodPost, "/v1/sessions", map[string]string{"session_key": key})
	mustStatus(t, resp, http.StatusOK)
	var st session.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	return st
}

func countInvocations(lines []string, substr string) int {
	n := 0
	for _, l := range lines {
		if strings.Contains(l, substr) {
			n++
		}
	}
	return n
}

// TestAcpxTurnOverHTTP drives a full turn through the gateway and the acpx
// adapter.
func TestAcpxTurnOverHTTP(t *testing.T) {
	cfg, fb := acpxConfig(t)
	r := startRelay(t, cfg, runtime.Options{})

	st := ensureSession(t, r, "agent:codex:it")
	if st.Backend != "acpx" || st.RuntimeSessionID != "rid-1" || st.BackendSessionID != "bid-1" {
		t.Errorf("ensure status = %+v", st)
	}

	resp := r.request(t, http.MethodPost, "/v1/sessions/agent:codex:it/turns", map[string]string{"text": "ping  \n"})
	mustStatus(t, resp, http.StatusOK)
	evs := newSSEReader(resp.Body).All(t)

	if len(evs) < 2 || evs[0].Type != events.TypeStart || evs[len(evs)-1].Type != events.TypeDone {
		t.Fatalf("events = %+v", evs)
	}
	if got := events.OutputText(evs); got != "pong" {
		t.Errorf("output = %q", got)
	}
	if got := fb.Stdin(t); got != "ping  \n" {
		t.Errorf("prompt stdin = %q", got)
	}
	if n := countInvocations(fb.Invocations(t), "codex prompt --session agent:codex:it --file -"); n != 1 {
		t.Errorf("prompt invocations = %d: %q", n, fb.Invocations(t))
	}

	// A second ensure reuses the cached handle.
	ensureSession(t, r, "agent:codex:it")
	if n := countInvocations(fb.Invocations(t), "sessions ensure"); n != 1 {
		t.Errorf("ensure invocations = %d", n)
	}
}

// TestCancelFromSecondRelay cancels a running turn through the handle alone,
// from a relay that has never seen the session.
func TestCancelFromSecondRelay(t *testing.T) {
	cfg, fb := acpxConfig(t)
	owner := startRelay(t, cfg, runtime.Options{})
	st := ensureSession(t, owner, "agent:codex:long")

	resp := owner.request(t, http.MethodPost, "/v1/sessions/agent:codex:long/turns", map[string]string{"text": "slow job"})
	mustStatus(t, resp, http.StatusOK)
	stream := newSSEReader(resp.Body)
	for {
		ev, ok := stream.Next(t)
		if !ok {
			t.Fatal("stream ended before output")
		}
		if ev.Type == events.TypeTextDelta {
			break
		}
	}

	other, err := runtime.New(context.Background(), cfg, runtime.Options{Logger: discardLogger()})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = other.Shutdown(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := other.Manager().CancelHandle(ctx, st.Handle, "operator"); err != nil {
		t.Fatalf("CancelHandle: %v", err)
	}

	rest := stream.All(t)
	if len(rest) == 0 {
		t.Fatal("no terminal event after cancel")
	}
	last := rest[len(rest)-1]
	if last.Type != events.TypeError || last.Code != string(adapters.CodeCancelled) {
		t.Errorf("terminal = %+v", last)
	}
	if n := countInvocations(fb.Invocations(t), "codex cancel --session agent:codex:long"); n != 1 {
		t.Errorf("cancel invocations = %d", n)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := owner.rt.Manager().Status(context.Background(), "agent:codex:long")
		if err != nil {
			t.Fatal(err)
		}
		if got.State == session.StateIdle {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("state = %s after cancel", got.State)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// TestRestartResumesSession restarts the relay over the same session file and
// keeps talking to the same backend session without re-ensuring it.
func TestRestartResumesSession(t *testing.T) {
	cfg, fb := acpxConfig(t)

	first := startRelay(t, cfg, runtime.Options{})
	before := ensureSession(t, first, "agent:codex:keep")
	if err := first.rt.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := countInvocations(fb.Invocations(t), "sessions close"); n != 0 {
		t.Errorf("shutdown closed backend sessions: %q", fb.Invocations(t))
	}

	second := startRelay(t, cfg, runtime.Options{})
	resp := second.request(t, http.MethodGet, "/v1/sessions/agent:codex:keep", nil)
	mustStatus(t, resp, http.StatusOK)
	var after session.Status
	if err := json.NewDecoder(resp.Body).Decode(&after); err != nil {
		t.Fatal(err)
	}
	if after.Handle != before.Handle || after.State != session.StateIdle {
		t.Errorf("restored status = %+v", after)
	}

	resp = second.request(t, http.MethodPost, "/v1/sessions/agent:codex:keep/turns", map[string]string{"text": "again"})
	if got := events.OutputText(newSSEReader(resp.Body).All(t)); got != "pong" {
		t.Errorf("output = %q", got)
	}
	if n := countInvocations(fb.Invocations(t), "sessions ensure"); n != 1 {
		t.Errorf("ensure invocations = %d", n)
	}

	mustStatus(t, second.request(t, http.MethodDelete, "/v1/sessions/agent:codex:keep", nil), http.StatusNoContent)
	if n := countInvocations(fb.Invocations(t), "codex sessions close agent:codex:keep"); n != 1 {
		t.Errorf("close invocations = %d", n)
	}
}

// TestAnthropicConversation routes claude agents to the SDK-backed adapter
// and checks that history carries across turns.
func TestAnthropicConversation(t *testing.T) {
	t.Setenv("IT_ANTHROPIC_KEY", "sk-test")
	cfg := config.Default()
	cfg.Backends.Acpx.Enabled = false
	cfg.Backends.Anthropic.Enabled = true
	cfg.Backends.Anthropic.APIKeyEnv = "IT_ANTHROPIC_KEY"
	cfg.Routing.Default = "anthropic"
	cfg.Server.APIKey = apiKey

	client := llm.NewMockClient(
		llm.MockResponse{Chunks: []string{"Hel", "lo"}, StopReason: llm.StopEndTurn},
		llm.MockResponse{Content: "Again", StopReason: llm.StopEndTurn},
	)
	r := startRelay(t, cfg, runtime.Options{LLMClient: client})

	st := ensureSession(t, r, "agent:claude:chat")
	if st.Backend != "anthropic" {
		t.Fatalf("backend = %q", st.Backend)
	}

	for _, want := range []string{"Hello", "Again"} {
		resp := r.request(t, http.MethodPost, "/v1/sessions/agent:claude:chat/turns", map[string]string{"text": "hi"})
		mustStatus(t, resp, http.StatusOK)
		if got := events.OutputText(newSSEReader(resp.Body).All(t)); got != want {
			t.Errorf("output = %q, want %q", got, want)
		}
	}

	calls := client.Calls()
	if len(calls) != 2 {
		t.Fatalf("calls = %d", len(calls))
	}
	msgs := calls[1].Messages
	if len(msgs) != 3 || msgs[1].Role != llm.RoleAssistant || msgs[1].Content != "Hello" {
		t.Errorf("second request messages = %+v", msgs)
	}
}
