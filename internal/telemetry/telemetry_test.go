package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRequestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo)

	ctx := WithRequestID(context.Background(), "req-1")
	RequestLogger(logger, ctx, "agent:codex:main", "acpx").Info("turn started")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	for k, want := range map[string]string{"session_key": "agent:codex:main", "backend": "acpx", "request_id": "req-1"} {
		if rec[k] != want {
			t.Errorf("%s = %v, want %q", k, rec[k], want)
		}
	}
}

func TestWithRequestIDGenerates(t *testing.T) {
	a := RequestID(WithRequestID(context.Background(), ""))
	b := RequestID(WithRequestID(context.Background(), ""))
	if len(a) != 26 || a == b {
		t.Errorf("generated ids %q, %q: want distinct 26-char ulids", a, b)
	}
	if RequestID(context.Background()) != "" {
		t.Error("RequestID on bare context should be empty")
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("DEBUG") != slog.LevelDebug || ParseLevel("bogus") != slog.LevelInfo {
		t.Error("ParseLevel mapping is wrong")
	}
}

func TestMetrics(t *testing.T) {
	m := NewMetrics()
	m.RecordTurn("acpx", "done", 2*time.Second)
	m.RecordTurn("acpx", "TIMEOUT", time.Second)
	m.RecordTransition("", "idle")
	m.RecordTransition("idle", "running")
	m.SetBackendHealth("acpx", true)

	if got := promtest.ToFloat64(m.turnsTotal.WithLabelValues("acpx", "done")); got != 1 {
		t.Errorf("turns done = %v, want 1", got)
	}
	if got := promtest.ToFloat64(m.sessionsActive.WithLabelValues("running")); got != 1 {
		t.Errorf("running sessions = %v, want 1", got)
	}
	if got := promtest.ToFloat64(m.sessionsActive.WithLabelValues("idle")); got != 0 {
		t.Errorf("idle sessions = %v, want 0", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{"acprelay_turns_total", "acprelay_backend_healthy", "go_goroutines"} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %s", want)
		}
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordTurn("acpx", "done", time.Second)
	m.RecordEviction()
	m.RecordControl("set_mode", nil)
}
