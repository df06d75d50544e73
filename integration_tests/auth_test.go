package integration_tests

import (
	"net/http"
	"testing"

	"github.com/szaher/acprelay/internal/adapters"
	"github.com/szaher/acprelay/internal/adapters/fake"
	"github.com/szaher/acprelay/internal/config"
	"github.com/szaher/acprelay/internal/runtime"
)

func newAuthRelay(t *testing.T, key string, noAuth bool) *relay {
	t.Helper()
	cfg := config.Default()
	cfg.Backends.Acpx.Enabled = false
	cfg.Routing.Default = "fake"
	cfg.Server.APIKey = key
	return startRelay(t, cfg, runtime.Options{
		NoAuth:   noAuth,
		Adapters: []adapters.Adapter{fake.New("fake")},
	})
}

func get(t *testing.T, url string, headers map[string]string) int {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, url, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode
}

// TestAuthRejectsWithoutKey verifies requests without API key return 401.
func TestAuthRejectsWithoutKey(t *testing.T) {
	r := newAuthRelay(t, "my-secret-key", false)
	if code := get(t, r.ts.URL+"/v1/sessions", nil); code != http.StatusUnauthorized {
		t.Errorf("expected 401 without key, got %d", code)
	}
}

// TestAuthSucceedsWithValidKey verifies both header styles are accepted.
func TestAuthSucceedsWithValidKey(t *testing.T) {
	r := newAuthRelay(t, "my-secret-key", false)
	if code := get(t, r.ts.URL+"/v1/sessions", map[string]string{"X-API-Key": "my-secret-key"}); code != http.StatusOK {
		t.Errorf("expected 200 with valid X-API-Key, got %d", code)
	}
	if code := get(t, r.ts.URL+"/v1/sessions", map[string]string{"Authorization": "Bearer my-secret-key"}); code != http.StatusOK {
		t.Errorf("expected 200 with valid Bearer token, got %d", code)
	}
}

// TestAuthHealthzIsOpen verifies the health and metrics endpoints skip auth.
func TestAuthHealthzIsOpen(t *testing.T) {
	r := newAuthRelay(t, "my-secret-key", false)
	for _, path := range []string{"/healthz", "/metrics"} {
		if code := get(t, r.ts.URL+path, nil); code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, code)
		}
	}
}

// TestAuthWithoutConfiguredKey verifies the gateway fails closed.
func TestAuthWithoutConfiguredKey(t *testing.T) {
	t.Setenv("ACPRELAY_API_KEY", "")
	r := newAuthRelay(t, "", false)
	if code := get(t, r.ts.URL+"/v1/sessions", map[string]string{"X-API-Key": "anything"}); code != http.StatusUnauthorized {
		t.Errorf("expected 401 with no key configured, got %d", code)
	}

	open := newAuthRelay(t, "", true)
	if code := get(t, open.ts.URL+"/v1/sessions", nil); code != http.StatusOK {
		t.Errorf("expected 200 with --no-auth, got %d", code)
	}
}

// TestAuthLockout verifies repeated failures from one client are blocked.
func TestAuthLockout(t *testing.T) {
	r := newAuthRelay(t, "my-secret-key", false)
	bad := map[string]string{"X-API-Key": "wrong"}
	for i := 0; i < 10; i++ {
		if code := get(t, r.ts.URL+"/v1/sessions", bad); code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: expected 401, got %d", i, code)
		}
	}
	good := map[string]string{"X-API-Key": "my-secret-key"}
	if code := get(t, r.ts.URL+"/v1/sessions", good); code != http.StatusTooManyRequests {
		t.Errorf("expected 429 after repeated failures, got %d", code)
	}
}
