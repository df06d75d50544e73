package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

func TestValidateKey(t *testing.T) {
	tests := []struct {
		provided, expected string
		want               bool
	}{
		{"secret", "secret", true},
		{"wrong", "secret", false},
		{"", "secret", false},
		{"", "", false},
		{"secret", "", false},
	}
	for _, tt := range tests {
		if got := ValidateKey(tt.provided, tt.expected); got != tt.want {
			t.Errorf("ValidateKey(%q, %q) = %v, want %v", tt.provided, tt.expected, got, tt.want)
		}
	}
}

func TestKeyFromEnv(t *testing.T) {
	t.Setenv(DefaultEnvVar, "from-env")
	if got := KeyFromEnv(); got != "from-env" {
		t.Errorf("KeyFromEnv() = %q", got)
	}
}

func TestMiddleware(t *testing.T) {
	const apiKey = "test-api-key"
	skip := []string{"/healthz"}

	tests := []struct {
		name    string
		key     string
		noAuth  bool
		path    string
		headers map[string]string
		want    int
	}{
		{"valid bearer", apiKey, false, "/v1/sessions", map[string]string{"Authorization": "Bearer " + apiKey}, http.StatusOK},
		{"valid x-api-key", apiKey, false, "/v1/sessions", map[string]string{"X-API-Key": apiKey}, http.StatusOK},
		{"wrong key", apiKey, false, "/v1/sessions", map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized},
		{"basic auth", apiKey, false, "/v1/sessions", map[string]string{"Authorization": "Basic abc"}, http.StatusUnauthorized},
		{"missing", apiKey, false, "/v1/sessions", nil, http.StatusUnauthorized},
		{"skipped path", apiKey, false, "/healthz", nil, http.StatusOK},
		{"no auth", apiKey, true, "/v1/sessions", nil, http.StatusOK},
		{"no key configured", "", false, "/v1/sessions", map[string]string{"Authorization": "Bearer x"}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := Middleware(tt.key, tt.noAuth, skip, nil)(okHandler())
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestMiddlewareLockout(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewLockout()
	l.MaxFailures = 3
	l.Now = func() time.Time { return now }
	h := Middleware("secret", false, nil, l)(okHandler())

	do := func(key string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/v1/sessions", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		req.Header.Set("Authorization", "Bearer "+key)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 3; i++ {
		if rec := do("bad"); rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: status = %d", i, rec.Code)
		}
	}
	rec := do("secret")
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") == "" {
		t.Fatalf("blocked client: status = %d, Retry-After = %q", rec.Code, rec.Header().Get("Retry-After"))
	}

	now = now.Add(6 * time.Minute)
	if rec := do("secret"); rec.Code != http.StatusOK {
		t.Errorf("after block expiry: status = %d", rec.Code)
	}
}

func TestLockoutWindowResets(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewLockout()
	l.MaxFailures = 2
	l.Now = func() time.Time { return now }

	l.Failure("c")
	now = now.Add(2 * time.Minute)
	if l.Failure("c") {
		t.Error("failures from an expired window should not count")
	}
	if l.Failure("c") != true {
		t.Error("second failure in the window should block")
	}
	l.Success("c")
	if l.RetryAfter("c") != 0 {
		t.Error("success should clear the block")
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:999"
	if got := ClientIP(req); got != "192.0.2.1" {
		t.Errorf("ClientIP = %q", got)
	}
	req.Header.Set("X-Forwarded-For", " 203.0.113.5 , 10.0.0.1")
	if got := ClientIP(req); got != "203.0.113.5" {
		t.Errorf("ClientIP with forwarding = %q", got)
	}
}
