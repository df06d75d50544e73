package auth

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// Middleware rejects requests that do not present apiKey. Paths in skipPaths
// are always allowed, and noAuth disables the check entirely. With no key
// configured and noAuth unset every guarded request is rejected. A non-nil
// lockout blocks clients that keep failing.
func Middleware(apiKey string, noAuth bool, skipPaths []string, lockout *Lockout) func(http.Handler) http.Handler {
	skip := make(map[string]bool, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if noAuth || skip[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			client := ClientIP(r)
			if lockout != nil {
				if wait := lockout.RetryAfter(client); wait > 0 {
					w.Header().Set("Retry-After", strconv.Itoa(int(wait.Seconds())+1))
					writeAuthError(w, http.StatusTooManyRequests, "too many failed authentication attempts")
					return
				}
			}

			if apiKey == "" {
				writeAuthError(w, http.StatusUnauthorized, "API key not configured")
				return
			}

			key, ok := KeyFromRequest(r)
			var msg string
			switch {
			case !ok && r.Header.Get("Authorization") != "":
				msg = "invalid Authorization format, expected 'Bearer <key>'"
			case !ok:
				msg = "missing API key"
			case !ValidateKey(key, apiKey):
				msg = "invalid API key"
			}
			if msg != "" {
				if lockout != nil {
					lockout.Failure(client)
				}
				writeAuthError(w, http.StatusUnauthorized, msg)
				return
			}

			if lockout != nil {
				lockout.Success(client)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   http.StatusText(status),
		"message": message,
	})
}
