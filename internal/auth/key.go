// Package auth guards the relay gateway with a static API key.
package auth

import (
	"crypto/subtle"
	"net/http"
	"os"
	"strings"
)

// DefaultEnvVar is the environment variable read by KeyFromEnv.
const DefaultEnvVar = "ACPRELAY_API_KEY"

// ValidateKey compares provided against expected in constant time. An empty
// expected key never matches.
func ValidateKey(provided, expected string) bool {
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}

// KeyFromEnv reads the API key from DefaultEnvVar.
func KeyFromEnv() string {
	return os.Getenv(DefaultEnvVar)
}

// KeyFromRequest extracts the presented key from an "Authorization: Bearer"
// header or, failing that, from X-API-Key.
func KeyFromRequest(r *http.Request) (string, bool) {
	if h := r.Header.Get("Authorization"); h != "" {
		key, ok := strings.CutPrefix(h, "Bearer ")
		return strings.TrimSpace(key), ok
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key, true
	}
	return "", false
}
