// Package secrets resolves credential references in configuration and keeps
// resolved values out of logs.
package secrets

import (
	"fmt"
	"os"
	"strings"
)

// Resolve returns the value ref points at. References take the form
// env(NAME) or file(PATH); any other string is a literal and is returned
// unchanged. File contents are trimmed of surrounding whitespace.
func Resolve(ref string) (string, error) {
	kind, arg, ok := parseRef(ref)
	if !ok {
		return ref, nil
	}
	switch kind {
	case "env":
		v, ok := os.LookupEnv(arg)
		if !ok {
			return "", fmt.Errorf("environment variable %q not set", arg)
		}
		return v, nil
	default:
		data, err := os.ReadFile(arg)
		if err != nil {
			return "", fmt.Errorf("reading secret file: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	}
}

// IsRef reports whether s is an env() or file() reference.
func IsRef(s string) bool {
	_, _, ok := parseRef(s)
	return ok
}

func parseRef(s string) (kind, arg string, ok bool) {
	s = strings.TrimSpace(s)
	for _, k := range []string{"env", "file"} {
		if strings.HasPrefix(s, k+"(") && strings.HasSuffix(s, ")") {
			arg = strings.TrimSpace(s[len(k)+1 : len(s)-1])
			if arg == "" {
				return "", "", false
			}
			return k, arg, true
		}
	}
	return "", "", false
}
