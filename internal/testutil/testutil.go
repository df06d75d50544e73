// Package testutil provides shared test helpers to reduce boilerplate across unit tests.
package testutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// AssertErrorContains asserts that err is non-nil and its message contains substr.
func AssertErrorContains(t *testing.T, err error, substr string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error containing %q, got nil", substr)
	}
	if !strings.Contains(err.Error(), substr) {
		t.Fatalf("expected error containing %q, got %q", substr, err.Error())
	}
}

// FakeBackend is a shell-script stand-in for a backend CLI.
type FakeBackend struct {
	// Path is the executable to configure as the backend command.
	Path string
	// ArgLog receives one line per invocation with the space-joined argv.
	ArgLog string
	// StdinLog receives the stdin of the most recent invocation that read it.
	StdinLog string
}

// WriteFakeBackend writes an executable script that records its argv and
// then runs body with "$@" intact. body may read stdin via the
// save_stdin helper, which copies it to StdinLog.
func WriteFakeBackend(t *testing.T, body string) *FakeBackend {
	t.Helper()
	dir := t.TempDir()
	fb := &FakeBackend{
		Path:     filepath.Join(dir, "fake-backend"),
		ArgLog:   filepath.Join(dir, "args.log"),
		StdinLog: filepath.Join(dir, "stdin.log"),
	}
	script := "#!/bin/sh\n" +
		"printf '%s\\n' \"$*\" >> '" + fb.ArgLog + "'\n" +
		"save_stdin() { cat > '" + fb.StdinLog + "'; }\n" +
		body + "\n"
	if err := os.WriteFile(fb.Path, []byte(script), 0755); err != nil {
		t.Fatalf("write fake backend: %v", err)
	}
	return fb
}

// Invocations returns the recorded argv lines, oldest first.
func (fb *FakeBackend) Invocations(t *testing.T) []string {
	t.Helper()
	data, err := os.ReadFile(fb.ArgLog)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		t.Fatalf("read arg log: %v", err)
	}
	return strings.Split(strings.TrimRight(string(data), "\n"), "\n")
}

// Stdin returns what the last stdin-reading invocation received.
func (fb *FakeBackend) Stdin(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile(fb.StdinLog)
	if err != nil {
		t.Fatalf("read stdin log: %v", err)
	}
	return string(data)
}
