package secrets

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/szaher/acprelay/internal/testutil"
)

func TestResolve(t *testing.T) {
	t.Setenv("ACPRELAY_TEST_SECRET", "from-env")
	path := filepath.Join(t.TempDir(), "key")
	if err := os.WriteFile(path, []byte("  from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		ref, want string
	}{
		{"literal-key", "literal-key"},
		{"", ""},
		{"env(ACPRELAY_TEST_SECRET)", "from-env"},
		{" env( ACPRELAY_TEST_SECRET ) ", "from-env"},
		{"file(" + path + ")", "from-file"},
		{"env()", "env()"},
		{"environment(X)", "environment(X)"},
	}
	for _, tt := range tests {
		got, err := Resolve(tt.ref)
		if err != nil {
			t.Errorf("Resolve(%q): %v", tt.ref, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Resolve(%q) = %q, want %q", tt.ref, got, tt.want)
		}
	}
}

func TestResolveErrors(t *testing.T) {
	_, err := Resolve("env(ACPRELAY_TEST_UNSET_SECRET)")
	testutil.AssertErrorContains(t, err, `environment variable "ACPRELAY_TEST_UNSET_SECRET" not set`)

	_, err = Resolve("file(" + filepath.Join(t.TempDir(), "missing") + ")")
	testutil.AssertErrorContains(t, err, "reading secret file")
}

func TestIsRef(t *testing.T) {
	if !IsRef("env(X)") || !IsRef("file(/run/key)") {
		t.Error("references not recognized")
	}
	if IsRef("plain") || IsRef("env()") {
		t.Error("non-references recognized")
	}
}

func newTestRedactor() (*Redactor, *bytes.Buffer) {
	var buf bytes.Buffer
	return NewRedactor(slog.NewTextHandler(&buf, nil)), &buf
}

func TestRedactorMasksRecords(t *testing.T) {
	r, buf := newTestRedactor()
	r.Add("sk-live-123", "")
	logger := slog.New(r)

	logger.Info("using key sk-live-123",
		"key", "sk-live-123",
		"err", errors.New("acpx: bad token sk-live-123"),
		slog.Group("backend", slog.String("auth", "Bearer sk-live-123")),
		"count", 3,
	)

	out := buf.String()
	if strings.Contains(out, "sk-live-123") {
		t.Errorf("secret leaked: %s", out)
	}
	if strings.Count(out, Mask) != 4 {
		t.Errorf("expected 4 masks: %s", out)
	}
	if !strings.Contains(out, "count=3") {
		t.Errorf("non-string attr lost: %s", out)
	}
}

func TestRedactorDerivedHandlersShareValues(t *testing.T) {
	r, buf := newTestRedactor()
	r.Add("early")
	logger := slog.New(r).With("token", "early").WithGroup("g")

	r.Add("late")
	logger.Info("msg", "v", "late")

	out := buf.String()
	if strings.Contains(out, "early") || strings.Contains(out, "late") || strings.Count(out, Mask) != 2 {
		t.Errorf("output = %s", out)
	}
}

func TestRedactorString(t *testing.T) {
	var nilRedactor *Redactor
	nilRedactor.Add("x")
	if got := nilRedactor.String("x"); got != "x" {
		t.Errorf("nil redactor changed input: %q", got)
	}

	r, _ := newTestRedactor()
	if got := r.String("nothing here"); got != "nothing here" {
		t.Errorf("String = %q", got)
	}
	r.Add("a1", "b2", "a1")
	if got := r.String("a1 and b2"); got != Mask+" and "+Mask {
		t.Errorf("String = %q", got)
	}
}

func TestRedactorConcurrentAdd(t *testing.T) {
	r, _ := newTestRedactor()
	logger := slog.New(r)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			r.Add(strings.Repeat("s", i+1))
		}(i)
		go func() {
			defer wg.Done()
			logger.Info("message", "k", "v")
		}()
	}
	wg.Wait()
}
