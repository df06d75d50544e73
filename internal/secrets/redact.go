package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Mask replaces secret values in log output.
const Mask = "[REDACTED]"

type valueSet struct {
	mu     sync.RWMutex
	values []string
}

func (v *valueSet) snapshot() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.values
}

// Redactor is a slog.Handler that masks registered secret values in messages
// and string attributes before passing records on. Handlers derived through
// WithAttrs and WithGroup share the registered values.
type Redactor struct {
	inner slog.Handler
	set   *valueSet
}

// NewRedactor wraps inner.
func NewRedactor(inner slog.Handler) *Redactor {
	return &Redactor{inner: inner, set: &valueSet{}}
}

// Add registers values to mask. Empty values are ignored. Add is a no-op on a
// nil Redactor.
func (r *Redactor) Add(values ...string) {
	if r == nil {
		return
	}
	r.set.mu.Lock()
	defer r.set.mu.Unlock()
	for _, v := range values {
		if v == "" || contains(r.set.values, v) {
			continue
		}
		// Copy on write so snapshots stay valid without the lock.
		next := make([]string, len(r.set.values), len(r.set.values)+1)
		copy(next, r.set.values)
		r.set.values = append(next, v)
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// String masks every registered value in s.
func (r *Redactor) String(s string) string {
	if r == nil {
		return s
	}
	return mask(s, r.set.snapshot())
}

func mask(s string, values []string) string {
	for _, v := range values {
		s = strings.ReplaceAll(s, v, Mask)
	}
	return s
}

func (r *Redactor) Enabled(ctx context.Context, level slog.Level) bool {
	return r.inner.Enabled(ctx, level)
}

func (r *Redactor) Handle(ctx context.Context, rec slog.Record) error {
	values := r.set.snapshot()
	if len(values) == 0 {
		return r.inner.Handle(ctx, rec)
	}
	out := slog.NewRecord(rec.Time, rec.Level, mask(rec.Message, values), rec.PC)
	rec.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(maskAttr(a, values))
		return true
	})
	return r.inner.Handle(ctx, out)
}

func (r *Redactor) WithAttrs(attrs []slog.Attr) slog.Handler {
	values := r.set.snapshot()
	masked := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		masked[i] = maskAttr(a, values)
	}
	return &Redactor{inner: r.inner.WithAttrs(masked), set: r.set}
}

func (r *Redactor) WithGroup(name string) slog.Handler {
	return &Redactor{inner: r.inner.WithGroup(name), set: r.set}
}

func maskAttr(a slog.Attr, values []string) slog.Attr {
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return slog.String(a.Key, mask(v.String(), values))
	case slog.KindGroup:
		group := v.Group()
		masked := make([]any, len(group))
		for i, g := range group {
			masked[i] = maskAttr(g, values)
		}
		return slog.Group(a.Key, masked...)
	case slog.KindAny:
		// Errors and stringers often carry backend stderr.
		switch x := v.Any().(type) {
		case error:
			return slog.String(a.Key, mask(x.Error(), values))
		case fmt.Stringer:
			return slog.String(a.Key, mask(x.String(), values))
		}
	}
	return a
}
