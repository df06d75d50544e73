package auth

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	defaultMaxFailures = 10
	defaultWindow      = time.Minute
	defaultBlock       = 5 * time.Minute
	evictThreshold     = 1000
)

// Lockout blocks clients after repeated authentication failures.
type Lockout struct {
	MaxFailures int
	Window      time.Duration
	Block       time.Duration
	Now         func() time.Time

	mu      sync.Mutex
	clients map[string]*failures
}

type failures struct {
	count        int
	windowStart  time.Time
	blockedUntil time.Time
}

// NewLockout blocks a client for 5 minutes after 10 failures within a minute.
func NewLockout() *Lockout {
	return &Lockout{
		MaxFailures: defaultMaxFailures,
		Window:      defaultWindow,
		Block:       defaultBlock,
		Now:         time.Now,
		clients:     make(map[string]*failures),
	}
}

// RetryAfter reports how long client remains blocked. Zero means the client
// may try again.
func (l *Lockout) RetryAfter(client string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, ok := l.clients[client]
	if !ok || f.blockedUntil.IsZero() {
		return 0
	}
	remaining := f.blockedUntil.Sub(l.Now())
	if remaining <= 0 {
		delete(l.clients, client)
		return 0
	}
	return remaining
}

// Failure records a failed attempt and reports whether client is now blocked.
func (l *Lockout) Failure(client string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.Now()
	f, ok := l.clients[client]
	if !ok || now.Sub(f.windowStart) > l.Window {
		f = &failures{windowStart: now}
		l.clients[client] = f
	}
	f.count++
	if f.count >= l.MaxFailures {
		f.blockedUntil = now.Add(l.Block)
		return true
	}
	if len(l.clients) > evictThreshold {
		l.evict(now)
	}
	return false
}

// Success forgets the failures of client.
func (l *Lockout) Success(client string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.clients, client)
}

func (l *Lockout) evict(now time.Time) {
	for c, f := range l.clients {
		if f.blockedUntil.IsZero() && now.Sub(f.windowStart) > l.Window {
			delete(l.clients, c)
		} else if !f.blockedUntil.IsZero() && now.After(f.blockedUntil) {
			delete(l.clients, c)
		}
	}
}

// ClientIP identifies the caller, preferring the first X-Forwarded-For hop.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
