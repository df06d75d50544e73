// Package session implements the session manager: the registry of live
// backend sessions, their state machine and the runtime options control plane.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/szaher/acprelay/internal/options"
)

// ErrNotFound is returned by stores and the manager for unknown session keys.
var ErrNotFound = errors.New("session not found")

// Record is the persisted form of a session.
type Record struct {
	SessionKey       string          `json:"session_key"`
	Agent            string          `json:"agent"`
	Backend          string          `json:"backend"`
	Handle           string          `json:"handle,omitempty"`
	RuntimeSessionID string          `json:"runtime_session_id,omitempty"`
	BackendSessionID string          `json:"backend_session_id,omitempty"`
	State            State           `json:"state"`
	Options          options.Options `json:"runtime_options"`
	// Cwd is the directory the handle was ensured in. Signature is the
	// options signature last applied to the handle; empty until the first
	// turn.
	Cwd            string    `json:"cwd,omitempty"`
	Signature      string    `json:"signature,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	LastError      string    `json:"last_error,omitempty"`
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	c := *r
	c.Options = r.Options.Clone()
	return &c
}

// Store persists session records so a restarted manager can rebuild its
// registry.
type Store interface {
	// Save creates or replaces the record for r.SessionKey.
	Save(ctx context.Context, r *Record) error

	// Get retrieves a record by session key. Unknown keys yield ErrNotFound.
	Get(ctx context.Context, key string) (*Record, error)

	// Delete removes a record. Deleting an unknown key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns all records, optionally filtered by agent.
	List(ctx context.Context, agent string) ([]*Record, error)
}
