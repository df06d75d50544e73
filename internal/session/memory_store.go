package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is an in-memory record store. Records do not survive the
// process; it is the default when no durable store is configured.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

// Save stores a copy of r.
func (s *MemoryStore) Save(_ context.Context, r *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.SessionKey] = r.Clone()
	return nil
}

// Get retrieves a record by session key.
func (s *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[key]
	if !ok {
		return nil, fmt.Errorf("session %q: %w", key, ErrNotFound)
	}
	return r.Clone(), nil
}

// Delete removes a record.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

// List returns all records sorted by key, optionally filtered by agent.
func (s *MemoryStore) List(_ context.Context, agent string) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*Record
	for _, r := range s.records {
		if agent != "" && r.Agent != agent {
			continue
		}
		result = append(result, r.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].SessionKey < result[j].SessionKey })
	return result, nil
}
