package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// FileStore keeps every record in a single JSON file.
type FileStore struct {
	Path string

	mu sync.Mutex
}

// NewFileStore creates a store backed by the JSON file at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path}
}

// storeFile is the on-disk JSON structure.
type storeFile struct {
	Version string    `json:"version"`
	Records []*Record `json:"records"`
}

func (s *FileStore) load() (map[string]*Record, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]*Record{}, nil
		}
		return nil, err
	}
	var sf storeFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.Path, err)
	}
	records := make(map[string]*Record, len(sf.Records))
	for _, r := range sf.Records {
		records[r.SessionKey] = r
	}
	return records, nil
}

// save writes all records sorted by key. The file is replaced atomically.
func (s *FileStore) save(records map[string]*Record) error {
	sf := storeFile{Version: "1", Records: make([]*Record, 0, len(records))}
	for _, r := range records {
		sf.Records = append(sf.Records, r)
	}
	sort.Slice(sf.Records, func(i, j int) bool {
		return sf.Records[i].SessionKey < sf.Records[j].SessionKey
	})
	data, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(s.Path), 0o755); err != nil {
		return err
	}
	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.Path)
}

// Save creates or replaces a record.
func (s *FileStore) Save(_ context.Context, r *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.load()
	if err != nil {
		return err
	}
	records[r.SessionKey] = r.Clone()
	return s.save(records)
}

// Get retrieves a single record.
func (s *FileStore) Get(_ context.Context, key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.load()
	if err != nil {
		return nil, err
	}
	r, ok := records[key]
	if !ok {
		return nil, fmt.Errorf("session %q: %w", key, ErrNotFound)
	}
	return r, nil
}

// Delete removes a record.
func (s *FileStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := records[key]; !ok {
		return nil
	}
	delete(records, key)
	return s.save(records)
}

// List returns all records sorted by key, optionally filtered by agent.
func (s *FileStore) List(_ context.Context, agent string) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.load()
	if err != nil {
		return nil, err
	}
	var result []*Record
	for _, r := range records {
		if agent == "" || r.Agent == agent {
			result = append(result, r)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].SessionKey < result[j].SessionKey })
	return result, nil
}
