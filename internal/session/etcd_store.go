package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// KV is the key-value surface the etcd store needs. It abstracts the etcd
// client so the store can be tested without a cluster.
type KV interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Put(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	// List returns every value stored under prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// EtcdStore implements Store on top of a KV, one key per session.
type EtcdStore struct {
	kv     KV
	prefix string
}

// EtcdStoreOption configures an EtcdStore.
type EtcdStoreOption func(*EtcdStore)

// WithPrefix sets the key prefix for session records.
func WithPrefix(prefix string) EtcdStoreOption {
	return func(s *EtcdStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// NewEtcdStore creates a store over kv.
func NewEtcdStore(kv KV, opts ...EtcdStoreOption) *EtcdStore {
	s := &EtcdStore{kv: kv, prefix: "acprelay/sessions/"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *EtcdStore) key(sessionKey string) string {
	return s.prefix + sessionKey
}

// Save creates or replaces a record.
func (s *EtcdStore) Save(ctx context.Context, r *Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := s.kv.Put(ctx, s.key(r.SessionKey), string(data)); err != nil {
		return fmt.Errorf("etcd put: %w", err)
	}
	return nil
}

// Get retrieves a record by session key.
func (s *EtcdStore) Get(ctx context.Context, key string) (*Record, error) {
	data, ok, err := s.kv.Get(ctx, s.key(key))
	if err != nil {
		return nil, fmt.Errorf("etcd get: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("session %q: %w", key, ErrNotFound)
	}
	var r Record
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &r, nil
}

// Delete removes a record.
func (s *EtcdStore) Delete(ctx context.Context, key string) error {
	if err := s.kv.Delete(ctx, s.key(key)); err != nil {
		return fmt.Errorf("etcd delete: %w", err)
	}
	return nil
}

// List returns all records, optionally filtered by agent. Undecodable
// values are skipped.
func (s *EtcdStore) List(ctx context.Context, agent string) ([]*Record, error) {
	values, err := s.kv.List(ctx, s.prefix)
	if err != nil {
		return nil, fmt.Errorf("etcd list: %w", err)
	}
	var records []*Record
	for _, v := range values {
		var r Record
		if err := json.Unmarshal([]byte(v), &r); err != nil {
			continue
		}
		if agent == "" || r.Agent == agent {
			records = append(records, &r)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].SessionKey < records[j].SessionKey })
	return records, nil
}

// EtcdKV adapts an etcd v3 client to KV.
type EtcdKV struct {
	client *clientv3.Client
}

// NewEtcdKV wraps client.
func NewEtcdKV(client *clientv3.Client) *EtcdKV {
	return &EtcdKV{client: client}
}

// DialEtcd connects to the given endpoints.
func DialEtcd(endpoints []string, timeout time.Duration) (*clientv3.Client, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("etcd: no endpoints")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client, err := clientv3.New(clientv3.Config{Endpoints: endpoints, DialTimeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("etcd connect: %w", err)
	}
	return client, nil
}

func (e *EtcdKV) Get(ctx context.Context, key string) (string, bool, error) {
	resp, err := e.client.Get(ctx, key)
	if err != nil {
		return "", false, err
	}
	if len(resp.Kvs) == 0 {
		return "", false, nil
	}
	return string(resp.Kvs[0].Value), true, nil
}

func (e *EtcdKV) Put(ctx context.Context, key, value string) error {
	_, err := e.client.Put(ctx, key, value)
	return err
}

func (e *EtcdKV) Delete(ctx context.Context, key string) error {
	_, err := e.client.Delete(ctx, key)
	return err
}

func (e *EtcdKV) List(ctx context.Context, prefix string) ([]string, error) {
	resp, err := e.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	values := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		values = append(values, string(kv.Value))
	}
	return values, nil
}

// Close releases the underlying client.
func (e *EtcdKV) Close() error {
	return e.client.Close()
}
