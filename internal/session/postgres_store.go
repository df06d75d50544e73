package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const sessionsSchema = `
CREATE TABLE IF NOT EXISTS acprelay_sessions (
	session_key TEXT PRIMARY KEY,
	agent       TEXT NOT NULL,
	record      JSONB NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresStore persists records in a PostgreSQL table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and creates the sessions table if needed.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	if _, err := pool.Exec(ctx, sessionsSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Save creates or replaces a record.
func (s *PostgresStore) Save(ctx context.Context, r *Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO acprelay_sessions (session_key, agent, record, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (session_key) DO UPDATE
SET agent = EXCLUDED.agent, record = EXCLUDED.record, updated_at = now()`,
		r.SessionKey, r.Agent, data)
	if err != nil {
		return fmt.Errorf("postgres save %q: %w", r.SessionKey, err)
	}
	return nil
}

// Get retrieves a record by session key.
func (s *PostgresStore) Get(ctx context.Context, key string) (*Record, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT record FROM acprelay_sessions WHERE session_key = $1`, key).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("session %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres get %q: %w", key, err)
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &r, nil
}

// Delete removes a record.
func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM acprelay_sessions WHERE session_key = $1`, key); err != nil {
		return fmt.Errorf("postgres delete %q: %w", key, err)
	}
	return nil
}

// List returns all records ordered by key, optionally filtered by agent.
func (s *PostgresStore) List(ctx context.Context, agent string) ([]*Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT record FROM acprelay_sessions WHERE $1 = '' OR agent = $1 ORDER BY session_key`, agent)
	if err != nil {
		return nil, fmt.Errorf("postgres list: %w", err)
	}
	blobs, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, fmt.Errorf("postgres list: %w", err)
	}
	records := make([]*Record, 0, len(blobs))
	for _, data := range blobs {
		var r Record
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("unmarshal session: %w", err)
		}
		records = append(records, &r)
	}
	return records, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}
