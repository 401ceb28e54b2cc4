// Package collector is the durable-storage sidecar: it consumes topic SSE
// streams from a termherd server and persists every message to Postgres.
// It feeds nothing back to the core and assumes nothing about its uptime.
package collector

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id          BIGSERIAL PRIMARY KEY,
	session_id  TEXT NOT NULL,
	topic_id    TEXT NOT NULL,
	payload_json TEXT NOT NULL,
	received_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS messages_session_idx ON messages (session_id, received_at);
`

// Store wraps the messages table.
type Store struct {
	db *sql.DB
}

// OpenStore connects to Postgres and bootstraps the schema.
func OpenStore(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// SaveMessage inserts one received topic message.
func (s *Store) SaveMessage(ctx context.Context, sessionID, topicID, payloadJSON string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (session_id, topic_id, payload_json) VALUES ($1, $2, $3)`,
		sessionID, topicID, payloadJSON,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }
