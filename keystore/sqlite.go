package keystore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversation_keys (
	conversation_id TEXT PRIMARY KEY,
	key_b64         TEXT NOT NULL,
	updated_at      TIMESTAMP NOT NULL
);`

// SQLite persists cached keys across process restarts in a local sqlite file.
// The file is not itself encrypted: an accepted weakness of the static
// shared-key design, inherited from the original localStorage cache.
type SQLite struct {
	db *sql.DB
}

var _ Store = (*SQLite)(nil)

// OpenSQLite opens (and if needed creates) the key cache at path.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("keystore: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("keystore: migrate: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Get(ctx context.Context, conversationID uuid.UUID) (string, error) {
	var key string
	err := s.db.QueryRowContext(ctx,
		`SELECT key_b64 FROM conversation_keys WHERE conversation_id = ?`,
		conversationID.String(),
	).Scan(&key)
	if err == sql.ErrNoRows {
		return "", ErrMiss
	}
	if err != nil {
		return "", fmt.Errorf("keystore: get: %w", err)
	}
	return key, nil
}

func (s *SQLite) Put(ctx context.Context, conversationID uuid.UUID, encodedKey string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_keys (conversation_id, key_b64, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(conversation_id) DO UPDATE SET key_b64 = excluded.key_b64, updated_at = excluded.updated_at`,
		conversationID.String(), encodedKey, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("keystore: put: %w", err)
	}
	return nil
}

func (s *SQLite) Remove(ctx context.Context, conversationID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM conversation_keys WHERE conversation_id = ?`,
		conversationID.String(),
	)
	if err != nil {
		return fmt.Errorf("keystore: remove: %w", err)
	}
	return nil
}

func (s *SQLite) Close() error { return s.db.Close() }
