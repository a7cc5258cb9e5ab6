package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/andresmejia3/facewatch/internal/codec"
	_ "github.com/mattn/go-sqlite3"
)

// recordName is the key the registry snapshot is stored under.
const recordName = "registry"

// SQLite keeps the whole registry as one JSON record.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the database at path. Use ":memory:" in tests.
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps ":memory:" databases alive across calls.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS registry_state (
			name TEXT PRIMARY KEY,
			payload BLOB NOT NULL,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Load(ctx context.Context) (codec.Snapshot, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, "SELECT payload FROM registry_state WHERE name = ?", recordName).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return codec.Snapshot{}, ErrNoState
	}
	if err != nil {
		return codec.Snapshot{}, err
	}
	return codec.Unmarshal(payload)
}

func (s *SQLite) Save(ctx context.Context, snap codec.Snapshot) error {
	payload, err := codec.Marshal(snap)
	if err != nil {
		return err
	}
	return s.put(ctx, payload)
}

// put stores payload verbatim under the registry record.
func (s *SQLite) put(ctx context.Context, payload []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO registry_state (name, payload, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (name) DO UPDATE SET payload = excluded.payload, updated_at = CURRENT_TIMESTAMP
	`, recordName, payload)
	return err
}

// Reset deletes the stored record.
func (s *SQLite) Reset(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM registry_state")
	return err
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
