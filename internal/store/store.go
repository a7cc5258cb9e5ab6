package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/andresmejia3/facewatch/internal/codec"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

// Postgres manages the PostgreSQL connection and pgvector columns.
type Postgres struct {
	conn *pgx.Conn
}

// NewPostgres establishes a connection to the database and ensures the schema is initialized.
func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Postgres{conn: conn}, nil
}

// initSchema creates the vector extension and identity tables if they don't exist.
// The embedding column is dimensionless so registries of any model size fit.
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS identities (
			name TEXT PRIMARY KEY,
			position INT NOT NULL,
			enrolled_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS identity_embeddings (
			identity TEXT NOT NULL REFERENCES identities(name) ON DELETE CASCADE,
			seq INT NOT NULL,
			embedding VECTOR NOT NULL,
			reference BYTEA,
			PRIMARY KEY (identity, seq)
		);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Postgres) Close() error {
	return s.conn.Close(context.Background())
}

// Save replaces the stored registry with snap in a single transaction.
func (s *Postgres) Save(ctx context.Context, snap codec.Snapshot) error {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// Child rows go with the cascade.
	if _, err := tx.Exec(ctx, "DELETE FROM identities"); err != nil {
		return err
	}

	for pos, rec := range snap.Identities {
		if _, err := tx.Exec(ctx, "INSERT INTO identities (name, position) VALUES ($1, $2)", rec.Name, pos); err != nil {
			return fmt.Errorf("insert identity %q: %w", rec.Name, err)
		}
		for seq, vec := range rec.Embeddings {
			var ref []byte
			if seq < len(rec.References) {
				ref = rec.References[seq]
			}
			_, err := tx.Exec(ctx,
				"INSERT INTO identity_embeddings (identity, seq, embedding, reference) VALUES ($1, $2, $3, $4)",
				rec.Name, seq, pgvector.NewVector(vec), ref)
			if err != nil {
				return fmt.Errorf("insert embedding %d of %q: %w", seq, rec.Name, err)
			}
		}
	}

	return tx.Commit(ctx)
}

// Load rebuilds the snapshot in enrollment order. ErrNoState when no identity is stored.
func (s *Postgres) Load(ctx context.Context) (codec.Snapshot, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT i.name, e.embedding, e.reference
		FROM identities i
		JOIN identity_embeddings e ON e.identity = i.name
		ORDER BY i.position, e.seq
	`)
	if err != nil {
		return codec.Snapshot{}, err
	}
	defer rows.Close()

	snap := codec.Snapshot{Version: codec.SchemaVersion}
	for rows.Next() {
		var (
			name string
			vec  pgvector.Vector
			ref  []byte
		)
		if err := rows.Scan(&name, &vec, &ref); err != nil {
			return codec.Snapshot{}, fmt.Errorf("%w: %v", codec.ErrCorruptState, err)
		}
		n := len(snap.Identities)
		if n == 0 || snap.Identities[n-1].Name != name {
			snap.Identities = append(snap.Identities, codec.Record{Name: name})
			n++
		}
		rec := &snap.Identities[n-1]
		rec.Embeddings = append(rec.Embeddings, vec.Slice())
		rec.References = append(rec.References, ref)
	}
	if err := rows.Err(); err != nil {
		return codec.Snapshot{}, err
	}
	if len(snap.Identities) == 0 {
		return codec.Snapshot{}, ErrNoState
	}
	return snap, nil
}

// Reset drops all application tables so the next connection recreates them.
func (s *Postgres) Reset(ctx context.Context) error {
	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS identity_embeddings CASCADE;
		DROP TABLE IF EXISTS identities CASCADE;
	`)
	if err != nil {
		return err
	}
	return initSchema(ctx, s.conn)
}

// Count returns the number of stored identities and embeddings.
func (s *Postgres) Count(ctx context.Context) (identities, embeddings int, err error) {
	err = s.conn.QueryRow(ctx, "SELECT (SELECT COUNT(*) FROM identities), (SELECT COUNT(*) FROM identity_embeddings)").Scan(&identities, &embeddings)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, 0, nil
	}
	return identities, embeddings, err
}
