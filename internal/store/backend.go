// Package store persists the identity registry. Two backends are available:
// a single-record SQLite file for local use and a normalized PostgreSQL schema
// with pgvector columns for shared deployments.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/andresmejia3/facewatch/internal/codec"
	"github.com/andresmejia3/facewatch/internal/registry"
)

// ErrNoState is returned by Load when nothing has been persisted yet.
var ErrNoState = errors.New("no persisted registry state")

// Backend stores and retrieves registry snapshots.
type Backend interface {
	Load(ctx context.Context) (codec.Snapshot, error)
	Save(ctx context.Context, snap codec.Snapshot) error
	Reset(ctx context.Context) error
	Close() error
}

// Open picks a backend from dsn. postgres:// and postgresql:// URLs select
// PostgreSQL; sqlite://path or a bare file path selects SQLite.
func Open(ctx context.Context, dsn string) (Backend, error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return NewPostgres(ctx, dsn)
	case dsn == "":
		return nil, errors.New("empty database location")
	default:
		path := expandHome(strings.TrimPrefix(dsn, "sqlite://"))
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		return NewSQLite(ctx, path)
	}
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// Restore loads the registry from b. A missing record yields an empty
// registry. Corrupt data yields an empty registry together with an error
// wrapping codec.ErrCorruptState, so callers can warn and keep going.
func Restore(ctx context.Context, b Backend) (*registry.Registry, error) {
	snap, err := b.Load(ctx)
	if errors.Is(err, ErrNoState) {
		return registry.New(), nil
	}
	if err != nil {
		if errors.Is(err, codec.ErrCorruptState) {
			return registry.New(), err
		}
		return nil, fmt.Errorf("failed to load registry: %w", err)
	}
	reg, err := codec.Deserialize(snap)
	if err != nil {
		return registry.New(), err
	}
	return reg, nil
}

// Persist writes the full contents of reg to b.
func Persist(ctx context.Context, b Backend, reg *registry.Registry) error {
	return b.Save(ctx, codec.Serialize(reg))
}
