package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/andresmejia3/facewatch/internal/codec"
	"github.com/andresmejia3/facewatch/internal/embedding"
	"github.com/andresmejia3/facewatch/internal/registry"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestPostgresIntegration runs a full round trip against a real Postgres container.
// It requires Docker to be running.
func TestPostgresIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	// We wrap this in a function to recover from panics inside testcontainers (e.g. socket not found)
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("testcontainers panicked: %v", r)
			}
		}()
		_, err = testcontainers.NewDockerClientWithOpts(ctx)
		return
	}()
	if err != nil {
		t.Skipf("Docker not available, skipping integration test: %v", err)
	}

	// The pgvector image ships the vector extension.
	pgContainer, err := postgres.Run(ctx, "pgvector/pgvector:pg16",
		postgres.WithDatabase("facewatch_test"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
		testcontainers.WithLogger(noopLogger{}),
	)
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("Failed to terminate container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	b, err := Open(ctx, connStr)
	if err != nil {
		t.Fatalf("Failed to connect to store: %v", err)
	}
	defer b.Close()

	if _, err := b.Load(ctx); !errors.Is(err, ErrNoState) {
		t.Fatalf("Expected ErrNoState on fresh database, got %v", err)
	}

	reg := sampleRegistry(t)
	if err := Persist(ctx, b, reg); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	restored, err := Restore(ctx, b)
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	assertSameRegistry(t, reg, restored)

	// Removing an identity and saving again drops its rows.
	if err := reg.Remove("Ann"); err != nil {
		t.Fatal(err)
	}
	if err := Persist(ctx, b, reg); err != nil {
		t.Fatalf("Second save failed: %v", err)
	}
	ids, embs, err := b.(*Postgres).Count(ctx)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if ids != 1 || embs != 1 {
		t.Errorf("Expected 1 identity with 1 embedding, got %d/%d", ids, embs)
	}

	if err := b.Reset(ctx); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if _, err := b.Load(ctx); !errors.Is(err, ErrNoState) {
		t.Errorf("Expected ErrNoState after reset, got %v", err)
	}
}

type noopLogger struct{}

func (n noopLogger) Printf(format string, v ...interface{}) {}

func sampleRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()
	enrolls := []struct {
		name string
		vec  embedding.Embedding
		ref  []byte
	}{
		{"Ann", embedding.New(0.125, -0.5, 1), []byte{0xFF, 0xD8, 0x00}},
		{"Bob", embedding.New(3, 2, 1), []byte("bob.jpg")},
		{"Ann", embedding.New(0.25, -0.25, 0.75), nil},
	}
	for _, e := range enrolls {
		if err := reg.Enroll(e.name, e.vec, e.ref); err != nil {
			t.Fatalf("Enroll %s failed: %v", e.name, err)
		}
	}
	return reg
}

func assertSameRegistry(t *testing.T, want, got *registry.Registry) {
	t.Helper()
	w, g := want.List(), got.List()
	if len(w) != len(g) {
		t.Fatalf("Expected %d identities, got %d", len(w), len(g))
	}
	for i := range w {
		if w[i].Name != g[i].Name {
			t.Errorf("identity %d: expected %s, got %s", i, w[i].Name, g[i].Name)
			continue
		}
		if len(w[i].Embeddings) != len(g[i].Embeddings) {
			t.Errorf("%s: expected %d embeddings, got %d", w[i].Name, len(w[i].Embeddings), len(g[i].Embeddings))
			continue
		}
		for j := range w[i].Embeddings {
			if !embedding.Equal(w[i].Embeddings[j], g[i].Embeddings[j]) {
				t.Errorf("%s[%d]: expected %v, got %v", w[i].Name, j, w[i].Embeddings[j], g[i].Embeddings[j])
			}
			if string(w[i].References[j]) != string(g[i].References[j]) {
				t.Errorf("%s[%d]: reference mismatch", w[i].Name, j)
			}
		}
	}
}

func newMemorySQLite(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLite_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newMemorySQLite(t)

	reg, err := Restore(ctx, s)
	if err != nil {
		t.Fatalf("Restore on empty database failed: %v", err)
	}
	if !reg.IsEmpty() {
		t.Fatal("Expected empty registry from empty database")
	}

	want := sampleRegistry(t)
	if err := Persist(ctx, s, want); err != nil {
		t.Fatalf("Persist failed: %v", err)
	}
	// Saving twice overwrites the single record.
	if err := Persist(ctx, s, want); err != nil {
		t.Fatalf("Second persist failed: %v", err)
	}

	got, err := Restore(ctx, s)
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	assertSameRegistry(t, want, got)

	if err := s.Reset(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Load(ctx); !errors.Is(err, ErrNoState) {
		t.Errorf("Expected ErrNoState after reset, got %v", err)
	}
}

func TestOpen_SQLiteFile(t *testing.T) {
	ctx := context.Background()
	path := t.TempDir() + "/nested/registry.db"

	b, err := Open(ctx, "sqlite://"+path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := Persist(ctx, b, sampleRegistry(t)); err != nil {
		t.Fatal(err)
	}
	b.Close()

	// Reopen with a bare path.
	b, err = Open(ctx, path)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer b.Close()
	reg, err := Restore(ctx, b)
	if err != nil {
		t.Fatal(err)
	}
	if reg.Len() != 2 {
		t.Errorf("Expected 2 identities after reopen, got %d", reg.Len())
	}

	if _, err := Open(ctx, ""); err == nil {
		t.Error("Expected error for empty location")
	}
}

func TestRestore_CorruptState(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		payload string
	}{
		{"Not JSON", "definitely not json"},
		{"Mixed dimensions", `{"version":1,"identities":[{"name":"Ann","embeddings":[[1,2],[1,2,3]],"references":["",""]}]}`},
		{"Reference count mismatch", `{"version":1,"identities":[{"name":"Ann","embeddings":[[1,2]],"references":[]}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newMemorySQLite(t)
			if err := s.put(ctx, []byte(tt.payload)); err != nil {
				t.Fatal(err)
			}
			reg, err := Restore(ctx, s)
			if !errors.Is(err, codec.ErrCorruptState) {
				t.Fatalf("Expected ErrCorruptState, got %v", err)
			}
			if reg == nil || !reg.IsEmpty() {
				t.Error("Expected an empty registry alongside the corruption error")
			}
		})
	}
}
