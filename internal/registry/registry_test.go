package registry

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/andresmejia3/facewatch/internal/embedding"
)

func TestEnroll_AppendsToExistingIdentity(t *testing.T) {
	r := New()
	e1 := embedding.New(0.1, 0.2, 0.3)
	e2 := embedding.New(0.4, 0.5, 0.6)
	p1 := []byte{0xCA, 0xFE}
	p2 := []byte{0xBE, 0xEF}

	if err := r.Enroll("Ann", e1, p1); err != nil {
		t.Fatalf("Enroll failed: %v", err)
	}
	if err := r.Enroll("Ann", e2, p2); err != nil {
		t.Fatalf("Enroll failed: %v", err)
	}

	list := r.List()
	if len(list) != 1 {
		t.Fatalf("Expected 1 identity, got %d", len(list))
	}
	ann := list[0]
	if ann.Name != "Ann" {
		t.Errorf("Expected name Ann, got %q", ann.Name)
	}
	if len(ann.Embeddings) != 2 || !embedding.Equal(ann.Embeddings[0], e1) || !embedding.Equal(ann.Embeddings[1], e2) {
		t.Errorf("Expected embeddings [e1 e2], got %v", ann.Embeddings)
	}
	if len(ann.References) != 2 || !bytes.Equal(ann.References[0], p1) || !bytes.Equal(ann.References[1], p2) {
		t.Errorf("Expected references [p1 p2], got %v", ann.References)
	}
}

func TestEnroll_PreservesInsertionOrder(t *testing.T) {
	r := New()
	for _, name := range []string{"Zoe", "Ann", "Bob"} {
		if err := r.Enroll(name, embedding.New(1, 2), nil); err != nil {
			t.Fatal(err)
		}
	}
	r.Enroll("Ann", embedding.New(3, 4), nil)

	var names []string
	for _, id := range r.List() {
		names = append(names, id.Name)
	}
	want := []string{"Zoe", "Ann", "Bob"}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("Expected order %v, got %v", want, names)
		}
	}
}

func TestEnroll_Validation(t *testing.T) {
	r := New()
	if err := r.Enroll("", embedding.New(1, 2), nil); !errors.Is(err, ErrEmptyName) {
		t.Errorf("Expected ErrEmptyName, got %v", err)
	}
	if err := r.Enroll(ReservedName, embedding.New(1, 2), nil); !errors.Is(err, ErrReservedName) {
		t.Errorf("Expected ErrReservedName, got %v", err)
	}
	if !r.IsEmpty() {
		t.Error("Reserved name must not be enrolled")
	}
	if err := r.Enroll("Ann", embedding.New(), nil); !errors.Is(err, ErrInvalidEmbeddingLength) {
		t.Errorf("Expected ErrInvalidEmbeddingLength for empty embedding, got %v", err)
	}

	if err := r.Enroll("Ann", embedding.New(1, 2, 3), nil); err != nil {
		t.Fatal(err)
	}
	if r.Dim() != 3 {
		t.Errorf("Expected dim 3, got %d", r.Dim())
	}
	if err := r.Enroll("Bob", embedding.New(1, 2), nil); !errors.Is(err, ErrInvalidEmbeddingLength) {
		t.Errorf("Expected ErrInvalidEmbeddingLength, got %v", err)
	}
	if r.Len() != 1 {
		t.Errorf("Rejected enrollment must not change the registry, got %d identities", r.Len())
	}
}

func TestRemove(t *testing.T) {
	r := New()
	r.Enroll("Ann", embedding.New(1, 2), []byte("a"))
	r.Enroll("Cid", embedding.New(3, 4), []byte("c"))

	if err := r.Remove("Bob"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
	if r.Len() != 2 {
		t.Errorf("Registry changed after failed remove: %d identities", r.Len())
	}

	if err := r.Remove("Ann"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, ok := r.Get("Ann"); ok {
		t.Error("Ann still present after remove")
	}
	if !r.IsEmpty() && r.List()[0].Name != "Cid" {
		t.Errorf("Expected Cid to remain, got %+v", r.List())
	}
}

func TestListReturnsCopies(t *testing.T) {
	r := New()
	r.Enroll("Ann", embedding.New(1, 2), []byte{1})

	list := r.List()
	list[0].Embeddings[0][0] = 99
	list[0].References[0][0] = 99

	got, _ := r.Get("Ann")
	if got.Embeddings[0][0] != 1 || got.References[0][0] != 1 {
		t.Error("List exposed internal state")
	}
}

func TestEnrollCopiesInput(t *testing.T) {
	r := New()
	e := embedding.New(1, 2)
	r.Enroll("Ann", e, nil)
	e[0] = 42

	got, _ := r.Get("Ann")
	if got.Embeddings[0][0] != 1 {
		t.Error("Registry aliases caller's embedding")
	}
}

func TestRangeOrder(t *testing.T) {
	r := New()
	r.Enroll("Ann", embedding.New(1), nil)
	r.Enroll("Bob", embedding.New(2), nil)
	r.Enroll("Ann", embedding.New(3), nil)

	var seen []float32
	r.Range(func(name string, e embedding.Embedding) bool {
		seen = append(seen, e[0])
		return true
	})
	want := []float32{1, 3, 2}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("Expected %v, got %v", want, seen)
		}
	}

	count := 0
	r.Range(func(string, embedding.Embedding) bool {
		count++
		return false
	})
	if count != 1 {
		t.Errorf("Range did not stop early, visited %d", count)
	}
}

func TestRename(t *testing.T) {
	r := New()
	r.Enroll("Ann", embedding.New(1, 2), []byte("a"))
	r.Enroll("Bob", embedding.New(3, 4), []byte("b"))

	tests := []struct {
		name    string
		from    string
		to      string
		wantErr error
	}{
		{"Missing source", "Cid", "Dee", ErrNotFound},
		{"Empty target", "Ann", "", ErrEmptyName},
		{"Target taken", "Ann", "Bob", ErrNameTaken},
		{"Reserved target", "Ann", ReservedName, ErrReservedName},
		{"Same name is a no-op", "Ann", "Ann", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := r.Rename(tt.from, tt.to); !errors.Is(err, tt.wantErr) {
				t.Errorf("Expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	if err := r.Rename("Ann", "Annie"); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}
	list := r.List()
	if list[0].Name != "Annie" || list[1].Name != "Bob" {
		t.Errorf("Expected position kept after rename, got %s, %s", list[0].Name, list[1].Name)
	}
	if _, ok := r.Get("Ann"); ok {
		t.Error("Old name still resolvable")
	}
	if id, ok := r.Get("Annie"); !ok || !bytes.Equal(id.References[0], []byte("a")) {
		t.Error("Renamed identity lost its samples")
	}
}

func TestClear(t *testing.T) {
	r := New()
	r.Enroll("Ann", embedding.New(1, 2), nil)
	r.Clear()

	if !r.IsEmpty() || r.Dim() != 0 {
		t.Fatalf("Expected empty registry with no dimension, got %d identities, dim %d", r.Len(), r.Dim())
	}
	// A cleared registry accepts a new dimensionality.
	if err := r.Enroll("Bob", embedding.New(1, 2, 3), nil); err != nil {
		t.Errorf("Enroll after Clear failed: %v", err)
	}
}

func TestSubscribe(t *testing.T) {
	r := New()
	calls := 0
	r.Subscribe(func() { calls++ })

	r.Enroll("Ann", embedding.New(1), nil)
	r.Enroll("", embedding.New(1), nil) // rejected, no notification
	r.Remove("Ann")
	r.Remove("Ann") // not found, no notification

	if calls != 2 {
		t.Errorf("Expected 2 change notifications, got %d", calls)
	}
}

func TestConcurrentEnrollAndRead(t *testing.T) {
	r := New()
	var wg sync.WaitGroup

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				r.Enroll("Ann", embedding.New(float32(j), 0), []byte{byte(j)})
			}
		}()
	}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				for _, id := range r.List() {
					if len(id.Embeddings) != len(id.References) {
						t.Errorf("misaligned identity %s: %d embeddings, %d references", id.Name, len(id.Embeddings), len(id.References))
						return
					}
				}
			}
		}()
	}
	wg.Wait()

	got, _ := r.Get("Ann")
	if got.Samples() != 800 {
		t.Errorf("Expected 800 samples, got %d", got.Samples())
	}
}
