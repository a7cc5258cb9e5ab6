package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/andresmejia3/facewatch/internal/embedding"
)

var (
	// ErrNotFound is returned when removing or looking up an identity that is not enrolled.
	ErrNotFound = errors.New("identity not found")
	// ErrEmptyName is returned when enrolling with an empty identity name.
	ErrEmptyName = errors.New("identity name must not be empty")
	// ErrInvalidEmbeddingLength is returned when an embedding does not match the registry dimensionality.
	ErrInvalidEmbeddingLength = errors.New("invalid embedding length")
	// ErrNameTaken is returned when renaming onto an identity that already exists.
	ErrNameTaken = errors.New("identity name already in use")
	// ErrReservedName is returned for ReservedName, which verdicts use for "no match".
	ErrReservedName = errors.New("identity name is reserved")
)

// ReservedName cannot be enrolled; it names the unmatched candidate.
const ReservedName = "unknown"

// Identity is one enrolled person. References[i] is the source image of Embeddings[i].
type Identity struct {
	Name       string
	Embeddings []embedding.Embedding
	References [][]byte
}

// Samples returns the number of enrollment samples.
func (id Identity) Samples() int {
	return len(id.Embeddings)
}

func (id *Identity) clone() Identity {
	out := Identity{
		Name:       id.Name,
		Embeddings: make([]embedding.Embedding, len(id.Embeddings)),
		References: make([][]byte, len(id.References)),
	}
	for i, e := range id.Embeddings {
		out.Embeddings[i] = e.Clone()
	}
	for i, r := range id.References {
		out.References[i] = append([]byte(nil), r...)
	}
	return out
}

// Registry is the in-memory, insertion-ordered set of enrolled identities.
// It is safe for concurrent use; the matching path only ever takes the read lock.
type Registry struct {
	mu     sync.RWMutex
	order  []*Identity
	byName map[string]*Identity
	dim    int

	subMu       sync.Mutex
	subscribers []func()
}

// New creates an empty registry. Its dimensionality is fixed by the first enrolled embedding.
func New() *Registry {
	return &Registry{byName: make(map[string]*Identity)}
}

// Subscribe registers fn to be called after every successful mutation.
// Callbacks run outside the registry lock and must not block for long.
func (r *Registry) Subscribe(fn func()) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	r.subscribers = append(r.subscribers, fn)
}

func (r *Registry) notify() {
	r.subMu.Lock()
	subs := append([]func(){}, r.subscribers...)
	r.subMu.Unlock()
	for _, fn := range subs {
		fn()
	}
}

// Enroll appends emb/ref to the identity called name, creating it if needed.
func (r *Registry) Enroll(name string, emb embedding.Embedding, ref []byte) error {
	if err := r.enroll(name, emb, ref); err != nil {
		return err
	}
	r.notify()
	return nil
}

func (r *Registry) enroll(name string, emb embedding.Embedding, ref []byte) error {
	if name == "" {
		return ErrEmptyName
	}
	if name == ReservedName {
		return fmt.Errorf("%w: %q", ErrReservedName, name)
	}
	if len(emb) == 0 {
		return fmt.Errorf("%w: empty embedding", ErrInvalidEmbeddingLength)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.dim != 0 && len(emb) != r.dim {
		return fmt.Errorf("%w: got %d, registry uses %d", ErrInvalidEmbeddingLength, len(emb), r.dim)
	}
	if r.dim == 0 {
		r.dim = len(emb)
	}

	// Both slices are extended under the same write lock so readers never see them misaligned.
	e := emb.Clone()
	p := append([]byte(nil), ref...)
	if id, ok := r.byName[name]; ok {
		id.Embeddings = append(id.Embeddings, e)
		id.References = append(id.References, p)
		return nil
	}

	id := &Identity{
		Name:       name,
		Embeddings: []embedding.Embedding{e},
		References: [][]byte{p},
	}
	r.order = append(r.order, id)
	r.byName[name] = id
	return nil
}

// Remove deletes the identity called name. ErrNotFound leaves the registry untouched.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	if _, ok := r.byName[name]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	delete(r.byName, name)
	for i, id := range r.order {
		if id.Name == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	r.notify()
	return nil
}

// Rename changes the name of an identity, keeping its position and samples.
func (r *Registry) Rename(from, to string) error {
	if to == "" {
		return ErrEmptyName
	}
	if to == ReservedName {
		return fmt.Errorf("%w: %q", ErrReservedName, to)
	}
	r.mu.Lock()
	id, ok := r.byName[from]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrNotFound, from)
	}
	if from == to {
		r.mu.Unlock()
		return nil
	}
	if _, taken := r.byName[to]; taken {
		r.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrNameTaken, to)
	}
	delete(r.byName, from)
	id.Name = to
	r.byName[to] = id
	r.mu.Unlock()

	r.notify()
	return nil
}

// Clear removes every identity and releases the fixed dimensionality.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.order = nil
	r.byName = make(map[string]*Identity)
	r.dim = 0
	r.mu.Unlock()

	r.notify()
}

// Get returns a copy of the identity called name.
func (r *Registry) Get(name string) (Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[name]
	if !ok {
		return Identity{}, false
	}
	return id.clone(), true
}

// List returns copies of all identities in enrollment order.
func (r *Registry) List() []Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Identity, len(r.order))
	for i, id := range r.order {
		out[i] = id.clone()
	}
	return out
}

// Range calls fn for every embedding in registry order (oldest identity first,
// then oldest embedding first) until fn returns false. fn must not mutate the registry.
func (r *Registry) Range(fn func(name string, e embedding.Embedding) bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.order {
		for _, e := range id.Embeddings {
			if !fn(id.Name, e) {
				return
			}
		}
	}
}

// Len returns the number of enrolled identities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// IsEmpty reports whether no identity is enrolled.
func (r *Registry) IsEmpty() bool {
	return r.Len() == 0
}

// Dim returns the embedding length fixed by the first enrollment, or 0 before any.
func (r *Registry) Dim() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dim
}
