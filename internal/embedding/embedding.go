package embedding

import (
	"errors"
	"fmt"
	"math"
)

// DefaultDim is the length of the face descriptors produced by the worker (dlib ResNet).
const DefaultDim = 128

// ErrDimensionMismatch is returned when two embeddings of different length are compared.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Embedding is a fixed-length face descriptor. Treat values as immutable once
// they are handed to the registry; use Clone to obtain a private copy.
type Embedding []float32

// New copies values into a fresh Embedding.
func New(values ...float32) Embedding {
	e := make(Embedding, len(values))
	copy(e, values)
	return e
}

// FromFloat64 narrows a float64 vector (JSON payloads, legacy rows) to an Embedding.
func FromFloat64(values []float64) Embedding {
	e := make(Embedding, len(values))
	for i, v := range values {
		e[i] = float32(v)
	}
	return e
}

// Dim returns the number of elements in the embedding.
func (e Embedding) Dim() int {
	return len(e)
}

// Clone returns a deep copy.
func (e Embedding) Clone() Embedding {
	if e == nil {
		return nil
	}
	return New(e...)
}

// Equal reports whether both embeddings have the same length and identical values.
func Equal(a, b Embedding) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Distance computes the Euclidean (L2) distance between a and b.
// The sum is accumulated in float64 and in index order, so Distance(a, b) == Distance(b, a).
func Distance(a, b Embedding) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d != %d", ErrDimensionMismatch, len(a), len(b))
	}
	var sum float64
	for i := range a {
		diff := float64(a[i]) - float64(b[i])
		sum += diff * diff
	}
	return math.Sqrt(sum), nil
}
