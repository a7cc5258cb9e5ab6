package matcher

import (
	"math"

	"github.com/andresmejia3/facewatch/internal/embedding"
	"github.com/andresmejia3/facewatch/internal/registry"
)

// Unknown is the candidate name reported when nothing is enrolled.
// The registry refuses to enroll it.
const Unknown = registry.ReservedName

// Candidate is the nearest enrolled identity for one observed embedding.
type Candidate struct {
	Name     string
	Distance float64
}

// Match scans every embedding of every identity and returns the closest one.
// Ties keep the first candidate in registry order. An empty registry yields
// {Unknown, +Inf} so callers need no special case.
func Match(observed embedding.Embedding, reg *registry.Registry) (Candidate, error) {
	best := Candidate{Name: Unknown, Distance: math.Inf(1)}

	var err error
	reg.Range(func(name string, e embedding.Embedding) bool {
		var d float64
		d, err = embedding.Distance(observed, e)
		if err != nil {
			return false
		}
		if d < best.Distance {
			best = Candidate{Name: name, Distance: d}
		}
		return true
	})
	if err != nil {
		return Candidate{Name: Unknown, Distance: math.Inf(1)}, err
	}
	return best, nil
}
