package matcher

import "fmt"

// DefaultThreshold is the similarity an observation must exceed to be accepted.
const DefaultThreshold = 0.6

// Result is the verdict for one observed embedding.
type Result struct {
	Name       string  `json:"name"`
	Distance   float64 `json:"distance"`
	Confidence float64 `json:"confidence"`
	IsMatch    bool    `json:"is_match"`
}

// Policy turns a Candidate into a matched/unmatched verdict.
type Policy struct {
	Threshold float64
}

// ValidateThreshold ensures t lies in the open interval (0, 1). NaN is rejected.
func ValidateThreshold(t float64) error {
	if !(t > 0 && t < 1) {
		return fmt.Errorf("threshold must be between 0.0 and 1.0 (exclusive), got %f", t)
	}
	return nil
}

// Decide accepts c when its similarity (1 - distance) exceeds the threshold.
// Confidence is not clamped and may be negative.
func (p Policy) Decide(c Candidate) Result {
	res := Result{
		Name:       c.Name,
		Distance:   c.Distance,
		Confidence: 1 - c.Distance,
	}
	if c.Name == Unknown || c.Name == "" {
		res.Name = Unknown
		return res
	}
	res.IsMatch = c.Distance < 1-p.Threshold
	return res
}
