package types

import (
	"time"

	"github.com/andresmejia3/facewatch/internal/embedding"
	"github.com/google/uuid"
)

// FaceResult is one face returned by the embedding worker
type FaceResult struct {
	Loc     []int               `json:"loc"` // [top, right, bottom, left]
	Vec     embedding.Embedding `json:"vec"` // 128-d face encoding
	Quality float64             `json:"quality"`
	Thumb   []byte              `json:"-"` // cropped face JPEG, may be empty
}

// Area returns the bounding box area, used to pick the dominant face in an image.
func (f FaceResult) Area() int {
	if len(f.Loc) != 4 {
		return 0
	}
	return (f.Loc[2] - f.Loc[0]) * (f.Loc[1] - f.Loc[3])
}

const (
	// SchemaVersionV1 is the first version of the event payload schema.
	SchemaVersionV1 = 1

	// EventTypeIdentityAppeared is emitted when an enrolled identity newly comes into view.
	EventTypeIdentityAppeared = "facewatch.identity.appeared"
)

// IdentityAppeared is the only externally observable output of a detection session.
type IdentityAppeared struct {
	SchemaVersion int       `json:"schema_version"`
	EventType     string    `json:"event_type"`
	EventID       string    `json:"event_id"`
	EmittedAt     time.Time `json:"emitted_at"`
	Name          string    `json:"name"`
	Distance      float64   `json:"distance"`
	Confidence    float64   `json:"confidence"`
	Loc           []int     `json:"loc,omitempty"`
	Cycle         uint64    `json:"cycle"`
}

// NewIdentityAppeared stamps a new event with a fresh ID and the current time.
func NewIdentityAppeared(name string, distance float64, loc []int, cycle uint64) IdentityAppeared {
	return IdentityAppeared{
		SchemaVersion: SchemaVersionV1,
		EventType:     EventTypeIdentityAppeared,
		EventID:       uuid.NewString(),
		EmittedAt:     time.Now().UTC(),
		Name:          name,
		Distance:      distance,
		Confidence:    1 - distance,
		Loc:           loc,
		Cycle:         cycle,
	}
}
