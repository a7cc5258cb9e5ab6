package codec

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/andresmejia3/facewatch/internal/embedding"
	"github.com/andresmejia3/facewatch/internal/registry"
	"gopkg.in/yaml.v3"
)

// SchemaVersion is written into every snapshot.
const SchemaVersion = 1

// ErrCorruptState is returned when persisted registry data cannot be trusted.
var ErrCorruptState = errors.New("corrupt registry state")

// Record is the storable form of one identity.
type Record struct {
	Name       string      `json:"name" yaml:"name"`
	Embeddings [][]float32 `json:"embeddings" yaml:"embeddings"`
	References [][]byte    `json:"references" yaml:"references"`
}

// Snapshot is the storable form of a whole registry.
type Snapshot struct {
	Version    int      `json:"version" yaml:"version"`
	Identities []Record `json:"identities" yaml:"identities"`
}

// Serialize flattens reg into a Snapshot, preserving identity and embedding order.
func Serialize(reg *registry.Registry) Snapshot {
	ids := reg.List()
	snap := Snapshot{Version: SchemaVersion, Identities: make([]Record, 0, len(ids))}
	for _, id := range ids {
		rec := Record{
			Name:       id.Name,
			Embeddings: make([][]float32, len(id.Embeddings)),
			References: id.References,
		}
		for i, e := range id.Embeddings {
			rec.Embeddings[i] = []float32(e)
		}
		snap.Identities = append(snap.Identities, rec)
	}
	return snap
}

// Deserialize rebuilds a Registry from snap. Any inconsistency yields ErrCorruptState.
func Deserialize(snap Snapshot) (*registry.Registry, error) {
	reg := registry.New()
	seen := make(map[string]bool, len(snap.Identities))
	dim := 0

	for i, rec := range snap.Identities {
		if rec.Name == "" {
			return nil, fmt.Errorf("%w: identity #%d has no name", ErrCorruptState, i)
		}
		if seen[rec.Name] {
			return nil, fmt.Errorf("%w: duplicate identity %q", ErrCorruptState, rec.Name)
		}
		seen[rec.Name] = true

		if len(rec.Embeddings) == 0 {
			return nil, fmt.Errorf("%w: identity %q has no embeddings", ErrCorruptState, rec.Name)
		}
		if len(rec.Embeddings) != len(rec.References) {
			return nil, fmt.Errorf("%w: identity %q has %d embeddings but %d references",
				ErrCorruptState, rec.Name, len(rec.Embeddings), len(rec.References))
		}

		for j, values := range rec.Embeddings {
			if dim == 0 {
				dim = len(values)
			}
			if len(values) == 0 || len(values) != dim {
				return nil, fmt.Errorf("%w: identity %q embedding #%d has length %d, expected %d",
					ErrCorruptState, rec.Name, j, len(values), dim)
			}
			if err := reg.Enroll(rec.Name, embedding.New(values...), rec.References[j]); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
			}
		}
	}
	return reg, nil
}

// Marshal encodes snap as JSON. References are base64 encoded by encoding/json.
func Marshal(snap Snapshot) ([]byte, error) {
	return json.Marshal(snap)
}

// Unmarshal decodes a JSON snapshot.
func Unmarshal(data []byte) (Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	return snap, nil
}

// EncodeYAML encodes snap for the export command.
func EncodeYAML(snap Snapshot) ([]byte, error) {
	return yaml.Marshal(snap)
}

// DecodeYAML decodes a snapshot written by EncodeYAML.
func DecodeYAML(data []byte) (Snapshot, error) {
	var snap Snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	return snap, nil
}
