package classifier

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/vmihailenco/msgpack/v5"
)

const blobVersion = 1

// blob is the on-disk form of a Model.
type blob struct {
	Version   int         `msgpack:"version"`
	Kind      string      `msgpack:"kind"`
	Classes   []string    `msgpack:"classes"`
	Scale     float64     `msgpack:"scale,omitempty"`
	Centroids [][]float64 `msgpack:"centroids,omitempty"`
	K         int         `msgpack:"k,omitempty"`
	Vectors   [][]float64 `msgpack:"vectors,omitempty"`
	Targets   []int       `msgpack:"targets,omitempty"`
}

// Marshal serializes a model with msgpack.
func Marshal(m *Model) ([]byte, error) {
	b := blob{Version: blobVersion, Kind: m.Classifier.Kind(), Classes: m.Encoder.Classes()}
	switch c := m.Classifier.(type) {
	case *Centroid:
		b.Scale, b.Centroids = c.Scale, c.Centroids
	case *KNN:
		b.K, b.Vectors, b.Targets = c.K, c.Vectors, c.Targets
	default:
		return nil, fmt.Errorf("cannot serialize classifier kind %q", m.Classifier.Kind())
	}
	return msgpack.Marshal(&b)
}

// Unmarshal rebuilds a model serialized by Marshal.
func Unmarshal(data []byte) (*Model, error) {
	var b blob
	if err := msgpack.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode model: %w", err)
	}
	if b.Version != blobVersion {
		return nil, fmt.Errorf("unsupported model version %d", b.Version)
	}
	if len(b.Classes) == 0 {
		return nil, fmt.Errorf("model has no classes")
	}
	enc := newEncoderFromClasses(b.Classes)

	switch b.Kind {
	case KindCentroid:
		if len(b.Centroids) != len(b.Classes) {
			return nil, fmt.Errorf("model has %d centroids for %d classes", len(b.Centroids), len(b.Classes))
		}
		return &Model{Encoder: enc, Classifier: &Centroid{Centroids: b.Centroids, Scale: b.Scale}}, nil
	case KindKNN:
		if len(b.Vectors) == 0 || len(b.Vectors) != len(b.Targets) {
			return nil, fmt.Errorf("model has %d vectors and %d targets", len(b.Vectors), len(b.Targets))
		}
		for _, t := range b.Targets {
			if t < 0 || t >= len(b.Classes) {
				return nil, fmt.Errorf("model target %d outside %d classes", t, len(b.Classes))
			}
		}
		return &Model{Encoder: enc, Classifier: newKNN(b.Vectors, b.Targets, len(b.Classes), b.K)}, nil
	default:
		return nil, fmt.Errorf("unknown classifier kind %q", b.Kind)
	}
}

// Save writes the model to path through a temp file and rename.
func Save(path string, m *Model) error {
	data, err := Marshal(m)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Load reads a model written by Save.
func Load(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Unmarshal(data)
}
