// Package classifier fits and evaluates probabilistic multi-class models over
// face embeddings.
package classifier

import (
	"errors"
	"fmt"
	"math"
)

// ErrTraining is returned when a trainer rejects its input.
var ErrTraining = errors.New("training rejected")

// Classifier returns one probability per class id.
type Classifier interface {
	PredictProba(vec []float64) ([]float64, error)
	Kind() string
}

// Model pairs an encoder with the classifier fitted against its ids.
// A Model is immutable once built.
type Model struct {
	Encoder    *Encoder
	Classifier Classifier
}

// Predict returns the most probable label and its probability.
// The lowest class id wins ties.
func (m *Model) Predict(vec []float64) (string, float64, error) {
	probs, err := m.Classifier.PredictProba(vec)
	if err != nil {
		return "", 0, err
	}
	best := ArgMax(probs)
	if best < 0 {
		return "", 0, fmt.Errorf("classifier returned no probabilities")
	}
	label, ok := m.Encoder.Decode(best)
	if !ok {
		return "", 0, fmt.Errorf("class id %d outside encoder range %d", best, m.Encoder.Len())
	}
	return label, probs[best], nil
}

// ArgMax returns the index of the first maximum, or -1 for an empty slice.
func ArgMax(xs []float64) int {
	best := -1
	for i, x := range xs {
		if best < 0 || x > xs[best] {
			best = i
		}
	}
	return best
}

// Trainer fits a model from embeddings and their labels.
type Trainer interface {
	Fit(vectors [][]float64, labels []string) (*Model, error)
}

// NewTrainer returns the trainer registered under kind.
func NewTrainer(kind string, scale float64, k int) (Trainer, error) {
	switch kind {
	case KindCentroid:
		return CentroidTrainer{Scale: scale}, nil
	case KindKNN:
		return KNNTrainer{K: k}, nil
	default:
		return nil, fmt.Errorf("unknown classifier kind %q", kind)
	}
}

// checkInput validates the training set shared by every trainer and returns its dimension.
func checkInput(vectors [][]float64, labels []string) (int, error) {
	if len(vectors) == 0 {
		return 0, fmt.Errorf("%w: no samples", ErrTraining)
	}
	if len(vectors) != len(labels) {
		return 0, fmt.Errorf("%w: %d vectors but %d labels", ErrTraining, len(vectors), len(labels))
	}
	dim := len(vectors[0])
	if dim == 0 {
		return 0, fmt.Errorf("%w: empty vectors", ErrTraining)
	}
	for i, v := range vectors {
		if len(v) != dim {
			return 0, fmt.Errorf("%w: vector %d has dimension %d, want %d", ErrTraining, i, len(v), dim)
		}
		for _, x := range v {
			if math.IsNaN(x) || math.IsInf(x, 0) {
				return 0, fmt.Errorf("%w: vector %d is not finite", ErrTraining, i)
			}
		}
	}
	if n := NewEncoder(labels).Len(); n < 2 {
		return 0, fmt.Errorf("%w: need at least 2 classes, got %d", ErrTraining, n)
	}
	return dim, nil
}

func normalize(v []float64) []float64 {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	out := make([]float64, len(v))
	if sum == 0 {
		return out
	}
	n := math.Sqrt(sum)
	for i, x := range v {
		out[i] = x / n
	}
	return out
}

func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}
