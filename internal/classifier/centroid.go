package classifier

import (
	"fmt"
	"math"
)

const KindCentroid = "centroid"

// CentroidTrainer fits one unit-length mean embedding per class and scores a
// query with a softmax over scaled cosine similarities.
type CentroidTrainer struct {
	Scale float64
}

func (t CentroidTrainer) Fit(vectors [][]float64, labels []string) (*Model, error) {
	dim, err := checkInput(vectors, labels)
	if err != nil {
		return nil, err
	}
	enc := NewEncoder(labels)

	sums := make([][]float64, enc.Len())
	for i := range sums {
		sums[i] = make([]float64, dim)
	}
	for i, v := range vectors {
		id, _ := enc.Encode(labels[i])
		u := normalize(v)
		for j := range u {
			sums[id][j] += u[j]
		}
	}
	centroids := make([][]float64, len(sums))
	for i, s := range sums {
		centroids[i] = normalize(s)
	}

	scale := t.Scale
	if scale <= 0 {
		scale = 10
	}
	return &Model{Encoder: enc, Classifier: &Centroid{Centroids: centroids, Scale: scale}}, nil
}

// Centroid is the fitted centroid classifier.
type Centroid struct {
	Centroids [][]float64
	Scale     float64
}

func (c *Centroid) Kind() string { return KindCentroid }

func (c *Centroid) PredictProba(vec []float64) ([]float64, error) {
	if len(c.Centroids) == 0 {
		return nil, fmt.Errorf("centroid classifier has no classes")
	}
	if len(vec) != len(c.Centroids[0]) {
		return nil, fmt.Errorf("query dimension %d, model dimension %d", len(vec), len(c.Centroids[0]))
	}
	q := normalize(vec)
	scores := make([]float64, len(c.Centroids))
	maxScore := math.Inf(-1)
	for i, cen := range c.Centroids {
		scores[i] = c.Scale * dot(q, cen)
		maxScore = math.Max(maxScore, scores[i])
	}
	var total float64
	for i := range scores {
		scores[i] = math.Exp(scores[i] - maxScore)
		total += scores[i]
	}
	for i := range scores {
		scores[i] /= total
	}
	return scores, nil
}
