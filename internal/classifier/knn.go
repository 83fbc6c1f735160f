package classifier

import (
	"fmt"
	"sync"

	"github.com/coder/hnsw"
)

const KindKNN = "knn"

const (
	knnMaxNeighbors = 16
	knnEfSearch     = 64
)

// KNNTrainer indexes every training embedding in an HNSW graph and scores a
// query by similarity-weighted votes of its K nearest neighbours.
type KNNTrainer struct {
	K int
}

func (t KNNTrainer) Fit(vectors [][]float64, labels []string) (*Model, error) {
	if _, err := checkInput(vectors, labels); err != nil {
		return nil, err
	}
	enc := NewEncoder(labels)
	targets := make([]int, len(labels))
	for i, l := range labels {
		targets[i], _ = enc.Encode(l)
	}
	k := t.K
	if k <= 0 {
		k = 5
	}
	return &Model{Encoder: enc, Classifier: newKNN(vectors, targets, enc.Len(), k)}, nil
}

// KNN is the fitted nearest-neighbour classifier.
type KNN struct {
	K       int
	Classes int
	Vectors [][]float64
	Targets []int

	mu    sync.Mutex
	graph *hnsw.Graph[int64]
}

func newKNN(vectors [][]float64, targets []int, classes, k int) *KNN {
	g := hnsw.NewGraph[int64]()
	g.M = knnMaxNeighbors
	g.Ml = 1.0 / float64(knnMaxNeighbors)
	g.EfSearch = knnEfSearch
	g.Distance = hnsw.CosineDistance
	for i, v := range vectors {
		g.Add(hnsw.MakeNode(int64(i), toFloat32(v)))
	}
	return &KNN{K: k, Classes: classes, Vectors: vectors, Targets: targets, graph: g}
}

func (c *KNN) Kind() string { return KindKNN }

func (c *KNN) PredictProba(vec []float64) ([]float64, error) {
	if len(c.Vectors) == 0 {
		return nil, fmt.Errorf("knn classifier has no samples")
	}
	if len(vec) != len(c.Vectors[0]) {
		return nil, fmt.Errorf("query dimension %d, model dimension %d", len(vec), len(c.Vectors[0]))
	}
	q := toFloat32(vec)

	c.mu.Lock()
	neighbors := c.graph.Search(q, c.K)
	c.mu.Unlock()

	probs := make([]float64, c.Classes)
	var total float64
	for _, n := range neighbors {
		// Similarity in [0,1]; a tiny floor keeps exact opposites voting.
		w := 1 - float64(hnsw.CosineDistance(q, n.Value))/2
		if w < 1e-6 {
			w = 1e-6
		}
		probs[c.Targets[n.Key]] += w
		total += w
	}
	if total == 0 {
		return nil, fmt.Errorf("knn search returned no neighbours")
	}
	for i := range probs {
		probs[i] /= total
	}
	return probs, nil
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}
