// Package dataset persists labeled face embeddings as the two-file CSV pair
// (labels.csv, reps.csv) that training reads and extends.
package dataset

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrNotFound is returned when one file of a pair is missing.
	ErrNotFound = errors.New("dataset not found")
	// ErrCorrupt is returned when a pair cannot be parsed or is inconsistent.
	ErrCorrupt = errors.New("dataset corrupt")
)

// Record is one embedding of one sample. Records are never mutated after creation.
type Record struct {
	Label  string
	Sample string
	Vec    []float64
}

// Table is an ordered set of records.
type Table []Record

// Merge returns local followed by baseline. The result always contains every
// baseline record, so repeated merges only grow the dataset.
func Merge(local, baseline Table) Table {
	out := make(Table, 0, len(local)+len(baseline))
	out = append(out, local...)
	return append(out, baseline...)
}

// Labels returns the label column.
func (t Table) Labels() []string {
	out := make([]string, len(t))
	for i, r := range t {
		out[i] = r.Label
	}
	return out
}

// Vectors returns the embedding column.
func (t Table) Vectors() [][]float64 {
	out := make([][]float64, len(t))
	for i, r := range t {
		out[i] = r.Vec
	}
	return out
}

// Validate checks that every vector has the same dimension and only finite values.
func (t Table) Validate() error {
	if len(t) == 0 {
		return nil
	}
	dim := len(t[0].Vec)
	for i, r := range t {
		if len(r.Vec) != dim || dim == 0 {
			return fmt.Errorf("%w: record %d has dimension %d, want %d", ErrCorrupt, i, len(r.Vec), dim)
		}
		for _, v := range r.Vec {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("%w: record %d has non-finite value", ErrCorrupt, i)
			}
		}
	}
	return nil
}
