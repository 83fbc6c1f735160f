package dataset

import (
	"encoding/hex"
	"path/filepath"
	"strings"
)

// Artifact file names inside a classifier directory.
const (
	LabelsFile      = "labels.csv"
	RepsFile        = "reps.csv"
	LocalLabelsFile = "local_labels.csv"
	LocalRepsFile   = "local_reps.csv"
	ModelFile       = "classifier.bin"
	KnownNamesFile  = "known_names.csv"
)

// Layout resolves every path the pipeline reads or writes.
type Layout struct {
	DataDir   string
	ModelsDir string
}

func (l Layout) RawDir() string                  { return filepath.Join(l.DataDir, "training-images") }
func (l Layout) RawLabelDir(label string) string { return labelDir(l.RawDir(), label) }
func (l Layout) AlignedDir() string              { return filepath.Join(l.DataDir, "aligned-images") }
func (l Layout) AlignedLabelDir(label string) string {
	return labelDir(l.AlignedDir(), label)
}
func (l Layout) ClassifierDir() string { return filepath.Join(l.DataDir, "classifier") }
func (l Layout) ArchiveDir() string    { return filepath.Join(l.DataDir, "archive") }

// DefaultClassifierDir holds the bundled model that Reset rolls back to.
func (l Layout) DefaultClassifierDir() string { return filepath.Join(l.ModelsDir, "classifier") }

// Working returns the path of an artifact in the working classifier directory.
func (l Layout) Working(name string) string { return filepath.Join(l.ClassifierDir(), name) }

// Default returns the path of an artifact in the bundled classifier directory.
func (l Layout) Default(name string) string { return filepath.Join(l.DefaultClassifierDir(), name) }

// ValidLabel reports whether label can name a sample directory: non-empty,
// not "." or "..", and free of path separators and NUL.
func ValidLabel(label string) bool {
	return label != "" && label != "." && label != ".." && !strings.ContainsAny(label, "/\\\x00")
}

// labelDir returns the directory of label under parent. Invalid labels are
// hex-escaped so the result never leaves parent.
func labelDir(parent, label string) string {
	if !ValidLabel(label) {
		label = "_" + hex.EncodeToString([]byte(label))
	}
	return filepath.Join(parent, label)
}
