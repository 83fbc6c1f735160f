package config

import (
	"strings"

	"github.com/andresmejia3/facewatch/internal/dataset"
)

const (
	DefaultConfidenceThreshold = 0.5
	DefaultMaxFaceCount        = 10
)

// Params is the reactive configuration pushed at runtime.
type Params struct {
	Enable              bool    `json:"enable" yaml:"enable"`
	Train               bool    `json:"train" yaml:"train"`
	FaceName            string  `json:"face_name" yaml:"face_name"`
	Reset               bool    `json:"reset" yaml:"reset"`
	Save                bool    `json:"save" yaml:"save"`
	ConfidenceThreshold float64 `json:"confidence_threshold" yaml:"confidence_threshold"`
	MultiFaces          bool    `json:"multi_faces" yaml:"multi_faces"`
	MaxFaceCount        int     `json:"max_face_count" yaml:"max_face_count"`
}

// DefaultParams returns the parameters a fresh process starts with.
func DefaultParams() Params {
	return Params{
		Enable:              true,
		ConfidenceThreshold: DefaultConfidenceThreshold,
		MaxFaceCount:        DefaultMaxFaceCount,
	}
}

// Normalize applies the corrections the controller reports back to the sender:
// the face name is trimmed and lower-cased, a name that is not a single path
// element is dropped, training without a name is refused, the threshold is
// clamped to [0,1] and the quota is kept positive.
func (p Params) Normalize() Params {
	p.FaceName = NormalizeLabel(p.FaceName)
	if !dataset.ValidLabel(p.FaceName) {
		p.FaceName = ""
		p.Train = false
	}
	if p.ConfidenceThreshold < 0 {
		p.ConfidenceThreshold = 0
	}
	if p.ConfidenceThreshold > 1 {
		p.ConfidenceThreshold = 1
	}
	if p.MaxFaceCount <= 0 {
		p.MaxFaceCount = DefaultMaxFaceCount
	}
	return p
}

// NormalizeLabel returns the canonical form of an identity label.
func NormalizeLabel(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
