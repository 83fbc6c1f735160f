// Package embedding defines the face analysis backend the pipeline depends on.
package embedding

import (
	"context"
	"errors"
	"image"

	"github.com/andresmejia3/facewatch/internal/types"
)

// ErrNoFaceDetected is returned when an operation needs a face and finds none.
var ErrNoFaceDetected = errors.New("no face detected")

// Service detects, aligns, embeds and landmarks faces.
type Service interface {
	// Detect returns every face when all is set, otherwise at most the largest one.
	Detect(ctx context.Context, img image.Image, all bool) ([]types.BoundingBox, error)
	// Align returns the normalized face crop for box.
	Align(ctx context.Context, img image.Image, box types.BoundingBox) (image.Image, error)
	// Embed returns the embedding of an aligned face.
	Embed(ctx context.Context, aligned image.Image) ([]float64, error)
	// Landmarks returns facial keypoints inside box.
	Landmarks(ctx context.Context, img image.Image, box types.BoundingBox) ([]image.Point, error)
}
