// Package emitter publishes pipeline output: annotated frames, face lists,
// training events and external state.
package emitter

import (
	"image"

	"github.com/andresmejia3/facewatch/internal/types"
)

// Publisher receives everything the pipeline reports.
type Publisher interface {
	PublishImage(img image.Image) error
	PublishFaces(faces []types.Face) error
	PublishEvent(event string) error
	SetState(key string, value any) error
}

// Nop discards everything.
type Nop struct{}

func (Nop) PublishImage(image.Image) error { return nil }

func (Nop) PublishFaces([]types.Face) error { return nil }

func (Nop) PublishEvent(string) error { return nil }

func (Nop) SetState(string, any) error { return nil }
