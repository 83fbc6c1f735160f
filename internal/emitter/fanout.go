package emitter

import (
	"errors"
	"image"

	"github.com/andresmejia3/facewatch/internal/types"
)

// Fanout forwards every call to each publisher and joins their errors.
type Fanout []Publisher

func (f Fanout) PublishImage(img image.Image) error {
	var errs []error
	for _, p := range f {
		errs = append(errs, p.PublishImage(img))
	}
	return errors.Join(errs...)
}

func (f Fanout) PublishFaces(faces []types.Face) error {
	var errs []error
	for _, p := range f {
		errs = append(errs, p.PublishFaces(faces))
	}
	return errors.Join(errs...)
}

func (f Fanout) PublishEvent(event string) error {
	var errs []error
	for _, p := range f {
		errs = append(errs, p.PublishEvent(event))
	}
	return errors.Join(errs...)
}

func (f Fanout) SetState(key string, value any) error {
	var errs []error
	for _, p := range f {
		errs = append(errs, p.SetState(key, value))
	}
	return errors.Join(errs...)
}
