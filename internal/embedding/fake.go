package embedding

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/draw"
	"math"
	"sync"

	"github.com/andresmejia3/facewatch/internal/types"
)

// FakeDim is the embedding dimension produced by Fake.
const FakeDim = 8

const identityStep = 25

// IdentityColor is the fill colour Fake reads back as identity id (1..FakeDim).
// Black means no face.
func IdentityColor(id int) color.RGBA {
	return color.RGBA{R: uint8(id * identityStep), G: 40, B: 40, A: 255}
}

// FaceImage returns a w×h frame showing one face of identity id. id 0 yields an empty frame.
func FaceImage(w, h, id int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	if id > 0 {
		draw.Draw(img, img.Bounds(), &image.Uniform{C: IdentityColor(id)}, image.Point{}, draw.Src)
	}
	return img
}

// PaintFace fills box on img with the colour of identity id.
func PaintFace(img *image.RGBA, box types.BoundingBox, id int) {
	draw.Draw(img, box.Rect(), &image.Uniform{C: IdentityColor(id)}, image.Point{}, draw.Src)
}

// Fake is a deterministic Service for tests. Faces are uniformly painted
// regions whose red channel encodes an identity; embeddings are one-hot.
type Fake struct {
	// Boxes, when set, replaces detection with these boxes for every non-empty frame.
	Boxes []types.BoundingBox
	// Err, when set, is returned by every call.
	Err error

	mu    sync.Mutex
	calls map[string]int
}

var _ Service = (*Fake)(nil)

// Calls returns how many times op was invoked.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *Fake) record(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[op]++
	return f.Err
}

func (f *Fake) Detect(ctx context.Context, img image.Image, all bool) ([]types.BoundingBox, error) {
	if err := f.record("detect"); err != nil {
		return nil, err
	}
	var boxes []types.BoundingBox
	if f.Boxes != nil {
		for _, b := range f.Boxes {
			if identityAt(img, center(b)) > 0 {
				boxes = append(boxes, b)
			}
		}
	} else if b := img.Bounds(); identityAt(img, center(fromRect(b))) > 0 {
		boxes = []types.BoundingBox{{Left: b.Min.X + 2, Top: b.Min.Y + 2, Right: b.Max.X - 2, Bottom: b.Max.Y - 2}}
	}
	if !all && len(boxes) > 1 {
		boxes = boxes[types.Largest(boxes) : types.Largest(boxes)+1]
	}
	return boxes, nil
}

func (f *Fake) Align(ctx context.Context, img image.Image, box types.BoundingBox) (image.Image, error) {
	if err := f.record("align"); err != nil {
		return nil, err
	}
	id := identityAt(img, center(box))
	if id == 0 {
		return nil, ErrNoFaceDetected
	}
	return FaceImage(16, 16, id), nil
}

func (f *Fake) Embed(ctx context.Context, aligned image.Image) ([]float64, error) {
	if err := f.record("embed"); err != nil {
		return nil, err
	}
	id := identityAt(aligned, center(fromRect(aligned.Bounds())))
	if id == 0 || id > FakeDim {
		return nil, errors.New("fake: unreadable identity")
	}
	vec := make([]float64, FakeDim)
	vec[id-1] = 1
	return vec, nil
}

func (f *Fake) Landmarks(ctx context.Context, img image.Image, box types.BoundingBox) ([]image.Point, error) {
	if err := f.record("landmarks"); err != nil {
		return nil, err
	}
	c := center(box)
	return []image.Point{
		{X: (box.Left + c.X) / 2, Y: (box.Top + c.Y) / 2},
		{X: (box.Right + c.X) / 2, Y: (box.Top + c.Y) / 2},
		c,
		{X: c.X, Y: (box.Bottom + c.Y) / 2},
	}, nil
}

func identityAt(img image.Image, p image.Point) int {
	if !p.In(img.Bounds()) {
		return 0
	}
	r, _, _, _ := img.At(p.X, p.Y).RGBA()
	return int(math.Round(float64(r>>8) / identityStep))
}

func center(b types.BoundingBox) image.Point {
	return image.Pt((b.Left+b.Right)/2, (b.Top+b.Bottom)/2)
}

func fromRect(r image.Rectangle) types.BoundingBox {
	return types.BoundingBox{Left: r.Min.X, Top: r.Min.Y, Right: r.Max.X, Bottom: r.Max.Y}
}
