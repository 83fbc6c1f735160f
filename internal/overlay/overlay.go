// Package overlay draws recognition results onto preview frames.
package overlay

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/andresmejia3/facewatch/internal/types"
)

// Palette is cycled through in draw order.
var Palette = []color.RGBA{
	{R: 255, G: 0, B: 0, A: 255},
	{R: 0, G: 255, B: 0, A: 255},
	{R: 0, G: 0, B: 255, A: 255},
	{R: 255, G: 255, B: 0, A: 255},
	{R: 255, G: 0, B: 255, A: 255},
	{R: 0, G: 255, B: 255, A: 255},
}

const strokeWidth = 2

// Clone copies img into a new RGBA with the same bounds.
func Clone(img image.Image) *image.RGBA {
	dst := image.NewRGBA(img.Bounds())
	draw.Draw(dst, dst.Bounds(), img, img.Bounds().Min, draw.Src)
	return dst
}

// Crop copies the part of img inside box. The result is empty when box lies outside img.
func Crop(img image.Image, box types.BoundingBox) *image.RGBA {
	r := box.Rect().Intersect(img.Bounds())
	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(dst, dst.Bounds(), img, r.Min, draw.Src)
	return dst
}

// Fit scales img down so neither side exceeds maxSide. Smaller images are returned as is.
func Fit(img image.Image, maxSide int) image.Image {
	b := img.Bounds()
	if maxSide <= 0 || (b.Dx() <= maxSide && b.Dy() <= maxSide) {
		return img
	}
	w, h := maxSide, b.Dy()*maxSide/b.Dx()
	if b.Dy() > b.Dx() {
		w, h = b.Dx()*maxSide/b.Dy(), maxSide
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}

// Color returns the palette colour of the i-th drawn face.
func Color(i int) color.RGBA {
	return Palette[i%len(Palette)]
}

// Draw returns a copy of img with a box, a label and landmark dots per face.
// Faces are drawn in slice order.
func Draw(img image.Image, faces []types.Face) *image.RGBA {
	dst := Clone(img)
	for i, f := range faces {
		c := Color(i)
		Rect(dst, f.Box.Rect(), c)
		if f.Name != "" {
			Label(dst, image.Pt(f.Box.Left, f.Box.Top-4), f.Name, c)
		}
		for _, p := range f.Landmarks {
			dot(dst, p, c)
		}
	}
	return dst
}

// Rect strokes the outline of r.
func Rect(dst *image.RGBA, r image.Rectangle, c color.Color) {
	u := &image.Uniform{C: c}
	for i := 0; i < strokeWidth; i++ {
		draw.Draw(dst, image.Rect(r.Min.X, r.Min.Y+i, r.Max.X, r.Min.Y+i+1), u, image.Point{}, draw.Src)
		draw.Draw(dst, image.Rect(r.Min.X, r.Max.Y-i-1, r.Max.X, r.Max.Y-i), u, image.Point{}, draw.Src)
		draw.Draw(dst, image.Rect(r.Min.X+i, r.Min.Y, r.Min.X+i+1, r.Max.Y), u, image.Point{}, draw.Src)
		draw.Draw(dst, image.Rect(r.Max.X-i-1, r.Min.Y, r.Max.X-i, r.Max.Y), u, image.Point{}, draw.Src)
	}
}

// Label writes text with its baseline at p.
func Label(dst *image.RGBA, p image.Point, text string, c color.Color) {
	if p.Y < basicfont.Face7x13.Ascent {
		p.Y = basicfont.Face7x13.Ascent
	}
	d := font.Drawer{
		Dst:  dst,
		Src:  &image.Uniform{C: c},
		Face: basicfont.Face7x13,
		Dot:  fixed.P(p.X, p.Y),
	}
	d.DrawString(text)
}

func dot(dst *image.RGBA, p image.Point, c color.Color) {
	draw.Draw(dst, image.Rect(p.X-1, p.Y-1, p.X+1, p.Y+1), &image.Uniform{C: c}, image.Point{}, draw.Src)
}
