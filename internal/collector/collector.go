// Package collector captures labeled face samples from live frames.
package collector

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/andresmejia3/facewatch/internal/dataset"
	"github.com/andresmejia3/facewatch/internal/embedding"
	"github.com/andresmejia3/facewatch/internal/emitter"
	"github.com/andresmejia3/facewatch/internal/metrics"
	"github.com/andresmejia3/facewatch/internal/overlay"
	"github.com/andresmejia3/facewatch/internal/types"
)

// Collector writes one face sample per accepted frame.
type Collector struct {
	svc    embedding.Service
	layout dataset.Layout
	pub    emitter.Publisher
	crop   bool
	logger *zap.Logger

	total atomic.Int64
}

func New(svc embedding.Service, layout dataset.Layout, pub emitter.Publisher, crop bool, logger *zap.Logger) *Collector {
	return &Collector{
		svc:    svc,
		layout: layout,
		pub:    pub,
		crop:   crop,
		logger: logger.Named("collector"),
	}
}

// Total returns the number of samples written since start, across sessions.
func (c *Collector) Total() int64 { return c.total.Load() }

// Collect stores a sample of the largest face in img for the session label.
// It reports whether a sample was written. Frames without a usable face are
// skipped without error.
func (c *Collector) Collect(ctx context.Context, img image.Image, s *Session) (bool, error) {
	boxes, err := c.svc.Detect(ctx, img, false)
	if err != nil {
		return false, fmt.Errorf("detect: %w", err)
	}
	i := types.Largest(boxes)
	if i < 0 {
		return false, nil
	}
	box := boxes[i]

	preview := overlay.Draw(img, []types.Face{{Name: s.Label(), Box: box}})
	if err := c.pub.PublishImage(preview); err != nil {
		c.logger.Debug("preview not published", zap.Error(err))
	}

	sample := img
	if c.crop {
		cropped := overlay.Crop(img, box)
		if cropped.Bounds().Empty() {
			return false, nil
		}
		sample = cropped
	}

	path, err := c.write(s.Label(), sample)
	if err != nil {
		return false, err
	}

	c.total.Add(1)
	n := s.add(path)
	metrics.SamplesCollectedTotal.Inc()
	c.logger.Debug("sample written", zap.String("label", s.Label()), zap.String("path", path), zap.Int("count", n))

	if err := c.pub.PublishEvent(s.Progress()); err != nil {
		c.logger.Debug("progress not published", zap.Error(err))
	}
	return true, nil
}

// Discard deletes the samples written for s, and the label directory once it
// is empty. Samples of other sessions are left alone.
func (c *Collector) Discard(s *Session) {
	paths := s.takeSamples()
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn("sample not discarded", zap.String("path", path), zap.Error(err))
		}
	}
	os.Remove(c.layout.RawLabelDir(s.Label()))
	c.logger.Debug("session samples discarded", zap.String("label", s.Label()), zap.Int("samples", len(paths)))
}

func (c *Collector) write(label string, img image.Image) (string, error) {
	dir := c.layout.RawLabelDir(label)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	id, err := uuid.NewUUID()
	if err != nil {
		id = uuid.New()
	}
	path := filepath.Join(dir, fmt.Sprintf("%x.jpg", id[:]))
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: 95}); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("encode sample: %w", err)
	}
	return path, f.Close()
}
