// Package recognizer identifies faces in live frames with the active model.
package recognizer

import (
	"context"
	"errors"
	"image"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/andresmejia3/facewatch/internal/embedding"
	"github.com/andresmejia3/facewatch/internal/emitter"
	"github.com/andresmejia3/facewatch/internal/metrics"
	"github.com/andresmejia3/facewatch/internal/overlay"
	"github.com/andresmejia3/facewatch/internal/registry"
	"github.com/andresmejia3/facewatch/internal/types"
)

// Options configures an Engine.
type Options struct {
	ClearEvery  int // clear results after a faceless frame whose number is a multiple of this
	HistorySize int
	Threshold   float64
	MultiFaces  bool
}

// Engine runs inference on frames and publishes the results.
type Engine struct {
	svc    embedding.Service
	reg    *registry.Registry
	pub    emitter.Publisher
	logger *zap.Logger

	clearEvery int

	mu        sync.Mutex
	threshold float64
	multi     bool
	faces     []types.Face
	history   *history
}

func New(svc embedding.Service, reg *registry.Registry, pub emitter.Publisher, opts Options, logger *zap.Logger) *Engine {
	if opts.ClearEvery <= 0 {
		opts.ClearEvery = 150
	}
	return &Engine{
		svc:        svc,
		reg:        reg,
		pub:        pub,
		logger:     logger.Named("recognizer"),
		clearEvery: opts.ClearEvery,
		threshold:  opts.Threshold,
		multi:      opts.MultiFaces,
		history:    newHistory(opts.HistorySize),
	}
}

// SetThreshold sets the confidence above which a label counts as present.
func (e *Engine) SetThreshold(v float64) {
	e.mu.Lock()
	e.threshold = v
	e.mu.Unlock()
}

// SetMultiFaces toggles classification of every face instead of the largest.
func (e *Engine) SetMultiFaces(v bool) {
	e.mu.Lock()
	e.multi = v
	e.mu.Unlock()
}

// Faces returns the last published result.
func (e *Engine) Faces() []types.Face {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]types.Face(nil), e.faces...)
}

// Clear forgets the last result.
func (e *Engine) Clear() {
	e.mu.Lock()
	e.faces = nil
	e.mu.Unlock()
}

// Republish publishes img annotated with the last result.
func (e *Engine) Republish(img image.Image) {
	faces := e.Faces()
	if err := e.pub.PublishImage(overlay.Draw(img, faces)); err != nil {
		e.logger.Debug("frame not published", zap.Error(err))
	}
}

// Process runs full recognition on frame number frameNo, publishes the face
// list, state and annotated frame, and returns the accepted faces.
// Backend failures leave the previous result in place.
func (e *Engine) Process(ctx context.Context, img image.Image, frameNo int) []types.Face {
	faces, err := e.infer(ctx, img)
	if err != nil {
		metrics.RecognitionsTotal.WithLabelValues("error").Inc()
		e.logger.Warn("recognition skipped", zap.Int("frame", frameNo), zap.Error(err))
		e.Republish(img)
		return e.Faces()
	}

	e.mu.Lock()
	threshold := e.threshold
	if len(faces) > 0 {
		e.faces = faces
		var present []string
		for _, f := range faces {
			if f.Confidence > threshold {
				present = append(present, f.Name)
			}
		}
		current := strings.Join(present, "|")
		e.history.push(current)
		recent := strings.Join(e.history.items(), ",")
		e.mu.Unlock()

		e.setState(types.StateRecentPersons, recent)
		e.setState(types.StateCurrentPersons, current)
		e.setState(types.StateFaceVisible, true)
	} else {
		expired := frameNo%e.clearEvery == 0
		if expired {
			e.faces = nil
		}
		e.mu.Unlock()

		if expired {
			e.setState(types.StateFaceVisible, false)
			e.setState(types.StateCurrentPersons, "")
		}
	}

	published := e.Faces()
	if err := e.pub.PublishFaces(published); err != nil {
		e.logger.Debug("faces not published", zap.Error(err))
	}
	e.Republish(img)
	return published
}

// infer detects, classifies and landmarks the faces in img. Faces whose best
// label is not known are dropped. The result is ordered by box area, largest first.
func (e *Engine) infer(ctx context.Context, img image.Image) ([]types.Face, error) {
	model := e.reg.Model()
	if model == nil {
		return nil, nil
	}

	e.mu.Lock()
	multi := e.multi
	e.mu.Unlock()

	boxes, err := e.svc.Detect(ctx, img, multi)
	if err != nil {
		return nil, err
	}

	var faces []types.Face
	for _, box := range boxes {
		aligned, err := e.svc.Align(ctx, img, box)
		if errors.Is(err, embedding.ErrNoFaceDetected) {
			continue
		}
		if err != nil {
			return nil, err
		}
		vec, err := e.svc.Embed(ctx, aligned)
		if errors.Is(err, embedding.ErrNoFaceDetected) {
			continue
		}
		if err != nil {
			return nil, err
		}
		label, conf, err := model.Predict(vec)
		if err != nil {
			return nil, err
		}
		if !e.reg.IsKnown(label) {
			metrics.RecognitionsTotal.WithLabelValues("suppressed").Inc()
			e.logger.Debug("label not in known names", zap.String("label", label))
			continue
		}
		landmarks, err := e.svc.Landmarks(ctx, img, box)
		if err != nil {
			e.logger.Debug("landmarks unavailable", zap.Error(err))
		}
		metrics.RecognitionsTotal.WithLabelValues("accepted").Inc()
		faces = append(faces, types.Face{Name: label, Confidence: conf, Box: box, Landmarks: landmarks})
	}

	sort.SliceStable(faces, func(i, j int) bool {
		return faces[i].Box.Area() > faces[j].Box.Area()
	})
	return faces, nil
}

func (e *Engine) setState(key string, value any) {
	if err := e.pub.SetState(key, value); err != nil {
		e.logger.Debug("state not published", zap.String("key", key), zap.Error(err))
	}
}
