package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"sync"
	"time"

	"github.com/andresmejia3/facewatch/internal/embedding"
	"github.com/andresmejia3/facewatch/internal/metrics"
	"github.com/andresmejia3/facewatch/internal/types"
	"github.com/andresmejia3/facewatch/internal/utils"
	"github.com/vmihailenco/msgpack/v5"
)

// Operations understood by python/worker.py.
const (
	OpDetect    = "detect"
	OpAlign     = "align"
	OpEmbed     = "embed"
	OpLandmarks = "landmarks"
)

// Request is the msgpack body sent to the worker.
type Request struct {
	Op    string `msgpack:"op"`
	Image []byte `msgpack:"image"` // JPEG
	Box   [4]int `msgpack:"box,omitempty"`
	All   bool   `msgpack:"all,omitempty"`
}

// Response is the msgpack body returned for a successful request.
type Response struct {
	Boxes   [][4]int  `msgpack:"boxes,omitempty"`   // [left, top, right, bottom]
	Aligned []byte    `msgpack:"aligned,omitempty"` // PNG
	Vec     []float64 `msgpack:"vec,omitempty"`
	Points  [][2]int  `msgpack:"points,omitempty"`
}

// exchanger is the part of PythonWorker the service needs.
type exchanger interface {
	Communicate(data []byte) ([]byte, error)
	Kill()
	Dead() bool
	Close()
}

// Service implements embedding.Service on top of a PythonWorker. A worker
// that died is replaced on the next request when the service can spawn one.
type Service struct {
	mu      sync.Mutex
	w       exchanger
	spawn   func() (exchanger, error)
	timeout time.Duration
}

var _ embedding.Service = (*Service)(nil)

// NewService wraps w without restarting it. A non-positive timeout disables
// the per-request deadline.
func NewService(w *PythonWorker, timeout time.Duration) *Service {
	return &Service{w: w, timeout: timeout}
}

// StartService launches the worker script and restarts it whenever it dies.
func StartService(python, script string, timeout time.Duration) (*Service, error) {
	spawn := func() (exchanger, error) {
		w, err := NewPythonWorker(python, script)
		if err != nil {
			return nil, err
		}
		return w, nil
	}
	w, err := spawn()
	if err != nil {
		return nil, err
	}
	return &Service{w: w, spawn: spawn, timeout: timeout}, nil
}

// Close stops the current worker.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w.Close()
}

// Command returns the current worker process, for crash logs.
func (s *Service) Command() *utils.SafeCommand {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.w.(*PythonWorker); ok {
		return w.Cmd
	}
	return nil
}

// worker returns the live worker, starting a replacement for a dead one.
func (s *Service) worker() (exchanger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.w.Dead() || s.spawn == nil {
		return s.w, nil
	}
	w, err := s.spawn()
	if err != nil {
		return nil, fmt.Errorf("restart worker: %w", err)
	}
	old := s.w
	s.w = w
	metrics.WorkerRestartsTotal.Inc()
	go func() {
		old.Kill()
		old.Close()
	}()
	return w, nil
}

func (s *Service) Detect(ctx context.Context, img image.Image, all bool) ([]types.BoundingBox, error) {
	resp, err := s.call(ctx, OpDetect, img, [4]int{}, all)
	if errors.Is(err, embedding.ErrNoFaceDetected) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	boxes := make([]types.BoundingBox, 0, len(resp.Boxes))
	for _, b := range resp.Boxes {
		boxes = append(boxes, types.BoundingBox{Left: b[0], Top: b[1], Right: b[2], Bottom: b[3]})
	}
	if !all && len(boxes) > 1 {
		i := types.Largest(boxes)
		boxes = boxes[i : i+1]
	}
	return boxes, nil
}

func (s *Service) Align(ctx context.Context, img image.Image, box types.BoundingBox) (image.Image, error) {
	resp, err := s.call(ctx, OpAlign, img, boxArray(box), false)
	if err != nil {
		return nil, err
	}
	aligned, err := png.Decode(bytes.NewReader(resp.Aligned))
	if err != nil {
		return nil, fmt.Errorf("decode aligned face: %w", err)
	}
	return aligned, nil
}

func (s *Service) Embed(ctx context.Context, aligned image.Image) ([]float64, error) {
	resp, err := s.call(ctx, OpEmbed, aligned, [4]int{}, false)
	if err != nil {
		return nil, err
	}
	if len(resp.Vec) == 0 {
		return nil, embedding.ErrNoFaceDetected
	}
	return resp.Vec, nil
}

func (s *Service) Landmarks(ctx context.Context, img image.Image, box types.BoundingBox) ([]image.Point, error) {
	resp, err := s.call(ctx, OpLandmarks, img, boxArray(box), false)
	if err != nil {
		return nil, err
	}
	pts := make([]image.Point, len(resp.Points))
	for i, p := range resp.Points {
		pts[i] = image.Pt(p[0], p[1])
	}
	return pts, nil
}

func (s *Service) call(ctx context.Context, op string, img image.Image, box [4]int, all bool) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	req, err := msgpack.Marshal(&Request{Op: op, Image: buf.Bytes(), Box: box, All: all})
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", op, err)
	}

	w, err := s.worker()
	if err != nil {
		return nil, err
	}

	type result struct {
		body []byte
		err  error
	}
	done := make(chan result, 1)
	start := time.Now()
	go func() {
		body, err := w.Communicate(req)
		done <- result{body, err}
	}()

	var expired <-chan time.Time
	if s.timeout > 0 {
		timer := time.NewTimer(s.timeout)
		defer timer.Stop()
		expired = timer.C
	}

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		// The request finishes in the background and its reply is dropped.
		return nil, fmt.Errorf("%s request abandoned: %w", op, ctx.Err())
	case <-expired:
		// A hung process cannot be resynchronized; the next request gets a new one.
		w.Kill()
		return nil, fmt.Errorf("%s request timed out after %v: %w", op, s.timeout, context.DeadlineExceeded)
	}
	metrics.WorkerRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	if errors.Is(res.err, errNoFace) {
		return nil, embedding.ErrNoFaceDetected
	}
	if res.err != nil {
		return nil, res.err
	}
	var resp Response
	if err := msgpack.Unmarshal(res.body, &resp); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", op, err)
	}
	return &resp, nil
}

func boxArray(b types.BoundingBox) [4]int {
	return [4]int{b.Left, b.Top, b.Right, b.Bottom}
}
