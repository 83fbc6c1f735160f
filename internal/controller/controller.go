// Package controller owns the pipeline mode and routes every frame to the
// recognizer, the sample collector or nowhere, and starts and stops training
// runs in response to parameter pushes.
package controller

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/andresmejia3/facewatch/internal/collector"
	"github.com/andresmejia3/facewatch/internal/config"
	"github.com/andresmejia3/facewatch/internal/emitter"
	"github.com/andresmejia3/facewatch/internal/metrics"
	"github.com/andresmejia3/facewatch/internal/recognizer"
	"github.com/andresmejia3/facewatch/internal/trainer"
	"github.com/andresmejia3/facewatch/internal/types"
)

// ErrConfigUpdate wraps failures to push corrected parameters back to their source.
var ErrConfigUpdate = errors.New("config update failed")

const updateTimeout = 5 * time.Second

// Mode is the controller state.
type Mode string

const (
	ModeIdle       Mode = "idle"
	ModeCollecting Mode = "collecting"
	ModeTraining   Mode = "training"
	ModeDisabled   Mode = "disabled"
)

// Runner is the part of the trainer the controller drives.
type Runner interface {
	Run(ctx context.Context, label string) (*trainer.Result, error)
	Reset(ctx context.Context) error
	Save() (bool, error)
}

// ParamUpdater pushes parameters back to the external source after the
// controller changed them on its own.
type ParamUpdater interface {
	UpdateParams(ctx context.Context, p config.Params) error
}

// Options configures a Controller.
type Options struct {
	ProcessEvery int
	ResetSettle  time.Duration
	Params       config.Params
	Updater      ParamUpdater
}

// Status is a snapshot of the controller.
type Status struct {
	Mode   Mode          `json:"mode"`
	Label  string        `json:"label,omitempty"`
	Count  int           `json:"count"`
	Quota  int           `json:"quota"`
	Frames int           `json:"frames"`
	Params config.Params `json:"params"`
}

type job struct {
	label   string
	cancel  context.CancelFunc
	done    chan struct{}
	aborted bool // set under Controller.mu once an abort was emitted for this job
}

type Controller struct {
	engine    *recognizer.Engine
	collector *collector.Collector
	trainer   Runner
	pub       emitter.Publisher
	updater   ParamUpdater
	logger    *zap.Logger

	processEvery int
	settle       time.Duration

	// cfgMu serializes Reconfigure calls; mu guards the fields below.
	cfgMu sync.Mutex

	mu      sync.Mutex
	params  config.Params
	mode    Mode
	session *collector.Session
	job     *job
	frameNo int
}

func New(engine *recognizer.Engine, col *collector.Collector, run Runner, pub emitter.Publisher, opts Options, logger *zap.Logger) *Controller {
	if opts.ProcessEvery <= 0 {
		opts.ProcessEvery = 1
	}
	params := opts.Params.Normalize()
	params.Train, params.FaceName, params.Reset, params.Save = false, "", false, false
	engine.SetThreshold(params.ConfidenceThreshold)
	engine.SetMultiFaces(params.MultiFaces)
	return &Controller{
		engine:       engine,
		collector:    col,
		trainer:      run,
		pub:          pub,
		updater:      opts.Updater,
		logger:       logger.Named("controller"),
		processEvery: opts.ProcessEvery,
		settle:       opts.ResetSettle,
		params:       params,
		mode:         ModeIdle,
	}
}

// SetUpdater sets where corrected parameters are pushed after a training run.
func (c *Controller) SetUpdater(u ParamUpdater) {
	c.mu.Lock()
	c.updater = u
	c.mu.Unlock()
}

// Mode returns the current mode. Disabled overrides the underlying state.
func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.modeLocked()
}

func (c *Controller) modeLocked() Mode {
	if !c.params.Enable {
		return ModeDisabled
	}
	return c.mode
}

// Params returns the parameters currently in effect.
func (c *Controller) Params() config.Params {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.params
}

// Status returns a snapshot for the ops server.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Status{Mode: c.modeLocked(), Frames: c.frameNo, Params: c.params}
	if c.session != nil {
		s.Label, s.Count, s.Quota = c.session.Label(), c.session.Count(), c.session.Quota()
	}
	return s
}

// HandleFrame routes one frame according to the mode. It never waits for a
// training run.
func (c *Controller) HandleFrame(ctx context.Context, img image.Image) {
	c.mu.Lock()
	c.frameNo++
	n := c.frameNo
	mode := c.modeLocked()
	session := c.session
	c.mu.Unlock()

	due := n%c.processEvery == 0
	switch {
	case mode == ModeDisabled:
		c.count(mode, "passthrough")
		c.publish(img)
	case mode == ModeTraining || !due:
		c.count(mode, "skipped")
		c.engine.Republish(img)
	case mode == ModeCollecting:
		c.count(mode, "processed")
		c.collect(ctx, img, session)
	default:
		c.count(mode, "processed")
		c.engine.Process(ctx, img, n)
	}
}

func (c *Controller) collect(ctx context.Context, img image.Image, s *collector.Session) {
	ok, err := c.collector.Collect(ctx, img, s)
	if err != nil {
		c.logger.Warn("sample not collected", zap.String("label", s.Label()), zap.Error(err))
	}
	if !ok {
		c.publish(img)
		return
	}
	c.mu.Lock()
	active := c.session == s
	c.mu.Unlock()
	if !active {
		// The session was stopped while this sample was being written.
		c.collector.Discard(s)
		return
	}
	if s.Full() {
		c.startTraining(s)
	}
}

// startTraining moves Collecting to Training and launches the run. It is a
// no-op when s is no longer the active session.
func (c *Controller) startTraining(s *collector.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != s || c.mode != ModeCollecting || c.job != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	j := &job{label: s.Label(), cancel: cancel, done: make(chan struct{})}
	c.job = j
	c.mode = ModeTraining
	c.logger.Info("quota reached, training", zap.String("label", j.label), zap.Int("samples", s.Count()))
	go c.runJob(ctx, j)
}

func (c *Controller) runJob(ctx context.Context, j *job) {
	defer close(j.done)
	defer j.cancel()

	_, err := c.trainer.Run(ctx, j.label)

	c.mu.Lock()
	aborted := j.aborted
	if c.job == j {
		c.job = nil
	}
	var p config.Params
	if !aborted {
		c.mode = ModeIdle
		c.session = nil
		c.params.Train, c.params.FaceName = false, ""
		p = c.params
	}
	updater := c.updater
	c.mu.Unlock()

	if aborted {
		// Whoever aborted the run already emitted the event and owns the params.
		return
	}
	if err != nil {
		c.event(types.EventAbort)
	} else {
		c.event(types.EventEnd)
	}

	if updater == nil {
		return
	}
	uctx, cancel := context.WithTimeout(context.Background(), updateTimeout)
	defer cancel()
	if err := updater.UpdateParams(uctx, p); err != nil {
		c.logger.Warn("params not pushed back", zap.Error(fmt.Errorf("%w: %w", ErrConfigUpdate, err)))
	}
}

// Reconfigure applies a parameter push and returns the corrected parameters.
// Steps run in a fixed order: enable, save, reset, stop, start, tuning.
// Save and reset are one-shot and always come back false. Save is skipped
// while a training run is in flight.
func (c *Controller) Reconfigure(ctx context.Context, p config.Params) config.Params {
	c.cfgMu.Lock()
	defer c.cfgMu.Unlock()

	p = p.Normalize()
	if !p.Enable {
		p.Reset, p.Train = false, false
	}

	if p.Save {
		c.mu.Lock()
		busy := c.job != nil
		c.mu.Unlock()
		if busy {
			c.logger.Warn("save skipped, training in progress")
		} else {
			c.save()
		}
		p.Save = false
	}

	c.mu.Lock()
	wasEnabled := c.params.Enable
	c.params.Enable = p.Enable
	c.mu.Unlock()

	if wasEnabled && !p.Enable {
		c.logger.Info("pipeline disabled")
	}

	if p.Enable {
		if p.Reset {
			p.Train = false
			c.reset(ctx)
			p.Reset = false
		}
		if p.Train {
			c.start(p.FaceName, p.MaxFaceCount)
		} else {
			c.stop()
		}
	}

	c.engine.SetThreshold(p.ConfidenceThreshold)
	c.engine.SetMultiFaces(p.MultiFaces)

	c.mu.Lock()
	c.params = p
	c.mu.Unlock()
	return p
}

func (c *Controller) save() {
	saved, err := c.trainer.Save()
	switch {
	case err != nil:
		c.logger.Error("save failed", zap.Error(err))
	case !saved:
		c.logger.Warn("nothing to save, working classifier incomplete")
	default:
		c.logger.Info("classifier saved and data archived")
	}
}

func (c *Controller) reset(ctx context.Context) {
	if j := c.stop(); j != nil {
		<-j.done
	}
	if c.settle > 0 {
		time.Sleep(c.settle)
	}
	if err := c.trainer.Reset(ctx); err != nil {
		c.logger.Error("reset incomplete", zap.Error(err))
	}
	c.engine.Clear()
	c.logger.Info("classifier reset to default")
}

// stop ends any collection or training and emits abort if something was
// active. Samples of an unfinished collection are discarded. It returns the
// running job, if any, without waiting for it.
func (c *Controller) stop() *job {
	c.mu.Lock()
	active := c.mode == ModeCollecting || c.mode == ModeTraining
	var abandoned *collector.Session
	if c.mode == ModeCollecting {
		abandoned = c.session
	}
	j := c.job
	c.mode = ModeIdle
	c.session = nil
	if j != nil {
		if j.aborted {
			active = false
		}
		j.aborted = true
		j.cancel()
	}
	c.mu.Unlock()

	if abandoned != nil {
		c.collector.Discard(abandoned)
	}
	if active {
		c.logger.Info("training stopped")
		c.event(types.EventAbort)
	}
	return j
}

// start opens a collection session for label. A request for the label that is
// already collecting or training is ignored; any other active run is stopped
// and awaited first.
func (c *Controller) start(label string, quota int) {
	c.mu.Lock()
	if c.session != nil && c.session.Label() == label {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if j := c.stop(); j != nil {
		<-j.done
	}

	c.mu.Lock()
	c.session = collector.NewSession(label, quota)
	c.mode = ModeCollecting
	c.mu.Unlock()

	c.logger.Info("collecting samples", zap.String("label", label), zap.Int("quota", quota))
	c.event(types.EventStart)
}

// Wait blocks until the running training job, if any, has finished.
func (c *Controller) Wait() {
	c.mu.Lock()
	j := c.job
	c.mu.Unlock()
	if j != nil {
		<-j.done
	}
}

// Close cancels a running training job and waits for it.
func (c *Controller) Close() {
	c.cfgMu.Lock()
	defer c.cfgMu.Unlock()
	c.mu.Lock()
	j := c.job
	if j != nil {
		j.aborted = true
		j.cancel()
	}
	c.mu.Unlock()
	if j != nil {
		<-j.done
	}
}

func (c *Controller) publish(img image.Image) {
	if err := c.pub.PublishImage(img); err != nil {
		c.logger.Debug("frame not published", zap.Error(err))
	}
}

func (c *Controller) event(e string) {
	if err := c.pub.PublishEvent(e); err != nil {
		c.logger.Debug("event not published", zap.String("event", e), zap.Error(err))
	}
}

func (c *Controller) count(mode Mode, result string) {
	metrics.FramesTotal.WithLabelValues(string(mode), result).Inc()
}
