package controller

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/andresmejia3/facewatch/internal/classifier"
	"github.com/andresmejia3/facewatch/internal/collector"
	"github.com/andresmejia3/facewatch/internal/config"
	"github.com/andresmejia3/facewatch/internal/dataset"
	"github.com/andresmejia3/facewatch/internal/embedding"
	"github.com/andresmejia3/facewatch/internal/emitter"
	"github.com/andresmejia3/facewatch/internal/recognizer"
	"github.com/andresmejia3/facewatch/internal/registry"
	"github.com/andresmejia3/facewatch/internal/trainer"
	"github.com/andresmejia3/facewatch/internal/types"
	"go.uber.org/zap"
)

const (
	idAlice = 1
	idBob   = 2
	idCarol = 3
)

func oneHot(id int) []float64 {
	v := make([]float64, embedding.FakeDim)
	v[id-1] = 1
	return v
}

type recordingUpdater struct {
	mu     sync.Mutex
	pushed []config.Params
	err    error
}

func (u *recordingUpdater) UpdateParams(_ context.Context, p config.Params) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.pushed = append(u.pushed, p)
	return u.err
}

func (u *recordingUpdater) last() (config.Params, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.pushed) == 0 {
		return config.Params{}, false
	}
	return u.pushed[len(u.pushed)-1], true
}

// blockingRunner is a trainer that runs until released or cancelled.
type blockingRunner struct {
	release chan struct{}

	mu     sync.Mutex
	runs   []string
	resets int
	saves  int
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{release: make(chan struct{})}
}

func (r *blockingRunner) Run(ctx context.Context, label string) (*trainer.Result, error) {
	r.mu.Lock()
	r.runs = append(r.runs, label)
	r.mu.Unlock()
	select {
	case <-ctx.Done():
		return nil, trainer.ErrCancelled
	case <-r.release:
		return &trainer.Result{Label: label}, nil
	}
}

func (r *blockingRunner) Reset(context.Context) error {
	r.mu.Lock()
	r.resets++
	r.mu.Unlock()
	return nil
}

func (r *blockingRunner) Save() (bool, error) {
	r.mu.Lock()
	r.saves++
	r.mu.Unlock()
	return true, nil
}

type fixture struct {
	layout  dataset.Layout
	reg     *registry.Registry
	rec     *emitter.Recorder
	updater *recordingUpdater
	ctrl    *Controller
}

// newFixture wires a controller over a default model knowing bob and carol.
// A nil runner selects the real trainer.
func newFixture(t *testing.T, run Runner) *fixture {
	t.Helper()
	layout := dataset.Layout{DataDir: t.TempDir(), ModelsDir: t.TempDir()}
	base := dataset.Table{
		{Label: "bob", Sample: "b1", Vec: oneHot(idBob)},
		{Label: "carol", Sample: "c1", Vec: oneHot(idCarol)},
	}
	if err := dataset.Write(layout.Default(dataset.LabelsFile), layout.Default(dataset.RepsFile), base); err != nil {
		t.Fatal(err)
	}
	m, err := classifier.CentroidTrainer{Scale: 10}.Fit(base.Vectors(), base.Labels())
	if err != nil {
		t.Fatal(err)
	}
	if err := classifier.Save(layout.Default(dataset.ModelFile), m); err != nil {
		t.Fatal(err)
	}

	log := zap.NewNop()
	svc := &embedding.Fake{}
	reg := registry.New(layout.Default(dataset.ModelFile), []string{"bob", "carol"}, log)
	if err := reg.Reset(); err != nil {
		t.Fatal(err)
	}
	rec := emitter.NewRecorder()
	if run == nil {
		run = trainer.New(svc, reg, rec, trainer.Options{
			Layout:     layout,
			Classifier: classifier.CentroidTrainer{Scale: 10},
			KnownSeed:  []string{"bob", "carol"},
		}, log)
	}
	updater := &recordingUpdater{}
	engine := recognizer.New(svc, reg, rec, recognizer.Options{ClearEvery: 150, HistorySize: 10}, log)
	col := collector.New(svc, layout, rec, false, log)
	ctrl := New(engine, col, run, rec, Options{
		ProcessEvery: 1,
		Params:       config.DefaultParams(),
		Updater:      updater,
	}, log)
	t.Cleanup(ctrl.Close)
	return &fixture{layout: layout, reg: reg, rec: rec, updater: updater, ctrl: ctrl}
}

func trainParams(name string, quota int) config.Params {
	p := config.DefaultParams()
	p.Train = true
	p.FaceName = name
	p.MaxFaceCount = quota
	return p
}

func countEvents(events []string, e string) int {
	n := 0
	for _, ev := range events {
		if ev == e {
			n++
		}
	}
	return n
}

func TestScenario_Alice(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	got := f.ctrl.Reconfigure(ctx, trainParams(" Alice ", 3))
	if got.FaceName != "alice" || !got.Train {
		t.Fatalf("unexpected corrected params %+v", got)
	}
	if f.ctrl.Mode() != ModeCollecting {
		t.Fatalf("expected collecting, got %s", f.ctrl.Mode())
	}

	frame := embedding.FaceImage(64, 64, idAlice)
	for i := 0; i < 3; i++ {
		f.ctrl.HandleFrame(ctx, frame)
	}
	f.ctrl.Wait()

	if f.ctrl.Mode() != ModeIdle {
		t.Fatalf("expected idle after training, got %s", f.ctrl.Mode())
	}
	want := []string{types.EventStart, "1/3", "2/3", "3/3", types.EventTraining, types.EventEnd}
	events := f.rec.Events()
	if len(events) != len(want) {
		t.Fatalf("expected events %v, got %v", want, events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("event %d: expected %q, got %q", i, want[i], events[i])
		}
	}
	if !f.reg.IsKnown("alice") {
		t.Error("alice should be a known name after training")
	}
	if p, ok := f.updater.last(); !ok || p.Train || p.FaceName != "" {
		t.Errorf("expected train=false, face_name=\"\" pushed back, got %+v (%v)", p, ok)
	}
	if p := f.ctrl.Params(); p.Train || p.FaceName != "" {
		t.Errorf("controller params not cleared: %+v", p)
	}

	f.ctrl.HandleFrame(ctx, frame)
	faces := f.rec.LastFaces()
	if len(faces) != 1 || faces[0].Name != "alice" {
		t.Errorf("expected alice to be recognized, got %+v", faces)
	}
}

func TestQuotaTransition(t *testing.T) {
	run := newBlockingRunner()
	f := newFixture(t, run)
	ctx := context.Background()
	f.ctrl.Reconfigure(ctx, trainParams("alice", 4))

	frame := embedding.FaceImage(64, 64, idAlice)
	for i := 1; i < 4; i++ {
		f.ctrl.HandleFrame(ctx, frame)
		if f.ctrl.Mode() != ModeCollecting {
			t.Fatalf("left collecting after %d samples", i)
		}
	}
	f.ctrl.HandleFrame(ctx, frame)
	if f.ctrl.Mode() != ModeTraining {
		t.Fatalf("expected training at the quota, got %s", f.ctrl.Mode())
	}
	if s := f.ctrl.Status(); s.Count != 4 || s.Quota != 4 || s.Label != "alice" {
		t.Errorf("unexpected status %+v", s)
	}
	close(run.release)
	f.ctrl.Wait()
	if len(run.runs) != 1 || run.runs[0] != "alice" {
		t.Errorf("expected one alice run, got %v", run.runs)
	}
}

func TestScenario_StopBeforeQuota(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.ctrl.Reconfigure(ctx, trainParams("alice", 5))

	frame := embedding.FaceImage(64, 64, idAlice)
	f.ctrl.HandleFrame(ctx, frame)
	f.ctrl.HandleFrame(ctx, frame)

	stop := trainParams("alice", 5)
	stop.Train = false
	f.ctrl.Reconfigure(ctx, stop)

	if f.ctrl.Mode() != ModeIdle {
		t.Fatalf("expected idle, got %s", f.ctrl.Mode())
	}
	events := f.rec.Events()
	if countEvents(events, types.EventTraining) != 0 {
		t.Errorf("trainer should not have run: %v", events)
	}
	if countEvents(events, types.EventAbort) != 1 {
		t.Errorf("expected one abort, got %v", events)
	}
	for _, name := range []string{dataset.LocalLabelsFile, dataset.LocalRepsFile, dataset.ModelFile} {
		if _, err := os.Stat(f.layout.Working(name)); !os.IsNotExist(err) {
			t.Errorf("%s should not exist", name)
		}
	}
	if f.reg.IsKnown("alice") {
		t.Error("alice must not become known")
	}
	if _, err := os.Stat(f.layout.RawLabelDir("alice")); !os.IsNotExist(err) {
		t.Error("samples of a stopped collection should be discarded")
	}
}

func TestStoppedCollectionDoesNotLeakIntoNextRound(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	// Two of bob's faces collected under alice, then abandoned.
	f.ctrl.Reconfigure(ctx, trainParams("alice", 5))
	f.ctrl.HandleFrame(ctx, embedding.FaceImage(64, 64, idBob))
	f.ctrl.HandleFrame(ctx, embedding.FaceImage(64, 64, idBob))
	stop := trainParams("alice", 5)
	stop.Train = false
	f.ctrl.Reconfigure(ctx, stop)

	f.ctrl.Reconfigure(ctx, trainParams("alice", 3))
	for i := 0; i < 3; i++ {
		f.ctrl.HandleFrame(ctx, embedding.FaceImage(64, 64, idAlice))
	}
	f.ctrl.Wait()

	local, err := dataset.Read(f.layout.Working(dataset.LocalLabelsFile), f.layout.Working(dataset.LocalRepsFile))
	if err != nil {
		t.Fatal(err)
	}
	if len(local) != 3 {
		t.Errorf("expected 3 samples in the round, got %d", len(local))
	}
	if label, _, err := f.reg.Model().Predict(oneHot(idBob)); err != nil || label != "bob" {
		t.Errorf("bob should still be recognized as bob, got %s %v", label, err)
	}
}

func TestSaveSkippedDuringTraining(t *testing.T) {
	run := newBlockingRunner()
	f := newFixture(t, run)
	ctx := context.Background()

	f.ctrl.Reconfigure(ctx, trainParams("alice", 1))
	f.ctrl.HandleFrame(ctx, embedding.FaceImage(64, 64, idAlice))
	if f.ctrl.Mode() != ModeTraining {
		t.Fatalf("expected training, got %s", f.ctrl.Mode())
	}

	p := trainParams("alice", 1)
	p.Save = true
	if got := f.ctrl.Reconfigure(ctx, p); got.Save {
		t.Error("save is one-shot")
	}
	run.mu.Lock()
	saves := run.saves
	run.mu.Unlock()
	if saves != 0 {
		t.Errorf("save must not run while training, got %d", saves)
	}
	if f.ctrl.Mode() != ModeTraining {
		t.Errorf("training should continue, got %s", f.ctrl.Mode())
	}

	close(run.release)
	f.ctrl.Wait()
}

func TestStopDuringTraining(t *testing.T) {
	run := newBlockingRunner()
	f := newFixture(t, run)
	ctx := context.Background()
	f.ctrl.Reconfigure(ctx, trainParams("alice", 1))
	f.ctrl.HandleFrame(ctx, embedding.FaceImage(64, 64, idAlice))
	if f.ctrl.Mode() != ModeTraining {
		t.Fatalf("expected training, got %s", f.ctrl.Mode())
	}

	// Frames keep flowing while the trainer is blocked.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			f.ctrl.HandleFrame(ctx, embedding.FaceImage(64, 64, idAlice))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("frame handling blocked on training")
	}

	stop := config.DefaultParams()
	f.ctrl.Reconfigure(ctx, stop)
	f.ctrl.Wait()

	if f.ctrl.Mode() != ModeIdle {
		t.Errorf("expected idle, got %s", f.ctrl.Mode())
	}
	events := f.rec.Events()
	if countEvents(events, types.EventAbort) != 1 || countEvents(events, types.EventEnd) != 0 {
		t.Errorf("expected exactly one abort and no end, got %v", events)
	}
	if _, ok := f.updater.last(); ok {
		t.Error("params should not be pushed back after an explicit stop")
	}
}

func TestStartReplacesRunningJob(t *testing.T) {
	run := newBlockingRunner()
	f := newFixture(t, run)
	ctx := context.Background()
	f.ctrl.Reconfigure(ctx, trainParams("alice", 1))
	f.ctrl.HandleFrame(ctx, embedding.FaceImage(64, 64, idAlice))

	// Same label while training is ignored.
	f.ctrl.Reconfigure(ctx, trainParams("alice", 1))
	if f.ctrl.Mode() != ModeTraining {
		t.Fatalf("same-label request should be a no-op, got %s", f.ctrl.Mode())
	}

	f.ctrl.Reconfigure(ctx, trainParams("dave", 2))
	if s := f.ctrl.Status(); s.Mode != ModeCollecting || s.Label != "dave" || s.Count != 0 {
		t.Errorf("unexpected status %+v", s)
	}
	events := f.rec.Events()
	if countEvents(events, types.EventStart) != 2 || countEvents(events, types.EventAbort) != 1 {
		t.Errorf("unexpected events %v", events)
	}
}

func TestReconfigure_EmptyNameRefused(t *testing.T) {
	f := newFixture(t, newBlockingRunner())
	got := f.ctrl.Reconfigure(context.Background(), trainParams("   ", 10))
	if got.Train {
		t.Error("train without a name must be corrected to false")
	}
	if f.ctrl.Mode() != ModeIdle {
		t.Errorf("expected idle, got %s", f.ctrl.Mode())
	}
	if len(f.rec.Events()) != 0 {
		t.Errorf("no event expected, got %v", f.rec.Events())
	}
}

func TestReconfigure_Disable(t *testing.T) {
	run := newBlockingRunner()
	f := newFixture(t, run)
	ctx := context.Background()

	p := trainParams("alice", 3)
	p.Enable = false
	p.Reset = true
	got := f.ctrl.Reconfigure(ctx, p)
	if got.Train || got.Reset {
		t.Errorf("disable must force train and reset off, got %+v", got)
	}
	if f.ctrl.Mode() != ModeDisabled {
		t.Fatalf("expected disabled, got %s", f.ctrl.Mode())
	}
	if run.resets != 0 {
		t.Error("reset must not run while disabled")
	}

	frame := embedding.FaceImage(64, 64, idBob)
	f.ctrl.HandleFrame(ctx, frame)
	if f.rec.LastImage() != frame {
		t.Error("disabled frames should be republished unmodified")
	}
	if len(f.rec.Faces()) != 0 {
		t.Error("no recognition while disabled")
	}

	f.ctrl.Reconfigure(ctx, config.DefaultParams())
	if f.ctrl.Mode() != ModeIdle {
		t.Errorf("expected idle after re-enable, got %s", f.ctrl.Mode())
	}
}

func TestReconfigure_Reset(t *testing.T) {
	run := newBlockingRunner()
	f := newFixture(t, run)
	ctx := context.Background()
	f.ctrl.Reconfigure(ctx, trainParams("alice", 1))
	f.ctrl.HandleFrame(ctx, embedding.FaceImage(64, 64, idAlice))

	p := trainParams("alice", 1)
	p.Reset = true
	got := f.ctrl.Reconfigure(ctx, p)
	if got.Reset || got.Train {
		t.Errorf("reset should come back cleared with train off, got %+v", got)
	}
	if f.ctrl.Mode() != ModeIdle {
		t.Errorf("expected idle, got %s", f.ctrl.Mode())
	}
	if run.resets != 1 {
		t.Errorf("expected one reset, got %d", run.resets)
	}
	if countEvents(f.rec.Events(), types.EventAbort) != 1 {
		t.Errorf("running training should be aborted once, got %v", f.rec.Events())
	}
}

func TestReconfigure_SaveAndTuning(t *testing.T) {
	run := newBlockingRunner()
	f := newFixture(t, run)

	p := config.DefaultParams()
	p.Save = true
	p.ConfidenceThreshold = 0.8
	p.MultiFaces = true
	got := f.ctrl.Reconfigure(context.Background(), p)
	if got.Save {
		t.Error("save is one-shot")
	}
	if run.saves != 1 {
		t.Errorf("expected one save, got %d", run.saves)
	}
	if cur := f.ctrl.Params(); cur.ConfidenceThreshold != 0.8 || !cur.MultiFaces {
		t.Errorf("tuning not applied: %+v", cur)
	}
}

func TestUpdaterFailureIsLogged(t *testing.T) {
	run := newBlockingRunner()
	f := newFixture(t, run)
	f.updater.err = errors.New("broker down")
	ctx := context.Background()

	f.ctrl.Reconfigure(ctx, trainParams("alice", 1))
	f.ctrl.HandleFrame(ctx, embedding.FaceImage(64, 64, idAlice))
	close(run.release)
	f.ctrl.Wait()

	if f.ctrl.Mode() != ModeIdle {
		t.Errorf("a failed push must not affect the mode, got %s", f.ctrl.Mode())
	}
	if countEvents(f.rec.Events(), types.EventEnd) != 1 {
		t.Errorf("expected end, got %v", f.rec.Events())
	}
}

func TestSubsampling(t *testing.T) {
	f := newFixture(t, newBlockingRunner())
	f.ctrl.processEvery = 3
	ctx := context.Background()
	frame := embedding.FaceImage(64, 64, idBob)

	f.ctrl.HandleFrame(ctx, frame)
	f.ctrl.HandleFrame(ctx, frame)
	if len(f.rec.Faces()) != 0 {
		t.Fatal("frames between process points should only be republished")
	}
	f.ctrl.HandleFrame(ctx, frame)
	if faces := f.rec.LastFaces(); len(faces) != 1 || faces[0].Name != "bob" {
		t.Errorf("expected bob on the third frame, got %+v", faces)
	}
	if f.rec.Images() != 3 {
		t.Errorf("every frame should be published, got %d", f.rec.Images())
	}
}
