package trainer

import (
	"context"
	"errors"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"

	"github.com/andresmejia3/facewatch/internal/classifier"
	"github.com/andresmejia3/facewatch/internal/dataset"
	"github.com/andresmejia3/facewatch/internal/embedding"
	"github.com/andresmejia3/facewatch/internal/emitter"
	"github.com/andresmejia3/facewatch/internal/registry"
	"github.com/andresmejia3/facewatch/internal/types"
	"go.uber.org/zap"
)

const (
	idAlice = 1
	idBob   = 2
	idCarol = 3
	idDave  = 4
)

func oneHot(id int) []float64 {
	v := make([]float64, embedding.FakeDim)
	v[id-1] = 1
	return v
}

type fixture struct {
	layout  dataset.Layout
	svc     *embedding.Fake
	reg     *registry.Registry
	rec     *emitter.Recorder
	trainer *Trainer
}

// newFixture installs a bundled default dataset and model knowing bob and carol.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	layout := dataset.Layout{DataDir: t.TempDir(), ModelsDir: t.TempDir()}

	base := dataset.Table{
		{Label: "bob", Sample: "b1", Vec: oneHot(idBob)},
		{Label: "bob", Sample: "b2", Vec: oneHot(idBob)},
		{Label: "carol", Sample: "c1", Vec: oneHot(idCarol)},
		{Label: "carol", Sample: "c2", Vec: oneHot(idCarol)},
	}
	if err := dataset.Write(layout.Default(dataset.LabelsFile), layout.Default(dataset.RepsFile), base); err != nil {
		t.Fatal(err)
	}
	m, err := classifier.CentroidTrainer{}.Fit(base.Vectors(), base.Labels())
	if err != nil {
		t.Fatal(err)
	}
	if err := classifier.Save(layout.Default(dataset.ModelFile), m); err != nil {
		t.Fatal(err)
	}

	f := &fixture{
		layout: layout,
		svc:    &embedding.Fake{},
		reg:    registry.New(layout.Default(dataset.ModelFile), []string{"bob", "carol"}, zap.NewNop()),
		rec:    emitter.NewRecorder(),
	}
	if err := f.reg.Reset(); err != nil {
		t.Fatal(err)
	}
	f.trainer = New(f.svc, f.reg, f.rec, Options{
		Layout:     layout,
		Classifier: classifier.CentroidTrainer{Scale: 10},
		KnownSeed:  []string{"bob", "carol"},
	}, zap.NewNop())
	return f
}

// addSamples writes n raw JPEG samples of identity id under label.
func (f *fixture) addSamples(t *testing.T, label string, id, n int) {
	t.Helper()
	dir := f.layout.RawLabelDir(label)
	os.MkdirAll(dir, 0755)
	for i := 0; i < n; i++ {
		path := filepath.Join(dir, label+string(rune('a'+i))+".jpg")
		out, err := os.Create(path)
		if err != nil {
			t.Fatal(err)
		}
		jpeg.Encode(out, embedding.FaceImage(48, 48, id), &jpeg.Options{Quality: 95})
		out.Close()
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestRun_Commits(t *testing.T) {
	f := newFixture(t)
	f.addSamples(t, "alice", idAlice, 10)

	res, err := f.trainer.Run(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Local != 10 || res.Total != 14 {
		t.Errorf("expected 10 local / 14 total, got %d / %d", res.Local, res.Total)
	}

	label, conf, err := f.reg.Model().Predict(oneHot(idAlice))
	if err != nil || label != "alice" || conf < 0.5 {
		t.Errorf("expected alice to be recognized, got %s %.2f %v", label, conf, err)
	}
	if !f.reg.IsKnown("alice") {
		t.Error("alice should be known after commit")
	}

	for _, name := range []string{dataset.LabelsFile, dataset.RepsFile, dataset.ModelFile, dataset.LocalLabelsFile, dataset.KnownNamesFile} {
		if !exists(f.layout.Working(name)) {
			t.Errorf("expected %s to be written", name)
		}
	}
	if exists(f.layout.RawLabelDir("alice")) || exists(f.layout.AlignedLabelDir("alice")) {
		t.Error("samples should be consumed after the run")
	}
	if ev := f.rec.Events(); len(ev) != 1 || ev[0] != types.EventTraining {
		t.Errorf("expected a single training event, got %v", ev)
	}
}

func TestRun_BaselineIsMonotonic(t *testing.T) {
	f := newFixture(t)
	f.addSamples(t, "alice", idAlice, 3)
	if _, err := f.trainer.Run(context.Background(), "alice"); err != nil {
		t.Fatal(err)
	}
	first, err := dataset.Read(f.layout.Working(dataset.LabelsFile), f.layout.Working(dataset.RepsFile))
	if err != nil {
		t.Fatal(err)
	}

	f.addSamples(t, "dave", idDave, 4)
	if _, err := f.trainer.Run(context.Background(), "dave"); err != nil {
		t.Fatal(err)
	}
	second, err := dataset.Read(f.layout.Working(dataset.LabelsFile), f.layout.Working(dataset.RepsFile))
	if err != nil {
		t.Fatal(err)
	}

	if len(second) != len(first)+4 {
		t.Fatalf("expected %d records, got %d", len(first)+4, len(second))
	}
	seen := map[string]int{}
	for _, r := range second {
		seen[r.Label+"|"+r.Sample]++
	}
	for _, r := range first {
		if seen[r.Label+"|"+r.Sample] == 0 {
			t.Errorf("record %s/%s lost from baseline", r.Label, r.Sample)
		}
	}
	if names := f.reg.KnownNames(); len(names) != 4 {
		t.Errorf("expected 4 known names, got %v", names)
	}
}

func TestAlign_Idempotent(t *testing.T) {
	f := newFixture(t)
	f.addSamples(t, "alice", idAlice, 4)
	log := zap.NewNop()

	if err := f.trainer.align(context.Background(), "alice", log); err != nil {
		t.Fatal(err)
	}
	firstCalls := f.svc.Calls("align")
	aligned, _ := listFiles(f.layout.AlignedLabelDir("alice"), ".png")
	if firstCalls != 4 || len(aligned) != 4 {
		t.Fatalf("expected 4 aligned samples, got %d calls, %d files", firstCalls, len(aligned))
	}
	before, _ := os.Stat(aligned[0])

	if err := f.trainer.align(context.Background(), "alice", log); err != nil {
		t.Fatal(err)
	}
	if f.svc.Calls("align") != firstCalls {
		t.Errorf("second pass re-aligned samples: %d calls", f.svc.Calls("align"))
	}
	after, _ := os.Stat(aligned[0])
	if !before.ModTime().Equal(after.ModTime()) {
		t.Error("aligned output rewritten on second pass")
	}
}

func TestAlign_RemovesFacelessSamples(t *testing.T) {
	f := newFixture(t)
	f.addSamples(t, "alice", idAlice, 2)
	empty := filepath.Join(f.layout.RawLabelDir("alice"), "empty.jpg")
	out, _ := os.Create(empty)
	jpeg.Encode(out, image.NewRGBA(image.Rect(0, 0, 48, 48)), nil)
	out.Close()

	if err := f.trainer.align(context.Background(), "alice", zap.NewNop()); err != nil {
		t.Fatal(err)
	}
	if exists(empty) {
		t.Error("faceless sample should be deleted")
	}
	aligned, _ := listFiles(f.layout.AlignedLabelDir("alice"), ".png")
	if len(aligned) != 2 {
		t.Errorf("expected 2 aligned samples, got %d", len(aligned))
	}
}

// cancellingService cancels the run while it embeds.
type cancellingService struct {
	*embedding.Fake
	cancel context.CancelFunc
	after  int
	n      int
}

func (c *cancellingService) Embed(ctx context.Context, img image.Image) ([]float64, error) {
	c.n++
	if c.n == c.after {
		c.cancel()
	}
	return c.Fake.Embed(ctx, img)
}

func TestRun_CancellationLeavesModelUntouched(t *testing.T) {
	for _, tc := range []struct {
		name  string
		setup func(f *fixture, cancel context.CancelFunc)
	}{
		{"before start", func(f *fixture, cancel context.CancelFunc) { cancel() }},
		{"during embed", func(f *fixture, cancel context.CancelFunc) {
			f.trainer.svc = &cancellingService{Fake: f.svc, cancel: cancel, after: 3}
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.addSamples(t, "alice", idAlice, 6)
			before := f.reg.Model()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			tc.setup(f, cancel)

			_, err := f.trainer.Run(ctx, "alice")
			if !errors.Is(err, ErrCancelled) {
				t.Fatalf("expected ErrCancelled, got %v", err)
			}
			if f.reg.Model() != before {
				t.Error("model swapped by a cancelled run")
			}
			if f.reg.IsKnown("alice") {
				t.Error("alice added to known names by a cancelled run")
			}
			for _, name := range []string{dataset.LabelsFile, dataset.RepsFile, dataset.ModelFile, dataset.LocalLabelsFile, dataset.LocalRepsFile} {
				if exists(f.layout.Working(name)) {
					t.Errorf("%s written by a cancelled run", name)
				}
			}
			if exists(f.layout.RawLabelDir("alice")) {
				t.Error("samples of a cancelled run should be discarded")
			}
		})
	}
}

func TestRun_FitRejected(t *testing.T) {
	f := newFixture(t)
	// Without a baseline a single label cannot be fitted
	os.RemoveAll(f.layout.DefaultClassifierDir())
	f.addSamples(t, "alice", idAlice, 3)
	before := f.reg.Model()

	_, err := f.trainer.Run(context.Background(), "alice")
	if !errors.Is(err, classifier.ErrTraining) {
		t.Fatalf("expected ErrTraining, got %v", err)
	}
	if f.reg.Model() != before || exists(f.layout.Working(dataset.ModelFile)) {
		t.Error("rejected fit must not promote anything")
	}
}

func TestRun_NoSamples(t *testing.T) {
	f := newFixture(t)
	_, err := f.trainer.Run(context.Background(), "alice")
	if !errors.Is(err, ErrNoSamples) {
		t.Fatalf("expected ErrNoSamples, got %v", err)
	}
}

func TestRun_RejectsPathLabels(t *testing.T) {
	f := newFixture(t)
	f.addSamples(t, "alice", idAlice, 3)
	if _, err := f.trainer.Run(context.Background(), "alice"); err != nil {
		t.Fatal(err)
	}
	committed := f.reg.Model()

	for _, label := range []string{"../classifier", "..", ".", "a/b", `a\b`} {
		t.Run(label, func(t *testing.T) {
			_, err := f.trainer.Run(context.Background(), label)
			if !errors.Is(err, ErrInvalidLabel) {
				t.Fatalf("expected ErrInvalidLabel, got %v", err)
			}
			for _, name := range []string{dataset.LabelsFile, dataset.RepsFile, dataset.ModelFile, dataset.KnownNamesFile} {
				if !exists(f.layout.Working(name)) {
					t.Errorf("%s must survive a rejected label", name)
				}
			}
			if f.reg.Model() != committed || !f.reg.IsKnown("alice") {
				t.Error("registry must keep the committed model")
			}
		})
	}
	if !exists(f.layout.DataDir) {
		t.Error("data root must survive")
	}
}

func TestRun_ModelWriteFailureKeepsBaseline(t *testing.T) {
	f := newFixture(t)
	f.addSamples(t, "alice", idAlice, 3)
	if _, err := f.trainer.Run(context.Background(), "alice"); err != nil {
		t.Fatal(err)
	}
	labelsBefore, err := os.ReadFile(f.layout.Working(dataset.LabelsFile))
	if err != nil {
		t.Fatal(err)
	}
	repsBefore, _ := os.ReadFile(f.layout.Working(dataset.RepsFile))
	committed := f.reg.Model()

	// A directory where the staged model belongs makes the model write fail.
	if err := os.MkdirAll(f.layout.Working(dataset.ModelFile)+stagedSuffix, 0755); err != nil {
		t.Fatal(err)
	}
	f.addSamples(t, "dave", idDave, 3)
	if _, err := f.trainer.Run(context.Background(), "dave"); err == nil {
		t.Fatal("expected the model write to fail")
	}

	labelsAfter, _ := os.ReadFile(f.layout.Working(dataset.LabelsFile))
	repsAfter, _ := os.ReadFile(f.layout.Working(dataset.RepsFile))
	if string(labelsAfter) != string(labelsBefore) || string(repsAfter) != string(repsBefore) {
		t.Error("baseline must not grow when the model is not written")
	}
	if f.reg.Model() != committed || f.reg.IsKnown("dave") {
		t.Error("registry must keep the committed model")
	}
	if exists(f.layout.Working(dataset.LabelsFile) + stagedSuffix) {
		t.Error("staged files should be cleaned up")
	}
}

func TestReset(t *testing.T) {
	f := newFixture(t)
	f.addSamples(t, "alice", idAlice, 3)
	if _, err := f.trainer.Run(context.Background(), "alice"); err != nil {
		t.Fatal(err)
	}
	f.addSamples(t, "dave", idDave, 2)

	if err := f.trainer.Reset(context.Background()); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if exists(f.layout.ClassifierDir()) || exists(f.layout.RawDir()) {
		t.Error("working data should be wiped")
	}
	if classes := f.reg.Model().Encoder.Classes(); len(classes) != 2 {
		t.Errorf("expected the default model, got classes %v", classes)
	}
	if f.reg.IsKnown("alice") {
		t.Error("known names should return to the seed")
	}
}

func TestSave(t *testing.T) {
	f := newFixture(t)
	saved, err := f.trainer.Save()
	if err != nil || saved {
		t.Fatalf("expected nothing to save, got %v %v", saved, err)
	}
	if exists(f.layout.ArchiveDir()) {
		t.Error("no archive expected when nothing was saved")
	}

	f.addSamples(t, "alice", idAlice, 3)
	if _, err := f.trainer.Run(context.Background(), "alice"); err != nil {
		t.Fatal(err)
	}
	saved, err = f.trainer.Save()
	if err != nil || !saved {
		t.Fatalf("Save failed: %v %v", saved, err)
	}

	m, err := classifier.Load(f.layout.Default(dataset.ModelFile))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := m.Encoder.Encode("alice"); !ok {
		t.Error("default model should now include alice")
	}
	archives, _ := filepath.Glob(filepath.Join(f.layout.ArchiveDir(), "faces-*.tar.gz"))
	if len(archives) != 1 {
		t.Errorf("expected one archive, got %v", archives)
	}
}

func TestRestore(t *testing.T) {
	f := newFixture(t)
	f.addSamples(t, "alice", idAlice, 3)
	if _, err := f.trainer.Run(context.Background(), "alice"); err != nil {
		t.Fatal(err)
	}

	// A fresh process over the same directories
	reg := registry.New(f.layout.Default(dataset.ModelFile), nil, zap.NewNop())
	tr := New(f.svc, reg, emitter.Nop{}, Options{Layout: f.layout, KnownSeed: []string{"bob"}}, zap.NewNop())
	if err := tr.Restore(); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if _, ok := reg.Model().Encoder.Encode("alice"); !ok {
		t.Error("expected the working model to be restored")
	}
	if !reg.IsKnown("alice") || !reg.IsKnown("bob") {
		t.Errorf("unexpected known names %v", reg.KnownNames())
	}
}

type recordingMirror struct {
	rounds map[string]int
	resets int
}

func (m *recordingMirror) RecordRound(_ context.Context, label string, records dataset.Table) error {
	m.rounds[label] += len(records)
	return nil
}

func (m *recordingMirror) Reset(context.Context) error {
	m.resets++
	return nil
}

func TestRun_Mirror(t *testing.T) {
	f := newFixture(t)
	mirror := &recordingMirror{rounds: map[string]int{}}
	f.trainer.mirror = mirror
	f.addSamples(t, "alice", idAlice, 3)

	if _, err := f.trainer.Run(context.Background(), "alice"); err != nil {
		t.Fatal(err)
	}
	if mirror.rounds["alice"] != 3 {
		t.Errorf("expected 3 mirrored records, got %d", mirror.rounds["alice"])
	}
	f.trainer.Reset(context.Background())
	if mirror.resets != 1 {
		t.Errorf("expected mirror reset, got %d", mirror.resets)
	}
}
