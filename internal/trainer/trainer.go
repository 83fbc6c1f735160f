// Package trainer turns collected samples into a new active model.
//
// A run aligns the raw samples of one label, embeds them, merges the result
// with the persisted baseline, fits a classifier and commits it. Every step
// boundary is a cancellation checkpoint; nothing outside the round's own
// scratch files changes unless the run reaches Commit.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/andresmejia3/facewatch/internal/classifier"
	"github.com/andresmejia3/facewatch/internal/dataset"
	"github.com/andresmejia3/facewatch/internal/embedding"
	"github.com/andresmejia3/facewatch/internal/emitter"
	"github.com/andresmejia3/facewatch/internal/metrics"
	"github.com/andresmejia3/facewatch/internal/registry"
	"github.com/andresmejia3/facewatch/internal/types"
	"github.com/andresmejia3/facewatch/internal/utils"
)

var (
	// ErrCancelled is returned when a run observed its cancellation before Commit.
	ErrCancelled = errors.New("training cancelled")
	// ErrNoSamples is returned when no sample of the label produced an embedding.
	ErrNoSamples = errors.New("no usable samples")
	// ErrInvalidLabel is returned for labels that cannot name a sample directory.
	ErrInvalidLabel = errors.New("invalid label")
)

// Step names a stage of a training run.
type Step string

const (
	StepAlign  Step = "align"
	StepEmbed  Step = "embed"
	StepMerge  Step = "merge"
	StepFit    Step = "fit"
	StepCommit Step = "commit"
)

// ProgressFunc is called after each unit of work inside a step.
type ProgressFunc func(step Step, done, total int)

// Mirror receives committed rounds. Failures never undo a commit.
type Mirror interface {
	RecordRound(ctx context.Context, label string, records dataset.Table) error
	Reset(ctx context.Context) error
}

// Result summarizes a committed run.
type Result struct {
	Label    string
	Local    int // embeddings produced this round
	Total    int // embeddings in the merged baseline
	Classes  []string
	Duration time.Duration
}

// Options configures a Trainer.
type Options struct {
	Layout     dataset.Layout
	Classifier classifier.Trainer
	KnownSeed  []string
	Mirror     Mirror
	Progress   ProgressFunc
}

// Trainer owns the data directory. Its mutex covers whole runs, Reset, Save
// and Restore, so none of them ever interleave.
type Trainer struct {
	mu sync.Mutex

	svc      embedding.Service
	reg      *registry.Registry
	pub      emitter.Publisher
	layout   dataset.Layout
	fit      classifier.Trainer
	seed     []string
	mirror   Mirror
	progress ProgressFunc
	logger   *zap.Logger
}

func New(svc embedding.Service, reg *registry.Registry, pub emitter.Publisher, opts Options, logger *zap.Logger) *Trainer {
	fit := opts.Classifier
	if fit == nil {
		fit = classifier.CentroidTrainer{}
	}
	progress := opts.Progress
	if progress == nil {
		progress = func(Step, int, int) {}
	}
	return &Trainer{
		svc:      svc,
		reg:      reg,
		pub:      pub,
		layout:   opts.Layout,
		fit:      fit,
		seed:     opts.KnownSeed,
		mirror:   opts.Mirror,
		progress: progress,
		logger:   logger.Named("trainer"),
	}
}

// Run trains label from its collected samples. It returns ErrCancelled when
// ctx is done before Commit, an error wrapping classifier.ErrTraining when
// the fit is rejected, and ErrNoSamples when nothing could be embedded.
// The round's samples are consumed whatever the outcome. An invalid label is
// rejected with ErrInvalidLabel before anything on disk is touched.
func (t *Trainer) Run(ctx context.Context, label string) (*Result, error) {
	if !dataset.ValidLabel(label) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidLabel, label)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	start := time.Now()
	log := t.logger.With(zap.String("label", label))
	log.Info("training started")
	if err := t.pub.PublishEvent(types.EventTraining); err != nil {
		log.Debug("training event not published", zap.Error(err))
	}

	res, err := t.run(ctx, label, log)
	metrics.TrainingDuration.Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		metrics.TrainingRunsTotal.WithLabelValues("committed").Inc()
		res.Duration = time.Since(start)
		log.Info("training committed",
			zap.Int("local", res.Local),
			zap.Int("total", res.Total),
			zap.Strings("classes", res.Classes),
			zap.Duration("took", res.Duration))
	case errors.Is(err, ErrCancelled):
		metrics.TrainingRunsTotal.WithLabelValues("cancelled").Inc()
		t.discardLocal()
		log.Info("training cancelled")
	default:
		metrics.TrainingRunsTotal.WithLabelValues("failed").Inc()
		t.discardLocal()
		log.Error("training failed", zap.Error(err))
	}

	t.consumeSamples(label)
	return res, err
}

func (t *Trainer) run(ctx context.Context, label string, log *zap.Logger) (*Result, error) {
	if err := checkpoint(ctx); err != nil {
		return nil, err
	}
	if err := t.align(ctx, label, log); err != nil {
		return nil, err
	}

	if err := checkpoint(ctx); err != nil {
		return nil, err
	}
	local, err := t.embed(ctx, label, log)
	if err != nil {
		return nil, err
	}

	if err := checkpoint(ctx); err != nil {
		return nil, err
	}
	baseline, err := t.baseline()
	if err != nil {
		return nil, err
	}
	merged := dataset.Merge(local, baseline)
	t.progress(StepMerge, 1, 1)

	if err := checkpoint(ctx); err != nil {
		return nil, err
	}
	model, err := t.fit.Fit(merged.Vectors(), merged.Labels())
	if err != nil {
		return nil, fmt.Errorf("fit: %w", err)
	}
	t.progress(StepFit, 1, 1)

	// Last checkpoint: past this line the run commits.
	if err := checkpoint(ctx); err != nil {
		return nil, err
	}
	if err := t.commit(label, merged, local, model, log); err != nil {
		return nil, err
	}
	t.progress(StepCommit, 1, 1)

	return &Result{
		Label:   label,
		Local:   len(local),
		Total:   len(merged),
		Classes: model.Encoder.Classes(),
	}, nil
}

const stagedSuffix = ".staged"

func checkpoint(ctx context.Context) error {
	if ctx.Err() != nil {
		return ErrCancelled
	}
	return nil
}

// align writes one aligned PNG per raw sample. Samples that already have an
// aligned counterpart are skipped, samples without a face are deleted.
func (t *Trainer) align(ctx context.Context, label string, log *zap.Logger) error {
	raw, err := listFiles(t.layout.RawLabelDir(label), ".jpg")
	if err != nil {
		return err
	}
	rand.Shuffle(len(raw), func(i, j int) { raw[i], raw[j] = raw[j], raw[i] })

	outDir := t.layout.AlignedLabelDir(label)
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return err
	}

	for i, src := range raw {
		if err := checkpoint(ctx); err != nil {
			return err
		}
		dst := filepath.Join(outDir, strings.TrimSuffix(filepath.Base(src), ".jpg")+".png")
		if fileExists(dst) {
			t.progress(StepAlign, i+1, len(raw))
			continue
		}
		if err := t.alignOne(ctx, src, dst); err != nil {
			if ctx.Err() != nil {
				return ErrCancelled
			}
			if errors.Is(err, embedding.ErrNoFaceDetected) {
				log.Info("no face in sample, removing", zap.String("sample", src))
			} else {
				log.Warn("sample could not be aligned, removing", zap.String("sample", src), zap.Error(err))
			}
			os.Remove(src)
		}
		t.progress(StepAlign, i+1, len(raw))
	}
	return nil
}

func (t *Trainer) alignOne(ctx context.Context, src, dst string) error {
	img, err := decodeFile(src, jpeg.Decode)
	if err != nil {
		return err
	}
	boxes, err := t.svc.Detect(ctx, img, false)
	if err != nil {
		return err
	}
	i := types.Largest(boxes)
	if i < 0 {
		return embedding.ErrNoFaceDetected
	}
	aligned, err := t.svc.Align(ctx, img, boxes[i])
	if err != nil {
		return err
	}
	return writePNG(dst, aligned)
}

// embed embeds every aligned image of label and writes the local table.
func (t *Trainer) embed(ctx context.Context, label string, log *zap.Logger) (dataset.Table, error) {
	files, err := listFiles(t.layout.AlignedLabelDir(label), ".png")
	if err != nil {
		return nil, err
	}
	sort.Strings(files)

	local := make(dataset.Table, 0, len(files))
	for i, path := range files {
		if err := checkpoint(ctx); err != nil {
			return nil, err
		}
		img, err := decodeFile(path, png.Decode)
		if err != nil {
			log.Warn("aligned sample unreadable", zap.String("sample", path), zap.Error(err))
			continue
		}
		vec, err := t.svc.Embed(ctx, img)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ErrCancelled
			}
			log.Warn("aligned sample not embedded", zap.String("sample", path), zap.Error(err))
			continue
		}
		rel, _ := filepath.Rel(t.layout.DataDir, path)
		local = append(local, dataset.Record{Label: label, Sample: filepath.ToSlash(rel), Vec: vec})
		t.progress(StepEmbed, i+1, len(files))
	}

	if err := checkpoint(ctx); err != nil {
		return nil, err
	}
	if len(local) == 0 {
		return nil, fmt.Errorf("%w for %q", ErrNoSamples, label)
	}
	if err := dataset.Write(t.layout.Working(dataset.LocalLabelsFile), t.layout.Working(dataset.LocalRepsFile), local); err != nil {
		return nil, fmt.Errorf("write local dataset: %w", err)
	}
	return local, nil
}

// baseline returns the accumulated dataset: the working pair when present,
// otherwise the bundled default pair, otherwise nothing.
func (t *Trainer) baseline() (dataset.Table, error) {
	for _, pair := range [][2]string{
		{t.layout.Working(dataset.LabelsFile), t.layout.Working(dataset.RepsFile)},
		{t.layout.Default(dataset.LabelsFile), t.layout.Default(dataset.RepsFile)},
	} {
		if !dataset.Exists(pair[0], pair[1]) {
			continue
		}
		tbl, err := dataset.Read(pair[0], pair[1])
		if err != nil {
			return nil, fmt.Errorf("read baseline: %w", err)
		}
		return tbl, nil
	}
	return nil, nil
}

// commit stages the merged baseline and the model next to the working files,
// renames them into place once every write succeeded, then swaps the model in.
func (t *Trainer) commit(label string, merged, local dataset.Table, model *classifier.Model, log *zap.Logger) error {
	files := []string{dataset.LabelsFile, dataset.RepsFile, dataset.ModelFile}
	staged := func(name string) string { return t.layout.Working(name) + stagedSuffix }
	defer func() {
		for _, f := range files {
			os.Remove(staged(f))
		}
	}()

	if err := dataset.Write(staged(dataset.LabelsFile), staged(dataset.RepsFile), merged); err != nil {
		return fmt.Errorf("write baseline: %w", err)
	}
	if err := classifier.Save(staged(dataset.ModelFile), model); err != nil {
		return fmt.Errorf("write model: %w", err)
	}
	for _, f := range files {
		if err := os.Rename(staged(f), t.layout.Working(f)); err != nil {
			return fmt.Errorf("promote %s: %w", f, err)
		}
	}

	t.reg.Swap(model)
	t.reg.AddKnown(label)

	if err := dataset.WriteNames(t.layout.Working(dataset.KnownNamesFile), t.reg.KnownNames()); err != nil {
		log.Warn("known names not persisted", zap.Error(err))
	}
	if t.mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := t.mirror.RecordRound(ctx, label, local); err != nil {
			log.Warn("round not mirrored", zap.Error(err))
		}
	}
	return nil
}

// consumeSamples removes the raw and aligned samples of label.
func (t *Trainer) consumeSamples(label string) {
	for _, dir := range []string{t.layout.RawLabelDir(label), t.layout.AlignedLabelDir(label)} {
		if err := os.RemoveAll(dir); err != nil {
			t.logger.Warn("samples not removed", zap.String("dir", dir), zap.Error(err))
		}
	}
}

// discardLocal drops the local table of an unfinished round.
func (t *Trainer) discardLocal() {
	os.Remove(t.layout.Working(dataset.LocalLabelsFile))
	os.Remove(t.layout.Working(dataset.LocalRepsFile))
}

// Restore activates the persisted working model, falling back to the bundled
// default, and rebuilds Known-Names from the seed and the persisted list.
func (t *Trainer) Restore() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	names, err := dataset.ReadNames(t.layout.Working(dataset.KnownNamesFile))
	if err != nil {
		t.logger.Warn("known names not restored", zap.Error(err))
	}
	t.reg.SetKnown(append(append([]string(nil), t.seed...), names...))

	if working := t.layout.Working(dataset.ModelFile); fileExists(working) {
		if err := t.reg.Load(working); err == nil {
			return nil
		}
	}
	return t.reg.Reset()
}

// Reset wipes samples and the working classifier and rolls the registry back
// to the bundled default model.
func (t *Trainer) Reset(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var errs []error
	for _, dir := range []string{t.layout.RawDir(), t.layout.AlignedDir(), t.layout.ClassifierDir()} {
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, err)
		}
	}
	t.reg.SetKnown(t.seed)
	if err := t.reg.Reset(); err != nil {
		errs = append(errs, err)
	}
	if t.mirror != nil {
		if err := t.mirror.Reset(ctx); err != nil {
			t.logger.Warn("mirror not reset", zap.Error(err))
		}
	}
	t.logger.Info("reset complete")
	return errors.Join(errs...)
}

// Save promotes the working artifacts to the bundled default and archives the
// data directory. It reports false, without archiving, when there is nothing to promote.
func (t *Trainer) Save() (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	files := []string{dataset.LabelsFile, dataset.RepsFile, dataset.ModelFile}
	for _, f := range files {
		if !fileExists(t.layout.Working(f)) {
			t.logger.Info("nothing to save", zap.String("missing", f))
			return false, nil
		}
	}
	for _, f := range files {
		if err := utils.CopyFile(t.layout.Working(f), t.layout.Default(f)); err != nil {
			return false, fmt.Errorf("promote %s: %w", f, err)
		}
	}

	dest := filepath.Join(t.layout.ArchiveDir(), utils.ArchiveName(time.Now()))
	if err := utils.ArchiveDir(t.layout.DataDir, dest, t.layout.ArchiveDir()); err != nil {
		return false, err
	}
	t.logger.Info("data saved", zap.String("archive", dest))
	return true, nil
}

func listFiles(dir, ext string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), ext) {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	return out, nil
}

func decodeFile(path string, decode func(r io.Reader) (image.Image, error)) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return decode(f)
}

func writePNG(path string, img image.Image) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}
