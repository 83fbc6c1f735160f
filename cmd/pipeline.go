package cmd

import (
	"go.uber.org/zap"

	"github.com/andresmejia3/facewatch/internal/classifier"
	"github.com/andresmejia3/facewatch/internal/config"
	"github.com/andresmejia3/facewatch/internal/dataset"
	"github.com/andresmejia3/facewatch/internal/embedding"
	"github.com/andresmejia3/facewatch/internal/emitter"
	"github.com/andresmejia3/facewatch/internal/registry"
	"github.com/andresmejia3/facewatch/internal/store"
	"github.com/andresmejia3/facewatch/internal/trainer"
	"github.com/andresmejia3/facewatch/internal/utils"
	"github.com/andresmejia3/facewatch/internal/worker"
)

func layout() dataset.Layout {
	return dataset.Layout{DataDir: cfg.DataDir, ModelsDir: cfg.ModelsDir}
}

func knownSeed() []string {
	seed := make([]string, 0, len(cfg.Recognition.KnownNames))
	for _, n := range cfg.Recognition.KnownNames {
		seed = append(seed, config.NormalizeLabel(n))
	}
	return seed
}

// startWorker launches the embedding worker or exits. The service restarts
// the process if it dies later.
func startWorker() *worker.Service {
	svc, err := worker.StartService(cfg.Worker.Python, cfg.Worker.Script, cfg.Worker.Timeout)
	if err != nil {
		utils.Die("Worker startup failed", err, nil)
	}
	return svc
}

// newTrainer builds the registry and trainer and restores the persisted model.
// svc may be nil for commands that never run training.
func newTrainer(svc embedding.Service, pub emitter.Publisher, db *store.Store, progress trainer.ProgressFunc) (*registry.Registry, *trainer.Trainer) {
	l := layout()
	fit, err := classifier.NewTrainer(cfg.Classifier.Kind, cfg.Classifier.Scale, cfg.Classifier.K)
	if err != nil {
		utils.Die("Invalid classifier configuration", err, nil)
	}

	reg := registry.New(l.Default(dataset.ModelFile), knownSeed(), log)
	opts := trainer.Options{
		Layout:     l,
		Classifier: fit,
		KnownSeed:  knownSeed(),
		Progress:   progress,
	}
	if db != nil {
		opts.Mirror = db
	}
	t := trainer.New(svc, reg, pub, opts, log)
	if err := t.Restore(); err != nil {
		log.Warn("no classifier loaded, recognition stays idle until training", zap.Error(err))
	}
	return reg, t
}
