package metrics

import "github.com/prometheus/client_golang/prometheus"

// Pipeline Prometheus metrics.
var (
	FramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "facewatch",
			Name:      "frames_total",
			Help:      "Frames handled by the controller",
		},
		[]string{"mode", "result"}, // result: "processed" / "skipped" / "passthrough"
	)

	RecognitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "facewatch",
			Name:      "recognitions_total",
			Help:      "Faces classified, by outcome",
		},
		[]string{"result"}, // "accepted" / "suppressed" / "error"
	)

	SamplesCollectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "facewatch",
			Name:      "samples_collected_total",
			Help:      "Face samples written by the collector",
		},
	)

	TrainingRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "facewatch",
			Name:      "training_runs_total",
			Help:      "Training runs, by outcome",
		},
		[]string{"outcome"}, // "committed" / "cancelled" / "failed"
	)

	TrainingDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "facewatch",
			Name:      "training_duration_seconds",
			Help:      "Wall time of a training run",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	ModelSwapsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "facewatch",
			Name:      "model_swaps_total",
			Help:      "Times the active model was replaced",
		},
	)

	WorkerRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "facewatch",
			Name:      "worker_request_duration_seconds",
			Help:      "Embedding worker round trip time",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"op"},
	)

	WorkerRestartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "facewatch",
			Name:      "worker_restarts_total",
			Help:      "Embedding worker processes started to replace a dead one",
		},
	)
)

var registered bool

// Register registers the pipeline metrics with the default registry. Must be called once from main.
func Register() {
	if registered {
		return
	}
	prometheus.MustRegister(FramesTotal)
	prometheus.MustRegister(RecognitionsTotal)
	prometheus.MustRegister(SamplesCollectedTotal)
	prometheus.MustRegister(TrainingRunsTotal)
	prometheus.MustRegister(WorkerRestartsTotal)
	prometheus.MustRegister(TrainingDuration)
	prometheus.MustRegister(ModelSwapsTotal)
	prometheus.MustRegister(WorkerRequestDuration)
	registered = true
}
