// Package registry holds the active recognition model and the set of labels
// eligible for positive recognition.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/andresmejia3/facewatch/internal/classifier"
	"github.com/andresmejia3/facewatch/internal/metrics"
	"go.uber.org/zap"
)

// ErrModelLoad is returned when a model file is missing or unreadable.
var ErrModelLoad = errors.New("model load failed")

// Registry publishes one model at a time. Readers always observe either the
// previous or the next model in full.
type Registry struct {
	defaultPath string
	logger      *zap.Logger

	active atomic.Pointer[classifier.Model]

	mu    sync.RWMutex
	known map[string]struct{}
}

// New creates an empty registry. defaultPath is the bundled model Reset rolls back to.
func New(defaultPath string, seed []string, logger *zap.Logger) *Registry {
	r := &Registry{
		defaultPath: defaultPath,
		logger:      logger.Named("registry"),
		known:       make(map[string]struct{}),
	}
	for _, n := range seed {
		r.known[n] = struct{}{}
	}
	return r
}

// Model returns the active model, or nil when none is loaded.
func (r *Registry) Model() *classifier.Model {
	return r.active.Load()
}

// Swap publishes m as the active model.
func (r *Registry) Swap(m *classifier.Model) {
	r.active.Store(m)
	metrics.ModelSwapsTotal.Inc()
}

// Load replaces the active model with the one stored at path. On failure the
// previous model stays active and an ErrModelLoad is returned.
func (r *Registry) Load(path string) error {
	m, err := classifier.Load(path)
	if err != nil {
		r.logger.Warn("keeping previous model", zap.String("path", path), zap.Error(err))
		return fmt.Errorf("%w: %s: %v", ErrModelLoad, path, err)
	}
	r.Swap(m)
	r.logger.Info("model loaded",
		zap.String("path", path),
		zap.String("kind", m.Classifier.Kind()),
		zap.Strings("classes", m.Encoder.Classes()))
	return nil
}

// Reset activates the bundled default model. When the default cannot be
// loaded the registry is left without a model and recognition yields nothing.
func (r *Registry) Reset() error {
	if err := r.Load(r.defaultPath); err != nil {
		r.active.Store(nil)
		return err
	}
	return nil
}

// IsKnown reports whether label may be reported as a positive match.
func (r *Registry) IsKnown(label string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.known[label]
	return ok
}

// AddKnown adds label to the known set. It reports whether the set changed.
func (r *Registry) AddKnown(label string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.known[label]; ok {
		return false
	}
	r.known[label] = struct{}{}
	return true
}

// SetKnown replaces the known set.
func (r *Registry) SetKnown(labels []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.known = make(map[string]struct{}, len(labels))
	for _, l := range labels {
		r.known[l] = struct{}{}
	}
}

// KnownNames returns the known set in sorted order.
func (r *Registry) KnownNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.known))
	for n := range r.known {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
