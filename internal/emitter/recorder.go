package emitter

import (
	"image"
	"sync"

	"github.com/andresmejia3/facewatch/internal/types"
)

// Recorder keeps everything published in memory.
type Recorder struct {
	mu     sync.Mutex
	images int
	last   image.Image
	faces  [][]types.Face
	events []string
	state  map[string]any
}

func NewRecorder() *Recorder {
	return &Recorder{state: make(map[string]any)}
}

func (r *Recorder) PublishImage(img image.Image) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.images++
	r.last = img
	return nil
}

func (r *Recorder) PublishFaces(faces []types.Face) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.faces = append(r.faces, append([]types.Face(nil), faces...))
	return nil
}

func (r *Recorder) PublishEvent(event string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *Recorder) SetState(key string, value any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state[key] = value
	return nil
}

// Images returns the number of frames published.
func (r *Recorder) Images() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.images
}

// LastImage returns the most recent frame.
func (r *Recorder) LastImage() image.Image {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// Faces returns every published face list in order.
func (r *Recorder) Faces() [][]types.Face {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]types.Face(nil), r.faces...)
}

// LastFaces returns the most recent face list.
func (r *Recorder) LastFaces() []types.Face {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.faces) == 0 {
		return nil
	}
	return r.faces[len(r.faces)-1]
}

// Events returns every published event in order.
func (r *Recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

// State returns the last value set for key.
func (r *Recorder) State(key string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.state[key]
	return v, ok
}

// Snapshot returns a copy of all state keys.
func (r *Recorder) Snapshot() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]any, len(r.state))
	for k, v := range r.state {
		out[k] = v
	}
	return out
}
