package emitter

import (
	"image"
	"sync"

	"github.com/andresmejia3/facewatch/internal/types"
)

// Latest remembers only the most recent value of each output, for the ops server.
type Latest struct {
	mu    sync.RWMutex
	img   image.Image
	faces []types.Face
	event string
	state map[string]any
}

func NewLatest() *Latest {
	return &Latest{state: make(map[string]any)}
}

func (l *Latest) PublishImage(img image.Image) error {
	l.mu.Lock()
	l.img = img
	l.mu.Unlock()
	return nil
}

func (l *Latest) PublishFaces(faces []types.Face) error {
	l.mu.Lock()
	l.faces = append([]types.Face(nil), faces...)
	l.mu.Unlock()
	return nil
}

func (l *Latest) PublishEvent(event string) error {
	l.mu.Lock()
	l.event = event
	l.mu.Unlock()
	return nil
}

func (l *Latest) SetState(key string, value any) error {
	l.mu.Lock()
	l.state[key] = value
	l.mu.Unlock()
	return nil
}

// Image returns the last published frame, or nil.
func (l *Latest) Image() image.Image {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.img
}

// View is a point-in-time copy of everything Latest holds except the frame.
type View struct {
	Faces     []types.FaceMessage `json:"faces"`
	LastEvent string              `json:"last_event,omitempty"`
	State     map[string]any      `json:"state"`
}

// View returns a copy safe to serialize.
func (l *Latest) View() View {
	l.mu.RLock()
	defer l.mu.RUnlock()
	v := View{LastEvent: l.event, State: make(map[string]any, len(l.state)), Faces: []types.FaceMessage{}}
	for k, s := range l.state {
		v.State[k] = s
	}
	for _, f := range l.faces {
		v.Faces = append(v.Faces, f.Message())
	}
	return v
}
