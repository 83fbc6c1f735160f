package types

import "image"

// BoundingBox is a face rectangle in pixel coordinates of the source frame.
type BoundingBox struct {
	Left   int `json:"left"`
	Top    int `json:"top"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
}

// Area returns the box area, 0 for degenerate boxes.
func (b BoundingBox) Area() int {
	w, h := b.Right-b.Left, b.Bottom-b.Top
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// Rect converts the box to an image.Rectangle.
func (b BoundingBox) Rect() image.Rectangle {
	return image.Rect(b.Left, b.Top, b.Right, b.Bottom)
}

// Largest returns the index of the box with the biggest area.
// The first box wins ties. Returns -1 for an empty slice.
func Largest(boxes []BoundingBox) int {
	best, bestArea := -1, -1
	for i, b := range boxes {
		if a := b.Area(); a > bestArea {
			best, bestArea = i, a
		}
	}
	return best
}

// Face is a single recognition result for one frame.
type Face struct {
	Name       string        `json:"faceid"`
	Confidence float64       `json:"confidence"`
	Box        BoundingBox   `json:"box"`
	Landmarks  []image.Point `json:"-"`
}

// FaceMessage is the wire form of a Face published to subscribers.
type FaceMessage struct {
	FaceID     string  `json:"faceid"`
	Left       int     `json:"left"`
	Top        int     `json:"top"`
	Right      int     `json:"right"`
	Bottom     int     `json:"bottom"`
	Confidence float64 `json:"confidence"`
}

// Message flattens the face for publishing.
func (f Face) Message() FaceMessage {
	return FaceMessage{
		FaceID:     f.Name,
		Left:       f.Box.Left,
		Top:        f.Box.Top,
		Right:      f.Box.Right,
		Bottom:     f.Box.Bottom,
		Confidence: f.Confidence,
	}
}

// Training lifecycle events.
const (
	EventStart    = "start"
	EventTraining = "training"
	EventEnd      = "end"
	EventAbort    = "abort"
)

// External state keys.
const (
	StateRecentPersons  = "recent_persons"
	StateCurrentPersons = "current_persons"
	StateFaceVisible    = "face_visible"
)
