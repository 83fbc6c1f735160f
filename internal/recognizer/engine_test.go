package recognizer

import (
	"context"
	"errors"
	"image"
	"strings"
	"testing"

	"github.com/andresmejia3/facewatch/internal/classifier"
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
)

func oneHot(id int) []float64 {
	v := make([]float64, embedding.FakeDim)
	v[id-1] = 1
	return v
}

// newEngine builds an engine whose model knows alice, bob and carol,
// of which only alice and bob are known names.
func newEngine(t *testing.T, svc embedding.Service, opts Options) (*Engine, *emitter.Recorder, *registry.Registry) {
	t.Helper()
	m, err := classifier.CentroidTrainer{Scale: 10}.Fit(
		[][]float64{oneHot(idAlice), oneHot(idBob), oneHot(idCarol)},
		[]string{"alice", "bob", "carol"})
	if err != nil {
		t.Fatal(err)
	}
	reg := registry.New("", []string{"alice", "bob"}, zap.NewNop())
	reg.Swap(m)
	rec := emitter.NewRecorder()
	if opts.Threshold == 0 {
		opts.Threshold = 0.5
	}
	return New(svc, reg, rec, opts, zap.NewNop()), rec, reg
}

func state(rec *emitter.Recorder, key string) any {
	v, _ := rec.State(key)
	return v
}

func TestProcess_SingleFace(t *testing.T) {
	e, rec, _ := newEngine(t, &embedding.Fake{}, Options{})

	faces := e.Process(context.Background(), embedding.FaceImage(64, 64, idAlice), 30)
	if len(faces) != 1 || faces[0].Name != "alice" {
		t.Fatalf("expected alice, got %+v", faces)
	}
	if faces[0].Confidence <= 0.5 || faces[0].Confidence > 1 {
		t.Errorf("confidence out of range: %v", faces[0].Confidence)
	}
	if len(faces[0].Landmarks) == 0 {
		t.Error("expected landmarks for an accepted face")
	}
	if state(rec, types.StateCurrentPersons) != "alice" || state(rec, types.StateFaceVisible) != true {
		t.Errorf("unexpected state %v", rec.Snapshot())
	}
	if state(rec, types.StateRecentPersons) != "alice" {
		t.Errorf("unexpected recent persons %v", state(rec, types.StateRecentPersons))
	}
	if got := rec.LastFaces(); len(got) != 1 || got[0].Name != "alice" {
		t.Errorf("unexpected published faces %+v", got)
	}
	if rec.Images() != 1 {
		t.Errorf("expected one annotated frame, got %d", rec.Images())
	}
}

func TestProcess_UnknownLabelSuppressed(t *testing.T) {
	e, rec, reg := newEngine(t, &embedding.Fake{}, Options{})

	faces := e.Process(context.Background(), embedding.FaceImage(64, 64, idCarol), 30)
	if len(faces) != 0 {
		t.Fatalf("carol is not a known name, got %+v", faces)
	}
	if _, ok := rec.State(types.StateFaceVisible); ok {
		t.Error("state should not change on a faceless frame outside the clear period")
	}

	reg.AddKnown("carol")
	faces = e.Process(context.Background(), embedding.FaceImage(64, 64, idCarol), 60)
	if len(faces) != 1 || faces[0].Name != "carol" {
		t.Errorf("expected carol once known, got %+v", faces)
	}
}

func multiFrame() (*image.RGBA, types.BoundingBox, types.BoundingBox) {
	small := types.BoundingBox{Left: 70, Top: 10, Right: 90, Bottom: 30}
	big := types.BoundingBox{Left: 0, Top: 0, Right: 60, Bottom: 60}
	img := image.NewRGBA(image.Rect(0, 0, 100, 100))
	embedding.PaintFace(img, small, idBob)
	embedding.PaintFace(img, big, idAlice)
	return img, small, big
}

func TestProcess_MultiFaceSortedByArea(t *testing.T) {
	img, small, big := multiFrame()
	svc := &embedding.Fake{Boxes: []types.BoundingBox{small, big}}

	e, rec, _ := newEngine(t, svc, Options{MultiFaces: true})
	faces := e.Process(context.Background(), img, 30)
	if len(faces) != 2 {
		t.Fatalf("expected 2 faces, got %+v", faces)
	}
	if faces[0].Name != "alice" || faces[1].Name != "bob" {
		t.Errorf("expected largest first, got %s, %s", faces[0].Name, faces[1].Name)
	}
	if state(rec, types.StateCurrentPersons) != "alice|bob" {
		t.Errorf("unexpected current persons %v", state(rec, types.StateCurrentPersons))
	}

	e.SetMultiFaces(false)
	faces = e.Process(context.Background(), img, 60)
	if len(faces) != 1 || faces[0].Box != big {
		t.Errorf("single-face mode should keep only the largest, got %+v", faces)
	}
}

func TestProcess_ClearsOnlyOnClearPeriod(t *testing.T) {
	e, rec, _ := newEngine(t, &embedding.Fake{}, Options{ClearEvery: 150})
	ctx := context.Background()
	empty := embedding.FaceImage(64, 64, 0)

	e.Process(ctx, embedding.FaceImage(64, 64, idAlice), 30)

	if faces := e.Process(ctx, empty, 60); len(faces) != 1 {
		t.Fatalf("result should persist between clear periods, got %+v", faces)
	}
	if state(rec, types.StateFaceVisible) != true {
		t.Error("face_visible should stay set")
	}

	if faces := e.Process(ctx, empty, 150); len(faces) != 0 {
		t.Fatalf("result should clear on frame 150, got %+v", faces)
	}
	if state(rec, types.StateFaceVisible) != false || state(rec, types.StateCurrentPersons) != "" {
		t.Errorf("unexpected state after clear %v", rec.Snapshot())
	}
	if got := rec.LastFaces(); len(got) != 0 {
		t.Errorf("expected an empty face list to be published, got %+v", got)
	}
}

func TestProcess_Threshold(t *testing.T) {
	e, rec, _ := newEngine(t, &embedding.Fake{}, Options{})
	e.SetThreshold(1)

	faces := e.Process(context.Background(), embedding.FaceImage(64, 64, idAlice), 30)
	if len(faces) != 1 {
		t.Fatalf("faces below the threshold are still reported, got %+v", faces)
	}
	if state(rec, types.StateCurrentPersons) != "" {
		t.Errorf("no one should be current above threshold 1, got %v", state(rec, types.StateCurrentPersons))
	}
}

func TestProcess_HistoryDepth(t *testing.T) {
	e, rec, _ := newEngine(t, &embedding.Fake{}, Options{HistorySize: 10})
	for i := 1; i <= 12; i++ {
		id := idAlice
		if i > 10 {
			id = idBob
		}
		e.Process(context.Background(), embedding.FaceImage(64, 64, id), i*30)
	}
	recent := strings.Split(state(rec, types.StateRecentPersons).(string), ",")
	if len(recent) != 10 {
		t.Fatalf("expected 10 history entries, got %d", len(recent))
	}
	if recent[0] != "alice" || recent[9] != "bob" || recent[8] != "bob" {
		t.Errorf("unexpected history order %v", recent)
	}
}

func TestProcess_NoModel(t *testing.T) {
	svc := &embedding.Fake{}
	e, _, reg := newEngine(t, svc, Options{})
	reg.Swap(nil)

	if faces := e.Process(context.Background(), embedding.FaceImage(64, 64, idAlice), 30); len(faces) != 0 {
		t.Errorf("expected no faces without a model, got %+v", faces)
	}
	if svc.Calls("detect") != 0 {
		t.Error("detection should not run without a model")
	}
}

func TestProcess_BackendErrorKeepsLastResult(t *testing.T) {
	svc := &embedding.Fake{}
	e, _, _ := newEngine(t, svc, Options{})
	e.Process(context.Background(), embedding.FaceImage(64, 64, idAlice), 30)

	svc.Err = errors.New("worker crashed")
	faces := e.Process(context.Background(), embedding.FaceImage(64, 64, idBob), 60)
	if len(faces) != 1 || faces[0].Name != "alice" {
		t.Errorf("expected the previous result, got %+v", faces)
	}
}

func TestHistory(t *testing.T) {
	h := newHistory(3)
	if len(h.items()) != 0 {
		t.Fatal("expected empty history")
	}
	for _, s := range []string{"a", "b", "c", "d"} {
		h.push(s)
	}
	if got := strings.Join(h.items(), ","); got != "b,c,d" {
		t.Errorf("expected b,c,d got %s", got)
	}
}
