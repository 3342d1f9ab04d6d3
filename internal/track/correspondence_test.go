package track

import (
	"math"
	"testing"
)

func TestBuildFullSet(t *testing.T) {
	model := NewCanonicalFaceModel()
	intr := DefaultIntrinsics(1280, 720)
	e, trans := frontalPose()
	landmarks := syntheticFace(model, e, trans, intr)

	builder := NewCorrespondenceBuilder(model)
	corrs := builder.Build(landmarks, 1280, 720)

	if len(corrs) != model.VertexCount() {
		t.Fatalf("got %d correspondences, want %d", len(corrs), model.VertexCount())
	}
	for _, c := range corrs {
		if _, ok := model.Vertex(c.LandmarkIndex); !ok {
			t.Errorf("correspondence references unmapped landmark %d", c.LandmarkIndex)
		}
	}
}

func TestBuildSkipsInvalidLandmarks(t *testing.T) {
	model := NewCanonicalFaceModel()
	intr := DefaultIntrinsics(1280, 720)
	e, trans := frontalPose()
	landmarks := syntheticFace(model, e, trans, intr)

	// Corrupt two mapped landmarks; the builder must skip them, not fail.
	landmarks.Points[IdxNoseTip].X = math.NaN()
	landmarks.Points[IdxChin].Y = math.Inf(1)

	builder := NewCorrespondenceBuilder(model)
	corrs := builder.Build(landmarks, 1280, 720)

	if len(corrs) != model.VertexCount()-2 {
		t.Fatalf("got %d correspondences, want %d", len(corrs), model.VertexCount()-2)
	}
	for _, c := range corrs {
		if c.LandmarkIndex == IdxNoseTip || c.LandmarkIndex == IdxChin {
			t.Errorf("corrupt landmark %d made it into the output", c.LandmarkIndex)
		}
	}
}

func TestBuildEmptyInput(t *testing.T) {
	builder := NewCorrespondenceBuilder(NewCanonicalFaceModel())

	if got := builder.Build(nil, 1280, 720); got != nil {
		t.Errorf("nil landmarks: got %d correspondences, want none", len(got))
	}
	if got := builder.Build(&LandmarkSet{}, 1280, 720); got != nil {
		t.Errorf("empty landmarks: got %d correspondences, want none", len(got))
	}
	set := &LandmarkSet{Points: make([]Landmark, meshPointCount)}
	if got := builder.Build(set, 0, 720); got != nil {
		t.Errorf("zero width: got %d correspondences, want none", len(got))
	}
}

func TestBuildShortLandmarkSlice(t *testing.T) {
	// A detector emitting fewer points than the topology must not panic;
	// indices past the end are simply missing.
	builder := NewCorrespondenceBuilder(NewCanonicalFaceModel())
	set := &LandmarkSet{Points: make([]Landmark, 100), Confidence: 1}
	for i := range set.Points {
		set.Points[i] = Landmark{X: 0.5, Y: 0.5, Presence: 1}
	}

	corrs := builder.Build(set, 1280, 720)
	for _, c := range corrs {
		if c.LandmarkIndex >= 100 {
			t.Errorf("correspondence for out-of-range landmark %d", c.LandmarkIndex)
		}
	}
}

func TestBuildPixelConversion(t *testing.T) {
	model := NewCanonicalFaceModel()
	set := &LandmarkSet{Points: make([]Landmark, meshPointCount), Confidence: 1}
	set.Points[IdxNoseTip] = Landmark{X: 0.25, Y: 0.5, Presence: 1}

	builder := NewCorrespondenceBuilder(model)
	corrs := builder.Build(set, 1280, 720)

	var found bool
	for _, c := range corrs {
		if c.LandmarkIndex == IdxNoseTip {
			found = true
			if c.Image.X != 320 || c.Image.Y != 360 {
				t.Errorf("pixel conversion: got (%f,%f), want (320,360)", c.Image.X, c.Image.Y)
			}
		}
	}
	if !found {
		t.Fatal("nose tip correspondence missing")
	}
}
