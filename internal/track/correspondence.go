package track

// MinSolveCorrespondences is the minimum number of valid 2D-3D pairs the
// solver needs to attempt a pose. MinReliableCorrespondences is the minimum
// for a pose the pipeline will report downstream.
const (
	MinSolveCorrespondences    = 4
	MinReliableCorrespondences = 6
)

// CorrespondenceBuilder converts per-frame landmark sets into 2D-3D point
// pairs against a canonical face model. It never fails: landmarks that are
// missing, out of range, or non-finite are skipped, so downstream stages
// detect insufficiency by pair count rather than by error.
type CorrespondenceBuilder struct {
	model *CanonicalFaceModel
}

// NewCorrespondenceBuilder creates a builder over the given model.
func NewCorrespondenceBuilder(model *CanonicalFaceModel) *CorrespondenceBuilder {
	return &CorrespondenceBuilder{model: model}
}

// Build pairs each mapped landmark with its model vertex, converting
// normalized coordinates to pixels. The result may have fewer pairs than
// mapped indices, possibly zero.
func (b *CorrespondenceBuilder) Build(landmarks *LandmarkSet, imageWidth, imageHeight int) []Correspondence {
	if landmarks.Empty() || imageWidth <= 0 || imageHeight <= 0 {
		return nil
	}

	out := make([]Correspondence, 0, b.model.VertexCount())
	for _, idx := range b.model.MappedIndices() {
		if idx >= len(landmarks.Points) {
			continue
		}
		lm := landmarks.Points[idx]
		if !lm.Valid() {
			continue
		}
		vertex, ok := b.model.Vertex(idx)
		if !ok {
			continue
		}
		out = append(out, Correspondence{
			Image: ImagePoint{
				X: lm.X * float64(imageWidth),
				Y: lm.Y * float64(imageHeight),
			},
			Model:         vertex,
			LandmarkIndex: idx,
		})
	}
	return out
}

// Model returns the canonical model the builder maps against.
func (b *CorrespondenceBuilder) Model() *CanonicalFaceModel {
	return b.model
}
