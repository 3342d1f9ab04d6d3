package track

import (
	"sort"

	"github.com/golang/geo/r3"
)

// CanonicalFaceModel is a fixed set of labelled 3D face vertices in
// millimetres, origin at the sellion (deepest midline point of the nasal
// bridge), together with a mapping from detector landmark indices to those
// vertices. Axes are right-handed: X to the subject's left, Y up, Z out of
// the face toward the camera. Created once at startup and never mutated.
type CanonicalFaceModel struct {
	vertices map[int]r3.Vector
	indices  []int // sorted mapped landmark indices
}

// Landmark indices of the 478-point face mesh topology used by the default
// model. Only the subset needed for pose and calibration is mapped.
const (
	IdxNoseTip       = 4
	IdxSellion       = 168
	IdxChin          = 152
	IdxRightEyeOuter = 33
	IdxRightEyeInner = 133
	IdxLeftEyeInner  = 362
	IdxLeftEyeOuter  = 263
	IdxRightBrow     = 70
	IdxLeftBrow      = 300
	IdxMouthRight    = 61
	IdxMouthLeft     = 291
	IdxUpperLip      = 0
	IdxLowerLip      = 17
	IdxRightEar      = 234
	IdxLeftEar       = 454
	IdxRightCheek    = 50
	IdxLeftCheek     = 280
	IdxForehead      = 10
	IdxNoseBottom    = 2
	IdxRightIris     = 468
	IdxLeftIris      = 473
)

// MeanInterpupillaryDistanceMM is the adult population average distance
// between pupil centres, used as the metric reference for focal-length
// calibration.
const MeanInterpupillaryDistanceMM = 63.0

// NewCanonicalFaceModel returns the default canonical model. Vertex
// positions are anthropometric averages in millimetres, sellion origin.
func NewCanonicalFaceModel() *CanonicalFaceModel {
	m := &CanonicalFaceModel{
		vertices: map[int]r3.Vector{
			IdxSellion:       {X: 0, Y: 0, Z: 0},
			IdxForehead:      {X: 0, Y: 41.0, Z: -8.0},
			IdxNoseTip:       {X: 0, Y: -34.0, Z: 21.0},
			IdxNoseBottom:    {X: 0, Y: -44.5, Z: 12.5},
			IdxChin:          {X: 0, Y: -98.0, Z: -2.0},
			IdxRightEyeOuter: {X: -44.5, Y: -6.5, Z: -24.0},
			IdxRightEyeInner: {X: -16.5, Y: -6.0, Z: -17.5},
			IdxLeftEyeInner:  {X: 16.5, Y: -6.0, Z: -17.5},
			IdxLeftEyeOuter:  {X: 44.5, Y: -6.5, Z: -24.0},
			IdxRightIris:     {X: -31.5, Y: -6.3, Z: -19.5},
			IdxLeftIris:      {X: 31.5, Y: -6.3, Z: -19.5},
			IdxRightBrow:     {X: -38.0, Y: 12.5, Z: -14.0},
			IdxLeftBrow:      {X: 38.0, Y: 12.5, Z: -14.0},
			IdxMouthRight:    {X: -26.0, Y: -62.0, Z: -6.0},
			IdxMouthLeft:     {X: 26.0, Y: -62.0, Z: -6.0},
			IdxUpperLip:      {X: 0, Y: -56.5, Z: 6.5},
			IdxLowerLip:      {X: 0, Y: -71.0, Z: 2.5},
			IdxRightCheek:    {X: -41.0, Y: -34.5, Z: -20.0},
			IdxLeftCheek:     {X: 41.0, Y: -34.5, Z: -20.0},
			IdxRightEar:      {X: -74.0, Y: -21.0, Z: -78.0},
			IdxLeftEar:       {X: 74.0, Y: -21.0, Z: -78.0},
		},
	}
	m.indices = make([]int, 0, len(m.vertices))
	for idx := range m.vertices {
		m.indices = append(m.indices, idx)
	}
	sort.Ints(m.indices)
	return m
}

// Vertex returns the model vertex mapped to the given landmark index.
func (m *CanonicalFaceModel) Vertex(landmarkIndex int) (r3.Vector, bool) {
	v, ok := m.vertices[landmarkIndex]
	return v, ok
}

// MappedIndices returns the landmark indices the model maps, in ascending
// order. The returned slice must not be modified.
func (m *CanonicalFaceModel) MappedIndices() []int {
	return m.indices
}

// VertexCount returns the number of mapped vertices.
func (m *CanonicalFaceModel) VertexCount() int {
	return len(m.vertices)
}
