package track

import (
	"math"

	"github.com/golang/geo/r3"
)

// meshPointCount matches the detector topology the default model maps into.
const meshPointCount = 478

func r3Vec(x, y, z float64) r3.Vector {
	return r3.Vector{X: x, Y: y, Z: z}
}

// syntheticFace renders the canonical model under a known pose into a
// landmark set: exact projections, full presence, unit confidence.
func syntheticFace(model *CanonicalFaceModel, e EulerAngles, trans r3.Vector, intr CameraIntrinsics) *LandmarkSet {
	rot := matrixFromQuaternion(quaternionFromEuler(e))
	set := &LandmarkSet{
		Points:     make([]Landmark, meshPointCount),
		Confidence: 1,
	}
	for _, idx := range model.MappedIndices() {
		v, _ := model.Vertex(idx)
		px := intr.Project(rot.apply(v).Add(trans))
		set.Points[idx] = Landmark{
			X:        px.X / float64(intr.ImageWidth),
			Y:        px.Y / float64(intr.ImageHeight),
			Z:        v.Z / float64(intr.ImageWidth),
			Presence: 1,
		}
	}
	return set
}

// frontalPose is a convenient ground truth: subject centred, facing the
// camera, at typical handheld distance.
func frontalPose() (EulerAngles, r3.Vector) {
	return EulerAngles{}, r3Vec(0, 0, 450)
}

func angleDiff(a, b float64) float64 {
	d := math.Abs(a - b)
	if d > math.Pi {
		d = 2*math.Pi - d
	}
	return d
}
