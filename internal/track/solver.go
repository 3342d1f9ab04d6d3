package track

import (
	"math"

	"github.com/golang/geo/r3"
)

// Numerical guards for the linear solve.
const (
	// minRotationNorm is the minimum acceptable norm for a rotation-block
	// row before orthonormalization; below this the solve is degenerate.
	minRotationNorm = 1e-9
	// minEigenvectorNorm rejects a collapsed power-iteration result.
	minEigenvectorNorm = 1e-12
	// modelScaleMM rescales model coordinates to order one before building
	// the normal matrix. Without it the millimetre columns dwarf the
	// homogeneous ones and the power iteration cannot separate the small
	// eigenvalues.
	modelScaleMM = 100.0
)

// SolverConfig holds tuning parameters for the PnP solver. The RANSAC
// threshold and iteration budget are hand-tuned starting points, exposed
// here (and through the tuning config) rather than fixed.
type SolverConfig struct {
	EnableRANSAC     bool
	EnableRefinement bool

	// RANSACIterations is the fixed sampling budget.
	RANSACIterations int
	// InlierThresholdPx is the max reprojection distance for an inlier.
	InlierThresholdPx float64
	// MinTriangleAreaPx2 rejects near-collinear minimal samples: the largest
	// triangle formed by the sample's 2D points must exceed this pixel area.
	MinTriangleAreaPx2 float64
	// EarlyExitInlierRatio stops sampling once this inlier fraction is met.
	EarlyExitInlierRatio float64

	// PowerIterations bounds the eigenvector approximation in the linear
	// estimate.
	PowerIterations int

	// RefineMaxIterations caps Gauss-Newton iterations.
	RefineMaxIterations int
	// RefineTolerance stops refinement once the parameter delta norm drops
	// below it.
	RefineTolerance float64
	// GaussSeidelSweeps is the fixed sweep count used to solve the 6x6
	// normal equations without a matrix inversion.
	GaussSeidelSweeps int
	// FiniteDiffStep is the perturbation used for the numeric Jacobian.
	FiniteDiffStep float64
}

// DefaultSolverConfig returns the default solver tuning.
func DefaultSolverConfig() SolverConfig {
	return SolverConfig{
		EnableRANSAC:         true,
		EnableRefinement:     true,
		RANSACIterations:     64,
		InlierThresholdPx:    8.0,
		MinTriangleAreaPx2:   40.0,
		EarlyExitInlierRatio: 0.8,
		PowerIterations:      60,
		RefineMaxIterations:  10,
		RefineTolerance:      1e-6,
		GaussSeidelSweeps:    12,
		FiniteDiffStep:       1e-4,
	}
}

// PoseSolver solves the Perspective-n-Point problem: the rigid rotation and
// translation that best project the canonical model onto the observed 2D
// correspondences under the current camera intrinsics.
type PoseSolver struct {
	config SolverConfig
	rng    *ransacRand
}

// NewPoseSolver creates a solver with the given configuration.
func NewPoseSolver(config SolverConfig) *PoseSolver {
	return &PoseSolver{
		config: config,
		rng:    newRansacRand(1),
	}
}

// Config returns the solver's configuration.
func (s *PoseSolver) Config() SolverConfig { return s.config }

// Solve estimates the pose for one frame. Returns ok=false when fewer than
// MinSolveCorrespondences valid pairs exist or the solve is numerically
// degenerate; the caller retains its previous pose in that case.
func (s *PoseSolver) Solve(corrs []Correspondence, intr CameraIntrinsics) (PoseEstimate, bool) {
	if len(corrs) < MinSolveCorrespondences {
		return PoseEstimate{}, false
	}

	// Stage 1: linear estimate over all correspondences.
	rot, trans, ok := s.linearEstimate(corrs, intr)
	if !ok {
		diagf("solver: degenerate linear estimate over %d correspondences", len(corrs))
		return PoseEstimate{}, false
	}

	// Stage 2: outlier rejection.
	inliers := s.allIndices(len(corrs))
	if s.config.EnableRANSAC {
		if ransacInliers, found := s.runRANSAC(corrs, intr); found {
			inliers = ransacInliers
			// Re-estimate from the consensus set when it differs from the
			// full set and is still solvable.
			if len(inliers) >= MinSolveCorrespondences && len(inliers) < len(corrs) {
				subset := make([]Correspondence, len(inliers))
				for i, idx := range inliers {
					subset[i] = corrs[idx]
				}
				if r2, t2, ok2 := s.linearEstimate(subset, intr); ok2 {
					rot, trans = r2, t2
				}
			}
		}
	}

	// Stage 3: iterative refinement on the inlier set.
	if s.config.EnableRefinement {
		subset := make([]Correspondence, len(inliers))
		for i, idx := range inliers {
			subset[i] = corrs[idx]
		}
		rot, trans = s.refine(rot, trans, subset, intr)
	}

	meanErr := meanReprojectionError(rot, trans, corrs, inliers, intr)
	if math.IsNaN(meanErr) || math.IsInf(meanErr, 0) {
		diagf("solver: non-finite reprojection error, discarding solve")
		return PoseEstimate{}, false
	}
	tracef("solver: mean reprojection %.2fpx, %d/%d inliers", meanErr, len(inliers), len(corrs))

	q := quaternionFromMatrix(rot)
	est := PoseEstimate{
		Rotation:          q,
		Euler:             eulerFromMatrix(rot),
		AxisAngle:         axisAngleFromQuaternion(q),
		Translation:       trans,
		ReprojectionError: meanErr,
		Confidence:        reprojectionConfidence(meanErr),
		InlierRatio:       float64(len(inliers)) / float64(len(corrs)),
		Inliers:           inliers,
	}
	return est, true
}

// reprojectionConfidence maps mean pixel error to [0,1]; ~50px mean error
// corresponds to zero confidence.
func reprojectionConfidence(meanErr float64) float64 {
	c := 1 - meanErr/50.0
	if c < 0 {
		return 0
	}
	return c
}

func (s *PoseSolver) allIndices(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

// linearEstimate computes an initial pose by direct linear transformation:
// each correspondence contributes two homogeneous equations in the 12
// entries of the 3x4 pose matrix [R|t]. The smallest eigenvector of the
// normal matrix is approximated by shifted power iteration, then the
// rotation block is orthonormalized by Gram-Schmidt.
func (s *PoseSolver) linearEstimate(corrs []Correspondence, intr CameraIntrinsics) (rotationMatrix, r3.Vector, bool) {
	if intr.FocalLength <= 0 {
		return rotationMatrix{}, r3.Vector{}, false
	}

	// Normal matrix N = A^T A accumulated row pair by row pair. Working in
	// normalized image coordinates keeps the system well scaled.
	var n [144]float64
	for _, c := range corrs {
		x := (c.Image.X - intr.PrincipalPointX) / intr.FocalLength
		y := (c.Image.Y - intr.PrincipalPointY) / intr.FocalLength
		X, Y, Z := c.Model.X/modelScaleMM, c.Model.Y/modelScaleMM, c.Model.Z/modelScaleMM

		rowU := [12]float64{X, Y, Z, 1, 0, 0, 0, 0, -x * X, -x * Y, -x * Z, -x}
		rowV := [12]float64{0, 0, 0, 0, X, Y, Z, 1, -y * X, -y * Y, -y * Z, -y}
		for i := 0; i < 12; i++ {
			for j := i; j < 12; j++ {
				v := rowU[i]*rowU[j] + rowV[i]*rowV[j]
				n[i*12+j] += v
			}
		}
	}
	// Mirror the upper triangle.
	for i := 0; i < 12; i++ {
		for j := 0; j < i; j++ {
			n[i*12+j] = n[j*12+i]
		}
	}

	p, ok := smallestEigenvector12(n, s.config.PowerIterations)
	if !ok {
		return rotationMatrix{}, r3.Vector{}, false
	}

	// Reshape to [R|t] and fix the projective scale using the third
	// rotation row, which must be unit length for a rigid transform.
	scale := math.Sqrt(p[8]*p[8] + p[9]*p[9] + p[10]*p[10])
	if scale < minRotationNorm {
		return rotationMatrix{}, r3.Vector{}, false
	}
	// The subject must be in front of the camera: positive depth.
	if p[11] < 0 {
		scale = -scale
	}
	for i := range p {
		p[i] /= scale
	}

	rot := rotationMatrix{
		p[0], p[1], p[2],
		p[4], p[5], p[6],
		p[8], p[9], p[10],
	}
	// Undo the model rescale: the solved translation is in scaled units.
	trans := r3.Vector{
		X: p[3] * modelScaleMM,
		Y: p[7] * modelScaleMM,
		Z: p[11] * modelScaleMM,
	}

	rot, ok = orthonormalize(rot)
	if !ok {
		return rotationMatrix{}, r3.Vector{}, false
	}
	return rot, trans, true
}

// smallestEigenvector12 approximates the eigenvector of the smallest
// eigenvalue of a symmetric 12x12 matrix by power iteration on the shifted
// matrix (lambdaMax*I - N).
func smallestEigenvector12(n [144]float64, iterations int) ([12]float64, bool) {
	if iterations <= 0 {
		iterations = 60
	}

	// Estimate the dominant eigenvalue first.
	v := [12]float64{}
	for i := range v {
		v[i] = 1 / math.Sqrt(12)
	}
	var lambdaMax float64
	for it := 0; it < iterations; it++ {
		w := mulSym12(n, v)
		norm := norm12(w)
		if norm < minEigenvectorNorm {
			return [12]float64{}, false
		}
		lambdaMax = norm
		for i := range v {
			v[i] = w[i] / norm
		}
	}

	// Shifted matrix M = lambdaMax*I - N has the smallest eigenvalue of N
	// as its dominant one. A small margin keeps M positive semi-definite
	// under the estimation error of lambdaMax.
	shift := lambdaMax * 1.001
	var m [144]float64
	for i := 0; i < 12; i++ {
		for j := 0; j < 12; j++ {
			m[i*12+j] = -n[i*12+j]
		}
		m[i*12+i] += shift
	}

	// Deterministic start deliberately not aligned with any axis.
	for i := range v {
		v[i] = 1 / math.Sqrt(float64(12+i))
	}
	for it := 0; it < iterations; it++ {
		w := mulSym12(m, v)
		norm := norm12(w)
		if norm < minEigenvectorNorm {
			return [12]float64{}, false
		}
		for i := range v {
			v[i] = w[i] / norm
		}
	}
	return v, true
}

func mulSym12(m [144]float64, v [12]float64) [12]float64 {
	var out [12]float64
	for i := 0; i < 12; i++ {
		var sum float64
		for j := 0; j < 12; j++ {
			sum += m[i*12+j] * v[j]
		}
		out[i] = sum
	}
	return out
}

func norm12(v [12]float64) float64 {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	return math.Sqrt(sum)
}

// orthonormalize applies Gram-Schmidt to the rows of an approximate
// rotation matrix and rebuilds the third row as a cross product so the
// result is a proper rotation (det +1). Fails on near-zero rows.
func orthonormalize(m rotationMatrix) (rotationMatrix, bool) {
	r0 := r3.Vector{X: m[0], Y: m[1], Z: m[2]}
	r1 := r3.Vector{X: m[3], Y: m[4], Z: m[5]}

	n0 := r0.Norm()
	if n0 < minRotationNorm {
		return rotationMatrix{}, false
	}
	r0 = r0.Mul(1 / n0)

	r1 = r1.Sub(r0.Mul(r0.Dot(r1)))
	n1 := r1.Norm()
	if n1 < minRotationNorm {
		return rotationMatrix{}, false
	}
	r1 = r1.Mul(1 / n1)

	r2 := r0.Cross(r1)

	return rotationMatrix{
		r0.X, r0.Y, r0.Z,
		r1.X, r1.Y, r1.Z,
		r2.X, r2.Y, r2.Z,
	}, true
}

// projectModelPoint maps a model-frame point through pose and intrinsics.
func projectModelPoint(rot rotationMatrix, trans r3.Vector, intr CameraIntrinsics, model r3.Vector) ImagePoint {
	return intr.Project(rot.apply(model).Add(trans))
}

// reprojectionDistance returns the pixel distance between the observed
// image point and the projected model point, or +Inf when the projection is
// behind the camera.
func reprojectionDistance(rot rotationMatrix, trans r3.Vector, intr CameraIntrinsics, c Correspondence) float64 {
	proj := projectModelPoint(rot, trans, intr, c.Model)
	if math.IsNaN(proj.X) || math.IsNaN(proj.Y) {
		return math.Inf(1)
	}
	dx := proj.X - c.Image.X
	dy := proj.Y - c.Image.Y
	return math.Sqrt(dx*dx + dy*dy)
}

// meanReprojectionError averages pixel error over the given inlier indices.
func meanReprojectionError(rot rotationMatrix, trans r3.Vector, corrs []Correspondence, inliers []int, intr CameraIntrinsics) float64 {
	if len(inliers) == 0 {
		return math.Inf(1)
	}
	var sum float64
	for _, idx := range inliers {
		sum += reprojectionDistance(rot, trans, intr, corrs[idx])
	}
	return sum / float64(len(inliers))
}
