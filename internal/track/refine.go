package track

import (
	"math"

	"github.com/golang/geo/r3"
)

// poseParams packs the six refined parameters: rotation as Euler angles
// (pitch, yaw, roll) and translation (x, y, z).
type poseParams [6]float64

func paramsFromPose(rot rotationMatrix, trans r3.Vector) poseParams {
	e := eulerFromMatrix(rot)
	return poseParams{e.Pitch, e.Yaw, e.Roll, trans.X, trans.Y, trans.Z}
}

func (p poseParams) pose() (rotationMatrix, r3.Vector) {
	q := quaternionFromEuler(EulerAngles{Pitch: p[0], Yaw: p[1], Roll: p[2]})
	return matrixFromQuaternion(q), r3.Vector{X: p[3], Y: p[4], Z: p[5]}
}

// refine improves a pose estimate by Gauss-Newton iteration on the
// reprojection residual. The Jacobian is numeric (central differences over
// the six parameters) and the normal equations are solved with a fixed
// number of Gauss-Seidel sweeps instead of a full inversion. Iteration
// stops when the delta norm drops below the tolerance or the cap is hit.
func (s *PoseSolver) refine(rot rotationMatrix, trans r3.Vector, corrs []Correspondence, intr CameraIntrinsics) (rotationMatrix, r3.Vector) {
	if len(corrs) < MinSolveCorrespondences {
		return rot, trans
	}

	params := paramsFromPose(rot, trans)
	h := s.config.FiniteDiffStep
	if h <= 0 {
		h = 1e-4
	}

	for iter := 0; iter < s.config.RefineMaxIterations; iter++ {
		residuals := residualVector(params, corrs, intr)
		if residuals == nil {
			break
		}

		// Numeric Jacobian: one column per parameter. Translation
		// parameters are in millimetres, so scale their step accordingly.
		nres := len(residuals)
		jac := make([]float64, nres*6)
		for col := 0; col < 6; col++ {
			step := h
			if col >= 3 {
				step = h * 1000 // mm-scale step for translation
			}
			plus := params
			plus[col] += step
			minus := params
			minus[col] -= step
			rp := residualVector(plus, corrs, intr)
			rm := residualVector(minus, corrs, intr)
			if rp == nil || rm == nil {
				return rotFromParams(params)
			}
			for row := 0; row < nres; row++ {
				jac[row*6+col] = (rp[row] - rm[row]) / (2 * step)
			}
		}

		// Normal equations J^T J delta = -J^T r with a small diagonal
		// damping so Gauss-Seidel stays stable near singular geometry.
		var jtj [36]float64
		var jtr [6]float64
		for row := 0; row < nres; row++ {
			for i := 0; i < 6; i++ {
				ji := jac[row*6+i]
				jtr[i] += ji * residuals[row]
				for j := i; j < 6; j++ {
					jtj[i*6+j] += ji * jac[row*6+j]
				}
			}
		}
		for i := 0; i < 6; i++ {
			for j := 0; j < i; j++ {
				jtj[i*6+j] = jtj[j*6+i]
			}
			jtj[i*6+i] += 1e-9
		}

		delta := gaussSeidel6(jtj, jtr, s.config.GaussSeidelSweeps)
		var norm float64
		for i := 0; i < 6; i++ {
			params[i] -= delta[i]
			norm += delta[i] * delta[i]
		}
		if math.Sqrt(norm) < s.config.RefineTolerance {
			break
		}
	}

	return rotFromParams(params)
}

func rotFromParams(p poseParams) (rotationMatrix, r3.Vector) {
	return p.pose()
}

// residualVector stacks the per-correspondence (dx, dy) pixel residuals.
// Returns nil when any projection is behind the camera.
func residualVector(p poseParams, corrs []Correspondence, intr CameraIntrinsics) []float64 {
	rot, trans := p.pose()
	out := make([]float64, 0, 2*len(corrs))
	for _, c := range corrs {
		proj := projectModelPoint(rot, trans, intr, c.Model)
		if math.IsNaN(proj.X) || math.IsNaN(proj.Y) {
			return nil
		}
		out = append(out, proj.X-c.Image.X, proj.Y-c.Image.Y)
	}
	return out
}

// gaussSeidel6 runs a fixed number of Gauss-Seidel sweeps on the 6x6 system
// A x = b, starting from zero. Rows with a vanishing pivot contribute no
// update rather than dividing by zero.
func gaussSeidel6(a [36]float64, b [6]float64, sweeps int) [6]float64 {
	if sweeps <= 0 {
		sweeps = 12
	}
	var x [6]float64
	for s := 0; s < sweeps; s++ {
		for i := 0; i < 6; i++ {
			pivot := a[i*6+i]
			if math.Abs(pivot) < 1e-15 {
				continue
			}
			sum := b[i]
			for j := 0; j < 6; j++ {
				if j != i {
					sum -= a[i*6+j] * x[j]
				}
			}
			x[i] = sum / pivot
		}
	}
	return x
}
