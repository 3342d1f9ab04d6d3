package track

import (
	"math"
	"math/rand"
)

// ransacSampleSize is the minimal subset size for a DLT hypothesis. The
// homogeneous pose matrix has eleven degrees of freedom, so six
// correspondences (twelve equations) are the smallest determined system;
// smaller samples leave a multi-dimensional nullspace and the eigenvector
// solve returns an arbitrary direction from it.
const ransacSampleSize = 6

// ransacRand wraps a seeded source so solves are reproducible. The solver
// is single-threaded per pipeline instance, so an unsynchronized source is
// fine.
type ransacRand struct {
	r *rand.Rand
}

func newRansacRand(seed int64) *ransacRand {
	return &ransacRand{r: rand.New(rand.NewSource(seed))}
}

// sample draws k distinct indices from [0,n).
func (rr *ransacRand) sample(n, k int, out []int) []int {
	out = out[:0]
	for len(out) < k {
		candidate := rr.r.Intn(n)
		dup := false
		for _, existing := range out {
			if existing == candidate {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, candidate)
		}
	}
	return out
}

// runRANSAC searches for the largest consensus set of correspondences.
// Returns (inliers, true) when a usable hypothesis was found. With too few
// points for sampling, every point is an inlier (fallback, not failure).
// Degenerate samples are skipped silently, never treated as fatal.
func (s *PoseSolver) runRANSAC(corrs []Correspondence, intr CameraIntrinsics) ([]int, bool) {
	n := len(corrs)
	if n <= ransacSampleSize {
		return s.allIndices(n), true
	}

	bestInliers := []int(nil)
	sampleBuf := make([]int, 0, ransacSampleSize)
	sample := make([]Correspondence, ransacSampleSize)
	earlyExit := int(math.Ceil(s.config.EarlyExitInlierRatio * float64(n)))

	for iter := 0; iter < s.config.RANSACIterations; iter++ {
		sampleBuf = s.rng.sample(n, ransacSampleSize, sampleBuf)
		for i, idx := range sampleBuf {
			sample[i] = corrs[idx]
		}

		if collinearSample(sample, s.config.MinTriangleAreaPx2) {
			continue
		}

		rot, trans, ok := s.linearEstimate(sample, intr)
		if !ok {
			continue
		}

		inliers := make([]int, 0, n)
		for i, c := range corrs {
			if reprojectionDistance(rot, trans, intr, c) <= s.config.InlierThresholdPx {
				inliers = append(inliers, i)
			}
		}
		if len(inliers) > len(bestInliers) {
			bestInliers = inliers
			if len(bestInliers) >= earlyExit {
				break
			}
		}
	}

	if len(bestInliers) < MinSolveCorrespondences {
		// No hypothesis beat the minimum; keep everything rather than fail.
		return s.allIndices(n), false
	}
	return bestInliers, true
}

// collinearSample reports whether the sample's 2D points are near-collinear:
// no triangle formed by any three of them exceeds the minimum pixel area.
func collinearSample(sample []Correspondence, minAreaPx2 float64) bool {
	for i := 0; i < len(sample); i++ {
		for j := i + 1; j < len(sample); j++ {
			for k := j + 1; k < len(sample); k++ {
				a, b, c := sample[i].Image, sample[j].Image, sample[k].Image
				area := math.Abs((b.X-a.X)*(c.Y-a.Y)-(c.X-a.X)*(b.Y-a.Y)) / 2
				if area >= minAreaPx2 {
					return false
				}
			}
		}
	}
	return true
}
