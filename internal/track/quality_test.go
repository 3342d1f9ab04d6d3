package track

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gonum.org/v1/gonum/num/quat"
)

func goodSample(at time.Time) QualitySample {
	return QualitySample{
		FaceDetected:       true,
		LandmarkConfidence: 0.95,
		ReprojectionError:  2,
		VisibilityRatio:    1,
		OcclusionRatio:     0,
		HasPose:            true,
		Position:           r3Vec(0, 0, 450),
		Rotation:           quat.Number{Real: 1},
		At:                 at,
	}
}

func TestScoreSampleNoFace(t *testing.T) {
	m := NewQualityMonitor(DefaultQualityConfig())
	scores := m.scoreSample(QualitySample{FaceDetected: false})
	assert.Equal(t, MetricScores{}, scores, "absent face must zero every metric")
}

func TestScoreSampleRanges(t *testing.T) {
	m := NewQualityMonitor(DefaultQualityConfig())
	scores := m.scoreSample(goodSample(time.Now()))

	assert.InDelta(t, 0.95, scores.Confidence, 1e-12)
	assert.InDelta(t, 1-2.0/50, scores.Reprojection, 1e-12)
	assert.Equal(t, 1.0, scores.Visibility)
	assert.Equal(t, 1.0, scores.Occlusion)
	// Empty pose window scores optimistically.
	assert.Equal(t, 1.0, scores.Stability)
	assert.Equal(t, 1.0, scores.Consistency)
}

func TestScoreSampleClamps(t *testing.T) {
	m := NewQualityMonitor(DefaultQualityConfig())
	s := QualitySample{
		FaceDetected:       true,
		LandmarkConfidence: 1.7,
		ReprojectionError:  500,
		VisibilityRatio:    -0.2,
		OcclusionRatio:     2,
	}
	scores := m.scoreSample(s)
	assert.Equal(t, 1.0, scores.Confidence)
	assert.Equal(t, 0.0, scores.Reprojection)
	assert.Equal(t, 0.0, scores.Visibility)
	assert.Equal(t, 0.0, scores.Occlusion)
}

func TestOverallWeightedSum(t *testing.T) {
	m := NewQualityMonitor(DefaultQualityConfig())
	scores := MetricScores{
		Confidence:   1,
		Stability:    1,
		Reprojection: 1,
		Visibility:   1,
		Consistency:  1,
		Occlusion:    1,
	}
	assert.InDelta(t, 1.0, m.overall(scores), 1e-12)

	scores.Confidence = 0
	// Losing a 0.25-weight metric drops the overall by exactly 0.25.
	assert.InDelta(t, 0.75, m.overall(scores), 1e-12)
}

func TestOverallZeroWeights(t *testing.T) {
	cfg := DefaultQualityConfig()
	cfg.Weights = MetricWeights{}
	m := NewQualityMonitor(cfg)
	assert.Equal(t, 0.0, m.overall(MetricScores{Confidence: 1}))
}

func TestMetricHistorySlope(t *testing.T) {
	var h metricHistory
	for i := 0; i < 4; i++ {
		h.push(float64(i) * 0.1)
	}
	assert.Equal(t, 0.0, h.slope(), "short history must report zero trend")

	h.push(0.4)
	assert.InDelta(t, 0.1, h.slope(), 1e-9, "linear history slope")

	h.reset()
	assert.Equal(t, 0.0, h.slope())
}

func TestMetricHistoryBounded(t *testing.T) {
	var h metricHistory
	for i := 0; i < 100; i++ {
		h.push(float64(i))
	}
	require.Len(t, h.values, metricHistorySize)
	// Oldest entries evicted: the window starts at 70.
	assert.Equal(t, 70.0, h.values[0])
}

func TestStabilityScoreStillHead(t *testing.T) {
	var w poseWindow
	now := time.Now()
	for i := 0; i < poseWindowSize; i++ {
		w.push(poseObservation{
			position: r3Vec(0, 0, 450),
			rotation: quat.Number{Real: 1},
			at:       now.Add(time.Duration(i) * 33 * time.Millisecond),
		})
	}
	assert.Equal(t, 1.0, w.stabilityScore(), "motionless head scores 1")
}

func TestStabilityScoreShakyHead(t *testing.T) {
	var w poseWindow
	now := time.Now()
	for i := 0; i < poseWindowSize; i++ {
		x := 0.0
		if i%2 == 0 {
			x = 40
		}
		w.push(poseObservation{
			position: r3Vec(x, 0, 450),
			rotation: quat.Number{Real: 1},
			at:       now.Add(time.Duration(i) * 33 * time.Millisecond),
		})
	}
	assert.Equal(t, 0.0, w.stabilityScore(), "40mm per-frame jumps must zero stability")
}

func TestConsistencyScoreConstantVelocity(t *testing.T) {
	var w poseWindow
	now := time.Now()
	for i := 0; i < poseWindowSize; i++ {
		w.push(poseObservation{
			position: r3Vec(float64(i)*5, 0, 450),
			rotation: quat.Number{Real: 1},
			at:       now.Add(time.Duration(i) * 33 * time.Millisecond),
		})
	}
	score := w.consistencyScore()
	assert.Greater(t, score, 0.9, "constant-velocity motion is consistent")
}

func TestConsistencyScoreErraticMotion(t *testing.T) {
	var w poseWindow
	now := time.Now()
	positions := []float64{0, 40, 5, 60, 10, 80, 0, 70}
	for i, x := range positions {
		w.push(poseObservation{
			position: r3Vec(x, 0, 450),
			rotation: quat.Number{Real: 1},
			at:       now.Add(time.Duration(i) * 33 * time.Millisecond),
		})
	}
	assert.Less(t, w.consistencyScore(), 0.5, "erratic motion must score low")
}

func TestObserveAssessmentShape(t *testing.T) {
	m := NewQualityMonitor(DefaultQualityConfig())
	a := m.Observe(goodSample(time.Now()))

	require.False(t, math.IsNaN(a.OverallQuality))
	assert.GreaterOrEqual(t, a.OverallQuality, 0.0)
	assert.LessOrEqual(t, a.OverallQuality, 1.0)
	assert.NotEqual(t, TrackingState(""), a.State)
}

func TestObserveFailedSolveKeepsPoseWindow(t *testing.T) {
	m := NewQualityMonitor(DefaultQualityConfig())
	at := time.Now()
	for i := 0; i < 8; i++ {
		m.Observe(goodSample(at.Add(time.Duration(i) * 33 * time.Millisecond)))
	}

	// A detected face whose solve failed carries no pose. Its zero
	// quaternion must not enter the window, where it would register as a
	// near-pi rotation jump against the real poses.
	failed := goodSample(at.Add(8 * 33 * time.Millisecond))
	failed.HasPose = false
	failed.Position = r3Vec(0, 0, 0)
	failed.Rotation = quat.Number{}
	failed.ReprojectionError = 50

	a := m.Observe(failed)
	assert.Greater(t, a.Scores.Stability, 0.9)

	a = m.Observe(goodSample(at.Add(9 * 33 * time.Millisecond)))
	assert.Greater(t, a.Scores.Stability, 0.9)
	assert.Greater(t, a.Scores.Consistency, 0.9)
}
