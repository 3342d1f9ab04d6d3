package track

import (
	"math"
	"time"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/stat"
)

// metricHistorySize bounds every per-metric rolling history.
const metricHistorySize = 30

// MetricScores holds the six independent quality signals, each in [0,1]
// with 1 best.
type MetricScores struct {
	Confidence   float64 // detector landmark confidence
	Stability    float64 // inverse short-window pose displacement
	Reprojection float64 // normalized inverse reprojection error
	Visibility   float64 // fraction of mapped landmarks on screen
	Consistency  float64 // short-window motion consistency
	Occlusion    float64 // inverse occlusion ratio
}

// MetricWeights weights the six signals in the overall quality sum.
type MetricWeights struct {
	Confidence   float64
	Stability    float64
	Reprojection float64
	Visibility   float64
	Consistency  float64
	Occlusion    float64
}

func (w MetricWeights) total() float64 {
	return w.Confidence + w.Stability + w.Reprojection + w.Visibility + w.Consistency + w.Occlusion
}

// QualitySample is the raw per-frame input to the monitor. Stability and
// consistency are derived internally from the monitor's own pose window.
type QualitySample struct {
	FaceDetected       bool
	LandmarkConfidence float64
	ReprojectionError  float64 // mean pixels
	VisibilityRatio    float64
	OcclusionRatio     float64
	// HasPose marks Position and Rotation as valid. A detected face whose
	// solve failed leaves them zero, and a zero quaternion reads as a large
	// rotation against any real pose.
	HasPose  bool
	Position r3.Vector
	Rotation quat.Number
	At       time.Time
}

// QualityAssessment is the monitor's per-frame output, recomputed from the
// bounded rolling histories.
type QualityAssessment struct {
	OverallQuality      float64
	Scores              MetricScores
	Trends              MetricScores // linear-regression slope per metric
	State               TrackingState
	PredictedLoss       bool
	RecommendedStrategy RecoveryStrategy
}

// metricHistory keeps a bounded score history and its regression trend.
type metricHistory struct {
	values []float64
}

func (h *metricHistory) push(v float64) {
	if len(h.values) >= metricHistorySize {
		copy(h.values, h.values[1:])
		h.values = h.values[:len(h.values)-1]
	}
	h.values = append(h.values, v)
}

// slope fits a least-squares line over the history and returns its slope
// in score units per frame. Short histories report zero.
func (h *metricHistory) slope() float64 {
	if len(h.values) < 5 {
		return 0
	}
	xs := make([]float64, len(h.values))
	for i := range xs {
		xs[i] = float64(i)
	}
	_, beta := stat.LinearRegression(xs, h.values, nil, false)
	if math.IsNaN(beta) {
		return 0
	}
	return beta
}

func (h *metricHistory) reset() { h.values = h.values[:0] }

// poseWindowSize bounds the short pose window used for the stability and
// motion-consistency metrics.
const poseWindowSize = 8

type poseObservation struct {
	position r3.Vector
	rotation quat.Number
	at       time.Time
}

// poseWindow is the monitor's own short history of stabilized poses.
type poseWindow struct {
	obs []poseObservation
}

func (w *poseWindow) push(o poseObservation) {
	if len(w.obs) >= poseWindowSize {
		copy(w.obs, w.obs[1:])
		w.obs = w.obs[:len(w.obs)-1]
	}
	w.obs = append(w.obs, o)
}

func (w *poseWindow) reset() { w.obs = w.obs[:0] }

// stabilityScore maps mean frame-to-frame displacement (translation plus
// rotation) to [0,1]. A still or smoothly moving head scores near 1.
func (w *poseWindow) stabilityScore() float64 {
	if len(w.obs) < 2 {
		return 1
	}
	var sum float64
	for i := 1; i < len(w.obs); i++ {
		d := w.obs[i].position.Sub(w.obs[i-1].position).Norm()
		a := quatAngleBetween(w.obs[i].rotation, w.obs[i-1].rotation)
		// 1mm of translation and ~0.6 degrees of rotation weigh equally.
		sum += d + a*100
	}
	mean := sum / float64(len(w.obs)-1)
	return clamp01(1 - mean/30.0)
}

// consistencyScore measures how well the window matches constant-velocity
// motion: the dispersion of frame-to-frame velocities, normalized.
func (w *poseWindow) consistencyScore() float64 {
	if len(w.obs) < 3 {
		return 1
	}
	speeds := make([]float64, 0, len(w.obs)-1)
	for i := 1; i < len(w.obs); i++ {
		dt := w.obs[i].at.Sub(w.obs[i-1].at).Seconds()
		if dt <= 0 {
			continue
		}
		speeds = append(speeds, w.obs[i].position.Sub(w.obs[i-1].position).Norm()/dt)
	}
	if len(speeds) < 2 {
		return 1
	}
	_, variance := stat.MeanVariance(speeds, nil)
	sd := math.Sqrt(variance)
	// ~200 mm/s of speed dispersion zeroes the score.
	return clamp01(1 - sd/200.0)
}

// scoreSample converts raw inputs plus window-derived metrics into the six
// scores. An empty frame (no face) scores zero on every signal.
func (m *QualityMonitor) scoreSample(s QualitySample) MetricScores {
	if !s.FaceDetected {
		return MetricScores{}
	}
	return MetricScores{
		Confidence:   clamp01(s.LandmarkConfidence),
		Stability:    m.window.stabilityScore(),
		Reprojection: clamp01(1 - s.ReprojectionError/50.0),
		Visibility:   clamp01(s.VisibilityRatio),
		Consistency:  m.window.consistencyScore(),
		Occlusion:    clamp01(1 - s.OcclusionRatio),
	}
}

func (m *QualityMonitor) overall(scores MetricScores) float64 {
	w := m.config.Weights
	total := w.total()
	if total <= 0 {
		return 0
	}
	sum := scores.Confidence*w.Confidence +
		scores.Stability*w.Stability +
		scores.Reprojection*w.Reprojection +
		scores.Visibility*w.Visibility +
		scores.Consistency*w.Consistency +
		scores.Occlusion*w.Occlusion
	return sum / total
}
