package track

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingObserver captures monitor callbacks for assertions.
type recordingObserver struct {
	transitions []string
	lostEvents  int
	attempts    []RecoveryStrategy
	updates     int
}

func (r *recordingObserver) OnStateChange(from, to TrackingState) {
	r.transitions = append(r.transitions, string(from)+">"+string(to))
}
func (r *recordingObserver) OnQualityUpdate(QualityAssessment) { r.updates++ }
func (r *recordingObserver) OnRecoveryAttempt(attempt int, strategy RecoveryStrategy) {
	r.attempts = append(r.attempts, strategy)
}
func (r *recordingObserver) OnTrackingLost() { r.lostEvents++ }

// confidenceOnlyConfig weights a single metric so tests can drive the
// overall quality scalar directly through LandmarkConfidence.
func confidenceOnlyConfig() QualityConfig {
	cfg := DefaultQualityConfig()
	cfg.Weights = MetricWeights{Confidence: 1}
	return cfg
}

func confidenceSample(confidence float64, at time.Time) QualitySample {
	return QualitySample{
		FaceDetected:       true,
		LandmarkConfidence: confidence,
		At:                 at,
	}
}

func TestStateThresholdsInclusive(t *testing.T) {
	cases := []struct {
		confidence float64
		want       TrackingState
	}{
		{0.95, StateExcellent},
		{0.90, StateExcellent}, // boundary belongs to the higher state
		{0.89, StateGood},
		{0.75, StateGood},
		{0.74, StateAcceptable},
		{0.50, StateAcceptable},
		{0.49, StatePoor},
		{0.30, StatePoor},
	}
	for _, tc := range cases {
		m := NewQualityMonitor(confidenceOnlyConfig())
		a := m.Observe(confidenceSample(tc.confidence, time.Now()))
		assert.Equal(t, tc.want, a.State, "confidence %.2f", tc.confidence)
	}
}

func TestMonitorStartsInitializing(t *testing.T) {
	m := NewQualityMonitor(DefaultQualityConfig())
	assert.Equal(t, StateInitializing, m.State())
}

func TestAbsentFramesReachLostOnce(t *testing.T) {
	m := NewQualityMonitor(confidenceOnlyConfig())
	obs := &recordingObserver{}
	m.AddObserver(obs)
	base := time.Now()

	// Establish tracking first.
	m.Observe(confidenceSample(0.95, base))
	require.Equal(t, StateExcellent, m.State())

	// Ten consecutive empty frames: LOST is reached after the configured
	// streak and OnTrackingLost fires exactly once.
	for i := 0; i < 10; i++ {
		m.Observe(QualitySample{FaceDetected: false, At: base.Add(time.Duration(i+1) * 33 * time.Millisecond)})
	}
	assert.Equal(t, StateLost, m.State())
	assert.Equal(t, 1, obs.lostEvents, "OnTrackingLost must fire exactly once")
}

func TestLostIsStickyUntilReported(t *testing.T) {
	m := NewQualityMonitor(confidenceOnlyConfig())
	base := time.Now()

	for i := 0; i < DefaultQualityConfig().LostAfterFrames; i++ {
		m.Observe(QualitySample{FaceDetected: false, At: base.Add(time.Duration(i) * 33 * time.Millisecond)})
	}
	require.Equal(t, StateLost, m.State())

	// Good frames alone must not exit LOST.
	m.Observe(confidenceSample(0.95, base.Add(time.Second)))
	assert.Equal(t, StateLost, m.State(), "quality alone must not exit LOST")

	// The caller's explicit success report does.
	m.ReportRecovery(true, base.Add(2*time.Second))
	assert.Equal(t, StateInitializing, m.State())
}

func TestRecoveryDueGating(t *testing.T) {
	cfg := confidenceOnlyConfig()
	m := NewQualityMonitor(cfg)
	base := time.Now()

	assert.False(t, m.RecoveryDue(base), "not due before LOST")

	for i := 0; i < cfg.LostAfterFrames; i++ {
		m.Observe(QualitySample{FaceDetected: false, At: base})
	}
	require.Equal(t, StateLost, m.State())

	// Dwell not yet elapsed.
	assert.False(t, m.RecoveryDue(base.Add(cfg.LostDwell/2)))
	assert.True(t, m.RecoveryDue(base.Add(cfg.LostDwell+time.Millisecond)))

	// First attempt starts the cooldown.
	attemptAt := base.Add(cfg.LostDwell + time.Millisecond)
	_, ok := m.BeginRecovery(attemptAt)
	require.True(t, ok)
	assert.False(t, m.RecoveryDue(attemptAt.Add(cfg.RecoveryCooldown/2)))
	assert.True(t, m.RecoveryDue(attemptAt.Add(cfg.RecoveryCooldown+time.Millisecond)))
}

func TestRecoveryAttemptBudget(t *testing.T) {
	cfg := confidenceOnlyConfig()
	m := NewQualityMonitor(cfg)
	obs := &recordingObserver{}
	m.AddObserver(obs)
	base := time.Now()

	for i := 0; i < cfg.LostAfterFrames; i++ {
		m.Observe(QualitySample{FaceDetected: false, At: base})
	}
	require.Equal(t, StateLost, m.State())

	at := base.Add(cfg.LostDwell)
	for i := 0; i < cfg.MaxRecoveryAttempts; i++ {
		at = at.Add(cfg.RecoveryCooldown + time.Millisecond)
		_, ok := m.BeginRecovery(at)
		require.True(t, ok, "attempt %d refused", i+1)
	}
	assert.Equal(t, cfg.MaxRecoveryAttempts, m.RecoveryAttempts())

	// Budget exhausted: no further attempts regardless of elapsed time.
	at = at.Add(time.Hour)
	_, ok := m.BeginRecovery(at)
	assert.False(t, ok)
	assert.Len(t, obs.attempts, cfg.MaxRecoveryAttempts)
}

func TestBeginRecoveryOutsideLost(t *testing.T) {
	m := NewQualityMonitor(confidenceOnlyConfig())
	if _, ok := m.BeginRecovery(time.Now()); ok {
		t.Error("recovery permitted while INITIALIZING")
	}
}

func TestReportRecoveryFailureStaysLost(t *testing.T) {
	cfg := confidenceOnlyConfig()
	m := NewQualityMonitor(cfg)
	base := time.Now()
	for i := 0; i < cfg.LostAfterFrames; i++ {
		m.Observe(QualitySample{FaceDetected: false, At: base})
	}
	require.Equal(t, StateLost, m.State())

	m.ReportRecovery(false, base.Add(time.Second))
	assert.Equal(t, StateLost, m.State())
}

func TestRecommendStrategyDetectorLoss(t *testing.T) {
	cfg := confidenceOnlyConfig()
	m := NewQualityMonitor(cfg)
	base := time.Now()
	for i := 0; i < cfg.LostAfterFrames; i++ {
		m.Observe(QualitySample{FaceDetected: false, At: base})
	}
	require.Equal(t, StateLost, m.State())

	// Confidence and visibility both low: the detector itself is failing.
	strategy := m.recommendStrategy(MetricScores{Confidence: 0.1, Visibility: 0.2, Stability: 0.9})
	assert.Equal(t, RecoveryReduceDetail, strategy)
}

func TestRecommendStrategyStabilizerOnly(t *testing.T) {
	cfg := confidenceOnlyConfig()
	m := NewQualityMonitor(cfg)
	base := time.Now()
	// Drive into RECOVERING (not LOST) with a couple of bad frames.
	m.Observe(confidenceSample(0.95, base))
	m.Observe(QualitySample{FaceDetected: false, At: base.Add(33 * time.Millisecond)})
	require.Equal(t, StateRecovering, m.State())

	scores := MetricScores{
		Confidence:   0.9,
		Stability:    0.2,
		Reprojection: 0.9,
		Visibility:   0.9,
		Consistency:  0.9,
		Occlusion:    0.9,
	}
	assert.Equal(t, RecoveryResetStabilizer, m.recommendStrategy(scores))
}

func TestRecommendStrategyNoneWhileTracking(t *testing.T) {
	m := NewQualityMonitor(confidenceOnlyConfig())
	m.Observe(confidenceSample(0.95, time.Now()))
	assert.Equal(t, RecoveryNone, m.recommendStrategy(MetricScores{Confidence: 0.95}))
}

func TestPredictedLossDecliningMetrics(t *testing.T) {
	cfg := DefaultQualityConfig()
	m := NewQualityMonitor(cfg)
	base := time.Now()

	// Feed steadily declining quality; once below GOOD with several
	// declining trends the predicted-loss flag must raise.
	var predicted bool
	for i := 0; i < 25; i++ {
		conf := 0.9 - float64(i)*0.025
		s := QualitySample{
			FaceDetected:       true,
			LandmarkConfidence: conf,
			ReprojectionError:  float64(i) * 2,
			VisibilityRatio:    1 - float64(i)*0.03,
			OcclusionRatio:     float64(i) * 0.03,
			At:                 base.Add(time.Duration(i) * 33 * time.Millisecond),
		}
		a := m.Observe(s)
		if a.PredictedLoss {
			predicted = true
		}
	}
	assert.True(t, predicted, "declining metrics never flagged predicted loss")
}

func TestSetErrorIsTerminal(t *testing.T) {
	m := NewQualityMonitor(confidenceOnlyConfig())
	m.SetError(time.Now())
	require.Equal(t, StateError, m.State())

	a := m.Observe(confidenceSample(0.95, time.Now()))
	assert.Equal(t, StateError, a.State)
	assert.Equal(t, RecoveryFullReset, a.RecommendedStrategy)
}

func TestMonitorReset(t *testing.T) {
	cfg := confidenceOnlyConfig()
	m := NewQualityMonitor(cfg)
	base := time.Now()
	for i := 0; i < cfg.LostAfterFrames; i++ {
		m.Observe(QualitySample{FaceDetected: false, At: base})
	}
	require.Equal(t, StateLost, m.State())

	m.Reset()
	assert.Equal(t, StateInitializing, m.State())
	assert.Equal(t, 0, m.RecoveryAttempts())

	// Post-reset behaviour matches a fresh monitor.
	a := m.Observe(confidenceSample(0.95, base.Add(time.Second)))
	assert.Equal(t, StateExcellent, a.State)
}

func TestObserverReceivesUpdates(t *testing.T) {
	m := NewQualityMonitor(confidenceOnlyConfig())
	obs := &recordingObserver{}
	m.AddObserver(obs)

	m.Observe(confidenceSample(0.95, time.Now()))
	m.Observe(confidenceSample(0.95, time.Now()))
	assert.Equal(t, 2, obs.updates)
	assert.Contains(t, obs.transitions, "initializing>tracking_excellent")
}
