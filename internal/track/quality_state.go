package track

import "time"

// TrackingState is the monitor's state machine position.
type TrackingState string

const (
	StateInitializing TrackingState = "initializing"
	StateExcellent    TrackingState = "tracking_excellent"
	StateGood         TrackingState = "tracking_good"
	StateAcceptable   TrackingState = "tracking_acceptable"
	StatePoor         TrackingState = "tracking_poor"
	StateRecovering   TrackingState = "recovering"
	StateLost         TrackingState = "lost"
	StateError        TrackingState = "error"
)

// RecoveryStrategy is the monitor's recommendation when quality degrades.
type RecoveryStrategy string

const (
	// RecoveryNone: no action recommended.
	RecoveryNone RecoveryStrategy = "none"
	// RecoveryReduceDetail: degrade detector precision to regain the face
	// (both confidence and visibility are low).
	RecoveryReduceDetail RecoveryStrategy = "reduce_detail"
	// RecoveryResetStabilizer: only stability is low; clearing filter state
	// is enough.
	RecoveryResetStabilizer RecoveryStrategy = "reset_stabilizer"
	// RecoveryFullReset: persistent failure after repeated attempts; reset
	// the whole pipeline.
	RecoveryFullReset RecoveryStrategy = "full_reset"
)

// QualityConfig holds tuning for the monitor. Thresholds are inclusive on
// the higher state: overall quality of exactly 0.75 is TRACKING_GOOD.
// The weights are hand-tuned starting points, configurable rather than
// fixed truths.
type QualityConfig struct {
	Weights MetricWeights

	ExcellentThreshold  float64
	GoodThreshold       float64
	AcceptableThreshold float64
	PoorThreshold       float64

	// MetricLowThreshold marks an individual metric as "low" for strategy
	// selection.
	MetricLowThreshold float64

	// DecliningSlope is the per-frame trend slope below which a metric
	// counts as declining. MinDecliningMetrics simultaneous decliners while
	// quality is sub-good flags predicted loss.
	DecliningSlope      float64
	MinDecliningMetrics int

	// LostAfterFrames is how many consecutive sub-poor frames in RECOVERING
	// transition to LOST.
	LostAfterFrames int

	// Recovery gating on LOST entry.
	LostDwell           time.Duration
	MaxRecoveryAttempts int
	RecoveryCooldown    time.Duration
}

// DefaultQualityConfig returns the default monitor tuning.
func DefaultQualityConfig() QualityConfig {
	return QualityConfig{
		Weights: MetricWeights{
			Confidence:   0.25,
			Stability:    0.20,
			Reprojection: 0.20,
			Visibility:   0.15,
			Consistency:  0.10,
			Occlusion:    0.10,
		},
		ExcellentThreshold:  0.90,
		GoodThreshold:       0.75,
		AcceptableThreshold: 0.50,
		PoorThreshold:       0.30,
		MetricLowThreshold:  0.50,
		DecliningSlope:      -0.004,
		MinDecliningMetrics: 3,
		LostAfterFrames:     4,
		LostDwell:           400 * time.Millisecond,
		MaxRecoveryAttempts: 3,
		RecoveryCooldown:    2 * time.Second,
	}
}

// QualityObserver receives monitor events. All callbacks are
// fire-and-forget: no return value is expected and the monitor does not
// wait on them.
type QualityObserver interface {
	OnStateChange(from, to TrackingState)
	OnQualityUpdate(assessment QualityAssessment)
	OnRecoveryAttempt(attempt int, strategy RecoveryStrategy)
	OnTrackingLost()
}

// QualityMonitor scores the six tracking signals, drives the tracking state
// machine, and recommends recovery actions when quality degrades. One
// instance per pipeline; not safe for concurrent use.
type QualityMonitor struct {
	config QualityConfig

	state     TrackingState
	histories [6]metricHistory // same order as MetricScores fields
	window    poseWindow

	observers []QualityObserver

	subPoorStreak    int
	lostAt           time.Time
	recoveryAttempts int
	lastAttemptAt    time.Time
	lastScores       MetricScores
}

// NewQualityMonitor creates a monitor in the INITIALIZING state.
func NewQualityMonitor(config QualityConfig) *QualityMonitor {
	return &QualityMonitor{config: config, state: StateInitializing}
}

// AddObserver registers an event observer.
func (m *QualityMonitor) AddObserver(o QualityObserver) {
	if o != nil {
		m.observers = append(m.observers, o)
	}
}

// State returns the current tracking state.
func (m *QualityMonitor) State() TrackingState { return m.state }

// Config returns the monitor's configuration.
func (m *QualityMonitor) Config() QualityConfig { return m.config }

// Observe scores one frame, updates histories and the state machine, and
// returns the assessment. Callbacks fire synchronously before return.
func (m *QualityMonitor) Observe(sample QualitySample) QualityAssessment {
	if m.state == StateError {
		return QualityAssessment{State: StateError, RecommendedStrategy: RecoveryFullReset}
	}

	if sample.FaceDetected && sample.HasPose {
		m.window.push(poseObservation{
			position: sample.Position,
			rotation: sample.Rotation,
			at:       sample.At,
		})
	}

	scores := m.scoreSample(sample)
	m.lastScores = scores
	m.pushScores(scores)

	overall := m.overall(scores)
	trends := m.trends()

	assessment := QualityAssessment{
		OverallQuality: overall,
		Scores:         scores,
		Trends:         trends,
	}
	assessment.PredictedLoss = m.predictedLoss(overall, trends)
	m.advanceState(overall, sample.At)
	assessment.State = m.state
	assessment.RecommendedStrategy = m.recommendStrategy(scores)

	for _, o := range m.observers {
		o.OnQualityUpdate(assessment)
	}
	return assessment
}

func (m *QualityMonitor) pushScores(s MetricScores) {
	m.histories[0].push(s.Confidence)
	m.histories[1].push(s.Stability)
	m.histories[2].push(s.Reprojection)
	m.histories[3].push(s.Visibility)
	m.histories[4].push(s.Consistency)
	m.histories[5].push(s.Occlusion)
}

func (m *QualityMonitor) trends() MetricScores {
	return MetricScores{
		Confidence:   m.histories[0].slope(),
		Stability:    m.histories[1].slope(),
		Reprojection: m.histories[2].slope(),
		Visibility:   m.histories[3].slope(),
		Consistency:  m.histories[4].slope(),
		Occlusion:    m.histories[5].slope(),
	}
}

// predictedLoss flags an upcoming loss ahead of the hard threshold
// crossing: three or more simultaneously-declining trends while quality is
// below good. Lets the caller soften visuals pre-emptively.
func (m *QualityMonitor) predictedLoss(overall float64, trends MetricScores) bool {
	if overall >= m.config.GoodThreshold {
		return false
	}
	declining := 0
	for _, slope := range []float64{
		trends.Confidence, trends.Stability, trends.Reprojection,
		trends.Visibility, trends.Consistency, trends.Occlusion,
	} {
		if slope < m.config.DecliningSlope {
			declining++
		}
	}
	return declining >= m.config.MinDecliningMetrics
}

// advanceState moves the state machine on the overall quality scalar.
func (m *QualityMonitor) advanceState(overall float64, at time.Time) {
	cfg := &m.config

	var next TrackingState
	switch {
	case overall >= cfg.ExcellentThreshold:
		next = StateExcellent
	case overall >= cfg.GoodThreshold:
		next = StateGood
	case overall >= cfg.AcceptableThreshold:
		next = StateAcceptable
	case overall >= cfg.PoorThreshold:
		next = StatePoor
	default:
		next = StateRecovering
	}

	if next == StateRecovering {
		m.subPoorStreak++
		// Already lost: stay lost until recovery is reported.
		if m.state == StateLost {
			return
		}
		if m.subPoorStreak >= cfg.LostAfterFrames {
			m.transition(StateLost, at)
			return
		}
		if m.state != StateRecovering {
			m.transition(StateRecovering, at)
		}
		return
	}

	m.subPoorStreak = 0
	if m.state == StateLost {
		// Quality alone does not exit LOST; the caller reports recovery.
		return
	}
	if next != m.state {
		m.transition(next, at)
	}
}

func (m *QualityMonitor) transition(to TrackingState, at time.Time) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	diagf("quality: state %s -> %s", from, to)
	if to == StateLost {
		opsf("quality: tracking lost")
		m.lostAt = at
		m.recoveryAttempts = 0
		m.lastAttemptAt = time.Time{}
	}
	for _, o := range m.observers {
		o.OnStateChange(from, to)
	}
	if to == StateLost {
		for _, o := range m.observers {
			o.OnTrackingLost()
		}
	}
}

// recommendStrategy inspects which specific metrics are below threshold.
func (m *QualityMonitor) recommendStrategy(scores MetricScores) RecoveryStrategy {
	if m.state != StateLost && m.state != StateRecovering {
		return RecoveryNone
	}
	if m.recoveryAttempts >= m.config.MaxRecoveryAttempts {
		return RecoveryFullReset
	}
	low := m.config.MetricLowThreshold
	confLow := scores.Confidence < low
	visLow := scores.Visibility < low
	stabLow := scores.Stability < low
	othersOK := scores.Confidence >= low && scores.Visibility >= low &&
		scores.Reprojection >= low && scores.Occlusion >= low

	switch {
	case confLow && visLow:
		// The detector is losing the face; ask for a coarser, more robust
		// detection pass.
		return RecoveryReduceDetail
	case stabLow && othersOK:
		return RecoveryResetStabilizer
	default:
		return RecoveryReduceDetail
	}
}

// RecoveryDue reports whether a recovery attempt is currently permitted:
// the monitor is LOST, the minimum dwell has elapsed, the attempt budget is
// not exhausted, and the cooldown since the previous attempt has passed.
func (m *QualityMonitor) RecoveryDue(now time.Time) bool {
	if m.state != StateLost {
		return false
	}
	if now.Sub(m.lostAt) < m.config.LostDwell {
		return false
	}
	if m.recoveryAttempts >= m.config.MaxRecoveryAttempts {
		return false
	}
	if !m.lastAttemptAt.IsZero() && now.Sub(m.lastAttemptAt) < m.config.RecoveryCooldown {
		return false
	}
	return true
}

// BeginRecovery records an attempt and returns the strategy to execute.
// Callers must check RecoveryDue first; ok=false means the gate refused.
func (m *QualityMonitor) BeginRecovery(now time.Time) (RecoveryStrategy, bool) {
	if !m.RecoveryDue(now) {
		return RecoveryNone, false
	}
	m.recoveryAttempts++
	m.lastAttemptAt = now
	strategy := m.recommendStrategy(m.lastScores)
	if strategy == RecoveryNone {
		strategy = RecoveryReduceDetail
	}
	diagf("quality: recovery attempt %d, strategy %s", m.recoveryAttempts, strategy)
	for _, o := range m.observers {
		o.OnRecoveryAttempt(m.recoveryAttempts, strategy)
	}
	return strategy, true
}

// ReportRecovery is the caller's explicit report of a recovery outcome;
// success is never inferred. On success the monitor re-enters INITIALIZING
// with cleared histories; on failure it stays LOST awaiting the next
// permitted attempt.
func (m *QualityMonitor) ReportRecovery(success bool, at time.Time) {
	if m.state != StateLost && m.state != StateRecovering {
		return
	}
	if success {
		m.resetHistories()
		m.subPoorStreak = 0
		m.recoveryAttempts = 0
		m.lastAttemptAt = time.Time{}
		m.transition(StateInitializing, at)
	}
}

// RecoveryAttempts returns the attempt count since entering LOST.
func (m *QualityMonitor) RecoveryAttempts() int { return m.recoveryAttempts }

// SetError moves the monitor to the terminal ERROR state.
func (m *QualityMonitor) SetError(at time.Time) {
	m.transition(StateError, at)
}

// Reset atomically discards all history and returns to INITIALIZING.
func (m *QualityMonitor) Reset() {
	m.resetHistories()
	m.state = StateInitializing
	m.subPoorStreak = 0
	m.lostAt = time.Time{}
	m.recoveryAttempts = 0
	m.lastAttemptAt = time.Time{}
	m.lastScores = MetricScores{}
}

func (m *QualityMonitor) resetHistories() {
	for i := range m.histories {
		m.histories[i].reset()
	}
	m.window.reset()
}
