package track

import (
	"time"

	"github.com/golang/geo/r3"
)

// StabilizerConfig holds tuning parameters for the filter cascade.
type StabilizerConfig struct {
	// Jitter suppression window.
	JitterWindowSize  int
	JitterVariancePos float64 // mm^2, position and scale channels
	JitterVarianceRot float64 // rad^2, rotation channels

	// One-euro adaptive low-pass.
	OneEuroMinCutoff   float64 // Hz, cutoff floor at rest
	OneEuroBeta        float64 // cutoff gain per unit speed
	OneEuroDerivCutoff float64 // Hz, derivative smoothing
	// LowConfidenceCutoffScale scales the cutoff floor and the speed gain
	// down at zero confidence. Lower cutoff means more smoothing, never a
	// bypass.
	LowConfidenceCutoffScale float64

	// Optional constant-velocity state-space blend.
	EnableKalman           bool
	KalmanProcessNoise     float64
	KalmanMeasurementNoise float64
	// KalmanMaxBlend is the blend weight at zero confidence; the weight
	// falls off as measurement confidence rises, so trusted measurements
	// pass through with minimal model mixing.
	KalmanMaxBlend float64

	// Trend-aware smoothing.
	SmoothingLevelAlpha float64
	SmoothingTrendGamma float64
	// PredictionFraction extrapolates output forward by this fraction of
	// one frame interval to offset detector-to-render latency.
	PredictionFraction float64

	// SlerpFactor is the per-frame rotation interpolation step at full
	// confidence.
	SlerpFactor float64

	// DefaultFrameInterval seeds dt before two timestamps exist.
	DefaultFrameInterval time.Duration
}

// DefaultStabilizerConfig returns the default cascade tuning.
func DefaultStabilizerConfig() StabilizerConfig {
	return StabilizerConfig{
		JitterWindowSize:         5,
		JitterVariancePos:        4.0,
		JitterVarianceRot:        0.0025,
		OneEuroMinCutoff:         1.0,
		OneEuroBeta:              0.25,
		OneEuroDerivCutoff:       1.0,
		LowConfidenceCutoffScale: 0.2,
		EnableKalman:             true,
		KalmanProcessNoise:       8.0,
		KalmanMeasurementNoise:   2.0,
		KalmanMaxBlend:           0.5,
		SmoothingLevelAlpha:      0.6,
		SmoothingTrendGamma:      0.3,
		PredictionFraction:       0.5,
		SlerpFactor:              0.65,
		DefaultFrameInterval:     33 * time.Millisecond,
	}
}

// channelFilter is the full cascade for one scalar channel: jitter window,
// one-euro low-pass, optional Kalman blend, then double exponential
// smoothing.
type channelFilter struct {
	jitter jitterWindow
	euro   oneEuroFilter
	kalman scalarKalman
	smooth doubleExpSmoother
}

func newChannelFilter(cfg *StabilizerConfig) channelFilter {
	return channelFilter{jitter: newJitterWindow(cfg.JitterWindowSize)}
}

func (f *channelFilter) update(v, dt, confidence, jitterVariance float64, cfg *StabilizerConfig) float64 {
	v = f.jitter.update(v, jitterVariance)

	// Low confidence narrows both the cutoff floor and the speed-adaptive
	// term: more smoothing, not less filtering. Scaling only the floor
	// would let beta*|edx| reopen the cutoff under noisy motion.
	confScale := cfg.LowConfidenceCutoffScale + (1-cfg.LowConfidenceCutoffScale)*clamp01(confidence)
	minCutoff := cfg.OneEuroMinCutoff * confScale
	beta := cfg.OneEuroBeta * confScale
	filtered := f.euro.update(v, dt, minCutoff, beta, cfg.OneEuroDerivCutoff)

	if cfg.EnableKalman {
		predicted := f.kalman.update(v, dt, cfg.KalmanProcessNoise, cfg.KalmanMeasurementNoise)
		// The model prediction carries the most weight when the measurement
		// is least trusted.
		blend := cfg.KalmanMaxBlend * (1 - clamp01(confidence))
		filtered = (1-blend)*filtered + blend*predicted
	}

	return f.smooth.update(filtered, cfg.SmoothingLevelAlpha, cfg.SmoothingTrendGamma, cfg.PredictionFraction)
}

// snap seeds every stage with the value so the next update continues from
// it instead of warming up from zero.
func (f *channelFilter) snap(v float64, cfg *StabilizerConfig) {
	f.reset()
	f.jitter.update(v, 0)
	f.euro.update(v, 0, cfg.OneEuroMinCutoff, cfg.OneEuroBeta, cfg.OneEuroDerivCutoff)
	f.kalman.update(v, 0, cfg.KalmanProcessNoise, cfg.KalmanMeasurementNoise)
	f.smooth.update(v, cfg.SmoothingLevelAlpha, cfg.SmoothingTrendGamma, cfg.PredictionFraction)
}

func (f *channelFilter) reset() {
	f.jitter.reset()
	f.euro.reset()
	f.kalman.reset()
	f.smooth.reset()
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Stabilizer converts per-frame noisy pose measurements into a temporally
// coherent pose with bounded jitter and bounded lag. Each position, scale
// and Euler component runs through an independent filter cascade; rotation
// is then reconstructed in quaternion form and SLERPed toward the filtered
// target to avoid gimbal artifacts of per-axis blending. One instance owns
// exactly one subject's state; it must not be shared across call sites.
type Stabilizer struct {
	config StabilizerConfig

	pos   [3]channelFilter
	rot   [3]channelFilter
	scale [3]channelFilter

	out        StabilizedPose
	lastUpdate time.Time
	primed     bool
}

// NewStabilizer creates a stabilizer with the given tuning.
func NewStabilizer(config StabilizerConfig) *Stabilizer {
	s := &Stabilizer{config: config}
	for i := 0; i < 3; i++ {
		s.pos[i] = newChannelFilter(&config)
		s.rot[i] = newChannelFilter(&config)
		s.scale[i] = newChannelFilter(&config)
	}
	return s
}

// Config returns the stabilizer's configuration.
func (s *Stabilizer) Config() StabilizerConfig { return s.config }

// Update feeds one measurement through the cascade and returns the updated
// stabilized pose. The very first call for a fresh instance bypasses all
// filtering and snaps directly to the measurement, so a subject appearing
// mid-stream gets no warm-up lag.
func (s *Stabilizer) Update(sample PoseSample) StabilizedPose {
	if !s.primed {
		return s.snapTo(sample)
	}

	dt := sample.At.Sub(s.lastUpdate).Seconds()
	if dt <= 0 {
		dt = s.config.DefaultFrameInterval.Seconds()
	}
	s.lastUpdate = sample.At
	conf := clamp01(sample.Confidence)
	cfg := &s.config

	pos := r3.Vector{
		X: s.pos[0].update(sample.Position.X, dt, conf, cfg.JitterVariancePos, cfg),
		Y: s.pos[1].update(sample.Position.Y, dt, conf, cfg.JitterVariancePos, cfg),
		Z: s.pos[2].update(sample.Position.Z, dt, conf, cfg.JitterVariancePos, cfg),
	}
	scale := r3.Vector{
		X: s.scale[0].update(sample.Scale.X, dt, conf, cfg.JitterVariancePos, cfg),
		Y: s.scale[1].update(sample.Scale.Y, dt, conf, cfg.JitterVariancePos, cfg),
		Z: s.scale[2].update(sample.Scale.Z, dt, conf, cfg.JitterVariancePos, cfg),
	}
	euler := EulerAngles{
		Pitch: s.rot[0].update(sample.Euler.Pitch, dt, conf, cfg.JitterVarianceRot, cfg),
		Yaw:   s.rot[1].update(sample.Euler.Yaw, dt, conf, cfg.JitterVarianceRot, cfg),
		Roll:  s.rot[2].update(sample.Euler.Roll, dt, conf, cfg.JitterVarianceRot, cfg),
	}

	target := quaternionFromEuler(euler)
	step := cfg.SlerpFactor * (0.5 + 0.5*conf)
	if step > 1 {
		step = 1
	}
	rotation := slerp(s.out.Rotation, target, step)

	s.out = StabilizedPose{
		Position: pos,
		Rotation: rotation,
		Scale:    scale,
		Velocity: s.velocity(dt),
	}
	return s.out
}

// velocity reports the predicted translational rate in mm/s, taken from
// the Kalman rate states when enabled, otherwise from the smoothing trend.
func (s *Stabilizer) velocity(dt float64) r3.Vector {
	if s.config.EnableKalman {
		return r3.Vector{
			X: s.pos[0].kalman.rate(),
			Y: s.pos[1].kalman.rate(),
			Z: s.pos[2].kalman.rate(),
		}
	}
	if dt <= 0 {
		return r3.Vector{}
	}
	return r3.Vector{
		X: s.pos[0].smooth.trendPerUpdate() / dt,
		Y: s.pos[1].smooth.trendPerUpdate() / dt,
		Z: s.pos[2].smooth.trendPerUpdate() / dt,
	}
}

// snapTo adopts the measurement exactly, priming every filter stage.
func (s *Stabilizer) snapTo(sample PoseSample) StabilizedPose {
	cfg := &s.config
	s.pos[0].snap(sample.Position.X, cfg)
	s.pos[1].snap(sample.Position.Y, cfg)
	s.pos[2].snap(sample.Position.Z, cfg)
	s.scale[0].snap(sample.Scale.X, cfg)
	s.scale[1].snap(sample.Scale.Y, cfg)
	s.scale[2].snap(sample.Scale.Z, cfg)
	s.rot[0].snap(sample.Euler.Pitch, cfg)
	s.rot[1].snap(sample.Euler.Yaw, cfg)
	s.rot[2].snap(sample.Euler.Roll, cfg)

	s.out = StabilizedPose{
		Position: sample.Position,
		Rotation: quaternionFromEuler(sample.Euler),
		Scale:    sample.Scale,
	}
	s.lastUpdate = sample.At
	s.primed = true
	return s.out
}

// Current returns the most recent stabilized pose.
func (s *Stabilizer) Current() StabilizedPose { return s.out }

// Primed reports whether the stabilizer has received at least one sample.
func (s *Stabilizer) Primed() bool { return s.primed }

// Reset clears all internal filter state atomically. There is no partial
// reset: the next update snaps to its measurement like a first sample.
func (s *Stabilizer) Reset() {
	for i := 0; i < 3; i++ {
		s.pos[i].reset()
		s.rot[i].reset()
		s.scale[i].reset()
	}
	s.out = StabilizedPose{}
	s.lastUpdate = time.Time{}
	s.primed = false
}
