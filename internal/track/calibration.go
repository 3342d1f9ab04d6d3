package track

import (
	"math"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Calibration plausibility bounds.
const (
	// MinEyeDistancePx / MaxEyeDistancePx bound the observed pixel distance
	// between the eye landmarks. Outside this range the face is too small,
	// too close, or the landmarks are wrong.
	MinEyeDistancePx = 20.0
	MaxEyeDistancePx = 200.0

	// DefaultSubjectDistanceMM is the assumed camera-to-face distance used
	// in the similar-triangles focal derivation. Typical handheld viewing
	// distance.
	DefaultSubjectDistanceMM = 450.0
)

// CalibratorConfig holds tuning for the runtime focal-length calibrator.
type CalibratorConfig struct {
	// BufferCapacity is the sample ring size; oldest samples evict first.
	BufferCapacity int
	// MinSamples is the minimum sample count before an estimate is produced.
	MinSamples int
	// HalfLife controls the exponential time weighting: a sample this old
	// carries half the weight of a fresh one.
	HalfLife time.Duration
	// MaxVariance rejects estimates computed from unstable environments
	// (user still moving during calibration). Units: pixels squared.
	MaxVariance float64
	// StableWindow is how recently a calibration must have happened for
	// Stable() to hold.
	StableWindow time.Duration
	// SubjectDistanceMM overrides DefaultSubjectDistanceMM when > 0.
	SubjectDistanceMM float64
}

// DefaultCalibratorConfig returns the default calibration tuning.
func DefaultCalibratorConfig() CalibratorConfig {
	return CalibratorConfig{
		BufferCapacity: 30,
		MinSamples:     10,
		HalfLife:       3 * time.Second,
		MaxVariance:    12000, // ~110px standard deviation on the focal samples
		StableWindow:   10 * time.Second,
	}
}

// focalSample is one timestamped focal-length candidate.
type focalSample struct {
	value float64
	at    time.Time
}

// CameraCalibrator estimates and stabilizes the camera's focal length at
// runtime from interpupillary-distance geometry, without a physical
// calibration target. It is independent of per-frame pose solving: the same
// landmarks unlock it, but it only feeds intrinsics into the solver, never
// the reverse.
type CameraCalibrator struct {
	config CalibratorConfig

	samples []focalSample // ring buffer, oldest first
	last    *LandmarkSet  // most recent landmark set, for calibration fallback

	calibrated     float64
	calibratedAt   time.Time
	calibratedVar  float64
	sampleObserved int
	seeded         bool
}

// NewCameraCalibrator creates a calibrator with the given tuning.
func NewCameraCalibrator(config CalibratorConfig) *CameraCalibrator {
	if config.BufferCapacity <= 0 {
		config.BufferCapacity = 30
	}
	return &CameraCalibrator{
		config:  config,
		samples: make([]focalSample, 0, config.BufferCapacity),
	}
}

// EstimateFocalLength derives a focal-length candidate from the pixel
// distance between the two iris-centre landmarks, with the outer eye
// corners as fallback. Returns ok=false when the eye distance or the
// candidate is outside plausible bounds.
func (c *CameraCalibrator) EstimateFocalLength(landmarks *LandmarkSet, imageWidth int) (float64, bool) {
	if landmarks.Empty() || imageWidth <= 0 {
		return 0, false
	}

	distPx, refMM, ok := eyeDistancePx(landmarks, imageWidth)
	if !ok {
		return 0, false
	}
	if distPx < MinEyeDistancePx || distPx > MaxEyeDistancePx {
		return 0, false
	}

	subjectDist := c.config.SubjectDistanceMM
	if subjectDist <= 0 {
		subjectDist = DefaultSubjectDistanceMM
	}

	// Similar triangles: f / distPx = subjectDistance / referenceMM.
	focal := distPx * subjectDist / refMM
	if focal < MinFocalLength || focal > MaxFocalLength {
		return 0, false
	}
	return focal, true
}

// eyeDistancePx measures the pixel distance between the iris centres, or
// the outer eye corners when the detector topology has no iris points.
// Returns the matching metric reference distance alongside.
func eyeDistancePx(landmarks *LandmarkSet, imageWidth int) (distPx, refMM float64, ok bool) {
	// Iris centres map directly to the interpupillary distance.
	if d, ok := landmarkDistancePx(landmarks, IdxRightIris, IdxLeftIris, imageWidth); ok {
		return d, MeanInterpupillaryDistanceMM, true
	}
	// Outer corners span more of the face; scale the reference to match
	// the canonical model's corner-to-corner distance.
	const outerCornerDistanceMM = 89.0
	if d, ok := landmarkDistancePx(landmarks, IdxRightEyeOuter, IdxLeftEyeOuter, imageWidth); ok {
		return d, outerCornerDistanceMM, true
	}
	return 0, 0, false
}

func landmarkDistancePx(landmarks *LandmarkSet, i, j, imageWidth int) (float64, bool) {
	if i >= len(landmarks.Points) || j >= len(landmarks.Points) {
		return 0, false
	}
	a, b := landmarks.Points[i], landmarks.Points[j]
	if !a.Valid() || !b.Valid() {
		return 0, false
	}
	dx := (a.X - b.X) * float64(imageWidth)
	dy := (a.Y - b.Y) * float64(imageWidth) // same scale as X to keep aspect out of it
	return math.Sqrt(dx*dx + dy*dy), true
}

// AddSample appends a timestamped focal sample to the ring buffer, evicting
// the oldest when full.
func (c *CameraCalibrator) AddSample(focalLength float64, at time.Time) {
	if len(c.samples) >= c.config.BufferCapacity {
		copy(c.samples, c.samples[1:])
		c.samples = c.samples[:len(c.samples)-1]
	}
	c.samples = append(c.samples, focalSample{value: focalLength, at: at})
	c.sampleObserved++
}

// ObserveFrame runs estimation on a landmark set and, on success, records
// the sample. The most recent set is retained as the calibration fallback
// reference regardless of success.
func (c *CameraCalibrator) ObserveFrame(landmarks *LandmarkSet, imageWidth int, at time.Time) bool {
	if !landmarks.Empty() {
		c.last = landmarks
	}
	focal, ok := c.EstimateFocalLength(landmarks, imageWidth)
	if !ok {
		tracef("calibration: frame rejected, no plausible focal candidate")
		return false
	}
	c.AddSample(focal, at)
	tracef("calibration: sample %.1fpx (%d buffered)", focal, len(c.samples))
	return true
}

// CalibratedFocalLength computes an exponentially time-weighted average of
// the buffered samples so recent samples dominate. Returns ok=false below
// the minimum sample count, when the weighted mean is out of range, or when
// sample variance exceeds the stability threshold. On acceptance the value
// and timestamp are recorded for Stable().
func (c *CameraCalibrator) CalibratedFocalLength(now time.Time) (float64, bool) {
	if len(c.samples) < c.config.MinSamples {
		return 0, false
	}

	halfLife := c.config.HalfLife.Seconds()
	if halfLife <= 0 {
		halfLife = 3
	}

	values := make([]float64, len(c.samples))
	weights := make([]float64, len(c.samples))
	for i, s := range c.samples {
		age := now.Sub(s.at).Seconds()
		if age < 0 {
			age = 0
		}
		values[i] = s.value
		weights[i] = math.Pow(0.5, age/halfLife)
	}

	mean, variance := stat.MeanVariance(values, weights)
	if mean < MinFocalLength || mean > MaxFocalLength {
		opsf("calibration: weighted focal mean %.1fpx out of range, discarding", mean)
		return 0, false
	}
	if variance > c.config.MaxVariance {
		// Unstable environment; stay in the calibrating state.
		diagf("calibration: variance %.0f over limit %.0f, holding", variance, c.config.MaxVariance)
		return 0, false
	}

	c.calibrated = mean
	c.calibratedAt = now
	c.calibratedVar = variance
	return mean, true
}

// Stable reports whether a calibration exists, its variance stayed low, and
// it happened within the recent window. Gates whether the solver should
// trust intrinsics or keep operating in reduced-confidence mode.
func (c *CameraCalibrator) Stable(now time.Time) bool {
	if c.calibratedAt.IsZero() {
		return false
	}
	if c.calibratedVar > c.config.MaxVariance {
		return false
	}
	return now.Sub(c.calibratedAt) <= c.config.StableWindow
}

// SeedFromProfile primes the calibrator from a persisted profile so a
// returning device skips the runtime calibration pass. Expired or
// out-of-range profiles are ignored.
func (c *CameraCalibrator) SeedFromProfile(profile *CalibrationProfile, now time.Time) bool {
	if profile == nil || profile.Expired(now) {
		return false
	}
	if profile.FocalLength < MinFocalLength || profile.FocalLength > MaxFocalLength {
		return false
	}
	c.calibrated = profile.FocalLength
	c.calibratedAt = now
	c.calibratedVar = 0
	c.seeded = true
	diagf("calibration: seeded focal %.1fpx from stored profile %s", profile.FocalLength, profile.DeviceKey)
	return true
}

// Profile exports the current calibration for persistence. Returns
// ok=false before any calibration has been accepted.
func (c *CameraCalibrator) Profile(deviceKey string, width, height int) (CalibrationProfile, bool) {
	if c.calibratedAt.IsZero() {
		return CalibrationProfile{}, false
	}
	return CalibrationProfile{
		DeviceKey:   deviceKey,
		ImageWidth:  width,
		ImageHeight: height,
		FocalLength: c.calibrated,
		SampleCount: c.sampleObserved,
		UpdatedAt:   c.calibratedAt,
	}, true
}

// LastLandmarks returns the most recent landmark set seen by the
// calibrator, or nil.
func (c *CameraCalibrator) LastLandmarks() *LandmarkSet { return c.last }

// SampleCount returns the number of samples currently buffered.
func (c *CameraCalibrator) SampleCount() int { return len(c.samples) }

// Seeded reports whether the current calibration came from a persisted
// profile rather than runtime samples.
func (c *CameraCalibrator) Seeded() bool { return c.seeded }

// Reset discards all samples and calibration state.
func (c *CameraCalibrator) Reset() {
	c.samples = c.samples[:0]
	c.last = nil
	c.calibrated = 0
	c.calibratedAt = time.Time{}
	c.calibratedVar = 0
	c.sampleObserved = 0
	c.seeded = false
}
