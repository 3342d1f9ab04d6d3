package pipeline

import (
	"fmt"
	"math"
	"time"

	"github.com/golang/geo/r3"
	"github.com/google/uuid"

	"github.com/framesense/headtrack/internal/track"
)

// occludedPresenceThreshold marks a landmark as occluded for the occlusion
// metric.
const occludedPresenceThreshold = 0.5

// Profile writes are debounced: once saved, a profile is rewritten only when
// the calibrated focal length moves by at least persistFocalDeltaPx or
// persistMinInterval has elapsed.
const (
	persistFocalDeltaPx = 0.5
	persistMinInterval  = time.Minute
)

// Config holds the dependencies and tuning for one pipeline instance.
// ProfileStore and Observer are optional; everything else has defaults.
type Config struct {
	// DeviceKey fingerprints the capture device for profile persistence.
	DeviceKey string

	ImageWidth  int
	ImageHeight int

	Model *track.CanonicalFaceModel

	Calibrator track.CalibratorConfig
	Solver     track.SolverConfig
	Stabilizer track.StabilizerConfig
	Quality    track.QualityConfig

	// ProfileStore, when set, seeds calibration at startup and persists
	// accepted calibrations. Load is best-effort.
	ProfileStore track.ProfileStore

	// Observer, when set, receives state-change, quality and recovery
	// events (fire-and-forget).
	Observer track.QualityObserver
}

// FrameResult is the per-frame output. Pose is nil when this frame produced
// no estimate; Stabilized is nil until the first successful solve. On a
// failed frame the previous stabilized pose is retained, preserving
// continuity of the visual output over correctness of any single frame.
type FrameResult struct {
	Pose       *track.PoseEstimate
	Stabilized *track.StabilizedPose
	Assessment track.QualityAssessment
}

// Pipeline runs the five-stage per-frame estimation path. All mutable
// state is owned by this instance and must be driven from a single call
// site; multi-subject callers run independent pipelines.
type Pipeline struct {
	config Config

	sessionID  uuid.UUID
	builder    *track.CorrespondenceBuilder
	calibrator *track.CameraCalibrator
	solver     *track.PoseSolver
	stabilizer *track.Stabilizer
	monitor    *track.QualityMonitor
	intrinsics track.CameraIntrinsics

	lastStabilized *track.StabilizedPose
	frames         uint64
	profileSaved   bool
	lastSavedFocal float64
	lastSavedAt    time.Time
}

// New creates a pipeline. When a profile store is configured, a stored
// unexpired calibration seeds both the calibrator and the intrinsics.
func New(config Config, now time.Time) (*Pipeline, error) {
	if config.ImageWidth <= 0 || config.ImageHeight <= 0 {
		return nil, fmt.Errorf("pipeline: invalid image size %dx%d", config.ImageWidth, config.ImageHeight)
	}
	if config.Model == nil {
		config.Model = track.NewCanonicalFaceModel()
	}

	p := &Pipeline{
		config:     config,
		sessionID:  uuid.New(),
		builder:    track.NewCorrespondenceBuilder(config.Model),
		calibrator: track.NewCameraCalibrator(config.Calibrator),
		solver:     track.NewPoseSolver(config.Solver),
		stabilizer: track.NewStabilizer(config.Stabilizer),
		monitor:    track.NewQualityMonitor(config.Quality),
		intrinsics: track.DefaultIntrinsics(config.ImageWidth, config.ImageHeight),
	}
	if config.Observer != nil {
		p.monitor.AddObserver(config.Observer)
	}

	if config.ProfileStore != nil {
		profile, ok, err := config.ProfileStore.LoadProfile(config.DeviceKey, config.ImageWidth, config.ImageHeight, now)
		if err != nil {
			// Best-effort: a broken store falls back to runtime calibration.
			opsf("profile load failed for %q: %v", config.DeviceKey, err)
		} else if ok && p.calibrator.SeedFromProfile(&profile, now) {
			p.intrinsics.SetFocalLength(profile.FocalLength)
			p.profileSaved = true
			p.lastSavedFocal = profile.FocalLength
			p.lastSavedAt = now
			diagf("seeded focal length %.1f from profile %q (%d samples)",
				profile.FocalLength, config.DeviceKey, profile.SampleCount)
		}
	}
	return p, nil
}

// SessionID identifies this pipeline instance.
func (p *Pipeline) SessionID() uuid.UUID { return p.sessionID }

// Intrinsics returns the current camera model.
func (p *Pipeline) Intrinsics() track.CameraIntrinsics { return p.intrinsics }

// State returns the monitor's current tracking state.
func (p *Pipeline) State() track.TrackingState { return p.monitor.State() }

// ProcessFrame runs one landmark set through the full pipeline. It must be
// called from a single goroutine with at most one frame in flight; a slow
// frame simply delays the next.
func (p *Pipeline) ProcessFrame(landmarks *track.LandmarkSet, at time.Time) FrameResult {
	p.frames++

	// Stage 2 runs regardless of solve outcome: calibration is unlocked by
	// the same landmarks but independent of per-frame pose solving.
	p.calibrator.ObserveFrame(landmarks, p.config.ImageWidth, at)
	p.updateCalibration(at)

	// Stage 1: correspondences.
	corrs := p.builder.Build(landmarks, p.config.ImageWidth, p.config.ImageHeight)
	visibility := p.visibilityRatio(corrs)
	occlusion := p.occlusionRatio(landmarks)

	sample := track.QualitySample{
		FaceDetected:       !landmarks.Empty(),
		LandmarkConfidence: frameConfidence(landmarks),
		ReprojectionError:  50, // no-solve frames score zero on this signal
		VisibilityRatio:    visibility,
		OcclusionRatio:     occlusion,
		At:                 at,
	}

	result := FrameResult{Stabilized: p.lastStabilized}

	// Stage 3: solve. A PoseEstimate is only produced from a sufficient
	// correspondence set; otherwise the caller keeps the previous pose.
	if len(corrs) >= track.MinReliableCorrespondences {
		if est, ok := p.solver.Solve(corrs, p.intrinsics); ok {
			result.Pose = &est
			sample.ReprojectionError = est.ReprojectionError

			// Stage 4: stabilize.
			conf := est.Confidence * frameConfidence(landmarks)
			if !p.calibrator.Stable(at) {
				// Reduced-confidence mode until intrinsics are trusted.
				conf *= 0.7
			}
			stabilized := p.stabilizer.Update(track.PoseSample{
				Position:   est.Translation,
				Euler:      est.Euler,
				Scale:      p.scaleEstimate(landmarks, &est),
				Confidence: conf,
				At:         at,
			})
			p.lastStabilized = &stabilized
			result.Stabilized = p.lastStabilized

			sample.HasPose = true
			sample.Position = stabilized.Position
			sample.Rotation = stabilized.Rotation
		} else {
			tracef("frame %d: solve failed with %d correspondences", p.frames, len(corrs))
		}
	} else if !landmarks.Empty() {
		tracef("frame %d: %d correspondences, below minimum", p.frames, len(corrs))
	}

	// Stage 5: quality.
	result.Assessment = p.monitor.Observe(sample)
	return result
}

// updateCalibration adopts a newly stable focal estimate into the
// intrinsics and persists it, debounced so a settled calibration does not
// hit the store at frame rate.
func (p *Pipeline) updateCalibration(at time.Time) {
	focal, ok := p.calibrator.CalibratedFocalLength(at)
	if !ok {
		return
	}
	if !p.intrinsics.SetFocalLength(focal) {
		return
	}
	if p.config.ProfileStore == nil {
		return
	}
	if p.profileSaved &&
		math.Abs(focal-p.lastSavedFocal) < persistFocalDeltaPx &&
		at.Sub(p.lastSavedAt) < persistMinInterval {
		return
	}
	profile, ok := p.calibrator.Profile(p.config.DeviceKey, p.config.ImageWidth, p.config.ImageHeight)
	if !ok {
		return
	}
	if err := p.config.ProfileStore.SaveProfile(profile); err != nil {
		opsf("profile save failed for %q: %v", p.config.DeviceKey, err)
		return
	}
	diagf("calibrated focal length %.1f persisted for %q", focal, p.config.DeviceKey)
	p.profileSaved = true
	p.lastSavedFocal = focal
	p.lastSavedAt = at
}

// visibilityRatio is the fraction of mapped model landmarks that produced
// an on-screen correspondence this frame.
func (p *Pipeline) visibilityRatio(corrs []track.Correspondence) float64 {
	mapped := p.config.Model.VertexCount()
	if mapped == 0 {
		return 0
	}
	onScreen := 0
	w, h := float64(p.config.ImageWidth), float64(p.config.ImageHeight)
	for _, c := range corrs {
		if c.Image.X >= 0 && c.Image.X <= w && c.Image.Y >= 0 && c.Image.Y <= h {
			onScreen++
		}
	}
	return float64(onScreen) / float64(mapped)
}

// occlusionRatio is the fraction of mapped landmarks whose presence score
// falls below the occlusion threshold.
func (p *Pipeline) occlusionRatio(landmarks *track.LandmarkSet) float64 {
	if landmarks.Empty() {
		return 1
	}
	mapped := p.config.Model.MappedIndices()
	occluded := 0
	counted := 0
	for _, idx := range mapped {
		if idx >= len(landmarks.Points) {
			continue
		}
		counted++
		if landmarks.Points[idx].Presence < occludedPresenceThreshold {
			occluded++
		}
	}
	if counted == 0 {
		return 1
	}
	return float64(occluded) / float64(counted)
}

// scaleEstimate derives a uniform render scale from the ratio of the
// observed interocular pixel distance to the same distance reprojected
// under the solved pose. It absorbs residual focal error so the mesh hugs
// the face even mid-calibration.
func (p *Pipeline) scaleEstimate(landmarks *track.LandmarkSet, est *track.PoseEstimate) r3.Vector {
	unit := r3.Vector{X: 1, Y: 1, Z: 1}
	observed, refMM, ok := observedEyeSpan(landmarks, p.config.ImageWidth)
	if !ok {
		return unit
	}
	projected := p.projectedEyeSpan(est, refMM)
	if projected <= 0 {
		return unit
	}
	s := observed / projected
	if math.IsNaN(s) || s <= 0.25 || s >= 4 {
		return unit
	}
	return r3.Vector{X: s, Y: s, Z: s}
}

func observedEyeSpan(landmarks *track.LandmarkSet, imageWidth int) (float64, float64, bool) {
	if landmarks.Empty() {
		return 0, 0, false
	}
	right, okR := landmarkPoint(landmarks, track.IdxRightEyeOuter)
	left, okL := landmarkPoint(landmarks, track.IdxLeftEyeOuter)
	if !okR || !okL {
		return 0, 0, false
	}
	dx := (right.X - left.X) * float64(imageWidth)
	dy := (right.Y - left.Y) * float64(imageWidth)
	return math.Sqrt(dx*dx + dy*dy), 89.0, true
}

func landmarkPoint(landmarks *track.LandmarkSet, idx int) (track.Landmark, bool) {
	if idx >= len(landmarks.Points) {
		return track.Landmark{}, false
	}
	lm := landmarks.Points[idx]
	return lm, lm.Valid()
}

// projectedEyeSpan approximates the pixel span of the reference eye
// distance at the solved depth.
func (p *Pipeline) projectedEyeSpan(est *track.PoseEstimate, refMM float64) float64 {
	depth := est.Translation.Z
	if depth <= 0 {
		return 0
	}
	return refMM * p.intrinsics.FocalLength / depth
}

func frameConfidence(landmarks *track.LandmarkSet) float64 {
	if landmarks.Empty() {
		return 0
	}
	if landmarks.Confidence < 0 {
		return 0
	}
	if landmarks.Confidence > 1 {
		return 1
	}
	return landmarks.Confidence
}

// RecoveryDue reports whether the monitor currently permits a recovery
// attempt.
func (p *Pipeline) RecoveryDue(now time.Time) bool {
	return p.monitor.RecoveryDue(now)
}

// AttemptRecovery records a recovery attempt, executes the parts of the
// strategy this core owns, and returns the strategy for the caller to
// finish (e.g. degrading the external detector). The caller must report
// the outcome via ReportRecovery; success is never inferred.
func (p *Pipeline) AttemptRecovery(now time.Time) (track.RecoveryStrategy, bool) {
	strategy, ok := p.monitor.BeginRecovery(now)
	if !ok {
		return track.RecoveryNone, false
	}
	switch strategy {
	case track.RecoveryResetStabilizer:
		p.stabilizer.Reset()
		p.lastStabilized = nil
	case track.RecoveryFullReset:
		p.resetCore()
	}
	diagf("recovery attempt %d: %s", p.monitor.RecoveryAttempts(), strategy)
	return strategy, true
}

// ReportRecovery forwards the caller's explicit recovery outcome.
func (p *Pipeline) ReportRecovery(success bool, at time.Time) {
	p.monitor.ReportRecovery(success, at)
}

// Reset atomically discards all mutable state: filters, histories,
// calibration samples, and the held pose.
func (p *Pipeline) Reset() {
	p.resetCore()
	p.monitor.Reset()
}

func (p *Pipeline) resetCore() {
	p.stabilizer.Reset()
	p.calibrator.Reset()
	p.lastStabilized = nil
	p.intrinsics = track.DefaultIntrinsics(p.config.ImageWidth, p.config.ImageHeight)
	p.profileSaved = false
	p.lastSavedFocal = 0
	p.lastSavedAt = time.Time{}
}
