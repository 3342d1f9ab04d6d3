package pipeline

import (
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/google/uuid"

	"github.com/framesense/headtrack/internal/track"
)

const meshPointCount = 478

// memStore is an in-memory track.ProfileStore for pipeline tests.
type memStore struct {
	profiles map[string]track.CalibrationProfile
	saves    int
	loadErr  error
}

func newMemStore() *memStore {
	return &memStore{profiles: map[string]track.CalibrationProfile{}}
}

func storeKey(deviceKey string, width, height int) string {
	return fmt.Sprintf("%s|%dx%d", deviceKey, width, height)
}

func (s *memStore) LoadProfile(deviceKey string, width, height int, now time.Time) (track.CalibrationProfile, bool, error) {
	if s.loadErr != nil {
		return track.CalibrationProfile{}, false, s.loadErr
	}
	p, ok := s.profiles[storeKey(deviceKey, width, height)]
	if !ok || p.Expired(now) {
		return track.CalibrationProfile{}, false, nil
	}
	return p, true, nil
}

func (s *memStore) SaveProfile(p track.CalibrationProfile) error {
	s.profiles[storeKey(p.DeviceKey, p.ImageWidth, p.ImageHeight)] = p
	s.saves++
	return nil
}

func (s *memStore) PruneExpired(now time.Time) (int, error) {
	n := 0
	for k, p := range s.profiles {
		if p.Expired(now) {
			delete(s.profiles, k)
			n++
		}
	}
	return n, nil
}

// frontalFrame synthesizes the detector output for a face looking straight
// at the camera at the given depth, projected through the default
// intrinsics for the image size.
func frontalFrame(width, height int, depthMM float64) *track.LandmarkSet {
	model := track.NewCanonicalFaceModel()
	intr := track.DefaultIntrinsics(width, height)
	points := make([]track.Landmark, meshPointCount)
	for _, idx := range model.MappedIndices() {
		v, _ := model.Vertex(idx)
		cam := v.Add(r3.Vector{Z: depthMM})
		px := intr.Project(cam)
		points[idx] = track.Landmark{
			X:        px.X / float64(width),
			Y:        px.Y / float64(height),
			Z:        v.Z / float64(width),
			Presence: 1,
		}
	}
	return &track.LandmarkSet{Points: points, Confidence: 0.95}
}

func defaultConfig(width, height int) Config {
	return Config{
		DeviceKey:   "cam-test",
		ImageWidth:  width,
		ImageHeight: height,
		Calibrator:  track.DefaultCalibratorConfig(),
		Solver:      track.DefaultSolverConfig(),
		Stabilizer:  track.DefaultStabilizerConfig(),
		Quality:     track.DefaultQualityConfig(),
	}
}

func TestNewRejectsInvalidSize(t *testing.T) {
	cfg := defaultConfig(0, 480)
	if _, err := New(cfg, time.Now()); err == nil {
		t.Error("expected error for zero width")
	}
	cfg = defaultConfig(640, -1)
	if _, err := New(cfg, time.Now()); err == nil {
		t.Error("expected error for negative height")
	}
}

func TestNewDefaults(t *testing.T) {
	p, err := New(defaultConfig(640, 480), time.Now())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.SessionID() == uuid.Nil {
		t.Error("zero session ID")
	}
	if got := p.State(); got != track.StateInitializing {
		t.Errorf("initial state = %s, want %s", got, track.StateInitializing)
	}
	intr := p.Intrinsics()
	if want := 640 * 1.2; intr.FocalLength != want {
		t.Errorf("default focal = %.1f, want %.1f", intr.FocalLength, want)
	}
}

func TestProcessFrameTracksSyntheticFace(t *testing.T) {
	p, err := New(defaultConfig(640, 480), time.Now())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	frame := frontalFrame(640, 480, 450)
	base := time.Now()
	var last FrameResult
	for i := 0; i < 30; i++ {
		last = p.ProcessFrame(frame, base.Add(time.Duration(i)*33*time.Millisecond))
		if last.Pose == nil {
			t.Fatalf("frame %d: no pose from a clean synthetic face", i)
		}
	}

	if last.Pose.ReprojectionError > 3 {
		t.Errorf("reprojection error %.2fpx on noiseless input", last.Pose.ReprojectionError)
	}
	if last.Stabilized == nil {
		t.Fatal("no stabilized pose after 30 frames")
	}
	z := last.Stabilized.Position.Z
	if z < 400 || z > 520 {
		t.Errorf("stabilized depth %.1fmm, want near 450", z)
	}
	if math.Abs(last.Stabilized.Rotation.Real) < 0.99 {
		t.Errorf("stabilized rotation %+v, want near identity", last.Stabilized.Rotation)
	}
	if q := last.Assessment.OverallQuality; q < 0.75 {
		t.Errorf("overall quality %.2f after steady tracking", q)
	}
	state := last.Assessment.State
	if state != track.StateExcellent && state != track.StateGood {
		t.Errorf("state %s after steady tracking", state)
	}
}

func TestProcessFrameNoFaceRetainsPose(t *testing.T) {
	p, err := New(defaultConfig(640, 480), time.Now())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	frame := frontalFrame(640, 480, 450)
	base := time.Now()
	for i := 0; i < 5; i++ {
		p.ProcessFrame(frame, base.Add(time.Duration(i)*33*time.Millisecond))
	}

	res := p.ProcessFrame(&track.LandmarkSet{}, base.Add(200*time.Millisecond))
	if res.Pose != nil {
		t.Error("empty frame produced a pose")
	}
	if res.Stabilized == nil {
		t.Error("empty frame dropped the held stabilized pose")
	}
	if res.Assessment.Scores != (track.MetricScores{}) {
		t.Errorf("empty frame scored %+v, want zeros", res.Assessment.Scores)
	}
}

func TestPipelineSeedsFromStoredProfile(t *testing.T) {
	now := time.Now()
	store := newMemStore()
	store.profiles[storeKey("cam-test", 640, 480)] = track.CalibrationProfile{
		DeviceKey:   "cam-test",
		ImageWidth:  640,
		ImageHeight: 480,
		FocalLength: 700,
		SampleCount: 25,
		UpdatedAt:   now.Add(-time.Hour),
	}

	cfg := defaultConfig(640, 480)
	cfg.ProfileStore = store
	p, err := New(cfg, now)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := p.Intrinsics().FocalLength; got != 700 {
		t.Errorf("seeded focal = %.1f, want 700", got)
	}
}

func TestPipelineIgnoresExpiredProfile(t *testing.T) {
	now := time.Now()
	store := newMemStore()
	store.profiles[storeKey("cam-test", 640, 480)] = track.CalibrationProfile{
		DeviceKey:   "cam-test",
		ImageWidth:  640,
		ImageHeight: 480,
		FocalLength: 700,
		UpdatedAt:   now.Add(-track.ProfileMaxAge - time.Hour),
	}

	cfg := defaultConfig(640, 480)
	cfg.ProfileStore = store
	p, err := New(cfg, now)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := p.Intrinsics().FocalLength; got != 640*1.2 {
		t.Errorf("focal = %.1f, want default after expired profile", got)
	}
}

func TestPipelineSurvivesStoreLoadError(t *testing.T) {
	store := newMemStore()
	store.loadErr = errors.New("disk gone")

	cfg := defaultConfig(640, 480)
	cfg.ProfileStore = store
	p, err := New(cfg, time.Now())
	if err != nil {
		t.Fatalf("New must tolerate a broken store: %v", err)
	}
	if got := p.Intrinsics().FocalLength; got != 640*1.2 {
		t.Errorf("focal = %.1f, want default", got)
	}
}

func TestPipelinePersistsCalibration(t *testing.T) {
	store := newMemStore()
	cfg := defaultConfig(640, 480)
	cfg.ProfileStore = store
	p, err := New(cfg, time.Now())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Enough frames for the calibrator to pass its minimum sample count.
	frame := frontalFrame(640, 480, 450)
	base := time.Now()
	for i := 0; i < 15; i++ {
		p.ProcessFrame(frame, base.Add(time.Duration(i)*33*time.Millisecond))
	}

	if store.saves == 0 {
		t.Fatal("no profile persisted after calibration")
	}
	// Constant input settles to a constant focal length, so the store is
	// written once, not on every frame after acceptance.
	if store.saves != 1 {
		t.Errorf("profile saved %d times, want 1", store.saves)
	}
	saved, ok := store.profiles[storeKey("cam-test", 640, 480)]
	if !ok {
		t.Fatal("profile missing from store")
	}
	if saved.FocalLength < track.MinFocalLength || saved.FocalLength > track.MaxFocalLength {
		t.Errorf("persisted focal %.1f out of range", saved.FocalLength)
	}
	if saved.SampleCount < 10 {
		t.Errorf("persisted sample count %d", saved.SampleCount)
	}
}

func TestPipelineRecoveryFlow(t *testing.T) {
	cfg := defaultConfig(640, 480)
	p, err := New(cfg, time.Now())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	base := time.Now()
	at := base
	for i := 0; i < cfg.Quality.LostAfterFrames+2; i++ {
		at = base.Add(time.Duration(i) * 33 * time.Millisecond)
		p.ProcessFrame(&track.LandmarkSet{}, at)
	}
	if got := p.State(); got != track.StateLost {
		t.Fatalf("state = %s, want %s", got, track.StateLost)
	}

	if p.RecoveryDue(at) {
		t.Error("recovery due before the dwell elapsed")
	}
	due := at.Add(cfg.Quality.LostDwell)
	if !p.RecoveryDue(due) {
		t.Fatal("recovery not due after the dwell")
	}

	strategy, ok := p.AttemptRecovery(due)
	if !ok {
		t.Fatal("AttemptRecovery refused a due attempt")
	}
	if strategy == track.RecoveryNone {
		t.Error("attempt returned no strategy")
	}

	p.ReportRecovery(true, due.Add(100*time.Millisecond))
	if got := p.State(); got != track.StateInitializing {
		t.Errorf("state = %s after successful recovery, want %s", got, track.StateInitializing)
	}
}

func TestPipelineReset(t *testing.T) {
	p, err := New(defaultConfig(640, 480), time.Now())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	frame := frontalFrame(640, 480, 450)
	base := time.Now()
	for i := 0; i < 15; i++ {
		p.ProcessFrame(frame, base.Add(time.Duration(i)*33*time.Millisecond))
	}

	p.Reset()
	if got := p.State(); got != track.StateInitializing {
		t.Errorf("state = %s after reset", got)
	}
	if got := p.Intrinsics().FocalLength; got != 640*1.2 {
		t.Errorf("focal = %.1f after reset, want default", got)
	}
	res := p.ProcessFrame(&track.LandmarkSet{}, base.Add(time.Second))
	if res.Stabilized != nil {
		t.Error("reset retained a stabilized pose")
	}
}

// qualityEvents counts observer callbacks wired through the pipeline config.
type qualityEvents struct {
	updates     int
	transitions int
}

func (q *qualityEvents) OnStateChange(from, to track.TrackingState)              { q.transitions++ }
func (q *qualityEvents) OnQualityUpdate(track.QualityAssessment)                 { q.updates++ }
func (q *qualityEvents) OnRecoveryAttempt(attempt int, s track.RecoveryStrategy) {}
func (q *qualityEvents) OnTrackingLost()                                         {}

func TestPipelineObserverWired(t *testing.T) {
	obs := &qualityEvents{}
	cfg := defaultConfig(640, 480)
	cfg.Observer = obs
	p, err := New(cfg, time.Now())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	frame := frontalFrame(640, 480, 450)
	base := time.Now()
	for i := 0; i < 5; i++ {
		p.ProcessFrame(frame, base.Add(time.Duration(i)*33*time.Millisecond))
	}
	if obs.updates != 5 {
		t.Errorf("observer saw %d updates, want 5", obs.updates)
	}
	if obs.transitions == 0 {
		t.Error("observer saw no state transitions")
	}
}
