package track

import (
	"math"
	"time"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// Landmark is a single detected facial landmark in normalized image
// coordinates. X and Y are in [0,1], Z is relative depth (same scale as X),
// Presence is the detector's per-point visibility score in [0,1].
type Landmark struct {
	X        float64
	Y        float64
	Z        float64
	Presence float64
}

// Valid reports whether the landmark carries usable coordinates.
func (l Landmark) Valid() bool {
	return !math.IsNaN(l.X) && !math.IsInf(l.X, 0) &&
		!math.IsNaN(l.Y) && !math.IsInf(l.Y, 0) &&
		!math.IsNaN(l.Z) && !math.IsInf(l.Z, 0)
}

// LandmarkSet is one frame of detector output. It is read-only to this
// package and not retained past the frame, except the most recent set kept
// by the calibrator as a fallback reference.
type LandmarkSet struct {
	Points []Landmark

	// Confidence is the detector's overall per-frame confidence in [0,1].
	Confidence float64
}

// Empty reports whether the set contains no landmarks, which is how the
// detector signals "no subject detected" (first-class, not an error).
func (s *LandmarkSet) Empty() bool {
	return s == nil || len(s.Points) == 0
}

// ImagePoint is a 2D point in pixel coordinates.
type ImagePoint struct {
	X float64
	Y float64
}

// Correspondence pairs an observed 2D image point with a canonical 3D model
// vertex. Correspondences are ephemeral: rebuilt every frame, invalid if the
// underlying landmark is missing or non-finite.
type Correspondence struct {
	Image         ImagePoint // pixels
	Model         r3.Vector  // millimetres, sellion origin
	LandmarkIndex int
}

// EulerAngles holds a rotation decomposed into pitch (X), yaw (Y) and
// roll (Z), in radians.
type EulerAngles struct {
	Pitch float64
	Yaw   float64
	Roll  float64
}

// AxisAngle holds a rotation as a unit axis and an angle in radians.
type AxisAngle struct {
	Axis  r3.Vector
	Angle float64
}

// PoseEstimate is the solver's output for one successfully-solved frame.
// Immutable once produced.
type PoseEstimate struct {
	Rotation    quat.Number // unit quaternion, model frame -> camera frame
	Euler       EulerAngles
	AxisAngle   AxisAngle
	Translation r3.Vector // millimetres, camera frame

	ReprojectionError float64 // mean pixel error over inliers
	Confidence        float64 // [0,1], zero at ~50px mean error
	InlierRatio       float64 // [0,1]
	Inliers           []int   // indices into the correspondence slice
}

// StabilizedPose is the stabilizer's running output state: a temporally
// coherent pose with predicted velocity. Mutated in place every update;
// owned exclusively by one Stabilizer instance.
type StabilizedPose struct {
	Position r3.Vector   // millimetres
	Rotation quat.Number // unit quaternion
	Scale    r3.Vector
	Velocity r3.Vector // millimetres per second
}

// PoseSample is one per-frame measurement fed into the stabilizer. The
// pipeline derives it from a PoseEstimate plus a landmark-based scale.
type PoseSample struct {
	Position   r3.Vector
	Euler      EulerAngles
	Scale      r3.Vector
	Confidence float64
	At         time.Time
}

// CameraIntrinsics is the pinhole camera model used for projection. The
// focal length is mutated only by the calibrator when a new stable estimate
// is accepted; out-of-range values are rejected, never stored.
type CameraIntrinsics struct {
	FocalLength     float64 // pixels
	PrincipalPointX float64 // pixels
	PrincipalPointY float64 // pixels
	ImageWidth      int
	ImageHeight     int
}

// Focal length plausibility bounds (pixels) for consumer devices.
const (
	MinFocalLength = 500.0
	MaxFocalLength = 3000.0
)

// DefaultIntrinsics returns intrinsics for the given image size with the
// principal point at the image centre and a mid-range focal length guess.
// The calibrator replaces the guess once it has a stable estimate.
func DefaultIntrinsics(width, height int) CameraIntrinsics {
	return CameraIntrinsics{
		FocalLength:     float64(width) * 1.2, // ~50 degree horizontal FOV
		PrincipalPointX: float64(width) / 2,
		PrincipalPointY: float64(height) / 2,
		ImageWidth:      width,
		ImageHeight:     height,
	}
}

// SetFocalLength stores f only if it is within the plausible device range.
// Returns false (leaving the current value untouched) otherwise.
func (c *CameraIntrinsics) SetFocalLength(f float64) bool {
	if f < MinFocalLength || f > MaxFocalLength {
		return false
	}
	c.FocalLength = f
	return true
}

// Project maps a camera-frame 3D point to pixel coordinates. The camera
// frame is right-handed: X right, Y down, Z forward (into the scene).
// Points with non-positive depth project to (NaN, NaN).
func (c CameraIntrinsics) Project(p r3.Vector) ImagePoint {
	if p.Z <= 0 {
		return ImagePoint{X: math.NaN(), Y: math.NaN()}
	}
	return ImagePoint{
		X: c.FocalLength*p.X/p.Z + c.PrincipalPointX,
		Y: c.FocalLength*p.Y/p.Z + c.PrincipalPointY,
	}
}

// CalibrationProfile is a persisted focal-length calibration for one device
// and capture resolution. Profiles expire after ProfileMaxAge.
type CalibrationProfile struct {
	DeviceKey   string
	ImageWidth  int
	ImageHeight int
	FocalLength float64
	SampleCount int
	UpdatedAt   time.Time
}

// ProfileMaxAge is how long a stored calibration profile remains usable.
const ProfileMaxAge = 30 * 24 * time.Hour

// Expired reports whether the profile is older than ProfileMaxAge at ref.
func (p *CalibrationProfile) Expired(ref time.Time) bool {
	return ref.Sub(p.UpdatedAt) > ProfileMaxAge
}
