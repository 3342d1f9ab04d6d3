package track

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// rotationMatrix is a 3x3 rotation in row-major order.
type rotationMatrix [9]float64

// apply rotates v by the matrix.
func (m rotationMatrix) apply(v r3.Vector) r3.Vector {
	return r3.Vector{
		X: m[0]*v.X + m[1]*v.Y + m[2]*v.Z,
		Y: m[3]*v.X + m[4]*v.Y + m[5]*v.Z,
		Z: m[6]*v.X + m[7]*v.Y + m[8]*v.Z,
	}
}

// quaternionFromMatrix converts a row-major rotation matrix to a unit
// quaternion using Shepperd's method (branch on the largest diagonal term
// for numerical stability).
func quaternionFromMatrix(m rotationMatrix) quat.Number {
	trace := m[0] + m[4] + m[8]
	var q quat.Number
	switch {
	case trace > 0:
		s := 2 * math.Sqrt(trace+1)
		q.Real = s / 4
		q.Imag = (m[7] - m[5]) / s
		q.Jmag = (m[2] - m[6]) / s
		q.Kmag = (m[3] - m[1]) / s
	case m[0] > m[4] && m[0] > m[8]:
		s := 2 * math.Sqrt(1+m[0]-m[4]-m[8])
		q.Real = (m[7] - m[5]) / s
		q.Imag = s / 4
		q.Jmag = (m[1] + m[3]) / s
		q.Kmag = (m[2] + m[6]) / s
	case m[4] > m[8]:
		s := 2 * math.Sqrt(1+m[4]-m[0]-m[8])
		q.Real = (m[2] - m[6]) / s
		q.Imag = (m[1] + m[3]) / s
		q.Jmag = s / 4
		q.Kmag = (m[5] + m[7]) / s
	default:
		s := 2 * math.Sqrt(1+m[8]-m[0]-m[4])
		q.Real = (m[3] - m[1]) / s
		q.Imag = (m[2] + m[6]) / s
		q.Jmag = (m[5] + m[7]) / s
		q.Kmag = s / 4
	}
	return normalizeQuat(q)
}

// matrixFromQuaternion converts a unit quaternion to a row-major rotation
// matrix.
func matrixFromQuaternion(q quat.Number) rotationMatrix {
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return rotationMatrix{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y),
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x),
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y),
	}
}

// eulerFromMatrix extracts pitch (X), yaw (Y), roll (Z) from a row-major
// rotation matrix, R = Rz(roll) * Ry(yaw) * Rx(pitch). Gimbal lock at
// |yaw| = 90 degrees collapses roll into pitch.
func eulerFromMatrix(m rotationMatrix) EulerAngles {
	sy := -m[6]
	if sy > 1 {
		sy = 1
	} else if sy < -1 {
		sy = -1
	}
	yaw := math.Asin(sy)
	var pitch, roll float64
	if math.Abs(sy) < 0.99999 {
		pitch = math.Atan2(m[7], m[8])
		roll = math.Atan2(m[3], m[0])
	} else {
		pitch = math.Atan2(-m[5], m[4])
		roll = 0
	}
	return EulerAngles{Pitch: pitch, Yaw: yaw, Roll: roll}
}

// quaternionFromEuler composes a unit quaternion from Euler angles using the
// same Rz*Ry*Rx convention as eulerFromMatrix.
func quaternionFromEuler(e EulerAngles) quat.Number {
	cp, sp := math.Cos(e.Pitch/2), math.Sin(e.Pitch/2)
	cy, sy := math.Cos(e.Yaw/2), math.Sin(e.Yaw/2)
	cr, sr := math.Cos(e.Roll/2), math.Sin(e.Roll/2)
	return quat.Number{
		Real: cr*cy*cp + sr*sy*sp,
		Imag: cr*cy*sp - sr*sy*cp,
		Jmag: cr*sy*cp + sr*cy*sp,
		Kmag: sr*cy*cp - cr*sy*sp,
	}
}

// axisAngleFromQuaternion converts a unit quaternion to axis-angle form.
// The identity rotation returns the Z axis with zero angle.
func axisAngleFromQuaternion(q quat.Number) AxisAngle {
	q = normalizeQuat(q)
	if q.Real < 0 { // keep angle in [0, pi]
		q = quat.Scale(-1, q)
	}
	sinHalf := math.Sqrt(q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag)
	if sinHalf < 1e-12 {
		return AxisAngle{Axis: r3.Vector{Z: 1}, Angle: 0}
	}
	return AxisAngle{
		Axis:  r3.Vector{X: q.Imag / sinHalf, Y: q.Jmag / sinHalf, Z: q.Kmag / sinHalf},
		Angle: 2 * math.Atan2(sinHalf, q.Real),
	}
}

// normalizeQuat scales q to unit norm. A degenerate zero quaternion
// normalizes to identity.
func normalizeQuat(q quat.Number) quat.Number {
	n := quat.Abs(q)
	if n < 1e-12 {
		return quat.Number{Real: 1}
	}
	return quat.Scale(1/n, q)
}

// slerp spherically interpolates from a to b by t in [0,1]. Inputs must be
// unit quaternions. Antipodal pairs are resolved to the shorter arc; nearly
// parallel pairs fall back to normalized linear interpolation.
func slerp(a, b quat.Number, t float64) quat.Number {
	dot := a.Real*b.Real + a.Imag*b.Imag + a.Jmag*b.Jmag + a.Kmag*b.Kmag
	if dot < 0 {
		b = quat.Scale(-1, b)
		dot = -dot
	}
	if dot > 0.9995 {
		return normalizeQuat(quat.Add(quat.Scale(1-t, a), quat.Scale(t, b)))
	}
	theta := math.Acos(dot)
	sinTheta := math.Sin(theta)
	wa := math.Sin((1-t)*theta) / sinTheta
	wb := math.Sin(t*theta) / sinTheta
	return normalizeQuat(quat.Add(quat.Scale(wa, a), quat.Scale(wb, b)))
}

// quatAngleBetween returns the rotation angle in radians separating two unit
// quaternions.
func quatAngleBetween(a, b quat.Number) float64 {
	dot := a.Real*b.Real + a.Imag*b.Imag + a.Jmag*b.Jmag + a.Kmag*b.Kmag
	if dot < 0 {
		dot = -dot
	}
	// acos is ill-conditioned near 1: a dot within rounding error of 1 is
	// the same rotation, not a tiny angle.
	if dot >= 1-1e-12 {
		return 0
	}
	return 2 * math.Acos(dot)
}
