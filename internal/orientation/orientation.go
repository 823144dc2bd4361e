package orientation

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
)

// Pose is the human-facing representation of orientation, in degrees.
type Pose struct {
	Roll  float64 `json:"roll"`
	Pitch float64 `json:"pitch"`
	Yaw   float64 `json:"yaw"`
}

// PoseFromQuaternion converts an attitude quaternion to roll/pitch/yaw degrees.
func PoseFromQuaternion(q quat.Number) Pose {
	roll, pitch, yaw := RPYFromQuaternion(q)
	return Pose{
		Roll:  roll * 180.0 / math.Pi,
		Pitch: pitch * 180.0 / math.Pi,
		Yaw:   yaw * 180.0 / math.Pi,
	}
}

// ComputePoseFromAccel computes roll and pitch from accelerometer data only.
// Yaw is set to 0. Used when the active encoding carries no attitude.
//
// Uses simple tilt formulas:
//
//	roll  = atan2(ay, az)
//	pitch = atan2(-ax, sqrt(ay² + az²))
func ComputePoseFromAccel(ax, ay, az float64) Pose {
	rollRad := math.Atan2(ay, az)
	pitchRad := math.Atan2(-ax, math.Sqrt(ay*ay+az*az))

	rollDeg := rollRad * 180.0 / math.Pi
	pitchDeg := pitchRad * 180.0 / math.Pi

	return Pose{
		Roll:  rollDeg,
		Pitch: pitchDeg,
		Yaw:   0,
	}
}

// gimbalEpsilon is how close |sin(pitch)| may get to 1 before roll and yaw
// are no longer separable.
const gimbalEpsilon = 1e-12

// RPYFromQuaternion returns the fixed-axis roll, pitch and yaw in radians of
// q (rotation about X, then Y, then Z). q need not be normalized. At the
// pitch singularity yaw is reported as 0 and the remaining rotation is
// folded into roll.
func RPYFromQuaternion(q quat.Number) (roll, pitch, yaw float64) {
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	d := w*w + x*x + y*y + z*z
	if d == 0 {
		return 0, 0, 0
	}
	s := 2 / d
	xs, ys, zs := x*s, y*s, z*s
	wx, wy, wz := w*xs, w*ys, w*zs
	xx, xy, xz := x*xs, x*ys, x*zs
	yy, yz, zz := y*ys, y*zs, z*zs

	m00 := 1 - (yy + zz)
	m01 := xy - wz
	m02 := xz + wy
	m10 := xy + wz
	m20 := xz - wy
	m21 := yz + wx
	m22 := 1 - (xx + yy)

	if math.Abs(m20) >= 1-gimbalEpsilon {
		if m20 < 0 {
			return math.Atan2(m01, m02), math.Pi / 2, 0
		}
		return math.Atan2(-m01, -m02), -math.Pi / 2, 0
	}
	pitch = -math.Asin(m20)
	cp := math.Cos(pitch)
	roll = math.Atan2(m21/cp, m22/cp)
	yaw = math.Atan2(m10/cp, m00/cp)
	return roll, pitch, yaw
}

// QuaternionFromRPY builds the unit quaternion for fixed-axis roll, pitch and
// yaw in radians.
func QuaternionFromRPY(roll, pitch, yaw float64) quat.Number {
	sr, cr := math.Sincos(roll / 2)
	sp, cp := math.Sincos(pitch / 2)
	sy, cy := math.Sincos(yaw / 2)

	return quat.Number{
		Real: cr*cp*cy + sr*sp*sy,
		Imag: sr*cp*cy - cr*sp*sy,
		Jmag: cr*sp*cy + sr*cp*sy,
		Kmag: cr*cp*sy - sr*sp*cy,
	}
}
