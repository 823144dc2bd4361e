// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package orientation

import (
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// ConvertVector maps a device (NED) vector to the output frame. With toENU
// the vector is rotated 180° about X. reverseZ negates the resulting Z
// independently of toENU; the VN-100 reports linear acceleration on Z with
// inverted polarity.
func ConvertVector(v r3.Vec, toENU, reverseZ bool) r3.Vec {
	out := v
	if toENU {
		out.Y = -v.Y
		out.Z = -v.Z
	}
	if reverseZ {
		out.Z = -out.Z
	}
	return out
}

// ConvertQuaternion maps a device (NED) attitude to the output frame. With
// toENU the attitude is decomposed into roll/pitch/yaw, pitch and yaw change
// sign and a new quaternion is built. Roll is kept as is.
func ConvertQuaternion(q quat.Number, toENU bool) quat.Number {
	if !toENU {
		return q
	}
	roll, pitch, yaw := RPYFromQuaternion(q)
	return QuaternionFromRPY(roll, -pitch, -yaw)
}
