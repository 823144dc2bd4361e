// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package imu

import (
	"time"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// BaseRate is the fixed internal sample rate of the VN-100 in Hz.
// Every output rate is obtained by decimating this rate.
const BaseRate = 800

// RawSample is one composite reading as delivered by the device, in the
// device's native NED frame.
type RawSample struct {
	Quaternion       quat.Number // Real is the scalar part
	HasOrientation   bool        // false for encodings that carry no attitude
	AngularRate      r3.Vec      // rad/s
	Acceleration     r3.Vec      // m/s²
	MagneticField    r3.Vec      // gauss
	Pressure         float64     // kPa
	Temperature      float64     // °C
	SyncInCount      uint32
	TimeSinceSync    time.Duration
	TimeSinceStartup time.Duration
}

// Listener receives samples on the device's callback goroutine.
type Listener func(RawSample)

// Frame names the reference frame of a Record.
type Frame string

const (
	FrameNED Frame = "NED"
	FrameENU Frame = "ENU"
)

// Record is the frame-corrected, timestamped output produced for each
// RawSample while streaming. Optional fields are nil when disabled.
type Record struct {
	Stamp   time.Time
	FrameID string
	Frame   Frame

	Orientation        *quat.Number
	AngularVelocity    r3.Vec
	LinearAcceleration r3.Vec

	MagneticField *r3.Vec
	Pressure      *float64
	Temperature   *float64
}
