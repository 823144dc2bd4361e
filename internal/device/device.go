// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package device describes the control surface of a VN-100 as seen by the
// streaming code. Implementations live in internal/sensors.
package device

import "github.com/relabs-tech/vn100_driver/internal/imu"

// AsyncType selects the ASCII asynchronous output register value.
type AsyncType int

const (
	AsyncOff   AsyncType = 0
	AsyncVNYMR AsyncType = 14
	AsyncVNIMU AsyncType = 19
)

// AsyncMode selects which serial port(s) emit binary output.
type AsyncMode int

const (
	AsyncModeNone    AsyncMode = 0
	AsyncModeSerial1 AsyncMode = 1
	AsyncModeSerial2 AsyncMode = 2
	AsyncModeBoth    AsyncMode = 3
)

// Common group (group 1) field selection bits of a binary output message.
const (
	FieldTimeStartup  uint16 = 1 << 0
	FieldTimeGPS      uint16 = 1 << 1
	FieldTimeSyncIn   uint16 = 1 << 2
	FieldYawPitchRoll uint16 = 1 << 3
	FieldQuaternion   uint16 = 1 << 4
	FieldAngularRate  uint16 = 1 << 5
	FieldPosition     uint16 = 1 << 6
	FieldVelocity     uint16 = 1 << 7
	FieldAccel        uint16 = 1 << 8
	FieldImu          uint16 = 1 << 9
	FieldMagPres      uint16 = 1 << 10
	FieldDeltaTheta   uint16 = 1 << 11
	FieldInsStatus    uint16 = 1 << 12
	FieldSyncInCnt    uint16 = 1 << 13
	FieldTimeGPSPps   uint16 = 1 << 14
)

// StreamFields is the common group selection used for binary streaming.
const StreamFields = FieldTimeStartup | FieldTimeSyncIn | FieldQuaternion |
	FieldAngularRate | FieldAccel | FieldMagPres | FieldSyncInCnt

// BinaryOutput is the content of binary output register 1.
type BinaryOutput struct {
	AsyncMode   AsyncMode
	RateDivisor int // base rate / output rate
	Fields      uint16
}

// Device is the part of the VN-100 control API the stream controller uses.
// Methods are called from a single control goroutine. The registered
// listener runs on a goroutine owned by the device; UnregisterListener must
// not return while a listener call is in flight.
type Device interface {
	PauseOutputs() error
	ResumeOutputs() error
	SetAsyncOutputType(t AsyncType) error
	SetAsyncOutputFrequency(hz int) error
	SetBinaryOutput(cfg BinaryOutput) error
	RegisterListener(l imu.Listener) error
	UnregisterListener() error
}
