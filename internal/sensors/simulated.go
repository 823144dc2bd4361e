// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package sensors

import (
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/relabs-tech/vn100_driver/internal/device"
	"github.com/relabs-tech/vn100_driver/internal/imu"
	"github.com/relabs-tech/vn100_driver/internal/orientation"
)

const (
	gravity      = 9.80665
	seaLevelKPa  = 101.325
	baseTickTime = time.Second / imu.BaseRate
)

// earthField is the simulated geomagnetic field in NED, gauss.
var earthField = r3.Vec{X: 0.2, Y: 0, Z: 0.4}

// Simulator is an in-memory VN-100. It honours the same control calls as
// the serial driver and generates a smooth motion, driven by a virtual
// 800 Hz clock, so the whole pipeline can run without hardware.
type Simulator struct {
	mu         sync.Mutex
	paused     bool
	asyncType  device.AsyncType
	binary     device.BinaryOutput
	freq       int
	syncPeriod uint64 // base ticks between sync pulses, 0 when off
	serialSync bool
	tick       uint64
	yawOffset  float64

	listenerMu sync.Mutex
	listener   imu.Listener

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

var _ device.Device = (*Simulator)(nil)

// NewSimulator creates a simulator that emits on its own goroutine.
func NewSimulator() *Simulator {
	s := newSimulator()
	go s.run()
	return s
}

func newSimulator() *Simulator {
	return &Simulator{
		freq: 40,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

func (s *Simulator) run() {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		case <-time.After(s.interval()):
		}
		s.step()
	}
}

// interval is the wall time between emitted samples, or an idle poll.
func (s *Simulator) interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.decimationLocked()
	if d == 0 {
		return 50 * time.Millisecond
	}
	return time.Duration(d) * baseTickTime
}

// decimationLocked returns base ticks per emitted sample, 0 when silent.
func (s *Simulator) decimationLocked() uint64 {
	if s.paused {
		return 0
	}
	switch {
	case s.binary.AsyncMode != device.AsyncModeNone && s.binary.RateDivisor > 0:
		return uint64(s.binary.RateDivisor)
	case s.asyncType == device.AsyncVNIMU && s.freq > 0:
		return uint64(imu.BaseRate / s.freq)
	}
	return 0
}

// step advances the virtual clock by one output period and emits a sample.
func (s *Simulator) step() bool {
	s.mu.Lock()
	d := s.decimationLocked()
	if d == 0 {
		s.mu.Unlock()
		return false
	}
	s.tick += d
	sample := s.sampleLocked()
	s.mu.Unlock()

	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	if s.listener != nil {
		s.listener(sample)
	}
	return true
}

func (s *Simulator) sampleLocked() imu.RawSample {
	t := float64(s.tick) / imu.BaseRate

	// attitude profile in degrees
	roll := 20 * math.Sin(t)
	pitch := 15 * math.Cos(t*0.7)
	yaw := math.Mod(t*30-s.yawOffset, 360)

	q := orientation.QuaternionFromRPY(deg2rad(roll), deg2rad(pitch), deg2rad(yaw))
	out := imu.RawSample{
		Quaternion:       q,
		AngularRate:      r3.Vec{X: deg2rad(20 * math.Cos(t)), Y: deg2rad(-10.5 * math.Sin(t*0.7)), Z: deg2rad(30)},
		Acceleration:     toBody(q, r3.Vec{Z: -gravity}),
		MagneticField:    toBody(q, earthField),
		Pressure:         seaLevelKPa,
		Temperature:      25 + 0.5*math.Sin(t/60),
		TimeSinceStartup: time.Duration(s.tick) * baseTickTime,
	}

	if s.syncPeriod > 0 {
		out.SyncInCount = uint32(s.tick / s.syncPeriod)
		out.TimeSinceSync = time.Duration(s.tick%s.syncPeriod) * baseTickTime
	}

	// ASCII output carries no attitude and only the serial counter.
	if s.binary.AsyncMode == device.AsyncModeNone {
		out.Quaternion = quat.Number{}
		out.TimeSinceSync = 0
		if !s.serialSync {
			out.SyncInCount = 0
		}
	} else {
		out.HasOrientation = true
	}
	return out
}

// toBody expresses a NED vector in the sensor frame.
func toBody(q quat.Number, v r3.Vec) r3.Vec {
	p := quat.Mul(quat.Mul(quat.Conj(q), quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}), q)
	return r3.Vec{X: p.Imag, Y: p.Jmag, Z: p.Kmag}
}

func deg2rad(d float64) float64 { return d * math.Pi / 180 }

func (s *Simulator) PauseOutputs() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
	return nil
}

func (s *Simulator) ResumeOutputs() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = false
	return nil
}

func (s *Simulator) SetAsyncOutputType(t device.AsyncType) error {
	switch t {
	case device.AsyncOff, device.AsyncVNIMU:
	default:
		return device.NewError("set async output type", device.CodeInvalidParameter)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.asyncType = t
	if t == device.AsyncOff {
		s.binary = device.BinaryOutput{}
	}
	return nil
}

func (s *Simulator) SetAsyncOutputFrequency(hz int) error {
	if hz <= 0 || imu.BaseRate%hz != 0 {
		return device.NewError("set async output frequency", device.CodeInvalidParameter)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.freq = hz
	return nil
}

func (s *Simulator) SetBinaryOutput(cfg device.BinaryOutput) error {
	if cfg.RateDivisor <= 0 {
		return device.NewError("set binary output", device.CodeInvalidParameter)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.binary = cfg
	return nil
}

func (s *Simulator) RegisterListener(l imu.Listener) error {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	if s.listener != nil {
		return device.NewError("register listener", device.CodeInvalidValue)
	}
	s.listener = l
	return nil
}

func (s *Simulator) UnregisterListener() error {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	s.listener = nil
	return nil
}

// SetSyncControl enables the simulated sync-out pulse train.
func (s *Simulator) SetSyncControl(c SyncControl) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.OutMode == 0 {
		s.syncPeriod = 0
		return nil
	}
	s.syncPeriod = uint64(c.OutSkipCount + 1)
	return nil
}

// SetSerialCount appends the sync counter to ASCII output.
func (s *Simulator) SetSerialCount(count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serialSync = count == SerialCountSyncOut
	return nil
}

// Tare zeroes the simulated heading.
func (s *Simulator) Tare() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := float64(s.tick) / imu.BaseRate
	s.yawOffset = math.Mod(t*30, 360)
	return nil
}

// Reset restores power-on output settings.
func (s *Simulator) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = false
	s.asyncType = device.AsyncOff
	s.binary = device.BinaryOutput{}
	s.freq = 40
	s.syncPeriod = 0
	s.serialSync = false
	s.yawOffset = 0
	return nil
}

func (s *Simulator) Info() (DeviceInfo, error) {
	return DeviceInfo{Model: "VN-100-SIM", HardwareRevision: 1, SerialNumber: "0", Firmware: "sim"}, nil
}

// Close stops the emitting goroutine, if any.
func (s *Simulator) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}
