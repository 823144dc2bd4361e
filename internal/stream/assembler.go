// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package stream

import (
	"time"

	"github.com/relabs-tech/vn100_driver/internal/imu"
	"github.com/relabs-tech/vn100_driver/internal/orientation"
	"github.com/relabs-tech/vn100_driver/internal/timesync"
)

// Options are fixed for the lifetime of an Assembler.
type Options struct {
	FrameID       string
	ToENU         bool
	ReverseAccelZ bool

	EnableMag  bool
	EnablePres bool
	EnableTemp bool
}

// Assembler turns raw samples into records. Assemble must only be called
// from the device callback goroutine.
type Assembler struct {
	opts Options
	sync *timesync.Estimator

	// offset is the time since the last sync pulse as seen by the sample
	// that reported it. It only changes when a new pulse arrives.
	offset time.Duration
}

// NewAssembler creates an Assembler stamping records against est.
func NewAssembler(opts Options, est *timesync.Estimator) *Assembler {
	return &Assembler{opts: opts, sync: est}
}

// Assemble builds the record for s, which arrived at now.
func (a *Assembler) Assemble(s imu.RawSample, now time.Time) imu.Record {
	elapsed := s.TimeSinceSync
	if a.sync.Update(s.SyncInCount, now, elapsed) {
		a.offset = elapsed
	}

	rec := imu.Record{
		Stamp:              now.Add(-a.offset),
		FrameID:            a.opts.FrameID,
		Frame:              imu.FrameNED,
		AngularVelocity:    orientation.ConvertVector(s.AngularRate, a.opts.ToENU, false),
		LinearAcceleration: orientation.ConvertVector(s.Acceleration, a.opts.ToENU, a.opts.ReverseAccelZ),
	}
	if a.opts.ToENU {
		rec.Frame = imu.FrameENU
	}
	if s.HasOrientation {
		q := orientation.ConvertQuaternion(s.Quaternion, a.opts.ToENU)
		rec.Orientation = &q
	}

	if a.opts.EnableMag {
		m := orientation.ConvertVector(s.MagneticField, a.opts.ToENU, false)
		rec.MagneticField = &m
	}
	if a.opts.EnablePres {
		p := s.Pressure
		rec.Pressure = &p
	}
	if a.opts.EnableTemp {
		t := s.Temperature
		rec.Temperature = &t
	}
	return rec
}
