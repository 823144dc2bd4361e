// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package rate derives the decimated output parameters of the VN-100 from a
// requested rate. All values are integers because the device only decimates
// its base rate by whole factors.
package rate

import (
	"fmt"
	"math"

	"github.com/relabs-tech/vn100_driver/internal/imu"
)

const (
	// BaseRate is the internal IMU rate every output rate divides.
	BaseRate = imu.BaseRate
	// DefaultRate replaces non-positive IMU rate requests.
	DefaultRate = 200
	// DefaultSyncRate is the sync-out rate used when none is configured.
	DefaultSyncRate = 20

	// MaxPulseWidthUs is the widest accepted sync-out pulse.
	MaxPulseWidthUs = 10000
	// DefaultPulseWidthUs replaces out-of-range pulse widths.
	DefaultPulseWidthUs = 1000
)

// Config is the corrected rate configuration.
type Config struct {
	Requested    int
	Base         int
	Effective    int // 0 when disabled (sync only)
	Decimation   int // Base / Effective
	SkipCount    int // base ticks skipped between sync pulses
	PulseWidthUs int

	// Corrections lists every adjustment applied to the request, in order,
	// so callers can log them for the operator.
	Corrections []string
}

// Enabled reports whether the configuration produces any output.
func (c Config) Enabled() bool {
	return c.Effective > 0
}

// Configure corrects an IMU output rate request and a sync-out pulse width.
func Configure(requested, pulseWidthUs int) Config {
	c := Config{Requested: requested, Base: BaseRate}
	r := requested
	if r <= 0 {
		c.note("rate %d is <= 0, set to %d", r, DefaultRate)
		r = DefaultRate
	}
	c.fix(r, pulseWidthUs)
	return c
}

// ConfigureSync corrects a sync-out rate request. A rate of zero or less
// disables synchronization instead of selecting a default.
func ConfigureSync(syncRate, pulseWidthUs int) Config {
	if syncRate <= 0 {
		c := Config{Requested: syncRate, Base: BaseRate, PulseWidthUs: pulseWidthUs}
		if syncRate < 0 {
			c.note("sync rate %d is < 0, synchronization disabled", syncRate)
		}
		return c
	}
	c := Config{Requested: syncRate, Base: BaseRate}
	c.fix(syncRate, pulseWidthUs)
	return c
}

// fix clamps r to the base rate and otherwise picks the smallest rate >= r
// that evenly divides it.
func (c *Config) fix(r, pulseWidthUs int) {
	if r > c.Base {
		c.note("rate %d exceeds base rate %d, set to %d", r, c.Base, c.Base)
		r = c.Base
	}
	if c.Base%r != 0 {
		old := r
		d := c.Base / r
		for c.Base%d != 0 {
			d--
		}
		r = c.Base / d
		c.note("rate %d cannot evenly decimate base rate %d, reset to %d", old, c.Base, r)
	}
	c.Effective = r
	c.Decimation = c.Base / r
	c.SkipCount = int(math.Floor(float64(c.Base)/float64(r)+0.5)) - 1

	c.PulseWidthUs = pulseWidthUs
	if pulseWidthUs > MaxPulseWidthUs || pulseWidthUs <= 0 {
		c.note("sync out pulse width %dus is outside (0, %dus], reset to %dus",
			pulseWidthUs, MaxPulseWidthUs, DefaultPulseWidthUs)
		c.PulseWidthUs = DefaultPulseWidthUs
	}
}

func (c *Config) note(format string, args ...any) {
	c.Corrections = append(c.Corrections, fmt.Sprintf(format, args...))
}
