// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package timesync maps the device's sync-in pulse counter onto the local
// wall clock.
package timesync

import (
	"sync"
	"time"

	"github.com/relabs-tech/vn100_driver/internal/rate"
)

// State is a consistent snapshot of the estimator.
type State struct {
	Count        uint32    // last observed pulse counter
	Base         time.Time // estimated wall-clock time of pulse Count
	Rate         int       // pulses per second, 0 when disabled
	SkipCount    int
	PulseWidthUs int
	Updates      uint64 // number of accepted pulses
}

// Estimator holds the pulse/time mapping. Update is called from the device
// callback goroutine; Snapshot and Wait may be called from any goroutine.
type Estimator struct {
	mu     sync.Mutex
	cond   *sync.Cond
	state  State
	closed bool
}

// NewEstimator creates an estimator for the given sync-out configuration.
func NewEstimator(cfg rate.Config) *Estimator {
	e := &Estimator{
		state: State{
			Rate:         cfg.Effective,
			SkipCount:    cfg.SkipCount,
			PulseWidthUs: cfg.PulseWidthUs,
		},
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// Enabled reports whether synchronization is configured.
func (e *Estimator) Enabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Rate > 0
}

// Update records a sample's pulse counter. When the counter differs from the
// stored one, the base time becomes now - sinceSync, waiters are woken and
// Update returns true. Repeated counters and a disabled estimator leave the
// state untouched.
func (e *Estimator) Update(count uint32, now time.Time, sinceSync time.Duration) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.Rate <= 0 || e.state.Count == count {
		return false
	}
	e.state.Count = count
	e.state.Base = now.Add(-sinceSync)
	e.state.Updates++
	e.cond.Broadcast()
	return true
}

// Snapshot returns the current state.
func (e *Estimator) Snapshot() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Wait blocks until the next accepted pulse and returns the state it
// produced. It returns false once the estimator is closed. There is no
// timeout; a watchdog owning the caller decides when to give up.
func (e *Estimator) Wait() (State, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	seen := e.state.Updates
	for e.state.Updates == seen && !e.closed {
		e.cond.Wait()
	}
	return e.state, !e.closed
}

// Close releases every goroutine blocked in Wait. Later Wait calls return
// immediately.
func (e *Estimator) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.cond.Broadcast()
}
