// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package stream drives the VN-100 between idle and streaming and turns the
// samples it emits into records.
package stream

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/relabs-tech/vn100_driver/internal/device"
	"github.com/relabs-tech/vn100_driver/internal/imu"
	"github.com/relabs-tech/vn100_driver/internal/rate"
	"github.com/relabs-tech/vn100_driver/internal/timeutil"
)

// ErrAlreadyStreaming is returned by Start when the stream is running.
var ErrAlreadyStreaming = errors.New("stream: already streaming")

// State of a Controller.
type State int

const (
	Idle State = iota
	Streaming
)

func (s State) String() string {
	if s == Streaming {
		return "streaming"
	}
	return "idle"
}

// Encoding selects the device output format.
type Encoding int

const (
	// EncodingBinary streams the configured field groups at the decimated rate.
	EncodingBinary Encoding = iota
	// EncodingText streams the legacy VNIMU ASCII sentence.
	EncodingText
)

func (e Encoding) String() string {
	if e == EncodingText {
		return "text"
	}
	return "binary"
}

// Settings describe one streaming session.
type Settings struct {
	Encoding  Encoding
	Rate      rate.Config
	AsyncMode device.AsyncMode
}

// Sink receives records on the device callback goroutine. It must not block
// for long; the device delivers the next sample only after it returns.
type Sink func(imu.Record)

// Controller is the stream state machine. Start, Stop, Reconfigure and State
// must be called from a single control goroutine.
type Controller struct {
	dev   device.Device
	asm   *Assembler
	sink  Sink
	clock timeutil.Clock

	session uuid.UUID
	state   State
	active  Settings

	live    atomic.Bool
	records atomic.Uint64
}

// NewController creates an idle controller.
func NewController(dev device.Device, asm *Assembler, sink Sink, clock timeutil.Clock) *Controller {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Controller{
		dev:     dev,
		asm:     asm,
		sink:    sink,
		clock:   clock,
		session: uuid.New(),
	}
}

// Session identifies this controller in logs.
func (c *Controller) Session() uuid.UUID { return c.session }

// State returns the current state.
func (c *Controller) State() State { return c.state }

// Active returns the settings of the running stream.
func (c *Controller) Active() (Settings, bool) {
	return c.active, c.state == Streaming
}

// Records returns how many records were handed to the sink.
func (c *Controller) Records() uint64 { return c.records.Load() }

func (c *Controller) logger() *log.Entry {
	return log.WithField("session", c.session.String())
}

// Start configures the output and registers the sample callback. Outputs
// are paused while the device is reconfigured and resumed only once the
// callback is in place. On any failure the callback is removed, outputs
// are resumed and the controller stays idle.
func (c *Controller) Start(s Settings) error {
	if c.state == Streaming {
		return ErrAlreadyStreaming
	}
	if !s.Rate.Enabled() {
		return fmt.Errorf("stream: start: rate %d Hz is not configured", s.Rate.Effective)
	}
	lg := c.logger()

	if err := device.Ensure("pause outputs", c.dev.PauseOutputs()); err != nil {
		return fmt.Errorf("stream: start: %w", err)
	}

	registered := false
	fail := func(err error) error {
		c.live.Store(false)
		if registered {
			if uerr := device.Ensure("unregister listener", c.dev.UnregisterListener()); uerr != nil {
				lg.Errorf("rollback: %v", uerr)
			}
		}
		if rerr := device.Ensure("resume outputs", c.dev.ResumeOutputs()); rerr != nil {
			lg.Errorf("rollback: %v", rerr)
		}
		return fmt.Errorf("stream: start: %w", err)
	}

	if err := device.Ensure("set async output type", c.dev.SetAsyncOutputType(device.AsyncOff)); err != nil {
		return fail(err)
	}

	switch s.Encoding {
	case EncodingBinary:
		cfg := device.BinaryOutput{
			AsyncMode:   s.AsyncMode,
			RateDivisor: s.Rate.Decimation,
			Fields:      device.StreamFields,
		}
		if err := device.Ensure("set binary output", c.dev.SetBinaryOutput(cfg)); err != nil {
			return fail(err)
		}
	case EncodingText:
		if err := device.Ensure("set async output type", c.dev.SetAsyncOutputType(device.AsyncVNIMU)); err != nil {
			return fail(err)
		}
	default:
		return fail(fmt.Errorf("unknown encoding %d", s.Encoding))
	}

	c.live.Store(true)
	if err := device.Ensure("register listener", c.dev.RegisterListener(c.handle)); err != nil {
		return fail(err)
	}
	registered = true

	lg.Infof("setting IMU rate to %d Hz", s.Rate.Effective)
	if err := device.Ensure("set async output frequency", c.dev.SetAsyncOutputFrequency(s.Rate.Effective)); err != nil {
		return fail(err)
	}
	if err := device.Ensure("resume outputs", c.dev.ResumeOutputs()); err != nil {
		return fail(err)
	}

	c.state = Streaming
	c.active = s
	lg.WithFields(log.Fields{
		"encoding":   s.Encoding.String(),
		"rate":       s.Rate.Effective,
		"decimation": s.Rate.Decimation,
	}).Info("streaming")
	return nil
}

// Stop mutes the device and removes the sample callback. It returns once no
// callback can run any more. Stopping an idle controller does nothing.
func (c *Controller) Stop() error {
	if c.state == Idle {
		return nil
	}
	lg := c.logger()

	if err := device.Ensure("pause outputs", c.dev.PauseOutputs()); err != nil {
		return fmt.Errorf("stream: stop: %w", err)
	}
	if err := device.Ensure("set async output type", c.dev.SetAsyncOutputType(device.AsyncOff)); err != nil {
		if rerr := device.Ensure("resume outputs", c.dev.ResumeOutputs()); rerr != nil {
			lg.Errorf("rollback: %v", rerr)
		}
		return fmt.Errorf("stream: stop: %w", err)
	}
	if err := device.Ensure("unregister listener", c.dev.UnregisterListener()); err != nil {
		if rerr := device.Ensure("resume outputs", c.dev.ResumeOutputs()); rerr != nil {
			lg.Errorf("rollback: %v", rerr)
		}
		return fmt.Errorf("stream: stop: %w", err)
	}

	// The callback is gone; whatever happens next the stream is idle.
	c.live.Store(false)
	c.state = Idle
	c.active = Settings{}

	if err := device.Ensure("resume outputs", c.dev.ResumeOutputs()); err != nil {
		return fmt.Errorf("stream: stop: %w", err)
	}
	lg.Info("idle")
	return nil
}

// Reconfigure restarts the stream with new settings.
func (c *Controller) Reconfigure(s Settings) error {
	if err := c.Stop(); err != nil {
		return err
	}
	return c.Start(s)
}

func (c *Controller) handle(s imu.RawSample) {
	if !c.live.Load() {
		return
	}
	rec := c.asm.Assemble(s, c.clock.Now())
	c.records.Add(1)
	c.sink(rec)
}
