// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package sensors

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	serial "github.com/jacobsa/go-serial/serial"
	log "github.com/sirupsen/logrus"

	"github.com/relabs-tech/vn100_driver/internal/device"
	"github.com/relabs-tech/vn100_driver/internal/imu"
)

const (
	DefaultBaudRate       = 115200
	DefaultCommandTimeout = 500 * time.Millisecond
)

// Register IDs used by the driver.
const (
	regModelNumber     = 1
	regHardwareRev     = 2
	regSerialNumber    = 3
	regFirmwareVersion = 4
	regAsyncType       = 6
	regAsyncFrequency  = 7
	regCommProtocol    = 30
	regSyncControl     = 32
	regBinaryOutput1   = 75
)

// ConfigRegisters are the output configuration registers the driver writes.
var ConfigRegisters = []int{regAsyncType, regAsyncFrequency, regCommProtocol, regSyncControl, regBinaryOutput1}

// Synchronization control register values.
const (
	SyncInModeCount         = 3
	SyncInEdgeRising        = 0
	SyncOutModeIMUStart     = 1
	SyncOutPolarityPositive = 1
)

// Communication protocol control register values.
const (
	SerialCountNone    = 0
	SerialCountSyncOut = 3
	SerialChecksum8Bit = 1
	ErrorModeSendError = 1

	serialStatusOff = 0
	spiCountNone    = 0
	spiStatusOff    = 0
	spiChecksum8Bit = 1
)

// Port is the byte transport to the sensor.
type Port interface {
	io.ReadWriteCloser
}

// PortOpener opens the named serial port at baud.
type PortOpener func(name string, baud int) (Port, error)

// OpenSerialPort is the default PortOpener.
func OpenSerialPort(name string, baud int) (Port, error) {
	opts := serial.OpenOptions{
		PortName:              name,
		BaudRate:              uint(baud),
		DataBits:              8,
		StopBits:              1,
		MinimumReadSize:       1,
		ParityMode:            serial.PARITY_NONE,
		InterCharacterTimeout: 0,
	}
	return serial.Open(opts)
}

// Options configure a VN100 connection.
type Options struct {
	PortName       string
	BaudRate       int
	CommandTimeout time.Duration
	ResetOnClose   bool
	Open           PortOpener
}

// DeviceInfo identifies the connected sensor.
type DeviceInfo struct {
	Model            string
	HardwareRevision int
	SerialNumber     string
	Firmware         string
}

func (d DeviceInfo) String() string {
	return fmt.Sprintf("%s rev %d, serial %s, firmware %s", d.Model, d.HardwareRevision, d.SerialNumber, d.Firmware)
}

// Stats counts traffic seen by the reader goroutine.
type Stats struct {
	Samples   uint64
	Dropped   uint64 // malformed or bad-checksum frames
	Unmatched uint64 // replies nobody waited for
}

// VN100 talks to a VectorNav VN-100 over a serial port. It implements
// device.Device. Commands are serialized; samples are decoded on a reader
// goroutine and handed to the registered listener.
type VN100 struct {
	opts Options
	port Port

	cmdMu   sync.Mutex
	replies chan reply

	listenerMu sync.Mutex
	listener   imu.Listener

	done    chan struct{}
	readErr error

	samples   atomic.Uint64
	dropped   atomic.Uint64
	unmatched atomic.Uint64
	fields    atomic.Uint32 // binary field mask accepted by the reader

	closeOnce sync.Once
}

var _ device.Device = (*VN100)(nil)

// OpenVN100 opens the port and starts the reader goroutine.
func OpenVN100(opts Options) (*VN100, error) {
	if opts.BaudRate <= 0 {
		opts.BaudRate = DefaultBaudRate
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = DefaultCommandTimeout
	}
	if opts.Open == nil {
		opts.Open = OpenSerialPort
	}

	port, err := opts.Open(opts.PortName, opts.BaudRate)
	if err != nil {
		return nil, device.Ensure("connect", &device.Error{Code: device.CodeNotConnected, Err: err})
	}
	log.Infof("VN-100 serial port opened on %s at %d baud", opts.PortName, opts.BaudRate)
	return newVN100(port, opts), nil
}

func newVN100(port Port, opts Options) *VN100 {
	v := &VN100{
		opts:    opts,
		port:    port,
		replies: make(chan reply, 4),
		done:    make(chan struct{}),
	}
	v.fields.Store(uint32(device.StreamFields))
	go v.readLoop()
	return v
}

// Stats returns reader counters.
func (v *VN100) Stats() Stats {
	return Stats{
		Samples:   v.samples.Load(),
		Dropped:   v.dropped.Load(),
		Unmatched: v.unmatched.Load(),
	}
}

// Close optionally resets the sensor, closes the port and waits for the
// reader goroutine to exit.
func (v *VN100) Close() error {
	var err error
	v.closeOnce.Do(func() {
		if v.opts.ResetOnClose {
			if rerr := v.Reset(); rerr != nil {
				log.Warnf("VN-100 reset on close: %v", rerr)
			}
		}
		err = v.port.Close()
		<-v.done
	})
	return err
}

// Done is closed when the reader goroutine exits.
func (v *VN100) Done() <-chan struct{} { return v.done }

// Err returns the error that stopped the reader, once Done is closed.
func (v *VN100) Err() error {
	select {
	case <-v.done:
		return v.readErr
	default:
		return nil
	}
}

func (v *VN100) readLoop() {
	defer close(v.done)
	r := bufio.NewReaderSize(v.port, 1024)

	for {
		b, err := r.Peek(1)
		if err != nil {
			v.readErr = err
			return
		}

		switch b[0] {
		case '$':
			line, err := r.ReadString('\n')
			if err != nil {
				v.readErr = err
				return
			}
			v.handleLine(strings.TrimSpace(line))

		case binarySync:
			pkt, err := readPacket(r, uint16(v.fields.Load()))
			switch {
			case errors.Is(err, errFalseSync):
				continue
			case errors.Is(err, errBadChecksum):
				v.dropped.Add(1)
				log.Debugf("VN-100: %v", err)
				continue
			case err != nil:
				v.readErr = err
				return
			}
			s, err := decodePacket(pkt)
			if err != nil {
				v.dropped.Add(1)
				log.Debugf("VN-100: %v", err)
				continue
			}
			v.dispatch(s)

		default:
			// noise between frames
			_, _ = r.Discard(1)
		}
	}
}

func (v *VN100) handleLine(line string) {
	sentence, err := asciiParser.Parse(line)
	if err != nil {
		v.dropped.Add(1)
		log.Debugf("VN-100 parse error: %v (line: %q)", err, line)
		return
	}

	switch m := sentence.(type) {
	case imuSentence:
		v.dispatch(m.sample())
	case reply:
		select {
		case v.replies <- m:
		default:
			v.unmatched.Add(1)
		}
	default:
		log.Debugf("VN-100: ignoring %s", sentence.Prefix())
	}
}

// dispatch holds the listener lock for the duration of the callback so
// UnregisterListener cannot return while a sample is being processed.
func (v *VN100) dispatch(s imu.RawSample) {
	v.samples.Add(1)
	v.listenerMu.Lock()
	defer v.listenerMu.Unlock()
	if v.listener != nil {
		v.listener(s)
	}
}

// transaction sends body as a command and waits for the reply of the same
// type. The listener must not issue commands.
func (v *VN100) transaction(op, body string) ([]string, error) {
	v.cmdMu.Lock()
	defer v.cmdMu.Unlock()

	select {
	case <-v.done:
		return nil, device.NewError(op, device.CodeNotConnected)
	default:
	}

	// drop stale replies
drain:
	for {
		select {
		case <-v.replies:
			v.unmatched.Add(1)
		default:
			break drain
		}
	}

	want := strings.TrimPrefix(strings.SplitN(body, ",", 2)[0], "VN")
	frame := command(body)
	n, err := io.WriteString(v.port, frame)
	if err != nil {
		return nil, &device.Error{Op: op, Code: device.CodeTransport, Err: err}
	}
	if n != len(frame) {
		return nil, &device.Error{Op: op, Code: device.CodeTransport, Err: io.ErrShortWrite}
	}

	timer := time.NewTimer(v.opts.CommandTimeout)
	defer timer.Stop()
	for {
		select {
		case r := <-v.replies:
			if r.Type == typeError {
				return nil, sensorError(op, r)
			}
			if r.Type != want {
				v.unmatched.Add(1)
				continue
			}
			return r.Fields, nil
		case <-timer.C:
			return nil, device.NewError(op, device.CodeTimeout)
		case <-v.done:
			return nil, &device.Error{Op: op, Code: device.CodeNotConnected, Err: v.readErr}
		}
	}
}

// WriteRegister writes comma-separated values to register id.
func (v *VN100) WriteRegister(id int, values ...string) error {
	body := fmt.Sprintf("VNWRG,%02d", id)
	if len(values) > 0 {
		body += "," + strings.Join(values, ",")
	}
	_, err := v.transaction(fmt.Sprintf("write register %d", id), body)
	return err
}

// ReadRegister returns the fields of register id, without the id itself.
func (v *VN100) ReadRegister(id int) ([]string, error) {
	op := fmt.Sprintf("read register %d", id)
	fields, err := v.transaction(op, fmt.Sprintf("VNRRG,%02d", id))
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, device.NewError(op, device.CodeInvalidValue)
	}
	return fields[1:], nil
}

// PauseOutputs stops asynchronous output without changing its configuration.
func (v *VN100) PauseOutputs() error {
	_, err := v.transaction("pause outputs", "VNASY,0")
	return err
}

// ResumeOutputs restarts asynchronous output.
func (v *VN100) ResumeOutputs() error {
	_, err := v.transaction("resume outputs", "VNASY,1")
	return err
}

func (v *VN100) SetAsyncOutputType(t device.AsyncType) error {
	return v.WriteRegister(regAsyncType, strconv.Itoa(int(t)))
}

func (v *VN100) SetAsyncOutputFrequency(hz int) error {
	return v.WriteRegister(regAsyncFrequency, strconv.Itoa(hz))
}

// SetBinaryOutput configures binary output register 1 with the common group.
func (v *VN100) SetBinaryOutput(cfg device.BinaryOutput) error {
	err := v.WriteRegister(regBinaryOutput1,
		strconv.Itoa(int(cfg.AsyncMode)),
		strconv.Itoa(cfg.RateDivisor),
		fmt.Sprintf("%02X", groupCommon),
		fmt.Sprintf("%04X", cfg.Fields),
	)
	if err == nil && cfg.Fields != 0 {
		v.fields.Store(uint32(cfg.Fields))
	}
	return err
}

// RegisterListener installs l. Only one listener may be registered.
func (v *VN100) RegisterListener(l imu.Listener) error {
	v.listenerMu.Lock()
	defer v.listenerMu.Unlock()
	if v.listener != nil {
		return device.NewError("register listener", device.CodeInvalidValue)
	}
	v.listener = l
	return nil
}

// UnregisterListener removes the listener once any in-flight call returns.
func (v *VN100) UnregisterListener() error {
	v.listenerMu.Lock()
	defer v.listenerMu.Unlock()
	v.listener = nil
	return nil
}

// SyncControl is the content of the synchronization control register.
type SyncControl struct {
	InMode       int
	InEdge       int
	InSkipFactor int
	OutMode      int
	OutPolarity  int
	OutSkipCount int
	OutPulseNs   int
}

// SetSyncControl writes the synchronization control register.
func (v *VN100) SetSyncControl(c SyncControl) error {
	return v.WriteRegister(regSyncControl,
		strconv.Itoa(c.InMode),
		strconv.Itoa(c.InEdge),
		strconv.Itoa(c.InSkipFactor),
		"0",
		strconv.Itoa(c.OutMode),
		strconv.Itoa(c.OutPolarity),
		strconv.Itoa(c.OutSkipCount),
		strconv.Itoa(c.OutPulseNs),
		"0",
	)
}

// SetSerialCount selects the counter appended to ASCII async messages.
func (v *VN100) SetSerialCount(count int) error {
	return v.WriteRegister(regCommProtocol,
		strconv.Itoa(count),
		strconv.Itoa(serialStatusOff),
		strconv.Itoa(spiCountNone),
		strconv.Itoa(spiStatusOff),
		strconv.Itoa(SerialChecksum8Bit),
		strconv.Itoa(spiChecksum8Bit),
		strconv.Itoa(ErrorModeSendError),
	)
}

// Tare zeroes the current heading and attitude.
func (v *VN100) Tare() error {
	_, err := v.transaction("tare", "VNTAR")
	return err
}

// Reset restarts the sensor firmware.
func (v *VN100) Reset() error {
	_, err := v.transaction("reset", "VNRST")
	return err
}

// Info reads the identification registers.
func (v *VN100) Info() (DeviceInfo, error) {
	var info DeviceInfo

	f, err := v.ReadRegister(regModelNumber)
	if err != nil {
		return info, err
	}
	info.Model = strings.Join(f, ",")

	f, err = v.ReadRegister(regHardwareRev)
	if err != nil {
		return info, err
	}
	if len(f) > 0 {
		info.HardwareRevision, _ = strconv.Atoi(f[0])
	}

	f, err = v.ReadRegister(regSerialNumber)
	if err != nil {
		return info, err
	}
	info.SerialNumber = strings.Join(f, ",")

	f, err = v.ReadRegister(regFirmwareVersion)
	if err != nil {
		return info, err
	}
	info.Firmware = strings.Join(f, ",")
	return info, nil
}
