package stream

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/relabs-tech/vn100_driver/internal/device"
	"github.com/relabs-tech/vn100_driver/internal/imu"
	"github.com/relabs-tech/vn100_driver/internal/rate"
	"github.com/relabs-tech/vn100_driver/internal/timesync"
	"github.com/relabs-tech/vn100_driver/internal/timeutil"
)

// fakeDevice records every control call and lets tests inject failures.
type fakeDevice struct {
	mu       sync.Mutex
	calls    []string
	listener imu.Listener
	failOn   map[string]error
	binary   device.BinaryOutput
	freq     int
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{failOn: map[string]error{}}
}

func (f *fakeDevice) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.failOn[call]
}

func (f *fakeDevice) PauseOutputs() error  { return f.record("pause") }
func (f *fakeDevice) ResumeOutputs() error { return f.record("resume") }

func (f *fakeDevice) SetAsyncOutputType(t device.AsyncType) error {
	return f.record(fmt.Sprintf("async %d", t))
}

func (f *fakeDevice) SetAsyncOutputFrequency(hz int) error {
	if err := f.record("freq"); err != nil {
		return err
	}
	f.freq = hz
	return nil
}

func (f *fakeDevice) SetBinaryOutput(cfg device.BinaryOutput) error {
	if err := f.record("binary"); err != nil {
		return err
	}
	f.binary = cfg
	return nil
}

func (f *fakeDevice) RegisterListener(l imu.Listener) error {
	if err := f.record("register"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listener != nil {
		return device.NewError("register listener", device.CodeInvalidValue)
	}
	f.listener = l
	return nil
}

func (f *fakeDevice) UnregisterListener() error {
	if err := f.record("unregister"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listener = nil
	return nil
}

// emit delivers s the way the device callback goroutine would.
func (f *fakeDevice) emit(s imu.RawSample) bool {
	f.mu.Lock()
	l := f.listener
	f.mu.Unlock()
	if l == nil {
		return false
	}
	l(s)
	return true
}

func (f *fakeDevice) takeCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.calls
	f.calls = nil
	return c
}

type recorder struct {
	mu      sync.Mutex
	records []imu.Record
}

func (r *recorder) sink(rec imu.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

func newTestController(t *testing.T) (*Controller, *fakeDevice, *recorder) {
	t.Helper()
	dev := newFakeDevice()
	rec := &recorder{}
	est := timesync.NewEstimator(rate.ConfigureSync(0, 0))
	asm := NewAssembler(Options{FrameID: "imu", ToENU: true}, est)
	clock := timeutil.NewMockClock(time.Date(2026, time.March, 3, 12, 0, 0, 0, time.UTC))
	return NewController(dev, asm, rec.sink, clock), dev, rec
}

func binarySettings(hz int) Settings {
	return Settings{
		Encoding:  EncodingBinary,
		Rate:      rate.Configure(hz, rate.DefaultPulseWidthUs),
		AsyncMode: device.AsyncModeSerial1,
	}
}

func TestStart_BinarySequence(t *testing.T) {
	c, dev, _ := newTestController(t)

	require.NoError(t, c.Start(binarySettings(200)))
	assert.Equal(t, Streaming, c.State())

	want := []string{"pause", "async 0", "binary", "register", "freq", "resume"}
	if diff := cmp.Diff(want, dev.takeCalls()); diff != "" {
		t.Errorf("call sequence mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, device.BinaryOutput{
		AsyncMode:   device.AsyncModeSerial1,
		RateDivisor: 4,
		Fields:      device.StreamFields,
	}, dev.binary)
	assert.Equal(t, 200, dev.freq)
}

func TestStart_TextSequence(t *testing.T) {
	c, dev, _ := newTestController(t)

	s := binarySettings(100)
	s.Encoding = EncodingText
	require.NoError(t, c.Start(s))

	want := []string{"pause", "async 0", "async 19", "register", "freq", "resume"}
	if diff := cmp.Diff(want, dev.takeCalls()); diff != "" {
		t.Errorf("call sequence mismatch (-want +got):\n%s", diff)
	}
}

func TestStart_AlreadyStreaming(t *testing.T) {
	c, dev, _ := newTestController(t)
	require.NoError(t, c.Start(binarySettings(200)))
	dev.takeCalls()

	err := c.Start(binarySettings(100))
	assert.ErrorIs(t, err, ErrAlreadyStreaming)
	assert.Empty(t, dev.takeCalls())
	active, ok := c.Active()
	require.True(t, ok)
	assert.Equal(t, 200, active.Rate.Effective)
}

func TestStart_RejectsUnconfiguredRate(t *testing.T) {
	c, dev, _ := newTestController(t)
	err := c.Start(Settings{Encoding: EncodingBinary})
	require.Error(t, err)
	assert.Equal(t, Idle, c.State())
	assert.Empty(t, dev.takeCalls())
}

func TestStart_RecoverableFailureRollsBack(t *testing.T) {
	c, dev, rec := newTestController(t)
	dev.failOn["freq"] = device.NewError("write register 7", device.CodeInvalidParameter)

	err := c.Start(binarySettings(200))
	require.Error(t, err)
	assert.False(t, device.IsFatal(err))
	assert.Equal(t, Idle, c.State())

	want := []string{"pause", "async 0", "binary", "register", "freq", "unregister", "resume"}
	if diff := cmp.Diff(want, dev.takeCalls()); diff != "" {
		t.Errorf("call sequence mismatch (-want +got):\n%s", diff)
	}
	assert.False(t, dev.emit(imu.RawSample{}))
	assert.Zero(t, rec.len())

	// The same operation can be retried once the cause is gone.
	delete(dev.failOn, "freq")
	require.NoError(t, c.Start(binarySettings(200)))
	assert.Equal(t, Streaming, c.State())
}

func TestStart_FatalFailure(t *testing.T) {
	c, dev, _ := newTestController(t)
	dev.failOn["binary"] = device.NewError("write register 75", device.CodeNotConnected)

	err := c.Start(binarySettings(200))
	require.Error(t, err)
	assert.True(t, device.IsFatal(err))
	assert.Equal(t, Idle, c.State())

	calls := dev.takeCalls()
	assert.NotContains(t, calls, "register")
	assert.Equal(t, "resume", calls[len(calls)-1])
}

func TestStart_TransportFailureIsRecoverable(t *testing.T) {
	c, dev, _ := newTestController(t)
	dev.failOn["pause"] = errors.New("write /dev/ttyUSB0: broken pipe")

	err := c.Start(binarySettings(200))
	require.Error(t, err)
	assert.False(t, device.IsFatal(err))

	var de *device.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, device.CodeTransport, de.Code)
	assert.Equal(t, []string{"pause"}, dev.takeCalls())
}

func TestStop_Sequence(t *testing.T) {
	c, dev, _ := newTestController(t)
	require.NoError(t, c.Start(binarySettings(200)))
	dev.takeCalls()

	require.NoError(t, c.Stop())
	assert.Equal(t, Idle, c.State())
	want := []string{"pause", "async 0", "unregister", "resume"}
	if diff := cmp.Diff(want, dev.takeCalls()); diff != "" {
		t.Errorf("call sequence mismatch (-want +got):\n%s", diff)
	}
	_, ok := c.Active()
	assert.False(t, ok)
}

func TestStop_IdleIsNoop(t *testing.T) {
	c, dev, _ := newTestController(t)
	require.NoError(t, c.Stop())
	assert.Empty(t, dev.takeCalls())
}

func TestStop_UnregisterFailureKeepsStreaming(t *testing.T) {
	c, dev, _ := newTestController(t)
	require.NoError(t, c.Start(binarySettings(200)))
	dev.takeCalls()
	dev.failOn["unregister"] = device.NewError("unregister listener", device.CodeTimeout)

	require.Error(t, c.Stop())
	assert.Equal(t, Streaming, c.State())
	assert.Equal(t, []string{"pause", "async 0", "unregister", "resume"}, dev.takeCalls())

	delete(dev.failOn, "unregister")
	require.NoError(t, c.Stop())
	assert.Equal(t, Idle, c.State())
}

func TestNoRecordsWhileIdle(t *testing.T) {
	c, dev, rec := newTestController(t)

	assert.False(t, dev.emit(imu.RawSample{}))
	require.NoError(t, c.Start(binarySettings(200)))
	require.True(t, dev.emit(imu.RawSample{Acceleration: r3.Vec{Z: -9.81}}))
	require.NoError(t, c.Stop())
	assert.False(t, dev.emit(imu.RawSample{}))

	assert.Equal(t, 1, rec.len())
	assert.Equal(t, uint64(1), c.Records())
}

func TestStopStart_SingleRegistration(t *testing.T) {
	c, dev, rec := newTestController(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, c.Start(binarySettings(200)))
		require.NoError(t, c.Stop())
	}
	require.NoError(t, c.Start(binarySettings(200)))

	// The fake refuses a second registration, so a leaked listener would
	// have failed Start above. One emit must yield exactly one record.
	require.True(t, dev.emit(imu.RawSample{}))
	assert.Equal(t, 1, rec.len())
}

func TestReconfigure(t *testing.T) {
	c, dev, _ := newTestController(t)
	require.NoError(t, c.Start(binarySettings(200)))
	dev.takeCalls()

	s := binarySettings(50)
	s.Encoding = EncodingText
	require.NoError(t, c.Reconfigure(s))

	want := []string{
		"pause", "async 0", "unregister", "resume",
		"pause", "async 0", "async 19", "register", "freq", "resume",
	}
	if diff := cmp.Diff(want, dev.takeCalls()); diff != "" {
		t.Errorf("call sequence mismatch (-want +got):\n%s", diff)
	}
	active, ok := c.Active()
	require.True(t, ok)
	assert.Equal(t, EncodingText, active.Encoding)
	assert.Equal(t, 50, dev.freq)
}

func TestReconfigure_FromIdle(t *testing.T) {
	c, dev, _ := newTestController(t)
	require.NoError(t, c.Reconfigure(binarySettings(400)))
	assert.Equal(t, Streaming, c.State())
	assert.Equal(t, 2, dev.binary.RateDivisor)
}

func TestRecordsCarryFrameAndStamp(t *testing.T) {
	c, dev, rec := newTestController(t)
	require.NoError(t, c.Start(binarySettings(200)))

	require.True(t, dev.emit(imu.RawSample{AngularRate: r3.Vec{X: 1, Y: 2, Z: 3}}))
	require.Equal(t, 1, rec.len())

	got := rec.records[0]
	assert.Equal(t, "imu", got.FrameID)
	assert.Equal(t, imu.FrameENU, got.Frame)
	assert.Equal(t, r3.Vec{X: 1, Y: -2, Z: -3}, got.AngularVelocity)
	assert.Equal(t, time.Date(2026, time.March, 3, 12, 0, 0, 0, time.UTC), got.Stamp)
}
