package sensors

import (
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/vn100_driver/internal/device"
	"github.com/relabs-tech/vn100_driver/internal/imu"
)

// fakePort emulates the sensor side of the serial line. Commands written by
// the driver are recorded and answered through respond.
type fakePort struct {
	r *io.PipeReader
	w *io.PipeWriter

	mu      sync.Mutex
	written []string
	respond func(body string) string
}

func newFakePort(respond func(body string) string) *fakePort {
	r, w := io.Pipe()
	return &fakePort{r: r, w: w, respond: respond}
}

// echo answers every command with itself, like a successful write.
func echo(body string) string { return frame(body) }

func (p *fakePort) Read(b []byte) (int, error) { return p.r.Read(b) }

func (p *fakePort) Write(b []byte) (int, error) {
	line := strings.TrimSpace(string(b))
	body := strings.TrimPrefix(line, "$")
	if i := strings.LastIndexByte(body, '*'); i >= 0 {
		body = body[:i]
	}

	p.mu.Lock()
	p.written = append(p.written, line)
	respond := p.respond
	p.mu.Unlock()

	if respond != nil {
		if out := respond(body); out != "" {
			go p.send(out + "\r\n")
		}
	}
	return len(b), nil
}

func (p *fakePort) Close() error { return p.w.Close() }

func (p *fakePort) send(s string) { _, _ = p.w.Write([]byte(s)) }

func (p *fakePort) lines() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.written...)
}

func newTestVN100(t *testing.T, respond func(string) string) (*VN100, *fakePort) {
	t.Helper()
	port := newFakePort(respond)
	v := newVN100(port, Options{PortName: "fake", CommandTimeout: 200 * time.Millisecond})
	t.Cleanup(func() { _ = v.Close() })
	return v, port
}

func TestVN100_ControlCommands(t *testing.T) {
	v, port := newTestVN100(t, echo)

	require.NoError(t, v.PauseOutputs())
	require.NoError(t, v.SetAsyncOutputType(device.AsyncOff))
	require.NoError(t, v.SetBinaryOutput(device.BinaryOutput{
		AsyncMode:   device.AsyncModeSerial1,
		RateDivisor: 4,
		Fields:      device.StreamFields,
	}))
	require.NoError(t, v.SetAsyncOutputFrequency(200))
	require.NoError(t, v.ResumeOutputs())

	assert.Equal(t, []string{
		frame("VNASY,0"),
		frame("VNWRG,06,0"),
		frame("VNWRG,75,1,4,01,2535"),
		frame("VNWRG,07,200"),
		frame("VNASY,1"),
	}, port.lines())
}

func TestVN100_SyncAndProtocolRegisters(t *testing.T) {
	v, port := newTestVN100(t, echo)

	require.NoError(t, v.SetSyncControl(SyncControl{
		InMode:       SyncInModeCount,
		InEdge:       SyncInEdgeRising,
		OutMode:      SyncOutModeIMUStart,
		OutPolarity:  SyncOutPolarityPositive,
		OutSkipCount: 39,
		OutPulseNs:   1000000,
	}))
	require.NoError(t, v.SetSerialCount(SerialCountSyncOut))
	require.NoError(t, v.Tare())

	assert.Equal(t, []string{
		frame("VNWRG,32,3,0,0,0,1,1,39,1000000,0"),
		frame("VNWRG,30,3,0,0,0,1,1,1"),
		frame("VNTAR"),
	}, port.lines())
}

func TestVN100_SensorError(t *testing.T) {
	v, _ := newTestVN100(t, func(body string) string {
		if strings.HasPrefix(body, "VNWRG,07") {
			return frame("VNERR,07")
		}
		return echo(body)
	})

	err := v.SetAsyncOutputFrequency(300)
	var de *device.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, device.CodeInvalidParameter, de.Code)
	assert.False(t, device.IsFatal(device.Ensure("set async output frequency", err)))

	assert.NoError(t, v.PauseOutputs())
}

func TestVN100_Timeout(t *testing.T) {
	v, _ := newTestVN100(t, nil)

	err := v.ResumeOutputs()
	var de *device.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, device.CodeTimeout, de.Code)
}

func TestVN100_IgnoresMismatchedReply(t *testing.T) {
	v, _ := newTestVN100(t, func(body string) string {
		return frame("VNTAR") + "\r\n" + echo(body)
	})
	require.NoError(t, v.SetAsyncOutputFrequency(100))
	assert.Eventually(t, func() bool { return v.Stats().Unmatched >= 1 }, time.Second, 5*time.Millisecond)
}

func TestVN100_StraySyncByteBeforeReply(t *testing.T) {
	for _, prefix := range []string{"\xFA", "\xFA\x01", "\x00\xFA"} {
		v, _ := newTestVN100(t, func(body string) string {
			return prefix + echo(body)
		})
		assert.NoError(t, v.PauseOutputs(), "prefix %q", prefix)
		assert.NoError(t, v.ResumeOutputs(), "prefix %q", prefix)
	}
}

func TestVN100_StraySyncByteBeforePacket(t *testing.T) {
	v, port := newTestVN100(t, echo)

	got := make(chan imu.RawSample, 1)
	require.NoError(t, v.RegisterListener(func(s imu.RawSample) { got <- s }))

	port.send("\xFA" + string(encodePacket(device.StreamFields, streamPayload(0, 9))))
	s := <-got
	assert.Equal(t, uint32(9), s.SyncInCount)
	assert.Zero(t, v.Stats().Dropped)
}

func TestVN100_Info(t *testing.T) {
	regs := map[string]string{
		"VNRRG,01": "VNRRG,01,VN-100T-CR",
		"VNRRG,02": "VNRRG,02,4",
		"VNRRG,03": "VNRRG,03,0100012345",
		"VNRRG,04": "VNRRG,04,2.1.0.0",
	}
	v, _ := newTestVN100(t, func(body string) string {
		if r, ok := regs[body]; ok {
			return frame(r)
		}
		return ""
	})

	info, err := v.Info()
	require.NoError(t, err)
	assert.Equal(t, DeviceInfo{
		Model:            "VN-100T-CR",
		HardwareRevision: 4,
		SerialNumber:     "0100012345",
		Firmware:         "2.1.0.0",
	}, info)
}

func TestVN100_DispatchesSamples(t *testing.T) {
	v, port := newTestVN100(t, echo)

	got := make(chan imu.RawSample, 4)
	require.NoError(t, v.RegisterListener(func(s imu.RawSample) { got <- s }))
	assert.Error(t, v.RegisterListener(func(imu.RawSample) {}))

	port.send(frame(imuBody+",S17") + "\r\n")
	port.send("garbage")
	port.send(string(encodePacket(device.StreamFields, streamPayload(time.Millisecond, 18))))

	s := <-got
	assert.False(t, s.HasOrientation)
	assert.Equal(t, uint32(17), s.SyncInCount)

	s = <-got
	assert.True(t, s.HasOrientation)
	assert.Equal(t, uint32(18), s.SyncInCount)
	assert.Equal(t, time.Millisecond, s.TimeSinceSync)

	require.NoError(t, v.UnregisterListener())
	port.send(frame(imuBody) + "\r\n")
	assert.Eventually(t, func() bool { return v.Stats().Samples == 3 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, got)
}

func TestVN100_DropsCorruptFrames(t *testing.T) {
	v, port := newTestVN100(t, echo)

	pkt := encodePacket(device.StreamFields, streamPayload(0, 1))
	pkt[20] ^= 0x01
	port.send(string(pkt))
	port.send(frame(imuBody)[:20] + "*00\r\n")

	assert.Eventually(t, func() bool { return v.Stats().Dropped == 2 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, v.Stats().Samples)
}

func TestVN100_UnregisterWaitsForCallback(t *testing.T) {
	v, port := newTestVN100(t, echo)

	entered := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, v.RegisterListener(func(imu.RawSample) {
		close(entered)
		<-release
	}))
	port.send(frame(imuBody) + "\r\n")
	<-entered

	unregistered := make(chan struct{})
	go func() {
		_ = v.UnregisterListener()
		close(unregistered)
	}()

	select {
	case <-unregistered:
		t.Fatal("UnregisterListener returned while the callback was running")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	<-unregistered
}

func TestVN100_ClosedPort(t *testing.T) {
	v, _ := newTestVN100(t, echo)
	require.NoError(t, v.Close())

	<-v.Done()
	assert.True(t, errors.Is(v.Err(), io.EOF))

	err := v.PauseOutputs()
	var de *device.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, device.CodeNotConnected, de.Code)
	assert.True(t, device.IsFatal(device.Ensure("pause outputs", err)))
}

func TestOpenVN100_OpenFailure(t *testing.T) {
	_, err := OpenVN100(Options{
		PortName: "/dev/ttyUSB9",
		Open: func(string, int) (Port, error) {
			return nil, errors.New("no such file or directory")
		},
	})
	assert.True(t, device.IsFatal(err))
}
