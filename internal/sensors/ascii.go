package sensors

import (
	"fmt"
	"strconv"
	"strings"

	nmea "github.com/adrianmo/go-nmea"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/relabs-tech/vn100_driver/internal/device"
	"github.com/relabs-tech/vn100_driver/internal/imu"
)

// VectorNav ASCII messages reuse the NMEA framing: "$VN<type>,...*XX".
const (
	typeIMU   = "IMU"
	typeError = "ERR"
)

// imuSentence is the VNIMU asynchronous output: compensated magnetometer,
// accelerometer and gyro, temperature and pressure. When the communication
// protocol control register enables the serial count, a trailing
// "S<count>" field carries the sync-out counter.
type imuSentence struct {
	nmea.BaseSentence
	Mag       r3.Vec
	Accel     r3.Vec
	Gyro      r3.Vec
	Temp      float64
	Pressure  float64
	SyncCount uint32
	HasSync   bool
}

func (s imuSentence) sample() imu.RawSample {
	return imu.RawSample{
		MagneticField: s.Mag,
		Acceleration:  s.Accel,
		AngularRate:   s.Gyro,
		Temperature:   s.Temp,
		Pressure:      s.Pressure,
		SyncInCount:   s.SyncCount,
	}
}

// reply is any command response (register read/write, tare, reset, async
// pause) or an error report.
type reply struct {
	nmea.BaseSentence
}

var asciiParser = nmea.SentenceParser{
	CustomParsers: map[string]nmea.ParserFunc{
		typeIMU:   parseIMU,
		typeError: parseReply,
		"WRG":     parseReply,
		"RRG":     parseReply,
		"TAR":     parseReply,
		"RST":     parseReply,
		"ASY":     parseReply,
		"WNV":     parseReply,
	},
}

func parseIMU(s nmea.BaseSentence) (nmea.Sentence, error) {
	if len(s.Fields) < 11 {
		return nil, fmt.Errorf("VNIMU: %d fields", len(s.Fields))
	}
	p := nmea.NewParser(s)
	m := imuSentence{
		BaseSentence: s,
		Mag:          r3.Vec{X: p.Float64(0, "mag x"), Y: p.Float64(1, "mag y"), Z: p.Float64(2, "mag z")},
		Accel:        r3.Vec{X: p.Float64(3, "accel x"), Y: p.Float64(4, "accel y"), Z: p.Float64(5, "accel z")},
		Gyro:         r3.Vec{X: p.Float64(6, "gyro x"), Y: p.Float64(7, "gyro y"), Z: p.Float64(8, "gyro z")},
		Temp:         p.Float64(9, "temperature"),
		Pressure:     p.Float64(10, "pressure"),
	}
	if err := p.Err(); err != nil {
		return nil, err
	}
	if len(s.Fields) > 11 {
		raw := strings.TrimPrefix(s.Fields[11], "S")
		n, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("VNIMU: sync count %q: %w", s.Fields[11], err)
		}
		m.SyncCount = uint32(n)
		m.HasSync = true
	}
	return m, nil
}

func parseReply(s nmea.BaseSentence) (nmea.Sentence, error) {
	return reply{BaseSentence: s}, nil
}

// command frames body as a VectorNav ASCII command with an 8-bit checksum.
func command(body string) string {
	return "$" + body + "*" + nmea.Checksum(body) + "\r\n"
}

// Sensor error codes reported as "$VNERR,<code>".
const (
	vnErrHardFault            = 1
	vnErrSerialBufferOverflow = 2
	vnErrInvalidChecksum      = 3
	vnErrInvalidCommand       = 4
	vnErrNotEnoughParameters  = 5
	vnErrTooManyParameters    = 6
	vnErrInvalidParameter     = 7
	vnErrInvalidRegister      = 8
	vnErrUnauthorizedAccess   = 9
	vnErrWatchdogReset        = 10
	vnErrOutputBufferOverflow = 11
	vnErrInsufficientBaudRate = 12
	vnErrErrorBufferOverflow  = 255
)

// sensorCodeBase offsets sensor codes that have no device.Code equivalent so
// they stay unclassified.
const sensorCodeBase = 100

var sensorCodes = map[int]device.Code{
	vnErrHardFault:            device.CodeUnknown,
	vnErrSerialBufferOverflow: device.CodeBufferOverflow,
	vnErrInvalidChecksum:      device.CodeChecksum,
	vnErrInvalidCommand:       device.CodeNotImplemented,
	vnErrNotEnoughParameters:  device.CodeInvalidParameter,
	vnErrTooManyParameters:    device.CodeInvalidParameter,
	vnErrInvalidParameter:     device.CodeInvalidParameter,
	vnErrInvalidRegister:      device.CodeInvalidParameter,
	vnErrUnauthorizedAccess:   device.CodePermissionDenied,
	vnErrWatchdogReset:        device.CodeUnknown,
	vnErrOutputBufferOverflow: device.CodeBufferOverflow,
	vnErrInsufficientBaudRate: device.CodeInvalidValue,
	vnErrErrorBufferOverflow:  device.CodeBufferOverflow,
}

func sensorError(op string, r reply) *device.Error {
	if len(r.Fields) == 0 {
		return device.NewError(op, device.CodeUnknown)
	}
	n, err := strconv.Atoi(strings.TrimSpace(r.Fields[0]))
	if err != nil {
		return device.NewError(op, device.CodeUnknown)
	}
	c, ok := sensorCodes[n]
	if !ok {
		c = device.Code(sensorCodeBase + n)
	}
	return device.NewError(op, c)
}
