package sensors

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/relabs-tech/vn100_driver/internal/device"
	"github.com/relabs-tech/vn100_driver/internal/imu"
)

// Binary output packet layout:
//
//	0xFA | groups | field mask (u16 LE) per group | payload | CRC16 (BE)
//
// Only the common group is produced by this driver.
const (
	binarySync  byte = 0xFA
	groupCommon byte = 0x01
)

var (
	errBadChecksum      = errors.New("binary packet: bad checksum")
	errUnsupportedGroup = errors.New("binary packet: unsupported group")
	errShortPacket      = errors.New("binary packet: truncated")
	errFalseSync        = errors.New("binary packet: false sync byte")
)

// commonFieldSizes lists payload sizes in bit order of the common group.
var commonFieldSizes = [...]int{
	8,  // TimeStartup
	8,  // TimeGps
	8,  // TimeSyncIn
	12, // YawPitchRoll
	16, // Quaternion
	12, // AngularRate
	24, // Position
	12, // Velocity
	12, // Accel
	24, // Imu
	20, // MagPres
	28, // DeltaTheta
	2,  // InsStatus
	4,  // SyncInCnt
	8,  // TimeGpsPps
}

func payloadLen(fields uint16) int {
	n := 0
	for bit, size := range commonFieldSizes {
		if fields&(1<<bit) != 0 {
			n += size
		}
	}
	return n
}

// crc16 is the CRC-16/CCITT variant used by VectorNav binary packets.
// Running it over everything after the sync byte, CRC included, yields 0.
func crc16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc = (crc >> 8) | (crc << 8)
		crc ^= uint16(b)
		crc ^= (crc & 0xff) >> 4
		crc ^= crc << 12
		crc ^= (crc & 0x00ff) << 5
	}
	return crc
}

// knownFields covers every defined bit of the common group.
const knownFields uint16 = 1<<len(commonFieldSizes) - 1

// readPacket reads one binary packet from r, which must be positioned on the
// sync byte. A packet is only consumed once its header matches and its CRC
// checks out; otherwise just the sync byte is discarded and errFalseSync or
// errBadChecksum is returned so the caller can rescan. A non-zero fields
// restricts accepted packets to that field mask.
func readPacket(r *bufio.Reader, fields uint16) ([]byte, error) {
	hdr, err := r.Peek(2)
	if err != nil {
		return nil, err
	}
	if hdr[0] != binarySync || hdr[1] != groupCommon {
		_, _ = r.Discard(1)
		return nil, fmt.Errorf("%w: header 0x%02X 0x%02X", errFalseSync, hdr[0], hdr[1])
	}

	hdr, err = r.Peek(4)
	if err != nil {
		return nil, err
	}
	mask := binary.LittleEndian.Uint16(hdr[2:4])
	if mask == 0 || mask&^knownFields != 0 || (fields != 0 && mask != fields) {
		_, _ = r.Discard(1)
		return nil, fmt.Errorf("%w: field mask 0x%04X", errFalseSync, mask)
	}

	n := 4 + payloadLen(mask) + 2
	buf, err := r.Peek(n)
	if err != nil {
		return nil, err
	}
	if crc16(buf[1:]) != 0 {
		_, _ = r.Discard(1)
		return nil, errBadChecksum
	}
	pkt := append([]byte(nil), buf...)
	_, _ = r.Discard(n)
	return pkt, nil
}

// decodePacket turns a common-group packet into a sample.
func decodePacket(pkt []byte) (imu.RawSample, error) {
	var s imu.RawSample
	if len(pkt) < 6 || pkt[0] != binarySync {
		return s, errShortPacket
	}
	if pkt[1] != groupCommon {
		return s, errUnsupportedGroup
	}
	fields := binary.LittleEndian.Uint16(pkt[2:4])
	if len(pkt) != 4+payloadLen(fields)+2 {
		return s, errShortPacket
	}
	if crc16(pkt[1:]) != 0 {
		return s, errBadChecksum
	}

	p := payload{buf: pkt[4 : len(pkt)-2]}
	for bit, size := range commonFieldSizes {
		f := uint16(1) << bit
		if fields&f == 0 {
			continue
		}
		switch f {
		case device.FieldTimeStartup:
			s.TimeSinceStartup = time.Duration(p.u64())
		case device.FieldTimeSyncIn:
			s.TimeSinceSync = time.Duration(p.u64())
		case device.FieldQuaternion:
			x, y, z, w := p.f32(), p.f32(), p.f32(), p.f32()
			s.Quaternion = quat.Number{Real: w, Imag: x, Jmag: y, Kmag: z}
			s.HasOrientation = true
		case device.FieldAngularRate:
			s.AngularRate = p.vec()
		case device.FieldAccel:
			s.Acceleration = p.vec()
		case device.FieldMagPres:
			s.MagneticField = p.vec()
			s.Temperature = p.f32()
			s.Pressure = p.f32()
		case device.FieldSyncInCnt:
			s.SyncInCount = p.u32()
		default:
			p.skip(size)
		}
	}
	return s, nil
}

type payload struct {
	buf []byte
	off int
}

func (p *payload) skip(n int) { p.off += n }

func (p *payload) u32() uint32 {
	v := binary.LittleEndian.Uint32(p.buf[p.off:])
	p.off += 4
	return v
}

func (p *payload) u64() uint64 {
	v := binary.LittleEndian.Uint64(p.buf[p.off:])
	p.off += 8
	return v
}

func (p *payload) f32() float64 {
	return float64(math.Float32frombits(p.u32()))
}

func (p *payload) vec() r3.Vec {
	return r3.Vec{X: p.f32(), Y: p.f32(), Z: p.f32()}
}
