package stream

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/relabs-tech/vn100_driver/internal/imu"
	"github.com/relabs-tech/vn100_driver/internal/orientation"
	"github.com/relabs-tech/vn100_driver/internal/rate"
	"github.com/relabs-tech/vn100_driver/internal/timesync"
)

var t0 = time.Date(2026, time.March, 3, 12, 0, 0, 0, time.UTC)

func syncedEstimator() *timesync.Estimator {
	return timesync.NewEstimator(rate.ConfigureSync(20, 1000))
}

func TestAssemble_StampFollowsSyncOffset(t *testing.T) {
	a := NewAssembler(Options{FrameID: "imu"}, syncedEstimator())

	// New pulse: offset becomes the sample's time since sync.
	r := a.Assemble(imu.RawSample{SyncInCount: 1, TimeSinceSync: 3 * time.Millisecond}, t0)
	assert.Equal(t, t0.Add(-3*time.Millisecond), r.Stamp)

	// Same pulse: the cached offset is reused, not the sample's value.
	now := t0.Add(5 * time.Millisecond)
	r = a.Assemble(imu.RawSample{SyncInCount: 1, TimeSinceSync: 8 * time.Millisecond}, now)
	assert.Equal(t, now.Add(-3*time.Millisecond), r.Stamp)

	// Next pulse replaces the offset.
	now = t0.Add(50 * time.Millisecond)
	r = a.Assemble(imu.RawSample{SyncInCount: 2, TimeSinceSync: time.Millisecond}, now)
	assert.Equal(t, now.Add(-time.Millisecond), r.Stamp)
}

func TestAssemble_SyncDisabledUsesArrivalTime(t *testing.T) {
	est := timesync.NewEstimator(rate.ConfigureSync(0, 0))
	a := NewAssembler(Options{}, est)

	r := a.Assemble(imu.RawSample{SyncInCount: 7, TimeSinceSync: 4 * time.Millisecond}, t0)
	assert.Equal(t, t0, r.Stamp)
	assert.Zero(t, est.Snapshot().Updates)
}

func TestAssemble_UpdatesEstimator(t *testing.T) {
	est := syncedEstimator()
	a := NewAssembler(Options{}, est)

	a.Assemble(imu.RawSample{SyncInCount: 4, TimeSinceSync: 2 * time.Millisecond}, t0)
	s := est.Snapshot()
	assert.Equal(t, uint32(4), s.Count)
	assert.Equal(t, t0.Add(-2*time.Millisecond), s.Base)
}

func TestAssemble_FrameConversion(t *testing.T) {
	q := orientation.QuaternionFromRPY(0.1, 0.2, 0.3)
	s := imu.RawSample{
		Quaternion:     q,
		HasOrientation: true,
		AngularRate:    r3.Vec{X: 1, Y: 2, Z: 3},
		Acceleration:   r3.Vec{X: 1, Y: 2, Z: 3},
		MagneticField:  r3.Vec{X: 0.2, Y: 0.1, Z: 0.4},
	}

	tests := []struct {
		name  string
		opts  Options
		frame imu.Frame
		gyro  r3.Vec
		accel r3.Vec
		mag   r3.Vec
	}{
		{"ned", Options{EnableMag: true}, imu.FrameNED,
			r3.Vec{X: 1, Y: 2, Z: 3}, r3.Vec{X: 1, Y: 2, Z: 3}, r3.Vec{X: 0.2, Y: 0.1, Z: 0.4}},
		{"enu", Options{ToENU: true, EnableMag: true}, imu.FrameENU,
			r3.Vec{X: 1, Y: -2, Z: -3}, r3.Vec{X: 1, Y: -2, Z: -3}, r3.Vec{X: 0.2, Y: -0.1, Z: -0.4}},
		{"enu reversed", Options{ToENU: true, ReverseAccelZ: true, EnableMag: true}, imu.FrameENU,
			r3.Vec{X: 1, Y: -2, Z: -3}, r3.Vec{X: 1, Y: -2, Z: 3}, r3.Vec{X: 0.2, Y: -0.1, Z: -0.4}},
		{"ned reversed", Options{ReverseAccelZ: true, EnableMag: true}, imu.FrameNED,
			r3.Vec{X: 1, Y: 2, Z: 3}, r3.Vec{X: 1, Y: 2, Z: -3}, r3.Vec{X: 0.2, Y: 0.1, Z: 0.4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewAssembler(tt.opts, syncedEstimator()).Assemble(s, t0)

			assert.Equal(t, tt.frame, r.Frame)
			assert.Equal(t, tt.gyro, r.AngularVelocity)
			assert.Equal(t, tt.accel, r.LinearAcceleration)
			require.NotNil(t, r.MagneticField)
			assert.Equal(t, tt.mag, *r.MagneticField)

			require.NotNil(t, r.Orientation)
			want := orientation.ConvertQuaternion(q, tt.opts.ToENU)
			if diff := cmp.Diff(want, *r.Orientation, cmpopts.EquateApprox(0, 1e-12)); diff != "" {
				t.Errorf("orientation mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestAssemble_OptionalFields(t *testing.T) {
	s := imu.RawSample{Pressure: 101.3, Temperature: 24.5, MagneticField: r3.Vec{X: 1}}

	r := NewAssembler(Options{}, syncedEstimator()).Assemble(s, t0)
	assert.Nil(t, r.MagneticField)
	assert.Nil(t, r.Pressure)
	assert.Nil(t, r.Temperature)

	r = NewAssembler(Options{EnableMag: true, EnablePres: true, EnableTemp: true}, syncedEstimator()).Assemble(s, t0)
	require.NotNil(t, r.MagneticField)
	require.NotNil(t, r.Pressure)
	require.NotNil(t, r.Temperature)
	assert.Equal(t, 101.3, *r.Pressure)
	assert.Equal(t, 24.5, *r.Temperature)
}

func TestAssemble_NoOrientationInText(t *testing.T) {
	r := NewAssembler(Options{ToENU: true}, syncedEstimator()).Assemble(imu.RawSample{Quaternion: quat.Number{Real: 1}}, t0)
	assert.Nil(t, r.Orientation)
}
