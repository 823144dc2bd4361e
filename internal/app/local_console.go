package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/relabs-tech/vn100_driver/internal/config"
	"github.com/relabs-tech/vn100_driver/internal/imu"
	"github.com/relabs-tech/vn100_driver/internal/orientation"
	"github.com/relabs-tech/vn100_driver/internal/rate"
	"github.com/relabs-tech/vn100_driver/internal/stream"
	"github.com/relabs-tech/vn100_driver/internal/timesync"
	"github.com/relabs-tech/vn100_driver/internal/timeutil"
)

// printRecord writes one line per record. Without orientation the pose is a
// tilt estimate from the acceleration.
func printRecord(w io.Writer, r imu.Record) {
	var p orientation.Pose
	if r.Orientation != nil {
		p = orientation.PoseFromQuaternion(*r.Orientation)
	} else {
		a := r.LinearAcceleration
		p = orientation.ComputePoseFromAccel(a.X, a.Y, a.Z)
	}
	fmt.Fprintf(w, "%s %s ROLL=%7.2f PITCH=%7.2f YAW=%7.2f",
		r.Stamp.Format("15:04:05.000000"), r.Frame, p.Roll, p.Pitch, p.Yaw)
	if r.Temperature != nil {
		fmt.Fprintf(w, " T=%.2f°C", *r.Temperature)
	}
	if r.Pressure != nil {
		fmt.Fprintf(w, " P=%.3fkPa", *r.Pressure)
	}
	fmt.Fprintln(w)
}

// throttle passes at most one record per interval to fn.
func throttle(every time.Duration, fn stream.Sink) stream.Sink {
	var last time.Time
	return func(r imu.Record) {
		if r.Stamp.Sub(last) < every {
			return
		}
		last = r.Stamp
		fn(r)
	}
}

// RunLocalConsole streams from the configured device (or the simulator) and
// prints records to stdout without a broker, ten lines per second.
func RunLocalConsole(ctx context.Context, cfg *config.Config) error {
	s := settings(cfg)
	logCorrections("IMU_RATE", s.Rate)
	syncCfg := rate.ConfigureSync(cfg.SyncRate, cfg.SyncPulseWidthUs)

	dev, devDone, err := openDevice(cfg)
	if err != nil {
		return err
	}
	defer dev.Close()

	if err := initDevice(dev, syncCfg, s.Encoding); err != nil {
		return err
	}

	asm := stream.NewAssembler(stream.Options{
		FrameID:       cfg.FrameID,
		ToENU:         cfg.ENUOutput,
		ReverseAccelZ: cfg.ReverseLinearAccelZ,
		EnablePres:    cfg.EnablePres,
		EnableTemp:    cfg.EnableTemp,
	}, timesync.NewEstimator(syncCfg))
	sink := throttle(100*time.Millisecond, func(r imu.Record) { printRecord(os.Stdout, r) })
	ctrl := stream.NewController(dev, asm, sink, timeutil.RealClock{})

	if err := startStreaming(ctx, ctrl, s); err != nil {
		return err
	}
	defer func() {
		if err := ctrl.Stop(); err != nil {
			log.Errorf("stopping stream: %v", err)
		}
	}()

	select {
	case <-ctx.Done():
	case <-devDone:
	}
	return nil
}
