package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/relabs-tech/vn100_driver/internal/config"
	"github.com/relabs-tech/vn100_driver/internal/device"
	"github.com/relabs-tech/vn100_driver/internal/rate"
	"github.com/relabs-tech/vn100_driver/internal/sensors"
	"github.com/relabs-tech/vn100_driver/internal/stream"
	"github.com/relabs-tech/vn100_driver/internal/timesync"
	"github.com/relabs-tech/vn100_driver/internal/timeutil"
)

const (
	startAttempts = 3
	startBackoff  = 200 * time.Millisecond
	statsInterval = 10 * time.Second
)

// vn100 is the control surface the producer needs beyond streaming. Both the
// serial driver and the simulator provide it.
type vn100 interface {
	device.Device
	SetSyncControl(c sensors.SyncControl) error
	SetSerialCount(count int) error
	Tare() error
	Info() (sensors.DeviceInfo, error)
	Close() error
}

// openDevice returns the configured device and a channel closed when it
// stops delivering data. The simulator never stops on its own.
func openDevice(cfg *config.Config) (vn100, <-chan struct{}, error) {
	if cfg.Simulate {
		log.Info("using simulated VN-100")
		return sensors.NewSimulator(), nil, nil
	}
	v, err := sensors.OpenVN100(sensors.Options{
		PortName:     cfg.SerialPort,
		BaudRate:     cfg.BaudRate,
		ResetOnClose: true,
	})
	if err != nil {
		return nil, nil, err
	}
	log.Infof("connected to %s at %d baud", cfg.SerialPort, cfg.BaudRate)
	return v, v.Done(), nil
}

// settings derives the stream settings from the configuration.
func settings(cfg *config.Config) stream.Settings {
	s := stream.Settings{
		Encoding:  stream.EncodingText,
		Rate:      rate.Configure(cfg.IMURate, rate.DefaultPulseWidthUs),
		AsyncMode: device.AsyncMode(cfg.BinaryAsyncMode),
	}
	if cfg.BinaryOutput {
		s.Encoding = stream.EncodingBinary
	}
	return s
}

func logCorrections(what string, c rate.Config) {
	for _, msg := range c.Corrections {
		log.Warnf("%s: %s", what, msg)
	}
}

// initDevice applies the one-time setup done on connect: sync output, serial
// count for text mode, tare.
func initDevice(dev vn100, sync rate.Config, enc stream.Encoding) error {
	if err := device.Ensure("pause outputs", dev.PauseOutputs()); err != nil {
		return err
	}
	if info, err := dev.Info(); err != nil {
		log.Warnf("reading device info: %v", err)
	} else {
		log.Infof("device: %s", info)
	}

	if sync.Enabled() {
		log.Infof("sync out: %d Hz, skip count %d, pulse width %d us", sync.Effective, sync.SkipCount, sync.PulseWidthUs)
		err := dev.SetSyncControl(sensors.SyncControl{
			InMode:       sensors.SyncInModeCount,
			InEdge:       sensors.SyncInEdgeRising,
			OutMode:      sensors.SyncOutModeIMUStart,
			OutPolarity:  sensors.SyncOutPolarityPositive,
			OutSkipCount: sync.SkipCount,
			OutPulseNs:   sync.PulseWidthUs * 1000,
		})
		if err := device.Ensure("set sync control", err); err != nil {
			return err
		}
		if enc == stream.EncodingText {
			if err := device.Ensure("set serial count", dev.SetSerialCount(sensors.SerialCountSyncOut)); err != nil {
				return err
			}
		}
	}

	if err := device.Ensure("tare", dev.Tare()); err != nil {
		return err
	}
	return device.Ensure("resume outputs", dev.ResumeOutputs())
}

// startStreaming retries recoverable start failures a few times.
func startStreaming(ctx context.Context, ctrl *stream.Controller, s stream.Settings) error {
	var err error
	for attempt := 1; attempt <= startAttempts; attempt++ {
		if err = ctrl.Start(s); err == nil {
			return nil
		}
		if device.IsFatal(err) {
			return err
		}
		log.Warnf("start attempt %d/%d failed: %v", attempt, startAttempts, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(startBackoff):
		}
	}
	return err
}

func connectMQTT(cfg *config.Config) (mqtt.Client, error) {
	clientID := fmt.Sprintf("%s-%s", cfg.MQTTClientID, uuid.NewString()[:8])
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTTBroker).
		SetClientID(clientID).
		SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("MQTT connect: %w", token.Error())
	}
	log.Infof("connected to MQTT broker at %s as %s", cfg.MQTTBroker, clientID)
	return client, nil
}

func topics(cfg *config.Config) Topics {
	return Topics{
		IMU:         cfg.TopicIMU,
		Mag:         cfg.TopicMag,
		Pressure:    cfg.TopicPressure,
		Temperature: cfg.TopicTemperature,
		Sync:        cfg.TopicSync,
	}
}

// observeSync publishes every accepted sync pulse until ctx is done or the
// estimator is closed.
func observeSync(ctx context.Context, est *timesync.Estimator, pub *RecordPublisher) {
	for {
		st, ok := est.Wait()
		if !ok || ctx.Err() != nil {
			return
		}
		log.Debugf("sync pulse %d at %s", st.Count, st.Base.Format(time.RFC3339Nano))
		if err := pub.PublishSync(st); err != nil {
			log.Warnf("publish sync: %v", err)
		}
	}
}

// monitorSyncPin watches the sync-out line on a GPIO and logs how far the
// estimated pulse time is from the observed edge.
func monitorSyncPin(ctx context.Context, name string, est *timesync.Estimator) {
	pin, err := sensors.OpenSyncPin(name)
	if err != nil {
		log.Warnf("sync pin monitor disabled: %v", err)
		return
	}
	log.Infof("monitoring sync pulses on %s", name)
	err = pin.Run(ctx, func(p sensors.Pulse) {
		st := est.Snapshot()
		if st.Updates == 0 {
			return
		}
		log.WithFields(log.Fields{
			"edge":   p.Count,
			"device": st.Count,
			"skew":   p.At.Sub(st.Base),
		}).Debug("sync edge")
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Warnf("sync pin monitor: %v", err)
	}
}

type statser interface {
	Stats() sensors.Stats
}

func logStats(ctrl *stream.Controller, pub *RecordPublisher, dev vn100) {
	fields := log.Fields{
		"records":   ctrl.Records(),
		"published": pub.Published(),
		"dropped":   pub.Dropped(),
		"failed":    pub.Failed(),
	}
	if s, ok := dev.(statser); ok {
		st := s.Stats()
		fields["samples"] = st.Samples
		fields["bad_frames"] = st.Dropped
	}
	log.WithFields(fields).Info("stats")
}

// RunIMUProducer streams VN-100 records to MQTT until ctx is done or the
// device goes away.
func RunIMUProducer(ctx context.Context, cfg *config.Config) error {
	log.Info("starting VN-100 producer")

	s := settings(cfg)
	logCorrections("IMU_RATE", s.Rate)
	syncCfg := rate.ConfigureSync(cfg.SyncRate, cfg.SyncPulseWidthUs)
	logCorrections("SYNC_RATE", syncCfg)

	dev, devDone, err := openDevice(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := dev.Close(); err != nil {
			log.Warnf("closing device: %v", err)
		}
	}()

	if err := initDevice(dev, syncCfg, s.Encoding); err != nil {
		return fmt.Errorf("initializing device: %w", err)
	}

	client, err := connectMQTT(cfg)
	if err != nil {
		return err
	}
	defer client.Disconnect(250)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pub := NewRecordPublisher(NewMQTTPublisher(client), topics(cfg), DefaultQueueDepth)
	go func() { _ = pub.Run(ctx) }()

	est := timesync.NewEstimator(syncCfg)
	defer est.Close()
	asm := stream.NewAssembler(stream.Options{
		FrameID:       cfg.FrameID,
		ToENU:         cfg.ENUOutput,
		ReverseAccelZ: cfg.ReverseLinearAccelZ,
		EnableMag:     cfg.EnableMag,
		EnablePres:    cfg.EnablePres,
		EnableTemp:    cfg.EnableTemp,
	}, est)
	ctrl := stream.NewController(dev, asm, pub.Sink, timeutil.RealClock{})

	if est.Enabled() {
		go observeSync(ctx, est, pub)
		if cfg.SyncGPIOPin != "" {
			go monitorSyncPin(ctx, cfg.SyncGPIOPin, est)
		}
	}

	if err := startStreaming(ctx, ctrl, s); err != nil {
		return err
	}
	defer func() {
		if err := ctrl.Stop(); err != nil {
			log.Errorf("stopping stream: %v", err)
		}
		logStats(ctrl, pub, dev)
	}()

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			return nil
		case <-devDone:
			if v, ok := dev.(*sensors.VN100); ok && v.Err() != nil {
				return fmt.Errorf("device stopped: %w", v.Err())
			}
			return errors.New("device stopped")
		case <-ticker.C:
			logStats(ctrl, pub, dev)
		}
	}
}
