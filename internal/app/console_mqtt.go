package app

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/num/quat"

	"github.com/relabs-tech/vn100_driver/internal/config"
	"github.com/relabs-tech/vn100_driver/internal/env"
	"github.com/relabs-tech/vn100_driver/internal/orientation"
)

// poseOf returns the attitude carried by m, or a tilt estimate from the
// acceleration when the record has no orientation.
func poseOf(m IMUMessage) orientation.Pose {
	if q := m.Orientation; q != nil {
		return orientation.PoseFromQuaternion(quat.Number{Real: q.W, Imag: q.X, Jmag: q.Y, Kmag: q.Z})
	}
	a := m.LinearAcceleration
	return orientation.ComputePoseFromAccel(a.X, a.Y, a.Z)
}

// consoleHandlers maps each configured topic to a printer writing to w.
func consoleHandlers(cfg *config.Config, w io.Writer) map[string]func([]byte) error {
	h := map[string]func([]byte) error{}

	h[cfg.TopicIMU] = func(b []byte) error {
		var m IMUMessage
		if err := json.Unmarshal(b, &m); err != nil {
			return err
		}
		p := poseOf(m)
		fmt.Fprintf(w,
			"[IMU]  %s  ROLL=%7.2f PITCH=%7.2f YAW=%7.2f  gx=%7.3f gy=%7.3f gz=%7.3f  ax=%7.3f ay=%7.3f az=%7.3f\n",
			m.Frame, p.Roll, p.Pitch, p.Yaw,
			m.AngularVelocity.X, m.AngularVelocity.Y, m.AngularVelocity.Z,
			m.LinearAcceleration.X, m.LinearAcceleration.Y, m.LinearAcceleration.Z,
		)
		return nil
	}
	if cfg.TopicMag != "" {
		h[cfg.TopicMag] = func(b []byte) error {
			var m MagMessage
			if err := json.Unmarshal(b, &m); err != nil {
				return err
			}
			f := m.MagneticField
			fmt.Fprintf(w, "[MAG]  mx=%7.4f my=%7.4f mz=%7.4f gauss\n", f.X, f.Y, f.Z)
			return nil
		}
	}
	if cfg.TopicPressure != "" {
		h[cfg.TopicPressure] = func(b []byte) error {
			var s env.Sample
			if err := json.Unmarshal(b, &s); err != nil {
				return err
			}
			if s.Pressure != nil {
				fmt.Fprintf(w, "[PRES] %.1f Pa\n", *s.Pressure)
			}
			return nil
		}
	}
	if cfg.TopicTemperature != "" {
		h[cfg.TopicTemperature] = func(b []byte) error {
			var s env.Sample
			if err := json.Unmarshal(b, &s); err != nil {
				return err
			}
			if s.Temperature != nil {
				fmt.Fprintf(w, "[TEMP] %.2f °C\n", *s.Temperature)
			}
			return nil
		}
	}
	if cfg.TopicSync != "" {
		h[cfg.TopicSync] = func(b []byte) error {
			var m SyncMessage
			if err := json.Unmarshal(b, &m); err != nil {
				return err
			}
			fmt.Fprintf(w, "[SYNC] pulse %d at %s (%d Hz)\n", m.Count, m.Base.Format("15:04:05.000000"), m.Rate)
			return nil
		}
	}
	return h
}

// RunConsoleMQTT prints every message the producer publishes until
// interrupted.
func RunConsoleMQTT(cfg *config.Config) error {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTTBroker).
		SetClientID("vn100-console-" + uuid.NewString()[:8])

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	defer client.Disconnect(250)
	log.Infof("console: connected to MQTT broker at %s", cfg.MQTTBroker)

	for topic, handle := range consoleHandlers(cfg, os.Stdout) {
		handle := handle
		token := client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
			if err := handle(msg.Payload()); err != nil {
				log.Warnf("console: %s unmarshal error: %v", msg.Topic(), err)
			}
		})
		token.Wait()
		if token.Error() != nil {
			return token.Error()
		}
		log.Infof("console: subscribed to %s", topic)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("console: shutting down")
	return nil
}
