package app

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/relabs-tech/vn100_driver/internal/env"
	"github.com/relabs-tech/vn100_driver/internal/imu"
	"github.com/relabs-tech/vn100_driver/internal/timesync"
)

// DefaultQueueDepth is how many records may wait for the broker before the
// sink starts dropping.
const DefaultQueueDepth = 256

type Vector3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type Quaternion struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
}

// Header is shared by every message derived from one record.
type Header struct {
	Stamp   time.Time `json:"stamp"`
	FrameID string    `json:"frame_id"`
}

// IMUMessage is published on TOPIC_IMU. Orientation is omitted when the
// active encoding carries no attitude.
type IMUMessage struct {
	Header
	Frame              imu.Frame   `json:"frame"`
	Orientation        *Quaternion `json:"orientation,omitempty"`
	AngularVelocity    Vector3     `json:"angular_velocity"`    // rad/s
	LinearAcceleration Vector3     `json:"linear_acceleration"` // m/s²
}

// MagMessage is published on TOPIC_MAG.
type MagMessage struct {
	Header
	Frame         imu.Frame `json:"frame"`
	MagneticField Vector3   `json:"magnetic_field"` // gauss
}

// SyncMessage is published on TOPIC_SYNC for every accepted sync pulse.
type SyncMessage struct {
	Count   uint32    `json:"count"`
	Base    time.Time `json:"base"`
	Rate    int       `json:"rate"`
	Updates uint64    `json:"updates"`
}

// Topics names the MQTT topic of each message type. An empty topic
// suppresses that message.
type Topics struct {
	IMU         string
	Mag         string
	Pressure    string
	Temperature string
	Sync        string
}

// Publisher sends one JSON message.
type Publisher interface {
	Publish(topic string, payload any) error
}

type mqttPublisher struct {
	client mqtt.Client
	qos    byte
}

// NewMQTTPublisher publishes through a connected paho client.
func NewMQTTPublisher(client mqtt.Client) Publisher {
	return &mqttPublisher{client: client}
}

func (p *mqttPublisher) Publish(topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", topic, err)
	}
	token := p.client.Publish(topic, p.qos, false, data)
	token.Wait()
	return token.Error()
}

type outbound struct {
	topic   string
	payload any
}

func vec(v r3.Vec) Vector3 {
	return Vector3{X: v.X, Y: v.Y, Z: v.Z}
}

// messages splits a record into its per-topic payloads.
func (t Topics) messages(r imu.Record) []outbound {
	hdr := Header{Stamp: r.Stamp, FrameID: r.FrameID}
	var out []outbound

	if t.IMU != "" {
		m := IMUMessage{
			Header:             hdr,
			Frame:              r.Frame,
			AngularVelocity:    vec(r.AngularVelocity),
			LinearAcceleration: vec(r.LinearAcceleration),
		}
		if q := r.Orientation; q != nil {
			m.Orientation = &Quaternion{X: q.Imag, Y: q.Jmag, Z: q.Kmag, W: q.Real}
		}
		out = append(out, outbound{t.IMU, m})
	}
	if t.Mag != "" && r.MagneticField != nil {
		out = append(out, outbound{t.Mag, MagMessage{
			Header:        hdr,
			Frame:         r.Frame,
			MagneticField: vec(*r.MagneticField),
		}})
	}
	if t.Pressure != "" && r.Pressure != nil {
		pa := env.FromKilopascal(*r.Pressure)
		out = append(out, outbound{t.Pressure, env.Sample{FrameID: r.FrameID, Stamp: r.Stamp, Pressure: &pa}})
	}
	if t.Temperature != "" && r.Temperature != nil {
		c := *r.Temperature
		out = append(out, outbound{t.Temperature, env.Sample{FrameID: r.FrameID, Stamp: r.Stamp, Temperature: &c}})
	}
	return out
}

// RecordPublisher decouples the device callback from the broker. Sink never
// blocks; Run publishes queued records until its context ends.
type RecordPublisher struct {
	pub    Publisher
	topics Topics
	queue  chan imu.Record

	published atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

// NewRecordPublisher creates a publisher with room for depth queued records.
func NewRecordPublisher(pub Publisher, topics Topics, depth int) *RecordPublisher {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	return &RecordPublisher{
		pub:    pub,
		topics: topics,
		queue:  make(chan imu.Record, depth),
	}
}

// Sink queues r, dropping it when the queue is full.
func (p *RecordPublisher) Sink(r imu.Record) {
	select {
	case p.queue <- r:
	default:
		if p.dropped.Add(1)%100 == 1 {
			log.Warnf("publish queue full, %d records dropped so far", p.dropped.Load())
		}
	}
}

// Run publishes queued records until ctx is done.
func (p *RecordPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r := <-p.queue:
			p.publish(r)
		}
	}
}

func (p *RecordPublisher) publish(r imu.Record) {
	for _, m := range p.topics.messages(r) {
		if err := p.pub.Publish(m.topic, m.payload); err != nil {
			p.failed.Add(1)
			log.Warnf("publish %s: %v", m.topic, err)
		}
	}
	p.published.Add(1)
}

// PublishSync sends the estimator state on the sync topic.
func (p *RecordPublisher) PublishSync(st timesync.State) error {
	if p.topics.Sync == "" {
		return nil
	}
	return p.pub.Publish(p.topics.Sync, SyncMessage{
		Count:   st.Count,
		Base:    st.Base,
		Rate:    st.Rate,
		Updates: st.Updates,
	})
}

// Published returns how many records were sent.
func (p *RecordPublisher) Published() uint64 { return p.published.Load() }

// Dropped returns how many records were discarded because the queue was full.
func (p *RecordPublisher) Dropped() uint64 { return p.dropped.Load() }

// Failed returns how many individual publishes the broker rejected.
func (p *RecordPublisher) Failed() uint64 { return p.failed.Load() }
