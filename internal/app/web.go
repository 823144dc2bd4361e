package app

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/relabs-tech/vn100_driver/internal/config"
	"github.com/relabs-tech/vn100_driver/internal/orientation"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// LiveFrame is what /api/imu returns and /ws pushes for every IMU message.
type LiveFrame struct {
	IMU  IMUMessage       `json:"imu"`
	Pose orientation.Pose `json:"pose"`
}

// liveState keeps the latest messages for the web view and fans IMU frames
// out to websocket clients.
type liveState struct {
	mu   sync.RWMutex
	last *LiveFrame
	sync *SyncMessage
	subs map[chan LiveFrame]struct{}
}

func newLiveState() *liveState {
	return &liveState{subs: map[chan LiveFrame]struct{}{}}
}

func (s *liveState) updateIMU(b []byte) error {
	var m IMUMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	f := LiveFrame{IMU: m, Pose: poseOf(m)}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = &f
	for ch := range s.subs {
		select {
		case ch <- f:
		default: // slow client, skip this frame
		}
	}
	return nil
}

func (s *liveState) updateSync(b []byte) error {
	var m SyncMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	s.mu.Lock()
	s.sync = &m
	s.mu.Unlock()
	return nil
}

func (s *liveState) subscribe() chan LiveFrame {
	ch := make(chan LiveFrame, 16)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	return ch
}

func (s *liveState) unsubscribe(ch chan LiveFrame) {
	s.mu.Lock()
	delete(s.subs, ch)
	s.mu.Unlock()
}

func (s *liveState) handleWS(c *gin.Context) {
	ch := s.subscribe()
	defer s.unsubscribe(ch)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warnf("web: websocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	// The client sends nothing; reading detects when it goes away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Debugf("web: websocket error: %v", err)
				}
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case f := <-ch:
			if err := conn.WriteJSON(f); err != nil {
				return
			}
		}
	}
}

func newRouter(s *liveState) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/api/imu", func(c *gin.Context) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		if s.last == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no data yet"})
			return
		}
		c.JSON(http.StatusOK, s.last)
	})
	router.GET("/api/sync", func(c *gin.Context) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		if s.sync == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no sync pulses yet"})
			return
		}
		c.JSON(http.StatusOK, s.sync)
	})
	router.GET("/ws", s.handleWS)

	// Static files from ./web as the root
	router.NoRoute(gin.WrapH(http.FileServer(http.Dir("web"))))
	return router
}

// RunWeb serves the latest IMU record over HTTP and a websocket, fed by the
// producer's MQTT topics.
func RunWeb(cfg *config.Config) error {
	state := newLiveState()

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTTBroker).
		SetClientID("vn100-web-" + uuid.NewString()[:8])

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	defer client.Disconnect(250)
	log.Infof("web: connected to MQTT broker at %s", cfg.MQTTBroker)

	subs := map[string]func([]byte) error{cfg.TopicIMU: state.updateIMU}
	if cfg.TopicSync != "" {
		subs[cfg.TopicSync] = state.updateSync
	}
	for topic, update := range subs {
		update := update
		token := client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
			if err := update(msg.Payload()); err != nil {
				log.Warnf("web: %s payload unmarshal error: %v", msg.Topic(), err)
			}
		})
		token.Wait()
		if token.Error() != nil {
			return token.Error()
		}
		log.Infof("web: subscribed to MQTT topic %s", topic)
	}

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	addr := fmt.Sprintf(":%d", cfg.WebServerPort)
	log.Infof("web server listening on %s", addr)
	return newRouter(state).Run(addr)
}
