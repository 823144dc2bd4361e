package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultConfigPath is the settings file read when none is given.
	DefaultConfigPath = "./vn100_config.txt"
	// EnvPrefix prefixes environment overrides, e.g. VN100_IMU_RATE=400.
	EnvPrefix = "VN100"
)

// Config holds all application configuration values. The settings file
// uses KEY=VALUE lines; keys match the mapstructure tags in upper case.
type Config struct {
	// Device
	SerialPort string `mapstructure:"serial_port" yaml:"serial_port"`
	BaudRate   int    `mapstructure:"baud_rate" yaml:"baud_rate"`
	FrameID    string `mapstructure:"frame_id" yaml:"frame_id"`
	Simulate   bool   `mapstructure:"simulate" yaml:"simulate"`

	// Stream
	IMURate             int  `mapstructure:"imu_rate" yaml:"imu_rate"` // Hz, corrected to a divisor of 800
	BinaryOutput        bool `mapstructure:"binary_output" yaml:"binary_output"`
	BinaryAsyncMode     int  `mapstructure:"binary_async_mode" yaml:"binary_async_mode"` // 1=serial 1, 2=serial 2, 3=both
	EnableMag           bool `mapstructure:"enable_mag" yaml:"enable_mag"`
	EnablePres          bool `mapstructure:"enable_pres" yaml:"enable_pres"`
	EnableTemp          bool `mapstructure:"enable_temp" yaml:"enable_temp"`
	ENUOutput           bool `mapstructure:"enu_output" yaml:"enu_output"`
	ReverseLinearAccelZ bool `mapstructure:"reverse_linear_accel_z" yaml:"reverse_linear_accel_z"`

	// Synchronization (SYNC_RATE=0 disables)
	SyncRate         int    `mapstructure:"sync_rate" yaml:"sync_rate"`
	SyncPulseWidthUs int    `mapstructure:"sync_pulse_width_us" yaml:"sync_pulse_width_us"`
	SyncGPIOPin      string `mapstructure:"sync_gpio_pin" yaml:"sync_gpio_pin"`

	// MQTT
	MQTTBroker   string `mapstructure:"mqtt_broker" yaml:"mqtt_broker"`
	MQTTClientID string `mapstructure:"mqtt_client_id" yaml:"mqtt_client_id"`

	// Topics
	TopicIMU         string `mapstructure:"topic_imu" yaml:"topic_imu"`
	TopicMag         string `mapstructure:"topic_mag" yaml:"topic_mag"`
	TopicPressure    string `mapstructure:"topic_pressure" yaml:"topic_pressure"`
	TopicTemperature string `mapstructure:"topic_temperature" yaml:"topic_temperature"`
	TopicSync        string `mapstructure:"topic_sync" yaml:"topic_sync"`

	// Web Server
	WebServerPort int `mapstructure:"web_server_port" yaml:"web_server_port"`

	Debug bool `mapstructure:"debug" yaml:"debug"`
}

var defaults = map[string]any{
	"serial_port": "/dev/ttyUSB0",
	"baud_rate":   115200,
	"frame_id":    "imu",
	"simulate":    false,

	"imu_rate":               200,
	"binary_output":          true,
	"binary_async_mode":      1,
	"enable_mag":             true,
	"enable_pres":            true,
	"enable_temp":            true,
	"enu_output":             false,
	"reverse_linear_accel_z": false,

	"sync_rate":           20,
	"sync_pulse_width_us": 1000,
	"sync_gpio_pin":       "",

	"mqtt_broker":    "tcp://localhost:1883",
	"mqtt_client_id": "vn100-producer",

	"topic_imu":         "vn100/imu",
	"topic_mag":         "vn100/mag",
	"topic_pressure":    "vn100/pressure",
	"topic_temperature": "vn100/temperature",
	"topic_sync":        "vn100/sync",

	"web_server_port": 8080,
	"debug":           false,
}

var validBaudRates = map[int]bool{
	9600: true, 19200: true, 38400: true, 57600: true, 115200: true,
	128000: true, 230400: true, 460800: true, 921600: true,
}

var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.RWMutex
)

// New returns a viper instance with defaults and environment overrides.
// Callers may bind command-line flags to it before calling LoadViper.
func New() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	return v
}

// Load reads the configuration file and returns a Config struct.
func Load(configPath string) (*Config, error) {
	return LoadViper(New(), configPath)
}

// LoadViper reads configPath into v and decodes the result. A missing file
// is not an error; defaults, environment and flags still apply.
func LoadViper(v *viper.Viper, configPath string) (*Config, error) {
	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("dotenv")
		if err := v.ReadInConfig(); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			log.Warnf("config file %s not found, using defaults", configPath)
		} else {
			log.Debugf("using config file: %s", v.ConfigFileUsed())
		}
	}

	var unknown []string
	for _, k := range v.AllKeys() {
		if _, ok := defaults[k]; !ok {
			unknown = append(unknown, strings.ToUpper(k))
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("unknown config key(s): %s", strings.Join(unknown, ", "))
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate checks that all required fields are set and in range.
func (c *Config) validate() error {
	if c.SerialPort == "" && !c.Simulate {
		return fmt.Errorf("SERIAL_PORT is required")
	}
	if !validBaudRates[c.BaudRate] {
		return fmt.Errorf("invalid BAUD_RATE %d", c.BaudRate)
	}
	if c.BinaryAsyncMode < 1 || c.BinaryAsyncMode > 3 {
		return fmt.Errorf("invalid BINARY_ASYNC_MODE %d (1=serial 1, 2=serial 2, 3=both)", c.BinaryAsyncMode)
	}
	if c.MQTTBroker == "" {
		return fmt.Errorf("MQTT_BROKER is required")
	}
	if c.TopicIMU == "" {
		return fmt.Errorf("TOPIC_IMU is required")
	}
	if c.WebServerPort < 0 || c.WebServerPort > 65535 {
		return fmt.Errorf("invalid WEB_SERVER_PORT %d", c.WebServerPort)
	}
	if c.FrameID == "" {
		c.FrameID = "imu"
	}
	return nil
}

// YAML renders the effective configuration.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// Dotenv renders the configuration in settings-file form, one KEY=VALUE
// line per key in declaration order.
func (c *Config) Dotenv() ([]byte, error) {
	var node yaml.Node
	if err := node.Encode(c); err != nil {
		return nil, err
	}
	var b bytes.Buffer
	for i := 0; i+1 < len(node.Content); i += 2 {
		fmt.Fprintf(&b, "%s=%s\n", strings.ToUpper(node.Content[i].Value), node.Content[i+1].Value)
	}
	return b.Bytes(), nil
}

// InitGlobal initializes the global configuration from file. Only the first
// call has an effect. A nil v uses New().
func InitGlobal(v *viper.Viper, configPath string) error {
	var err error
	configOnce.Do(func() {
		if v == nil {
			v = New()
		}
		configMu.Lock()
		defer configMu.Unlock()
		globalConfig, err = LoadViper(v, configPath)
	})
	return err
}

// Get returns the global configuration instance.
// InitGlobal must be called first, or this will return nil.
func Get() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}
