// Package config loads the feed viewer configuration from defaults, an
// optional YAML file, an optional .env file and LMS_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/lightning-sagar/LMS/internal/framing"
	"github.com/lightning-sagar/LMS/internal/logger"
)

var log = logger.Module("config")

// Config is the complete viewer configuration.
type Config struct {
	Camera       FeedConfig      `yaml:"camera"`
	AI           FeedConfig      `yaml:"ai"` // detection feed, used by the relay backend
	Detection    DetectionConfig `yaml:"detection"`
	Control      ControlConfig   `yaml:"control"`
	MQTT         MQTTConfig      `yaml:"mqtt"`
	HTTP         HTTPConfig      `yaml:"http"`
	MaxFrameSize int             `yaml:"max_frame_size"` // bytes per frame payload
	LogLevel     string          `yaml:"log_level"`
}

// FeedConfig describes one duplex feed connection.
type FeedConfig struct {
	URL              string        `yaml:"url"`
	Transport        string        `yaml:"transport"` // websocket, webrtc
	ICEServers       []string      `yaml:"ice_servers"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	// MaxMessageSize caps one transport message, which may carry several
	// frames. 0 means no cap; max_frame_size still bounds each frame.
	MaxMessageSize   int           `yaml:"max_message_size"`
	Retry            RetryConfig   `yaml:"retry"`
}

// RetryConfig enables capped exponential reconnection.
type RetryConfig struct {
	Enabled      bool          `yaml:"enabled"`
	MaxRetries   int           `yaml:"max_retries"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// DetectionConfig selects and tunes the overlay backend.
type DetectionConfig struct {
	Backend     string        `yaml:"backend"`  // relay, http, grpc, none
	Endpoint    string        `yaml:"endpoint"` // http backend
	APIKey      string        `yaml:"api_key"`
	GRPCTarget  string        `yaml:"grpc_target"`
	Every       int           `yaml:"every"` // 0 = backend default
	MaxInFlight int           `yaml:"max_in_flight"`
	Timeout     time.Duration `yaml:"timeout"`
	ShowClass   bool          `yaml:"show_class"`
}

// ControlConfig describes the command endpoint.
type ControlConfig struct {
	URL      string        `yaml:"url"`
	Mode     string        `yaml:"mode"` // repeat, single
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// MQTTConfig enables publishing detection results. Empty Broker disables it.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"`
	QoS      byte   `yaml:"qos"`
}

// HTTPConfig is the local monitor server.
type HTTPConfig struct {
	Addr           string        `yaml:"addr"`
	JPEGQuality    int           `yaml:"jpeg_quality"`
	StatusInterval time.Duration `yaml:"status_interval"`
}

// Default returns a config matching the development camera simulator.
func Default() Config {
	return Config{
		Camera: FeedConfig{
			URL:              "ws://localhost:8000/share",
			Transport:        "websocket",
			HandshakeTimeout: 10 * time.Second,
			Retry: RetryConfig{
				MaxRetries:   5,
				InitialDelay: time.Second,
				MaxDelay:     30 * time.Second,
			},
		},
		AI: FeedConfig{
			URL:              "ws://localhost:8080/ws",
			Transport:        "websocket",
			HandshakeTimeout: 10 * time.Second,
			Retry: RetryConfig{
				MaxRetries:   5,
				InitialDelay: time.Second,
				MaxDelay:     30 * time.Second,
			},
		},
		Detection: DetectionConfig{
			Backend:     "relay",
			Endpoint:    "http://localhost:8000/detect",
			GRPCTarget:  "localhost:50051",
			MaxInFlight: 1,
			Timeout:     10 * time.Second,
		},
		Control: ControlConfig{
			URL:      "http://localhost:8000/",
			Mode:     "repeat",
			Interval: 500 * time.Millisecond,
			Timeout:  5 * time.Second,
		},
		MQTT: MQTTConfig{
			ClientID: "lms-feed-viewer",
			Topic:    "lms/detections",
			QoS:      0,
		},
		HTTP: HTTPConfig{
			Addr:           ":8090",
			JPEGQuality:    80,
			StatusInterval: 2 * time.Second,
		},
		MaxFrameSize: framing.DefaultMaxFrameSize,
		LogLevel:     "info",
	}
}

// Load builds a config from defaults, then the YAML file at path (if not
// empty), then the environment. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// LoadDotEnv loads KEY=VALUE files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				log.Debug("No %s file found, using system environment variables", f)
				continue
			}
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv overrides fields from LMS_* environment variables.
func (c *Config) ApplyEnv() {
	c.Camera.URL = getEnv("LMS_CAMERA_URL", c.Camera.URL)
	c.Camera.Transport = getEnv("LMS_CAMERA_TRANSPORT", c.Camera.Transport)
	c.Camera.Retry.Enabled = getEnvBool("LMS_CAMERA_RETRY", c.Camera.Retry.Enabled)
	c.AI.URL = getEnv("LMS_AI_URL", c.AI.URL)
	c.AI.Retry.Enabled = getEnvBool("LMS_AI_RETRY", c.AI.Retry.Enabled)

	c.Detection.Backend = getEnv("LMS_DETECTION_BACKEND", c.Detection.Backend)
	c.Detection.Endpoint = getEnv("LMS_INFERENCE_URL", c.Detection.Endpoint)
	c.Detection.APIKey = getEnv("LMS_INFERENCE_API_KEY", c.Detection.APIKey)
	c.Detection.GRPCTarget = getEnv("LMS_GRPC_TARGET", c.Detection.GRPCTarget)
	c.Detection.Every = getEnvInt("LMS_SAMPLE_EVERY", c.Detection.Every)

	c.Control.URL = getEnv("LMS_CONTROL_URL", c.Control.URL)
	c.Control.Mode = getEnv("LMS_CONTROL_MODE", c.Control.Mode)

	c.MQTT.Broker = getEnv("LMS_MQTT_BROKER", c.MQTT.Broker)
	c.MQTT.Topic = getEnv("LMS_MQTT_TOPIC", c.MQTT.Topic)

	c.HTTP.Addr = getEnv("LMS_HTTP_ADDR", c.HTTP.Addr)
	c.MaxFrameSize = getEnvInt("LMS_MAX_FRAME_SIZE", c.MaxFrameSize)
	c.LogLevel = getEnv("LMS_LOG_LEVEL", c.LogLevel)
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if err := validateFeed("camera", c.Camera); err != nil {
		return err
	}

	switch c.Detection.Backend {
	case "none":
	case "relay":
		if err := validateFeed("ai", c.AI); err != nil {
			return err
		}
	case "http":
		if err := validateURL("detection.endpoint", c.Detection.Endpoint, "http", "https"); err != nil {
			return err
		}
	case "grpc":
		if c.Detection.GRPCTarget == "" {
			return fmt.Errorf("detection.grpc_target is required for the grpc backend")
		}
	default:
		return fmt.Errorf("unknown detection backend %q (want relay, http, grpc or none)", c.Detection.Backend)
	}
	if c.Detection.Every < 0 {
		return fmt.Errorf("detection.every must not be negative")
	}

	if c.Control.URL != "" {
		if err := validateURL("control.url", c.Control.URL, "http", "https"); err != nil {
			return err
		}
	}
	if c.Control.Interval <= 0 {
		return fmt.Errorf("control.interval must be positive")
	}
	if m := strings.ToLower(c.Control.Mode); m != "" && m != "repeat" && m != "hold" && m != "single" && m != "tap" {
		return fmt.Errorf("unknown control mode %q", c.Control.Mode)
	}

	if c.MaxFrameSize <= 0 {
		return fmt.Errorf("max_frame_size must be positive")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}
	if c.HTTP.JPEGQuality < 1 || c.HTTP.JPEGQuality > 100 {
		return fmt.Errorf("http.jpeg_quality must be between 1 and 100")
	}
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

func validateFeed(name string, f FeedConfig) error {
	if f.URL == "" {
		return fmt.Errorf("%s.url is required", name)
	}
	if f.MaxMessageSize < 0 {
		return fmt.Errorf("%s.max_message_size must not be negative", name)
	}
	switch f.Transport {
	case "", "websocket":
		return validateURL(name+".url", f.URL, "ws", "wss")
	case "webrtc":
		return validateURL(name+".url", f.URL, "http", "https")
	default:
		return fmt.Errorf("unknown %s transport %q (want websocket or webrtc)", name, f.Transport)
	}
}

func validateURL(field, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			if u.Host == "" {
				return fmt.Errorf("%s: missing host in %q", field, raw)
			}
			return nil
		}
	}
	return fmt.Errorf("%s: scheme %q not one of %v", field, u.Scheme, schemes)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
		log.Warn("ignoring %s=%q: not an integer", key, value)
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
		log.Warn("ignoring %s=%q: not a boolean", key, value)
	}
	return defaultValue
}
