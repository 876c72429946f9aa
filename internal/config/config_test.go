package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Control.Interval != 500*time.Millisecond {
		t.Fatalf("control interval = %v", cfg.Control.Interval)
	}
}

func TestLoadYAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "viewer.yaml")
	yaml := `
camera:
  url: ws://barn-cam:9000/share
  retry:
    enabled: true
    initial_delay: 250ms
detection:
  backend: http
  endpoint: https://detect.example.com/herd/3
  every: 10
control:
  mode: single
  interval: 1s
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("LMS_INFERENCE_API_KEY", "k-123")
	t.Setenv("LMS_HTTP_ADDR", ":9999")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Camera.URL != "ws://barn-cam:9000/share" || !cfg.Camera.Retry.Enabled {
		t.Fatalf("camera config not loaded: %+v", cfg.Camera)
	}
	if cfg.Camera.Retry.InitialDelay != 250*time.Millisecond {
		t.Fatalf("duration not parsed: %v", cfg.Camera.Retry.InitialDelay)
	}
	if cfg.Camera.Retry.MaxDelay != 30*time.Second {
		t.Fatalf("unset field lost its default: %v", cfg.Camera.Retry.MaxDelay)
	}
	if cfg.Detection.Backend != "http" || cfg.Detection.Every != 10 || cfg.Detection.APIKey != "k-123" {
		t.Fatalf("detection config: %+v", cfg.Detection)
	}
	if cfg.HTTP.Addr != ":9999" {
		t.Fatalf("env override not applied: %q", cfg.HTTP.Addr)
	}
	if cfg.Control.Mode != "single" || cfg.Control.Interval != time.Second {
		t.Fatalf("control config: %+v", cfg.Control)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"empty camera url":  func(c *Config) { c.Camera.URL = "" },
		"http camera url":   func(c *Config) { c.Camera.URL = "http://cam/share" },
		"unknown transport": func(c *Config) { c.Camera.Transport = "carrier-pigeon" },
		"unknown backend":   func(c *Config) { c.Detection.Backend = "magic" },
		"zero interval":     func(c *Config) { c.Control.Interval = 0 },
		"zero frame size":   func(c *Config) { c.MaxFrameSize = 0 },
		"bad qos":           func(c *Config) { c.MQTT.QoS = 3 },
		"bad log level":     func(c *Config) { c.LogLevel = "chatty" },
		"negative message":  func(c *Config) { c.Camera.MaxMessageSize = -1 },
		"grpc without target": func(c *Config) {
			c.Detection.Backend = "grpc"
			c.Detection.GRPCTarget = ""
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestWebRTCTransportNeedsHTTPURL(t *testing.T) {
	cfg := Default()
	cfg.Camera.Transport = "webrtc"
	cfg.Camera.URL = "http://localhost:8000/offer"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("webrtc signalling url rejected: %v", err)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("LMS_CONTROL_URL=http://rover.local:5000/\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("LMS_CONTROL_URL", "")
	os.Unsetenv("LMS_CONTROL_URL")

	if err := LoadDotEnv(path, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	cfg := Default()
	cfg.ApplyEnv()
	if !strings.HasPrefix(cfg.Control.URL, "http://rover.local:5000") {
		t.Fatalf("dotenv value not applied: %q", cfg.Control.URL)
	}
}
