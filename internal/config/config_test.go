package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSetDefaults(t *testing.T) {
	c := &Config{}
	c.SetDefaults()
	if c.Capture.Capacity != 100 {
		t.Fatalf("expected capacity 100, got %d", c.Capture.Capacity)
	}
	if c.Server.Port != 3100 {
		t.Fatalf("expected port 3100")
	}
	if c.Server.Host != "127.0.0.1" {
		t.Fatalf("expected default host")
	}
	if c.Relay.GracePeriod != 2*time.Second {
		t.Fatalf("expected 2s grace period, got %s", c.Relay.GracePeriod)
	}
	if c.Relay.HubURL != "http://127.0.0.1:3100" {
		t.Fatalf("unexpected hub url %s", c.Relay.HubURL)
	}
	if c.Log.Level != "info" {
		t.Fatalf("expected info level")
	}
}

func TestLoadFromYAML(t *testing.T) {
	tmp := t.TempDir()
	cfgPath := filepath.Join(tmp, "config.yaml")
	data := "server:\n  port: 8080\ncapture:\n  capacity: 25\nrelay:\n  grace_period: 500ms\n"
	if err := os.WriteFile(cfgPath, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("unexpected port %d", cfg.Server.Port)
	}
	if cfg.Capture.Capacity != 25 {
		t.Fatalf("unexpected capacity %d", cfg.Capture.Capacity)
	}
	if cfg.Relay.GracePeriod != 500*time.Millisecond {
		t.Fatalf("unexpected grace period %s", cfg.Relay.GracePeriod)
	}
	if cfg.Relay.HubURL != "http://127.0.0.1:8080" {
		t.Fatalf("hub url should follow the configured port, got %s", cfg.Relay.HubURL)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("REQSNIFFER_CAPTURE_CAPACITY", "7")
	t.Setenv("REQSNIFFER_GRACE_PERIOD", "3s")
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Capture.Capacity != 7 {
		t.Fatalf("unexpected capacity %d", cfg.Capture.Capacity)
	}
	if cfg.Relay.GracePeriod != 3*time.Second {
		t.Fatalf("unexpected grace period %s", cfg.Relay.GracePeriod)
	}
}

func TestValidate(t *testing.T) {
	c := &Config{}
	c.SetDefaults()
	c.Settings.DBPath = filepath.Join(t.TempDir(), "settings.db")
	if err := c.ValidateServe(); err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	c.Capture.Capacity = -1
	if err := c.Validate(); err == nil {
		t.Fatalf("expected capacity validation error")
	}
	c.Capture.Capacity = 10
	c.Log.Format = "xml"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected log format validation error")
	}
}
