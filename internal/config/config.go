package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultConfigRelPath = ".reqsniffer/config.yaml"

type ServerConfig struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	CORSExtensionID string `yaml:"cors_extension_id"`
}

type CaptureConfig struct {
	Capacity     int   `yaml:"capacity"`
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

type RelayConfig struct {
	HubURL      string        `yaml:"hub_url"`
	GracePeriod time.Duration `yaml:"grace_period"`
	QueueSize   int           `yaml:"queue_size"`
	CallTimeout time.Duration `yaml:"call_timeout"`
}

type SettingsConfig struct {
	DBPath string `yaml:"db_path"`
}

type SanitizeConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Headers     []string `yaml:"headers"`
	BodyFields  []string `yaml:"body_fields"`
	Replacement string   `yaml:"replacement"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Capture  CaptureConfig  `yaml:"capture"`
	Relay    RelayConfig    `yaml:"relay"`
	Settings SettingsConfig `yaml:"settings"`
	Sanitize SanitizeConfig `yaml:"sanitize"`
	Log      LogConfig      `yaml:"log"`
}

// DefaultPath returns ~/.reqsniffer/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, defaultConfigRelPath), nil
}

// Load loads YAML config, then applies env overrides.
func Load(configPath string) (*Config, error) {
	cfg := &Config{}

	if configPath == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		configPath = p
	}

	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg.SetDefaults()
	applyEnvOverrides(cfg)
	return cfg, nil
}

func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 3100
	}
	if c.Capture.Capacity == 0 {
		c.Capture.Capacity = 100
	}
	if c.Capture.MaxBodyBytes == 0 {
		c.Capture.MaxBodyBytes = 1 << 20
	}
	if c.Relay.HubURL == "" {
		c.Relay.HubURL = fmt.Sprintf("http://%s:%d", c.Server.Host, c.Server.Port)
	}
	if c.Relay.GracePeriod == 0 {
		c.Relay.GracePeriod = 2 * time.Second
	}
	if c.Relay.QueueSize == 0 {
		c.Relay.QueueSize = 256
	}
	if c.Relay.CallTimeout == 0 {
		c.Relay.CallTimeout = 5 * time.Second
	}
	if c.Settings.DBPath == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.Settings.DBPath = filepath.Join(home, ".reqsniffer", "settings.db")
		} else {
			c.Settings.DBPath = "reqsniffer.db"
		}
	}
	if len(c.Sanitize.Headers) == 0 {
		c.Sanitize.Headers = []string{"Authorization", "Cookie", "Set-Cookie", "X-Api-Key", "X-Auth-Token"}
	}
	if len(c.Sanitize.BodyFields) == 0 {
		c.Sanitize.BodyFields = []string{"password", "secret", "token", "api_key", "access_token", "refresh_token", "credential"}
	}
	if c.Sanitize.Replacement == "" {
		c.Sanitize.Replacement = "***REDACTED***"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 10
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = 3
	}
	if c.Log.MaxAgeDays == 0 {
		c.Log.MaxAgeDays = 7
	}
}

// Addr returns the host:port the hub listens on.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Capture.Capacity <= 0 {
		return errors.New("capture.capacity must be positive")
	}
	if c.Capture.MaxBodyBytes < 0 {
		return errors.New("capture.max_body_bytes cannot be negative")
	}
	if c.Relay.GracePeriod < 0 {
		return errors.New("relay.grace_period cannot be negative")
	}
	if c.Relay.QueueSize <= 0 {
		return errors.New("relay.queue_size must be positive")
	}
	if strings.TrimSpace(c.Settings.DBPath) == "" {
		return errors.New("settings.db_path cannot be empty")
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console, got %q", c.Log.Format)
	}
	return nil
}

// ValidateServe enforces serve-specific requirements.
func (c *Config) ValidateServe() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if err := ensureWritableDir(filepath.Dir(c.Settings.DBPath)); err != nil {
		return fmt.Errorf("settings.db_path not writable: %w", err)
	}
	return nil
}

func ensureWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".writable-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

func applyEnvOverrides(c *Config) {
	setString(&c.Server.Host, "REQSNIFFER_SERVER_HOST")
	setInt(&c.Server.Port, "REQSNIFFER_SERVER_PORT")
	setString(&c.Server.CORSExtensionID, "REQSNIFFER_CORS_EXTENSION_ID")
	setInt(&c.Capture.Capacity, "REQSNIFFER_CAPTURE_CAPACITY")
	setString(&c.Relay.HubURL, "REQSNIFFER_HUB_URL")
	setDuration(&c.Relay.GracePeriod, "REQSNIFFER_GRACE_PERIOD")
	setString(&c.Settings.DBPath, "REQSNIFFER_SETTINGS_DB")
	setString(&c.Log.Level, "REQSNIFFER_LOG_LEVEL")
	setString(&c.Log.Format, "REQSNIFFER_LOG_FORMAT")
	setString(&c.Log.File, "REQSNIFFER_LOG_FILE")
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
