package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/btspp/internal/device"
	"github.com/srg/btspp/internal/link"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	LogLevel string `yaml:"log_level" default:"info"`

	Adapter         string        `yaml:"adapter" default:"hci0"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout" default:"10s"`
	ServiceUUID     string        `yaml:"service_uuid" default:"00001101-0000-1000-8000-00805F9B34FB"`
	FallbackChannel uint8         `yaml:"fallback_channel" default:"1"`
	ReadBufferSize  int           `yaml:"read_buffer_size" default:"1024"`

	// AssumePermissions skips the bluetooth group check, e.g. under a polkit rule or in a container.
	AssumePermissions bool   `yaml:"assume_permissions" default:"false"`
	PermissionGroup   string `yaml:"permission_group" default:"bluetooth"`

	Listen         string `yaml:"listen" default:"127.0.0.1:8765"`
	EventQueueSize uint32 `yaml:"event_queue_size" default:"256"`
	PTYBufferSize  int    `yaml:"pty_buffer_size" default:"4096"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file over the defaults. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks value ranges that the YAML decoder cannot.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect_timeout must be positive, got %s", c.ConnectTimeout)
	}
	if _, err := device.ExpandUUID(c.ServiceUUID); err != nil {
		return fmt.Errorf("service_uuid: %w", err)
	}
	// RFCOMM server channels are 1..30
	if c.FallbackChannel < 1 || c.FallbackChannel > 30 {
		return fmt.Errorf("fallback_channel must be in 1..30, got %d", c.FallbackChannel)
	}
	if c.ReadBufferSize <= 0 {
		return fmt.Errorf("read_buffer_size must be positive, got %d", c.ReadBufferSize)
	}
	if c.EventQueueSize == 0 {
		return fmt.Errorf("event_queue_size must be positive")
	}
	if c.PTYBufferSize <= 0 {
		return fmt.Errorf("pty_buffer_size must be positive, got %d", c.PTYBufferSize)
	}
	return nil
}

// Level returns the parsed log level, InfoLevel when unparsable.
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// ConnectOptions converts the connection settings for link.NewManager
func (c *Config) ConnectOptions() *link.ConnectOptions {
	serviceUUID, err := device.ExpandUUID(c.ServiceUUID)
	if err != nil {
		serviceUUID = strings.ToUpper(c.ServiceUUID)
	}
	return &link.ConnectOptions{
		ConnectTimeout:  c.ConnectTimeout,
		ServiceUUID:     serviceUUID,
		FallbackChannel: c.FallbackChannel,
		ReadBufferSize:  c.ReadBufferSize,
	}
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
