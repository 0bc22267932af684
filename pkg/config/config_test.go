package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/btspp/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "btspp.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "hci0", cfg.Adapter)
	assert.Equal(t, 10*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, device.SerialPortServiceUUID, cfg.ServiceUUID)
	assert.Equal(t, uint8(1), cfg.FallbackChannel)
	assert.Equal(t, 1024, cfg.ReadBufferSize)
	assert.False(t, cfg.AssumePermissions)
	assert.Equal(t, "bluetooth", cfg.PermissionGroup)
	assert.Equal(t, "127.0.0.1:8765", cfg.Listen)
	assert.Equal(t, uint32(256), cfg.EventQueueSize)
	assert.Equal(t, 4096, cfg.PTYBufferSize)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_EmptyPathYieldsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoad_OverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
connect_timeout: 3s
fallback_channel: 2
listen: 0.0.0.0:9000
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 3*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, uint8(2), cfg.FallbackChannel)
	assert.Equal(t, "0.0.0.0:9000", cfg.Listen)
	assert.Equal(t, "hci0", cfg.Adapter, "unset keys MUST keep their defaults")
	assert.Equal(t, 1024, cfg.ReadBufferSize)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "malformed yaml", content: "log_level: [debug"},
		{name: "bad level", content: "log_level: chatty"},
		{name: "zero timeout", content: "connect_timeout: 0s"},
		{name: "bad uuid", content: "service_uuid: serial"},
		{name: "channel out of range", content: "fallback_channel: 31"},
		{name: "zero read buffer", content: "read_buffer_size: 0"},
		{name: "zero event queue", content: "event_queue_size: 0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestConfig_ConnectOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ServiceUUID = "00001101-0000-1000-8000-00805f9b34fb"
	cfg.ConnectTimeout = 5 * time.Second

	opts := cfg.ConnectOptions()
	assert.Equal(t, 5*time.Second, opts.ConnectTimeout)
	assert.Equal(t, device.SerialPortServiceUUID, opts.ServiceUUID)
	assert.Equal(t, uint8(1), opts.FallbackChannel)
	assert.Equal(t, 1024, opts.ReadBufferSize)

	cfg.ServiceUUID = "0x1101"
	require.NoError(t, cfg.Validate(), "short UUID MUST be accepted")
	assert.Equal(t, device.SerialPortServiceUUID, cfg.ConnectOptions().ServiceUUID, "short UUID MUST be expanded")
}

func TestConfig_NewLogger(t *testing.T) {
	tests := []struct {
		name     string
		logLevel string
		want     logrus.Level
	}{
		{name: "debug", logLevel: "debug", want: logrus.DebugLevel},
		{name: "warn", logLevel: "warn", want: logrus.WarnLevel},
		{name: "error", logLevel: "error", want: logrus.ErrorLevel},
		{name: "unparsable falls back to info", logLevel: "chatty", want: logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.logLevel}

			logger := cfg.NewLogger()
			assert.Equal(t, tt.want, logger.GetLevel())

			formatter, ok := logger.Formatter.(*logrus.TextFormatter)
			require.True(t, ok)
			assert.True(t, formatter.FullTimestamp)
			assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
		})
	}
}

func BenchmarkLoad(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_, _ = Load("")
	}
}
