package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, 62.0, cfg.Desk.PositionOffset)
	assert.Equal(t, 62.0, cfg.Desk.MinPosition)
	assert.Equal(t, 127.0, cfg.Desk.MaxPosition)
	assert.Equal(t, 5*time.Second, cfg.Desk.RetryBackoff)
	assert.Equal(t, 800*time.Millisecond, cfg.Desk.SettleDelay)
	assert.Equal(t, 500*time.Millisecond, cfg.Desk.PollInterval)
	assert.Equal(t, 60*time.Second, cfg.Desk.MoveTimeout)
	assert.Equal(t, "desklink/desk", cfg.MQTT.BaseTopic)
	assert.Equal(t, 1, cfg.MQTT.QoS)
	assert.Equal(t, 5.0, cfg.MQTT.CommandRate)
	assert.False(t, cfg.MQTT.Enabled())
	assert.NotEmpty(t, cfg.StateFile)
	assert.NoError(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deskd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
log_format: json
state_file: /tmp/desk-state.yaml
desk:
  identity: AA:BB:CC:DD:EE:FF
  max: 120
  poll: 250ms
mqtt:
  broker: tcp://localhost:1883
  qos: 0
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "/tmp/desk-state.yaml", cfg.StateFile)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", cfg.Desk.Identity)
	assert.Equal(t, 120.0, cfg.Desk.MaxPosition)
	assert.Equal(t, 62.0, cfg.Desk.MinPosition, "unset keys keep their defaults")
	assert.Equal(t, 250*time.Millisecond, cfg.Desk.PollInterval)
	assert.Equal(t, 0, cfg.MQTT.QoS, "explicit zero is kept")
	assert.Equal(t, "desklink", cfg.MQTT.ClientID)
	assert.True(t, cfg.MQTT.Enabled())
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "read config")

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("desk:\n  min: 130\n"), 0o600))
	_, err = Load(path)
	assert.ErrorContains(t, err, "min")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"bad level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
		{"bad format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
		{"inverted range", func(c *Config) { c.Desk.MinPosition = 127 }, "below max"},
		{"min below offset", func(c *Config) { c.Desk.MinPosition = 50 }, "offset"},
		{"zero poll", func(c *Config) { c.Desk.PollInterval = 0 }, "desk.poll"},
		{"max not encodable", func(c *Config) { c.Desk.MaxPosition = 62 + 655.36 }, "encodable"},
		{"negative move timeout", func(c *Config) { c.Desk.MoveTimeout = -time.Second }, "move_timeout"},
		{"bad scheme", func(c *Config) { c.MQTT.Broker = "http://broker" }, "scheme"},
		{"bad qos", func(c *Config) { c.MQTT.Broker = "tcp://b:1883"; c.MQTT.QoS = 3 }, "qos"},
		{"wildcard topic", func(c *Config) { c.MQTT.Broker = "tcp://b:1883"; c.MQTT.BaseTopic = "desk/#" }, "base_topic"},
		{"zero rate", func(c *Config) { c.MQTT.Broker = "tcp://b:1883"; c.MQTT.CommandRate = 0 }, "command_rate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.errMsg)
		})
	}
}

func TestConfig_MaxAtEncodableLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Desk.MaxPosition = 62 + 655.35
	assert.NoError(t, cfg.Validate())
}

func TestConfig_ZeroMoveTimeoutDisablesCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Desk.MoveTimeout = 0
	assert.NoError(t, cfg.Validate())
}

func TestConfig_NewLogger(t *testing.T) {
	tests := []struct {
		name     string
		logLevel string
		expected logrus.Level
	}{
		{"debug level", "debug", logrus.DebugLevel},
		{"warn level", "warn", logrus.WarnLevel},
		{"invalid falls back to info", "bogus", logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.logLevel}

			logger := cfg.NewLogger()

			assert.Equal(t, tt.expected, logger.GetLevel())
			formatter, ok := logger.Formatter.(*logrus.TextFormatter)
			require.True(t, ok)
			assert.True(t, formatter.FullTimestamp)
			assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
		})
	}

	logger := (&Config{LogLevel: "info", LogFormat: "json"}).NewLogger()
	_, ok := logger.Formatter.(*logrus.JSONFormatter)
	assert.True(t, ok)
}
