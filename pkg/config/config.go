package config

import (
	"fmt"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	LogLevel  string `yaml:"log_level" default:"info"`
	LogFormat string `yaml:"log_format" default:"text"` // text, json
	StateFile string `yaml:"state_file"`

	Desk DeskConfig `yaml:"desk"`
	MQTT MQTTConfig `yaml:"mqtt"`
}

// DeskConfig configures the desk controller and the radio
type DeskConfig struct {
	// Identity pins the desk; empty means discover by service signature
	Identity string `yaml:"identity"`
	Name     string `yaml:"name" default:"Desk"`

	PositionOffset float64 `yaml:"offset" default:"62"`
	MinPosition    float64 `yaml:"min" default:"62"`
	MaxPosition    float64 `yaml:"max" default:"127"`

	RetryBackoff       time.Duration `yaml:"backoff" default:"5s"`
	SettleDelay        time.Duration `yaml:"settle" default:"800ms"`
	PollInterval       time.Duration `yaml:"poll" default:"500ms"`
	MoveTimeout        time.Duration `yaml:"move_timeout" default:"60s"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout" default:"20s"`
	RadioProbeInterval time.Duration `yaml:"radio_probe_interval" default:"5s"`
}

// MQTTConfig configures the bus bridge. An empty Broker disables it.
type MQTTConfig struct {
	Broker          string        `yaml:"broker"`
	ClientID        string        `yaml:"client_id" default:"desklink"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	BaseTopic       string        `yaml:"base_topic" default:"desklink/desk"`
	QoS             int           `yaml:"qos" default:"1"`
	DiscoveryPrefix string        `yaml:"discovery_prefix" default:"homeassistant"`
	CommandRate     float64       `yaml:"command_rate" default:"5"`
	CommandBurst    int           `yaml:"command_burst" default:"5"`
	QueueSize       int           `yaml:"queue_size" default:"16"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout" default:"10s"`
}

// Enabled reports whether a broker is configured
func (m MQTTConfig) Enabled() bool {
	return m.Broker != ""
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	cfg.StateFile = DefaultStateFile()
	return cfg
}

// DefaultStateFile returns the per-user location of the identity file
func DefaultStateFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "desklink", "state.yaml")
}

// Load reads path over the defaults. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.StateFile == "" {
		cfg.StateFile = DefaultStateFile()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks value ranges and cross-field constraints
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("log_format: must be text or json, got %q", c.LogFormat)
	}

	d := c.Desk
	if d.MinPosition >= d.MaxPosition {
		return fmt.Errorf("desk: min (%.2f) must be below max (%.2f)", d.MinPosition, d.MaxPosition)
	}
	if d.MinPosition < d.PositionOffset {
		return fmt.Errorf("desk: min (%.2f) cannot be below offset (%.2f)", d.MinPosition, d.PositionOffset)
	}
	// move-to targets are uint16 hundredths of a cm above the offset
	if math.Round((d.MaxPosition-d.PositionOffset)*100) > math.MaxUint16 {
		return fmt.Errorf("desk: max (%.2f) exceeds the encodable height %.2f",
			d.MaxPosition, d.PositionOffset+math.MaxUint16/100.0)
	}
	for name, v := range map[string]time.Duration{
		"backoff":              d.RetryBackoff,
		"settle":               d.SettleDelay,
		"poll":                 d.PollInterval,
		"connect_timeout":      d.ConnectTimeout,
		"radio_probe_interval": d.RadioProbeInterval,
	} {
		if v <= 0 {
			return fmt.Errorf("desk.%s: must be positive", name)
		}
	}
	// zero disables the move cap
	if d.MoveTimeout < 0 {
		return fmt.Errorf("desk.move_timeout: cannot be negative")
	}

	m := c.MQTT
	if !m.Enabled() {
		return nil
	}
	u, err := url.Parse(m.Broker)
	if err != nil {
		return fmt.Errorf("mqtt.broker: %w", err)
	}
	switch u.Scheme {
	case "tcp", "ssl", "tls", "ws", "wss", "mqtt", "mqtts":
	default:
		return fmt.Errorf("mqtt.broker: unsupported scheme %q", u.Scheme)
	}
	if m.QoS < 0 || m.QoS > 2 {
		return fmt.Errorf("mqtt.qos: must be 0, 1 or 2")
	}
	if strings.TrimSpace(m.BaseTopic) == "" || strings.ContainsAny(m.BaseTopic, "#+") {
		return fmt.Errorf("mqtt.base_topic: invalid topic %q", m.BaseTopic)
	}
	if m.CommandRate <= 0 || m.CommandBurst < 1 {
		return fmt.Errorf("mqtt: command_rate and command_burst must be positive")
	}
	if m.QueueSize < 1 {
		return fmt.Errorf("mqtt.queue_size: must be positive")
	}
	return nil
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if strings.EqualFold(c.LogFormat, "json") {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
		return logger
	}
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger
}
