package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dokzlo13/roomsyncd/internal/schedule"
)

// Config represents the application configuration
type Config struct {
	Redis           RedisConfig     `yaml:"redis"`
	Actuator        ActuatorConfig  `yaml:"actuator"`
	Publisher       PublisherConfig `yaml:"publisher"`
	Schedule        ScheduleConfig  `yaml:"schedule"`
	Database        DatabaseConfig  `yaml:"database"`
	Log             LogConfig       `yaml:"log"`
	Web             WebConfig       `yaml:"web"`
	Ledger          LedgerConfig    `yaml:"ledger"`
	EventBus        EventBusConfig  `yaml:"eventbus"`
	ShutdownTimeout Duration        `yaml:"shutdown_timeout"` // General shutdown timeout for graceful stops
}

// RedisConfig contains the shared store connection settings
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`

	DialTimeout Duration `yaml:"dial_timeout"` // TCP connect timeout
	ReadTimeout Duration `yaml:"read_timeout"` // Per-reply deadline; must exceed the XREAD block

	BackoffSteps  []Duration `yaml:"backoff_steps"`  // Reconnect delays, last step repeats
	BackoffJitter Duration   `yaml:"backoff_jitter"` // Random extra delay per attempt
}

// ActuatorConfig contains the consuming role settings
type ActuatorConfig struct {
	Enabled  bool   `yaml:"enabled"`
	DeviceID string `yaml:"device_id"` // Defaults to the first hardware MAC
	BaseID   int    `yaml:"base_id"`   // Floor for allocated room ids

	BlockMs           int      `yaml:"block_ms"` // Server-side XREAD block duration
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	TrimLen           int      `yaml:"trim_len"`
}

// PublisherConfig contains the producing role settings
type PublisherConfig struct {
	Enabled bool   `yaml:"enabled"`
	RoomID  string `yaml:"room_id"` // Fixed room; empty follows the actuator's provisioned room

	Interval           Duration `yaml:"interval"`             // Evaluation cadence
	MinPublishInterval Duration `yaml:"min_publish_interval"` // Re-publish cadence while override is active
	OverrideMinDelta   int      `yaml:"override_min_delta"`   // Knob hysteresis
	TrimLen            int      `yaml:"trim_len"`
}

// ScheduleConfig contains the daily brightness curve knobs
type ScheduleConfig struct {
	Wake           string `yaml:"wake"` // "HH:MM"
	WakeBrightness int    `yaml:"wake_brightness"`
	BrightenMin    int    `yaml:"brighten_min"`
	HoldMin        int    `yaml:"hold_min"`

	Night           string `yaml:"night"` // "HH:MM"
	NightBrightness int    `yaml:"night_brightness"`
	DimLeadMin      int    `yaml:"dim_lead_min"`

	Baseline int `yaml:"baseline"`
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level   string `yaml:"level"`
	UseJSON bool   `yaml:"json"`
	Colors  bool   `yaml:"colors"`
}

// GetLevel returns the log level with default
func (c *LogConfig) GetLevel() string {
	if c.Level == "" {
		return "info"
	}
	return c.Level
}

// WebConfig contains status server settings
type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// LedgerConfig contains sync ledger settings
type LedgerConfig struct {
	CleanupInterval Duration `yaml:"cleanup_interval"`
	RetentionDays   int      `yaml:"retention_days"`
}

// EventBusConfig contains event bus settings
type EventBusConfig struct {
	Workers   int `yaml:"workers"`    // Number of worker goroutines (default: 2)
	QueueSize int `yaml:"queue_size"` // Event queue size (default: 64)
}

// GetWorkers returns worker count with default
func (c *EventBusConfig) GetWorkers() int {
	if c.Workers <= 0 {
		return 2
	}
	return c.Workers
}

// GetQueueSize returns queue size with default
func (c *EventBusConfig) GetQueueSize() int {
	if c.QueueSize <= 0 {
		return 64
	}
	return c.QueueSize
}

// Duration is a wrapper around time.Duration for YAML unmarshalling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// BackoffDurations converts the configured reconnect delays
func (c *RedisConfig) BackoffDurations() []time.Duration {
	steps := make([]time.Duration, 0, len(c.BackoffSteps))
	for _, step := range c.BackoffSteps {
		steps = append(steps, step.Duration())
	}
	return steps
}

// Curve builds the schedule curve from the configured knobs
func (c *ScheduleConfig) Curve() (schedule.Curve, error) {
	curve := schedule.Default()

	var err error
	if c.Wake != "" {
		if curve.WakeHour, curve.WakeMinute, err = parseClock(c.Wake); err != nil {
			return curve, fmt.Errorf("schedule.wake: %w", err)
		}
	}
	if c.Night != "" {
		if curve.NightHour, curve.NightMinute, err = parseClock(c.Night); err != nil {
			return curve, fmt.Errorf("schedule.night: %w", err)
		}
	}
	if c.WakeBrightness > 0 {
		curve.WakeBrightness = clamp(c.WakeBrightness)
	}
	if c.BrightenMin > 0 {
		curve.BrightenMin = c.BrightenMin
	}
	if c.HoldMin > 0 {
		curve.HoldMin = c.HoldMin
	}
	if c.NightBrightness > 0 {
		curve.NightBrightness = clamp(c.NightBrightness)
	}
	if c.DimLeadMin > 0 {
		curve.DimLeadMin = c.DimLeadMin
	}
	if c.Baseline > 0 {
		curve.Baseline = clamp(c.Baseline)
	}
	return curve, nil
}

func parseClock(s string) (hour, minute int, err error) {
	parsed, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, err
	}
	return parsed.Hour(), parsed.Minute(), nil
}

func clamp(v int) uint8 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return uint8(v)
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./roomsyncd.sqlite"
	}

	// Store defaults
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "127.0.0.1:6379"
	}
	if cfg.Redis.DialTimeout == 0 {
		cfg.Redis.DialTimeout = Duration(5 * time.Second)
	}
	if cfg.Redis.ReadTimeout == 0 {
		cfg.Redis.ReadTimeout = Duration(5 * time.Second)
	}
	if len(cfg.Redis.BackoffSteps) == 0 {
		for _, step := range []time.Duration{
			250 * time.Millisecond, 500 * time.Millisecond, time.Second, 2 * time.Second,
		} {
			cfg.Redis.BackoffSteps = append(cfg.Redis.BackoffSteps, Duration(step))
		}
	}
	if cfg.Redis.BackoffJitter == 0 {
		cfg.Redis.BackoffJitter = Duration(200 * time.Millisecond)
	}

	// Actuator defaults
	if cfg.Actuator.BaseID == 0 {
		cfg.Actuator.BaseID = 100
	}
	if cfg.Actuator.BlockMs == 0 {
		cfg.Actuator.BlockMs = 1000
	}
	if cfg.Actuator.HeartbeatInterval == 0 {
		cfg.Actuator.HeartbeatInterval = Duration(3 * time.Second)
	}
	if cfg.Actuator.TrimLen == 0 {
		cfg.Actuator.TrimLen = 200
	}

	// Publisher defaults
	if cfg.Publisher.Interval == 0 {
		cfg.Publisher.Interval = Duration(time.Second)
	}
	if cfg.Publisher.MinPublishInterval == 0 {
		cfg.Publisher.MinPublishInterval = Duration(time.Second)
	}
	if cfg.Publisher.OverrideMinDelta == 0 {
		cfg.Publisher.OverrideMinDelta = 2
	}
	if cfg.Publisher.TrimLen == 0 {
		cfg.Publisher.TrimLen = 200
	}

	// Ledger defaults
	if cfg.Ledger.CleanupInterval == 0 {
		cfg.Ledger.CleanupInterval = Duration(24 * time.Hour)
	}
	if cfg.Ledger.RetentionDays == 0 {
		cfg.Ledger.RetentionDays = 30
	}

	// Web defaults
	if cfg.Web.Port == 0 {
		cfg.Web.Port = 9090
	}
	if cfg.Web.Host == "" {
		cfg.Web.Host = "0.0.0.0"
	}

	// General shutdown timeout
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = Duration(5 * time.Second)
	}

	return &cfg, nil
}

// expandEnvVars expands environment variables in the format ${VAR} or ${VAR:default}
func expandEnvVars(input string) string {
	// Match ${VAR} or ${VAR:default}
	re := regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

	return re.ReplaceAllStringFunc(input, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}

		if val := os.Getenv(varName); val != "" {
			return val
		}
		return defaultVal
	})
}

// ExpandEnvString expands a single string with environment variables
func ExpandEnvString(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		return expandEnvVars(s)
	}
	return s
}
