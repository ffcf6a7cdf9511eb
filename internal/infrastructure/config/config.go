package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root bootstrap configuration for the TianShan core daemon.
// Values are loaded from YAML and may be overridden by environment variables.
type Config struct {
	Node     NodeConfig     `yaml:"node"`
	Database DatabaseConfig `yaml:"database"`
	Media    MediaConfig    `yaml:"media"`
	API      APIConfig      `yaml:"api"`
	Auth     AuthConfig     `yaml:"auth"`
	Power    PowerConfig    `yaml:"power"`
	Fan      FanConfig      `yaml:"fan"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// NodeConfig identifies this sled controller.
type NodeConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Timezone string `yaml:"timezone"`
}

// DatabaseConfig contains SQLite settings for the non-volatile KV store.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MediaConfig describes the removable-media mount point mirrored by the
// configuration engine.
type MediaConfig struct {
	// MountPoint is the directory where removable media appears when present.
	MountPoint string `yaml:"mount_point"`

	// PollInterval is how often the mount point is checked, in seconds.
	PollInterval int `yaml:"poll_interval"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// AuthConfig contains session and lockout settings.
type AuthConfig struct {
	// TokenExpire is the session lifetime in seconds.
	TokenExpire int `yaml:"token_expire"`

	// LockoutThreshold is the number of failed logins that triggers a lockout.
	LockoutThreshold int `yaml:"lockout_threshold"`

	// LockoutWindow is the period, in seconds, within which failures count
	// towards the threshold.
	LockoutWindow int `yaml:"lockout_window"`

	// LockoutCooldown is how long a locked account stays locked, in seconds.
	LockoutCooldown int `yaml:"lockout_cooldown"`
}

// PowerConfig contains sensor bus paths and sampling settings.
type PowerConfig struct {
	// I2CDevice is the Linux i2c-dev node carrying the shunt sensors.
	I2CDevice string `yaml:"i2c_device"`

	// SerialDevice is the UART carrying the Modbus AC meter.
	SerialDevice string `yaml:"serial_device"`

	// SampleInterval is the monitor sampling period in milliseconds.
	SampleInterval int `yaml:"sample_interval"`

	// DividerRatio scales the raw ADC rail reading to millivolts.
	DividerRatio float64 `yaml:"divider_ratio"`

	// AGXPowerGPIO, LPMUPowerGPIO and AGXSenseGPIO are sysfs value
	// files for the rail switches and the carrier presence sense line.
	// When empty the daemon falls back to a no-op device control.
	AGXPowerGPIO  string `yaml:"agx_power_gpio"`
	LPMUPowerGPIO string `yaml:"lpmu_power_gpio"`
	AGXSenseGPIO  string `yaml:"agx_sense_gpio"`

	// USBMuxGPIO is the sysfs value file of the USB mux select line.
	USBMuxGPIO string `yaml:"usb_mux_gpio"`

	// LPMUPingAddr, when set, is the LPMU's host:port probed before its
	// rail is toggled during a protection shutdown.
	LPMUPingAddr string `yaml:"lpmu_ping_addr"`
}

// FanConfig contains the hwmon paths of the chassis fan. The fan
// controller is skipped when the PWM path is empty.
type FanConfig struct {
	PWMPath  string `yaml:"pwm_path"`
	TempPath string `yaml:"temp_path"`
}

// MQTTConfig contains settings for the optional northbound telemetry bridge.
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	QoS      int    `yaml:"qos"`
}

// InfluxDBConfig contains settings for the optional power-history sink.
type InfluxDBConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Token   string `yaml:"token"`
	Org     string `yaml:"org"`
	Bucket  string `yaml:"bucket"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment
// variable overrides.
//
// The loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern TIANSHAN_SECTION_KEY,
// for example TIANSHAN_DATABASE_PATH or TIANSHAN_API_PORT.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults. A missing config
// file section falls back to these values.
func defaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			ID:       "sled-001",
			Name:     "tianshan",
			Timezone: "UTC",
		},
		Database: DatabaseConfig{
			Path:        "./data/tianshan.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Media: MediaConfig{
			MountPoint:   "/media/sdcard",
			PollInterval: 2,
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		Auth: AuthConfig{
			TokenExpire:      86400,
			LockoutThreshold: 5,
			LockoutWindow:    60,
			LockoutCooldown:  300,
		},
		Power: PowerConfig{
			I2CDevice:      "/dev/i2c-1",
			SerialDevice:   "/dev/ttyS2",
			SampleInterval: 1000,
			DividerRatio:   11.0,
		},
		MQTT: MQTTConfig{
			Host:     "localhost",
			Port:     1883,
			ClientID: "tianshan-core",
			QoS:      1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TIANSHAN_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("TIANSHAN_MEDIA_MOUNT_POINT"); v != "" {
		cfg.Media.MountPoint = v
	}
	if v := os.Getenv("TIANSHAN_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("TIANSHAN_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}
	if v := os.Getenv("TIANSHAN_MQTT_HOST"); v != "" {
		cfg.MQTT.Host = v
	}
	if v := os.Getenv("TIANSHAN_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := os.Getenv("TIANSHAN_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
	if v := os.Getenv("TIANSHAN_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Node.ID == "" {
		errs = append(errs, "node.id is required")
	}
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}
	if c.Auth.TokenExpire <= 0 {
		errs = append(errs, "auth.token_expire must be positive")
	}
	if c.Auth.LockoutThreshold < 1 {
		errs = append(errs, "auth.lockout_threshold must be at least 1")
	}
	if c.Power.SampleInterval < 100 {
		errs = append(errs, "power.sample_interval must be at least 100 ms")
	}
	if c.MQTT.Enabled && (c.MQTT.QoS < 0 || c.MQTT.QoS > 2) {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// GetSampleInterval returns the monitor sampling period as a Duration.
func (c *Config) GetSampleInterval() time.Duration {
	return time.Duration(c.Power.SampleInterval) * time.Millisecond
}

// GetMediaPollInterval returns the media poll period as a Duration.
func (c *Config) GetMediaPollInterval() time.Duration {
	return time.Duration(c.Media.PollInterval) * time.Second
}
