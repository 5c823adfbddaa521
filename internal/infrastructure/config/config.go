package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Device modes.
const (
	DeviceModeMQTT = "mqtt"
	DeviceModeSim  = "sim"
)

// Config is the root configuration structure for robotlink.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Robot     RobotConfig     `yaml:"robot"`
	Device    DeviceConfig    `yaml:"device"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Transport TransportConfig `yaml:"transport"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	History   HistoryConfig   `yaml:"history"`
	Audit     AuditConfig     `yaml:"audit"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
}

// RobotConfig identifies the robot controller this server fronts.
// The ID is part of every MQTT topic.
type RobotConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DeviceConfig selects and tunes the device adapter.
type DeviceConfig struct {
	// Mode is "mqtt" (attribute bus bridged over MQTT) or "sim" (in-process simulator).
	Mode string `yaml:"mode"`

	// ProcessDelay is the settle time in milliseconds after writing task
	// arguments and after a task completes.
	ProcessDelay int `yaml:"process_delay_ms"`

	// StartTimeout is how long in milliseconds a task may take to begin.
	StartTimeout int `yaml:"start_timeout_ms"`

	// PollInterval is the completion polling interval in milliseconds.
	PollInterval int `yaml:"poll_interval_ms"`

	// SimulatedTaskDuration is how long a simulated task runs, in milliseconds.
	SimulatedTaskDuration int `yaml:"simulated_task_duration_ms"`

	// Heartbeat is the interval in seconds at which the simulator ticks "time".
	Heartbeat int `yaml:"heartbeat_seconds"`
}

// BroadcastConfig tunes the event Publisher.
type BroadcastConfig struct {
	QueueSize          int    `yaml:"queue_size"`
	HeartbeatAttribute string `yaml:"heartbeat_attribute"`
}

// TransportConfig contains request/reply settings shared by server and client.
type TransportConfig struct {
	// Codec is the wire encoding: "json" or "cbor".
	Codec string `yaml:"codec"`

	// RequestQueueSize bounds exchanges waiting for the request loop.
	RequestQueueSize int `yaml:"request_queue_size"`

	// RequestTimeout is the client round-trip timeout in seconds.
	RequestTimeout int `yaml:"request_timeout"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`

	// CAFile, if set with TLS, replaces the system roots.
	CAFile string `yaml:"ca_file"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WebSocketConfig contains WebSocket relay settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// HistoryConfig controls attribute value history.
type HistoryConfig struct {
	Enabled      bool `yaml:"enabled"`
	DefaultLimit int  `yaml:"default_limit"`
	MaxLimit     int  `yaml:"max_limit"`

	// RetentionDays prunes older entries once a day. Zero keeps everything.
	RetentionDays int `yaml:"retention_days"`
}

// AuditConfig controls the API audit trail.
type AuditConfig struct {
	Enabled bool `yaml:"enabled"`

	// RetentionDays prunes older entries once a day. Zero keeps everything.
	RetentionDays int `yaml:"retention_days"`
}

// NeedsDatabase reports whether any enabled feature stores to SQLite.
func (c *Config) NeedsDatabase() bool {
	return c.History.Enabled || c.Audit.Enabled
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	Output    string `yaml:"output"`
	AddSource bool   `yaml:"add_source"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains API bearer token settings.
// An empty secret disables API authentication.
type JWTConfig struct {
	Secret         string `yaml:"secret"`
	AccessTokenTTL int    `yaml:"access_token_ttl"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: ROBOTLINK_SECTION_KEY
// For example: ROBOTLINK_DATABASE_PATH, ROBOTLINK_MQTT_HOST
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

// Default returns the built-in configuration with environment overrides
// applied. It is used when no config file exists.
func Default() *Config {
	cfg := defaultConfig()
	applyEnvOverrides(cfg)
	return cfg
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Robot: RobotConfig{
			ID:   "robot-1",
			Name: "robot",
		},
		Device: DeviceConfig{
			Mode:                  DeviceModeMQTT,
			ProcessDelay:          300,
			StartTimeout:          500,
			PollInterval:          10,
			SimulatedTaskDuration: 1000,
			Heartbeat:             1,
		},
		Broadcast: BroadcastConfig{
			QueueSize:          1024,
			HeartbeatAttribute: "time",
		},
		Transport: TransportConfig{
			Codec:            "json",
			RequestQueueSize: 64,
			RequestTimeout:   10,
		},
		Database: DatabaseConfig{
			Path:        "./data/robotlink.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "robotlink-server",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		History: HistoryConfig{
			Enabled:       true,
			DefaultLimit:  50,
			MaxLimit:      200,
			RetentionDays: 30,
		},
		Audit: AuditConfig{
			Enabled:       true,
			RetentionDays: 90,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				AccessTokenTTL: 15,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: ROBOTLINK_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Robot
	if v := os.Getenv("ROBOTLINK_ROBOT_ID"); v != "" {
		cfg.Robot.ID = v
	}
	if v := os.Getenv("ROBOTLINK_DEVICE_MODE"); v != "" {
		cfg.Device.Mode = v
	}

	// Transport
	if v := os.Getenv("ROBOTLINK_TRANSPORT_CODEC"); v != "" {
		cfg.Transport.Codec = v
	}

	// Database
	if v := os.Getenv("ROBOTLINK_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("ROBOTLINK_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("ROBOTLINK_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
	if v := os.Getenv("ROBOTLINK_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("ROBOTLINK_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("ROBOTLINK_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// InfluxDB
	if v := os.Getenv("ROBOTLINK_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Security
	if v := os.Getenv("ROBOTLINK_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
}

// Validate checks the configuration for errors and security issues.
func (c *Config) Validate() error {
	var errs []string

	if c.Robot.ID == "" {
		errs = append(errs, "robot.id is required")
	} else if strings.ContainsAny(c.Robot.ID, "/+#") {
		errs = append(errs, "robot.id must not contain MQTT topic characters (/ + #)")
	}

	switch c.Device.Mode {
	case DeviceModeMQTT, DeviceModeSim:
	default:
		errs = append(errs, fmt.Sprintf("device.mode must be %q or %q", DeviceModeMQTT, DeviceModeSim))
	}
	if c.Device.ProcessDelay < 0 || c.Device.StartTimeout <= 0 || c.Device.PollInterval <= 0 {
		errs = append(errs, "device timings must be positive (process_delay_ms may be 0)")
	}

	if c.Broadcast.QueueSize < 1 {
		errs = append(errs, "broadcast.queue_size must be at least 1")
	}

	switch c.Transport.Codec {
	case "json", "cbor":
	default:
		errs = append(errs, "transport.codec must be json or cbor")
	}
	if c.Transport.RequestQueueSize < 1 {
		errs = append(errs, "transport.request_queue_size must be at least 1")
	}

	if c.NeedsDatabase() && c.Database.Path == "" {
		errs = append(errs, "database.path is required when history or audit is enabled")
	}
	if c.History.Enabled {
		if c.History.DefaultLimit < 1 || c.History.MaxLimit < c.History.DefaultLimit {
			errs = append(errs, "history limits must satisfy 1 <= default_limit <= max_limit")
		}
		if c.History.RetentionDays < 0 {
			errs = append(errs, "history.retention_days must not be negative")
		}
	}
	if c.Audit.Enabled && c.Audit.RetentionDays < 0 {
		errs = append(errs, "audit.retention_days must not be negative")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Broker.ClientID == "" {
		errs = append(errs, "mqtt.broker.client_id is required")
	}

	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	// An empty secret leaves the API open; a configured one must be usable.
	const minJWTSecretLength = 32
	if s := c.Security.JWT.Secret; s != "" && len(s) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters for adequate security")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// Durations returns the read, write and idle timeouts. The read timeout
// also bounds request headers.
func (t APITimeoutConfig) Durations() (read, write, idle time.Duration) {
	return time.Duration(t.Read) * time.Second,
		time.Duration(t.Write) * time.Second,
		time.Duration(t.Idle) * time.Second
}

// GetRequestTimeout returns the client round-trip timeout.
func (c *Config) GetRequestTimeout() time.Duration {
	return time.Duration(c.Transport.RequestTimeout) * time.Second
}

// ProcessDelayDuration returns the device settle delay.
func (d DeviceConfig) ProcessDelayDuration() time.Duration {
	return time.Duration(d.ProcessDelay) * time.Millisecond
}

// StartTimeoutDuration returns how long a task may take to begin.
func (d DeviceConfig) StartTimeoutDuration() time.Duration {
	return time.Duration(d.StartTimeout) * time.Millisecond
}

// PollIntervalDuration returns the completion polling interval.
func (d DeviceConfig) PollIntervalDuration() time.Duration {
	return time.Duration(d.PollInterval) * time.Millisecond
}
