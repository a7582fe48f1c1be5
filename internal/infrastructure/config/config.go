package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root of config.yaml.
type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	API        APIConfig        `yaml:"api"`
	WebSocket  WebSocketConfig  `yaml:"websocket"`
	InfluxDB   InfluxDBConfig   `yaml:"influxdb"`
	Logging    LoggingConfig    `yaml:"logging"`
	Automation AutomationConfig `yaml:"automation"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// DatabaseConfig locates the SQLite rule store.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"` // seconds
}

// MQTTConfig covers the broker connection used for triggers, the
// mqtt_publish action and execution events.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig bounds paho's reconnect backoff, in seconds.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig holds http.Server timeouts in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig lists what browsers may send. An empty AllowedOrigins admits
// any origin.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig tunes /api/v1/ws. Intervals are in seconds.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// InfluxDBConfig enables execution telemetry. FlushInterval is in seconds.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
	Output string `yaml:"output"` // stdout, stderr
}

// AutomationConfig tunes the rule engine and its scheduler loop.
type AutomationConfig struct {
	// MaxWorkers bounds executions running at once.
	MaxWorkers int `yaml:"max_workers"`

	// SweepInterval is how often due scheduled rules are executed.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// TriggerInterval is how often queued trigger events are processed.
	TriggerInterval time.Duration `yaml:"trigger_interval"`

	// CleanupInterval is how often old executions are pruned.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`

	// RetentionDays keeps terminal executions this long. 0 keeps them forever.
	RetentionDays int `yaml:"retention_days"`

	// MaxBackoff caps the delay added to scheduled runs of a failing rule.
	// 0 disables failure backoff.
	MaxBackoff time.Duration `yaml:"max_backoff"`

	// ActionTimeout bounds one action attempt when the action sets none.
	ActionTimeout time.Duration `yaml:"action_timeout"`

	// ShutdownTimeout is how long in-flight executions get to finish on exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// TriggerPrefix is the MQTT topic prefix for inbound triggers.
	TriggerPrefix string `yaml:"trigger_prefix"`

	// TriggerQueueSize bounds received-but-unprocessed trigger events.
	TriggerQueueSize int `yaml:"trigger_queue_size"`
}

// Retention returns the execution retention period; 0 disables cleanup.
func (a AutomationConfig) Retention() time.Duration {
	return time.Duration(a.RetentionDays) * 24 * time.Hour
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load layers defaults, the YAML file at path and GRAYLOGIC_* environment
// variables, in that order, then validates the result.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{Path: "./data/automation.db", WALMode: true, BusyTimeout: 5},
		MQTT: MQTTConfig{
			Broker:    MQTTBrokerConfig{Host: "localhost", Port: 1883, ClientID: "graylogic-automation"},
			QoS:       1,
			Reconnect: MQTTReconnectConfig{InitialDelay: 1, MaxDelay: 60},
		},
		API: APIConfig{
			Host:     "0.0.0.0",
			Port:     8081,
			Timeouts: APITimeoutConfig{Read: 30, Write: 30, Idle: 60},
		},
		WebSocket: WebSocketConfig{MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10},
		Logging:   LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
		Automation: AutomationConfig{
			MaxWorkers:       16,
			SweepInterval:    30 * time.Second,
			TriggerInterval:  time.Second,
			CleanupInterval:  time.Hour,
			RetentionDays:    30,
			MaxBackoff:       time.Hour,
			ActionTimeout:    30 * time.Second,
			ShutdownTimeout:  15 * time.Second,
			TriggerPrefix:    "graylogic/automation/trigger",
			TriggerQueueSize: 1024,
		},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// envBindings maps each GRAYLOGIC_* variable to the field it overrides.
// Targets are *string, *int, *bool or *time.Duration.
func envBindings(c *Config) map[string]any {
	return map[string]any{
		"GRAYLOGIC_DATABASE_PATH":               &c.Database.Path,
		"GRAYLOGIC_MQTT_HOST":                   &c.MQTT.Broker.Host,
		"GRAYLOGIC_MQTT_PORT":                   &c.MQTT.Broker.Port,
		"GRAYLOGIC_MQTT_USERNAME":               &c.MQTT.Auth.Username,
		"GRAYLOGIC_MQTT_PASSWORD":               &c.MQTT.Auth.Password,
		"GRAYLOGIC_API_HOST":                    &c.API.Host,
		"GRAYLOGIC_API_PORT":                    &c.API.Port,
		"GRAYLOGIC_INFLUXDB_ENABLED":            &c.InfluxDB.Enabled,
		"GRAYLOGIC_INFLUXDB_URL":                &c.InfluxDB.URL,
		"GRAYLOGIC_INFLUXDB_TOKEN":              &c.InfluxDB.Token,
		"GRAYLOGIC_LOGGING_LEVEL":               &c.Logging.Level,
		"GRAYLOGIC_AUTOMATION_MAX_WORKERS":      &c.Automation.MaxWorkers,
		"GRAYLOGIC_AUTOMATION_RETENTION_DAYS":   &c.Automation.RetentionDays,
		"GRAYLOGIC_AUTOMATION_SWEEP_INTERVAL":   &c.Automation.SweepInterval,
		"GRAYLOGIC_AUTOMATION_TRIGGER_PREFIX":   &c.Automation.TriggerPrefix,
		"GRAYLOGIC_AUTOMATION_SHUTDOWN_TIMEOUT": &c.Automation.ShutdownTimeout,
	}
}

// applyEnvOverrides sets every bound field whose variable is non-empty.
// Secrets belong here rather than in the file.
func applyEnvOverrides(c *Config) error {
	var errs []error
	for key, target := range envBindings(c) {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		var err error
		switch p := target.(type) {
		case *string:
			*p = v
		case *int:
			*p, err = strconv.Atoi(v)
		case *bool:
			*p, err = strconv.ParseBool(v)
		case *time.Duration:
			*p, err = time.ParseDuration(v)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s=%q: %w", key, v, err))
		}
	}
	return errors.Join(errs...)
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, errors.New(msg))
		}
	}

	check(c.Database.Path != "", "database.path is required")
	check(c.MQTT.QoS >= 0 && c.MQTT.QoS <= 2, "mqtt.qos must be 0, 1, or 2")
	check(c.API.Port >= 1 && c.API.Port <= 65535, "api.port must be between 1 and 65535")
	check(!c.API.TLS.Enabled || (c.API.TLS.CertFile != "" && c.API.TLS.KeyFile != ""),
		"api.tls.cert_file and api.tls.key_file are required when TLS is enabled")
	check(!c.InfluxDB.Enabled || (c.InfluxDB.URL != "" && c.InfluxDB.Bucket != ""),
		"influxdb.url and influxdb.bucket are required when influxdb is enabled")

	a := c.Automation
	check(a.MaxWorkers >= 1, "automation.max_workers must be at least 1")
	check(a.SweepInterval > 0 && a.TriggerInterval > 0 && a.CleanupInterval > 0,
		"automation intervals must be positive")
	check(a.RetentionDays >= 0, "automation.retention_days cannot be negative")
	check(a.MaxBackoff >= 0, "automation.max_backoff cannot be negative")
	check(a.TriggerPrefix != "" && !strings.ContainsAny(a.TriggerPrefix, "+#"),
		"automation.trigger_prefix must be a non-empty topic without wildcards")

	check(!c.Metrics.Enabled || strings.HasPrefix(c.Metrics.Path, "/"), "metrics.path must start with /")

	return errors.Join(errs...)
}
