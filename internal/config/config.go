// ABOUTME: Configuration loading and parsing for toolgate
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when the corresponding field is left empty.
const (
	DefaultTokenTTL          = 5 * time.Minute
	DefaultShutdownGrace     = 5 * time.Second
	DefaultBridgeHost        = "127.0.0.1"
	DefaultBridgePort        = 8931
	DefaultMaxParallelStarts = 8
	DefaultContainerRuntime  = "docker"
	DefaultContainerImage    = "node:lts-alpine"
	DefaultDatabaseDriver    = "sqlite"
)

// Config represents the complete toolgate configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Policies  PoliciesConfig  `yaml:"policies"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
}

// DatabaseConfig selects the store backend.
// Path is used by sqlite, DSN by postgres.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

// AuthConfig holds trust token and admin credential configuration
type AuthConfig struct {
	TokenSecret    string        `yaml:"token_secret"`
	TokenTTL       time.Duration `yaml:"-"`
	TokenTTLRaw    string        `yaml:"token_ttl"`
	StrictAccess   bool          `yaml:"strict_access"`
	AdminTokenHash string        `yaml:"admin_token_hash"` // bcrypt hash, see `toolgate hash-token`
}

// BridgeConfig holds endpoint supervision configuration
type BridgeConfig struct {
	Host              string          `yaml:"host"`
	Port              int             `yaml:"port"`
	Autostart         bool            `yaml:"autostart"`
	MaxParallelStarts int             `yaml:"max_parallel_starts"`
	ShutdownGrace     time.Duration   `yaml:"-"`
	ShutdownGraceRaw  string          `yaml:"shutdown_grace"`
	Container         ContainerConfig `yaml:"container"`
}

// ContainerConfig describes how sandboxed endpoints are launched
type ContainerConfig struct {
	Runtime           string   `yaml:"runtime"`
	Image             string   `yaml:"image"`
	Network           string   `yaml:"network"`
	WrapperEntrypoint string   `yaml:"wrapper_entrypoint"`
	ExtraArgs         []string `yaml:"extra_args"`
}

// PoliciesConfig points at the declarative manifest
type PoliciesConfig struct {
	Manifest string `yaml:"manifest"`
	Watch    bool   `yaml:"watch"`
}

// AlertsConfig enables alert sinks. A sink is enabled when its address is set.
type AlertsConfig struct {
	Redis RedisSinkConfig `yaml:"redis"`
	Kafka KafkaSinkConfig `yaml:"kafka"`
	MQTT  MQTTSinkConfig  `yaml:"mqtt"`
	AMQP  AMQPSinkConfig  `yaml:"amqp"`
	// Repeats of an alert (same policy, server, session and method) inside
	// this window are not sent to the sinks. Zero sends every alert.
	SuppressWindow    time.Duration `yaml:"-"`
	SuppressWindowRaw string        `yaml:"suppress_window"`
}

// RedisSinkConfig publishes alerts on a redis channel
type RedisSinkConfig struct {
	Addr    string `yaml:"addr"`
	Channel string `yaml:"channel"`
}

// KafkaSinkConfig writes alerts to a kafka topic
type KafkaSinkConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// MQTTSinkConfig publishes alerts to an MQTT topic
type MQTTSinkConfig struct {
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
}

// AMQPSinkConfig publishes alerts to an AMQP exchange
type AMQPSinkConfig struct {
	URL        string `yaml:"url"`
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing_key"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse parses raw YAML configuration bytes.
func Parse(data []byte) (*Config, error) {
	expandedData := ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// ExpandEnv replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func ExpandEnv(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// ApplyDefaults fills zero-valued fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = DefaultDatabaseDriver
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = DefaultTokenTTL
	}
	if c.Bridge.Host == "" {
		c.Bridge.Host = DefaultBridgeHost
	}
	if c.Bridge.Port == 0 {
		c.Bridge.Port = DefaultBridgePort
	}
	if c.Bridge.ShutdownGrace == 0 {
		c.Bridge.ShutdownGrace = DefaultShutdownGrace
	}
	if c.Bridge.MaxParallelStarts <= 0 {
		c.Bridge.MaxParallelStarts = DefaultMaxParallelStarts
	}
	if c.Bridge.Container.Runtime == "" {
		c.Bridge.Container.Runtime = DefaultContainerRuntime
	}
	if c.Bridge.Container.Image == "" {
		c.Bridge.Container.Image = DefaultContainerImage
	}
	if c.Alerts.Redis.Channel == "" {
		c.Alerts.Redis.Channel = "toolgate.alerts"
	}
	if c.Alerts.Kafka.Topic == "" {
		c.Alerts.Kafka.Topic = "toolgate.alerts"
	}
	if c.Alerts.MQTT.Topic == "" {
		c.Alerts.MQTT.Topic = "toolgate/alerts"
	}
	if c.Alerts.MQTT.ClientID == "" {
		c.Alerts.MQTT.ClientID = "toolgate"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported (sqlite, postgres)", c.Database.Driver)
	}

	if len(c.Auth.TokenSecret) < 16 {
		return fmt.Errorf("auth.token_secret must be at least 16 characters")
	}

	if c.Bridge.Port < 0 || c.Bridge.Port > 65535 {
		return fmt.Errorf("bridge.port %d is out of range", c.Bridge.Port)
	}

	if c.Policies.Watch && c.Policies.Manifest == "" {
		return fmt.Errorf("policies.watch requires policies.manifest")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Auth.TokenTTLRaw != "" {
		cfg.Auth.TokenTTL, err = time.ParseDuration(cfg.Auth.TokenTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing token_ttl %q: %w", cfg.Auth.TokenTTLRaw, err)
		}
	}

	if cfg.Bridge.ShutdownGraceRaw != "" {
		cfg.Bridge.ShutdownGrace, err = time.ParseDuration(cfg.Bridge.ShutdownGraceRaw)
		if err != nil {
			return fmt.Errorf("parsing shutdown_grace %q: %w", cfg.Bridge.ShutdownGraceRaw, err)
		}
	}

	if cfg.Alerts.SuppressWindowRaw != "" {
		cfg.Alerts.SuppressWindow, err = time.ParseDuration(cfg.Alerts.SuppressWindowRaw)
		if err != nil {
			return fmt.Errorf("parsing suppress_window %q: %w", cfg.Alerts.SuppressWindowRaw, err)
		}
	}

	return nil
}
