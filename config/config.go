// Package config defines the daemon's configuration model and file loader.
// Configuration is read from a YAML or JSON file, with defaults applied for
// everything an operator leaves unset.
package config

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/Oberacda/dblogd/errors"
	"github.com/Oberacda/dblogd/pkg/security"
)

// Default values applied by ApplyDefaults.
const (
	DefaultBindAddress     = "0.0.0.0"
	DefaultPort            = 6007
	DefaultReadTimeout     = 5 * time.Minute
	DefaultMaxFrameBytes   = 64 * 1024
	DefaultWorkerPoolSize  = 10
	DefaultQueueCapacity   = 100
	DefaultShutdownTimeout = 30 * time.Second
	DefaultMetricsPort     = 9090
	DefaultMetricsPath     = "/metrics"
	DefaultDatabasePort    = 5432
	DefaultDatabaseSSLMode = "require"
	DefaultMQTTPort        = 8883
	DefaultMQTTTopic       = "sensors/environment"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "json"
)

// Config is the complete daemon configuration.
type Config struct {
	Server   ServerConfig   `json:"server" yaml:"server"`
	Workers  WorkerConfig   `json:"workers" yaml:"workers"`
	Database DatabaseConfig `json:"database" yaml:"database"`
	MQTT     MQTTConfig     `json:"mqtt,omitempty" yaml:"mqtt,omitempty"`
	Metrics  MetricsConfig  `json:"metrics" yaml:"metrics"`
	Log      LogConfig      `json:"log" yaml:"log"`

	// ShutdownTimeout bounds the drain of in-flight work on termination.
	ShutdownTimeout Duration `json:"shutdown_timeout,omitempty" yaml:"shutdown_timeout,omitempty"`
}

// ServerConfig configures the TCP/TLS listening socket.
type ServerConfig struct {
	BindAddress string                   `json:"bind_address" yaml:"bind_address"`
	Port        int                      `json:"port" yaml:"port"`
	TLS         security.ServerTLSConfig `json:"tls,omitempty" yaml:"tls,omitempty"`

	// ReadTimeout is how long a connection may stay silent before it is
	// closed as idle.
	ReadTimeout Duration `json:"read_timeout,omitempty" yaml:"read_timeout,omitempty"`

	// MaxFrameBytes bounds a single newline-delimited message.
	MaxFrameBytes int `json:"max_frame_bytes,omitempty" yaml:"max_frame_bytes,omitempty"`

	// MessagesPerSecond rate-limits a single connection; 0 disables the
	// limit.
	MessagesPerSecond float64 `json:"messages_per_second,omitempty" yaml:"messages_per_second,omitempty"`
}

// WorkerConfig configures the connection handler pool.
type WorkerConfig struct {
	PoolSize      int `json:"pool_size" yaml:"pool_size"`
	QueueCapacity int `json:"queue_capacity" yaml:"queue_capacity"`
}

// DatabaseConfig configures the Postgres connection.
type DatabaseConfig struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	User     string `json:"user" yaml:"user"`
	Password string `json:"password" yaml:"password"`
	Name     string `json:"name" yaml:"name"`
	SSLMode  string `json:"ssl_mode,omitempty" yaml:"ssl_mode,omitempty"`
}

// DSN renders the configuration as a lib/pq connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// MQTTConfig configures the optional MQTT subscriber input.
type MQTTConfig struct {
	Enabled  bool                     `json:"enabled" yaml:"enabled"`
	Host     string                   `json:"host,omitempty" yaml:"host,omitempty"`
	Port     int                      `json:"port,omitempty" yaml:"port,omitempty"`
	Topic    string                   `json:"topic,omitempty" yaml:"topic,omitempty"`
	QoS      byte                     `json:"qos,omitempty" yaml:"qos,omitempty"`
	ClientID string                   `json:"client_id,omitempty" yaml:"client_id,omitempty"`
	Username string                   `json:"username,omitempty" yaml:"username,omitempty"`
	Password string                   `json:"password,omitempty" yaml:"password,omitempty"`
	TLS      security.ClientTLSConfig `json:"tls,omitempty" yaml:"tls,omitempty"`
}

// MetricsConfig configures the Prometheus/health HTTP endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Port    int    `json:"port,omitempty" yaml:"port,omitempty"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty"`   // debug, info, warn, error
	Format string `json:"format,omitempty" yaml:"format,omitempty"` // json or text
}

// Default returns a configuration populated with defaults. The database
// section has no usable default credentials and must be filled in.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills in zero-valued fields that have a sensible default.
func (c *Config) ApplyDefaults() {
	if c.Server.BindAddress == "" {
		c.Server.BindAddress = DefaultBindAddress
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = Duration(DefaultReadTimeout)
	}
	if c.Server.MaxFrameBytes == 0 {
		c.Server.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if c.Workers.PoolSize == 0 {
		c.Workers.PoolSize = DefaultWorkerPoolSize
	}
	if c.Workers.QueueCapacity == 0 {
		c.Workers.QueueCapacity = DefaultQueueCapacity
	}
	if c.Database.Port == 0 {
		c.Database.Port = DefaultDatabasePort
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = DefaultDatabaseSSLMode
	}
	if c.MQTT.Enabled {
		if c.MQTT.Port == 0 {
			c.MQTT.Port = DefaultMQTTPort
		}
		if c.MQTT.Topic == "" {
			c.MQTT.Topic = DefaultMQTTTopic
		}
	}
	if c.Metrics.Enabled {
		if c.Metrics.Port == 0 {
			c.Metrics.Port = DefaultMetricsPort
		}
		if c.Metrics.Path == "" {
			c.Metrics.Path = DefaultMetricsPath
		}
	}
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = Duration(DefaultShutdownTimeout)
	}
}

// Validate checks the configuration for inconsistencies. It returns the
// first problem found as an invalid-class error.
func (c *Config) Validate() error {
	if err := c.Server.validate(); err != nil {
		return err
	}
	if err := c.Workers.validate(); err != nil {
		return err
	}
	if err := c.Database.validate(); err != nil {
		return err
	}
	if err := c.MQTT.validate(); err != nil {
		return err
	}
	if err := c.Metrics.validate(); err != nil {
		return err
	}
	if err := c.Log.validate(); err != nil {
		return err
	}
	if c.ShutdownTimeout < 0 {
		return invalidf("shutdown_timeout must not be negative")
	}
	return nil
}

func (s ServerConfig) validate() error {
	if net.ParseIP(s.BindAddress) == nil {
		return invalidf("server.bind_address %q is not an IP address", s.BindAddress)
	}
	if err := validatePort("server.port", s.Port); err != nil {
		return err
	}
	if s.ReadTimeout < 0 {
		return invalidf("server.read_timeout must not be negative")
	}
	if s.MaxFrameBytes < 512 {
		return invalidf("server.max_frame_bytes %d is too small", s.MaxFrameBytes)
	}
	if s.MessagesPerSecond < 0 {
		return invalidf("server.messages_per_second must not be negative")
	}
	if s.TLS.Enabled {
		if s.TLS.CertFile == "" {
			return invalidf("server.tls.cert_file is required when TLS is enabled")
		}
		if s.TLS.KeyFile == "" {
			return invalidf("server.tls.key_file is required when TLS is enabled")
		}
	}
	if s.TLS.MTLS.Enabled {
		if !s.TLS.Enabled {
			return invalidf("server.tls.mtls requires server.tls to be enabled")
		}
		if len(s.TLS.MTLS.ClientCAFiles) == 0 {
			return invalidf("server.tls.mtls.client_ca_files is required when mTLS is enabled")
		}
	}
	return nil
}

func (w WorkerConfig) validate() error {
	if w.PoolSize < 1 {
		return invalidf("workers.pool_size must be at least 1")
	}
	if w.QueueCapacity < 1 {
		return invalidf("workers.queue_capacity must be at least 1")
	}
	return nil
}

func (d DatabaseConfig) validate() error {
	if d.Host == "" {
		return invalidf("database.host is required")
	}
	if err := validatePort("database.port", d.Port); err != nil {
		return err
	}
	if d.User == "" {
		return invalidf("database.user is required")
	}
	if d.Name == "" {
		return invalidf("database.name is required")
	}
	switch d.SSLMode {
	case "disable", "require", "verify-ca", "verify-full":
	default:
		return invalidf("database.ssl_mode %q is not a valid lib/pq sslmode", d.SSLMode)
	}
	return nil
}

func (m MQTTConfig) validate() error {
	if !m.Enabled {
		return nil
	}
	if m.Host == "" {
		return invalidf("mqtt.host is required when MQTT input is enabled")
	}
	if err := validatePort("mqtt.port", m.Port); err != nil {
		return err
	}
	if m.Topic == "" {
		return invalidf("mqtt.topic is required when MQTT input is enabled")
	}
	if m.QoS > 2 {
		return invalidf("mqtt.qos %d is out of range (0-2)", m.QoS)
	}
	return nil
}

func (m MetricsConfig) validate() error {
	if !m.Enabled {
		return nil
	}
	if err := validatePort("metrics.port", m.Port); err != nil {
		return err
	}
	if m.Path == "" || m.Path[0] != '/' {
		return invalidf("metrics.path %q must start with '/'", m.Path)
	}
	return nil
}

func (l LogConfig) validate() error {
	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		return invalidf("log.level %q is not one of debug, info, warn, error", l.Level)
	}
	switch l.Format {
	case "json", "text":
	default:
		return invalidf("log.format %q is not one of json, text", l.Format)
	}
	return nil
}

func validatePort(field string, port int) error {
	if port < 1 || port > 65535 {
		return invalidf("%s %s is out of range (1-65535)", field, strconv.Itoa(port))
	}
	return nil
}

func invalidf(format string, args ...any) error {
	return errors.WrapInvalid(
		fmt.Errorf(format, args...),
		"config", "Validate", "check configuration",
	)
}
