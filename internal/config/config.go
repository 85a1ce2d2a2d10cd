// Package config loads and validates scan service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. SECURESCAN_SERVER_PORT.
const EnvPrefix = "SECURESCAN"

// Store providers.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Event providers.
const (
	EventsNone   = "none"
	EventsMemory = "memory"
	EventsPubSub = "pubsub"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Scanner   ScannerConfig   `mapstructure:"scanner"`
	Store     StoreConfig     `mapstructure:"store"`
	Events    EventsConfig    `mapstructure:"events"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int `mapstructure:"port"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
	ShutdownGraceSeconds  int `mapstructure:"shutdown_grace_seconds"`
}

// ScannerConfig governs admission, dispatch, and the outbound fetch.
type ScannerConfig struct {
	Concurrency    int      `mapstructure:"concurrency"`
	QueueCapacity  int      `mapstructure:"queue_capacity"`
	UserAgent      string   `mapstructure:"user_agent"`
	TimeoutSeconds int      `mapstructure:"timeout_seconds"`
	MaxRedirects   int      `mapstructure:"max_redirects"`
	PerHostRPS     float64  `mapstructure:"per_host_rps"`
	PerHostBurst   int      `mapstructure:"per_host_burst"`
	BlockedHosts   []string `mapstructure:"blocked_hosts"` // exact hosts or "*.suffix" patterns
}

// StoreConfig selects and configures the scan record store.
type StoreConfig struct {
	Provider string         `mapstructure:"provider"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig controls access to the relational database.
type PostgresConfig struct {
	DSN          string `mapstructure:"dsn"`
	Table        string `mapstructure:"table"`
	MaxConns     int32  `mapstructure:"max_conns"`
	EnsureSchema bool   `mapstructure:"ensure_schema"`
}

// EventsConfig selects where completion events go.
type EventsConfig struct {
	Provider              string       `mapstructure:"provider"`
	Topic                 string       `mapstructure:"topic"`
	PublishTimeoutSeconds int          `mapstructure:"publish_timeout_seconds"`
	PubSub                PubSubConfig `mapstructure:"pubsub"`
}

// PubSubConfig holds the Google Cloud project used for events.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// TelemetryConfig names the service in trace resources.
type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		// Without an explicit path, a securescan.{yaml,json,toml} in one of
		// the search paths is optional.
		v.SetConfigName("securescan")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/securescan/")
		v.AddConfigPath("$HOME/.securescan")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Every key needs a default, even an empty one, so AutomaticEnv can
// override it during Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 30)
	v.SetDefault("server.shutdown_grace_seconds", 15)
	v.SetDefault("scanner.concurrency", 4)
	v.SetDefault("scanner.queue_capacity", 128)
	v.SetDefault("scanner.user_agent", "SecureScan/0.1 (+https://securascan.local)")
	v.SetDefault("scanner.timeout_seconds", 10)
	v.SetDefault("scanner.max_redirects", 5)
	v.SetDefault("scanner.per_host_rps", 0)
	v.SetDefault("scanner.per_host_burst", 1)
	v.SetDefault("scanner.blocked_hosts", []string{})
	v.SetDefault("store.provider", StoreMemory)
	v.SetDefault("store.postgres.dsn", "")
	v.SetDefault("store.postgres.table", "scans")
	v.SetDefault("store.postgres.max_conns", 10)
	v.SetDefault("store.postgres.ensure_schema", true)
	v.SetDefault("events.provider", EventsNone)
	v.SetDefault("events.topic", "scan.finished")
	v.SetDefault("events.publish_timeout_seconds", 10)
	v.SetDefault("events.pubsub.project_id", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("telemetry.service_name", "securescan")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Scanner.Concurrency <= 0 {
		return fmt.Errorf("scanner.concurrency must be > 0")
	}
	if c.Scanner.QueueCapacity <= 0 {
		return fmt.Errorf("scanner.queue_capacity must be > 0")
	}
	if c.Scanner.TimeoutSeconds <= 0 {
		return fmt.Errorf("scanner.timeout_seconds must be > 0")
	}
	if c.Scanner.MaxRedirects < 1 {
		return fmt.Errorf("scanner.max_redirects must be >= 1")
	}
	if c.Scanner.PerHostRPS < 0 {
		return fmt.Errorf("scanner.per_host_rps must be >= 0")
	}
	switch c.Store.Provider {
	case StoreMemory:
	case StorePostgres:
		if c.Store.Postgres.DSN == "" {
			return fmt.Errorf("store.postgres.dsn must be set when store.provider is postgres")
		}
	default:
		return fmt.Errorf("store.provider %q is not supported", c.Store.Provider)
	}
	if c.Events.PublishTimeoutSeconds <= 0 {
		return fmt.Errorf("events.publish_timeout_seconds must be > 0")
	}
	switch c.Events.Provider {
	case EventsNone, EventsMemory:
	case EventsPubSub:
		if c.Events.PubSub.ProjectID == "" {
			return fmt.Errorf("events.pubsub.project_id must be set when events.provider is pubsub")
		}
		if c.Events.Topic == "" {
			return fmt.Errorf("events.topic must be set when events.provider is pubsub")
		}
	default:
		return fmt.Errorf("events.provider %q is not supported", c.Events.Provider)
	}
	return nil
}

// FetchTimeout converts the scanner timeout into a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Scanner.TimeoutSeconds) * time.Second
}

// RequestTimeout bounds a single API request.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}

// PublishTimeout bounds delivery of one completion event.
func (c Config) PublishTimeout() time.Duration {
	return time.Duration(c.Events.PublishTimeoutSeconds) * time.Second
}

// ShutdownGrace bounds graceful shutdown.
func (c Config) ShutdownGrace() time.Duration {
	return time.Duration(c.Server.ShutdownGraceSeconds) * time.Second
}
