// Package config loads settled configuration: defaults, then an optional
// YAML file, then SETTLED_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/settlement/pkg/observability"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "SETTLED_"

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config holds server configuration.
type Config struct {
	HTTPAddr string `yaml:"http_addr" env:"HTTP_ADDR"`
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL"`

	Store        StoreConfig        `yaml:"store" envPrefix:"STORE_"`
	Confirmation ConfirmationConfig `yaml:"confirmation" envPrefix:"CONFIRMATION_"`
	Outbox       OutboxConfig       `yaml:"outbox" envPrefix:"OUTBOX_"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit" envPrefix:"RATE_LIMIT_"`
	Redis        RedisConfig        `yaml:"redis" envPrefix:"REDIS_"`
	NATS         NATSConfig         `yaml:"nats" envPrefix:"NATS_"`
	Telemetry    TelemetryConfig    `yaml:"telemetry" envPrefix:"TELEMETRY_"`
}

type StoreConfig struct {
	Driver string `yaml:"driver" env:"DRIVER"`
	DSN    string `yaml:"dsn" env:"DSN"`
	// Migrate applies the embedded schema on startup.
	Migrate bool `yaml:"migrate" env:"MIGRATE"`
}

type ConfirmationConfig struct {
	Window        time.Duration `yaml:"window" env:"WINDOW"`
	SweepInterval time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
}

type OutboxConfig struct {
	Interval  time.Duration `yaml:"interval" env:"INTERVAL"`
	BatchSize int           `yaml:"batch_size" env:"BATCH_SIZE"`
}

type RateLimitConfig struct {
	RPS   float64 `yaml:"rps" env:"RPS"`
	Burst int     `yaml:"burst" env:"BURST"`
}

// RedisConfig enables the shared idempotency cache when Addr is set.
type RedisConfig struct {
	Addr     string        `yaml:"addr" env:"ADDR"`
	Password string        `yaml:"password" env:"PASSWORD"`
	DB       int           `yaml:"db" env:"DB"`
	Prefix   string        `yaml:"prefix" env:"PREFIX"`
	TTL      time.Duration `yaml:"ttl" env:"TTL"`
}

// NATSConfig enables event publishing when URL is set.
type NATSConfig struct {
	URL           string `yaml:"url" env:"URL"`
	SubjectPrefix string `yaml:"subject_prefix" env:"SUBJECT_PREFIX"`
	Name          string `yaml:"name" env:"NAME"`
}

type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled" env:"ENABLED"`
	Endpoint    string  `yaml:"endpoint" env:"ENDPOINT"`
	Insecure    bool    `yaml:"insecure" env:"INSECURE"`
	SampleRate  float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
	Environment string  `yaml:"environment" env:"ENVIRONMENT"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		HTTPAddr: ":8080",
		LogLevel: "INFO",
		Store: StoreConfig{
			Driver:  DriverMemory,
			Migrate: true,
		},
		Confirmation: ConfirmationConfig{
			Window:        7 * 24 * time.Hour,
			SweepInterval: time.Minute,
		},
		Outbox: OutboxConfig{
			Interval:  5 * time.Second,
			BatchSize: 50,
		},
		RateLimit: RateLimitConfig{RPS: 50, Burst: 100},
		Redis: RedisConfig{
			Prefix: "settled:idem:",
			TTL:    24 * time.Hour,
		},
		NATS: NATSConfig{Name: "settled"},
		Telemetry: TelemetryConfig{
			Endpoint:    "localhost:4317",
			SampleRate:  1.0,
			Environment: "development",
		},
	}
}

// Load builds the configuration. path may be empty.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres, DriverSQLite:
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for driver %s", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}
	if c.Confirmation.Window <= 0 {
		errs = append(errs, errors.New("confirmation.window must be positive"))
	}
	if c.Confirmation.SweepInterval <= 0 {
		errs = append(errs, errors.New("confirmation.sweep_interval must be positive"))
	}
	if c.Outbox.Interval <= 0 {
		errs = append(errs, errors.New("outbox.interval must be positive"))
	}
	if c.RateLimit.RPS < 0 {
		errs = append(errs, errors.New("rate_limit.rps must not be negative"))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SlogLevel returns the configured log level.
func (c *Config) SlogLevel() slog.Level {
	level, _ := parseLevel(c.LogLevel)
	return level
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log_level %q", s)
	}
	return level, nil
}

// Observability converts the telemetry settings.
func (c *Config) Observability(version string) *observability.Config {
	oc := observability.DefaultConfig()
	oc.ServiceVersion = version
	oc.Environment = c.Telemetry.Environment
	oc.OTLPEndpoint = c.Telemetry.Endpoint
	oc.SampleRate = c.Telemetry.SampleRate
	oc.Enabled = c.Telemetry.Enabled
	oc.Insecure = c.Telemetry.Insecure
	return oc
}
