package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling from strings.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration strings like "5s" or "1m".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return fmt.Errorf("duration value node is nil")
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	if raw == "" {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = dur
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// LokiConfig configures optional Loki integration for logging.
type LokiConfig struct {
	Enabled bool              `yaml:"enabled"`
	URL     string            `yaml:"url"`
	Labels  map[string]string `yaml:"labels"`
}

// LoggingConfig encapsulates runtime logging options.
type LoggingConfig struct {
	Level  string     `yaml:"level"`
	Format string     `yaml:"format,omitempty"`
	Loki   LokiConfig `yaml:"loki"`
}

// TelemetryConfig configures runtime telemetry exporters.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Provider string `yaml:"provider,omitempty"`
}

// MetricsConfig configures the optional HTTP endpoint exposing collected metrics.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen,omitempty"`
}

// StoreConfig selects the durable event store backing the fetcher.
type StoreConfig struct {
	Driver string `yaml:"driver,omitempty"`
	Path   string `yaml:"path,omitempty"`
}

// FetchConfig tunes the reconcile and retention timing of the fetcher.
type FetchConfig struct {
	ReconcileInterval Duration `yaml:"reconcile_interval,omitempty"`
	RequestTimeout    Duration `yaml:"request_timeout,omitempty"`
	PruneInterval     Duration `yaml:"prune_interval,omitempty"`
	Retention         Duration `yaml:"retention,omitempty"`
}

// IngestConfig gates which externally supplied events are merged.
type IngestConfig struct {
	Rule string `yaml:"rule,omitempty"`
}

// Config is the root configuration structure for the daemon.
type Config struct {
	Name        string          `yaml:"name,omitempty"`
	Description string          `yaml:"description,omitempty"`
	Logging     LoggingConfig   `yaml:"logging"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Metrics     MetricsConfig   `yaml:"metrics"`
	Store       StoreConfig     `yaml:"store"`
	Relays      []string        `yaml:"relays"`
	Fetch       FetchConfig     `yaml:"fetch"`
	Ingest      IngestConfig    `yaml:"ingest"`
	Watch       []string        `yaml:"watch,omitempty"`
}

// Load reads, validates and decodes the configuration file from disk.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path must not be empty")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := validateSchema(raw); err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case "", "memory":
	case "sqlite":
		if c.Store.Path == "" {
			return errors.New("store path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	for _, relay := range c.Relays {
		if relay == "" {
			return errors.New("relay entries must not be empty")
		}
	}
	return nil
}

// ReconcileInterval returns how often pending lookups are pushed to relays.
func (c *Config) ReconcileInterval() time.Duration {
	if c == nil || c.Fetch.ReconcileInterval.Duration <= 0 {
		return 2 * time.Second
	}
	return c.Fetch.ReconcileInterval.Duration
}

// RequestTimeout returns how long a relay may stay silent before a lookup is retried.
func (c *Config) RequestTimeout() time.Duration {
	if c == nil || c.Fetch.RequestTimeout.Duration <= 0 {
		return time.Minute
	}
	return c.Fetch.RequestTimeout.Duration
}

// PruneInterval returns how often stale rows are removed from the store.
func (c *Config) PruneInterval() time.Duration {
	if c == nil || c.Fetch.PruneInterval.Duration <= 0 {
		return time.Hour
	}
	return c.Fetch.PruneInterval.Duration
}

// Retention returns how long stored events are kept after their last refresh.
func (c *Config) Retention() time.Duration {
	if c == nil || c.Fetch.Retention.Duration <= 0 {
		return 24 * time.Hour
	}
	return c.Fetch.Retention.Duration
}

// StoreDriver returns the configured store driver name.
func (c *Config) StoreDriver() string {
	if c == nil || c.Store.Driver == "" {
		return "memory"
	}
	return c.Store.Driver
}
