package fetch

import (
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/holmbr/norq/telemetry"
)

// Option configures the coordinator during construction.
type Option func(*Coordinator) error

// WithLogger provides a custom logger instance for the coordinator and the
// loaders it creates.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Coordinator) error {
		if c == nil {
			return nil
		}
		c.logger = logger
		return nil
	}
}

// WithTelemetry injects a collector shared by the coordinator and all
// loaders.
func WithTelemetry(collector telemetry.Collector) Option {
	return func(c *Coordinator) error {
		if c == nil {
			return nil
		}
		if collector == nil {
			collector = telemetry.Noop()
		}
		c.collector = collector
		return nil
	}
}

// WithClock overrides the time source used for request stamps and retention
// decisions.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) error {
		if c == nil {
			return nil
		}
		if now == nil {
			return errors.New("clock must not be nil")
		}
		c.now = now
		return nil
	}
}

// WithReconcileInterval overrides how often loaders flush their pending
// coordinates into live queries.
func WithReconcileInterval(interval time.Duration) Option {
	return func(c *Coordinator) error {
		if c == nil {
			return nil
		}
		if interval <= 0 {
			return errors.New("reconcile interval must be positive")
		}
		c.reconcileInterval = interval
		return nil
	}
}

// WithRequestTimeout overrides how long a relay may stay silent before a
// lookup becomes eligible for a retry.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(c *Coordinator) error {
		if c == nil {
			return nil
		}
		if timeout <= 0 {
			return errors.New("request timeout must be positive")
		}
		c.requestTimeout = timeout
		return nil
	}
}

// WithPruneInterval overrides how often the durable store is swept.
func WithPruneInterval(interval time.Duration) Option {
	return func(c *Coordinator) error {
		if c == nil {
			return nil
		}
		if interval <= 0 {
			return errors.New("prune interval must be positive")
		}
		c.pruneInterval = interval
		return nil
	}
}

// WithRetention overrides how long stored events survive after their last
// refresh.
func WithRetention(retention time.Duration) Option {
	return func(c *Coordinator) error {
		if c == nil {
			return nil
		}
		if retention <= 0 {
			return errors.New("retention must be positive")
		}
		c.retention = retention
		return nil
	}
}

// WithIngestRule installs a gate deciding which externally supplied events
// are merged. A nil rule accepts everything.
func WithIngestRule(rule IngestRule) Option {
	return func(c *Coordinator) error {
		if c == nil {
			return nil
		}
		c.ingestRule = rule
		return nil
	}
}
