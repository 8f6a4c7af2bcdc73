package config

import (
	"fmt"

	"github.com/jacobsa/syncutil"

	"github.com/Swind/go-dispatch/core"
)

func isValidLogFormat(format string) bool {
	return format == "" || format == "text" || format == "json"
}

func isValidExporter(exporter string) bool {
	switch exporter {
	case "", "none", "prometheus", "otel":
		return true
	}
	return false
}

// Validate checks c for contradictory or out-of-range values.
func (c *Config) Validate() error {
	s := c.Scheduler
	if s.MinWorkers < 1 {
		return fmt.Errorf("%w: scheduler.min-workers must be at least 1", core.ErrInvalidConfig)
	}
	if s.MaxWorkers < s.MinWorkers {
		return fmt.Errorf("%w: scheduler.max-workers (%d) is below scheduler.min-workers (%d)",
			core.ErrInvalidConfig, s.MaxWorkers, s.MinWorkers)
	}
	if s.IdleTimeout < 0 || s.ShutdownTimeout < 0 {
		return fmt.Errorf("%w: scheduler timeouts must not be negative", core.ErrInvalidConfig)
	}
	if !isValidLogFormat(c.Logging.Format) {
		return fmt.Errorf("%w: logging.format must be text or json, got %q", core.ErrInvalidConfig, c.Logging.Format)
	}
	if !isValidExporter(c.Metrics.Exporter) {
		return fmt.Errorf("%w: unknown metrics.exporter %q", core.ErrInvalidConfig, c.Metrics.Exporter)
	}

	seen := make(map[string]bool, len(c.Queues))
	for _, q := range c.Queues {
		if q.Label == "" {
			return fmt.Errorf("%w: queue without label", core.ErrInvalidConfig)
		}
		if seen[q.Label] {
			return fmt.Errorf("%w: %q", core.ErrDuplicateLabel, q.Label)
		}
		seen[q.Label] = true
		if q.Width < 0 {
			return fmt.Errorf("%w: queue %q has negative width", core.ErrInvalidConfig, q.Label)
		}
	}
	return nil
}

// ApplyDebug turns on the process-wide debug switches selected by c.
func (c *Config) ApplyDebug() {
	if c.Debug.InvariantChecking {
		syncutil.EnableInvariantChecking()
	}
}
