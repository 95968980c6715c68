package am

import (
	"strings"

	"github.com/teranos/recurring/errors"
)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Pulse workers: 0 = no background workers, negative = invalid
	if c.Pulse.Workers < 0 {
		return errors.Newf("pulse.workers must be >= 0, got %d", c.Pulse.Workers)
	}
	if c.Pulse.PollIntervalSeconds <= 0 {
		return errors.Newf("pulse.poll_interval_seconds must be > 0, got %d", c.Pulse.PollIntervalSeconds)
	}
	if c.Pulse.MaxAttempts < 1 {
		return errors.Newf("pulse.max_attempts must be >= 1, got %d", c.Pulse.MaxAttempts)
	}
	if c.Pulse.MaxRunTimeSeconds <= 0 {
		return errors.Newf("pulse.max_run_time_seconds must be > 0, got %d", c.Pulse.MaxRunTimeSeconds)
	}
	if c.Pulse.DefaultIntervalSeconds <= 0 {
		return errors.WithHint(
			errors.Newf("pulse.default_interval_seconds must be > 0, got %d", c.Pulse.DefaultIntervalSeconds),
			"omit the key to use one day")
	}
	if c.Pulse.MaxJobsPerMinute < 0 {
		return errors.Newf("pulse.max_jobs_per_minute must be >= 0, got %d", c.Pulse.MaxJobsPerMinute)
	}

	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return errors.Newf("log.level must be one of debug, info, warn, error, got %q", c.Log.Level)
	}

	return nil
}
