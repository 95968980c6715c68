package am

import "time"

// Config represents the recur configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database" toml:"database"`
	Pulse    PulseConfig    `mapstructure:"pulse" toml:"pulse"`
	Log      LogConfig      `mapstructure:"log" toml:"log"`
}

// DatabaseConfig configures the SQLite job database
type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path"`
}

// PulseConfig configures the worker pool that runs queued jobs
type PulseConfig struct {
	Workers             int `mapstructure:"workers" toml:"workers"`                             // Concurrent job workers (default: 1, 0 = no background workers)
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds" toml:"poll_interval_seconds"` // How often idle workers look for due jobs (default: 5)

	MaxAttempts       int  `mapstructure:"max_attempts" toml:"max_attempts"`                 // Attempts before a job is given up (default: 25)
	MaxRunTimeSeconds int  `mapstructure:"max_run_time_seconds" toml:"max_run_time_seconds"` // Per-attempt timeout and stale-lock horizon (default: 14400)
	DestroyFailedJobs bool `mapstructure:"destroy_failed_jobs" toml:"destroy_failed_jobs"`   // Delete exhausted jobs instead of marking failed_at (default: true)

	// Interval applied when a job type has none and a caller resets an interval (default: 86400)
	DefaultIntervalSeconds int `mapstructure:"default_interval_seconds" toml:"default_interval_seconds"`

	MaxJobsPerMinute int  `mapstructure:"max_jobs_per_minute" toml:"max_jobs_per_minute"` // Claim rate limit, 0 = unlimited
	RecordExecutions bool `mapstructure:"record_executions" toml:"record_executions"`     // Keep an execution history row per attempt
}

// LogConfig configures the global logger
type LogConfig struct {
	JSON  bool   `mapstructure:"json" toml:"json"`
	Level string `mapstructure:"level" toml:"level"` // debug, info, warn, error (default: warn)
}

// PollInterval returns the worker poll interval as a duration
func (p PulseConfig) PollInterval() time.Duration {
	return time.Duration(p.PollIntervalSeconds) * time.Second
}

// MaxRunTime returns the per-attempt timeout as a duration
func (p PulseConfig) MaxRunTime() time.Duration {
	return time.Duration(p.MaxRunTimeSeconds) * time.Second
}

// DefaultInterval returns the default recurrence interval as a duration
func (p PulseConfig) DefaultInterval() time.Duration {
	return time.Duration(p.DefaultIntervalSeconds) * time.Second
}

// File system constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
)
