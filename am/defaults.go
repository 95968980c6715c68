package am

import (
	"github.com/spf13/viper"
)

// DefaultDatabasePath is used when database.path is unset
const DefaultDatabasePath = "recur.db"

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", DefaultDatabasePath)

	v.SetDefault("pulse.workers", 1)
	v.SetDefault("pulse.poll_interval_seconds", 5)
	v.SetDefault("pulse.max_attempts", 25)
	v.SetDefault("pulse.max_run_time_seconds", 4*60*60)
	v.SetDefault("pulse.destroy_failed_jobs", true)
	v.SetDefault("pulse.default_interval_seconds", 24*60*60)
	v.SetDefault("pulse.max_jobs_per_minute", 0)
	v.SetDefault("pulse.record_executions", true)

	v.SetDefault("log.json", false)
	v.SetDefault("log.level", "warn")
}

// BindEnvVars binds settings commonly overridden per deployment
func BindEnvVars(v *viper.Viper) {
	_ = v.BindEnv("database.path", "RECUR_DATABASE_PATH")
	_ = v.BindEnv("pulse.workers", "RECUR_PULSE_WORKERS")
	_ = v.BindEnv("log.level", "RECUR_LOG_LEVEL")
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return DefaultDatabasePath
	}
	return c.Database.Path
}
