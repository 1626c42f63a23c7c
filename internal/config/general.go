package config

import "time"

// GeneralConfig holds node lifecycle settings.
type GeneralConfig struct {
	ShutdownTimeout time.Duration `mapstructure:"SHUTDOWN_TIMEOUT" json:"shutdown_timeout" validate:"required,reasonable_duration"`
	CleanupInterval time.Duration `mapstructure:"CLEANUP_INTERVAL" json:"cleanup_interval" validate:"required,reasonable_duration"`
}
