package config

import "time"

// CacheConfig holds the redis settings used by the cache authorization
// source.
type CacheConfig struct {
	Enabled     bool          `mapstructure:"ENABLED"      json:"enabled"`
	Addr        string        `mapstructure:"ADDR"         json:"addr"         validate:"required_if=Enabled true"`
	Password    string        `mapstructure:"PASSWORD"     json:"-"`
	DB          int           `mapstructure:"DB"           json:"db"           validate:"min=0,max=15"`
	DialTimeout time.Duration `mapstructure:"DIAL_TIMEOUT" json:"dial_timeout" validate:"required,reasonable_duration"`
}
