package config

import "time"

// RelayConfig holds the listener, NIP-11 and connection settings.
type RelayConfig struct {
	Name           string           `mapstructure:"NAME"             json:"name"             validate:"required,min=1,max=30"`
	Description    string           `mapstructure:"DESCRIPTION"      json:"description"      validate:"omitempty,max=200"`
	Contact        string           `mapstructure:"CONTACT"          json:"contact"          validate:"omitempty,email"`
	PublicKey      string           `mapstructure:"PUBLIC_KEY"       json:"public_key"       validate:"omitempty,pubkey"`
	Icon           string           `mapstructure:"ICON"             json:"icon"             validate:"omitempty,url"`
	WSAddr         string           `mapstructure:"WS_ADDR"          json:"ws_addr"          validate:"required,wsaddr"`
	PublicURL      string           `mapstructure:"PUBLIC_URL"       json:"public_url"       validate:"omitempty,url"`
	IdleTimeout    time.Duration    `mapstructure:"IDLE_TIMEOUT"     json:"idle_timeout"     validate:"required,reasonable_duration"`
	PingInterval   time.Duration    `mapstructure:"PING_INTERVAL"    json:"ping_interval"    validate:"required,reasonable_duration"`
	WriteTimeout   time.Duration    `mapstructure:"WRITE_TIMEOUT"    json:"write_timeout"    validate:"required,reasonable_duration"`
	MaxMessageSize int64            `mapstructure:"MAX_MESSAGE_SIZE" json:"max_message_size" validate:"required,min=1024,max=16777216"`
	MaxConnections int              `mapstructure:"MAX_CONNECTIONS"  json:"max_connections"  validate:"required,min=1,max=100000"`
	Throttling     ThrottlingConfig `mapstructure:"THROTTLING"       json:"throttling"`
}

// ThrottlingConfig is the per-connection inbound frame flood guard.
type ThrottlingConfig struct {
	Enabled           bool    `mapstructure:"ENABLED"             json:"enabled"`
	MessagesPerSecond float64 `mapstructure:"MESSAGES_PER_SECOND" json:"messages_per_second" validate:"min=0,max=10000"`
	Burst             int     `mapstructure:"BURST"               json:"burst"               validate:"min=0,max=10000"`
}
