package config

import (
	"fmt"
	"net/url"
	"time"
)

// DatabaseConfig holds the Postgres/CockroachDB connection settings.
// When URL is set it takes priority over the discrete fields.
type DatabaseConfig struct {
	URL            string        `mapstructure:"URL"             json:"url"             validate:"omitempty"`
	Server         string        `mapstructure:"SERVER"          json:"server"          validate:"omitempty,host"`
	Port           int           `mapstructure:"PORT"            json:"port"            validate:"omitempty,min=1,max=65535"`
	User           string        `mapstructure:"USER"            json:"user"`
	Password       string        `mapstructure:"PASSWORD"        json:"-"`
	Name           string        `mapstructure:"NAME"            json:"name"            validate:"required"`
	SSLMode        string        `mapstructure:"SSL_MODE"        json:"ssl_mode"        validate:"omitempty,oneof=disable allow prefer require verify-ca verify-full"`
	MaxConns       int32         `mapstructure:"MAX_CONNS"       json:"max_conns"       validate:"required,min=1,max=1000"`
	MinConns       int32         `mapstructure:"MIN_CONNS"       json:"min_conns"       validate:"min=0,ltefield=MaxConns"`
	ConnectRetries int           `mapstructure:"CONNECT_RETRIES" json:"connect_retries" validate:"min=1,max=20"`
	QueryTimeout   time.Duration `mapstructure:"QUERY_TIMEOUT"   json:"query_timeout"   validate:"required,reasonable_duration"`
}

// DSN returns the connection string.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	u := url.URL{
		Scheme: "postgresql",
		Host:   fmt.Sprintf("%s:%d", c.Server, c.Port),
		Path:   "/" + c.Name,
	}
	if c.User != "" {
		if c.Password != "" {
			u.User = url.UserPassword(c.User, c.Password)
		} else {
			u.User = url.User(c.User)
		}
	}
	if c.SSLMode != "" {
		u.RawQuery = "sslmode=" + c.SSLMode
	}
	return u.String()
}
