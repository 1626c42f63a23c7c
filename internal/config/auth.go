package config

// Authorization sources for the AUTH handshake.
const (
	AuthSourceRepository = "repository"
	AuthSourceCache      = "cache"
)

// AuthConfig controls NIP-42 authentication.
type AuthConfig struct {
	Source     string      `mapstructure:"SOURCE"      json:"source"      validate:"required,auth_source"`
	RateLimits []RateLimit `mapstructure:"RATE_LIMITS" json:"rate_limits" validate:"omitempty,dive"`
}
