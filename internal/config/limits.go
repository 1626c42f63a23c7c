package config

import "time"

// Names accepted in limits.subscription.rules.
const (
	RuleDirectMessage = "direct_message"
	RuleAllowedKinds  = "allowed_kinds"
	RuleAuthRequired  = "auth_required"
)

// LimitsConfig holds the admission limits read by message handlers on
// every message.
type LimitsConfig struct {
	Subscription SubscriptionLimits `mapstructure:"SUBSCRIPTION" json:"subscription"`
	Event        EventLimits        `mapstructure:"EVENT"        json:"event"`
}

// SubscriptionLimits bounds REQ messages. Zero disables a limit.
type SubscriptionLimits struct {
	MaxSubscriptions        int      `mapstructure:"MAX_SUBSCRIPTIONS"          json:"max_subscriptions"          validate:"min=0"`
	MaxFilters              int      `mapstructure:"MAX_FILTERS"                json:"max_filters"                validate:"min=0"`
	MaxSubscriptionIDLength int      `mapstructure:"MAX_SUBSCRIPTION_ID_LENGTH" json:"max_subscription_id_length" validate:"min=0"`
	Rules                   []string `mapstructure:"RULES"                      json:"rules"                      validate:"omitempty,dive,rule_name"`
	ProtectedKinds          []int    `mapstructure:"PROTECTED_KINDS"            json:"protected_kinds"            validate:"omitempty,dive,min=0"`
	AllowedKinds            []int    `mapstructure:"ALLOWED_KINDS"              json:"allowed_kinds"              validate:"omitempty,dive,min=0"`
}

// EventLimits bounds EVENT messages.
type EventLimits struct {
	MaxContentLength  int           `mapstructure:"MAX_CONTENT_LENGTH"       json:"max_content_length"       validate:"min=0"`
	MaxCreatedAtDrift time.Duration `mapstructure:"MAX_CREATED_AT_DRIFT"     json:"max_created_at_drift"     validate:"min=0"`
	RequireAdmission  bool          `mapstructure:"REQUIRE_ADMISSION"        json:"require_admission"`
	RateLimits        []RateLimit   `mapstructure:"RATE_LIMITS"              json:"rate_limits"              validate:"omitempty,dive"`
}

// RateLimit allows Rate operations per Period for one client.
type RateLimit struct {
	Period time.Duration `mapstructure:"PERIOD" json:"period" validate:"required,reasonable_duration"`
	Rate   int           `mapstructure:"RATE"   json:"rate"   validate:"required,min=1"`
}
