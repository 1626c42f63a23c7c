package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/Shugur-Network/inbox-relay/internal/logger"
	validator "github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

//go:embed defaults.yaml
var defaultYAML []byte

// Version is set by the main package from build information.
var Version = "dev"

// EnvPrefix prefixes every environment override, e.g. INBOX_LIMITS_EVENT_MAX_CONTENT_LENGTH.
const EnvPrefix = "INBOX"

var validate = validator.New()

var hostnamePattern = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?)*$`)
var pubkeyPattern = regexp.MustCompile(`^[a-fA-F0-9]{64}$`)

// Config holds every sub-config.
type Config struct {
	General  GeneralConfig  `mapstructure:"general"  json:"general"`
	Logging  LoggingConfig  `mapstructure:"logging"  json:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"  json:"metrics"`
	Relay    RelayConfig    `mapstructure:"relay"    json:"relay"`
	Limits   LimitsConfig   `mapstructure:"limits"   json:"limits"`
	Auth     AuthConfig     `mapstructure:"auth"     json:"auth"`
	Database DatabaseConfig `mapstructure:"database" json:"database"`
	Cache    CacheConfig    `mapstructure:"cache"    json:"cache"`
}

// Provider returns the settings in force right now. Handlers call it once
// per message so reloads apply to the next message.
type Provider func() *Config

// Static wraps a fixed Config as a Provider.
func Static(cfg *Config) Provider {
	return func() *Config { return cfg }
}

func init() {
	registerCustomValidators()
	validate.RegisterStructValidation(performCrossFieldValidation, Config{})
}

func registerCustomValidators() {
	register := func(tag string, fn validator.Func) {
		if err := validate.RegisterValidation(tag, fn); err != nil {
			logger.Error("Failed to register validator", zap.String("tag", tag), zap.Error(err))
		}
	}

	// ":port" or "host:port"
	register("wsaddr", func(fl validator.FieldLevel) bool {
		host, port, err := net.SplitHostPort(fl.Field().String())
		if err != nil || port == "" {
			return false
		}
		if _, err := net.LookupPort("tcp", port); err != nil {
			return false
		}
		return host == "" || net.ParseIP(host) != nil || hostnamePattern.MatchString(host)
	})

	register("pubkey", func(fl validator.FieldLevel) bool {
		key := fl.Field().String()
		return key == "" || pubkeyPattern.MatchString(key)
	})

	register("reasonable_duration", func(fl validator.FieldLevel) bool {
		d, ok := fl.Field().Interface().(time.Duration)
		return ok && d >= time.Second && d <= 24*time.Hour
	})

	register("log_level", func(fl validator.FieldLevel) bool {
		switch fl.Field().String() {
		case "debug", "info", "warn", "error", "fatal":
			return true
		}
		return false
	})

	register("log_format", func(fl validator.FieldLevel) bool {
		format := fl.Field().String()
		return format == "console" || format == "json"
	})

	register("host", func(fl validator.FieldLevel) bool {
		host := fl.Field().String()
		return net.ParseIP(host) != nil || hostnamePattern.MatchString(host)
	})

	register("auth_source", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		return s == AuthSourceRepository || s == AuthSourceCache
	})

	register("rule_name", func(fl validator.FieldLevel) bool {
		switch fl.Field().String() {
		case RuleDirectMessage, RuleAllowedKinds, RuleAuthRequired:
			return true
		}
		return false
	})
}

func performCrossFieldValidation(sl validator.StructLevel) {
	cfg := sl.Current().Interface().(Config)

	if cfg.Relay.PublicURL != "" {
		if u, err := url.Parse(cfg.Relay.PublicURL); err == nil && u.Scheme != "ws" && u.Scheme != "wss" {
			sl.ReportError(cfg.Relay.PublicURL, "PublicURL", "PublicURL", "invalid_websocket_scheme", "")
		}
	}

	if cfg.Database.URL == "" && cfg.Database.Server == "" {
		sl.ReportError(cfg.Database.Server, "Server", "Server", "database_target", "")
	}

	if cfg.Metrics.Enabled && cfg.Database.URL == "" && cfg.Database.Port == cfg.Metrics.Port {
		sl.ReportError(cfg.Database.Port, "Port", "Port", "port_conflict", "")
	}

	if cfg.Auth.Source == AuthSourceCache && !cfg.Cache.Enabled {
		sl.ReportError(cfg.Auth.Source, "Source", "Source", "cache_disabled", "")
	}

	if cfg.Relay.WriteTimeout >= cfg.Relay.IdleTimeout {
		sl.ReportError(cfg.Relay.WriteTimeout, "WriteTimeout", "WriteTimeout", "write_timeout_too_long", "")
	}
}

/* ------------------------------------------------------------------ *
|  Public API                                                         |
* -------------------------------------------------------------------*/

// SetVersion sets the version from build information.
func SetVersion(v string) {
	Version = v
}

// Load merges defaults → file (optional) → env vars, validates, initializes
// the global logger and returns cfg.
func Load(path string, log *zap.Logger) (*Config, error) {
	v, err := newViper(path, log)
	if err != nil {
		return nil, err
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	if err := initializeLogger(cfg.Logging); err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}
	logger.Info("configuration loaded",
		zap.String("version", Version),
		zap.String("level", cfg.Logging.Level),
		zap.String("format", cfg.Logging.Format),
		zap.String("config_file", v.ConfigFileUsed()),
	)
	return cfg, nil
}

// newViper layers the embedded defaults under the optional file and the
// environment. Defaults go in through SetDefault so that the file can be
// re-read on change without losing them.
func newViper(path string, log *zap.Logger) (*viper.Viper, error) {
	defaults := viper.New()
	defaults.SetConfigType("yaml")
	if err := defaults.ReadConfig(bytes.NewReader(defaultYAML)); err != nil {
		return nil, fmt.Errorf("read defaults: %w", err)
	}

	v := viper.New()
	for _, key := range defaults.AllKeys() {
		v.SetDefault(key, defaults.Get(key))
	}
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		return v, nil
	}

	v.SetConfigName("config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("read config.yaml: %w", err)
		}
		if log != nil {
			log.Info("No config.yaml found, using defaults")
		}
	} else if log != nil {
		log.Info("Loaded config.yaml from current directory")
	}
	return v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.UnmarshalExact(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, formatValidationError(err)
	}
	return &cfg, nil
}

func initializeLogger(c LoggingConfig) error {
	return logger.Init(
		logger.WithLevel(c.Level),
		logger.WithFormat(c.Format),
		logger.WithFile(c.FilePath),
		logger.WithVersion(Version),
		logger.WithComponent("relay"),
		logger.WithRotation(c.MaxSize, c.MaxBackups, c.MaxAge, c.Compress),
	)
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	validationErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	messages := make([]string, 0, len(validationErrors))
	for _, fe := range validationErrors {
		messages = append(messages, getFieldErrorMessage(fe))
	}
	return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(messages, "\n  - "))
}

func getFieldErrorMessage(fe validator.FieldError) string {
	field := fe.Namespace()
	value := fe.Value()
	param := fe.Param()

	switch fe.Tag() {
	case "required", "required_if":
		return fmt.Sprintf("%s is required but not provided", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s (got: %v)", field, param, value)
	case "max":
		return fmt.Sprintf("%s must be at most %s (got: %v)", field, param, value)
	case "ltefield":
		return fmt.Sprintf("%s must not exceed %s (got: %v)", field, param, value)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s (got: %v)", field, param, value)
	case "email":
		return fmt.Sprintf("%s must be a valid email address (got: %v)", field, value)
	case "url":
		return fmt.Sprintf("%s must be a valid URL (got: %v)", field, value)
	case "wsaddr":
		return fmt.Sprintf("%s must be a valid WebSocket address in format ':port' or 'host:port' (got: %v)", field, value)
	case "pubkey":
		return fmt.Sprintf("%s must be a 64-character hexadecimal string (got: %v)", field, value)
	case "reasonable_duration":
		return fmt.Sprintf("%s must be between 1 second and 24 hours (got: %v)", field, value)
	case "log_level":
		return fmt.Sprintf("%s must be one of: debug, info, warn, error, fatal (got: %v)", field, value)
	case "log_format":
		return fmt.Sprintf("%s must be either 'console' or 'json' (got: %v)", field, value)
	case "host":
		return fmt.Sprintf("%s must be a valid hostname or IP address (got: %v)", field, value)
	case "auth_source":
		return fmt.Sprintf("%s must be either '%s' or '%s' (got: %v)", field, AuthSourceRepository, AuthSourceCache, value)
	case "rule_name":
		return fmt.Sprintf("%s must be one of: %s, %s, %s (got: %v)", field, RuleDirectMessage, RuleAllowedKinds, RuleAuthRequired, value)
	case "invalid_websocket_scheme":
		return fmt.Sprintf("%s must use 'ws://' or 'wss://' scheme for WebSocket connections", field)
	case "database_target":
		return "database.URL or database.SERVER must be set"
	case "port_conflict":
		return "database port conflicts with metrics port, they must be different"
	case "cache_disabled":
		return "auth.SOURCE is 'cache' but cache.ENABLED is false"
	case "write_timeout_too_long":
		return fmt.Sprintf("%s must be shorter than relay.IDLE_TIMEOUT", field)
	default:
		return fmt.Sprintf("%s validation failed: %s (got: %v)", field, fe.Tag(), value)
	}
}
