// ABOUTME: Configuration loading and parsing for ember-relay.
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing.

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete ember-relay configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Telegram     TelegramConfig     `yaml:"telegram"`
	Assistant    AssistantConfig    `yaml:"assistant"`
	Database     DatabaseConfig     `yaml:"database"`
	Billing      BillingConfig      `yaml:"billing"`
	RateLimit    RateLimitConfig    `yaml:"ratelimit"`
	Localization LocalizationConfig `yaml:"localization"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// ServerConfig holds the HTTP server address (health endpoint, webhook).
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// TelegramConfig holds the bot credentials and delivery mode.
type TelegramConfig struct {
	Token string `yaml:"token"`

	// WebhookURL switches the bot from long polling to webhook delivery.
	// Leave empty for long polling (the default).
	WebhookURL string `yaml:"webhook_url"`
}

// AssistantConfig holds the agent service connection settings.
type AssistantConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	AgentID string `yaml:"agent_id"`

	// RunTimeout bounds one streaming run end to end. A run that exceeds it
	// is cancelled and settled as a failed turn.
	RunTimeout    time.Duration `yaml:"-"`
	RunTimeoutRaw string        `yaml:"run_timeout"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// BillingConfig holds token metering policy.
type BillingConfig struct {
	// ChargePartial controls whether a failed stream is still charged the
	// best-available estimate. When false, failed turns are free.
	ChargePartial *bool `yaml:"charge_partial"`

	// WelcomeTokens is the balance granted to newly created users.
	WelcomeTokens int64 `yaml:"welcome_tokens"`

	// PricePerToken is the invoice price, in Telegram Stars cents, for one token.
	PricePerToken int64 `yaml:"price_per_token"`
}

// RateLimitConfig bounds how often one user may start a turn.
type RateLimitConfig struct {
	Limit     int           `yaml:"limit"`
	Window    time.Duration `yaml:"-"`
	WindowRaw string        `yaml:"window"`
}

// LocalizationConfig selects the fallback language.
type LocalizationConfig struct {
	DefaultLanguage string `yaml:"default_language"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables become empty strings.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in values for optional settings.
func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "localhost:8080"
	}
	if c.Assistant.RunTimeout == 0 {
		c.Assistant.RunTimeout = 2 * time.Minute
	}
	if c.RateLimit.Limit == 0 {
		c.RateLimit.Limit = 5
	}
	if c.RateLimit.Window == 0 {
		c.RateLimit.Window = time.Minute
	}
	if c.Localization.DefaultLanguage == "" {
		c.Localization.DefaultLanguage = "en"
	}
	if c.Billing.PricePerToken == 0 {
		c.Billing.PricePerToken = 1
	}
	if c.Billing.ChargePartial == nil {
		chargePartial := true
		c.Billing.ChargePartial = &chargePartial
	}
}

// Validate checks that all required configuration fields are present and
// valid. Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Telegram.Token == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if c.Assistant.BaseURL == "" {
		return fmt.Errorf("assistant.base_url is required")
	}
	if c.Assistant.AgentID == "" {
		return fmt.Errorf("assistant.agent_id is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.RateLimit.Limit < 0 {
		return fmt.Errorf("ratelimit.limit must not be negative")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Assistant.RunTimeoutRaw != "" {
		cfg.Assistant.RunTimeout, err = time.ParseDuration(cfg.Assistant.RunTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing run_timeout %q: %w", cfg.Assistant.RunTimeoutRaw, err)
		}
	}

	if cfg.RateLimit.WindowRaw != "" {
		cfg.RateLimit.Window, err = time.ParseDuration(cfg.RateLimit.WindowRaw)
		if err != nil {
			return fmt.Errorf("parsing window %q: %w", cfg.RateLimit.WindowRaw, err)
		}
	}

	return nil
}
