// Package config loads the orchestration layer's settings from environment
// variables (prefix WEAVE_), with defaults safe for local development.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the resolved runtime configuration.
type Config struct {
	// ListenAddr is the HTTP bind address.
	ListenAddr string `mapstructure:"listen_addr"`
	// Environment is "development" or "production".
	Environment string `mapstructure:"environment"`

	// Provider selects the upstream adapter: openai, anthropic or mock.
	Provider string `mapstructure:"provider"`
	// ProviderAPIKey authenticates against the upstream provider.
	ProviderAPIKey string `mapstructure:"provider_api_key"`
	// ProviderModel overrides the adapter's default model identifier.
	ProviderModel string `mapstructure:"provider_model"`

	// AllowedOrigins is the CORS allow-list (comma separated in env).
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	// RateLimitWindow and RateLimitMax shape the per-client gateway limiter.
	RateLimitWindow time.Duration `mapstructure:"rate_limit_window"`
	RateLimitMax    int           `mapstructure:"rate_limit_max"`
	// MaxBodyBytes caps inbound request bodies.
	MaxBodyBytes int64 `mapstructure:"max_body_bytes"`

	// LogLevel is debug, info, warn or error.
	LogLevel string `mapstructure:"log_level"`
	// PerformanceLogging toggles per-request latency records.
	PerformanceLogging bool `mapstructure:"performance_logging"`
	// SecurityLogging toggles sanitization audit records.
	SecurityLogging bool `mapstructure:"security_logging"`
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("WEAVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen_addr", ":8090")
	v.SetDefault("environment", "development")
	v.SetDefault("provider", "openai")
	v.SetDefault("provider_api_key", "")
	v.SetDefault("provider_model", "")
	v.SetDefault("allowed_origins", "http://localhost:3000,http://localhost:5173")
	v.SetDefault("rate_limit_window", "1m")
	v.SetDefault("rate_limit_max", 60)
	v.SetDefault("max_body_bytes", 1<<20)
	v.SetDefault("log_level", "info")
	v.SetDefault("performance_logging", true)
	v.SetDefault("security_logging", true)

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Comma separated origins arrive as a single string from env.
	if len(cfg.AllowedOrigins) == 1 && strings.Contains(cfg.AllowedOrigins[0], ",") {
		parts := strings.Split(cfg.AllowedOrigins[0], ",")
		cfg.AllowedOrigins = cfg.AllowedOrigins[:0]
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, p)
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot serve traffic.
func (c *Config) Validate() error {
	switch c.Provider {
	case "openai", "anthropic", "mock":
	default:
		return fmt.Errorf("unknown provider %q", c.Provider)
	}
	if c.Provider != "mock" && c.ProviderAPIKey == "" && c.Environment == "production" {
		return fmt.Errorf("provider api key is required in production")
	}
	if c.RateLimitMax <= 0 {
		return fmt.Errorf("rate limit max must be positive")
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("max body bytes must be positive")
	}
	return nil
}

// IsProduction reports whether the environment is production.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}
