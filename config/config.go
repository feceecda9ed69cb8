// Package config provides configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/artpar/runmeter/domain/pricing"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Payment  PaymentConfig  `yaml:"payment"`
	Pricing  PricingConfig  `yaml:"pricing"`
	Sweep    SweepConfig    `yaml:"sweep"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DatabaseConfig configures the database.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite"
	DSN    string `yaml:"dsn"`
}

// PaymentConfig configures the payment provider.
// Use "none", "dummy" or "stripe".
type PaymentConfig struct {
	Provider      string `yaml:"provider"`
	SecretKey     string `yaml:"secret_key,omitempty"`
	WebhookSecret string `yaml:"webhook_secret,omitempty"`
}

// PricingConfig configures the rate table. Zero values fall back to the
// built-in defaults field by field.
type PricingConfig struct {
	Models       map[string]ModelRateConfig `yaml:"models,omitempty"`
	DefaultModel *ModelRateConfig           `yaml:"default_model,omitempty"`

	MarkupPct           *float64           `yaml:"markup_pct,omitempty"`
	PremiumTools        map[string]float64 `yaml:"premium_tools,omitempty"`
	StandardToolCredits *float64           `yaml:"standard_tool_credits,omitempty"`
	KBAccessCredits     *float64           `yaml:"kb_access_credits,omitempty"`
	FixedFeeCredits     *float64           `yaml:"fixed_fee_credits,omitempty"`
	CreditsPerUSD       *float64           `yaml:"credits_per_usd,omitempty"`
}

// ModelRateConfig is the USD price of a model per 1K tokens.
type ModelRateConfig struct {
	InputPer1K  float64 `yaml:"input_per_1k"`
	OutputPer1K float64 `yaml:"output_per_1k"`
}

// SweepConfig configures the billing renewal sweep.
type SweepConfig struct {
	Interval  time.Duration `yaml:"interval"`
	Workers   int           `yaml:"workers"`
	BatchSize int           `yaml:"batch_size"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "console"
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"` // Enable /metrics endpoint
	Path    string `yaml:"path"`    // Custom path (default: /metrics)
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(&cfg)

	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// LoadFromEnv creates configuration entirely from environment variables.
// This is useful for Docker deployments where no config file is needed.
//
// Environment variables:
//
//	RUNMETER_DATABASE_DSN     - Database path (default: runmeter.db)
//	RUNMETER_SERVER_HOST      - Server host (default: 0.0.0.0)
//	RUNMETER_SERVER_PORT      - Server port (default: 8080)
//	RUNMETER_PAYMENT_PROVIDER - Payment provider: none, dummy, stripe (default: none)
//	RUNMETER_LOG_LEVEL        - Log level: debug, info, warn, error (default: info)
//	RUNMETER_LOG_FORMAT       - Log format: json or console (default: json)
//	RUNMETER_METRICS_ENABLED  - Enable /metrics endpoint (default: true)
func LoadFromEnv() (*Config, error) {
	var cfg Config

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// LoadWithFallback tries to load from file, falls back to environment variables.
func LoadWithFallback(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	return LoadFromEnv()
}

// Table converts the pricing section into a rate table, filling unset
// fields from the built-in defaults.
func (c *Config) Table() pricing.Table {
	t := pricing.DefaultTable()

	if len(c.Pricing.Models) > 0 {
		t.Models = make(map[string]pricing.ModelRate, len(c.Pricing.Models))
		for name, r := range c.Pricing.Models {
			t.Models[name] = pricing.ModelRate{InputPer1K: r.InputPer1K, OutputPer1K: r.OutputPer1K}
		}
	}
	if c.Pricing.DefaultModel != nil {
		t.DefaultModel = pricing.ModelRate{
			InputPer1K:  c.Pricing.DefaultModel.InputPer1K,
			OutputPer1K: c.Pricing.DefaultModel.OutputPer1K,
		}
	}
	if c.Pricing.MarkupPct != nil {
		t.MarkupPct = *c.Pricing.MarkupPct
	}
	if len(c.Pricing.PremiumTools) > 0 {
		t.PremiumTools = make(map[string]float64, len(c.Pricing.PremiumTools))
		for name, credits := range c.Pricing.PremiumTools {
			t.PremiumTools[name] = credits
		}
	}
	if c.Pricing.StandardToolCredits != nil {
		t.StandardToolCredits = *c.Pricing.StandardToolCredits
	}
	if c.Pricing.KBAccessCredits != nil {
		t.KBAccessCredits = *c.Pricing.KBAccessCredits
	}
	if c.Pricing.FixedFeeCredits != nil {
		t.FixedFeeCredits = *c.Pricing.FixedFeeCredits
	}
	if c.Pricing.CreditsPerUSD != nil {
		t.CreditsPerUSD = *c.Pricing.CreditsPerUSD
	}

	return t
}

// applyEnvOverrides applies RUNMETER_* environment variables to the config.
// Environment variables always override file-based configuration.
func applyEnvOverrides(cfg *Config) {
	// Server configuration
	if v := os.Getenv("RUNMETER_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("RUNMETER_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("RUNMETER_SERVER_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ReadTimeout = d
		}
	}
	if v := os.Getenv("RUNMETER_SERVER_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.WriteTimeout = d
		}
	}

	// Database configuration
	if v := os.Getenv("RUNMETER_DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("RUNMETER_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}

	// Payment configuration
	if v := os.Getenv("RUNMETER_PAYMENT_PROVIDER"); v != "" {
		cfg.Payment.Provider = v
	}
	if v := os.Getenv("RUNMETER_PAYMENT_SECRET_KEY"); v != "" {
		cfg.Payment.SecretKey = v
	}
	if v := os.Getenv("RUNMETER_PAYMENT_WEBHOOK_SECRET"); v != "" {
		cfg.Payment.WebhookSecret = v
	}

	// Sweep configuration
	if v := os.Getenv("RUNMETER_SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sweep.Interval = d
		}
	}
	if v := os.Getenv("RUNMETER_SWEEP_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sweep.Workers = n
		}
	}

	// Logging configuration
	if v := os.Getenv("RUNMETER_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("RUNMETER_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	// Metrics configuration
	if v := os.Getenv("RUNMETER_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = parseBool(v)
	}
	if v := os.Getenv("RUNMETER_METRICS_PATH"); v != "" {
		cfg.Metrics.Path = v
	}
}

// parseBool parses a boolean from common string values.
func parseBool(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "true" || v == "1" || v == "yes" || v == "on"
}

func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 60 * time.Second
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = "runmeter.db"
	}

	if cfg.Payment.Provider == "" {
		cfg.Payment.Provider = "none"
	}

	if cfg.Sweep.Interval == 0 {
		cfg.Sweep.Interval = 5 * time.Minute
	}
	if cfg.Sweep.Workers == 0 {
		cfg.Sweep.Workers = 4
	}
	if cfg.Sweep.BatchSize == 0 {
		cfg.Sweep.BatchSize = 100
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func validate(cfg *Config) error {
	if cfg.Database.Driver != "sqlite" {
		return fmt.Errorf("database.driver must be 'sqlite', got %q", cfg.Database.Driver)
	}

	validProviders := map[string]bool{"none": true, "dummy": true, "test": true, "stripe": true}
	if !validProviders[cfg.Payment.Provider] {
		return fmt.Errorf("payment.provider must be one of: none, dummy, stripe")
	}
	if cfg.Payment.Provider == "stripe" && cfg.Payment.SecretKey == "" {
		return fmt.Errorf("payment.secret_key is required when payment.provider is 'stripe'")
	}

	if cfg.Pricing.CreditsPerUSD != nil && *cfg.Pricing.CreditsPerUSD <= 0 {
		return fmt.Errorf("pricing.credits_per_usd must be positive")
	}
	if cfg.Pricing.MarkupPct != nil && *cfg.Pricing.MarkupPct < 0 {
		return fmt.Errorf("pricing.markup_pct must not be negative")
	}
	for name, r := range cfg.Pricing.Models {
		if r.InputPer1K < 0 || r.OutputPer1K < 0 {
			return fmt.Errorf("pricing.models[%s] rates must not be negative", name)
		}
	}

	if cfg.Sweep.Workers < 1 {
		return fmt.Errorf("sweep.workers must be at least 1")
	}

	return nil
}
