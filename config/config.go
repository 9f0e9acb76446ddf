// Copyright 2025 MeterFlow
// SPDX-License-Identifier: Apache-2.0

// Package config loads the service configuration from a YAML file with
// environment variable expansion, then applies direct env overrides.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root service configuration.
type Config struct {
	// DatabaseURL is the PostgreSQL connection string.
	DatabaseURL string `yaml:"database_url"`

	// RedisURL enables the monthly usage cache when set (host:port).
	RedisURL string `yaml:"redis_url,omitempty"`

	// OpsAddr is the listen address for /metrics and /healthz.
	OpsAddr string `yaml:"ops_addr"`

	Routing  RoutingConfig  `yaml:"routing"`
	Metering MeteringConfig `yaml:"metering"`
	AWS      AWSConfig      `yaml:"aws"`
}

// RoutingConfig controls model selection and provider behavior.
type RoutingConfig struct {
	PrimaryModel     string `yaml:"primary_model"`
	FallbackModel    string `yaml:"fallback_model,omitempty"`
	ProviderURL      string `yaml:"provider_url,omitempty"`
	CallTimeoutMs    int    `yaml:"call_timeout_ms"`
	MaxRetries       int    `yaml:"max_retries"`
	InitialBackoffMs int    `yaml:"initial_backoff_ms"`
}

// CallTimeout returns the per-call timeout.
func (r RoutingConfig) CallTimeout() time.Duration {
	return time.Duration(r.CallTimeoutMs) * time.Millisecond
}

// InitialBackoff returns the first retry backoff.
func (r RoutingConfig) InitialBackoff() time.Duration {
	return time.Duration(r.InitialBackoffMs) * time.Millisecond
}

// MeteringConfig controls admission and the ledger.
type MeteringConfig struct {
	MarginPercent    int64  `yaml:"margin_percent"`
	MinTopUpCents    int64  `yaml:"min_topup_cents"`
	SignupBonusCents int64  `yaml:"signup_bonus_cents"`
	PricingFile      string `yaml:"pricing_file,omitempty"`
	// MasterSecret seals BYOK keys at rest.
	MasterSecret string `yaml:"master_secret"`
}

// AWSConfig locates the platform provider key.
type AWSConfig struct {
	Region         string `yaml:"region,omitempty"`
	PlatformKeyARN string `yaml:"platform_key_arn,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		OpsAddr: ":9090",
		Routing: RoutingConfig{
			PrimaryModel:     "gpt-4o",
			FallbackModel:    "gpt-4o-mini",
			CallTimeoutMs:    60_000,
			MaxRetries:       2,
			InitialBackoffMs: 100,
		},
		Metering: MeteringConfig{
			MarginPercent: 20,
			MinTopUpCents: 500,
		},
	}
}

// Load reads the config file at path over the defaults. An empty path
// returns the defaults with env overrides only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		expanded := expandEnvVars(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides file values from the environment. Env wins over file.
func (c *Config) applyEnv() {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("METERFLOW_OPS_ADDR"); v != "" {
		c.OpsAddr = v
	}
	if v := os.Getenv("METERFLOW_PRIMARY_MODEL"); v != "" {
		c.Routing.PrimaryModel = v
	}
	if v := os.Getenv("METERFLOW_FALLBACK_MODEL"); v != "" {
		c.Routing.FallbackModel = v
	}
	if v := os.Getenv("METERFLOW_MASTER_SECRET"); v != "" {
		c.Metering.MasterSecret = v
	}
	if v := os.Getenv("METERFLOW_PLATFORM_KEY_ARN"); v != "" {
		c.AWS.PlatformKeyARN = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" && c.AWS.Region == "" {
		c.AWS.Region = v
	}
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("database_url is required (or set DATABASE_URL)")
	}
	if c.Routing.PrimaryModel == "" {
		return fmt.Errorf("routing.primary_model is required")
	}
	if c.Metering.MarginPercent < 0 || c.Metering.MarginPercent > 100 {
		return fmt.Errorf("metering.margin_percent must be in [0,100], got %d", c.Metering.MarginPercent)
	}
	if c.Metering.MasterSecret == "" {
		return fmt.Errorf("metering.master_secret is required (or set METERFLOW_MASTER_SECRET)")
	}
	return nil
}

// envVarRegex matches ${VAR_NAME} or $VAR_NAME patterns.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars expands environment variable references, supporting
// ${VAR}, $VAR, and ${VAR:-default}. Undefined variables expand to the
// empty string.
func expandEnvVars(content string) string {
	return envVarRegex.ReplaceAllStringFunc(content, func(match string) string {
		var varName string
		if strings.HasPrefix(match, "${") {
			varName = match[2 : len(match)-1]
		} else {
			varName = match[1:]
		}

		defaultVal := ""
		if idx := strings.Index(varName, ":-"); idx != -1 {
			defaultVal = varName[idx+2:]
			varName = varName[:idx]
		}

		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultVal
	})
}
