// Package config loads runtime configuration from an optional TOML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents runtime configuration for the marketplace gateway.
type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	Environment   string `toml:"Environment"`
	DatabaseURL   string `toml:"DatabaseURL"`

	JWTSecret       string        `toml:"JWTSecret"`
	JWTIssuer       string        `toml:"JWTIssuer"`
	AllowStaticAuth bool          `toml:"AllowStaticAuth"`
	ShutdownTimeout time.Duration `toml:"-"`

	Processor ProcessorConfig `toml:"Processor"`

	WebhookRatePerMinute float64 `toml:"WebhookRatePerMinute"`
	WebhookBurst         int     `toml:"WebhookBurst"`

	LogFile       string `toml:"LogFile"`
	LogMaxSizeMB  int    `toml:"LogMaxSizeMB"`
	LogMaxBackups int    `toml:"LogMaxBackups"`
	LogMaxAgeDays int    `toml:"LogMaxAgeDays"`
}

// ProcessorConfig configures the external payment gateway integration.
type ProcessorConfig struct {
	BaseURL       string `toml:"BaseURL"`
	APIKey        string `toml:"APIKey"`
	IPNSecret     string `toml:"IPNSecret"`
	PriceCurrency string `toml:"PriceCurrency"`
}

const (
	envListen        = "FORTFLUX_LISTEN"
	envEnvironment   = "FORTFLUX_ENV"
	envDatabaseURL   = "FORTFLUX_DATABASE_URL"
	envJWTSecret     = "FORTFLUX_JWT_SECRET"
	envJWTIssuer     = "FORTFLUX_JWT_ISSUER"
	envStaticAuth    = "FORTFLUX_ALLOW_STATIC_AUTH"
	envProcessorBase = "FORTFLUX_PROCESSOR_BASE"
	envProcessorKey  = "FORTFLUX_PROCESSOR_API_KEY"
	envIPNSecret     = "FORTFLUX_PROCESSOR_IPN_SECRET"
	envLogFile       = "FORTFLUX_LOG_FILE"
)

// Load reads the TOML file at path when it exists, then applies environment
// overrides. An empty path skips the file entirely.
func Load(path string) (*Config, error) {
	cfg := defaults()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			meta, err := toml.DecodeFile(path, cfg)
			if err != nil {
				return nil, fmt.Errorf("decode config %s: %w", path, err)
			}
			if undecoded := meta.Undecoded(); len(undecoded) > 0 {
				return nil, fmt.Errorf("config file %s has unknown field %s", path, undecoded[0].String())
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}
	applyEnv(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		ListenAddress:        ":8080",
		Environment:          "dev",
		JWTIssuer:            "fortflux",
		ShutdownTimeout:      10 * time.Second,
		WebhookRatePerMinute: 120,
		WebhookBurst:         20,
		LogMaxSizeMB:         100,
		LogMaxBackups:        3,
		LogMaxAgeDays:        28,
		Processor: ProcessorConfig{
			BaseURL:       "https://api.nowpayments.io/v1",
			PriceCurrency: "usd",
		},
	}
}

func applyEnv(cfg *Config) {
	setString(&cfg.ListenAddress, envListen)
	setString(&cfg.Environment, envEnvironment)
	setString(&cfg.DatabaseURL, envDatabaseURL)
	setString(&cfg.JWTSecret, envJWTSecret)
	setString(&cfg.JWTIssuer, envJWTIssuer)
	setString(&cfg.Processor.BaseURL, envProcessorBase)
	setString(&cfg.Processor.APIKey, envProcessorKey)
	setString(&cfg.Processor.IPNSecret, envIPNSecret)
	setString(&cfg.LogFile, envLogFile)
	if raw := strings.TrimSpace(os.Getenv(envStaticAuth)); raw != "" {
		cfg.AllowStaticAuth = raw == "1" || strings.EqualFold(raw, "true")
	}
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("%s is required", envDatabaseURL)
	}
	if strings.TrimSpace(c.Processor.IPNSecret) == "" {
		return fmt.Errorf("%s is required", envIPNSecret)
	}
	if strings.TrimSpace(c.JWTSecret) == "" && !c.AllowStaticAuth {
		return fmt.Errorf("%s is required unless %s is set", envJWTSecret, envStaticAuth)
	}
	return nil
}

func setString(dst *string, key string) {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		*dst = val
	}
}
