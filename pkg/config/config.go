// Package config loads the scraper configuration from an optional YAML file,
// a .env file and environment variables.
package config

import (
	"errors"
	"fmt"
	"time"
)

// MaxNumberedTokens is the highest N read from GITHUB_TOKEN_N.
const MaxNumberedTokens = 20

// ErrNoTokens is returned by Validate when no credential is configured.
var ErrNoTokens = errors.New("no GitHub tokens configured (set GITHUB_TOKEN_1..GITHUB_TOKEN_20 or GITHUB_TOKENS)")

// Config is the full scraper configuration.
type Config struct {
	// Tokens are the GitHub access tokens, in pool order.
	Tokens []string `yaml:"tokens"`

	MaxWorkers     int             `yaml:"max_workers"`
	Pacing         time.Duration   `yaml:"pacing"`
	MaxAttempts    int             `yaml:"max_attempts"`
	Backoff        []time.Duration `yaml:"backoff"`
	RequestTimeout time.Duration   `yaml:"request_timeout"`

	LowWaterMark   int           `yaml:"low_water_mark"`
	QuotaCeiling   int           `yaml:"quota_ceiling"`
	RecoveryWindow time.Duration `yaml:"recovery_window"`

	// RetryAfterRecovery re-executes a task once after an exhausted outcome
	// and the coordinated recovery sleep.
	RetryAfterRecovery bool `yaml:"retry_after_recovery"`
	ProgressEvery      int  `yaml:"progress_every"`

	Watchdog WatchdogConfig `yaml:"watchdog"`

	DiscordWebhookURL string `yaml:"discord_webhook_url"`

	RedisURL       string        `yaml:"redis_url"`
	CacheEnabled   bool          `yaml:"cache_enabled"`
	CacheRetention time.Duration `yaml:"cache_retention"`

	MetricsAddr string `yaml:"metrics_addr"`

	APIURL     string `yaml:"api_url"`
	GraphQLURL string `yaml:"graphql_url"`

	Log LogConfig `yaml:"log"`
}

// WatchdogConfig holds the stall detector settings.
type WatchdogConfig struct {
	Interval  time.Duration `yaml:"interval"`
	Threshold int           `yaml:"threshold"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"` // debug, info, warn, error
	Pretty bool   `yaml:"pretty"`
	File   string `yaml:"file"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		MaxWorkers:     20,
		Pacing:         50 * time.Millisecond,
		MaxAttempts:    3,
		Backoff:        []time.Duration{2 * time.Second, 5 * time.Second, 10 * time.Second, 20 * time.Second, 30 * time.Second},
		RequestTimeout: 30 * time.Second,

		LowWaterMark:   10,
		QuotaCeiling:   5000,
		RecoveryWindow: time.Hour,

		RetryAfterRecovery: true,
		ProgressEvery:      50,

		Watchdog: WatchdogConfig{
			Interval:  2 * time.Minute,
			Threshold: 10,
		},

		CacheRetention: 24 * time.Hour,

		APIURL:     "https://api.github.com",
		GraphQLURL: "https://api.github.com/graphql",

		Log: LogConfig{
			Level: "info",
		},
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case len(c.Tokens) == 0:
		return ErrNoTokens
	case c.MaxWorkers < 1:
		return fmt.Errorf("max_workers must be >= 1 (got %d)", c.MaxWorkers)
	case c.MaxAttempts < 1:
		return fmt.Errorf("max_attempts must be >= 1 (got %d)", c.MaxAttempts)
	case c.Pacing < 0:
		return fmt.Errorf("pacing must be >= 0 (got %v)", c.Pacing)
	case c.RequestTimeout <= 0:
		return fmt.Errorf("request_timeout must be > 0 (got %v)", c.RequestTimeout)
	case c.QuotaCeiling < 1:
		return fmt.Errorf("quota_ceiling must be >= 1 (got %d)", c.QuotaCeiling)
	case c.LowWaterMark < 0 || c.LowWaterMark >= c.QuotaCeiling:
		return fmt.Errorf("low_water_mark must be in [0, %d) (got %d)", c.QuotaCeiling, c.LowWaterMark)
	case c.RecoveryWindow <= 0:
		return fmt.Errorf("recovery_window must be > 0 (got %v)", c.RecoveryWindow)
	case c.ProgressEvery < 0:
		return fmt.Errorf("progress_every must be >= 0 (got %d)", c.ProgressEvery)
	case c.Watchdog.Interval <= 0:
		return fmt.Errorf("watchdog.interval must be > 0 (got %v)", c.Watchdog.Interval)
	case c.Watchdog.Threshold < 1:
		return fmt.Errorf("watchdog.threshold must be >= 1 (got %d)", c.Watchdog.Threshold)
	case c.CacheEnabled && c.RedisURL == "":
		return fmt.Errorf("cache_enabled requires redis_url")
	}

	for i, d := range c.Backoff {
		if d < 0 {
			return fmt.Errorf("backoff[%d] must be >= 0 (got %v)", i, d)
		}
	}
	return nil
}
