package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// LoadDotEnv loads variables from a .env file without overriding variables
// already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// Load builds the configuration: defaults, then the YAML file at path (if
// any, with ${VAR} expansion), then environment overrides. The result is
// validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		// Expand environment variables in the YAML content
		expandedData := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	cfg.Tokens = dedupe(cfg.Tokens)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// TokensFromEnv reads GITHUB_TOKEN_1..GITHUB_TOKEN_20 and the comma
// separated GITHUB_TOKENS, in that order.
func TokensFromEnv() []string {
	var tokens []string
	for i := 1; i <= MaxNumberedTokens; i++ {
		if token := strings.TrimSpace(os.Getenv(fmt.Sprintf("GITHUB_TOKEN_%d", i))); token != "" {
			tokens = append(tokens, token)
		}
	}
	for _, token := range strings.Split(os.Getenv("GITHUB_TOKENS"), ",") {
		if token = strings.TrimSpace(token); token != "" {
			tokens = append(tokens, token)
		}
	}
	return tokens
}

func applyEnv(cfg *Config) error {
	cfg.Tokens = append(cfg.Tokens, TokensFromEnv()...)

	// The original scraper read the webhook from a lowercase variable.
	for _, key := range []string{"DISCORD_WEBHOOK_URL", "discord_webhook_url"} {
		if v := os.Getenv(key); v != "" {
			cfg.DiscordWebhookURL = v
			break
		}
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}

	ints := map[string]*int{
		"SCRAPER_MAX_WORKERS":        &cfg.MaxWorkers,
		"SCRAPER_MAX_ATTEMPTS":       &cfg.MaxAttempts,
		"SCRAPER_LOW_WATER_MARK":     &cfg.LowWaterMark,
		"SCRAPER_QUOTA_CEILING":      &cfg.QuotaCeiling,
		"SCRAPER_PROGRESS_EVERY":     &cfg.ProgressEvery,
		"SCRAPER_WATCHDOG_THRESHOLD": &cfg.Watchdog.Threshold,
	}
	for key, dst := range ints {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", key, err)
			}
			*dst = n
		}
	}

	durations := map[string]*time.Duration{
		"SCRAPER_PACING":            &cfg.Pacing,
		"SCRAPER_REQUEST_TIMEOUT":   &cfg.RequestTimeout,
		"SCRAPER_RECOVERY_WINDOW":   &cfg.RecoveryWindow,
		"SCRAPER_WATCHDOG_INTERVAL": &cfg.Watchdog.Interval,
	}
	for key, dst := range durations {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", key, err)
			}
			*dst = d
		}
	}

	strs := map[string]*string{
		"SCRAPER_METRICS_ADDR": &cfg.MetricsAddr,
		"SCRAPER_LOG_LEVEL":    &cfg.Log.Level,
		"SCRAPER_LOG_FILE":     &cfg.Log.File,
		"SCRAPER_API_URL":      &cfg.APIURL,
		"SCRAPER_GRAPHQL_URL":  &cfg.GraphQLURL,
	}
	for key, dst := range strs {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	bools := map[string]*bool{
		"SCRAPER_CACHE_ENABLED":        &cfg.CacheEnabled,
		"SCRAPER_RETRY_AFTER_RECOVERY": &cfg.RetryAfterRecovery,
		"SCRAPER_LOG_PRETTY":           &cfg.Log.Pretty,
	}
	for key, dst := range bools {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", key, err)
			}
			*dst = b
		}
	}

	return nil
}

func dedupe(tokens []string) []string {
	seen := make(map[string]bool, len(tokens))
	out := tokens[:0]
	for _, token := range tokens {
		token = strings.TrimSpace(token)
		if token == "" || seen[token] {
			continue
		}
		seen[token] = true
		out = append(out, token)
	}
	return out
}
