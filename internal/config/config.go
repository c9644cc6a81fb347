// Package config loads environment-based configuration for searchrelay.
package config

import (
	"fmt"
	"log"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for searchrelay.
type Config struct {
	// Upstream search API settings. At least one upstream key is
	// required unless the relay runs in passthrough mode (no inbound
	// tokens configured and callers supply their own key per request).
	UpstreamAPIKeys string `env:"UPSTREAM_API_KEYS"`
	UpstreamBaseURL string `env:"UPSTREAM_BASE_URL" envDefault:"https://api.tavily.com"`

	// Inbound token configuration. RELAY_TOKENS holds
	// token[:owner[:expiry]] triples; RELAY_TOKENS_FILE points at an
	// optional YAML file merged after the env list. RELAY_AUTH_TOKEN
	// is the legacy single admin token, honored only when both lists
	// are empty.
	RelayTokens     string `env:"RELAY_TOKENS"`
	RelayTokensFile string `env:"RELAY_TOKENS_FILE"`
	RelayAuthToken  string `env:"RELAY_AUTH_TOKEN"`

	// Credential pool tuning.
	KeyCooldown   time.Duration `env:"KEY_COOLDOWN" envDefault:"3m"`
	KeyMaxRetries int           `env:"KEY_MAX_RETRIES" envDefault:"3"`

	// Per outbound call timeout.
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`

	// Server settings.
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8060"`

	// Environment controls log format; LogLevel the verbosity.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// Durable state settings. An empty StateDB falls back to
	// ~/.searchrelay/state.db. DisableState forces in-memory-only
	// operation.
	StateDB      string `env:"STATE_DB"`
	DisableState bool   `env:"DISABLE_STATE" envDefault:"false"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.KeyCooldown <= 0 {
		return fmt.Errorf("KEY_COOLDOWN must be positive")
	}

	if c.KeyMaxRetries < 1 {
		return fmt.Errorf("KEY_MAX_RETRIES must be at least 1")
	}

	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive")
	}

	if c.UpstreamBaseURL == "" {
		return fmt.Errorf("UPSTREAM_BASE_URL is required")
	}

	// Pool mode requires at least one upstream key. Passthrough mode
	// (no inbound tokens at all) is allowed to run without a pool
	// because every caller supplies its own key.
	if c.UpstreamAPIKeys == "" && (c.RelayTokens != "" || c.RelayTokensFile != "" || c.RelayAuthToken != "") {
		return fmt.Errorf("UPSTREAM_API_KEYS is required when inbound tokens are configured")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// ParseUpstreamKeys splits the comma-separated upstream key list,
// trimming whitespace and dropping empty entries.
func (c *Config) ParseUpstreamKeys() []string {
	var keys []string

	for _, k := range strings.Split(c.UpstreamAPIKeys, ",") {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}

		keys = append(keys, k)
	}

	return keys
}
