// Package config loads the lendingd daemon settings from YAML with
// LENDINGD_* environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultListen = "127.0.0.1:8089"

// Config captures the runtime settings for the lending read/quote daemon.
type Config struct {
	ListenAddress string `yaml:"listen"`
	// NetworksFile is the TOML network table shared with lendctl.
	NetworksFile string               `yaml:"networks_file"`
	Network      string               `yaml:"network"`
	DataDir      string               `yaml:"data_dir"`
	Environment  string               `yaml:"environment"`
	Log          LogConfig            `yaml:"log"`
	Auth         AuthConfig           `yaml:"auth"`
	RateLimits   map[string]RateLimit `yaml:"rate_limits"`
	CORS         CORSConfig           `yaml:"cors"`
	Timeouts     TimeoutConfig        `yaml:"timeouts"`
}

// LogConfig selects the log level and optional rotated file.
type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// AuthConfig configures HMAC bearer tokens. Disabled auth is only accepted
// on loopback listeners.
type AuthConfig struct {
	Enabled    bool   `yaml:"enabled"`
	HMACSecret string `yaml:"hmac_secret"`
	Issuer     string `yaml:"issuer"`
	Audience   string `yaml:"audience"`
}

// RateLimit bounds one route group per client.
type RateLimit struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// TimeoutConfig holds HTTP server timeouts.
type TimeoutConfig struct {
	Read     time.Duration `yaml:"read"`
	Write    time.Duration `yaml:"write"`
	Shutdown time.Duration `yaml:"shutdown"`
}

// Load reads the YAML configuration, applies environment overrides and
// validates the result. An empty path uses defaults and the environment only.
func Load(path string) (Config, error) {
	cfg := Config{
		ListenAddress: defaultListen,
		NetworksFile:  "networks.toml",
		DataDir:       "data/lendingd",
	}
	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := yaml.NewDecoder(file)
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("decode config: %w", err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"LENDINGD_LISTEN":        &cfg.ListenAddress,
		"LENDINGD_NETWORKS_FILE": &cfg.NetworksFile,
		"LENDINGD_NETWORK":       &cfg.Network,
		"LENDINGD_DATA_DIR":      &cfg.DataDir,
		"LENDINGD_ENV":           &cfg.Environment,
		"LENDINGD_LOG_LEVEL":     &cfg.Log.Level,
		"LENDINGD_LOG_FILE":      &cfg.Log.File,
		"LENDINGD_JWT_SECRET":    &cfg.Auth.HMACSecret,
	}
	for key, dst := range strs {
		if value, ok := lookup(key); ok {
			*dst = value
		}
	}
	if value, ok := lookup("LENDINGD_AUTH_ENABLED"); ok {
		enabled, err := strconv.ParseBool(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("LENDINGD_AUTH_ENABLED: %w", err)
		}
		cfg.Auth.Enabled = enabled
	}
	return nil
}

func (cfg *Config) normalize() {
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListen
	}
	cfg.NetworksFile = strings.TrimSpace(cfg.NetworksFile)
	cfg.Network = strings.TrimSpace(cfg.Network)
	cfg.DataDir = strings.TrimSpace(cfg.DataDir)
	cfg.Auth.HMACSecret = strings.TrimSpace(cfg.Auth.HMACSecret)
	if cfg.Timeouts.Read <= 0 {
		cfg.Timeouts.Read = 10 * time.Second
	}
	if cfg.Timeouts.Write <= 0 {
		cfg.Timeouts.Write = 30 * time.Second
	}
	if cfg.Timeouts.Shutdown <= 0 {
		cfg.Timeouts.Shutdown = 5 * time.Second
	}
	origins := make([]string, 0, len(cfg.CORS.AllowedOrigins))
	for _, origin := range cfg.CORS.AllowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	cfg.CORS.AllowedOrigins = origins
}

func (cfg Config) validate() error {
	if cfg.NetworksFile == "" {
		return fmt.Errorf("networks_file is required")
	}
	if cfg.Auth.Enabled && len(cfg.Auth.HMACSecret) < 16 {
		return fmt.Errorf("auth: hmac_secret must be at least 16 bytes when auth is enabled")
	}
	for group, limit := range cfg.RateLimits {
		if limit.RequestsPerMinute < 0 || limit.Burst < 0 {
			return fmt.Errorf("rate_limits.%s: values must not be negative", group)
		}
	}
	return nil
}

// Sanitized returns a copy safe for logging.
func (cfg Config) Sanitized() Config {
	out := cfg
	if out.Auth.HMACSecret != "" {
		out.Auth.HMACSecret = "[redacted]"
	}
	return out
}
