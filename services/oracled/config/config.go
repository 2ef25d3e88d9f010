package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"feedoracle/deploy"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for oracled.
type Config struct {
	ListenAddress   string          `yaml:"listen"`
	NodeConfig      string          `yaml:"node_config"`
	Environment     string          `yaml:"environment"`
	LogRequests     bool            `yaml:"log_requests"`
	ShutdownTimeout Duration        `yaml:"shutdown_timeout"`
	Auth            AuthConfig      `yaml:"auth"`
	RateLimits      []RateLimit     `yaml:"rate_limits"`
	Responder       ResponderConfig `yaml:"responder"`
	Audit           AuditConfig     `yaml:"audit"`
	Deployment      *deploy.Plan    `yaml:"deployment"`
}

// AuthConfig configures bearer-token authentication of callers.
type AuthConfig struct {
	Enabled        bool     `yaml:"enabled"`
	HMACSecret     string   `yaml:"hmac_secret"`
	HMACSecretEnv  string   `yaml:"hmac_secret_env"`
	Issuer         string   `yaml:"issuer"`
	Audience       string   `yaml:"audience"`
	ScopeClaim     string   `yaml:"scope_claim"`
	OptionalPaths  []string `yaml:"optional_paths"`
	AllowAnonymous bool     `yaml:"allow_anonymous"`
	ClockSkew      Duration `yaml:"clock_skew"`
}

// RateLimit throttles one route group per client.
type RateLimit struct {
	Group         string         `yaml:"group"`
	RatePerSecond float64        `yaml:"rate_per_second"`
	Burst         int            `yaml:"burst"`
	DefaultTokens int            `yaml:"default_tokens"`
	Tokens        map[string]int `yaml:"tokens"`
}

// ResponderConfig controls the worker that answers pay-per-use requests.
type ResponderConfig struct {
	Enabled       bool     `yaml:"enabled"`
	PassphraseEnv string   `yaml:"passphrase_env"`
	Buffer        int      `yaml:"buffer"`
	Timeout       Duration `yaml:"timeout"`
	RetryInterval Duration `yaml:"retry_interval"`
	MaxAttempts   int      `yaml:"max_attempts"`
}

// AuditConfig selects where committed events are recorded. A DSN starting
// with postgres:// selects Postgres; anything else is a SQLite path.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
	Buffer  int    `yaml:"buffer"`
}

// Load reads configuration from the supplied path.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.NodeConfig == "" {
		cfg.NodeConfig = "config.toml"
	}
	if cfg.ShutdownTimeout.Duration == 0 {
		cfg.ShutdownTimeout.Duration = 5 * time.Second
	}
	if env := strings.TrimSpace(cfg.Auth.HMACSecretEnv); env != "" && cfg.Auth.HMACSecret == "" {
		cfg.Auth.HMACSecret = os.Getenv(env)
	}
	if cfg.Auth.ClockSkew.Duration == 0 {
		cfg.Auth.ClockSkew.Duration = 2 * time.Minute
	}
	if cfg.Responder.Buffer <= 0 {
		cfg.Responder.Buffer = 256
	}
	if cfg.Responder.Timeout.Duration == 0 {
		cfg.Responder.Timeout.Duration = 10 * time.Second
	}
	if cfg.Responder.RetryInterval.Duration == 0 {
		cfg.Responder.RetryInterval.Duration = 2 * time.Second
	}
	if cfg.Responder.MaxAttempts <= 0 {
		cfg.Responder.MaxAttempts = 3
	}
	if cfg.Responder.PassphraseEnv == "" {
		cfg.Responder.PassphraseEnv = "FEEDORACLE_RESPONDER_PASSPHRASE"
	}
	if cfg.Audit.DSN == "" {
		cfg.Audit.DSN = "oracled-audit.sqlite"
	}
	if cfg.Audit.Buffer <= 0 {
		cfg.Audit.Buffer = 1024
	}
	if cfg.Deployment == nil {
		plan := deploy.DefaultPlan()
		cfg.Deployment = &plan
	}
}

func validate(cfg Config) error {
	if cfg.Auth.Enabled && strings.TrimSpace(cfg.Auth.HMACSecret) == "" {
		return errors.New("auth.hmac_secret (or hmac_secret_env) must be set when auth is enabled")
	}
	if !cfg.Auth.Enabled && cfg.Environment != "" && cfg.Environment != "dev" {
		return fmt.Errorf("auth may only be disabled in the dev environment, got %q", cfg.Environment)
	}
	seen := make(map[string]struct{}, len(cfg.RateLimits))
	for i, limit := range cfg.RateLimits {
		group := strings.TrimSpace(limit.Group)
		if group == "" {
			return fmt.Errorf("rate_limits[%d]: group required", i)
		}
		if _, dup := seen[group]; dup {
			return fmt.Errorf("rate_limits[%d]: duplicate group %q", i, group)
		}
		seen[group] = struct{}{}
		if limit.RatePerSecond < 0 || limit.Burst < 0 {
			return fmt.Errorf("rate_limits[%d]: negative limit", i)
		}
	}
	if err := cfg.Deployment.Validate(); err != nil {
		return fmt.Errorf("deployment: %w", err)
	}
	return nil
}
