// Package config loads the server configuration from an optional YAML file
// and the environment.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Agents   AgentsConfig   `yaml:"agents"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Notify   NotifyConfig   `yaml:"notify"`
}

// ServerConfig holds the HTTP listen address.
type ServerConfig struct {
	Addr string `yaml:"addr"`
	// HandshakeLimit caps agent connection attempts per minute per IP.
	// Zero disables the limit.
	HandshakeLimit int `yaml:"handshake_limit"`
}

// DatabaseConfig holds the SQLite database location.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds the shared agent secret. Either the plaintext token or
// its bcrypt hash must be set.
type AuthConfig struct {
	AgentToken     string `yaml:"agent_token"`
	AgentTokenHash string `yaml:"agent_token_hash"`
}

// AgentsConfig holds per-connection limits and keepalive timing.
type AgentsConfig struct {
	PingInterval time.Duration `yaml:"-"`
	PongTimeout  time.Duration `yaml:"-"`
	WriteTimeout time.Duration `yaml:"-"`
	SendTimeout  time.Duration `yaml:"-"`

	MaxMessageBytes int64  `yaml:"max_message_bytes"`
	MinVersion      string `yaml:"min_version"`

	PingIntervalRaw string `yaml:"ping_interval"`
	PongTimeoutRaw  string `yaml:"pong_timeout"`
	WriteTimeoutRaw string `yaml:"write_timeout"`
	SendTimeoutRaw  string `yaml:"send_timeout"`
}

// DispatchConfig holds agent selection and reply tracking settings.
type DispatchConfig struct {
	Selection         string `yaml:"selection"`
	ResolvedCacheSize int    `yaml:"resolved_cache_size"`

	MaxPendingAge time.Duration `yaml:"-"`
	SweepInterval time.Duration `yaml:"-"`
	// MaxWait caps the ?wait= duration a caller may request.
	MaxWait time.Duration `yaml:"-"`

	MaxPendingAgeRaw string `yaml:"max_pending_age"`
	SweepIntervalRaw string `yaml:"sweep_interval"`
	MaxWaitRaw       string `yaml:"max_wait"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// NotifyConfig lists shoutrrr service URLs that receive alerts.
type NotifyConfig struct {
	URLs        []string      `yaml:"urls"`
	Cooldown    time.Duration `yaml:"-"`
	CooldownRaw string        `yaml:"cooldown"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{Addr: ":9080", HandshakeLimit: 30},
		Database: DatabaseConfig{Path: "instadeploy.db"},
		Agents: AgentsConfig{
			MaxMessageBytes: 1 << 20,
			PingIntervalRaw: "30s",
			PongTimeoutRaw:  "60s",
			WriteTimeoutRaw: "10s",
			SendTimeoutRaw:  "10s",
		},
		Dispatch: DispatchConfig{
			Selection:         "first",
			ResolvedCacheSize: 4096,
			MaxPendingAgeRaw:  "10m",
			SweepIntervalRaw:  "5s",
			MaxWaitRaw:        "5m",
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
		Notify:  NotifyConfig{CooldownRaw: "1m"},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// path is not empty) and environment overrides, in that order.
// Environment variables written as ${VAR_NAME} in the file are expanded.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnv(cfg)

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} with the variable's value, or with
// an empty string when it is unset.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func applyEnv(cfg *Config) {
	if port := getEnv("PORT", ""); port != "" {
		cfg.Server.Addr = ":" + port
	}
	cfg.Server.Addr = getEnv("INSTADEPLOY_ADDR", cfg.Server.Addr)
	cfg.Database.Path = getEnv("DATABASE_PATH", cfg.Database.Path)
	cfg.Auth.AgentToken = getEnv("AGENT_SECRET_TOKEN", cfg.Auth.AgentToken)
	cfg.Auth.AgentTokenHash = getEnv("AGENT_TOKEN_HASH", cfg.Auth.AgentTokenHash)
	cfg.Agents.PingIntervalRaw = getEnv("PING_INTERVAL", cfg.Agents.PingIntervalRaw)
	cfg.Agents.PongTimeoutRaw = getEnv("PONG_TIMEOUT", cfg.Agents.PongTimeoutRaw)
	cfg.Logging.Level = getEnv("LOG_LEVEL", cfg.Logging.Level)

	if urls := getEnv("NOTIFY_URLS", ""); urls != "" {
		cfg.Notify.URLs = nil
		for _, u := range strings.Split(urls, ",") {
			if u = strings.TrimSpace(u); u != "" {
				cfg.Notify.URLs = append(cfg.Notify.URLs, u)
			}
		}
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"agents.ping_interval", cfg.Agents.PingIntervalRaw, &cfg.Agents.PingInterval},
		{"agents.pong_timeout", cfg.Agents.PongTimeoutRaw, &cfg.Agents.PongTimeout},
		{"agents.write_timeout", cfg.Agents.WriteTimeoutRaw, &cfg.Agents.WriteTimeout},
		{"agents.send_timeout", cfg.Agents.SendTimeoutRaw, &cfg.Agents.SendTimeout},
		{"dispatch.max_pending_age", cfg.Dispatch.MaxPendingAgeRaw, &cfg.Dispatch.MaxPendingAge},
		{"dispatch.sweep_interval", cfg.Dispatch.SweepIntervalRaw, &cfg.Dispatch.SweepInterval},
		{"dispatch.max_wait", cfg.Dispatch.MaxWaitRaw, &cfg.Dispatch.MaxWait},
		{"notify.cooldown", cfg.Notify.CooldownRaw, &cfg.Notify.Cooldown},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// Validate returns the first problem found, if any.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Server.HandshakeLimit < 0 {
		return fmt.Errorf("server.handshake_limit must not be negative")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Auth.AgentToken == "" && c.Auth.AgentTokenHash == "" {
		return fmt.Errorf("auth.agent_token or auth.agent_token_hash is required")
	}

	for _, f := range []struct {
		name string
		d    time.Duration
	}{
		{"agents.ping_interval", c.Agents.PingInterval},
		{"agents.pong_timeout", c.Agents.PongTimeout},
		{"agents.write_timeout", c.Agents.WriteTimeout},
		{"agents.send_timeout", c.Agents.SendTimeout},
		{"dispatch.max_pending_age", c.Dispatch.MaxPendingAge},
		{"dispatch.sweep_interval", c.Dispatch.SweepInterval},
	} {
		if f.d <= 0 {
			return fmt.Errorf("%s must be positive", f.name)
		}
	}
	if c.Agents.PongTimeout <= c.Agents.PingInterval {
		return fmt.Errorf("agents.pong_timeout (%s) must exceed agents.ping_interval (%s)",
			c.Agents.PongTimeout, c.Agents.PingInterval)
	}

	switch c.Dispatch.Selection {
	case "first", "round_robin":
	default:
		return fmt.Errorf("dispatch.selection must be first or round_robin, got %q", c.Dispatch.Selection)
	}

	switch c.Logging.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}
	return nil
}
