// ABOUTME: Configuration loading and parsing for desk-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete desk-gateway configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Database DatabaseConfig `yaml:"database" toml:"database"`
	History  HistoryConfig  `yaml:"history" toml:"history"`
	Auth     AuthConfig     `yaml:"auth" toml:"auth"`
	Sessions SessionsConfig `yaml:"sessions" toml:"sessions"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`

	// GRPCAddr serves the standard gRPC health service when set
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`

	// AllowedOrigins for CORS and WebSocket origin checks. Empty allows
	// same-origin only; "*" allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// History backends
const (
	HistorySQLite = "sqlite"
	HistoryRedis  = "redis"
)

// HistoryConfig selects where chat history lives
type HistoryConfig struct {
	Backend  string `yaml:"backend" toml:"backend"`
	RedisURL string `yaml:"redis_url" toml:"redis_url"`
	Limit    int    `yaml:"limit" toml:"limit"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret" toml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"-" toml:"-"`

	TokenTTLRaw string `yaml:"token_ttl" toml:"token_ttl"`
}

// SessionsConfig holds per-connection limits and timings
type SessionsConfig struct {
	OutboundQueueSize int `yaml:"outbound_queue_size" toml:"outbound_queue_size"`
	MaxUsernameLength int `yaml:"max_username_length" toml:"max_username_length"`

	WriteTimeout      time.Duration `yaml:"-" toml:"-"`
	TypingQuietWindow time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	WriteTimeoutRaw      string `yaml:"write_timeout" toml:"write_timeout"`
	TypingQuietWindowRaw string `yaml:"typing_quiet_window" toml:"typing_quiet_window"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Default returns a configuration with every optional field filled in.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr: "127.0.0.1:8080",
		},
		Database: DatabaseConfig{
			Path: "./desk.db",
		},
		History: HistoryConfig{
			Backend: HistorySQLite,
			Limit:   200,
		},
		Auth: AuthConfig{
			TokenTTL: 24 * time.Hour,
		},
		Sessions: SessionsConfig{
			OutboundQueueSize: 64,
			MaxUsernameLength: 64,
			WriteTimeout:      10 * time.Second,
			TypingQuietWindow: time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	// Parse duration fields
	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	switch c.History.Backend {
	case HistorySQLite:
	case HistoryRedis:
		if c.History.RedisURL == "" {
			return fmt.Errorf("history.redis_url is required when history.backend is redis")
		}
	default:
		return fmt.Errorf("history.backend must be %q or %q, got %q", HistorySQLite, HistoryRedis, c.History.Backend)
	}

	if c.History.Limit <= 0 {
		return fmt.Errorf("history.limit must be positive")
	}

	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}

	if c.Sessions.OutboundQueueSize <= 0 {
		return fmt.Errorf("sessions.outbound_queue_size must be positive")
	}
	if c.Sessions.MaxUsernameLength <= 0 {
		return fmt.Errorf("sessions.max_username_length must be positive")
	}
	if c.Sessions.WriteTimeout <= 0 {
		return fmt.Errorf("sessions.write_timeout must be positive")
	}
	if c.Sessions.TypingQuietWindow <= 0 {
		return fmt.Errorf("sessions.typing_quiet_window must be positive")
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be \"text\" or \"json\", got %q", c.Logging.Format)
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"auth.token_ttl", cfg.Auth.TokenTTLRaw, &cfg.Auth.TokenTTL},
		{"sessions.write_timeout", cfg.Sessions.WriteTimeoutRaw, &cfg.Sessions.WriteTimeout},
		{"sessions.typing_quiet_window", cfg.Sessions.TypingQuietWindowRaw, &cfg.Sessions.TypingQuietWindow},
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

// ResolvePath picks the config file: the explicit flag value, then
// $DESK_CONFIG, then $XDG_CONFIG_HOME/desk/gateway.yaml (falling back to
// ~/.config when XDG_CONFIG_HOME is unset).
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("DESK_CONFIG"); env != "" {
		return env
	}

	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".config", "desk", "gateway.yaml")
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "desk", "gateway.yaml")
}
