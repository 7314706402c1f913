// ABOUTME: Configuration loading and parsing for nimrod-master
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/2389/nimrod-master/internal/auth"
	"github.com/2389/nimrod-master/internal/heart"
)

// EnvConfigPath names the environment variable holding the config path.
const EnvConfigPath = "NIMROD_CONFIG"

// Config represents the complete nimrod-master configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Database DatabaseConfig `yaml:"database" toml:"database"`
	Redis    RedisConfig    `yaml:"redis" toml:"redis"`
	Auth     AuthConfig     `yaml:"auth" toml:"auth"`
	Agents   AgentsConfig   `yaml:"agents" toml:"agents"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// RedisConfig points the replay ledger at Redis. An empty Addr keeps used
// nonces in process.
type RedisConfig struct {
	Addr      string `yaml:"addr" toml:"addr"`
	Password  string `yaml:"password" toml:"password"`
	DB        int    `yaml:"db" toml:"db"`
	KeyPrefix string `yaml:"key_prefix" toml:"key_prefix"`
}

// Enabled reports whether a Redis ledger is configured.
func (r RedisConfig) Enabled() bool { return r.Addr != "" }

// AuthConfig holds admin and agent authentication settings
type AuthConfig struct {
	// JWTSecret signs admin API tokens. Empty disables admin auth.
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
	// MasterSecret is hex encoded; agent secrets are derived from it.
	MasterSecret string `yaml:"master_secret" toml:"master_secret"`
	AppID        string `yaml:"app_id" toml:"app_id"`
	Algorithm    string `yaml:"algorithm" toml:"algorithm"`

	ReplayWindow    time.Duration `yaml:"-" toml:"-"`
	ReplayWindowRaw string        `yaml:"replay_window" toml:"replay_window"`
}

// AgentsConfig holds agent timing configuration
type AgentsConfig struct {
	TickInterval        time.Duration `yaml:"-" toml:"-"`
	HeartbeatInterval   time.Duration `yaml:"-" toml:"-"`
	ExpiryRetryInterval time.Duration `yaml:"-" toml:"-"`
	DefaultWalltime     time.Duration `yaml:"-" toml:"-"`

	MissedThreshold  int `yaml:"missed_threshold" toml:"missed_threshold"`
	ExpiryRetryCount int `yaml:"expiry_retry_count" toml:"expiry_retry_count"`

	// Raw string values for unmarshaling
	TickIntervalRaw        string `yaml:"tick_interval" toml:"tick_interval"`
	HeartbeatIntervalRaw   string `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	ExpiryRetryIntervalRaw string `yaml:"expiry_retry_interval" toml:"expiry_retry_interval"`
	DefaultWalltimeRaw     string `yaml:"default_walltime" toml:"default_walltime"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
	// File, when set, receives a copy of the log with size based rotation.
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Default returns a configuration with every optional field filled in.
// Required secrets are left empty.
func Default() *Config {
	h := heart.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			GRPCAddr: "0.0.0.0:50051",
			HTTPAddr: "0.0.0.0:8080",
		},
		Database: DatabaseConfig{Path: defaultDatabasePath()},
		Auth: AuthConfig{
			AppID:        "nimrod",
			Algorithm:    string(auth.AlgorithmSHA256),
			ReplayWindow: 5 * time.Minute,
		},
		Agents: AgentsConfig{
			TickInterval:        time.Second,
			HeartbeatInterval:   h.Interval,
			MissedThreshold:     h.MissedThreshold,
			ExpiryRetryInterval: h.ExpiryRetryInterval,
			ExpiryRetryCount:    h.ExpiryRetryCount,
		},
		Logging: LoggingConfig{Level: "info", Format: "text", MaxSizeMB: 100, MaxBackups: 3},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// DefaultPath returns the config path: $NIMROD_CONFIG, else
// $XDG_CONFIG_HOME/nimrod/master.yaml, else ~/.config/nimrod/master.yaml.
func DefaultPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "nimrod", "master.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "master.yaml"
	}
	return filepath.Join(home, ".config", "nimrod", "master.yaml")
}

func defaultDatabasePath() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "nimrod", "master.db")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "master.db"
	}
	return filepath.Join(home, ".local", "share", "nimrod", "master.db")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data, strings.EqualFold(filepath.Ext(path), ".toml"))
}

// Parse decodes configuration text. Fields absent from data keep their defaults.
func Parse(data []byte, isTOML bool) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if isTOML {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.GRPCAddr == "" {
		return errors.New("server.grpc_addr is required")
	}
	if c.Server.HTTPAddr == "" {
		return errors.New("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}

	if c.Auth.MasterSecret == "" {
		return errors.New("auth.master_secret is required")
	}
	if _, err := c.MasterSecretBytes(); err != nil {
		return err
	}
	if c.Auth.AppID == "" || strings.ContainsAny(c.Auth.AppID, "/, \t\r\n") {
		return fmt.Errorf("auth.app_id %q must be non-empty without '/', ',' or whitespace", c.Auth.AppID)
	}
	if _, err := auth.ParseAlgorithm(c.Auth.Algorithm); err != nil {
		return fmt.Errorf("auth.algorithm: %w", err)
	}
	if c.Auth.ReplayWindow <= 0 {
		return errors.New("auth.replay_window must be positive")
	}

	if c.Agents.TickInterval <= 0 {
		return errors.New("agents.tick_interval must be positive")
	}
	if c.Agents.DefaultWalltime < 0 {
		return errors.New("agents.default_walltime must not be negative")
	}
	if err := c.Heart().Validate(); err != nil {
		return fmt.Errorf("agents: %w", err)
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format %q must be text or json", c.Logging.Format)
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path %q must start with /", c.Metrics.Path)
	}
	return nil
}

// MasterSecretBytes decodes auth.master_secret.
func (c *Config) MasterSecretBytes() ([]byte, error) {
	b, err := hex.DecodeString(c.Auth.MasterSecret)
	if err != nil {
		return nil, fmt.Errorf("auth.master_secret must be hex: %w", err)
	}
	if len(b) < 16 {
		return nil, fmt.Errorf("auth.master_secret must be at least 16 bytes, got %d", len(b))
	}
	return b, nil
}

// SigningAlgorithm returns the parsed auth.algorithm.
func (c *Config) SigningAlgorithm() auth.Algorithm {
	alg, err := auth.ParseAlgorithm(c.Auth.Algorithm)
	if err != nil {
		return auth.AlgorithmSHA256
	}
	return alg
}

// Heart returns the liveness policy described by the agents section.
func (c *Config) Heart() heart.Config {
	return heart.Config{
		Interval:            c.Agents.HeartbeatInterval,
		MissedThreshold:     c.Agents.MissedThreshold,
		ExpiryRetryInterval: c.Agents.ExpiryRetryInterval,
		ExpiryRetryCount:    c.Agents.ExpiryRetryCount,
	}
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"auth.replay_window", cfg.Auth.ReplayWindowRaw, &cfg.Auth.ReplayWindow},
		{"agents.tick_interval", cfg.Agents.TickIntervalRaw, &cfg.Agents.TickInterval},
		{"agents.heartbeat_interval", cfg.Agents.HeartbeatIntervalRaw, &cfg.Agents.HeartbeatInterval},
		{"agents.expiry_retry_interval", cfg.Agents.ExpiryRetryIntervalRaw, &cfg.Agents.ExpiryRetryInterval},
		{"agents.default_walltime", cfg.Agents.DefaultWalltimeRaw, &cfg.Agents.DefaultWalltime},
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
