// Package config loads the consentgate YAML configuration.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/consentgate/internal/alert"
	"github.com/ppiankov/consentgate/internal/ratelimit"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Usage delivery modes.
const (
	UsageAsync = "async"
	UsageRedis = "redis"
)

// StoreConfig selects and configures the ledger backend.
type StoreConfig struct {
	Driver   string `yaml:"driver"`
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"max_conns"`
}

// RedisConfig configures the durable usage queue.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Key      string `yaml:"key"`
}

// UsageConfig configures how usage records reach the usage log.
type UsageConfig struct {
	Mode            string      `yaml:"mode"`
	Buffer          int         `yaml:"buffer"`
	Workers         int         `yaml:"workers"`
	RedactQueryText bool        `yaml:"redact_query_text"`
	Redis           RedisConfig `yaml:"redis"`
}

// ServerConfig holds listener addresses for the long-running transports.
type ServerConfig struct {
	GRPCPort int    `yaml:"grpc_port"`
	HTTPAddr string `yaml:"http_addr"`

	// RateLimits caps HTTP API requests per actor; "*" applies to every actor.
	RateLimits map[string]ratelimit.Config `yaml:"rate_limits"`
}

// Config is the full consentgate configuration.
type Config struct {
	Store        StoreConfig         `yaml:"store"`
	Usage        UsageConfig         `yaml:"usage"`
	AuditLog     string              `yaml:"audit_log"`
	AuditDenials bool                `yaml:"audit_denials"`
	AutoLogUsage bool                `yaml:"auto_log_usage"`
	Server       ServerConfig        `yaml:"server"`
	Alerts       []alert.AlertConfig `yaml:"alerts"`
}

// Dir returns ~/.consentgate, or "" when the home directory is unknown.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".consentgate")
}

// DefaultPath returns ~/.consentgate/config.yaml.
func DefaultPath() string {
	dir := Dir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "config.yaml")
}

// DefaultConfig returns the built-in configuration: a SQLite ledger under
// ~/.consentgate, in-process usage delivery, and no alerts.
func DefaultConfig() *Config {
	dir := Dir()
	if dir == "" {
		dir = "."
	}
	return &Config{
		Store: StoreConfig{
			Driver: DriverSQLite,
			DSN:    filepath.Join(dir, "ledger.db"),
		},
		Usage: UsageConfig{
			Mode:            UsageAsync,
			Buffer:          1024,
			Workers:         2,
			RedactQueryText: true,
			Redis: RedisConfig{
				Addr: "localhost:6379",
				Key:  "consentgate:usage",
			},
		},
		AuditLog:     filepath.Join(dir, "audit.jsonl"),
		AuditDenials: false,
		AutoLogUsage: true,
		Server: ServerConfig{
			GRPCPort: 50061,
			HTTPAddr: "127.0.0.1:8089",
		},
	}
}

// Validate rejects configurations that cannot be started.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if strings.TrimSpace(c.Store.DSN) == "" {
			return fmt.Errorf("store.dsn is required for driver %q", c.Store.Driver)
		}
	default:
		return fmt.Errorf("unknown store.driver %q (want memory, sqlite or postgres)", c.Store.Driver)
	}

	switch c.Usage.Mode {
	case UsageAsync:
	case UsageRedis:
		if c.Usage.Redis.Addr == "" || c.Usage.Redis.Key == "" {
			return fmt.Errorf("usage.redis.addr and usage.redis.key are required in redis mode")
		}
	default:
		return fmt.Errorf("unknown usage.mode %q (want async or redis)", c.Usage.Mode)
	}
	if c.Usage.Buffer <= 0 {
		return fmt.Errorf("usage.buffer must be positive")
	}
	if c.Usage.Workers <= 0 {
		return fmt.Errorf("usage.workers must be positive")
	}

	for i, a := range c.Alerts {
		if a.URL == "" {
			return fmt.Errorf("alerts[%d]: url is required", i)
		}
	}
	return nil
}

// Load loads configuration from a YAML file.
// Empty path falls back to ~/.consentgate/config.yaml.
// Missing file returns defaults. Invalid YAML returns an error.
func Load(path string) (*Config, error) {
	cfg, _, err := LoadWithHash(path)
	return cfg, err
}

// LoadWithHash loads configuration and returns its SHA-256 hash.
// The hash is computed over the raw YAML bytes on disk.
// When no file exists (defaults used), the hash is the SHA-256 of empty input.
func LoadWithHash(path string) (*Config, string, error) {
	if path == "" {
		path = DefaultPath()
	}

	var data []byte
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, "", fmt.Errorf("failed to read config: %w", err)
		}
		data = b
	}

	h := sha256.Sum256(data)
	hash := "sha256:" + hex.EncodeToString(h[:])

	// Start with defaults, YAML overwrites only specified fields
	cfg := DefaultConfig()
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, "", fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if cfg.Store.Driver == DriverSQLite {
		cfg.Store.DSN = ExpandHome(cfg.Store.DSN)
	}
	cfg.AuditLog = ExpandHome(cfg.AuditLog)

	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, hash, nil
}

// DefaultConfigYAML returns the commented YAML written by init.
func DefaultConfigYAML() string {
	return `# consentgate configuration
# Generated by: consentgate init

# Consent ledger backend.
#   driver: memory | sqlite | postgres
#   dsn: file path (sqlite) or connection string (postgres)
store:
  driver: sqlite
  dsn: ~/.consentgate/ledger.db
  max_conns: 10

# Usage log delivery.
#   async: in-process queue, at-most-once (full queue drops records)
#   redis: durable Redis list drained into the store, at-least-once once queued;
#          records reach Redis through the same in-process buffer
usage:
  mode: async
  buffer: 1024
  workers: 2
  # Replace emails, phone numbers, credentials and IPs in query text with tokens.
  redact_query_text: true
  redis:
    addr: localhost:6379
    key: consentgate:usage

# Hash-chained audit log of consent grants and revocations.
audit_log: ~/.consentgate/audit.jsonl
# Also record denied checks in the audit log.
audit_denials: false

# Record a usage entry whenever an enforced action is allowed.
auto_log_usage: true

server:
  grpc_port: 50061
  http_addr: 127.0.0.1:8089
  # Per-actor HTTP API limits (X-Actor-ID). Categories: check | consent | usage
  rate_limits: {}
  #  "*":
  #    check: {max_requests: 600, window: 1m}

# Webhook alerts. Events: deny | system_error | revoked | consent_updated
alerts: []
#  - url: https://hooks.slack.com/services/XXX
#    format: slack
#    events: [revoked, system_error]
`
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}
