package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"
)

// Cache backends.
const (
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendMemory   = "memory"
)

// DefaultPath is used when CONFIG_PATH is unset.
const DefaultPath = "configs/flowforge.json"

// Config is the top-level configuration structure.
type Config struct {
	Server   ServerConfig   `json:"server"`
	Origin   OriginConfig   `json:"origin"`
	Cache    CacheConfig    `json:"cache"`
	Database DatabaseConfig `json:"database"`
	Refresh  RefreshConfig  `json:"refresh"`
	Drift    DriftConfig    `json:"drift"`
	Compiler CompilerConfig `json:"compiler"`
	Alerts   AlertsConfig   `json:"alerts"`
	MCP      MCPConfig      `json:"mcp"`
}

type ServerConfig struct {
	Port        int      `json:"port"`
	LogLevel    string   `json:"log_level"`
	CORSOrigins []string `json:"cors_origins,omitempty"`
}

// OriginConfig points at the chatflow platform whose schemas are cached.
type OriginConfig struct {
	Name           string `json:"name"`
	BaseURL        string `json:"base_url"`
	APIKey         string `json:"api_key"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	MaxConcurrency int    `json:"max_concurrency"`
}

func (o OriginConfig) Timeout() time.Duration {
	return time.Duration(o.TimeoutSeconds) * time.Second
}

type CacheConfig struct {
	Backend         string `json:"backend"`
	DefaultTTLHours int    `json:"default_ttl_hours"`
	ChunkSize       int    `json:"chunk_size"`
}

func (c CacheConfig) DefaultTTL() time.Duration {
	return time.Duration(c.DefaultTTLHours) * time.Hour
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	SQLite   SQLiteConfig   `json:"sqlite"`
	Neo4j    Neo4jConfig    `json:"neo4j"`
	Redis    RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN           string `json:"dsn"`
	MigrationsDir string `json:"migrations_dir"`
}

type SQLiteConfig struct {
	Path            string `json:"path"`
	LeaseTTLSeconds int    `json:"lease_ttl_seconds"`
}

func (s SQLiteConfig) LeaseTTL() time.Duration {
	return time.Duration(s.LeaseTTLSeconds) * time.Second
}

type Neo4jConfig struct {
	URI      string `json:"uri"`
	User     string `json:"user"`
	Password string `json:"password"`
}

type RedisConfig struct {
	URL          string `json:"url"`
	StreamMaxLen int64  `json:"stream_max_len"`
}

type RefreshConfig struct {
	Concurrency int `json:"concurrency"`
}

type DriftConfig struct {
	CountThreshold  int `json:"count_threshold"`
	RepairThreshold int `json:"repair_threshold"`
}

type CompilerConfig struct {
	// RepairBudget is the origin repairs one compile may make; -1 is unlimited.
	RepairBudget *int `json:"repair_budget,omitempty"`
}

type AlertsConfig struct {
	Slack   SlackAlertConfig   `json:"slack"`
	Discord DiscordAlertConfig `json:"discord"`
}

type SlackAlertConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	Channel  string `json:"channel"`
}

type DiscordAlertConfig struct {
	Enabled   bool   `json:"enabled"`
	BotToken  string `json:"bot_token"`
	ChannelID string `json:"channel_id"`
}

type MCPConfig struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Path returns CONFIG_PATH or the default location.
func Path() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads a JSON config file, substitutes environment variable
// references, fills defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes config bytes.
func Parse(data []byte) (*Config, error) {
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8090
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Origin.Name == "" {
		c.Origin.Name = "flowise"
	}
	if c.Origin.TimeoutSeconds == 0 {
		c.Origin.TimeoutSeconds = 15
	}
	if c.Origin.MaxConcurrency == 0 {
		c.Origin.MaxConcurrency = 8
	}
	if c.Cache.Backend == "" {
		c.Cache.Backend = BackendMemory
	}
	if c.Cache.DefaultTTLHours == 0 {
		c.Cache.DefaultTTLHours = 24
	}
	if c.Cache.ChunkSize == 0 {
		c.Cache.ChunkSize = 50
	}
	if c.Database.Postgres.MigrationsDir == "" {
		c.Database.Postgres.MigrationsDir = "migrations"
	}
	if c.Database.SQLite.Path == "" {
		c.Database.SQLite.Path = "data/flowforge.db"
	}
	if c.Database.SQLite.LeaseTTLSeconds == 0 {
		c.Database.SQLite.LeaseTTLSeconds = 120
	}
	if c.Refresh.Concurrency == 0 {
		c.Refresh.Concurrency = 5
	}
	if c.Drift.CountThreshold == 0 {
		c.Drift.CountThreshold = 5
	}
	if c.Drift.RepairThreshold == 0 {
		c.Drift.RepairThreshold = 5
	}
	if c.MCP.Name == "" {
		c.MCP.Name = "flowforge"
	}
	if c.MCP.Version == "" {
		c.MCP.Version = "0.1.0"
	}
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Origin.BaseURL == "" {
		errs = append(errs, errors.New("origin.base_url is required"))
	}
	switch c.Cache.Backend {
	case BackendPostgres:
		if c.Database.Postgres.DSN == "" {
			errs = append(errs, errors.New("database.postgres.dsn is required for the postgres backend"))
		}
	case BackendSQLite, BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("cache.backend %q is not one of postgres, sqlite, memory", c.Cache.Backend))
	}
	if c.Cache.ChunkSize < 0 {
		errs = append(errs, errors.New("cache.chunk_size must be positive"))
	}
	if c.Refresh.Concurrency < 0 {
		errs = append(errs, errors.New("refresh.concurrency must be positive"))
	}
	if c.Drift.CountThreshold < 0 || c.Drift.RepairThreshold < 0 {
		errs = append(errs, errors.New("drift thresholds must be positive"))
	}
	if b := c.Compiler.RepairBudget; b != nil && *b < -1 {
		errs = append(errs, errors.New("compiler.repair_budget must be -1 or greater"))
	}
	if c.Alerts.Slack.Enabled && (c.Alerts.Slack.BotToken == "" || c.Alerts.Slack.Channel == "") {
		errs = append(errs, errors.New("alerts.slack needs bot_token and channel"))
	}
	if c.Alerts.Discord.Enabled && (c.Alerts.Discord.BotToken == "" || c.Alerts.Discord.ChannelID == "") {
		errs = append(errs, errors.New("alerts.discord needs bot_token and channel_id"))
	}
	return errors.Join(errs...)
}
