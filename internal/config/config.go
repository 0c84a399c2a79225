// ABOUTME: Configuration loading and parsing for toolgate
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/2389/toolgate/internal/executor"
	"github.com/2389/toolgate/internal/permission"
	"github.com/2389/toolgate/internal/tools"
)

// Executor types.
const (
	ExecutorMatrix = "matrix"
	ExecutorDryRun = "dry-run"
)

// Config represents the complete toolgate configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
	Tools     ToolsConfig     `yaml:"tools" toml:"tools"`
	Executor  ExecutorConfig  `yaml:"executor" toml:"executor"`
	MCP       MCPConfig       `yaml:"mcp" toml:"mcp"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	HTTPAddr       string   `yaml:"http_addr" toml:"http_addr"`
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`

	ShutdownTimeout    time.Duration `yaml:"-" toml:"-"`
	ShutdownTimeoutRaw string        `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // public Funnel over HTTPS
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	// AdminJWTSecret guards key issuance when set.
	AdminJWTSecret     string   `yaml:"admin_jwt_secret" toml:"admin_jwt_secret"`
	DefaultPermissions []string `yaml:"default_permissions" toml:"default_permissions"`
}

// RateLimitConfig holds the per-key fixed window limit
type RateLimitConfig struct {
	Requests int `yaml:"requests" toml:"requests"`

	Window  time.Duration `yaml:"-" toml:"-"`
	IdleTTL time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	WindowRaw  string `yaml:"window" toml:"window"`
	IdleTTLRaw string `yaml:"idle_ttl" toml:"idle_ttl"`
}

// ToolsConfig narrows the built-in catalog
type ToolsConfig struct {
	// Enabled lists exposed tools; empty exposes all.
	Enabled []string `yaml:"enabled" toml:"enabled"`
	// Permissions overrides the permission a tool requires.
	Permissions map[string]string `yaml:"permissions" toml:"permissions"`
}

// ExecutorConfig selects and configures the action executor
type ExecutorConfig struct {
	Type   string       `yaml:"type" toml:"type"`
	Matrix MatrixConfig `yaml:"matrix" toml:"matrix"`

	Timeout    time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw string        `yaml:"timeout" toml:"timeout"`
}

// MatrixConfig holds Matrix executor configuration
type MatrixConfig struct {
	Homeserver   string   `yaml:"homeserver" toml:"homeserver"`
	UserID       string   `yaml:"user_id" toml:"user_id"`
	AccessToken  string   `yaml:"access_token" toml:"access_token"`
	Username     string   `yaml:"username" toml:"username"`
	Password     string   `yaml:"password" toml:"password"`
	RecoveryKey  string   `yaml:"recovery_key" toml:"recovery_key"`
	DataDir      string   `yaml:"data_dir" toml:"data_dir"`
	AllowedRooms []string `yaml:"allowed_rooms" toml:"allowed_rooms"`
}

// MCPConfig holds MCP transport configuration
type MCPConfig struct {
	SessionTTL    time.Duration `yaml:"-" toml:"-"`
	SessionTTLRaw string        `yaml:"session_ttl" toml:"session_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func applyDefaults(cfg *Config) {
	if cfg.Server.HTTPAddr == "" {
		cfg.Server.HTTPAddr = "127.0.0.1:8000"
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "toolgate.db"
	}
	if cfg.Auth.DefaultPermissions == nil {
		cfg.Auth.DefaultPermissions = []string{"send_messages", "view_channels", "read_message_history"}
	}
	if cfg.RateLimit.Requests == 0 {
		cfg.RateLimit.Requests = 100
	}
	if cfg.RateLimit.Window == 0 {
		cfg.RateLimit.Window = time.Minute
	}
	if cfg.Executor.Type == "" {
		cfg.Executor.Type = ExecutorDryRun
	}
	if cfg.Executor.Timeout == 0 {
		cfg.Executor.Timeout = 30 * time.Second
	}
	if cfg.MCP.SessionTTL == 0 {
		cfg.MCP.SessionTTL = 30 * time.Minute
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.AdminJWTSecret != "" && len(c.Auth.AdminJWTSecret) < 32 {
		return fmt.Errorf("auth.admin_jwt_secret must be at least 32 bytes")
	}
	if _, err := c.DefaultPermissions(); err != nil {
		return fmt.Errorf("auth.default_permissions: %w", err)
	}

	if c.RateLimit.Requests < 0 {
		return fmt.Errorf("rate_limit.requests must not be negative")
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate_limit.window must be positive")
	}

	if _, err := c.Catalog(); err != nil {
		return fmt.Errorf("tools: %w", err)
	}

	switch c.Executor.Type {
	case ExecutorDryRun:
	case ExecutorMatrix:
		mc := c.MatrixExecutor()
		if err := mc.Validate(); err != nil {
			return fmt.Errorf("executor.matrix: %w", err)
		}
	default:
		return fmt.Errorf("executor.type must be %q or %q, got %q", ExecutorMatrix, ExecutorDryRun, c.Executor.Type)
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	if !slices.Contains(validLevels, strings.ToLower(c.Logging.Level)) {
		return fmt.Errorf("logging.level must be one of %v", validLevels)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be text or json")
	}

	return nil
}

// DefaultPermissions parses the grant for keys issued without explicit permissions.
func (c *Config) DefaultPermissions() (permission.Set, error) {
	return permission.ParseSet(c.Auth.DefaultPermissions)
}

// Catalog builds the tool catalog: the built-in tools narrowed to
// tools.enabled with permission overrides applied. Unknown tool or
// permission names are errors.
func (c *Config) Catalog() (*tools.Catalog, error) {
	overrides := make(map[string]permission.Permission, len(c.Tools.Permissions))
	for name, perm := range c.Tools.Permissions {
		p, err := permission.Parse(perm)
		if err != nil {
			return nil, fmt.Errorf("permission for %s: %w", name, err)
		}
		overrides[name] = p
	}
	return tools.DefaultCatalog().Restrict(c.Tools.Enabled, overrides)
}

// MatrixExecutor returns the Matrix executor settings.
func (c *Config) MatrixExecutor() executor.MatrixConfig {
	m := c.Executor.Matrix
	return executor.MatrixConfig{
		Homeserver:   m.Homeserver,
		UserID:       m.UserID,
		AccessToken:  m.AccessToken,
		Username:     m.Username,
		Password:     m.Password,
		RecoveryKey:  m.RecoveryKey,
		DataDir:      m.DataDir,
		Timeout:      c.Executor.Timeout,
		AllowedRooms: m.AllowedRooms,
	}
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeoutRaw, &cfg.Server.ShutdownTimeout},
		{"rate_limit.window", cfg.RateLimit.WindowRaw, &cfg.RateLimit.Window},
		{"rate_limit.idle_ttl", cfg.RateLimit.IdleTTLRaw, &cfg.RateLimit.IdleTTL},
		{"executor.timeout", cfg.Executor.TimeoutRaw, &cfg.Executor.Timeout},
		{"mcp.session_ttl", cfg.MCP.SessionTTLRaw, &cfg.MCP.SessionTTL},
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
