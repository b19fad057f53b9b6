// ABOUTME: Configuration loading and parsing for coven-threads
// ABOUTME: Supports YAML or TOML files with environment variable expansion, duration parsing, and defaults

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath overrides the default config file location.
const EnvConfigPath = "COVEN_THREADS_CONFIG"

// Storage backends.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Model providers.
const (
	ProviderOpenAI = "openai"
	ProviderFake   = "fake"
)

// Config represents the complete coven-threads configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Storage   StorageConfig   `yaml:"storage" toml:"storage"`
	Engine    EngineConfig    `yaml:"engine" toml:"engine"`
	Model     ModelConfig     `yaml:"model" toml:"model"`
	Tools     ToolsConfig     `yaml:"tools" toml:"tools"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
}

// ServerConfig holds the HTTP listener configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`

	// IdempotencyTTL is how long an Idempotency-Key blocks a repeated submit
	IdempotencyTTL    time.Duration `yaml:"-" toml:"-"`
	IdempotencyTTLRaw string        `yaml:"idempotency_ttl" toml:"idempotency_ttl"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // public Funnel, implies TLS on :443
}

// StorageConfig selects and configures the thread store
type StorageConfig struct {
	Backend string      `yaml:"backend" toml:"backend"`
	Path    string      `yaml:"path" toml:"path"` // sqlite database file
	Redis   RedisConfig `yaml:"redis" toml:"redis"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr     string `yaml:"addr" toml:"addr"`
	Password string `yaml:"password" toml:"password"`
	DB       int    `yaml:"db" toml:"db"`
	Prefix   string `yaml:"prefix" toml:"prefix"`
}

// EngineConfig holds turn execution limits
type EngineConfig struct {
	MaxToolCycles    int `yaml:"max_tool_cycles" toml:"max_tool_cycles"`
	MaxParallelTools int `yaml:"max_parallel_tools" toml:"max_parallel_tools"`
	EventBuffer      int `yaml:"event_buffer" toml:"event_buffer"`

	GenerationTimeout time.Duration `yaml:"-" toml:"-"`
	ToolTimeout       time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	GenerationTimeoutRaw string `yaml:"generation_timeout" toml:"generation_timeout"`
	ToolTimeoutRaw       string `yaml:"tool_timeout" toml:"tool_timeout"`
}

// ModelConfig selects the text generation provider
type ModelConfig struct {
	Provider     string  `yaml:"provider" toml:"provider"`
	APIKey       string  `yaml:"api_key" toml:"api_key"`
	BaseURL      string  `yaml:"base_url" toml:"base_url"`
	Name         string  `yaml:"name" toml:"name"`
	SystemPrompt string  `yaml:"system_prompt" toml:"system_prompt"`
	Temperature  float32 `yaml:"temperature" toml:"temperature"`
	MaxTokens    int     `yaml:"max_tokens" toml:"max_tokens"`

	// StreamDelay paces the fake provider's word stream
	StreamDelay    time.Duration `yaml:"-" toml:"-"`
	StreamDelayRaw string        `yaml:"stream_delay" toml:"stream_delay"`
}

// ToolsConfig lists the built-in tools offered to the model
type ToolsConfig struct {
	Enabled []string     `yaml:"enabled" toml:"enabled"`
	Search  SearchConfig `yaml:"search" toml:"search"`
}

// SearchConfig configures the web_search tool
type SearchConfig struct {
	Endpoint   string `yaml:"endpoint" toml:"endpoint"`
	MaxResults int    `yaml:"max_results" toml:"max_results"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// TelemetryConfig holds OpenTelemetry exporter configuration
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint" toml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure" toml:"insecure"`
	ServiceName  string `yaml:"service_name" toml:"service_name"`
}

// Built-in tool names accepted in tools.enabled.
var knownTools = []string{"calculator", "current_time", "web_search"}

// Default returns a configuration that runs locally with the fake model.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// DefaultPath returns the config file location: $COVEN_THREADS_CONFIG, then
// $XDG_CONFIG_HOME/coven/threads.yaml, then ~/.config/coven/threads.yaml.
func DefaultPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "coven", "threads.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "threads.yaml"
	}
	return filepath.Join(home, ".config", "coven", "threads.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// LoadOrDefault loads path, falling back to Default when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = "127.0.0.1:8090"
	}
	if c.Server.IdempotencyTTL == 0 {
		c.Server.IdempotencyTTL = 10 * time.Minute
	}
	if c.Tailscale.StateDir == "" && c.Tailscale.Enabled {
		c.Tailscale.StateDir = filepath.Join(dataDir(), "tsnet")
	}

	if c.Storage.Backend == "" {
		c.Storage.Backend = BackendSQLite
	}
	if c.Storage.Path == "" && c.Storage.Backend == BackendSQLite {
		c.Storage.Path = filepath.Join(dataDir(), "threads.db")
	}
	if c.Storage.Redis.Prefix == "" {
		c.Storage.Redis.Prefix = "coven:threads"
	}

	if c.Model.Provider == "" {
		c.Model.Provider = ProviderFake
	}
	if c.Tools.Enabled == nil {
		c.Tools.Enabled = []string{"calculator", "current_time"}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "pretty"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "coven-threads"
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

	switch c.Storage.Backend {
	case BackendSQLite:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the sqlite backend")
		}
	case BackendRedis:
		if c.Storage.Redis.Addr == "" {
			return fmt.Errorf("storage.redis.addr is required for the redis backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("storage.backend %q is not one of sqlite, redis, memory", c.Storage.Backend)
	}

	if c.Engine.MaxToolCycles < 0 || c.Engine.MaxParallelTools < 0 || c.Engine.EventBuffer < 0 {
		return fmt.Errorf("engine limits must not be negative")
	}

	switch c.Model.Provider {
	case ProviderOpenAI:
		if c.Model.APIKey == "" {
			return fmt.Errorf("model.api_key is required for the openai provider")
		}
	case ProviderFake:
	default:
		return fmt.Errorf("model.provider %q is not one of openai, fake", c.Model.Provider)
	}

	for _, name := range c.Tools.Enabled {
		if !slices.Contains(knownTools, name) {
			return fmt.Errorf("tools.enabled: unknown tool %q", name)
		}
		if name == "web_search" && c.Tools.Search.Endpoint == "" {
			return fmt.Errorf("tools.search.endpoint is required when web_search is enabled")
		}
	}

	switch c.Logging.Format {
	case "json", "text", "pretty":
	default:
		return fmt.Errorf("logging.format %q is not one of json, text, pretty", c.Logging.Format)
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
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
		{"server.idempotency_ttl", cfg.Server.IdempotencyTTLRaw, &cfg.Server.IdempotencyTTL},
		{"engine.generation_timeout", cfg.Engine.GenerationTimeoutRaw, &cfg.Engine.GenerationTimeout},
		{"engine.tool_timeout", cfg.Engine.ToolTimeoutRaw, &cfg.Engine.ToolTimeout},
		{"model.stream_delay", cfg.Model.StreamDelayRaw, &cfg.Model.StreamDelay},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = d
	}
	return nil
}

func dataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "coven")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".local", "share", "coven")
}
