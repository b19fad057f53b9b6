// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, durations, defaults, and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidYAML(t *testing.T) {
	path := writeConfig(t, "threads.yaml", `
server:
  http_addr: "0.0.0.0:8090"
  idempotency_ttl: "2m"

storage:
  backend: "redis"
  redis:
    addr: "localhost:6379"
    db: 3
    prefix: "test"

engine:
  max_tool_cycles: 5
  max_parallel_tools: 2
  event_buffer: 32
  generation_timeout: "45s"
  tool_timeout: "5s"

model:
  provider: "openai"
  api_key: "sk-test"
  name: "gpt-4o"
  temperature: 0.2

tools:
  enabled: ["calculator", "web_search"]
  search:
    endpoint: "http://searx.local"
    max_results: 3

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:8090" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:8090")
	}
	if cfg.Server.IdempotencyTTL != 2*time.Minute {
		t.Errorf("Server.IdempotencyTTL = %v, want 2m", cfg.Server.IdempotencyTTL)
	}
	if cfg.Storage.Backend != BackendRedis || cfg.Storage.Redis.Addr != "localhost:6379" || cfg.Storage.Redis.DB != 3 {
		t.Errorf("Storage = %+v, want redis at localhost:6379 db 3", cfg.Storage)
	}
	if cfg.Storage.Redis.Prefix != "test" {
		t.Errorf("Storage.Redis.Prefix = %q, want %q", cfg.Storage.Redis.Prefix, "test")
	}
	if cfg.Engine.MaxToolCycles != 5 || cfg.Engine.MaxParallelTools != 2 || cfg.Engine.EventBuffer != 32 {
		t.Errorf("Engine = %+v", cfg.Engine)
	}
	if cfg.Engine.GenerationTimeout != 45*time.Second {
		t.Errorf("Engine.GenerationTimeout = %v, want 45s", cfg.Engine.GenerationTimeout)
	}
	if cfg.Engine.ToolTimeout != 5*time.Second {
		t.Errorf("Engine.ToolTimeout = %v, want 5s", cfg.Engine.ToolTimeout)
	}
	if cfg.Model.Provider != ProviderOpenAI || cfg.Model.Name != "gpt-4o" || cfg.Model.Temperature != 0.2 {
		t.Errorf("Model = %+v", cfg.Model)
	}
	if len(cfg.Tools.Enabled) != 2 || cfg.Tools.Search.MaxResults != 3 {
		t.Errorf("Tools = %+v", cfg.Tools)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
}

func TestLoad_ValidTOML(t *testing.T) {
	path := writeConfig(t, "threads.toml", `
[server]
http_addr = "127.0.0.1:9000"

[storage]
backend = "memory"

[engine]
max_tool_cycles = 3
tool_timeout = "2s"

[model]
provider = "fake"
stream_delay = "20ms"

[tools]
enabled = ["current_time"]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "127.0.0.1:9000" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "127.0.0.1:9000")
	}
	if cfg.Storage.Backend != BackendMemory {
		t.Errorf("Storage.Backend = %q, want memory", cfg.Storage.Backend)
	}
	if cfg.Engine.MaxToolCycles != 3 || cfg.Engine.ToolTimeout != 2*time.Second {
		t.Errorf("Engine = %+v", cfg.Engine)
	}
	if cfg.Model.StreamDelay != 20*time.Millisecond {
		t.Errorf("Model.StreamDelay = %v, want 20ms", cfg.Model.StreamDelay)
	}
	if len(cfg.Tools.Enabled) != 1 || cfg.Tools.Enabled[0] != "current_time" {
		t.Errorf("Tools.Enabled = %v", cfg.Tools.Enabled)
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/data")
	path := writeConfig(t, "threads.yaml", "logging:\n  level: warn\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "127.0.0.1:8090" {
		t.Errorf("Server.HTTPAddr = %q, want default", cfg.Server.HTTPAddr)
	}
	if cfg.Server.IdempotencyTTL != 10*time.Minute {
		t.Errorf("Server.IdempotencyTTL = %v, want 10m", cfg.Server.IdempotencyTTL)
	}
	if cfg.Storage.Backend != BackendSQLite {
		t.Errorf("Storage.Backend = %q, want sqlite", cfg.Storage.Backend)
	}
	if cfg.Storage.Path != filepath.Join("/data", "coven", "threads.db") {
		t.Errorf("Storage.Path = %q", cfg.Storage.Path)
	}
	if cfg.Model.Provider != ProviderFake {
		t.Errorf("Model.Provider = %q, want fake", cfg.Model.Provider)
	}
	if cfg.Logging.Format != "pretty" {
		t.Errorf("Logging.Format = %q, want pretty", cfg.Logging.Format)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %q, want warn", cfg.Logging.Level)
	}
	if len(cfg.Tools.Enabled) != 2 {
		t.Errorf("Tools.Enabled = %v, want calculator and current_time", cfg.Tools.Enabled)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "sk-from-env")
	t.Setenv("TEST_JWT_SECRET", strings.Repeat("s", 32))

	path := writeConfig(t, "threads.yaml", `
model:
  provider: "openai"
  api_key: "${TEST_OPENAI_KEY}"
auth:
  jwt_secret: "${TEST_JWT_SECRET}"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Model.APIKey != "sk-from-env" {
		t.Errorf("Model.APIKey = %q, want %q", cfg.Model.APIKey, "sk-from-env")
	}
	if len(cfg.Auth.JWTSecret) != 32 {
		t.Errorf("Auth.JWTSecret has length %d, want 32", len(cfg.Auth.JWTSecret))
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/threads.yaml")
	if err == nil {
		t.Fatal("Load() expected error for missing file, got nil")
	}
}

func TestLoadOrDefault_MissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.Model.Provider != ProviderFake {
		t.Errorf("Model.Provider = %q, want fake", cfg.Model.Provider)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "threads.yaml", "server:\n  http_addr: [unclosed\n")
	if _, err := Load(path); err == nil {
		t.Fatal("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_InvalidTOML(t *testing.T) {
	path := writeConfig(t, "threads.toml", "[server\nhttp_addr = 1\n")
	if _, err := Load(path); err == nil {
		t.Fatal("Load() expected error for invalid TOML, got nil")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	tests := []struct {
		name    string
		content string
		field   string
	}{
		{"generation timeout", "engine:\n  generation_timeout: soon\n", "engine.generation_timeout"},
		{"tool timeout", "engine:\n  tool_timeout: later\n", "engine.tool_timeout"},
		{"idempotency ttl", "server:\n  idempotency_ttl: forever\n", "server.idempotency_ttl"},
		{"negative", "engine:\n  tool_timeout: -1s\n", "engine.tool_timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "threads.yaml", tt.content))
			if err == nil {
				t.Fatal("Load() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("error %q does not name %s", err, tt.field)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config { return Default() }

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"defaults", func(c *Config) {}, ""},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "postgres" }, "storage.backend"},
		{"sqlite without path", func(c *Config) { c.Storage.Path = "" }, "storage.path"},
		{"redis without addr", func(c *Config) { c.Storage.Backend = BackendRedis }, "storage.redis.addr"},
		{"openai without key", func(c *Config) { c.Model.Provider = ProviderOpenAI }, "model.api_key"},
		{"unknown provider", func(c *Config) { c.Model.Provider = "llama" }, "model.provider"},
		{"unknown tool", func(c *Config) { c.Tools.Enabled = []string{"shell"} }, "unknown tool"},
		{"search without endpoint", func(c *Config) { c.Tools.Enabled = []string{"web_search"} }, "tools.search.endpoint"},
		{"negative limits", func(c *Config) { c.Engine.MaxToolCycles = -1 }, "negative"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"short jwt secret", func(c *Config) { c.Auth.JWTSecret = "short" }, "jwt_secret"},
		{"tailscale without hostname", func(c *Config) {
			c.Tailscale.Enabled = true
			c.Server.HTTPAddr = ""
		}, "tailscale.hostname"},
		{"no listener", func(c *Config) { c.Server.HTTPAddr = "" }, "server.http_addr"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestDefaultPath(t *testing.T) {
	t.Setenv(EnvConfigPath, "/etc/coven/custom.toml")
	if got := DefaultPath(); got != "/etc/coven/custom.toml" {
		t.Errorf("DefaultPath() = %q, want env override", got)
	}

	t.Setenv(EnvConfigPath, "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	if got := DefaultPath(); got != filepath.Join("/xdg", "coven", "threads.yaml") {
		t.Errorf("DefaultPath() = %q, want XDG location", got)
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("FOO", "bar")
	t.Setenv("BAZ", "qux")

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"single env var", "${FOO}", "bar"},
		{"env var with surrounding text", "prefix-${FOO}-suffix", "prefix-bar-suffix"},
		{"multiple env vars", "${FOO}/${BAZ}", "bar/qux"},
		{"no env vars", "no-vars-here", "no-vars-here"},
		{"unset env var", "${UNSET_VAR_FOR_THREADS_TEST}", ""},
		{"empty string", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := expandEnvVars(tt.input)
			if result != tt.expected {
				t.Errorf("expandEnvVars(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}
