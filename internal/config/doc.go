// Package config handles configuration loading for coven-threads.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file (chosen by extension)
// with environment variable expansion. Missing values get defaults that run
// a local server on SQLite with the offline fake model.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_THREADS_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/threads.yaml
//  3. ~/.config/coven/threads.yaml
//
// # Environment Variable Expansion
//
//	model:
//	  api_key: "${OPENAI_API_KEY}"
//
// Unset variables expand to the empty string.
//
// # Configuration Sections
//
//	server:
//	  http_addr: "127.0.0.1:8090"
//	  idempotency_ttl: "10m"
//
//	storage:
//	  backend: "sqlite"            # sqlite, redis, memory
//	  path: "~/.local/share/coven/threads.db"
//	  redis:
//	    addr: "localhost:6379"
//	    prefix: "coven:threads"
//
//	engine:
//	  max_tool_cycles: 10
//	  max_parallel_tools: 4
//	  event_buffer: 16
//	  generation_timeout: "2m"
//	  tool_timeout: "30s"
//
//	model:
//	  provider: "openai"           # openai, fake
//	  api_key: "${OPENAI_API_KEY}"
//	  base_url: ""                 # any OpenAI-compatible endpoint
//	  name: "gpt-4o-mini"
//
//	tools:
//	  enabled: ["calculator", "current_time", "web_search"]
//	  search:
//	    endpoint: "http://localhost:8888"   # SearXNG
//
//	auth:
//	  jwt_secret: "${COVEN_JWT_SECRET}"     # enables bearer auth on /api/
//
//	logging:
//	  level: "info"                # debug, info, warn, error
//	  format: "pretty"             # pretty, text, json
//
//	telemetry:
//	  otlp_endpoint: ""            # host:port, empty disables export
//
//	tailscale:
//	  enabled: false
//	  hostname: "coven-threads"
//	  auth_key: "${TS_AUTHKEY}"
//
// Engine values left at zero fall back to the conversation service defaults.
package config
