// Package config handles configuration loading for coven-hub.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// Unset values get defaults, then the result is validated.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_HUB_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/hub.yaml
//  3. ~/.config/coven/hub.yaml
//
// COVEN_HUB_DB_PATH overrides database.path.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	tailscale:
//	  auth_key: "${TS_AUTHKEY}"
//
// Unset variables expand to the empty string.
//
// # Configuration Sections
//
//	server:
//	  http_addr: "0.0.0.0:8080"   # required unless tailscale.enabled
//	  grpc_addr: "0.0.0.0:50051"  # optional gRPC health endpoint
//
//	tailscale:
//	  enabled: false
//	  hostname: "coven-hub"
//	  auth_key: "${TS_AUTHKEY}"
//	  state_dir: "~/.local/share/coven/tsnet"
//	  ephemeral: false
//
//	database:
//	  path: "./coven-hub.db"
//
//	realtime:
//	  allowed_origins: []          # empty allows every origin
//	  send_buffer: 64              # queued frames per connection
//	  write_timeout: "10s"
//	  ping_interval: "30s"
//	  max_message_bytes: 65536
//
//	ingest:
//	  dedupe_ttl: "10m"
//	  dedupe_max_entries: 10000
//
//	mirror:
//	  max_concurrency: 8
//
//	agents:
//	  local: ["eliza"]             # in-process agent runtimes
//
//	bootstrap:
//	  server_id: "00000000-0000-0000-0000-000000000000"
//	  server_name: "Local Server"
//
//	logging:
//	  level: "info"                # debug, info, warn, error
//	  format: "text"               # text or json
//
// Durations use time.ParseDuration syntax and must be positive.
package config
