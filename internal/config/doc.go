// Package config handles configuration loading for coven-relay.
//
// # Overview
//
// Configuration is loaded from a YAML file (or TOML when the file name ends
// in .toml) with environment variable expansion, defaults, and validation.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_RELAY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/relay.yaml
//  3. ~/.config/coven/relay.yaml
//
// A .env file in the working directory is loaded into the environment before
// the file is read.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	anthropic:
//	  api_key: "${ANTHROPIC_API_KEY}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Configuration Sections
//
//	server:
//	  http_addr: "127.0.0.1:8080"   # admin API, health, metrics
//
//	database:
//	  path: "~/.local/share/coven/relay.db"
//
//	auth:
//	  jwt_secret: "${COVEN_RELAY_JWT_SECRET}"  # optional, >= 32 bytes
//
//	anthropic:
//	  api_key: "${ANTHROPIC_API_KEY}"
//	  request_timeout: "5m"
//
//	matrix:
//	  homeserver: "https://matrix.org"
//	  username: "relaybot"
//	  password: "${MATRIX_PASSWORD}"
//	  recovery_key: "${MATRIX_RECOVERY_KEY}"   # enables E2EE cross-signing
//	  allowed_rooms: ["!abc:matrix.org"]       # empty = all joined rooms
//	  send_rate: 2                             # messages per second
//
//	tools:
//	  call_timeout: "30s"
//
//	tailscale:
//	  enabled: false
//	  hostname: "coven-relay"
//	  auth_key: "${TS_AUTHKEY}"
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
//	metrics:
//	  enabled: true
//	  path: "/metrics"
package config
