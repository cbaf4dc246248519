// Package config handles configuration loading for relay-console.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults; Default returns a
// ready-to-fill Config for callers embedding the client without a file.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	api:
//	  base_url: "${RELAY_API_URL}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	channel:
//	  connect_timeout: "10s"
//	  reconnect_delay: "1s"
//	  reconnect_delay_max: "5s"
//
// # Configuration Sections
//
// REST backend:
//
//	api:
//	  base_url: "https://console.example.com/api"
//	  request_timeout: "10s"
//
// Realtime channel:
//
//	channel:
//	  url: "wss://console.example.com/channel"
//	  connect_timeout: "10s"
//	  max_reconnect_attempts: 5
//	  reconnect_delay: "1s"
//	  reconnect_delay_max: "5s"
//
// Local persistence:
//
//	storage:
//	  path: "~/.local/share/relay-console/state.db"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
