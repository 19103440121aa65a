// Package config handles configuration loading for coven-relay.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. Defaults are applied before validation, so an empty file is a
// valid configuration that talks to a local gRPC agent.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_RELAY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/relay.yaml
//  3. ~/.config/coven/relay.yaml
//
// A .toml extension selects TOML; anything else is read as YAML.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	agent:
//	  token_secret: "${COVEN_AGENT_SECRET}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Configuration Sections
//
// Agent transport:
//
//	agent:
//	  transport: "grpc"            # grpc or process
//	  address: "localhost:50051"   # grpc only
//	  command: "claude"            # process only
//	  working_dir: "/srv/agent"    # process only
//	  permission_mode: "bypassPermissions"
//	  token_secret: "${COVEN_AGENT_SECRET}"
//	  connect_timeout: "10s"
//
// Turn limits:
//
//	agents:
//	  turn_timeout: "10m"          # "0s" disables the deadline
//	  max_concurrent_turns: 32
//	  queue_size: 64
//
// Matrix frontend (enabled when homeserver is set):
//
//	matrix:
//	  homeserver: "https://matrix.org"
//	  user_id: "@relay:matrix.org"
//	  access_token: "${MATRIX_TOKEN}"
//	  allowed_rooms: ["!room:matrix.org"]
//	  command_prefix: "!agent"
//
// Console frontend:
//
//	console:
//	  user_id: "local"
//	  outbox_dir: "./outbox"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
//	cfg, err := config.Load(config.DefaultPath())
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
