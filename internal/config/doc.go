// Package config handles configuration loading for desk-gateway.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files (chosen by extension)
// with environment variable expansion. Missing optional fields keep the
// values from Default; Validate reports the first invalid field.
//
// # Configuration File
//
// ResolvePath picks the file in this order:
//
//  1. The --config flag
//  2. Path from DESK_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/desk/gateway.yaml (~/.config when unset)
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${DESK_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	sessions:
//	  write_timeout: "10s"
//	  typing_quiet_window: "1s"
//
// # Example
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	  grpc_addr: "0.0.0.0:50051"
//	  allowed_origins: ["https://support.example.com"]
//
//	database:
//	  path: "/var/lib/desk/desk.db"
//
//	history:
//	  backend: "redis"
//	  redis_url: "redis://localhost:6379/0"
//
//	auth:
//	  jwt_secret: "${DESK_JWT_SECRET}"
//	  token_ttl: "24h"
//
//	logging:
//	  level: "info"
//	  format: "json"
package config
