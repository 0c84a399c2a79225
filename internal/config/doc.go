// Package config handles configuration loading for toolgate.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files (chosen by extension) with
// environment variable expansion. Missing values get defaults, and the
// result is validated before use.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from TOOLGATE_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/toolgate/config.yaml
//  3. ~/.config/toolgate/config.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  admin_jwt_secret: "${TOOLGATE_ADMIN_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Durations
//
// Duration values use Go's time.ParseDuration syntax:
//
//	rate_limit:
//	  requests: 100
//	  window: "1m"
//	executor:
//	  timeout: "30s"
//
// # Tools
//
// The built-in catalog can be narrowed and re-permissioned:
//
//	tools:
//	  enabled: [send_message, get_messages]
//	  permissions:
//	    get_messages: view_channels
//
// Unknown tool or permission names fail validation.
//
// # Executor
//
// executor.type is "dry-run" (default, echoes calls) or "matrix":
//
//	executor:
//	  type: matrix
//	  matrix:
//	    homeserver: "https://matrix.example.org"
//	    user_id: "@toolbot:example.org"
//	    access_token: "${MATRIX_TOKEN}"
//	    allowed_rooms: ["!abc:example.org"]
package config
