// Package config handles configuration loading for nimrod-master.
//
// # Configuration File
//
// Default location (first match):
//
//  1. Path from the NIMROD_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/nimrod/master.yaml
//  3. ~/.config/nimrod/master.yaml
//
// Files ending in .toml are parsed as TOML; anything else as YAML. Both
// formats use the same keys.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  master_secret: "${NIMROD_MASTER_SECRET}"
//	  jwt_secret: "${NIMROD_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	agents:
//	  tick_interval: "1s"
//	  heartbeat_interval: "30s"
//	  expiry_retry_interval: "10s"
//	  default_walltime: "24h"
//
// # Sections
//
//	server:    grpc_addr, http_addr
//	database:  path
//	redis:     addr, password, db, key_prefix (optional shared nonce ledger)
//	auth:      master_secret (hex), jwt_secret, app_id, algorithm, replay_window
//	agents:    tick_interval, heartbeat_interval, missed_threshold,
//	           expiry_retry_interval, expiry_retry_count, default_walltime
//	logging:   level, format (text|json), file, max_size_mb, max_backups
//	metrics:   enabled, path
//
// Only auth.master_secret is required; everything else has a default. The
// agents section seeds the heart, and PUT /api/config/{key} overrides it
// at runtime.
package config
