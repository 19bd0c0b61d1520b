// Package config provides 12-factor configuration management for termhub.
//
// Configuration is loaded from environment variables with defaults, then
// optionally overlaid with a TOML file (--config). CLI flags override both.
//
// Configuration Sections:
//   - Server: HTTP listen address and data directory
//   - Terminal: shell, session wrapper, sizes, grace period
//   - Store: SQLite metadata path
//   - Reconciler: sweep interval, work root, owner manifest
//   - Protocol: websocket queue sizes, limits, keepalive
//   - Logging: level and output format
//   - RateLimit: per-IP HTTP rate limiting
//
// Example file:
//
//	[terminal]
//	wrapper = "tmux"
//	grace_period = "5s"
//
//	[reconciler]
//	work_root = "/home/me/worktrees"
//	owners_file = "/home/me/.termhub/owners.yaml"
package config
