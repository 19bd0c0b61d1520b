// Package main is the entry point for the termhub server.
//
// termhub keeps interactive terminal sessions alive independently of the
// clients watching them. Browsers connect over a websocket, attach to any
// number of terminals, and can detach and reattach later with full
// scrollback replay. With tmux installed, terminals also survive a
// restart of the server itself.
//
// Configuration:
//   - Environment variables (12-factor)
//   - Optional TOML file (--config)
//   - CLI flags (override both)
//
// Usage:
//
//	# Serve on localhost:8000 with state under the user cache dir
//	termhub
//
//	# Development mode (colored logs, debug level)
//	termhub --dev --port 9000 --data-dir ./.termhub
//
//	# Print the effective configuration
//	termhub config
//
// Signals:
//   - SIGINT, SIGTERM: Graceful shutdown; tmux-wrapped terminals keep running
package main
