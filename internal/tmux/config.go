package tmux

import (
	"fmt"
	"os"
	"path/filepath"
)

// ConfigOptions controls the generated server configuration.
type ConfigOptions struct {
	HistoryLimit int // lines kept by tmux itself, used to rehydrate scrollback
}

// Config renders a tmux configuration for terminal servers: panes stay
// after their command exits so the exit status can be read, no status
// line steals a row, and the window follows the attached client's size.
func Config(opts ConfigOptions) string {
	limit := opts.HistoryLimit
	if limit <= 0 {
		limit = 10000
	}
	return fmt.Sprintf(`set -g remain-on-exit on
set -g status off
set -g history-limit %d
set -g window-size latest
set -g aggressive-resize on
set -s escape-time 0
set -g default-terminal "xterm-256color"
set -g prefix None
unbind-key -a
`, limit)
}

// WriteConfig writes the configuration to dir/tmux.conf and returns the path.
func WriteConfig(dir string, opts ConfigOptions) (string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create tmux config dir: %w", err)
	}
	path := filepath.Join(dir, "tmux.conf")
	if err := os.WriteFile(path, []byte(Config(opts)), 0o600); err != nil {
		return "", fmt.Errorf("write tmux config: %w", err)
	}
	return path, nil
}
