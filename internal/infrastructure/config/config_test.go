package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	// Server config
	assert.Equal(t, "8000", cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowOrigins)

	// Terminal config
	assert.Equal(t, WrapperAuto, cfg.Terminal.Wrapper)
	assert.Equal(t, 80, cfg.Terminal.DefaultCols)
	assert.Equal(t, 24, cfg.Terminal.DefaultRows)
	assert.Equal(t, 3*time.Second, cfg.Terminal.GracePeriod.Std())

	// Protocol config
	assert.Equal(t, OverflowDisconnect, cfg.Protocol.OverflowPolicy)
	assert.Equal(t, 256, cfg.Protocol.OutboundQueue)

	// Rate limit config
	assert.Equal(t, 100, cfg.RateLimit.RequestsPerSecond)
	assert.True(t, cfg.RateLimit.Enabled)

	require.NoError(t, cfg.Validate())
}

func TestLoadOrDefault(t *testing.T) {
	cfg := LoadOrDefault()

	assert.NotNil(t, cfg)
	assert.Equal(t, "8000", cfg.Server.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadWithEnvironmentVariables(t *testing.T) {
	envVars := map[string]string{
		"PORT":                        "9000",
		"HOST":                        "0.0.0.0",
		"DATA_DIR":                    "/var/lib/termhub",
		"TERMINAL_WRAPPER":            "direct",
		"TERMINAL_GRACE_PERIOD":       "5s",
		"TERMINAL_EXIT_POLL_INTERVAL": "250ms",
		"RECONCILER_WORK_ROOT":        "/work",
		"PROTOCOL_OVERFLOW_POLICY":    "drop-oldest",
		"PROTOCOL_OUTBOUND_QUEUE":     "16",
		"LOG_LEVEL":                   "debug",
		"LOG_DEV":                     "true",
		"RATE_LIMIT_ENABLED":          "false",
		"CORS_ALLOW_ORIGINS":          "http://localhost:3000,https://tools.example",
	}
	for key, value := range envVars {
		t.Setenv(key, value)
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, WrapperDirect, cfg.Terminal.Wrapper)
	assert.Equal(t, 5*time.Second, cfg.Terminal.GracePeriod.Std())
	assert.Equal(t, 250*time.Millisecond, cfg.Terminal.ExitPollInterval.Std())
	assert.Equal(t, "/work", cfg.Reconciler.WorkRoot)
	assert.Equal(t, OverflowDropOldest, cfg.Protocol.OverflowPolicy)
	assert.Equal(t, 16, cfg.Protocol.OutboundQueue)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Development)
	assert.False(t, cfg.RateLimit.Enabled)
	assert.Equal(t, []string{"http://localhost:3000", "https://tools.example"}, cfg.Server.AllowOrigins)

	assert.Equal(t, "/var/lib/termhub/termhub.db", cfg.StorePath())
	assert.Equal(t, "/var/lib/termhub/sockets", cfg.SocketDir())
	assert.Equal(t, "/var/lib/termhub/spool", cfg.SpoolDir())
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"unknown wrapper", "TERMINAL_WRAPPER", "screen"},
		{"unknown policy", "PROTOCOL_OVERFLOW_POLICY", "block"},
		{"bad duration", "TERMINAL_GRACE_PERIOD", "soon"},
		{"zero queue", "PROTOCOL_OUTBOUND_QUEUE", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoadFileOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "termhub.toml")
	content := `
[server]
port = "7777"

[terminal]
wrapper = "tmux"
grace_period = "1500ms"
socket_dir = "/run/termhub"

[reconciler]
owners_file = "/etc/termhub/owners.yaml"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "7777", cfg.Server.Port)
	assert.Equal(t, WrapperTmux, cfg.Terminal.Wrapper)
	assert.Equal(t, 1500*time.Millisecond, cfg.Terminal.GracePeriod.Std())
	assert.Equal(t, "/run/termhub", cfg.SocketDir())
	assert.Equal(t, "/etc/termhub/owners.yaml", cfg.Reconciler.OwnersFile)
	// keys absent from the file keep their environment values
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, 80, cfg.Terminal.DefaultCols)
}

func TestLoadFileErrors(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(bad, []byte("[terminal\nwrapper="), 0o600))
	_, err = LoadFile(bad)
	assert.Error(t, err)

	invalid := filepath.Join(t.TempDir(), "invalid.toml")
	require.NoError(t, os.WriteFile(invalid, []byte("[protocol]\noverflow_policy = \"block\"\n"), 0o600))
	_, err = LoadFile(invalid)
	assert.Error(t, err)
}

func TestShellFallback(t *testing.T) {
	cfg := Default()
	cfg.Terminal.Shell = "/bin/zsh"
	assert.Equal(t, "/bin/zsh", cfg.Shell())

	cfg.Terminal.Shell = ""
	t.Setenv("SHELL", "")
	assert.Equal(t, "/bin/sh", cfg.Shell())
}
