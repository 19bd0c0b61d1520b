package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
)

// Config holds all application configuration.
type Config struct {
	Server     ServerConfig     `toml:"server"`
	Terminal   TerminalConfig   `toml:"terminal"`
	Store      StoreConfig      `toml:"store"`
	Reconciler ReconcilerConfig `toml:"reconciler"`
	Protocol   ProtocolConfig   `toml:"protocol"`
	Logging    LogConfig        `toml:"logging"`
	RateLimit  RateLimitConfig  `toml:"rate_limit"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port         string   `envconfig:"PORT" default:"8000" toml:"port"`
	Host         string   `envconfig:"HOST" default:"127.0.0.1" toml:"host"`
	DataDir      string   `envconfig:"DATA_DIR" default:"" toml:"data_dir"`
	AllowOrigins []string `envconfig:"CORS_ALLOW_ORIGINS" default:"*" toml:"allow_origins"`
}

// Wrapper modes.
const (
	WrapperAuto   = "auto"
	WrapperTmux   = "tmux"
	WrapperDirect = "direct"
)

// TerminalConfig holds process supervision settings.
type TerminalConfig struct {
	Shell            string   `envconfig:"TERMINAL_SHELL" default:"" toml:"shell"`
	Wrapper          string   `envconfig:"TERMINAL_WRAPPER" default:"auto" toml:"wrapper"`
	SocketDir        string   `envconfig:"TERMINAL_SOCKET_DIR" default:"" toml:"socket_dir"`
	DefaultCols      int      `envconfig:"TERMINAL_DEFAULT_COLS" default:"80" toml:"default_cols"`
	DefaultRows      int      `envconfig:"TERMINAL_DEFAULT_ROWS" default:"24" toml:"default_rows"`
	ScrollbackBytes  int      `envconfig:"TERMINAL_SCROLLBACK_BYTES" default:"1048576" toml:"scrollback_bytes"`
	GracePeriod      Duration `envconfig:"TERMINAL_GRACE_PERIOD" default:"3s" toml:"grace_period"`
	ExitPollInterval Duration `envconfig:"TERMINAL_EXIT_POLL_INTERVAL" default:"500ms" toml:"exit_poll_interval"`
	Max              int      `envconfig:"TERMINAL_MAX" default:"256" toml:"max"`
}

// StoreConfig holds metadata persistence settings.
type StoreConfig struct {
	Path string `envconfig:"STORE_PATH" default:"" toml:"path"`
}

// ReconcilerConfig holds orphan reconciliation settings.
type ReconcilerConfig struct {
	// Enabled turns on periodic sweeps. Stored terminals are restored regardless.
	Enabled    bool     `envconfig:"RECONCILER_ENABLED" default:"true" toml:"enabled"`
	Interval   Duration `envconfig:"RECONCILER_INTERVAL" default:"30s" toml:"interval"`
	WorkRoot   string   `envconfig:"RECONCILER_WORK_ROOT" default:"" toml:"work_root"`
	OwnersFile string   `envconfig:"RECONCILER_OWNERS_FILE" default:"" toml:"owners_file"`
}

// Overflow policies for slow websocket subscribers.
const (
	OverflowDisconnect = "disconnect"
	OverflowDropOldest = "drop-oldest"
)

// ProtocolConfig holds websocket multiplexing settings.
type ProtocolConfig struct {
	OutboundQueue   int      `envconfig:"PROTOCOL_OUTBOUND_QUEUE" default:"256" toml:"outbound_queue"`
	OverflowPolicy  string   `envconfig:"PROTOCOL_OVERFLOW_POLICY" default:"disconnect" toml:"overflow_policy"`
	MaxConnections  int      `envconfig:"PROTOCOL_MAX_CONNECTIONS" default:"128" toml:"max_connections"`
	MaxMessageBytes int64    `envconfig:"PROTOCOL_MAX_MESSAGE_BYTES" default:"1048576" toml:"max_message_bytes"`
	InputRate       float64  `envconfig:"PROTOCOL_INPUT_RATE" default:"500" toml:"input_rate"`
	InputBurst      int      `envconfig:"PROTOCOL_INPUT_BURST" default:"1000" toml:"input_burst"`
	PingInterval    Duration `envconfig:"PROTOCOL_PING_INTERVAL" default:"30s" toml:"ping_interval"`
	WriteTimeout    Duration `envconfig:"PROTOCOL_WRITE_TIMEOUT" default:"10s" toml:"write_timeout"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info" toml:"level"`
	Development bool   `envconfig:"LOG_DEV" default:"false" toml:"development"`
}

// RateLimitConfig holds HTTP rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100" toml:"rps"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200" toml:"burst"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true" toml:"enabled"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFile loads environment configuration and overlays the TOML file at
// path. Keys present in the file win over the environment.
func LoadFile(path string) (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port:         "8000",
			Host:         "127.0.0.1",
			AllowOrigins: []string{"*"},
		},
		Terminal: TerminalConfig{
			Wrapper:          WrapperAuto,
			DefaultCols:      80,
			DefaultRows:      24,
			ScrollbackBytes:  1 << 20,
			GracePeriod:      Duration(3 * time.Second),
			ExitPollInterval: Duration(500 * time.Millisecond),
			Max:              256,
		},
		Reconciler: ReconcilerConfig{
			Enabled:  true,
			Interval: Duration(30 * time.Second),
		},
		Protocol: ProtocolConfig{
			OutboundQueue:   256,
			OverflowPolicy:  OverflowDisconnect,
			MaxConnections:  128,
			MaxMessageBytes: 1 << 20,
			InputRate:       500,
			InputBurst:      1000,
			PingInterval:    Duration(30 * time.Second),
			WriteTimeout:    Duration(10 * time.Second),
		},
		Logging: LogConfig{
			Level: "info",
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
	}
	return cfg
}

// DataDir returns the state directory, defaulting under the user cache.
func (c *Config) DataDir() string {
	if c.Server.DataDir != "" {
		return c.Server.DataDir
	}
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "termhub")
	}
	return filepath.Join(os.TempDir(), "termhub")
}

// StorePath returns the SQLite database path.
func (c *Config) StorePath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	return filepath.Join(c.DataDir(), "termhub.db")
}

// SocketDir returns the directory holding one wrapper socket per terminal.
func (c *Config) SocketDir() string {
	if c.Terminal.SocketDir != "" {
		return c.Terminal.SocketDir
	}
	return filepath.Join(c.DataDir(), "sockets")
}

// Shell returns the program launched in new terminals.
func (c *Config) Shell() string {
	if c.Terminal.Shell != "" {
		return c.Terminal.Shell
	}
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/sh"
}

// SpoolDir is where scrollback spool files live.
func (c *Config) SpoolDir() string {
	return filepath.Join(c.DataDir(), "spool")
}

// LockPath is the single-instance lock file.
func (c *Config) LockPath() string {
	return filepath.Join(c.DataDir(), "termhub.lock")
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	switch c.Terminal.Wrapper {
	case WrapperAuto, WrapperTmux, WrapperDirect:
	default:
		return fmt.Errorf("invalid terminal wrapper %q", c.Terminal.Wrapper)
	}
	switch c.Protocol.OverflowPolicy {
	case OverflowDisconnect, OverflowDropOldest:
	default:
		return fmt.Errorf("invalid overflow policy %q", c.Protocol.OverflowPolicy)
	}
	if c.Terminal.ScrollbackBytes <= 0 {
		return fmt.Errorf("scrollback bytes must be positive")
	}
	if c.Protocol.OutboundQueue <= 0 {
		return fmt.Errorf("outbound queue must be positive")
	}
	if c.Terminal.DefaultCols <= 0 || c.Terminal.DefaultRows <= 0 {
		return fmt.Errorf("default size must be positive")
	}
	return nil
}

// Duration is a time.Duration read from "3s"-style text in both the
// environment and the config file.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}
