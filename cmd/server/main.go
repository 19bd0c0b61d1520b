package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/termhub/internal/infrastructure/config"
	"github.com/GriffinCanCode/termhub/internal/infrastructure/logging"
	"github.com/GriffinCanCode/termhub/internal/infrastructure/server"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "none"
)

type flags struct {
	configFile string
	port       string
	host       string
	dataDir    string
	socketDir  string
	wrapper    string
	workRoot   string
	dev        bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "termhub:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f flags

	root := &cobra.Command{
		Use:           "termhub",
		Short:         "Persistent, multiplexed terminal sessions over websockets",
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, &f)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&f.configFile, "config", "c", "", "TOML config file")
	pf.StringVar(&f.port, "port", "", "server port (PORT)")
	pf.StringVar(&f.host, "host", "", "listen address (HOST)")
	pf.StringVar(&f.dataDir, "data-dir", "", "state directory (DATA_DIR)")
	pf.StringVar(&f.socketDir, "socket-dir", "", "tmux socket directory (TERMINAL_SOCKET_DIR)")
	pf.StringVar(&f.wrapper, "wrapper", "", "session wrapper: auto, tmux or direct (TERMINAL_WRAPPER)")
	pf.StringVar(&f.workRoot, "work-root", "", "managed working-directory root for the owner pass (RECONCILER_WORK_ROOT)")
	pf.BoolVar(&f.dev, "dev", false, "development logging (LOG_DEV)")

	root.AddCommand(&cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as TOML",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, &f)
			if err != nil {
				return err
			}
			out, err := toml.Marshal(cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	})

	return root
}

// loadConfig reads the environment, overlays the config file and applies
// flags that were set explicitly.
func loadConfig(cmd *cobra.Command, f *flags) (*config.Config, error) {
	cfg, err := config.LoadFile(f.configFile)
	if err != nil {
		return nil, err
	}

	changed := cmd.Flags().Changed
	if changed("port") {
		cfg.Server.Port = f.port
	}
	if changed("host") {
		cfg.Server.Host = f.host
	}
	if changed("data-dir") {
		cfg.Server.DataDir = f.dataDir
	}
	if changed("socket-dir") {
		cfg.Terminal.SocketDir = f.socketDir
	}
	if changed("wrapper") {
		cfg.Terminal.Wrapper = f.wrapper
	}
	if changed("work-root") {
		cfg.Reconciler.WorkRoot = f.workRoot
	}
	if changed("dev") {
		cfg.Logging.Development = f.dev
		if f.dev {
			cfg.Logging.Level = "debug"
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	lc := logging.DefaultConfig()
	if cfg.Logging.Development {
		lc = logging.DevelopmentConfig()
	}
	lc.Level = cfg.Logging.Level
	return logging.New(lc)
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to create server", zap.Error(err))
		return err
	}
	if err := srv.Run(ctx); err != nil {
		logger.Error("Server error", zap.Error(err))
		return err
	}
	logger.Info("Server stopped")
	return nil
}
