package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	apihttp "github.com/GriffinCanCode/termhub/internal/api/http"
	"github.com/GriffinCanCode/termhub/internal/api/middleware"
	"github.com/GriffinCanCode/termhub/internal/api/ws"
	"github.com/GriffinCanCode/termhub/internal/domain/session"
	"github.com/GriffinCanCode/termhub/internal/infrastructure/config"
	"github.com/GriffinCanCode/termhub/internal/infrastructure/logging"
	"github.com/GriffinCanCode/termhub/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/termhub/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/termhub/internal/owners"
	"github.com/GriffinCanCode/termhub/internal/reconciler"
	"github.com/GriffinCanCode/termhub/internal/registry"
	"github.com/GriffinCanCode/termhub/internal/spool"
	"github.com/GriffinCanCode/termhub/internal/store"
	"github.com/GriffinCanCode/termhub/internal/supervisor"
	"github.com/GriffinCanCode/termhub/internal/tmux"
)

const shutdownTimeout = 15 * time.Second

// Server wraps the HTTP server and dependencies
type Server struct {
	config     *config.Config
	router     *gin.Engine
	lock       *flock.Flock
	store      *store.SQLite
	manager    *session.Manager
	reconciler *reconciler.Reconciler
	ws         *ws.Handler
	logger     *logging.Logger
	metrics    *monitoring.Metrics

	closeOnce sync.Once
}

// New builds a server from cfg. It takes the data directory lock, so only
// one server runs per data directory.
func New(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*Server, error) {
	dataDir := cfg.DataDir()
	logger.Info("Initializing termhub server",
		zap.String("port", cfg.Server.Port),
		zap.String("data_dir", dataDir),
		zap.String("wrapper", cfg.Terminal.Wrapper),
	)

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	lock := flock.New(cfg.LockPath())
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock data dir: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("another termhub server is using %s", dataDir)
	}

	s := &Server{config: cfg, lock: lock, logger: logger}
	if err := s.init(ctx); err != nil {
		s.release()
		return nil, err
	}
	return s, nil
}

func (s *Server) init(ctx context.Context) error {
	cfg := s.config
	logger := s.logger

	s.metrics = monitoring.NewMetrics()

	st, err := store.OpenSQLite(ctx, cfg.StorePath(), logger)
	if err != nil {
		return err
	}
	s.store = st

	sp, err := spool.New(cfg.SpoolDir(), logger)
	if err != nil {
		return err
	}

	launcher, err := NewLauncher(cfg, logger)
	if err != nil {
		return err
	}
	logger.Info("Process launcher ready",
		zap.String("launcher", launcher.Name()),
		zap.Bool("detachable", launcher.Detachable()))

	sup := supervisor.New(launcher, supervisor.Options{
		Shell:       cfg.Shell(),
		GracePeriod: cfg.Terminal.GracePeriod.Std(),
		Logger:      logger,
	})
	s.manager = session.NewManager(session.Deps{
		Store:      st,
		Supervisor: sup,
		Hub:        registry.NewHub(),
		Spool:      sp,
		Metrics:    s.metrics,
		Logger:     logger,
	}, session.Limits{
		MaxTerminals:    cfg.Terminal.Max,
		DefaultCols:     cfg.Terminal.DefaultCols,
		DefaultRows:     cfg.Terminal.DefaultRows,
		ScrollbackBytes: cfg.Terminal.ScrollbackBytes,
	})

	// stored terminals are always restored; the flag only gates sweeps
	var src owners.Source = owners.Disabled{}
	if cfg.Reconciler.Enabled && cfg.Reconciler.OwnersFile != "" {
		src = owners.NewManifestSource(cfg.Reconciler.OwnersFile)
	}
	s.reconciler = reconciler.New(s.manager, reconciler.Options{
		WorkRoot:    cfg.Reconciler.WorkRoot,
		Owners:      src,
		Interval:    cfg.Reconciler.Interval.Std(),
		DefaultCols: cfg.Terminal.DefaultCols,
		DefaultRows: cfg.Terminal.DefaultRows,
		Metrics:     s.metrics,
		Logger:      logger,
	})

	s.ws = ws.NewHandler(s.manager, ws.Options{
		QueueSize:       cfg.Protocol.OutboundQueue,
		Policy:          registry.Policy(cfg.Protocol.OverflowPolicy),
		MaxConnections:  cfg.Protocol.MaxConnections,
		MaxMessageBytes: cfg.Protocol.MaxMessageBytes,
		InputRate:       cfg.Protocol.InputRate,
		InputBurst:      cfg.Protocol.InputBurst,
		PingInterval:    cfg.Protocol.PingInterval.Std(),
		WriteTimeout:    cfg.Protocol.WriteTimeout.Std(),
		CheckOrigin:     middleware.OriginChecker(cfg.Server.AllowOrigins),
		Metrics:         s.metrics,
		Logger:          logger,
	})

	s.router = s.routes()
	logger.Info("Server initialized successfully")
	return nil
}

func (s *Server) routes() *gin.Engine {
	cfg := s.config
	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(tracing.HTTPMiddleware(tracing.New(s.logger)))
	router.Use(monitoring.Middleware(s.metrics))
	router.Use(middleware.CORS(middleware.DefaultCORSConfig().WithOrigins(cfg.Server.AllowOrigins)))
	if cfg.RateLimit.Enabled {
		s.logger.Info("Rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		router.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		}))
	}

	var sweeper apihttp.Sweeper
	if cfg.Reconciler.Enabled {
		sweeper = s.reconciler
	}
	apihttp.NewHandlers(s.manager, sweeper, s.metrics).
		WithConnections(s.ws.Connections).
		Register(router)

	router.GET("/ws", s.ws.HandleConnection)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{})))
	return router
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Manager returns the session manager.
func (s *Server) Manager() *session.Manager { return s.manager }

// Restore registers the stored terminals, adopting sessions that
// survived the previous server.
func (s *Server) Restore(ctx context.Context) error {
	_, err := s.reconciler.Startup(ctx)
	return err
}

// Run restores stored terminals, then serves HTTP until ctx is done and
// shuts down gracefully. Periodic sweeps run when the reconciler is enabled.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Restore(ctx); err != nil {
		s.logger.Error("Startup reconciliation failed", zap.Error(err))
	}
	if s.config.Reconciler.Enabled {
		go s.reconciler.Run(ctx)
	}

	addr := s.config.Server.Host + ":" + s.config.Server.Port
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", zap.String("addr", addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	s.Close(shutdownCtx)
	return serveErr
}

// Close disconnects clients, leaves wrapped terminals running for the
// next server and releases the data directory.
func (s *Server) Close(ctx context.Context) {
	s.closeOnce.Do(func() {
		s.logger.Info("Shutting down server...")
		s.ws.CloseAll()
		s.manager.Shutdown(ctx)
		s.release()
		s.logger.Sync()
	})
}

func (s *Server) release() {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error("Failed to close store", zap.Error(err))
		}
	}
	if err := s.lock.Unlock(); err != nil {
		s.logger.Error("Failed to release data dir lock", zap.Error(err))
	}
}

// NewLauncher picks the process launcher for cfg.Terminal.Wrapper. Auto
// uses tmux when it is installed.
func NewLauncher(cfg *config.Config, logger *logging.Logger) (supervisor.Launcher, error) {
	mode := cfg.Terminal.Wrapper
	if mode == config.WrapperAuto {
		mode = config.WrapperDirect
		if tmux.Available() {
			mode = config.WrapperTmux
		} else {
			logger.Warn("tmux not found, terminals will not survive a server restart")
		}
	}

	switch mode {
	case config.WrapperTmux:
		if !tmux.Available() {
			return nil, fmt.Errorf("terminal wrapper tmux requested but %s is not installed", tmux.Binary)
		}
		l, err := supervisor.NewWrappedLauncher(supervisor.WrappedOptions{
			SocketDir:    cfg.SocketDir(),
			HistoryLimit: historyLines(cfg.Terminal.ScrollbackBytes),
			ExitPoll:     cfg.Terminal.ExitPollInterval.Std(),
			Logger:       logger,
		})
		if err != nil {
			return nil, err
		}
		return l, nil
	case config.WrapperDirect:
		return supervisor.NewDirectLauncher(), nil
	default:
		return nil, fmt.Errorf("unknown terminal wrapper %q", mode)
	}
}

// historyLines sizes the wrapper's history so a rehydrated buffer can fill
// the scrollback, assuming short lines.
func historyLines(scrollbackBytes int) int {
	lines := scrollbackBytes / 40
	if lines < 2000 {
		lines = 2000
	}
	return lines
}
