// Package supervisor owns the processes behind terminals.
//
// A Launcher starts the program on a PTY, either inside a per-terminal
// tmux server (WrappedLauncher) so it survives server restarts, or
// directly (DirectLauncher). Each started process gets a Handle whose
// read loop publishes Output events and one final Exit event on a
// per-terminal channel; the registry consumes that channel.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/GriffinCanCode/termhub/internal/domain/terminal"
	"github.com/GriffinCanCode/termhub/internal/infrastructure/logging"
	"github.com/GriffinCanCode/termhub/internal/shared/id"
)

// DefaultGracePeriod is how long Stop waits after SIGHUP before killing.
const DefaultGracePeriod = 3 * time.Second

// Options configures a Supervisor.
type Options struct {
	Shell       string
	GracePeriod time.Duration
	Env         []string
	Logger      *logging.Logger
}

// Supervisor starts, adopts and stops terminal processes.
type Supervisor struct {
	launcher Launcher
	shell    string
	grace    time.Duration
	env      []string
	logger   *logging.Logger
}

// New creates a supervisor around launcher.
func New(launcher Launcher, opts Options) *Supervisor {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	if opts.Shell == "" {
		opts.Shell = "/bin/sh"
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	return &Supervisor{
		launcher: launcher,
		shell:    opts.Shell,
		grace:    opts.GracePeriod,
		env:      opts.Env,
		logger:   opts.Logger.Named("supervisor"),
	}
}

// Launcher returns the launcher processes are started with.
func (s *Supervisor) Launcher() Launcher { return s.launcher }

// Start launches the program for tid in cwd. Failures wrap
// terminal.ErrCreationFailed.
func (s *Supervisor) Start(ctx context.Context, tid id.TerminalID, cwd string, cols, rows int) (*Handle, error) {
	info, err := os.Stat(cwd)
	if err != nil {
		return nil, fmt.Errorf("%w: working directory %s: %v", terminal.ErrCreationFailed, cwd, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: working directory %s is not a directory", terminal.ErrCreationFailed, cwd)
	}

	env := append([]string{"TERMHUB_TERMINAL_ID=" + string(tid)}, s.env...)
	proc, err := s.launcher.Launch(ctx, tid, LaunchSpec{
		Shell: s.shell,
		Cwd:   cwd,
		Cols:  cols,
		Rows:  rows,
		Env:   env,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", terminal.ErrCreationFailed, err)
	}

	h := newHandle(tid, proc, cols, rows)
	go h.run()

	s.logger.Terminal(string(tid)).Info("process started",
		zap.String("launcher", s.launcher.Name()),
		zap.String("cwd", cwd),
		zap.Int("cols", cols),
		zap.Int("rows", rows))
	return h, nil
}

// Adopt reattaches to a live wrapper session left by a previous server.
func (s *Supervisor) Adopt(ctx context.Context, tid id.TerminalID, cols, rows int) (*Handle, error) {
	proc, err := s.launcher.Adopt(ctx, tid, cols, rows)
	if err != nil {
		return nil, err
	}
	h := newHandle(tid, proc, cols, rows)
	go h.run()

	s.logger.Terminal(string(tid)).Info("session adopted", zap.String("launcher", s.launcher.Name()))
	return h, nil
}

// History returns the wrapper's retained output for h.
func (s *Supervisor) History(ctx context.Context, h *Handle) ([]byte, error) {
	return h.proc.History(ctx)
}

// Stop sends SIGHUP to the process group, waits up to the grace period,
// then force-kills. It returns the final status.
func (s *Supervisor) Stop(ctx context.Context, h *Handle) ExitStatus {
	log := s.logger.Terminal(string(h.id))

	if h.Running() {
		if err := h.proc.Signal(unix.SIGHUP); err != nil {
			log.Debug("hangup failed", zap.Error(err))
		}

		timer := time.NewTimer(s.grace)
		select {
		case <-h.done:
		case <-timer.C:
			log.Info("grace period elapsed, killing")
			if err := h.proc.Kill(); err != nil {
				log.Warn("kill failed", zap.Error(err))
			}
		case <-ctx.Done():
			if err := h.proc.Kill(); err != nil {
				log.Warn("kill failed", zap.Error(err))
			}
		}
		timer.Stop()
	}

	<-h.done
	status, _ := h.ExitStatus()
	return status
}

// Kill force-terminates without a grace period.
func (s *Supervisor) Kill(h *Handle) ExitStatus {
	if h.Running() {
		if err := h.proc.Kill(); err != nil {
			s.logger.Terminal(string(h.id)).Warn("kill failed", zap.Error(err))
		}
	}
	<-h.done
	status, _ := h.ExitStatus()
	return status
}

// Detach leaves a wrapped process running and drops our client. Direct
// processes cannot outlive us and are stopped instead.
func (s *Supervisor) Detach(ctx context.Context, h *Handle) {
	if !s.launcher.Detachable() {
		s.Stop(ctx, h)
		return
	}
	if !h.Running() {
		return
	}
	h.markDetached()
	if err := h.proc.Detach(); err != nil {
		s.logger.Terminal(string(h.id)).Warn("detach failed", zap.Error(err))
	}
	<-h.done
}

// Remove tears down wrapper state for a terminal that is being destroyed.
func (s *Supervisor) Remove(ctx context.Context, tid id.TerminalID) error {
	return s.launcher.Remove(ctx, tid)
}
