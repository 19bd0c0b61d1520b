package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/creack/pty"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/GriffinCanCode/termhub/internal/domain/terminal"
	"github.com/GriffinCanCode/termhub/internal/infrastructure/logging"
	"github.com/GriffinCanCode/termhub/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/termhub/internal/shared/id"
	"github.com/GriffinCanCode/termhub/internal/tmux"
)

// sessionName is the only session on each terminal's tmux server.
const sessionName = "main"

const (
	defaultExitPoll = 500 * time.Millisecond
	probeTimeout    = 2 * time.Second
	probeFailures   = 5
)

// WrappedOptions configures a WrappedLauncher.
type WrappedOptions struct {
	SocketDir    string
	HistoryLimit int
	ExitPoll     time.Duration
	Logger       *logging.Logger
}

// WrappedLauncher runs every terminal inside its own tmux server on
// <SocketDir>/<terminal id>.sock. We attach a tmux client to a PTY we own;
// the tmux server, not the client, owns the program's process group.
type WrappedLauncher struct {
	socketDir  string
	configFile string
	exitPoll   time.Duration
	logger     *logging.Logger
}

// NewWrappedLauncher prepares the socket directory and tmux config.
func NewWrappedLauncher(opts WrappedOptions) (*WrappedLauncher, error) {
	if opts.SocketDir == "" {
		return nil, fmt.Errorf("socket directory is required")
	}
	if opts.ExitPoll <= 0 {
		opts.ExitPoll = defaultExitPoll
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	configFile, err := tmux.WriteConfig(opts.SocketDir, tmux.ConfigOptions{HistoryLimit: opts.HistoryLimit})
	if err != nil {
		return nil, err
	}
	return &WrappedLauncher{
		socketDir:  opts.SocketDir,
		configFile: configFile,
		exitPoll:   opts.ExitPoll,
		logger:     opts.Logger.Named("tmux"),
	}, nil
}

func (*WrappedLauncher) Name() string     { return "tmux" }
func (*WrappedLauncher) Detachable() bool { return true }

func (l *WrappedLauncher) socketPath(tid id.TerminalID) string {
	return filepath.Join(l.socketDir, string(tid)+".sock")
}

func (l *WrappedLauncher) server(tid id.TerminalID) *tmux.Server {
	return tmux.NewServer(l.socketPath(tid), l.configFile)
}

// Launch starts a tmux server for tid and attaches to its session.
func (l *WrappedLauncher) Launch(ctx context.Context, tid id.TerminalID, spec LaunchSpec) (Process, error) {
	srv := l.server(tid)
	err := srv.NewSession(ctx, sessionName, tmux.SessionOptions{
		Dir:     spec.Cwd,
		Cols:    spec.Cols,
		Rows:    spec.Rows,
		Env:     spec.Env,
		Command: []string{spec.Shell},
	})
	if err != nil {
		return nil, err
	}

	p, err := l.attach(tid, srv, spec.Cols, spec.Rows)
	if err != nil {
		srv.KillServer(context.Background())
		return nil, err
	}
	return p, nil
}

// Adopt attaches to a session left running by an earlier server.
func (l *WrappedLauncher) Adopt(ctx context.Context, tid id.TerminalID, cols, rows int) (Process, error) {
	srv := l.server(tid)
	if !srv.HasSession(ctx, sessionName) {
		return nil, fmt.Errorf("adopt %s: %w", tid, terminal.ErrNotFound)
	}
	return l.attach(tid, srv, cols, rows)
}

func (l *WrappedLauncher) attach(tid id.TerminalID, srv *tmux.Server, cols, rows int) (*wrappedProcess, error) {
	cmd := srv.Command("attach-session", "-t", sessionName)
	cmd.Env = append(cleanEnv(os.Environ()), "TERM=xterm-256color")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		return nil, fmt.Errorf("attach tmux client: %w", err)
	}

	log := l.logger.Terminal(string(tid))
	p := &wrappedProcess{
		server: srv,
		client: cmd,
		ptmx:   ptmx,
		poll:   l.exitPoll,
		logger: log,
		breaker: resilience.New("probe:"+string(tid), resilience.Settings{
			Timeout:     time.Minute,
			ReadyToTrip: resilience.ConsecutiveFailures(probeFailures),
			OnStateChange: func(name string, from, to resilience.State) {
				log.Warn("probe breaker state change", zap.Stringer("from", from), zap.Stringer("to", to))
			},
		}),
		clientDone: make(chan struct{}),
		stop:       make(chan struct{}),
	}
	go p.waitClient()
	go p.watch()
	return p, nil
}

// Live lists reachable wrapper servers. Sockets whose server is gone are
// removed.
func (l *WrappedLauncher) Live(ctx context.Context) ([]LiveSession, error) {
	matches, err := doublestar.Glob(os.DirFS(l.socketDir), "term_*.sock")
	if err != nil {
		return nil, fmt.Errorf("scan socket dir: %w", err)
	}

	var live []LiveSession
	for _, name := range matches {
		tid := id.TerminalID(strings.TrimSuffix(name, ".sock"))
		if !id.IsTerminalID(string(tid)) {
			continue
		}
		srv := l.server(tid)
		state, err := srv.PaneStatus(ctx, sessionName)
		if errors.Is(err, tmux.ErrServerGone) {
			l.logger.Info("removing stale socket", zap.String("terminal_id", string(tid)))
			os.Remove(srv.SocketPath())
			continue
		}
		if err != nil {
			l.logger.Warn("probe failed", zap.String("terminal_id", string(tid)), zap.Error(err))
			continue
		}
		session := LiveSession{ID: tid, Dead: state.Dead, ExitCode: state.ExitCode}
		if !state.Dead {
			session.Cwd, _ = srv.CurrentPath(ctx, sessionName)
		}
		live = append(live, session)
	}
	return live, nil
}

// Remove kills the terminal's tmux server and deletes its socket.
func (l *WrappedLauncher) Remove(ctx context.Context, tid id.TerminalID) error {
	srv := l.server(tid)
	if err := srv.KillServer(ctx); err != nil {
		return err
	}
	if err := os.Remove(srv.SocketPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove socket: %w", err)
	}
	return nil
}

type wrappedProcess struct {
	server  *tmux.Server
	client  *exec.Cmd
	ptmx    *os.File
	poll    time.Duration
	breaker *resilience.Breaker
	logger  *logging.Logger

	clientDone chan struct{}
	stop       chan struct{}
	stopOnce   sync.Once
	closeOnce  sync.Once

	mu       sync.Mutex
	status   *ExitStatus
	detached bool
}

func (p *wrappedProcess) waitClient() {
	p.client.Wait()
	close(p.clientDone)
}

// watch polls the pane until it dies or the wrapper disappears, then
// drops the client so the read loop reaches EOF.
func (p *wrappedProcess) watch() {
	ticker := time.NewTicker(p.poll)
	defer ticker.Stop()

	for {
		select {
		case <-p.clientDone:
			return
		case <-p.stop:
			return
		case <-ticker.C:
		}

		if !p.server.SocketExists() {
			p.lost("socket vanished")
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
		state, err := resilience.Call(p.breaker, func() (tmux.PaneState, error) {
			return p.server.PaneStatus(ctx, sessionName)
		})
		cancel()

		switch {
		case err == nil && state.Dead:
			p.finish(ExitStatus{Code: state.ExitCode})
			p.dropClient()
			return
		case errors.Is(err, tmux.ErrServerGone):
			p.lost("server gone")
			return
		case errors.Is(err, resilience.ErrCircuitOpen):
			p.lost("probes failing")
			return
		case err != nil:
			p.logger.Debug("pane probe failed", zap.Error(err))
		}
	}
}

func (p *wrappedProcess) finish(st ExitStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status == nil {
		p.status = &st
	}
}

func (p *wrappedProcess) lost(why string) {
	p.logger.Warn("session wrapper lost", zap.String("reason", why))
	p.finish(ExitStatus{Code: -1, Err: ErrWrapperLost})
	p.dropClient()
}

func (p *wrappedProcess) dropClient() {
	if p.client.Process != nil {
		p.client.Process.Kill()
	}
}

func (p *wrappedProcess) Read(b []byte) (int, error) {
	n, err := p.ptmx.Read(b)
	if err != nil && errors.Is(err, syscall.EIO) {
		return n, io.EOF
	}
	return n, err
}

func (p *wrappedProcess) Write(b []byte) (int, error) { return p.ptmx.Write(b) }

func (p *wrappedProcess) Resize(cols, rows int) error {
	return pty.Setsize(p.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

func (p *wrappedProcess) Signal(sig unix.Signal) error {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	return p.server.SignalPane(ctx, sessionName, sig)
}

func (p *wrappedProcess) Kill() error {
	p.finish(ExitStatus{Code: 128 + int(unix.SIGKILL)})
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	err := p.server.KillServer(ctx)
	p.dropClient()
	return err
}

func (p *wrappedProcess) Detach() error {
	p.mu.Lock()
	p.detached = true
	p.mu.Unlock()
	p.dropClient()
	return nil
}

func (p *wrappedProcess) Wait() ExitStatus {
	<-p.clientDone
	p.stopOnce.Do(func() { close(p.stop) })

	p.mu.Lock()
	st, detached := p.status, p.detached
	p.mu.Unlock()
	if st != nil {
		return *st
	}
	if detached {
		return ExitStatus{Detached: true}
	}

	// the client went away on its own; ask the server what happened
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	state, err := p.server.PaneStatus(ctx, sessionName)
	switch {
	case err == nil && state.Dead:
		p.finish(ExitStatus{Code: state.ExitCode})
	case err == nil:
		// pane alive without our client; kill it rather than leak an orphan
		p.logger.Warn("tmux client lost, killing session")
		p.server.KillServer(ctx)
		p.finish(ExitStatus{Code: -1, Err: ErrWrapperLost})
	default:
		p.finish(ExitStatus{Code: -1, Err: ErrWrapperLost})
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return *p.status
}

func (p *wrappedProcess) History(ctx context.Context) ([]byte, error) {
	return p.server.CaptureHistory(ctx, sessionName)
}

// Close releases the PTY and, since the program has ended, the tmux
// server and its socket.
func (p *wrappedProcess) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = p.ptmx.Close()
		ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
		defer cancel()
		p.server.KillServer(ctx)
		os.Remove(p.server.SocketPath())
	})
	return err
}
