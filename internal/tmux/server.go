// Package tmux drives dedicated tmux servers, one per terminal.
//
// Every terminal gets its own server on its own control socket, so a
// crashed or killed server only ever takes one terminal with it. All
// commands go through Server, which injects -S; there is no way to reach
// the user's personal tmux server from here.
package tmux

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// ErrServerGone means the server behind the socket is not running.
var ErrServerGone = errors.New("tmux server not running")

// Binary is the tmux executable. Tests may point it elsewhere.
var Binary = "tmux"

// Available reports whether a tmux binary can be found.
func Available() bool {
	_, err := exec.LookPath(Binary)
	return err == nil
}

// Server represents a tmux server identified by its Unix socket path.
type Server struct {
	socketPath string
	configFile string // passed as -f on new-session; empty = tmux default
}

// NewServer returns a Server that targets the given socket path.
// configFile is read when new-session starts the server.
func NewServer(socketPath, configFile string) *Server {
	return &Server{
		socketPath: socketPath,
		configFile: configFile,
	}
}

// SocketPath returns the Unix socket path that identifies this server.
func (s *Server) SocketPath() string {
	return s.socketPath
}

// SessionOptions describes the single session a terminal's server hosts.
type SessionOptions struct {
	Dir     string
	Cols    int
	Rows    int
	Env     []string // KEY=VALUE, set in the session environment
	Command []string // empty runs the default shell
}

// NewSession creates a detached session, starting the server if needed.
func (s *Server) NewSession(ctx context.Context, name string, opts SessionOptions) error {
	var args []string
	if s.configFile != "" {
		args = append(args, "-f", s.configFile)
	}
	args = append(args, "-S", s.socketPath, "new-session", "-d", "-s", name)
	if opts.Dir != "" {
		args = append(args, "-c", opts.Dir)
	}
	if opts.Cols > 0 && opts.Rows > 0 {
		args = append(args, "-x", strconv.Itoa(opts.Cols), "-y", strconv.Itoa(opts.Rows))
	}
	for _, kv := range opts.Env {
		args = append(args, "-e", kv)
	}
	args = append(args, opts.Command...)

	cmd := exec.CommandContext(ctx, Binary, args...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("tmux new-session %q: %w (%s)",
			name, err, strings.TrimSpace(string(output)))
	}
	return nil
}

// HasSession reports whether the named session exists. False if the
// server is not running.
func (s *Server) HasSession(ctx context.Context, name string) bool {
	return exec.CommandContext(ctx, Binary, "-S", s.socketPath, "has-session", "-t", name).Run() == nil
}

// KillServer terminates the server and every process it hosts. A server
// that is already gone is not an error.
func (s *Server) KillServer(ctx context.Context) error {
	_, err := s.Run(ctx, "kill-server")
	if err != nil && !errors.Is(err, ErrServerGone) {
		return err
	}
	return nil
}

// SetOption sets a global (-g) option when session is empty, else a
// session option.
func (s *Server) SetOption(ctx context.Context, session, key, value string) error {
	args := []string{"set-option", "-g", key, value}
	if session != "" {
		args = []string{"set-option", "-t", session, key, value}
	}
	_, err := s.Run(ctx, args...)
	return err
}

// Run executes a tmux subcommand on this server and returns its output.
// Errors that mean the server is unreachable wrap ErrServerGone.
func (s *Server) Run(ctx context.Context, args ...string) (string, error) {
	fullArgs := append([]string{"-S", s.socketPath}, args...)
	output, err := exec.CommandContext(ctx, Binary, fullArgs...).CombinedOutput()
	if err != nil {
		text := strings.TrimSpace(string(output))
		if serverGone(text) {
			return "", fmt.Errorf("tmux %s: %w (%s)", args[0], ErrServerGone, text)
		}
		return "", fmt.Errorf("tmux %s: %w (%s)", strings.Join(args, " "), err, text)
	}
	return string(output), nil
}

func serverGone(output string) bool {
	return strings.Contains(output, "no server running") ||
		strings.Contains(output, "error connecting to") ||
		strings.Contains(output, "server exited unexpectedly")
}

// CaptureHistory returns the pane's full history and visible screen with
// escape sequences preserved (-e) and wrapped lines joined (-J). Line
// endings are converted to CRLF so the bytes replay correctly into a
// terminal emulator.
func (s *Server) CaptureHistory(ctx context.Context, target string) ([]byte, error) {
	output, err := s.Run(ctx, "capture-pane", "-t", target, "-p", "-e", "-J", "-S", "-", "-E", "-")
	if err != nil {
		return nil, err
	}
	output = strings.TrimRight(output, "\n")
	if output == "" {
		return []byte{}, nil
	}
	return []byte(strings.ReplaceAll(output, "\n", "\r\n") + "\r\n"), nil
}

// PaneState is the result of a pane status query.
type PaneState struct {
	Dead     bool
	ExitCode int // meaningful only when Dead
	PID      int
}

// paneStatusRetryDelay and paneStatusMaxRetries bound the wait for tmux to
// fill in the exit fields after it has already set pane_dead.
const (
	paneStatusRetryDelay = 50 * time.Millisecond
	paneStatusMaxRetries = 5
)

const paneStatusFormat = "#{pane_dead} #{pane_pid} #{pane_dead_status} #{pane_dead_signal}"

// PaneStatus reports whether the pane's command has exited and with what
// code. Requires remain-on-exit. Signal deaths are 128+signal.
func (s *Server) PaneStatus(ctx context.Context, target string) (PaneState, error) {
	for attempt := 0; ; attempt++ {
		output, err := s.Run(ctx, "display-message", "-t", target, "-p", paneStatusFormat)
		if err != nil {
			return PaneState{}, err
		}

		state, complete, err := parsePaneStatus(output)
		if err != nil || complete || attempt >= paneStatusMaxRetries {
			return state, err
		}

		select {
		case <-ctx.Done():
			return state, ctx.Err()
		case <-time.After(paneStatusRetryDelay):
		}
	}
}

// parsePaneStatus parses "dead pid status signal". Empty trailing values
// collapse, e.g. "0 123", "1 123 42", "1 123  15", "1 123". complete is
// false for a dead pane whose exit fields are not populated yet; the
// state then reports exit code 0.
func parsePaneStatus(output string) (state PaneState, complete bool, err error) {
	parts := strings.SplitN(strings.TrimRight(output, "\r\n"), " ", 4)
	if len(parts) == 0 || parts[0] == "" {
		return PaneState{}, false, fmt.Errorf("empty pane status output")
	}

	dead, err := strconv.Atoi(parts[0])
	if err != nil {
		return PaneState{}, false, fmt.Errorf("parsing pane_dead %q: %w", parts[0], err)
	}
	if len(parts) >= 2 && parts[1] != "" {
		if state.PID, err = strconv.Atoi(parts[1]); err != nil {
			return PaneState{}, false, fmt.Errorf("parsing pane_pid %q: %w", parts[1], err)
		}
	}
	if dead == 0 {
		return state, true, nil
	}
	state.Dead = true

	// signal takes precedence; pane_dead_status is undefined for signal deaths
	if len(parts) >= 4 && parts[3] != "" {
		sig, err := strconv.Atoi(parts[3])
		if err != nil {
			return state, true, fmt.Errorf("parsing pane_dead_signal %q: %w", parts[3], err)
		}
		state.ExitCode = 128 + sig
		return state, true, nil
	}
	if len(parts) >= 3 && parts[2] != "" {
		code, err := strconv.Atoi(parts[2])
		if err != nil {
			return state, true, fmt.Errorf("parsing pane_dead_status %q: %w", parts[2], err)
		}
		state.ExitCode = code
		return state, true, nil
	}
	return state, false, nil
}

// SignalPane signals the process group led by the pane's command.
func (s *Server) SignalPane(ctx context.Context, target string, sig unix.Signal) error {
	state, err := s.PaneStatus(ctx, target)
	if err != nil {
		return err
	}
	if state.Dead || state.PID <= 0 {
		return nil
	}
	// tmux starts each pane command as a session leader, so -pid is its group
	if err := unix.Kill(-state.PID, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("signaling process group %d with %v: %w", state.PID, sig, err)
	}
	return nil
}

// Command returns an unstarted tmux command against this server. Used for
// attach clients that need their own Stdin/Stdout and SysProcAttr.
func (s *Server) Command(args ...string) *exec.Cmd {
	fullArgs := append([]string{"-S", s.socketPath}, args...)
	return exec.Command(Binary, fullArgs...)
}

// SocketExists reports whether the control socket is present on disk.
func (s *Server) SocketExists() bool {
	info, err := os.Stat(s.socketPath)
	return err == nil && info.Mode()&os.ModeSocket != 0
}

// CurrentPath returns the working directory of the pane's program.
func (s *Server) CurrentPath(ctx context.Context, target string) (string, error) {
	output, err := s.Run(ctx, "display-message", "-p", "-t", target, "#{pane_current_path}")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(output), nil
}
