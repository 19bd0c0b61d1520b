package supervisor

import (
	"context"
	"errors"
	"io"

	"golang.org/x/sys/unix"

	"github.com/GriffinCanCode/termhub/internal/domain/terminal"
	"github.com/GriffinCanCode/termhub/internal/shared/id"
)

var (
	// ErrNotRunning is returned by Handle writes after the process ended.
	ErrNotRunning = errors.New("terminal not running")
	// ErrWrapperLost reports a session wrapper that vanished underneath a
	// running terminal.
	ErrWrapperLost = errors.New("session wrapper lost")
	// ErrNotDetachable is returned by Adopt on launchers without a wrapper.
	ErrNotDetachable = errors.New("launcher cannot adopt sessions")
)

// ExitStatus describes how a process ended.
type ExitStatus struct {
	Code     int
	Err      error // non-nil when the process could not be observed to exit normally
	Detached bool  // the process is still alive; only our client went away
}

// Status maps the exit to a terminal status.
func (e ExitStatus) Status() terminal.Status {
	if e.Err != nil {
		return terminal.StatusError
	}
	return terminal.StatusExited
}

// Reason is the human-readable error text, empty for normal exits.
func (e ExitStatus) Reason() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

// LaunchSpec is what a launcher needs to start one terminal.
type LaunchSpec struct {
	Shell string
	Cwd   string
	Cols  int
	Rows  int
	Env   []string
}

// Process is one running program behind a PTY. Read returns output until
// the process (or our attachment to it) ends.
type Process interface {
	io.ReadWriter
	Resize(cols, rows int) error
	// Signal delivers sig to the process group.
	Signal(sig unix.Signal) error
	// Kill force-terminates the process group.
	Kill() error
	// Detach drops our attachment while leaving the process running, if
	// the launcher supports it; otherwise it kills.
	Detach() error
	// Wait blocks until Read has hit EOF and returns the final status.
	Wait() ExitStatus
	// History returns whatever scrollback the wrapper itself retained.
	History(ctx context.Context) ([]byte, error)
	// Close releases resources once Wait has returned.
	Close() error
}

// LiveSession is a wrapper session found on disk.
type LiveSession struct {
	ID       id.TerminalID
	Dead     bool // the program exited but the wrapper kept the pane
	ExitCode int
	Cwd      string // best effort; empty when unknown
}

// Launcher starts processes, optionally inside a detachable wrapper.
type Launcher interface {
	Name() string
	// Detachable reports whether processes outlive this server.
	Detachable() bool
	Launch(ctx context.Context, tid id.TerminalID, spec LaunchSpec) (Process, error)
	// Adopt attaches to an existing wrapper session.
	Adopt(ctx context.Context, tid id.TerminalID, cols, rows int) (Process, error)
	// Live enumerates wrapper sessions that are still reachable.
	Live(ctx context.Context) ([]LiveSession, error)
	// Remove tears down whatever the wrapper holds for tid.
	Remove(ctx context.Context, tid id.TerminalID) error
}
