package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"github.com/GriffinCanCode/termhub/internal/shared/id"
)

// DirectLauncher runs the shell straight on a PTY. Processes die with
// the server; it is the fallback when tmux is not installed.
type DirectLauncher struct{}

// NewDirectLauncher creates a launcher without a session wrapper.
func NewDirectLauncher() *DirectLauncher { return &DirectLauncher{} }

func (*DirectLauncher) Name() string     { return "direct" }
func (*DirectLauncher) Detachable() bool { return false }

func (*DirectLauncher) Launch(ctx context.Context, tid id.TerminalID, spec LaunchSpec) (Process, error) {
	cmd := exec.Command(spec.Shell)
	cmd.Dir = spec.Cwd
	cmd.Env = append(cleanEnv(os.Environ()), "TERM=xterm-256color")
	cmd.Env = append(cmd.Env, spec.Env...)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: uint16(spec.Cols),
		Rows: uint16(spec.Rows),
	})
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}

	p := &directProcess{cmd: cmd, ptmx: ptmx, waited: make(chan struct{})}
	go p.reap()
	return p, nil
}

func (*DirectLauncher) Adopt(context.Context, id.TerminalID, int, int) (Process, error) {
	return nil, ErrNotDetachable
}

func (*DirectLauncher) Live(context.Context) ([]LiveSession, error) { return nil, nil }

func (*DirectLauncher) Remove(context.Context, id.TerminalID) error { return nil }

type directProcess struct {
	cmd  *exec.Cmd
	ptmx *os.File

	waited    chan struct{}
	status    ExitStatus
	closeOnce sync.Once
}

func (p *directProcess) reap() {
	err := p.cmd.Wait()
	p.status = exitStatusFromWait(p.cmd.ProcessState, err)
	close(p.waited)
}

func (p *directProcess) Read(b []byte) (int, error) {
	n, err := p.ptmx.Read(b)
	if err != nil && errors.Is(err, syscall.EIO) {
		// Linux reports EIO on the master once every slave fd is closed
		return n, io.EOF
	}
	return n, err
}

func (p *directProcess) Write(b []byte) (int, error) { return p.ptmx.Write(b) }

func (p *directProcess) Resize(cols, rows int) error {
	return pty.Setsize(p.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

func (p *directProcess) Signal(sig unix.Signal) error {
	return signalGroup(p.cmd.Process.Pid, sig)
}

func (p *directProcess) Kill() error {
	return signalGroup(p.cmd.Process.Pid, unix.SIGKILL)
}

func (p *directProcess) Detach() error { return p.Kill() }

// Wait returns once the child is reaped.
func (p *directProcess) Wait() ExitStatus {
	<-p.waited
	return p.status
}

func (p *directProcess) History(context.Context) ([]byte, error) { return nil, nil }

func (p *directProcess) Close() error {
	var err error
	p.closeOnce.Do(func() { err = p.ptmx.Close() })
	return err
}

// signalGroup signals the process group led by pid. pty starts the child
// with Setsid, so its pid is also its group id.
func signalGroup(pid int, sig unix.Signal) error {
	if err := unix.Kill(-pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("signal process group %d with %v: %w", pid, sig, err)
	}
	return nil
}

// exitStatusFromWait follows the shell convention of 128+signal.
func exitStatusFromWait(state *os.ProcessState, err error) ExitStatus {
	if state == nil {
		return ExitStatus{Code: -1, Err: fmt.Errorf("wait: %w", err)}
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return ExitStatus{Code: 128 + int(ws.Signal())}
	}
	return ExitStatus{Code: state.ExitCode()}
}

// cleanEnv drops variables that would confuse a nested terminal.
func cleanEnv(env []string) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		switch {
		case hasKey(kv, "TMUX"), hasKey(kv, "TMUX_PANE"), hasKey(kv, "TERM"):
			continue
		}
		out = append(out, kv)
	}
	return out
}

func hasKey(kv, key string) bool {
	return len(kv) > len(key) && kv[len(key)] == '=' && kv[:len(key)] == key
}
