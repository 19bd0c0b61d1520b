// Package testutil provides test doubles for termhub packages.
package testutil

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/GriffinCanCode/termhub/internal/domain/terminal"
	"github.com/GriffinCanCode/termhub/internal/shared/id"
	"github.com/GriffinCanCode/termhub/internal/supervisor"
)

// FakeLauncher is an in-memory supervisor.Launcher. Processes it starts
// are FakeProcesses driven by the test.
type FakeLauncher struct {
	wrapped bool

	mu        sync.Mutex
	procs     map[id.TerminalID]*FakeProcess
	live      map[id.TerminalID]supervisor.LiveSession
	history   map[id.TerminalID][]byte
	removed   []id.TerminalID
	launchErr error
	liveErr   error
	echo      bool
}

// NewFakeLauncher creates a launcher; wrapped makes it detachable.
func NewFakeLauncher(wrapped bool) *FakeLauncher {
	return &FakeLauncher{
		wrapped: wrapped,
		procs:   make(map[id.TerminalID]*FakeProcess),
		live:    make(map[id.TerminalID]supervisor.LiveSession),
		history: make(map[id.TerminalID][]byte),
	}
}

func (l *FakeLauncher) Name() string     { return "fake" }
func (l *FakeLauncher) Detachable() bool { return l.wrapped }

// FailLaunches makes every later Launch return err.
func (l *FakeLauncher) FailLaunches(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launchErr = err
}

// FailLive makes Live return err.
func (l *FakeLauncher) FailLive(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.liveErr = err
}

// EchoInput makes processes started from now on echo their input.
func (l *FakeLauncher) EchoInput() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.echo = true
}

// SetLive registers wrapper sessions that Live reports and Adopt accepts.
func (l *FakeLauncher) SetLive(sessions ...supervisor.LiveSession) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range sessions {
		l.live[s.ID] = s
	}
}

// SetHistory sets the wrapper history of processes adopted for tid.
func (l *FakeLauncher) SetHistory(tid id.TerminalID, b []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.history[tid] = b
}

func (l *FakeLauncher) Launch(_ context.Context, tid id.TerminalID, spec supervisor.LaunchSpec) (supervisor.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.launchErr != nil {
		return nil, l.launchErr
	}
	p := NewFakeProcess(spec)
	p.echo = l.echo
	l.procs[tid] = p
	if l.wrapped {
		l.live[tid] = supervisor.LiveSession{ID: tid}
	}
	return p, nil
}

func (l *FakeLauncher) Adopt(_ context.Context, tid id.TerminalID, cols, rows int) (supervisor.Process, error) {
	if !l.wrapped {
		return nil, supervisor.ErrNotDetachable
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.live[tid]
	if !ok || s.Dead {
		return nil, fmt.Errorf("adopt %s: %w", tid, terminal.ErrNotFound)
	}
	p := NewFakeProcess(supervisor.LaunchSpec{Cols: cols, Rows: rows})
	p.echo = l.echo
	p.history = l.history[tid]
	l.procs[tid] = p
	return p, nil
}

func (l *FakeLauncher) Live(context.Context) ([]supervisor.LiveSession, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.liveErr != nil {
		return nil, l.liveErr
	}
	out := make([]supervisor.LiveSession, 0, len(l.live))
	for _, s := range l.live {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (l *FakeLauncher) Remove(_ context.Context, tid id.TerminalID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.live, tid)
	l.removed = append(l.removed, tid)
	return nil
}

// Process returns the most recent process started or adopted for tid.
func (l *FakeLauncher) Process(tid id.TerminalID) *FakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[tid]
}

// Removed lists the ids passed to Remove, in order.
func (l *FakeLauncher) Removed() []id.TerminalID {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]id.TerminalID(nil), l.removed...)
}

// FakeProcess is a supervisor.Process backed by a pipe. Emit produces
// output; Exit ends the process.
type FakeProcess struct {
	Spec supervisor.LaunchSpec

	r *io.PipeReader
	w *io.PipeWriter

	once   sync.Once
	done   chan struct{}
	status supervisor.ExitStatus

	mu           sync.Mutex
	input        bytes.Buffer
	resizes      int
	cols, rows   int
	signals      []unix.Signal
	history      []byte
	closed       bool
	echo         bool
	ignoreHangup bool
}

// NewFakeProcess creates a running fake.
func NewFakeProcess(spec supervisor.LaunchSpec) *FakeProcess {
	r, w := io.Pipe()
	return &FakeProcess{
		Spec: spec,
		r:    r,
		w:    w,
		done: make(chan struct{}),
		cols: spec.Cols,
		rows: spec.Rows,
	}
}

// Emit writes output as if the program printed it. It blocks until the
// reader has consumed it.
func (p *FakeProcess) Emit(s string) error {
	_, err := p.w.Write([]byte(s))
	return err
}

// Exit ends the process with code.
func (p *FakeProcess) Exit(code int) { p.finish(supervisor.ExitStatus{Code: code}) }

// Crash ends the process with an observation error.
func (p *FakeProcess) Crash(err error) { p.finish(supervisor.ExitStatus{Code: -1, Err: err}) }

// IgnoreHangup makes SIGHUP a no-op so Stop has to escalate.
func (p *FakeProcess) IgnoreHangup() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ignoreHangup = true
}

// SetHistory sets what History returns.
func (p *FakeProcess) SetHistory(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.history = b
}

func (p *FakeProcess) finish(st supervisor.ExitStatus) {
	p.once.Do(func() {
		p.status = st
		close(p.done)
		p.w.Close()
	})
}

func (p *FakeProcess) Read(b []byte) (int, error) { return p.r.Read(b) }

func (p *FakeProcess) Write(b []byte) (int, error) {
	p.mu.Lock()
	p.input.Write(b)
	echo := p.echo
	p.mu.Unlock()
	if echo {
		go p.w.Write(append([]byte(nil), b...))
	}
	return len(b), nil
}

func (p *FakeProcess) Resize(cols, rows int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resizes++
	p.cols, p.rows = cols, rows
	return nil
}

func (p *FakeProcess) Signal(sig unix.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	ignore := p.ignoreHangup
	p.mu.Unlock()
	if sig == unix.SIGHUP && !ignore {
		p.finish(supervisor.ExitStatus{Code: 128 + int(unix.SIGHUP)})
	}
	return nil
}

func (p *FakeProcess) Kill() error {
	p.finish(supervisor.ExitStatus{Code: 128 + int(unix.SIGKILL)})
	return nil
}

func (p *FakeProcess) Detach() error {
	p.finish(supervisor.ExitStatus{Detached: true})
	return nil
}

func (p *FakeProcess) Wait() supervisor.ExitStatus {
	<-p.done
	return p.status
}

func (p *FakeProcess) History(context.Context) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.history...), nil
}

func (p *FakeProcess) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Input returns everything written to the process.
func (p *FakeProcess) Input() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.input.String()
}

// Resizes counts Resize calls that reached the process.
func (p *FakeProcess) Resizes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resizes
}

// Size returns the last size applied.
func (p *FakeProcess) Size() (cols, rows int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cols, p.rows
}

// Signals lists delivered signals.
func (p *FakeProcess) Signals() []unix.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]unix.Signal(nil), p.signals...)
}

// Closed reports whether Close was called.
func (p *FakeProcess) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Done is closed when the process ends.
func (p *FakeProcess) Done() <-chan struct{} { return p.done }
