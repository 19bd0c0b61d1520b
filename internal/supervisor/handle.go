package supervisor

import (
	"sync"
	"unicode/utf8"

	"github.com/GriffinCanCode/termhub/internal/shared/id"
)

// EventKind tags a supervisor event.
type EventKind int

const (
	EventOutput EventKind = iota
	EventExit
)

// Event is published on a Handle's channel. Exactly one EventExit is sent
// for a process that ends; none is sent for a detached one.
type Event struct {
	Kind EventKind
	Data []byte
	Exit ExitStatus
}

const (
	readBufferSize = 32 * 1024
	eventBuffer    = 64
)

// Handle is the supervisor's grip on one running terminal.
type Handle struct {
	id   id.TerminalID
	proc Process

	events chan Event
	done   chan struct{}

	writeMu sync.Mutex

	mu       sync.Mutex
	exited   bool
	detached bool
	status   ExitStatus
	cols     int
	rows     int
}

func newHandle(tid id.TerminalID, proc Process, cols, rows int) *Handle {
	return &Handle{
		id:     tid,
		proc:   proc,
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
		cols:   cols,
		rows:   rows,
	}
}

// ID returns the terminal this handle runs.
func (h *Handle) ID() id.TerminalID { return h.id }

// Events delivers output in PTY order followed by at most one exit. The
// channel is closed after the last event.
func (h *Handle) Events() <-chan Event { return h.events }

// Done is closed once the process has ended or been detached.
func (h *Handle) Done() <-chan struct{} { return h.done }

// ExitStatus returns the final status once Done is closed.
func (h *Handle) ExitStatus() (ExitStatus, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status, h.exited
}

// Running reports whether the process has not yet ended.
func (h *Handle) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.exited
}

// Write forwards input to the PTY master.
func (h *Handle) Write(p []byte) (int, error) {
	if !h.Running() {
		return 0, ErrNotRunning
	}
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	n, err := h.proc.Write(p)
	if err != nil && !h.Running() {
		return n, ErrNotRunning
	}
	return n, err
}

// Resize sets the PTY window size. Repeating the current size does nothing.
func (h *Handle) Resize(cols, rows int) error {
	h.mu.Lock()
	if h.exited {
		h.mu.Unlock()
		return ErrNotRunning
	}
	if h.cols == cols && h.rows == rows {
		h.mu.Unlock()
		return nil
	}
	h.cols, h.rows = cols, rows
	h.mu.Unlock()
	return h.proc.Resize(cols, rows)
}

// Size returns the last applied window size.
func (h *Handle) Size() (cols, rows int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cols, h.rows
}

func (h *Handle) markDetached() {
	h.mu.Lock()
	h.detached = true
	h.mu.Unlock()
}

// run owns the read loop. It publishes output, then the exit, then closes
// the channel.
func (h *Handle) run() {
	buf := make([]byte, readBufferSize)
	var pending []byte

	for {
		n, err := h.proc.Read(buf)
		if n > 0 {
			data := append(pending, buf[:n]...)
			cut := completeUTF8(data)
			if cut > 0 {
				chunk := make([]byte, cut)
				copy(chunk, data[:cut])
				h.events <- Event{Kind: EventOutput, Data: chunk}
			}
			pending = append([]byte(nil), data[cut:]...)
		}
		if err != nil {
			break
		}
	}
	if len(pending) > 0 {
		h.events <- Event{Kind: EventOutput, Data: pending}
	}

	status := h.proc.Wait()

	h.mu.Lock()
	h.exited = true
	if h.detached {
		status.Detached = true
	}
	h.status = status
	h.mu.Unlock()

	if !status.Detached {
		h.proc.Close()
		h.events <- Event{Kind: EventExit, Exit: status}
	}
	close(h.events)
	close(h.done)
}

// completeUTF8 returns the length of the longest prefix of p that does not
// end inside a multi-byte sequence. Invalid bytes count as complete.
func completeUTF8(p []byte) int {
	n := len(p)
	// a sequence is at most 4 bytes, so only the last 3 can be a partial start
	for i := n - 1; i >= 0 && i >= n-utf8.UTFMax+1; i-- {
		b := p[i]
		if b < utf8.RuneSelf {
			return n
		}
		if utf8.RuneStart(b) {
			if utf8.FullRune(p[i:]) {
				return n
			}
			return i
		}
	}
	return n
}
