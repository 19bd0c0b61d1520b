// Package registry holds the live terminals of one server: metadata,
// supervisor handle, scrollback buffer and attached subscribers.
//
// Every entry has its own mutex. Output for a terminal is appended to its
// buffer and fanned out to subscribers under that mutex, and Attach takes
// the snapshot under the same mutex, so each subscriber sees the replay
// followed by every later byte exactly once. No registry-wide lock sits on
// the output path.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/termhub/internal/domain/terminal"
	"github.com/GriffinCanCode/termhub/internal/infrastructure/logging"
	"github.com/GriffinCanCode/termhub/internal/protocol"
	"github.com/GriffinCanCode/termhub/internal/scrollback"
	"github.com/GriffinCanCode/termhub/internal/shared/id"
	"github.com/GriffinCanCode/termhub/internal/supervisor"
)

var (
	// ErrExists is returned when registering an id twice.
	ErrExists = errors.New("terminal already registered")
	// ErrSubscriberClosed is returned by Attach when the subscriber
	// rejected the replay frame.
	ErrSubscriberClosed = errors.New("subscriber closed")
)

// ExitFunc observes a terminal leaving the running state. It receives a
// copy of the record and the scrollback at that moment, and runs outside
// the entry lock.
type ExitFunc func(t *terminal.Terminal, scrollback []byte)

// Options configures a Registry.
type Options struct {
	ScrollbackBytes int
	Hub             *Hub
	OnExit          ExitFunc
	Logger          *logging.Logger
}

// Registry maps terminal ids to entries.
type Registry struct {
	entries sync.Map // id.TerminalID -> *Entry
	count   atomic.Int64

	scrollbackBytes int
	hub             *Hub
	onExit          ExitFunc
	logger          *logging.Logger
}

// New creates an empty registry.
func New(opts Options) *Registry {
	if opts.Hub == nil {
		opts.Hub = NewHub()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	return &Registry{
		scrollbackBytes: opts.ScrollbackBytes,
		hub:             opts.Hub,
		onExit:          opts.OnExit,
		logger:          opts.Logger.Named("registry"),
	}
}

// Hub returns the connection hub used for lifecycle broadcasts.
func (r *Registry) Hub() *Hub { return r.hub }

// Entry is one registered terminal.
type Entry struct {
	mu        sync.Mutex
	term      *terminal.Terminal
	handle    *supervisor.Handle
	buffer    *scrollback.Buffer
	subs      map[string]Subscriber
	destroyed bool
}

// Register adds t and announces it to every client. history seeds the
// scrollback buffer. When h is not nil a pump goroutine starts consuming
// its events, after the announcement; a nil handle registers a dormant
// entry for a terminal that is no longer running.
func (r *Registry) Register(t *terminal.Terminal, h *supervisor.Handle, history []byte) (*Entry, error) {
	e := &Entry{
		term:   t.Clone(),
		handle: h,
		buffer: scrollback.New(r.scrollbackBytes),
		subs:   make(map[string]Subscriber),
	}
	if len(history) > 0 {
		e.buffer.Append(history)
	}
	if _, loaded := r.entries.LoadOrStore(t.ID, e); loaded {
		return nil, fmt.Errorf("%w: %s", ErrExists, t.ID)
	}
	r.count.Add(1)
	r.hub.Broadcast(protocol.CreatedFrame(e.term.Clone()))

	if h != nil {
		go r.pump(e)
	}
	return e, nil
}

// Get returns the entry for tid.
func (r *Registry) Get(tid id.TerminalID) (*Entry, bool) {
	v, ok := r.entries.Load(tid)
	if !ok {
		return nil, false
	}
	return v.(*Entry), true
}

// Lookup is Get with an error wrapping terminal.ErrNotFound.
func (r *Registry) Lookup(tid id.TerminalID) (*Entry, error) {
	e, ok := r.Get(tid)
	if !ok {
		return nil, fmt.Errorf("terminal %s: %w", tid, terminal.ErrNotFound)
	}
	return e, nil
}

// Len is the number of registered terminals.
func (r *Registry) Len() int { return int(r.count.Load()) }

// Entries returns every entry, in creation order.
func (r *Registry) Entries() []*Entry {
	var out []*Entry
	r.entries.Range(func(_, v any) bool {
		out = append(out, v.(*Entry))
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].term, out[j].term
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return out
}

// List returns a copy of every terminal record, in creation order.
func (r *Registry) List() []*terminal.Terminal {
	entries := r.Entries()
	out := make([]*terminal.Terminal, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Terminal())
	}
	return out
}

// Running counts terminals in the running state.
func (r *Registry) Running() int {
	n := 0
	for _, e := range r.Entries() {
		if e.Terminal().Running() {
			n++
		}
	}
	return n
}

// Broadcast sends f to every connected client.
func (r *Registry) Broadcast(f protocol.Frame) { r.hub.Broadcast(f) }

// Attach subscribes sub to tid. The attached frame carrying the current
// scrollback is queued before any later output.
func (r *Registry) Attach(tid id.TerminalID, sub Subscriber) error {
	e, err := r.Lookup(tid)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return fmt.Errorf("terminal %s: %w", tid, terminal.ErrNotFound)
	}
	snap := e.buffer.Snapshot()
	if !sub.Send(protocol.AttachedFrame(tid, snap.Data)) {
		return ErrSubscriberClosed
	}
	e.subs[sub.ID()] = sub
	return nil
}

// Detach removes one subscription. It reports whether sub was attached.
func (r *Registry) Detach(tid id.TerminalID, subID string) bool {
	e, ok := r.Get(tid)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	_, attached := e.subs[subID]
	delete(e.subs, subID)
	return attached
}

// DetachAll removes subID from every terminal, for a closing connection.
func (r *Registry) DetachAll(subID string) {
	r.entries.Range(func(_, v any) bool {
		e := v.(*Entry)
		e.mu.Lock()
		delete(e.subs, subID)
		e.mu.Unlock()
		return true
	})
}

// Remove unregisters tid. A running terminal is reported as exited with
// code -1; then destroyed is sent to every client and the subscriptions
// are dropped. The caller stops the process with the returned entry's
// handle. Removing an unknown or already removed id returns false.
func (r *Registry) Remove(tid id.TerminalID) (*Entry, bool) {
	e, ok := r.Get(tid)
	if !ok {
		return nil, false
	}

	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return nil, false
	}
	e.destroyed = true
	if e.term.Running() {
		e.term.MarkExited(-1)
		r.announceExitLocked(e)
	}
	destroyed := protocol.DestroyedFrame(tid)
	r.hub.Broadcast(destroyed)
	r.sendLocked(e, destroyed, true)
	e.subs = make(map[string]Subscriber)
	e.mu.Unlock()

	if r.entries.CompareAndDelete(tid, e) {
		r.count.Add(-1)
	}
	return e, true
}

// Fail moves a running terminal to the error state, as when its process
// is found missing. It reports whether a transition happened.
func (r *Registry) Fail(tid id.TerminalID, code int, reason string) bool {
	e, ok := r.Get(tid)
	if !ok {
		return false
	}

	e.mu.Lock()
	if e.destroyed || !e.term.Running() {
		e.mu.Unlock()
		return false
	}
	e.term.MarkError(code, reason)
	snap := e.term.Clone()
	data := e.buffer.Snapshot().Data
	r.announceExitLocked(e)
	e.mu.Unlock()

	if r.onExit != nil {
		r.onExit(snap, data)
	}
	return true
}

// pump consumes supervisor events until the handle's channel closes.
func (r *Registry) pump(e *Entry) {
	tid := e.term.ID
	for ev := range e.handle.Events() {
		switch ev.Kind {
		case supervisor.EventOutput:
			e.mu.Lock()
			if !e.destroyed {
				e.buffer.Append(ev.Data)
				if len(e.subs) > 0 {
					r.sendLocked(e, protocol.OutputFrame(tid, ev.Data), false)
				}
			}
			e.mu.Unlock()

		case supervisor.EventExit:
			r.exited(e, ev.Exit)
		}
	}
}

func (r *Registry) exited(e *Entry, st supervisor.ExitStatus) {
	e.mu.Lock()
	if e.destroyed || !e.term.Running() {
		e.mu.Unlock()
		return
	}
	if st.Err != nil {
		e.term.MarkError(st.Code, st.Reason())
	} else {
		e.term.MarkExited(st.Code)
	}
	snap := e.term.Clone()
	data := e.buffer.Snapshot().Data
	r.announceExitLocked(e)
	e.mu.Unlock()

	r.logger.Terminal(string(snap.ID)).Info("terminal exited",
		zap.String("status", string(snap.Status)),
		zap.Int("exit_code", st.Code),
		zap.String("reason", snap.Error))

	if r.onExit != nil {
		r.onExit(snap, data)
	}
}

// announceExitLocked tells every client about the exit. Subscribers that
// are not hub members still get it directly.
func (r *Registry) announceExitLocked(e *Entry) {
	f := protocol.ExitFrame(e.term)
	r.hub.Broadcast(f)
	r.sendLocked(e, f, true)
}

// sendLocked delivers f to e's subscribers and drops the ones that can no
// longer receive. With skipHub, hub members are skipped because a
// broadcast already reached them.
func (r *Registry) sendLocked(e *Entry, f protocol.Frame, skipHub bool) {
	for subID, sub := range e.subs {
		if skipHub && r.hub.Has(subID) {
			continue
		}
		if !sub.Send(f) {
			delete(e.subs, subID)
			r.logger.Debug("subscriber dropped",
				zap.String("terminal_id", string(e.term.ID)),
				zap.String("conn_id", subID))
		}
	}
}

// Terminal returns a copy of the record.
func (e *Entry) Terminal() *terminal.Terminal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.term.Clone()
}

// Handle returns the supervisor handle, nil for dormant entries.
func (e *Entry) Handle() *supervisor.Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handle
}

// Snapshot returns the current scrollback.
func (e *Entry) Snapshot() scrollback.Snapshot { return e.buffer.Snapshot() }

// Release frees the scrollback buffer.
func (e *Entry) Release() { e.buffer.Release() }

// Subscribers is the number of attached subscribers.
func (e *Entry) Subscribers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}

// Update applies fn to the record under the entry lock and returns a copy
// of the result.
func (e *Entry) Update(fn func(t *terminal.Terminal)) *terminal.Terminal {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.term)
	return e.term.Clone()
}

// Rename sets the display name and tells every client.
func (r *Registry) Rename(tid id.TerminalID, name string) (*terminal.Terminal, error) {
	e, err := r.Lookup(tid)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return nil, fmt.Errorf("terminal %s: %w", tid, terminal.ErrNotFound)
	}
	e.term.Name = name
	f := protocol.RenamedFrame(tid, name)
	r.hub.Broadcast(f)
	r.sendLocked(e, f, true)
	return e.term.Clone(), nil
}

// Resize records the viewport size and applies it to a running process.
// Repeating the current size is a no-op.
func (r *Registry) Resize(tid id.TerminalID, cols, rows int) (*terminal.Terminal, error) {
	e, err := r.Lookup(tid)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return nil, fmt.Errorf("terminal %s: %w", tid, terminal.ErrNotFound)
	}
	e.term.Cols, e.term.Rows = cols, rows
	if e.handle != nil && e.term.Running() {
		if err := e.handle.Resize(cols, rows); err != nil && !errors.Is(err, supervisor.ErrNotRunning) {
			return nil, fmt.Errorf("resize %s: %w", tid, err)
		}
	}
	return e.term.Clone(), nil
}
