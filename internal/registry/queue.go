package registry

import (
	"sync"

	"github.com/GriffinCanCode/termhub/internal/protocol"
)

// Policy decides what a full Queue does with a new frame.
type Policy string

const (
	// PolicyDisconnect closes the queue; the connection is dropped.
	PolicyDisconnect Policy = "disconnect"
	// PolicyDropOldest discards the oldest queued frame.
	PolicyDropOldest Policy = "drop-oldest"
)

// DefaultQueueSize bounds a connection's outbound frames.
const DefaultQueueSize = 256

// Queue is a bounded outbound frame queue for one connection. Send never
// blocks. The consumer drains C until Done is closed.
type Queue struct {
	ch     chan protocol.Frame
	done   chan struct{}
	policy Policy

	// OnDrop is called for every frame discarded by PolicyDropOldest.
	OnDrop func()

	mu     sync.Mutex
	closed bool
}

// NewQueue creates a queue holding up to size frames.
func NewQueue(size int, policy Policy) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if policy == "" {
		policy = PolicyDisconnect
	}
	return &Queue{
		ch:     make(chan protocol.Frame, size),
		done:   make(chan struct{}),
		policy: policy,
	}
}

// C delivers queued frames in order.
func (q *Queue) C() <-chan protocol.Frame { return q.ch }

// Done is closed when the queue is closed.
func (q *Queue) Done() <-chan struct{} { return q.done }

// Send enqueues f. It returns false once the queue is closed, including
// when this call overflowed a PolicyDisconnect queue.
func (q *Queue) Send(f protocol.Frame) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}

	select {
	case q.ch <- f:
		return true
	default:
	}

	if q.policy == PolicyDropOldest {
		select {
		case <-q.ch:
			if q.OnDrop != nil {
				q.OnDrop()
			}
		default:
		}
		select {
		case q.ch <- f:
		default:
			// consumer raced us; the frame is lost like the one we dropped
			if q.OnDrop != nil {
				q.OnDrop()
			}
		}
		return true
	}

	q.closeLocked()
	return false
}

// Close stops accepting frames. It is safe to call more than once.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closeLocked()
}

// Closed reports whether the queue was closed.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *Queue) closeLocked() {
	if !q.closed {
		q.closed = true
		close(q.done)
	}
}

// Len is the number of frames waiting.
func (q *Queue) Len() int { return len(q.ch) }
