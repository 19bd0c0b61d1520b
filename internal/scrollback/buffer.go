// Package scrollback holds the bounded output history of one terminal.
//
// A Buffer is a fixed byte-capacity ring plus a monotonic sequence counter
// (total bytes ever appended). Oldest bytes are overwritten silently; writers
// never block on readers. Capacity is in bytes, not lines: terminal output is
// not reliably line-delimited.
package scrollback

import "sync"

// DefaultCapacity is the per-terminal history budget.
const DefaultCapacity = 1024 * 1024

// Snapshot is a point-in-time copy of the retained bytes. Seq is the
// sequence number of the byte following Data; output with a higher
// sequence has not been seen by whoever holds the snapshot.
type Snapshot struct {
	Data []byte
	Seq  uint64
}

// Buffer is safe for concurrent use.
type Buffer struct {
	mu       sync.Mutex
	data     []byte
	capacity int
	pos      int // next write position in data
	total    uint64
}

// New creates a buffer with the given capacity in bytes.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		data:     make([]byte, capacity),
		capacity: capacity,
	}
}

// Append writes p and returns the new sequence number.
func (b *Buffer) Append(p []byte) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.data == nil {
		// released; keep counting so sequence numbers stay monotonic
		b.total += uint64(len(p))
		return b.total
	}

	src := p
	if len(src) > b.capacity {
		// only the tail survives; skip straight to it
		skip := len(src) - b.capacity
		b.pos = (b.pos + skip) % b.capacity
		src = src[skip:]
	}
	for off := 0; off < len(src); {
		n := copy(b.data[b.pos:], src[off:])
		b.pos = (b.pos + n) % b.capacity
		off += n
	}
	b.total += uint64(len(p))
	return b.total
}

// Write implements io.Writer.
func (b *Buffer) Write(p []byte) (int, error) {
	b.Append(p)
	return len(p), nil
}

// Snapshot returns a consistent copy of everything currently retained.
func (b *Buffer) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{Data: b.readLocked(0), Seq: b.total}
}

// ReadFrom returns the bytes appended since seq. If seq predates the
// oldest retained byte, everything retained is returned.
func (b *Buffer) ReadFrom(seq uint64) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.readLocked(seq)
}

// Seq returns the total number of bytes ever appended.
func (b *Buffer) Seq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

// Len returns the number of retained bytes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.storedLocked()
}

// Cap returns the capacity in bytes.
func (b *Buffer) Cap() int {
	return b.capacity
}

// Release frees the backing array. Later snapshots are empty.
func (b *Buffer) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = nil
	b.pos = 0
}

func (b *Buffer) storedLocked() int {
	if b.data == nil {
		return 0
	}
	if b.total < uint64(b.capacity) {
		return int(b.total)
	}
	return b.capacity
}

func (b *Buffer) readLocked(seq uint64) []byte {
	stored := b.storedLocked()
	oldest := b.total - uint64(stored)
	if seq < oldest {
		seq = oldest
	}
	if seq >= b.total {
		return []byte{}
	}

	n := int(b.total - seq)
	out := make([]byte, n)
	start := (b.pos - n + b.capacity) % b.capacity
	copied := copy(out, b.data[start:])
	if copied < n {
		copy(out[copied:], b.data[:n-copied])
	}
	return out
}
