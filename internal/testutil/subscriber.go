package testutil

import (
	"strings"
	"sync"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/termhub/internal/protocol"
)

// Recorder is a subscriber that keeps every frame it is sent.
type Recorder struct {
	id string

	mu     sync.Mutex
	frames []protocol.Frame
	closed bool
}

// NewRecorder creates a recorder with the given connection id.
func NewRecorder(connID string) *Recorder { return &Recorder{id: connID} }

func (r *Recorder) ID() string { return r.id }

func (r *Recorder) Send(f protocol.Frame) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.frames = append(r.frames, f)
	return true
}

// Close makes later sends fail.
func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

// Types lists received frame types in order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.frames))
	for i, f := range r.frames {
		out[i] = f.Type
	}
	return out
}

// Count returns how many frames of msgType arrived.
func (r *Recorder) Count(msgType string) int {
	n := 0
	for _, typ := range r.Types() {
		if typ == msgType {
			n++
		}
	}
	return n
}

// Last decodes the most recent frame of msgType into v.
func (r *Recorder) Last(t *testing.T, msgType string, v any) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.frames) - 1; i >= 0; i-- {
		if r.frames[i].Type == msgType {
			require.NoError(t, sonic.Unmarshal(r.frames[i].Data, v))
			return
		}
	}
	t.Fatalf("no %s frame received", msgType)
}

// Stream concatenates replayed and live output in arrival order.
func (r *Recorder) Stream(t *testing.T) string {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	var b strings.Builder
	for _, f := range r.frames {
		switch f.Type {
		case protocol.TypeAttached:
			var m protocol.Attached
			require.NoError(t, sonic.Unmarshal(f.Data, &m))
			b.WriteString(m.Buffer)
		case protocol.TypeOutput:
			var m protocol.Output
			require.NoError(t, sonic.Unmarshal(f.Data, &m))
			b.WriteString(m.Data)
		}
	}
	return b.String()
}
