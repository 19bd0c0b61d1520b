package registry

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/termhub/internal/domain/terminal"
	"github.com/GriffinCanCode/termhub/internal/protocol"
	"github.com/GriffinCanCode/termhub/internal/shared/id"
	"github.com/GriffinCanCode/termhub/internal/supervisor"
	"github.com/GriffinCanCode/termhub/internal/testutil"
)

type harness struct {
	reg      *Registry
	hub      *Hub
	sup      *supervisor.Supervisor
	launcher *testutil.FakeLauncher

	mu    sync.Mutex
	exits []*terminal.Terminal
	spool map[id.TerminalID]string
}

func newHarness(t *testing.T, scrollbackBytes int) *harness {
	t.Helper()
	h := &harness{
		hub:      NewHub(),
		launcher: testutil.NewFakeLauncher(false),
		spool:    make(map[id.TerminalID]string),
	}
	h.sup = supervisor.New(h.launcher, supervisor.Options{GracePeriod: 50 * time.Millisecond})
	h.reg = New(Options{
		ScrollbackBytes: scrollbackBytes,
		Hub:             h.hub,
		OnExit: func(t *terminal.Terminal, data []byte) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.exits = append(h.exits, t)
			h.spool[t.ID] = string(data)
		},
	})
	return h
}

func (h *harness) start(t *testing.T) (*terminal.Terminal, *testutil.FakeProcess) {
	t.Helper()
	term := &terminal.Terminal{
		ID:        id.NewTerminalID(),
		Name:      "shell",
		Cwd:       t.TempDir(),
		Status:    terminal.StatusRunning,
		Cols:      80,
		Rows:      24,
		CreatedAt: time.Now(),
	}
	handle, err := h.sup.Start(context.Background(), term.ID, term.Cwd, term.Cols, term.Rows)
	require.NoError(t, err)
	_, err = h.reg.Register(term, handle, nil)
	require.NoError(t, err)
	return term, h.launcher.Process(term.ID)
}

func (h *harness) exitCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.exits)
}

func TestAttachUnknown(t *testing.T) {
	h := newHarness(t, 0)

	err := h.reg.Attach("zzz", testutil.NewRecorder("c1"))
	assert.ErrorIs(t, err, terminal.ErrNotFound)
}

func TestAttachReplaysThenStreams(t *testing.T) {
	h := newHarness(t, 0)
	term, proc := h.start(t)

	require.NoError(t, proc.Emit("before "))
	require.Eventually(t, func() bool {
		e, _ := h.reg.Get(term.ID)
		return string(e.Snapshot().Data) == "before "
	}, time.Second, 5*time.Millisecond)

	sub := testutil.NewRecorder("c1")
	require.NoError(t, h.reg.Attach(term.ID, sub))
	require.NoError(t, proc.Emit("after"))

	assert.Eventually(t, func() bool { return sub.Stream(t) == "before after" }, time.Second, 5*time.Millisecond)
	assert.Equal(t, protocol.TypeAttached, sub.Types()[0])
}

func TestSubscribersSeeIdenticalStreams(t *testing.T) {
	h := newHarness(t, 0)
	term, proc := h.start(t)

	a, b := testutil.NewRecorder("a"), testutil.NewRecorder("b")
	require.NoError(t, h.reg.Attach(term.ID, a))

	var want strings.Builder
	for i := 0; i < 50; i++ {
		chunk := strings.Repeat(string(rune('a'+i%26)), i+1)
		want.WriteString(chunk)
		require.NoError(t, proc.Emit(chunk))
		if i == 20 {
			require.NoError(t, h.reg.Attach(term.ID, b))
		}
	}

	assert.Eventually(t, func() bool {
		return a.Stream(t) == want.String() && b.Stream(t) == want.String()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReplayIsBounded(t *testing.T) {
	h := newHarness(t, 16)
	term, proc := h.start(t)

	require.NoError(t, proc.Emit("0123456789"))
	require.NoError(t, proc.Emit("abcdefghij"))
	require.Eventually(t, func() bool {
		e, _ := h.reg.Get(term.ID)
		return e.Snapshot().Seq == 20
	}, time.Second, 5*time.Millisecond)

	sub := testutil.NewRecorder("c1")
	require.NoError(t, h.reg.Attach(term.ID, sub))
	assert.Equal(t, "456789abcdefghij", sub.Stream(t))
}

func TestExitIsReportedAndPersisted(t *testing.T) {
	h := newHarness(t, 0)
	term, proc := h.start(t)

	sub := testutil.NewRecorder("c1")
	watcher := testutil.NewRecorder("w")
	h.hub.Add(sub)
	h.hub.Add(watcher)
	require.NoError(t, h.reg.Attach(term.ID, sub))

	require.NoError(t, proc.Emit("bye\r\n"))
	proc.Exit(2)

	require.Eventually(t, func() bool { return h.exitCount() == 1 }, time.Second, 5*time.Millisecond)

	h.mu.Lock()
	exited := h.exits[0]
	spooled := h.spool[term.ID]
	h.mu.Unlock()
	assert.Equal(t, terminal.StatusExited, exited.Status)
	require.NotNil(t, exited.ExitCode)
	assert.Equal(t, 2, *exited.ExitCode)
	assert.Equal(t, "bye\r\n", spooled)

	assert.Equal(t, []string{protocol.TypeAttached, protocol.TypeOutput, protocol.TypeExit}, sub.Types())
	assert.Equal(t, []string{protocol.TypeExit}, watcher.Types())

	var msg protocol.Exit
	sub.Last(t, protocol.TypeExit, &msg)
	assert.Equal(t, 2, msg.ExitCode)
	assert.Equal(t, terminal.StatusExited, msg.Status)

	e, _ := h.reg.Get(term.ID)
	assert.False(t, e.Terminal().Running())
	assert.Equal(t, 0, h.reg.Running())
}

func TestCrashIsReportedAsError(t *testing.T) {
	h := newHarness(t, 0)
	term, proc := h.start(t)
	sub := testutil.NewRecorder("c1")
	require.NoError(t, h.reg.Attach(term.ID, sub))

	proc.Crash(supervisor.ErrWrapperLost)

	require.Eventually(t, func() bool { return h.exitCount() == 1 }, time.Second, 5*time.Millisecond)
	var msg protocol.Exit
	sub.Last(t, protocol.TypeExit, &msg)
	assert.Equal(t, terminal.StatusError, msg.Status)
	assert.Equal(t, -1, msg.ExitCode)
	assert.Equal(t, "session wrapper lost", msg.Error)
}

func TestRemove(t *testing.T) {
	h := newHarness(t, 0)
	term, proc := h.start(t)
	sub := testutil.NewRecorder("c1")
	other := testutil.NewRecorder("c2")
	h.hub.Add(other)
	require.NoError(t, h.reg.Attach(term.ID, sub))

	e, ok := h.reg.Remove(term.ID)
	require.True(t, ok)
	assert.Equal(t, terminal.StatusExited, e.Terminal().Status)

	_, ok = h.reg.Remove(term.ID)
	assert.False(t, ok, "second remove is a no-op")
	_, found := h.reg.Get(term.ID)
	assert.False(t, found)
	assert.Zero(t, h.reg.Len())

	assert.Equal(t, []string{protocol.TypeAttached, protocol.TypeExit, protocol.TypeDestroyed}, sub.Types())
	assert.Equal(t, []string{protocol.TypeExit, protocol.TypeDestroyed}, other.Types())
	assert.Zero(t, e.Subscribers())

	// the process ending afterwards reports nothing further
	h.sup.Stop(context.Background(), e.Handle())
	<-proc.Done()
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, h.exitCount())
}

func TestDetach(t *testing.T) {
	h := newHarness(t, 0)
	term, proc := h.start(t)
	sub := testutil.NewRecorder("c1")
	require.NoError(t, h.reg.Attach(term.ID, sub))

	assert.True(t, h.reg.Detach(term.ID, "c1"))
	assert.False(t, h.reg.Detach(term.ID, "c1"))

	require.NoError(t, proc.Emit("unseen"))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{protocol.TypeAttached}, sub.Types())
}

func TestDetachAll(t *testing.T) {
	h := newHarness(t, 0)
	t1, _ := h.start(t)
	t2, _ := h.start(t)
	sub := testutil.NewRecorder("c1")
	require.NoError(t, h.reg.Attach(t1.ID, sub))
	require.NoError(t, h.reg.Attach(t2.ID, sub))

	h.reg.DetachAll("c1")

	for _, e := range h.reg.Entries() {
		assert.Zero(t, e.Subscribers())
	}
}

func TestClosedSubscriberIsDropped(t *testing.T) {
	h := newHarness(t, 0)
	term, proc := h.start(t)
	sub := testutil.NewRecorder("c1")
	require.NoError(t, h.reg.Attach(term.ID, sub))
	sub.Close()

	require.NoError(t, proc.Emit("x"))
	e, _ := h.reg.Get(term.ID)
	assert.Eventually(t, func() bool { return e.Subscribers() == 0 }, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, h.reg.Attach(term.ID, sub), ErrSubscriberClosed)
}

func TestRenameBroadcasts(t *testing.T) {
	h := newHarness(t, 0)
	term, _ := h.start(t)
	client := testutil.NewRecorder("c1")
	h.hub.Add(client)

	got, err := h.reg.Rename(term.ID, "build")
	require.NoError(t, err)
	assert.Equal(t, "build", got.Name)

	var msg protocol.Renamed
	client.Last(t, protocol.TypeRenamed, &msg)
	assert.Equal(t, term.ID, msg.TerminalID)
	assert.Equal(t, "build", msg.Name)

	_, err = h.reg.Rename("zzz", "x")
	assert.ErrorIs(t, err, terminal.ErrNotFound)
}

func TestResize(t *testing.T) {
	h := newHarness(t, 0)
	term, proc := h.start(t)

	for i := 0; i < 3; i++ {
		got, err := h.reg.Resize(term.ID, 120, 40)
		require.NoError(t, err)
		assert.Equal(t, 120, got.Cols)
		assert.Equal(t, 40, got.Rows)
	}
	assert.Equal(t, 1, proc.Resizes())

	proc.Exit(0)
	require.Eventually(t, func() bool { return h.exitCount() == 1 }, time.Second, 5*time.Millisecond)

	got, err := h.reg.Resize(term.ID, 100, 30)
	require.NoError(t, err, "resizing an exited terminal only records the size")
	assert.Equal(t, 100, got.Cols)
	assert.Equal(t, 1, proc.Resizes())
}

func TestDormantEntryAndFail(t *testing.T) {
	h := newHarness(t, 0)
	term := &terminal.Terminal{
		ID:        id.NewTerminalID(),
		Cwd:       "/tmp",
		Status:    terminal.StatusRunning,
		CreatedAt: time.Now(),
	}
	_, err := h.reg.Register(term, nil, []byte("restored"))
	require.NoError(t, err)

	_, err = h.reg.Register(term, nil, nil)
	assert.ErrorIs(t, err, ErrExists)

	sub := testutil.NewRecorder("c1")
	require.NoError(t, h.reg.Attach(term.ID, sub))
	assert.Equal(t, "restored", sub.Stream(t))

	assert.True(t, h.reg.Fail(term.ID, -1, "process missing"))
	assert.False(t, h.reg.Fail(term.ID, -1, "again"))
	assert.Equal(t, 1, h.exitCount())

	var msg protocol.Exit
	sub.Last(t, protocol.TypeExit, &msg)
	assert.Equal(t, terminal.StatusError, msg.Status)
	assert.Equal(t, "process missing", msg.Error)
}

func TestListOrder(t *testing.T) {
	h := newHarness(t, 0)
	base := time.Now()
	ids := []id.TerminalID{id.NewTerminalID(), id.NewTerminalID(), id.NewTerminalID()}
	for i := len(ids) - 1; i >= 0; i-- {
		_, err := h.reg.Register(&terminal.Terminal{
			ID:        ids[i],
			Status:    terminal.StatusExited,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}, nil, nil)
		require.NoError(t, err)
	}

	list := h.reg.List()
	require.Len(t, list, 3)
	for i, term := range list {
		assert.Equal(t, ids[i], term.ID)
	}
	assert.Equal(t, 3, h.reg.Len())
}

func TestRegisterAnnouncesCreated(t *testing.T) {
	h := newHarness(t, 0)
	client := testutil.NewRecorder("c1")
	h.hub.Add(client)

	term, _ := h.start(t)

	var msg protocol.Created
	client.Last(t, protocol.TypeCreated, &msg)
	require.NotNil(t, msg.Terminal)
	assert.Equal(t, term.ID, msg.Terminal.ID)
	assert.Equal(t, terminal.StatusRunning, msg.Terminal.Status)
}
