package ws_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/termhub/internal/api/ws"
	"github.com/GriffinCanCode/termhub/internal/domain/session"
	"github.com/GriffinCanCode/termhub/internal/domain/terminal"
	"github.com/GriffinCanCode/termhub/internal/registry"
	"github.com/GriffinCanCode/termhub/internal/shared/id"
	"github.com/GriffinCanCode/termhub/internal/spool"
	"github.com/GriffinCanCode/termhub/internal/store"
	"github.com/GriffinCanCode/termhub/internal/supervisor"
	"github.com/GriffinCanCode/termhub/internal/testutil"
)

type env struct {
	mgr      *session.Manager
	launcher *testutil.FakeLauncher
	handler  *ws.Handler
	url      string
}

func newEnv(t *testing.T, opts ws.Options) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()

	st, err := store.OpenSQLite(context.Background(), filepath.Join(dir, "termhub.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	sp, err := spool.New(filepath.Join(dir, "spool"), nil)
	require.NoError(t, err)

	launcher := testutil.NewFakeLauncher(true)
	launcher.EchoInput()
	mgr := session.NewManager(session.Deps{
		Store:      st,
		Supervisor: supervisor.New(launcher, supervisor.Options{GracePeriod: 50 * time.Millisecond}),
		Hub:        registry.NewHub(),
		Spool:      sp,
	}, session.Limits{})

	handler := ws.NewHandler(mgr, opts)
	router := gin.New()
	router.GET("/ws", handler.HandleConnection)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &env{
		mgr:      mgr,
		launcher: launcher,
		handler:  handler,
		url:      "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
	}
}

type client struct {
	t    *testing.T
	conn *websocket.Conn
}

func (e *env) dial(t *testing.T) *client {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(e.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &client{t: t, conn: conn}
}

func (c *client) send(msg map[string]any) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(msg))
}

// next returns the next frame of the given type, skipping others.
func (c *client) next(msgType string) map[string]any {
	c.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		require.NoError(c.t, c.conn.SetReadDeadline(deadline))
		_, data, err := c.conn.ReadMessage()
		require.NoError(c.t, err, "waiting for %q", msgType)
		var m map[string]any
		require.NoError(c.t, sonic.Unmarshal(data, &m))
		if m["type"] == msgType {
			return m
		}
	}
}

// sync round-trips a list request; every earlier message has been handled
// once it returns.
func (c *client) sync() map[string]any {
	c.t.Helper()
	c.send(map[string]any{"type": "list"})
	return c.next("list")
}

func (c *client) create(cwd string) string {
	c.t.Helper()
	c.send(map[string]any{"type": "create", "name": "dev", "cols": 80, "rows": 24, "cwd": cwd})
	created := c.next("created")
	return created["terminal"].(map[string]any)["id"].(string)
}

func TestAttachUnknownTerminal(t *testing.T) {
	e := newEnv(t, ws.Options{})
	c := e.dial(t)

	c.send(map[string]any{"type": "attach", "terminalId": "zzz"})
	msg := c.next("error")
	assert.Equal(t, "zzz", msg["terminalId"])
	assert.Equal(t, "not found", msg["error"])

	// connection is still usable
	list := c.sync()
	assert.Equal(t, []any{}, list["terminals"])
}

func TestEchoSession(t *testing.T) {
	e := newEnv(t, ws.Options{})
	c := e.dial(t)

	tid := c.create(t.TempDir())
	c.send(map[string]any{"type": "attach", "terminalId": tid})
	att := c.next("attached")
	assert.Equal(t, tid, att["terminalId"])

	c.send(map[string]any{"type": "input", "terminalId": tid, "data": "echo hi\n"})
	out := c.next("output")
	assert.Equal(t, tid, out["terminalId"])
	assert.Contains(t, out["data"], "hi")

	e.launcher.Process(id.TerminalID(tid)).Exit(0)
	exit := c.next("exit")
	assert.Equal(t, float64(0), exit["exitCode"])
	assert.Equal(t, "exited", exit["status"])
}

func TestInputRequiresAttachment(t *testing.T) {
	e := newEnv(t, ws.Options{})
	c := e.dial(t)

	tid := c.create(t.TempDir())
	c.send(map[string]any{"type": "input", "terminalId": tid, "data": "ls\n"})
	c.sync()

	assert.Empty(t, e.launcher.Process(id.TerminalID(tid)).Input())
}

func TestResizeWithoutAttachment(t *testing.T) {
	e := newEnv(t, ws.Options{})
	c := e.dial(t)

	tid := c.create(t.TempDir())
	c.send(map[string]any{"type": "resize", "terminalId": tid, "cols": 120, "rows": 40})
	c.sync()

	cols, rows := e.launcher.Process(id.TerminalID(tid)).Size()
	assert.Equal(t, 120, cols)
	assert.Equal(t, 40, rows)

	c.send(map[string]any{"type": "resize", "terminalId": tid, "cols": 0, "rows": 40})
	msg := c.next("error")
	assert.Contains(t, msg["error"], "invalid size")
}

func TestRenameRequiresName(t *testing.T) {
	e := newEnv(t, ws.Options{})
	c := e.dial(t)

	tid := c.create(t.TempDir())
	c.send(map[string]any{"type": "rename", "terminalId": tid, "name": ""})
	msg := c.next("error")
	assert.Equal(t, tid, msg["terminalId"])
	assert.Contains(t, msg["error"], "name is required")

	term, err := e.mgr.Get(id.TerminalID(tid))
	require.NoError(t, err)
	assert.Equal(t, "dev", term.Name)

	c.send(map[string]any{"type": "rename", "terminalId": tid, "name": "api"})
	renamed := c.next("renamed")
	assert.Equal(t, "api", renamed["name"])
}

func TestCreateFailureReportsError(t *testing.T) {
	e := newEnv(t, ws.Options{})
	c := e.dial(t)

	missing := filepath.Join(t.TempDir(), "gone")
	c.send(map[string]any{"type": "create", "cols": 80, "rows": 24, "cwd": missing})

	created := c.next("created")
	term := created["terminal"].(map[string]any)
	assert.Equal(t, "error", term["status"])

	msg := c.next("error")
	assert.Equal(t, term["id"], msg["terminalId"])
	assert.Contains(t, msg["error"], "creation failed")
}

func TestLifecycleBroadcasts(t *testing.T) {
	e := newEnv(t, ws.Options{})
	a := e.dial(t)
	b := e.dial(t)
	b.sync() // b is registered before a creates

	tid := a.create(t.TempDir())
	assert.Equal(t, tid, b.next("created")["terminal"].(map[string]any)["id"])

	a.send(map[string]any{"type": "rename", "terminalId": tid, "name": "build"})
	renamed := b.next("renamed")
	assert.Equal(t, "build", renamed["name"])

	a.send(map[string]any{"type": "destroy", "terminalId": tid})
	assert.Equal(t, tid, b.next("destroyed")["terminalId"])
	assert.Equal(t, tid, a.next("destroyed")["terminalId"])
}

func TestSharedViewing(t *testing.T) {
	e := newEnv(t, ws.Options{})
	a := e.dial(t)
	b := e.dial(t)

	tid := a.create(t.TempDir())
	for _, c := range []*client{a, b} {
		c.send(map[string]any{"type": "attach", "terminalId": tid})
		c.next("attached")
	}

	require.NoError(t, e.launcher.Process(id.TerminalID(tid)).Emit("line one\r\n"))
	assert.Equal(t, "line one\r\n", a.next("output")["data"])
	assert.Equal(t, "line one\r\n", b.next("output")["data"])

	b.send(map[string]any{"type": "detach", "terminalId": tid})
	b.sync()
	require.NoError(t, e.launcher.Process(id.TerminalID(tid)).Emit("line two\r\n"))
	assert.Equal(t, "line two\r\n", a.next("output")["data"])

	b.send(map[string]any{"type": "attach", "terminalId": tid})
	assert.Equal(t, "line one\r\nline two\r\n", b.next("attached")["buffer"])
}

func TestDisconnectDropsSubscriptions(t *testing.T) {
	e := newEnv(t, ws.Options{})
	c := e.dial(t)

	tid := c.create(t.TempDir())
	c.send(map[string]any{"type": "attach", "terminalId": tid})
	c.next("attached")

	entry, ok := e.mgr.Registry().Get(id.TerminalID(tid))
	require.True(t, ok)
	assert.Equal(t, 1, entry.Subscribers())

	c.conn.Close()
	assert.Eventually(t, func() bool {
		return entry.Subscribers() == 0 && e.handler.Connections() == 0
	}, 2*time.Second, 10*time.Millisecond)

	got, err := e.mgr.Get(id.TerminalID(tid))
	require.NoError(t, err)
	assert.True(t, got.Running(), "closing a connection never ends the terminal")
}

func TestMalformedMessages(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr string
	}{
		{"not json", `hello`, "invalid request"},
		{"missing type", `{"terminalId":"x"}`, "invalid request: missing type"},
		{"unknown type", `{"type":"explode"}`, `invalid request: unknown message type "explode"`},
	}

	e := newEnv(t, ws.Options{})
	c := e.dial(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, []byte(tt.raw)))
			msg := c.next("error")
			assert.Contains(t, msg["error"], tt.wantErr)
		})
	}
	c.sync()
}

func TestInputRateLimit(t *testing.T) {
	e := newEnv(t, ws.Options{InputRate: 0.001, InputBurst: 2})
	c := e.dial(t)

	for i := 0; i < 3; i++ {
		c.send(map[string]any{"type": "list"})
	}
	c.next("list")
	c.next("list")
	assert.Equal(t, "rate limit exceeded", c.next("error")["error"])
}

func TestMaxConnections(t *testing.T) {
	e := newEnv(t, ws.Options{MaxConnections: 1})
	c := e.dial(t)
	c.sync()

	_, resp, err := websocket.DefaultDialer.Dial(e.url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	// the first connection is unaffected
	c.sync()
}

func TestSlowConsumerDisconnected(t *testing.T) {
	e := newEnv(t, ws.Options{QueueSize: 1, Policy: registry.PolicyDisconnect, WriteTimeout: 200 * time.Millisecond})
	c := e.dial(t)

	tid := c.create(t.TempDir())
	c.send(map[string]any{"type": "attach", "terminalId": tid})
	c.next("attached")

	// never read; the queue overflows and the server hangs up
	proc := e.launcher.Process(id.TerminalID(tid))
	chunk := strings.Repeat("x", 64<<10)
	for i := 0; i < 2048; i++ {
		if err := proc.Emit(chunk); err != nil {
			break
		}
		if e.handler.Connections() == 0 {
			break
		}
	}
	assert.Eventually(t, func() bool { return e.handler.Connections() == 0 }, 5*time.Second, 10*time.Millisecond)

	got, err := e.mgr.Get(id.TerminalID(tid))
	require.NoError(t, err)
	assert.Equal(t, terminal.StatusRunning, got.Status)
}

func TestCloseAll(t *testing.T) {
	e := newEnv(t, ws.Options{})
	c := e.dial(t)
	c.sync()

	e.handler.CloseAll()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseTryAgainLater), "got %v", err)
			break
		}
	}
}
