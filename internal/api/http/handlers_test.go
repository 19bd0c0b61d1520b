package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/termhub/internal/domain/session"
	"github.com/GriffinCanCode/termhub/internal/domain/terminal"
	"github.com/GriffinCanCode/termhub/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/termhub/internal/reconciler"
	"github.com/GriffinCanCode/termhub/internal/registry"
	"github.com/GriffinCanCode/termhub/internal/shared/id"
	"github.com/GriffinCanCode/termhub/internal/spool"
	"github.com/GriffinCanCode/termhub/internal/store"
	"github.com/GriffinCanCode/termhub/internal/supervisor"
	"github.com/GriffinCanCode/termhub/internal/testutil"
)

type mockSweeper struct {
	mock.Mock
}

func (m *mockSweeper) Sweep(ctx context.Context) (reconciler.Result, error) {
	args := m.Called(ctx)
	return args.Get(0).(reconciler.Result), args.Error(1)
}

type fixture struct {
	router   *gin.Engine
	mgr      *session.Manager
	launcher *testutil.FakeLauncher
}

func setupTestRouter(t *testing.T, sweeper Sweeper) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()

	st, err := store.OpenSQLite(context.Background(), filepath.Join(dir, "termhub.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	sp, err := spool.New(filepath.Join(dir, "spool"), nil)
	require.NoError(t, err)

	launcher := testutil.NewFakeLauncher(true)
	metrics := monitoring.NewMetrics()
	mgr := session.NewManager(session.Deps{
		Store:      st,
		Supervisor: supervisor.New(launcher, supervisor.Options{GracePeriod: 50 * time.Millisecond}),
		Hub:        registry.NewHub(),
		Spool:      sp,
		Metrics:    metrics,
	}, session.Limits{MaxTerminals: 3})

	router := gin.New()
	NewHandlers(mgr, sweeper, metrics).WithConnections(func() int { return 2 }).Register(router)
	return &fixture{router: router, mgr: mgr, launcher: launcher}
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		data, err := sonic.Marshal(body)
		require.NoError(t, err)
		buf.Write(data)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	var out map[string]any
	if w.Header().Get("Content-Type") == "application/json; charset=utf-8" {
		require.NoError(t, sonic.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func (f *fixture) create(t *testing.T) string {
	t.Helper()
	w, body := f.do(t, "POST", "/terminals", map[string]any{"name": "dev", "cwd": t.TempDir()})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return body["terminal"].(map[string]any)["id"].(string)
}

func TestRootAndHealth(t *testing.T) {
	f := setupTestRouter(t, nil)
	f.create(t)

	w, body := f.do(t, "GET", "/", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "termhub", body["service"])

	w, body = f.do(t, "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "fake", body["launcher"])
	assert.Equal(t, float64(2), body["connections"])
	assert.Equal(t, map[string]any{"total": float64(1), "running": float64(1)}, body["terminals"])
}

func TestCreateTerminal(t *testing.T) {
	tests := []struct {
		name       string
		body       any
		wantStatus int
		wantErr    string
	}{
		{"ok", map[string]any{"cwd": "TEMP", "cols": 100, "rows": 30}, http.StatusCreated, ""},
		{"missing cwd", map[string]any{"cols": 100}, http.StatusBadRequest, "cwd is required"},
		{"bad size", map[string]any{"cwd": "TEMP", "cols": 5000}, http.StatusBadRequest, "invalid size"},
		{"cwd does not exist", map[string]any{"cwd": "/nonexistent/termhub"}, http.StatusUnprocessableEntity, "creation failed"},
		{"not json", "nope", http.StatusBadRequest, "invalid request"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupTestRouter(t, nil)
			if m, ok := tt.body.(map[string]any); ok && m["cwd"] == "TEMP" {
				m["cwd"] = t.TempDir()
			}

			w, body := f.do(t, "POST", "/terminals", tt.body)
			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantErr != "" {
				assert.Contains(t, body["error"], tt.wantErr)
			}
		})
	}
}

func TestCreateFailureKeepsTerminal(t *testing.T) {
	f := setupTestRouter(t, nil)

	w, body := f.do(t, "POST", "/terminals", map[string]any{"cwd": "/nonexistent/termhub"})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	term := body["terminal"].(map[string]any)
	assert.Equal(t, "error", term["status"])

	w, body = f.do(t, "GET", "/terminals/"+term["id"].(string), nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "error", body["terminal"].(map[string]any)["status"])
}

func TestCreateLimit(t *testing.T) {
	f := setupTestRouter(t, nil)
	for i := 0; i < 3; i++ {
		f.create(t)
	}
	w, body := f.do(t, "POST", "/terminals", map[string]any{"cwd": t.TempDir()})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, body["error"], "resource exhausted")
}

func TestTerminalNotFound(t *testing.T) {
	f := setupTestRouter(t, nil)

	tests := []struct {
		method string
		path   string
		body   any
	}{
		{"GET", "/terminals/zzz", nil},
		{"GET", "/terminals/zzz/scrollback", nil},
		{"PATCH", "/terminals/zzz", map[string]any{"name": "x"}},
		{"POST", "/terminals/zzz/resize", map[string]any{"cols": 80, "rows": 24}},
		{"PUT", "/terminals/zzz/tab", map[string]any{"tabId": nil}},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			w, body := f.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, http.StatusNotFound, w.Code)
			assert.Contains(t, body["error"], "not found")
		})
	}
}

func TestRenameResizeAndScrollback(t *testing.T) {
	f := setupTestRouter(t, nil)
	tid := f.create(t)

	w, body := f.do(t, "PATCH", "/terminals/"+tid, map[string]any{"name": "build"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "build", body["terminal"].(map[string]any)["name"])

	w, _ = f.do(t, "PATCH", "/terminals/"+tid, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body = f.do(t, "POST", "/terminals/"+tid+"/resize", map[string]any{"cols": 132, "rows": 43})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(132), body["terminal"].(map[string]any)["cols"])
	cols, rows := f.launcher.Process(id.TerminalID(tid)).Size()
	assert.Equal(t, []int{132, 43}, []int{cols, rows})

	require.NoError(t, f.launcher.Process(id.TerminalID(tid)).Emit("hello\r\n"))
	assert.Eventually(t, func() bool {
		w, _ := f.do(t, "GET", "/terminals/"+tid+"/scrollback", nil)
		return w.Body.String() == "hello\r\n"
	}, time.Second, 5*time.Millisecond)
}

func TestDeleteTerminal(t *testing.T) {
	f := setupTestRouter(t, nil)
	tid := f.create(t)

	for _, path := range []string{"/terminals/" + tid + "?force=true", "/terminals/" + tid} {
		w, body := f.do(t, "DELETE", path, nil)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, true, body["success"])
	}

	w, _ := f.do(t, "GET", "/terminals/"+tid, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTabs(t *testing.T) {
	f := setupTestRouter(t, nil)

	w, body := f.do(t, "POST", "/tabs", map[string]any{"name": "api"})
	require.Equal(t, http.StatusCreated, w.Code)
	tabID := body["tab"].(map[string]any)["id"].(string)

	w, body = f.do(t, "POST", "/tabs", map[string]any{})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "Tab 2", body["tab"].(map[string]any)["name"])

	first, second := f.create(t), f.create(t)
	for _, tid := range []string{second, first} {
		w, _ := f.do(t, "PUT", "/terminals/"+tid+"/tab", map[string]any{"tabId": tabID})
		require.Equal(t, http.StatusOK, w.Code)
	}

	w, body = f.do(t, "GET", "/terminals?tabId="+tabID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	terms := body["terminals"].([]any)
	require.Len(t, terms, 2)
	assert.Equal(t, second, terms[0].(map[string]any)["id"])
	assert.Equal(t, float64(1), terms[1].(map[string]any)["positionInTab"])

	w, _ = f.do(t, "PUT", "/terminals/"+first+"/tab", map[string]any{"tabId": tabID, "position": -2})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body = f.do(t, "PATCH", "/tabs/"+tabID, map[string]any{"name": "backend", "directory": "/srv"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "backend", body["tab"].(map[string]any)["name"])
	assert.Equal(t, "/srv", body["tab"].(map[string]any)["directory"])

	w, body = f.do(t, "GET", "/tabs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["tabs"], 2)

	w, _ = f.do(t, "DELETE", "/tabs/"+tabID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	for _, tid := range []string{first, second} {
		_, err := f.mgr.Get(id.TerminalID(tid))
		assert.ErrorIs(t, err, terminal.ErrNotFound)
	}

	w, _ = f.do(t, "DELETE", "/tabs/"+tabID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w, _ = f.do(t, "PATCH", "/tabs/missing", map[string]any{"name": "x"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestReconcile(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		f := setupTestRouter(t, nil)
		w, _ := f.do(t, "POST", "/reconcile", nil)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})

	t.Run("runs a sweep", func(t *testing.T) {
		sw := new(mockSweeper)
		sw.On("Sweep", mock.Anything).Return(reconciler.Result{Failed: 1, OwnerPass: "disabled"}, nil).Once()
		f := setupTestRouter(t, sw)

		w, body := f.do(t, "POST", "/reconcile", nil)
		require.Equal(t, http.StatusOK, w.Code)
		res := body["result"].(map[string]any)
		assert.Equal(t, float64(1), res["failed"])
		assert.Equal(t, "disabled", res["ownerPass"])
		sw.AssertExpectations(t)
	})

	t.Run("sweep fails", func(t *testing.T) {
		sw := new(mockSweeper)
		sw.On("Sweep", mock.Anything).Return(reconciler.Result{}, errors.New("store closed"))
		f := setupTestRouter(t, sw)

		w, body := f.do(t, "POST", "/reconcile", nil)
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Equal(t, "store closed", body["error"])
	})
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", terminal.ErrNotFound), http.StatusNotFound},
		{terminal.Invalid("bad"), http.StatusBadRequest},
		{terminal.ErrResourceExhausted, http.StatusTooManyRequests},
		{terminal.ErrCreationFailed, http.StatusUnprocessableEntity},
		{fmt.Errorf("t: %w", supervisor.ErrNotRunning), http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
