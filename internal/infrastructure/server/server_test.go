package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/termhub/internal/domain/terminal"
	"github.com/GriffinCanCode/termhub/internal/infrastructure/config"
	"github.com/GriffinCanCode/termhub/internal/infrastructure/logging"
	"github.com/GriffinCanCode/termhub/internal/shared/id"
	"github.com/GriffinCanCode/termhub/internal/store"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.DataDir = t.TempDir()
	cfg.Terminal.Wrapper = config.WrapperDirect
	cfg.Logging.Development = true
	return cfg
}

func newServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	srv, err := New(context.Background(), cfg, logging.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close(context.Background()) })
	return srv
}

func TestRoutes(t *testing.T) {
	srv := newServer(t, testConfig(t))

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{"GET", "/", http.StatusOK},
		{"GET", "/health", http.StatusOK},
		{"GET", "/terminals", http.StatusOK},
		{"GET", "/tabs", http.StatusOK},
		{"GET", "/metrics", http.StatusOK},
		{"GET", "/terminals/zzz", http.StatusNotFound},
		{"POST", "/reconcile", http.StatusOK},
		{"GET", "/ws", http.StatusBadRequest}, // not an upgrade request
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			srv.Handler().ServeHTTP(w, httptest.NewRequest(tt.method, tt.path, nil))
			assert.Equal(t, tt.want, w.Code, w.Body.String())
			assert.NotEmpty(t, w.Header().Get("X-Trace-ID"))
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newServer(t, testConfig(t))

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "termhub_http_requests_total")
	assert.Contains(t, w.Body.String(), `path="/health"`)
}

func TestReconcilerDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Reconciler.Enabled = false
	srv := newServer(t, cfg)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest("POST", "/reconcile", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRestoreWithReconcilerDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Reconciler.Enabled = false
	ctx := context.Background()

	st, err := store.OpenSQLite(ctx, cfg.StorePath(), nil)
	require.NoError(t, err)
	tab := &terminal.Tab{ID: id.NewTabID(), Name: "work"}
	require.NoError(t, st.SaveTab(ctx, tab))
	rec := &terminal.Terminal{
		ID:        id.NewTerminalID(),
		Name:      "old",
		Cwd:       t.TempDir(),
		Cols:      80,
		Rows:      24,
		TabID:     &tab.ID,
		CreatedAt: time.Now(),
	}
	rec.MarkExited(0)
	require.NoError(t, st.SaveTerminal(ctx, rec))
	require.NoError(t, st.Close())

	srv := newServer(t, cfg)
	require.NoError(t, srv.Restore(ctx))

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/terminals", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Terminals []terminal.Terminal `json:"terminals"`
	}
	require.NoError(t, sonic.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Terminals, 1)
	assert.Equal(t, rec.ID, body.Terminals[0].ID)

	// tab deletion cascades to the restored terminal
	require.NoError(t, srv.Manager().DeleteTab(ctx, tab.ID))
	assert.Empty(t, srv.Manager().List())

	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest("POST", "/reconcile", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, "sweeps stay disabled")
}

func TestSingleInstancePerDataDir(t *testing.T) {
	cfg := testConfig(t)
	first := newServer(t, cfg)

	_, err := New(context.Background(), cfg, logging.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "another termhub server")

	first.Close(context.Background())
	again, err := New(context.Background(), cfg, logging.NewNop())
	require.NoError(t, err)
	again.Close(context.Background())
}

func TestNewLauncher(t *testing.T) {
	_, lookErr := exec.LookPath("tmux")
	hasTmux := lookErr == nil

	tests := []struct {
		name    string
		wrapper string
		want    string
		wantErr bool
	}{
		{name: "direct", wrapper: config.WrapperDirect, want: "direct"},
		{name: "auto", wrapper: config.WrapperAuto, want: map[bool]string{true: "tmux", false: "direct"}[hasTmux]},
		{name: "tmux", wrapper: config.WrapperTmux, want: "tmux", wantErr: !hasTmux},
		{name: "unknown", wrapper: "screen", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Terminal.Wrapper = tt.wrapper

			l, err := NewLauncher(cfg, logging.NewNop())
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, l.Name())
		})
	}
}

func TestHistoryLines(t *testing.T) {
	assert.Equal(t, 2000, historyLines(1024))
	assert.Equal(t, 26214, historyLines(1<<20))
}
