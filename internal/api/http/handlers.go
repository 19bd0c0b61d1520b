package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/GriffinCanCode/termhub/internal/domain/session"
	"github.com/GriffinCanCode/termhub/internal/domain/terminal"
	"github.com/GriffinCanCode/termhub/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/termhub/internal/reconciler"
	"github.com/GriffinCanCode/termhub/internal/shared/id"
	"github.com/GriffinCanCode/termhub/internal/supervisor"
)

// Version is reported by the root endpoint.
const Version = "0.3.0"

// Sweeper runs one reconciliation pass on demand.
type Sweeper interface {
	Sweep(ctx context.Context) (reconciler.Result, error)
}

// Handlers contains all HTTP handlers
type Handlers struct {
	mgr         *session.Manager
	sweeper     Sweeper
	metrics     *monitoring.Metrics
	connections func() int
}

// NewHandlers creates a new handler set. sweeper may be nil when the
// reconciler is disabled.
func NewHandlers(mgr *session.Manager, sweeper Sweeper, metrics *monitoring.Metrics) *Handlers {
	return &Handlers{
		mgr:         mgr,
		sweeper:     sweeper,
		metrics:     metrics,
		connections: func() int { return 0 },
	}
}

// WithConnections sets the source of the websocket connection count
// reported by Health.
func (h *Handlers) WithConnections(fn func() int) *Handlers {
	h.connections = fn
	return h
}

// Register mounts every route on r.
func (h *Handlers) Register(r gin.IRouter) {
	r.GET("/", h.Root)
	r.GET("/health", h.Health)

	r.GET("/terminals", h.ListTerminals)
	r.POST("/terminals", h.CreateTerminal)
	r.GET("/terminals/:id", h.GetTerminal)
	r.GET("/terminals/:id/scrollback", h.Scrollback)
	r.PATCH("/terminals/:id", h.RenameTerminal)
	r.POST("/terminals/:id/resize", h.ResizeTerminal)
	r.PUT("/terminals/:id/tab", h.AssignTab)
	r.DELETE("/terminals/:id", h.DeleteTerminal)

	r.GET("/tabs", h.ListTabs)
	r.POST("/tabs", h.CreateTab)
	r.PATCH("/tabs/:id", h.UpdateTab)
	r.DELETE("/tabs/:id", h.DeleteTab)

	r.POST("/reconcile", h.Reconcile)
}

// Root handles health check
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "online",
		"service": "termhub",
		"version": Version,
	})
}

// Health handles detailed health check
func (h *Handlers) Health(c *gin.Context) {
	reg := h.mgr.Registry()
	c.JSON(http.StatusOK, gin.H{
		"status":      "healthy",
		"launcher":    h.mgr.Supervisor().Launcher().Name(),
		"detachable":  h.mgr.Supervisor().Launcher().Detachable(),
		"terminals":   gin.H{"total": reg.Len(), "running": reg.Running()},
		"connections": h.connections(),
		"reconciler":  gin.H{"enabled": h.sweeper != nil},
		"metrics":     h.metrics.GetSnapshot(),
	})
}

// ListTerminals lists every terminal, or one tab's terminals by position.
func (h *Handlers) ListTerminals(c *gin.Context) {
	if tab := c.Query("tabId"); tab != "" {
		c.JSON(http.StatusOK, gin.H{"terminals": orEmpty(h.mgr.TabTerminals(id.TabID(tab)))})
		return
	}
	c.JSON(http.StatusOK, gin.H{"terminals": orEmpty(h.mgr.List())})
}

// GetTerminal returns one terminal.
func (h *Handlers) GetTerminal(c *gin.Context) {
	term, err := h.mgr.Get(id.TerminalID(c.Param("id")))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"terminal": term})
}

// Scrollback returns the terminal's buffered output verbatim.
func (h *Handlers) Scrollback(c *gin.Context) {
	data, err := h.mgr.Scrollback(id.TerminalID(c.Param("id")))
	if err != nil {
		abort(c, err)
		return
	}
	c.Data(http.StatusOK, "text/plain; charset=utf-8", data)
}

// CreateTerminal launches a terminal. A terminal whose process failed to
// start is still returned, with the failure.
func (h *Handlers) CreateTerminal(c *gin.Context) {
	var spec terminal.CreateSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		abort(c, terminal.Invalid("%v", err))
		return
	}

	term, err := h.mgr.Create(c.Request.Context(), spec)
	if err != nil {
		if term != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"terminal": term, "error": err.Error()})
			return
		}
		abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"terminal": term})
}

type renameRequest struct {
	Name string `json:"name" binding:"required"`
}

// RenameTerminal changes a terminal's display name.
func (h *Handlers) RenameTerminal(c *gin.Context) {
	var req renameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, terminal.Invalid("%v", err))
		return
	}
	term, err := h.mgr.Rename(c.Request.Context(), id.TerminalID(c.Param("id")), req.Name)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"terminal": term})
}

type resizeRequest struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// ResizeTerminal changes a terminal's viewport.
func (h *Handlers) ResizeTerminal(c *gin.Context) {
	var req resizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, terminal.Invalid("%v", err))
		return
	}
	term, err := h.mgr.Resize(c.Request.Context(), id.TerminalID(c.Param("id")), req.Cols, req.Rows)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"terminal": term})
}

type assignTabRequest struct {
	TabID    *id.TabID `json:"tabId"`
	Position *int      `json:"position"`
}

// AssignTab moves a terminal into a tab, or out of every tab when tabId
// is null. Without a position the terminal goes last.
func (h *Handlers) AssignTab(c *gin.Context) {
	var req assignTabRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, terminal.Invalid("%v", err))
		return
	}
	pos := -1
	if req.Position != nil {
		if *req.Position < 0 {
			abort(c, terminal.Invalid("invalid position %d", *req.Position))
			return
		}
		pos = *req.Position
	}
	term, err := h.mgr.AssignTab(c.Request.Context(), id.TerminalID(c.Param("id")), req.TabID, pos)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"terminal": term})
}

// DeleteTerminal destroys a terminal. Destroying an unknown terminal
// succeeds.
func (h *Handlers) DeleteTerminal(c *gin.Context) {
	tid := id.TerminalID(c.Param("id"))
	force, _ := strconv.ParseBool(c.Query("force"))
	if err := h.mgr.Destroy(c.Request.Context(), tid, session.DestroyOptions{Force: force}); err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"terminal_id": tid,
	})
}

// ListTabs lists tabs by position.
func (h *Handlers) ListTabs(c *gin.Context) {
	tabs, err := h.mgr.ListTabs(c.Request.Context())
	if err != nil {
		abort(c, err)
		return
	}
	if tabs == nil {
		tabs = []*terminal.Tab{}
	}
	c.JSON(http.StatusOK, gin.H{"tabs": tabs})
}

type createTabRequest struct {
	Name      string  `json:"name"`
	Directory *string `json:"directory"`
}

// CreateTab adds a tab.
func (h *Handlers) CreateTab(c *gin.Context) {
	var req createTabRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, terminal.Invalid("%v", err))
		return
	}
	tab, err := h.mgr.CreateTab(c.Request.Context(), req.Name, req.Directory)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"tab": tab})
}

type updateTabRequest struct {
	Name      *string `json:"name"`
	Position  *int    `json:"position"`
	Directory *string `json:"directory"`
}

// UpdateTab changes a tab's name, position or directory.
func (h *Handlers) UpdateTab(c *gin.Context) {
	var req updateTabRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, terminal.Invalid("%v", err))
		return
	}
	tab, err := h.mgr.UpdateTab(c.Request.Context(), id.TabID(c.Param("id")), session.TabUpdate{
		Name:      req.Name,
		Position:  req.Position,
		Directory: req.Directory,
	})
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tab": tab})
}

// DeleteTab destroys a tab and every terminal in it.
func (h *Handlers) DeleteTab(c *gin.Context) {
	tabID := id.TabID(c.Param("id"))
	if err := h.mgr.DeleteTab(c.Request.Context(), tabID); err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"tab_id":  tabID,
	})
}

// Reconcile runs one reconciler sweep and reports what it changed.
func (h *Handlers) Reconcile(c *gin.Context) {
	if h.sweeper == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reconciler disabled"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), time.Minute)
	defer cancel()

	res, err := h.sweeper.Sweep(ctx)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": res})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, terminal.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, terminal.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, terminal.ErrResourceExhausted):
		return http.StatusTooManyRequests
	case errors.Is(err, terminal.ErrCreationFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, supervisor.ErrNotRunning):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func abort(c *gin.Context, err error) {
	c.AbortWithStatusJSON(statusFor(err), gin.H{"error": err.Error()})
}

func orEmpty(terms []*terminal.Terminal) []*terminal.Terminal {
	if terms == nil {
		return []*terminal.Terminal{}
	}
	return terms
}
