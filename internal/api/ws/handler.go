package ws

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/GriffinCanCode/termhub/internal/domain/session"
	"github.com/GriffinCanCode/termhub/internal/infrastructure/logging"
	"github.com/GriffinCanCode/termhub/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/termhub/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/termhub/internal/registry"
	"github.com/GriffinCanCode/termhub/internal/shared/id"
)

const (
	defaultMaxMessageBytes = 1 << 20
	defaultPingInterval    = 30 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	opTimeout              = 10 * time.Second
)

// Options configures a Handler.
type Options struct {
	QueueSize       int
	Policy          registry.Policy
	MaxConnections  int // 0 means unlimited
	MaxMessageBytes int64
	InputRate       float64 // messages per second; 0 disables limiting
	InputBurst      int
	PingInterval    time.Duration
	WriteTimeout    time.Duration
	CheckOrigin     func(r *http.Request) bool
	Metrics         *monitoring.Metrics
	Logger          *logging.Logger
}

// Handler upgrades HTTP requests and runs one protocol session per
// connection.
type Handler struct {
	mgr      *session.Manager
	opts     Options
	upgrader websocket.Upgrader
	metrics  *monitoring.Metrics
	logger   *logging.Logger

	active atomic.Int64
	conns  sync.Map // id -> *conn
}

// NewHandler creates a websocket handler over mgr.
func NewHandler(mgr *session.Manager, opts Options) *Handler {
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = defaultMaxMessageBytes
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.InputBurst <= 0 {
		opts.InputBurst = 1
	}
	if opts.CheckOrigin == nil {
		opts.CheckOrigin = func(r *http.Request) bool { return true }
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	return &Handler{
		mgr:  mgr,
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     opts.CheckOrigin,
		},
		metrics: opts.Metrics,
		logger:  opts.Logger.Named("ws"),
	}
}

// Connections is the number of open websocket connections.
func (h *Handler) Connections() int { return int(h.active.Load()) }

// HandleConnection upgrades the request and serves the connection until
// either side closes it.
func (h *Handler) HandleConnection(c *gin.Context) {
	if n := h.active.Add(1); h.opts.MaxConnections > 0 && n > int64(h.opts.MaxConnections) {
		h.active.Add(-1)
		h.logger.Warn("connection limit reached", zap.Int("max", h.opts.MaxConnections))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "too many connections"})
		return
	}
	defer h.active.Add(-1)

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader has already written an HTTP error
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := h.newConn(c.Request.Context(), ws)
	h.conns.Store(conn.id, conn)
	h.metrics.IncWSConnections()
	conn.log.Debug("connection opened", zap.String("remote", c.Request.RemoteAddr))

	h.mgr.Connect(conn)
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.writePump()
	}()

	conn.readLoop(c.Request.Context())

	h.mgr.Disconnect(conn.id)
	conn.queue.Close()
	<-done
	ws.Close()

	h.conns.Delete(conn.id)
	h.metrics.DecWSConnections()
	conn.log.Debug("connection closed")
}

// CloseAll disconnects every client. Terminals are unaffected.
func (h *Handler) CloseAll() {
	h.conns.Range(func(_, v any) bool {
		v.(*conn).queue.Close()
		return true
	})
}

func (h *Handler) newConn(ctx context.Context, ws *websocket.Conn) *conn {
	connID := uuid.NewString()
	queue := registry.NewQueue(h.opts.QueueSize, h.opts.Policy)
	policy := string(h.opts.Policy)
	if policy == "" {
		policy = string(registry.PolicyDisconnect)
	}
	queue.OnDrop = func() { h.metrics.RecordDroppedFrame(policy) }

	limit := rate.Inf
	if h.opts.InputRate > 0 {
		limit = rate.Limit(h.opts.InputRate)
	}
	return &conn{
		id:       connID,
		ws:       ws,
		queue:    queue,
		limiter:  rate.NewLimiter(limit, h.opts.InputBurst),
		attached: make(map[id.TerminalID]struct{}),
		h:        h,
		log:      h.logger.With(zap.String("conn_id", connID), tracing.Field(ctx)),
	}
}
