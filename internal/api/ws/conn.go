package ws

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/GriffinCanCode/termhub/internal/domain/session"
	"github.com/GriffinCanCode/termhub/internal/domain/terminal"
	"github.com/GriffinCanCode/termhub/internal/infrastructure/logging"
	"github.com/GriffinCanCode/termhub/internal/protocol"
	"github.com/GriffinCanCode/termhub/internal/registry"
	"github.com/GriffinCanCode/termhub/internal/shared/id"
	"github.com/GriffinCanCode/termhub/internal/supervisor"
)

// ErrRateLimited is sent when a connection exceeds its message rate.
var ErrRateLimited = errors.New("rate limit exceeded")

// conn is one websocket client. Only the read loop touches attached.
type conn struct {
	id       string
	ws       *websocket.Conn
	queue    *registry.Queue
	limiter  *rate.Limiter
	attached map[id.TerminalID]struct{}
	h        *Handler
	log      *logging.Logger
}

func (c *conn) ID() string { return c.id }

func (c *conn) Send(f protocol.Frame) bool { return c.queue.Send(f) }

func (c *conn) reply(tid id.TerminalID, err error) {
	c.Send(protocol.ErrorFrame(tid, err))
}

// readLoop handles client messages in arrival order until the socket
// fails or the peer closes it.
func (c *conn) readLoop(ctx context.Context) {
	pongWait := 2 * c.h.opts.PingInterval
	c.ws.SetReadLimit(c.h.opts.MaxMessageBytes)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("read failed", zap.Error(err))
			}
			return
		}
		// any traffic proves the peer is alive
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		if kind != websocket.TextMessage {
			c.reply("", terminal.Invalid("expected a text frame"))
			continue
		}
		c.handle(ctx, data)
	}
}

// writePump drains the outbound queue and keeps the connection alive with
// pings. It returns when the queue closes or a write fails.
func (c *conn) writePump() {
	ticker := time.NewTicker(c.h.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case f := <-c.queue.C():
			if err := c.write(websocket.TextMessage, f.Data); err != nil {
				c.log.Debug("write failed", zap.Error(err))
				c.ws.Close()
				return
			}
			c.h.metrics.RecordWSMessage("out", f.Type)

		case <-c.queue.Done():
			// overflow or shutdown; unblock the read loop
			msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "connection closed by server")
			c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.h.opts.WriteTimeout))
			c.ws.Close()
			return

		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.h.opts.WriteTimeout)); err != nil {
				c.ws.Close()
				return
			}
		}
	}
}

func (c *conn) write(kind int, data []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.h.opts.WriteTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(kind, data)
}

func (c *conn) handle(ctx context.Context, data []byte) {
	if !c.limiter.Allow() {
		c.reply("", ErrRateLimited)
		return
	}

	msg, err := protocol.Decode(data)
	if err != nil {
		c.h.metrics.RecordWSMessage("in", "invalid")
		c.reply("", err)
		return
	}
	c.h.metrics.RecordWSMessage("in", metricType(msg.Type))

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	mgr := c.h.mgr
	tid := msg.TerminalID
	switch msg.Type {
	case protocol.TypeCreate:
		term, err := mgr.Create(ctx, msg.CreateSpec())
		if err != nil {
			var failed id.TerminalID
			if term != nil {
				failed = term.ID
			}
			c.reply(failed, err)
		}

	case protocol.TypeDestroy:
		delete(c.attached, tid)
		if err := mgr.Destroy(ctx, tid, session.DestroyOptions{}); err != nil {
			c.reply(tid, err)
		}

	case protocol.TypeInput:
		if _, ok := c.attached[tid]; !ok {
			c.log.Debug("input for unattached terminal ignored", zap.String("terminal_id", string(tid)))
			return
		}
		if err := mgr.Write(tid, []byte(msg.Data)); err != nil {
			if errors.Is(err, supervisor.ErrNotRunning) {
				c.log.Debug("input after exit ignored", zap.String("terminal_id", string(tid)))
				return
			}
			c.reply(tid, err)
		}

	case protocol.TypeResize:
		if _, err := mgr.Resize(ctx, tid, msg.Cols, msg.Rows); err != nil {
			c.reply(tid, err)
		}

	case protocol.TypeAttach:
		if err := mgr.Attach(tid, c); err != nil {
			c.reply(tid, err)
			return
		}
		c.attached[tid] = struct{}{}

	case protocol.TypeDetach:
		delete(c.attached, tid)
		mgr.Detach(tid, c.id)

	case protocol.TypeList:
		c.Send(protocol.ListFrame(mgr.List()))

	case protocol.TypeRename:
		if _, err := mgr.Rename(ctx, tid, msg.Name); err != nil {
			c.reply(tid, err)
		}

	default:
		c.reply(tid, terminal.Invalid("unknown message type %q", msg.Type))
	}
}

// metricType keeps client-chosen strings out of label values.
func metricType(t string) string {
	switch t {
	case protocol.TypeCreate, protocol.TypeDestroy, protocol.TypeInput, protocol.TypeResize,
		protocol.TypeAttach, protocol.TypeDetach, protocol.TypeList, protocol.TypeRename:
		return t
	}
	return "unknown"
}
