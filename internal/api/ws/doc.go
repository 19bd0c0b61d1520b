// Package ws serves the terminal multiplexing protocol over websockets.
//
// Every connection gets a read loop that decodes client messages and a
// write pump that drains the connection's bounded outbound queue. The
// queue is the connection's registry.Subscriber, so terminal output and
// lifecycle broadcasts never block on a slow client.
//
// Message Types (Client → Server):
//   - create, destroy, rename: terminal lifecycle
//   - attach, detach: subscribe to a terminal's output
//   - input, resize: routed to the terminal's process
//   - list: snapshot of every terminal
//
// Message Types (Server → Client):
//   - created, renamed, exit, destroyed: broadcast to every connection
//   - attached, output: sent to subscribers
//   - list, error: replies to the requester
//
// Example Usage:
//
//	handler := ws.NewHandler(manager, ws.Options{Metrics: metrics, Logger: logger})
//	router.GET("/ws", handler.HandleConnection)
package ws
