// Package http provides the REST surface for terminals and tabs.
//
// Terminals:
//   - GET    /terminals              list (optional ?tabId=)
//   - POST   /terminals              create
//   - GET    /terminals/:id          get
//   - GET    /terminals/:id/scrollback  buffered output as text
//   - PATCH  /terminals/:id          rename
//   - POST   /terminals/:id/resize   resize
//   - PUT    /terminals/:id/tab      move into or out of a tab
//   - DELETE /terminals/:id          destroy (?force=true kills immediately)
//
// Tabs:
//   - GET /tabs, POST /tabs, PATCH /tabs/:id, DELETE /tabs/:id (cascades)
//
// Maintenance:
//   - POST /reconcile runs one reconciler sweep
//
// Example Usage:
//
//	handlers := http.NewHandlers(manager, sweeper, metrics)
//	handlers.Register(router)
package http
