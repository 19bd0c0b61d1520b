// Package server assembles termhub: it opens the store and spool, picks a
// process launcher, builds the session manager and reconciler, and mounts
// the REST, websocket and metrics routes on one gin engine.
//
// Only one server may use a data directory at a time; New takes an
// advisory file lock and fails if another process holds it.
//
// Example Usage:
//
//	srv, err := server.New(ctx, cfg, logger)
//	if err != nil {
//		return err
//	}
//	return srv.Run(ctx)
package server
