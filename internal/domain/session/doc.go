// Package session is the entry point for every terminal operation.
//
// The Manager coordinates the supervisor (processes), the registry (live
// entries, scrollback, subscribers), the store (durable records) and the
// spool (scrollback across restarts). Transports call the Manager and
// never touch those components directly.
//
// Operations acknowledge once state is mutated. Process termination on
// destroy runs in the background; Shutdown waits for it.
//
// Example Usage:
//
//	mgr := session.NewManager(session.Deps{...}, session.Limits{...})
//	term, err := mgr.Create(ctx, terminal.CreateSpec{Cwd: "/work"})
//	err = mgr.Attach(term.ID, subscriber)
//	err = mgr.Destroy(ctx, term.ID, session.DestroyOptions{})
package session
