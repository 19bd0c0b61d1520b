// Package store persists Terminal and Tab records across server restarts.
//
// Only metadata lives here. Scrollback is spooled separately and process
// state is rediscovered from the session wrapper by the reconciler.
package store

import (
	"context"

	"github.com/GriffinCanCode/termhub/internal/domain/terminal"
	"github.com/GriffinCanCode/termhub/internal/shared/id"
)

// Store is a row store for terminals and tabs. Get methods return an
// error wrapping terminal.ErrNotFound for unknown ids. Save methods upsert.
type Store interface {
	SaveTerminal(ctx context.Context, t *terminal.Terminal) error
	GetTerminal(ctx context.Context, tid id.TerminalID) (*terminal.Terminal, error)
	ListTerminals(ctx context.Context) ([]*terminal.Terminal, error)
	DeleteTerminal(ctx context.Context, tid id.TerminalID) error

	SaveTab(ctx context.Context, tab *terminal.Tab) error
	GetTab(ctx context.Context, tabID id.TabID) (*terminal.Tab, error)
	ListTabs(ctx context.Context) ([]*terminal.Tab, error)
	DeleteTab(ctx context.Context, tabID id.TabID) error

	Close() error
}
