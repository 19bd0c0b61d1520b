// Package protocol defines the websocket wire format: JSON text frames
// tagged by a "type" field.
package protocol

import (
	"github.com/GriffinCanCode/termhub/internal/domain/terminal"
	"github.com/GriffinCanCode/termhub/internal/shared/id"
)

// Client to server message types.
const (
	TypeCreate  = "create"
	TypeDestroy = "destroy"
	TypeInput   = "input"
	TypeResize  = "resize"
	TypeAttach  = "attach"
	TypeDetach  = "detach"
	TypeList    = "list"
	TypeRename  = "rename"
)

// Server to client message types. TypeList is shared with the request.
const (
	TypeCreated   = "created"
	TypeOutput    = "output"
	TypeExit      = "exit"
	TypeAttached  = "attached"
	TypeError     = "error"
	TypeRenamed   = "renamed"
	TypeDestroyed = "destroyed"
)

// ClientMessage is the union of every client request. Fields not used by
// a given type are left zero.
type ClientMessage struct {
	Type       string        `json:"type"`
	TerminalID id.TerminalID `json:"terminalId,omitempty"`
	Name       string        `json:"name,omitempty"`
	Cols       int           `json:"cols,omitempty"`
	Rows       int           `json:"rows,omitempty"`
	Cwd        string        `json:"cwd,omitempty"`
	TabID      *id.TabID     `json:"tabId,omitempty"`
	Data       string        `json:"data,omitempty"`
}

// CreateSpec extracts the creation fields.
func (m *ClientMessage) CreateSpec() terminal.CreateSpec {
	return terminal.CreateSpec{
		Name:  m.Name,
		Cols:  m.Cols,
		Rows:  m.Rows,
		Cwd:   m.Cwd,
		TabID: m.TabID,
	}
}

// Created is sent to every client when a terminal is created.
type Created struct {
	Type     string             `json:"type"`
	Terminal *terminal.Terminal `json:"terminal"`
}

// Output is terminal output for attached subscribers.
type Output struct {
	Type       string        `json:"type"`
	TerminalID id.TerminalID `json:"terminalId"`
	Data       string        `json:"data"`
}

// Exit reports a terminal's process ending, with its final status.
type Exit struct {
	Type       string          `json:"type"`
	TerminalID id.TerminalID   `json:"terminalId"`
	ExitCode   int             `json:"exitCode"`
	Status     terminal.Status `json:"status"`
	Error      string          `json:"error,omitempty"`
}

// Attached acknowledges an attach with the buffered output.
type Attached struct {
	Type       string        `json:"type"`
	TerminalID id.TerminalID `json:"terminalId"`
	Buffer     string        `json:"buffer"`
}

// List answers a list request.
type List struct {
	Type      string               `json:"type"`
	Terminals []*terminal.Terminal `json:"terminals"`
}

// Error reports a failed request, scoped to a terminal when known.
type Error struct {
	Type       string        `json:"type"`
	TerminalID id.TerminalID `json:"terminalId,omitempty"`
	Error      string        `json:"error"`
}

// Renamed is sent to every client after a rename.
type Renamed struct {
	Type       string        `json:"type"`
	TerminalID id.TerminalID `json:"terminalId"`
	Name       string        `json:"name"`
}

// Destroyed is sent to every client after a destroy.
type Destroyed struct {
	Type       string        `json:"type"`
	TerminalID id.TerminalID `json:"terminalId"`
}
