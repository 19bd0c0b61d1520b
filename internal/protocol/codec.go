package protocol

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"

	"github.com/GriffinCanCode/termhub/internal/domain/terminal"
	"github.com/GriffinCanCode/termhub/internal/shared/id"
)

// api mirrors encoding/json: sorted map keys, HTML escaping, valid UTF-8.
var api = sonic.ConfigStd

// Frame is an encoded server message. One frame is shared by every
// subscriber it is fanned out to, so Data must not be mutated.
type Frame struct {
	Type string
	Data []byte
}

// Decode parses one client message.
func Decode(data []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := api.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: malformed message: %v", terminal.ErrInvalidRequest, err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("%w: missing type", terminal.ErrInvalidRequest)
	}
	return &msg, nil
}

// Encode marshals a server message into a frame.
func Encode(msgType string, v any) (Frame, error) {
	data, err := api.Marshal(v)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s: %w", msgType, err)
	}
	return Frame{Type: msgType, Data: data}, nil
}

func mustEncode(msgType string, v any) Frame {
	f, err := Encode(msgType, v)
	if err != nil {
		// every server message is a plain struct of strings and ints
		panic(err)
	}
	return f
}

// CreatedFrame announces a new terminal, including failed creations.
func CreatedFrame(t *terminal.Terminal) Frame {
	return mustEncode(TypeCreated, Created{Type: TypeCreated, Terminal: t})
}

// OutputFrame carries a chunk of terminal output.
func OutputFrame(tid id.TerminalID, data []byte) Frame {
	return mustEncode(TypeOutput, Output{Type: TypeOutput, TerminalID: tid, Data: string(data)})
}

// ExitFrame reports a terminal leaving the running state.
func ExitFrame(t *terminal.Terminal) Frame {
	code := -1
	if t.ExitCode != nil {
		code = *t.ExitCode
	}
	return mustEncode(TypeExit, Exit{
		Type:       TypeExit,
		TerminalID: t.ID,
		ExitCode:   code,
		Status:     t.Status,
		Error:      t.Error,
	})
}

// AttachedFrame confirms an attach and carries the scrollback replay.
func AttachedFrame(tid id.TerminalID, buffer []byte) Frame {
	return mustEncode(TypeAttached, Attached{Type: TypeAttached, TerminalID: tid, Buffer: string(buffer)})
}

// ListFrame lists terminals. A nil slice encodes as an empty array.
func ListFrame(terms []*terminal.Terminal) Frame {
	if terms == nil {
		terms = []*terminal.Terminal{}
	}
	return mustEncode(TypeList, List{Type: TypeList, Terminals: terms})
}

// RenamedFrame announces a display name change.
func RenamedFrame(tid id.TerminalID, name string) Frame {
	return mustEncode(TypeRenamed, Renamed{Type: TypeRenamed, TerminalID: tid, Name: name})
}

// DestroyedFrame announces that a terminal is gone.
func DestroyedFrame(tid id.TerminalID) Frame {
	return mustEncode(TypeDestroyed, Destroyed{Type: TypeDestroyed, TerminalID: tid})
}

// ErrorFrame renders err as protocol error text. Sentinel errors map to
// their bare message so clients can match on it.
func ErrorFrame(tid id.TerminalID, err error) Frame {
	return mustEncode(TypeError, Error{Type: TypeError, TerminalID: tid, Error: ErrorText(err)})
}

// ErrorText maps an error to the text sent to clients.
func ErrorText(err error) string {
	switch {
	case errors.Is(err, terminal.ErrNotFound):
		return terminal.ErrNotFound.Error()
	default:
		return err.Error()
	}
}
