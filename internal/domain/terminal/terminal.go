package terminal

import (
	"strings"
	"time"

	"github.com/GriffinCanCode/termhub/internal/shared/id"
)

// Status represents terminal lifecycle states
type Status string

const (
	StatusRunning Status = "running"
	StatusExited  Status = "exited"
	StatusError   Status = "error"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusRunning, StatusExited, StatusError:
		return true
	}
	return false
}

// Terminal is the durable record of one terminal session.
type Terminal struct {
	ID            id.TerminalID `json:"id"`
	Name          string        `json:"name"`
	Cwd           string        `json:"cwd"`
	Status        Status        `json:"status"`
	ExitCode      *int          `json:"exitCode,omitempty"` // set iff Status != running
	Error         string        `json:"error,omitempty"`
	Cols          int           `json:"cols"`
	Rows          int           `json:"rows"`
	CreatedAt     time.Time     `json:"createdAt"`
	TabID         *id.TabID     `json:"tabId,omitempty"`
	PositionInTab int           `json:"positionInTab"`
}

// Running reports whether the terminal claims a live backing process.
func (t *Terminal) Running() bool {
	return t.Status == StatusRunning
}

// MarkExited records a normal process exit.
func (t *Terminal) MarkExited(code int) {
	t.Status = StatusExited
	t.ExitCode = &code
	t.Error = ""
}

// MarkError records a failure with a human-readable reason.
func (t *Terminal) MarkError(code int, reason string) {
	t.Status = StatusError
	t.ExitCode = &code
	t.Error = reason
}

// Clone returns a deep copy safe to hand to other goroutines.
func (t *Terminal) Clone() *Terminal {
	c := *t
	if t.ExitCode != nil {
		code := *t.ExitCode
		c.ExitCode = &code
	}
	if t.TabID != nil {
		tab := *t.TabID
		c.TabID = &tab
	}
	return &c
}

// Tab is a grouping container for terminals.
type Tab struct {
	ID        id.TabID `json:"id"`
	Name      string   `json:"name"`
	Position  int      `json:"position"`
	Directory *string  `json:"directory,omitempty"`
}

// CreateSpec describes a terminal creation request.
type CreateSpec struct {
	Name  string    `json:"name"`
	Cols  int       `json:"cols"`
	Rows  int       `json:"rows"`
	Cwd   string    `json:"cwd"`
	TabID *id.TabID `json:"tabId,omitempty"`
}

// Normalize fills defaults and validates dimensions.
func (s *CreateSpec) Normalize(defaultCols, defaultRows int) error {
	if s.Cols == 0 {
		s.Cols = defaultCols
	}
	if s.Rows == 0 {
		s.Rows = defaultRows
	}
	if err := ValidateSize(s.Cols, s.Rows); err != nil {
		return err
	}
	if s.Cwd == "" {
		return Invalid("cwd is required")
	}
	return nil
}

// Size limits accepted from clients.
const (
	MaxCols = 1000
	MaxRows = 1000
)

// ValidateName rejects blank display names.
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return Invalid("name is required")
	}
	return nil
}

// ValidateSize checks a viewport size.
func ValidateSize(cols, rows int) error {
	if cols <= 0 || rows <= 0 || cols > MaxCols || rows > MaxRows {
		return Invalid("invalid size %dx%d", cols, rows)
	}
	return nil
}
