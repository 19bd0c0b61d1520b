package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/GriffinCanCode/termhub/internal/domain/terminal"
	"github.com/GriffinCanCode/termhub/internal/infrastructure/logging"
	"github.com/GriffinCanCode/termhub/internal/shared/id"
)

const schema = `
CREATE TABLE IF NOT EXISTS tabs (
	id        TEXT PRIMARY KEY,
	name      TEXT NOT NULL,
	position  INTEGER NOT NULL DEFAULT 0,
	directory TEXT
);

CREATE TABLE IF NOT EXISTS terminals (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	cwd             TEXT NOT NULL,
	status          TEXT NOT NULL,
	exit_code       INTEGER,
	error           TEXT NOT NULL DEFAULT '',
	cols            INTEGER NOT NULL,
	rows            INTEGER NOT NULL,
	created_at      INTEGER NOT NULL,
	tab_id          TEXT,
	position_in_tab INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS terminals_tab_id ON terminals (tab_id);
`

const terminalColumns = `id, name, cwd, status, exit_code, error, cols, rows, created_at, tab_id, position_in_tab`

// SQLite is a Store backed by a SQLite file.
type SQLite struct {
	pool   *sqlitex.Pool
	path   string
	logger *logging.Logger
}

// OpenSQLite opens (creating if needed) the database at path and applies
// the schema.
func OpenSQLite(ctx context.Context, path string, logger *logging.Logger) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("store: path is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("store: create directory: %w", err)
	}

	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    4,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", path, err)
	}

	s := &SQLite{pool: pool, path: path, logger: logger.Named("store")}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	s.logger.Info("sqlite store opened", zap.String("path", path))
	return s, nil
}

func prepareConn(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("store: %s: %w", pragma, err)
		}
	}
	return nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	defer s.pool.Put(conn)

	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("store: apply schema: %w", err)
	}
	return nil
}

// Close closes every pooled connection.
func (s *SQLite) Close() error {
	if err := s.pool.Close(); err != nil {
		s.logger.Error("sqlite store close error", zap.String("path", s.path), zap.Error(err))
		return fmt.Errorf("store: closing %s: %w", s.path, err)
	}
	return nil
}

// SaveTerminal upserts a terminal record.
func (s *SQLite) SaveTerminal(ctx context.Context, t *terminal.Terminal) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: save terminal: %w", err)
	}
	defer s.pool.Put(conn)

	var exitCode, tabID any
	if t.ExitCode != nil {
		exitCode = *t.ExitCode
	}
	if t.TabID != nil {
		tabID = string(*t.TabID)
	}

	err = sqlitex.Execute(conn, `INSERT INTO terminals (`+terminalColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			exit_code = excluded.exit_code,
			error = excluded.error,
			cols = excluded.cols,
			rows = excluded.rows,
			tab_id = excluded.tab_id,
			position_in_tab = excluded.position_in_tab`,
		&sqlitex.ExecOptions{
			Args: []any{
				string(t.ID),
				t.Name,
				t.Cwd,
				string(t.Status),
				exitCode,
				t.Error,
				t.Cols,
				t.Rows,
				t.CreatedAt.UnixMilli(),
				tabID,
				t.PositionInTab,
			},
		})
	if err != nil {
		return fmt.Errorf("store: save terminal %s: %w", t.ID, err)
	}
	return nil
}

// GetTerminal loads one terminal record.
func (s *SQLite) GetTerminal(ctx context.Context, tid id.TerminalID) (*terminal.Terminal, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: get terminal: %w", err)
	}
	defer s.pool.Put(conn)

	var found *terminal.Terminal
	err = sqlitex.Execute(conn, `SELECT `+terminalColumns+` FROM terminals WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{string(tid)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = scanTerminal(stmt)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: get terminal %s: %w", tid, err)
	}
	if found == nil {
		return nil, fmt.Errorf("terminal %s: %w", tid, terminal.ErrNotFound)
	}
	return found, nil
}

// ListTerminals returns every terminal in creation order.
func (s *SQLite) ListTerminals(ctx context.Context) ([]*terminal.Terminal, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: list terminals: %w", err)
	}
	defer s.pool.Put(conn)

	terms := []*terminal.Terminal{}
	err = sqlitex.Execute(conn, `SELECT `+terminalColumns+` FROM terminals ORDER BY created_at, id`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			terms = append(terms, scanTerminal(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: list terminals: %w", err)
	}
	return terms, nil
}

// DeleteTerminal removes a record. Deleting an unknown id is not an error.
func (s *SQLite) DeleteTerminal(ctx context.Context, tid id.TerminalID) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: delete terminal: %w", err)
	}
	defer s.pool.Put(conn)

	if err := sqlitex.Execute(conn, `DELETE FROM terminals WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{string(tid)},
	}); err != nil {
		return fmt.Errorf("store: delete terminal %s: %w", tid, err)
	}
	return nil
}

// Columns: id(0), name(1), cwd(2), status(3), exit_code(4), error(5),
// cols(6), rows(7), created_at(8), tab_id(9), position_in_tab(10).
func scanTerminal(stmt *sqlite.Stmt) *terminal.Terminal {
	t := &terminal.Terminal{
		ID:            id.TerminalID(stmt.ColumnText(0)),
		Name:          stmt.ColumnText(1),
		Cwd:           stmt.ColumnText(2),
		Status:        terminal.Status(stmt.ColumnText(3)),
		Error:         stmt.ColumnText(5),
		Cols:          stmt.ColumnInt(6),
		Rows:          stmt.ColumnInt(7),
		CreatedAt:     time.UnixMilli(stmt.ColumnInt64(8)).UTC(),
		PositionInTab: stmt.ColumnInt(10),
	}
	if !stmt.ColumnIsNull(4) {
		code := stmt.ColumnInt(4)
		t.ExitCode = &code
	}
	if !stmt.ColumnIsNull(9) {
		tab := id.TabID(stmt.ColumnText(9))
		t.TabID = &tab
	}
	return t
}

// SaveTab upserts a tab record.
func (s *SQLite) SaveTab(ctx context.Context, tab *terminal.Tab) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: save tab: %w", err)
	}
	defer s.pool.Put(conn)

	var dir any
	if tab.Directory != nil {
		dir = *tab.Directory
	}

	err = sqlitex.Execute(conn, `INSERT INTO tabs (id, name, position, directory)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			position = excluded.position,
			directory = excluded.directory`,
		&sqlitex.ExecOptions{
			Args: []any{string(tab.ID), tab.Name, tab.Position, dir},
		})
	if err != nil {
		return fmt.Errorf("store: save tab %s: %w", tab.ID, err)
	}
	return nil
}

// GetTab loads one tab record.
func (s *SQLite) GetTab(ctx context.Context, tabID id.TabID) (*terminal.Tab, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: get tab: %w", err)
	}
	defer s.pool.Put(conn)

	var found *terminal.Tab
	err = sqlitex.Execute(conn, `SELECT id, name, position, directory FROM tabs WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{string(tabID)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = scanTab(stmt)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: get tab %s: %w", tabID, err)
	}
	if found == nil {
		return nil, fmt.Errorf("tab %s: %w", tabID, terminal.ErrNotFound)
	}
	return found, nil
}

// ListTabs returns every tab by position.
func (s *SQLite) ListTabs(ctx context.Context) ([]*terminal.Tab, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: list tabs: %w", err)
	}
	defer s.pool.Put(conn)

	tabs := []*terminal.Tab{}
	err = sqlitex.Execute(conn, `SELECT id, name, position, directory FROM tabs ORDER BY position, id`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			tabs = append(tabs, scanTab(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: list tabs: %w", err)
	}
	return tabs, nil
}

// DeleteTab removes a tab record. Member terminals are left to the caller.
func (s *SQLite) DeleteTab(ctx context.Context, tabID id.TabID) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: delete tab: %w", err)
	}
	defer s.pool.Put(conn)

	if err := sqlitex.Execute(conn, `DELETE FROM tabs WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{string(tabID)},
	}); err != nil {
		return fmt.Errorf("store: delete tab %s: %w", tabID, err)
	}
	return nil
}

func scanTab(stmt *sqlite.Stmt) *terminal.Tab {
	tab := &terminal.Tab{
		ID:       id.TabID(stmt.ColumnText(0)),
		Name:     stmt.ColumnText(1),
		Position: stmt.ColumnInt(2),
	}
	if !stmt.ColumnIsNull(3) {
		dir := stmt.ColumnText(3)
		tab.Directory = &dir
	}
	return tab
}
