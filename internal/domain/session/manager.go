package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/termhub/internal/domain/terminal"
	"github.com/GriffinCanCode/termhub/internal/infrastructure/logging"
	"github.com/GriffinCanCode/termhub/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/termhub/internal/registry"
	"github.com/GriffinCanCode/termhub/internal/shared/id"
	"github.com/GriffinCanCode/termhub/internal/spool"
	"github.com/GriffinCanCode/termhub/internal/store"
	"github.com/GriffinCanCode/termhub/internal/supervisor"
)

// Deps are the components a Manager drives. Metrics and Spool may be nil.
type Deps struct {
	Store      store.Store
	Supervisor *supervisor.Supervisor
	Hub        *registry.Hub
	Spool      *spool.Spool
	Metrics    *monitoring.Metrics
	Logger     *logging.Logger
}

// Limits bound what clients may ask for.
type Limits struct {
	MaxTerminals    int
	DefaultCols     int
	DefaultRows     int
	ScrollbackBytes int
}

// DestroyOptions controls termination.
type DestroyOptions struct {
	// Force kills immediately instead of hanging up and waiting.
	Force bool
}

// Manager is the terminal session facade.
type Manager struct {
	store   store.Store
	sup     *supervisor.Supervisor
	reg     *registry.Registry
	spool   *spool.Spool
	metrics *monitoring.Metrics
	logger  *logging.Logger
	limits  Limits

	// busy holds ids being created or torn down, so the reconciler does
	// not mistake their wrapper sessions for orphans.
	busy     sync.Map
	teardown sync.WaitGroup
	tabMu    sync.Mutex

	// recordMu orders registry removal plus record deletion against
	// record saves, so a late save cannot bring back a destroyed record.
	recordMu sync.Mutex
}

// NewManager wires a manager and its registry.
func NewManager(deps Deps, limits Limits) *Manager {
	if deps.Logger == nil {
		deps.Logger = logging.NewNop()
	}
	if limits.DefaultCols <= 0 {
		limits.DefaultCols = 80
	}
	if limits.DefaultRows <= 0 {
		limits.DefaultRows = 24
	}

	m := &Manager{
		store:   deps.Store,
		sup:     deps.Supervisor,
		spool:   deps.Spool,
		metrics: deps.Metrics,
		logger:  deps.Logger.Named("session"),
		limits:  limits,
	}
	m.reg = registry.New(registry.Options{
		ScrollbackBytes: limits.ScrollbackBytes,
		Hub:             deps.Hub,
		OnExit:          m.persistExit,
		Logger:          deps.Logger,
	})
	return m
}

// Registry exposes the live entries to the reconciler and transports.
func (m *Manager) Registry() *registry.Registry { return m.reg }

// Supervisor returns the process supervisor.
func (m *Manager) Supervisor() *supervisor.Supervisor { return m.sup }

// Store returns the record store.
func (m *Manager) Store() store.Store { return m.store }

// Spool returns the scrollback spool, possibly nil.
func (m *Manager) Spool() *spool.Spool { return m.spool }

// Busy reports whether tid is mid-creation or mid-teardown.
func (m *Manager) Busy(tid id.TerminalID) bool {
	_, ok := m.busy.Load(tid)
	return ok
}

// Create launches a terminal. If the process cannot be started the
// terminal is still recorded, with status error, and returned together
// with an error wrapping terminal.ErrCreationFailed.
func (m *Manager) Create(ctx context.Context, spec terminal.CreateSpec) (*terminal.Terminal, error) {
	timer := monitoring.NewTimer(m.metrics, "create")

	if err := spec.Normalize(m.limits.DefaultCols, m.limits.DefaultRows); err != nil {
		timer.Stop("invalid")
		return nil, err
	}
	if m.limits.MaxTerminals > 0 && m.reg.Len() >= m.limits.MaxTerminals {
		timer.Stop("exhausted")
		return nil, fmt.Errorf("%w: %d terminals open", terminal.ErrResourceExhausted, m.reg.Len())
	}

	term := &terminal.Terminal{
		ID:        id.NewTerminalID(),
		Name:      spec.Name,
		Cwd:       filepath.Clean(spec.Cwd),
		Status:    terminal.StatusRunning,
		Cols:      spec.Cols,
		Rows:      spec.Rows,
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	if term.Name == "" {
		term.Name = filepath.Base(term.Cwd)
	}
	if spec.TabID != nil {
		pos, err := m.tabPosition(ctx, *spec.TabID)
		if err != nil {
			timer.StopErr(err)
			return nil, err
		}
		tab := *spec.TabID
		term.TabID = &tab
		term.PositionInTab = pos
	}

	m.busy.Store(term.ID, struct{}{})
	defer m.busy.Delete(term.ID)

	log := m.logger.Terminal(string(term.ID))
	h, startErr := m.sup.Start(ctx, term.ID, term.Cwd, term.Cols, term.Rows)
	if startErr != nil {
		log.Warn("start failed", zap.Error(startErr))
		term.MarkError(-1, startErr.Error())
	}

	if err := m.store.SaveTerminal(ctx, term); err != nil {
		if h != nil {
			m.sup.Kill(h)
			m.sup.Remove(context.Background(), term.ID)
		}
		timer.StopErr(err)
		return nil, fmt.Errorf("%w: %v", terminal.ErrCreationFailed, err)
	}
	if _, err := m.reg.Register(term, h, nil); err != nil {
		timer.StopErr(err)
		return nil, err
	}

	if startErr != nil {
		timer.Stop("failed")
		return term.Clone(), startErr
	}

	m.metrics.TerminalStarted()
	m.metrics.SetTerminalsActive(m.reg.Running())
	timer.Stop("success")
	log.Info("terminal created", zap.String("cwd", term.Cwd), zap.String("name", term.Name))
	return term.Clone(), nil
}

// Destroy ends a terminal and forgets it. Unknown or already destroyed
// ids are a no-op.
func (m *Manager) Destroy(ctx context.Context, tid id.TerminalID, opts DestroyOptions) error {
	timer := monitoring.NewTimer(m.metrics, "destroy")

	_, already := m.busy.LoadOrStore(tid, struct{}{})
	m.recordMu.Lock()
	e, ok := m.reg.Remove(tid)
	if !ok {
		m.recordMu.Unlock()
		if !already {
			m.busy.Delete(tid)
		}
		timer.Stop("noop")
		return nil
	}
	if err := m.store.DeleteTerminal(ctx, tid); err != nil {
		m.logger.Terminal(string(tid)).Error("delete record failed", zap.Error(err))
	}
	if err := m.spool.Remove(tid); err != nil {
		m.logger.Terminal(string(tid)).Warn("remove spool failed", zap.Error(err))
	}
	m.recordMu.Unlock()

	m.teardown.Add(1)
	go m.terminate(e, opts)

	m.metrics.TerminalDestroyed()
	m.metrics.SetTerminalsActive(m.reg.Running())
	timer.Stop("success")
	m.logger.Terminal(string(tid)).Info("terminal destroyed", zap.Bool("force", opts.Force))
	return nil
}

// terminate stops the process behind a removed entry and frees it.
func (m *Manager) terminate(e *registry.Entry, opts DestroyOptions) {
	defer m.teardown.Done()
	tid := e.Terminal().ID
	defer m.busy.Delete(tid)

	if h := e.Handle(); h != nil {
		if opts.Force {
			m.sup.Kill(h)
		} else {
			m.sup.Stop(context.Background(), h)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.sup.Remove(ctx, tid); err != nil {
		m.logger.Terminal(string(tid)).Warn("remove wrapper failed", zap.Error(err))
	}
	e.Release()
}

// Write sends input to a running terminal. It returns an error wrapping
// supervisor.ErrNotRunning when the process has ended.
func (m *Manager) Write(tid id.TerminalID, data []byte) error {
	e, err := m.reg.Lookup(tid)
	if err != nil {
		return err
	}
	h := e.Handle()
	if h == nil {
		return fmt.Errorf("terminal %s: %w", tid, supervisor.ErrNotRunning)
	}
	if _, err := h.Write(data); err != nil {
		return fmt.Errorf("terminal %s: %w", tid, err)
	}
	return nil
}

// Resize changes a terminal's viewport. Resizing a terminal that is not
// running only records the size.
func (m *Manager) Resize(ctx context.Context, tid id.TerminalID, cols, rows int) (*terminal.Terminal, error) {
	if err := terminal.ValidateSize(cols, rows); err != nil {
		return nil, err
	}
	before, err := m.reg.Lookup(tid)
	if err != nil {
		return nil, err
	}
	prev := before.Terminal()

	term, err := m.reg.Resize(tid, cols, rows)
	if err != nil {
		return nil, err
	}
	if prev.Cols != cols || prev.Rows != rows {
		m.save(ctx, term)
	}
	return term, nil
}

// Rename changes the display name. Only metadata changes.
func (m *Manager) Rename(ctx context.Context, tid id.TerminalID, name string) (*terminal.Terminal, error) {
	if err := terminal.ValidateName(name); err != nil {
		return nil, err
	}
	term, err := m.reg.Rename(tid, name)
	if err != nil {
		return nil, err
	}
	m.save(ctx, term)
	return term, nil
}

// AssignTab moves a terminal into a tab, or out of any tab when tabID is
// nil. position < 0 appends.
func (m *Manager) AssignTab(ctx context.Context, tid id.TerminalID, tabID *id.TabID, position int) (*terminal.Terminal, error) {
	e, err := m.reg.Lookup(tid)
	if err != nil {
		return nil, err
	}
	if tabID != nil && position < 0 {
		if position, err = m.tabPosition(ctx, *tabID); err != nil {
			return nil, err
		}
	}
	if tabID == nil || position < 0 {
		position = 0
	}

	term := e.Update(func(t *terminal.Terminal) {
		if tabID == nil {
			t.TabID = nil
		} else {
			tab := *tabID
			t.TabID = &tab
		}
		t.PositionInTab = position
	})
	m.save(ctx, term)
	return term, nil
}

// Attach subscribes sub to a terminal's output, replaying scrollback first.
func (m *Manager) Attach(tid id.TerminalID, sub registry.Subscriber) error {
	return m.reg.Attach(tid, sub)
}

// Detach unsubscribes one connection from a terminal.
func (m *Manager) Detach(tid id.TerminalID, subID string) bool {
	return m.reg.Detach(tid, subID)
}

// Disconnect drops every subscription held by a closing connection.
func (m *Manager) Disconnect(subID string) {
	m.reg.Hub().Remove(subID)
	m.reg.DetachAll(subID)
}

// Connect registers a connection for lifecycle broadcasts.
func (m *Manager) Connect(sub registry.Subscriber) {
	m.reg.Hub().Add(sub)
}

// List returns every terminal in creation order.
func (m *Manager) List() []*terminal.Terminal { return m.reg.List() }

// Get returns one terminal.
func (m *Manager) Get(tid id.TerminalID) (*terminal.Terminal, error) {
	e, err := m.reg.Lookup(tid)
	if err != nil {
		return nil, err
	}
	return e.Terminal(), nil
}

// Scrollback returns a terminal's buffered output.
func (m *Manager) Scrollback(tid id.TerminalID) ([]byte, error) {
	e, err := m.reg.Lookup(tid)
	if err != nil {
		return nil, err
	}
	return e.Snapshot().Data, nil
}

// Shutdown leaves wrapped terminals running for the next server, stops
// direct ones, spools every buffer and waits for pending teardowns.
func (m *Manager) Shutdown(ctx context.Context) {
	var wg sync.WaitGroup
	for _, e := range m.reg.Entries() {
		h := e.Handle()
		if h == nil || !h.Running() {
			continue
		}
		wg.Add(1)
		go func(e *registry.Entry, h *supervisor.Handle) {
			defer wg.Done()
			m.sup.Detach(ctx, h)
		}(e, h)
	}
	wg.Wait()

	for _, e := range m.reg.Entries() {
		t := e.Terminal()
		if err := m.spool.Save(t.ID, e.Snapshot().Data); err != nil {
			m.logger.Terminal(string(t.ID)).Warn("spool failed", zap.Error(err))
		}
	}

	done := make(chan struct{})
	go func() {
		m.teardown.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("shutdown timed out waiting for teardown")
	}
	m.logger.Info("sessions shut down", zap.Int("terminals", m.reg.Len()))
}

// persistExit records a terminal leaving the running state.
func (m *Manager) persistExit(t *terminal.Terminal, data []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	m.recordMu.Lock()
	if m.saveLocked(ctx, t) {
		if err := m.spool.Save(t.ID, data); err != nil {
			m.logger.Terminal(string(t.ID)).Warn("spool failed", zap.Error(err))
		}
	}
	m.recordMu.Unlock()

	m.metrics.TerminalExited(string(t.Status))
	m.metrics.SetTerminalsActive(m.reg.Running())
}

func (m *Manager) save(ctx context.Context, t *terminal.Terminal) {
	m.recordMu.Lock()
	defer m.recordMu.Unlock()
	m.saveLocked(ctx, t)
}

// saveLocked writes t unless it has been destroyed, and reports whether
// t is still registered.
func (m *Manager) saveLocked(ctx context.Context, t *terminal.Terminal) bool {
	// a destroy may have raced us; never resurrect its record
	if _, ok := m.reg.Get(t.ID); !ok {
		return false
	}
	if err := m.store.SaveTerminal(ctx, t); err != nil {
		m.logger.Terminal(string(t.ID)).Error("save record failed", zap.Error(err))
	}
	return true
}

// Tabs

// CreateTab adds a tab at the end of the tab list.
func (m *Manager) CreateTab(ctx context.Context, name string, directory *string) (*terminal.Tab, error) {
	m.tabMu.Lock()
	defer m.tabMu.Unlock()

	tabs, err := m.store.ListTabs(ctx)
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = fmt.Sprintf("Tab %d", len(tabs)+1)
	}
	tab := &terminal.Tab{ID: id.NewTabID(), Name: name, Position: len(tabs), Directory: directory}
	if err := m.store.SaveTab(ctx, tab); err != nil {
		return nil, err
	}
	return tab, nil
}

// ListTabs returns tabs by position.
func (m *Manager) ListTabs(ctx context.Context) ([]*terminal.Tab, error) {
	return m.store.ListTabs(ctx)
}

// TabUpdate holds the tab fields to change; nil leaves a field alone.
type TabUpdate struct {
	Name      *string
	Position  *int
	Directory *string
}

// UpdateTab changes a tab's name, position or directory.
func (m *Manager) UpdateTab(ctx context.Context, tabID id.TabID, u TabUpdate) (*terminal.Tab, error) {
	m.tabMu.Lock()
	defer m.tabMu.Unlock()

	tab, err := m.store.GetTab(ctx, tabID)
	if err != nil {
		return nil, err
	}
	if u.Name != nil {
		tab.Name = *u.Name
	}
	if u.Position != nil {
		if *u.Position < 0 {
			return nil, terminal.Invalid("invalid position %d", *u.Position)
		}
		tab.Position = *u.Position
	}
	if u.Directory != nil {
		dir := *u.Directory
		tab.Directory = &dir
	}
	if err := m.store.SaveTab(ctx, tab); err != nil {
		return nil, err
	}
	return tab, nil
}

// DeleteTab destroys every terminal in the tab, then the tab.
func (m *Manager) DeleteTab(ctx context.Context, tabID id.TabID) error {
	if _, err := m.store.GetTab(ctx, tabID); err != nil {
		return err
	}

	var errs []error
	for _, t := range m.reg.List() {
		if t.TabID != nil && *t.TabID == tabID {
			if err := m.Destroy(ctx, t.ID, DestroyOptions{}); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("delete tab %s: %w", tabID, err)
	}
	return m.store.DeleteTab(ctx, tabID)
}

// TabTerminals lists a tab's terminals by position.
func (m *Manager) TabTerminals(tabID id.TabID) []*terminal.Terminal {
	var out []*terminal.Terminal
	for _, t := range m.reg.List() {
		if t.TabID != nil && *t.TabID == tabID {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].PositionInTab < out[j].PositionInTab })
	return out
}

// tabPosition checks tabID exists and returns the next free position.
func (m *Manager) tabPosition(ctx context.Context, tabID id.TabID) (int, error) {
	if _, err := m.store.GetTab(ctx, tabID); err != nil {
		return 0, err
	}
	next := 0
	for _, t := range m.TabTerminals(tabID) {
		if t.PositionInTab >= next {
			next = t.PositionInTab + 1
		}
	}
	return next, nil
}
