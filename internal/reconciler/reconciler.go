// Package reconciler keeps terminal records honest about the processes
// behind them.
//
// At startup it matches stored records against the wrapper sessions that
// survived the previous server: live ones are adopted, dead ones get
// their exit code, missing ones become errors, and sessions nobody
// recorded are recovered. Periodic sweeps repeat the liveness and orphan
// checks and, when an owner source is configured, destroy terminals whose
// owning directory is gone.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/termhub/internal/domain/session"
	"github.com/GriffinCanCode/termhub/internal/domain/terminal"
	"github.com/GriffinCanCode/termhub/internal/infrastructure/logging"
	"github.com/GriffinCanCode/termhub/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/termhub/internal/owners"
	"github.com/GriffinCanCode/termhub/internal/shared/id"
	"github.com/GriffinCanCode/termhub/internal/supervisor"
)

// DefaultInterval between periodic sweeps.
const DefaultInterval = 30 * time.Second

// Reasons recorded on terminals moved to the error state.
const (
	reasonWrapperLost    = "session wrapper lost"
	reasonServerRestart  = "process ended with the previous server"
	reasonNoProcess      = "no live process"
	reasonLiveUnknown    = "session wrapper unavailable"
	recoveredName        = "recovered"
	startupProbeDeadline = 30 * time.Second
)

// Options configures a Reconciler.
type Options struct {
	// WorkRoot scopes the owner pass; empty disables it.
	WorkRoot    string
	Owners      owners.Source
	Interval    time.Duration
	DefaultCols int
	DefaultRows int
	Metrics     *monitoring.Metrics
	Logger      *logging.Logger
}

// Result counts what one pass changed.
type Result struct {
	Adopted   int    `json:"adopted"`
	Exited    int    `json:"exited"`
	Failed    int    `json:"failed"`
	Recovered int    `json:"recovered"`
	Reaped    int    `json:"reaped"`
	Destroyed int    `json:"destroyed"`
	OwnerPass string `json:"ownerPass"`
}

// Reconciler corrects drift between records and processes.
type Reconciler struct {
	mgr      *session.Manager
	workRoot string
	owners   owners.Source
	interval time.Duration
	cols     int
	rows     int
	metrics  *monitoring.Metrics
	logger   *logging.Logger

	mu sync.Mutex // one pass at a time
}

// New creates a reconciler over mgr.
func New(mgr *session.Manager, opts Options) *Reconciler {
	if opts.Owners == nil {
		opts.Owners = owners.Disabled{}
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.DefaultCols <= 0 {
		opts.DefaultCols = 80
	}
	if opts.DefaultRows <= 0 {
		opts.DefaultRows = 24
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	return &Reconciler{
		mgr:      mgr,
		workRoot: opts.WorkRoot,
		owners:   opts.Owners,
		interval: opts.Interval,
		cols:     opts.DefaultCols,
		rows:     opts.DefaultRows,
		metrics:  opts.Metrics,
		logger:   opts.Logger.Named("reconciler"),
	}
}

// Startup registers every stored terminal, adopting the ones whose
// wrapper session survived, and recovers unrecorded sessions.
func (r *Reconciler) Startup(ctx context.Context) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res Result
	records, err := r.mgr.Store().ListTerminals(ctx)
	if err != nil {
		r.metrics.RecordSweep("error")
		return res, fmt.Errorf("startup: %w", err)
	}

	sup := r.mgr.Supervisor()
	reg := r.mgr.Registry()

	probeCtx, cancel := context.WithTimeout(ctx, startupProbeDeadline)
	live, liveErr := sup.Launcher().Live(probeCtx)
	cancel()
	if liveErr != nil {
		r.logger.Warn("cannot enumerate wrapper sessions", zap.Error(liveErr))
	}
	byID := make(map[id.TerminalID]supervisor.LiveSession, len(live))
	for _, s := range live {
		byID[s.ID] = s
	}

	known := make(map[id.TerminalID]bool, len(records))
	for _, rec := range records {
		known[rec.ID] = true
		if _, ok := reg.Get(rec.ID); ok {
			continue
		}
		log := r.logger.Terminal(string(rec.ID))
		history := r.spooled(rec.ID)

		var h *supervisor.Handle
		s, found := byID[rec.ID]
		switch {
		case !rec.Running():
			if found {
				// the program ended and nobody cleaned up its wrapper
				r.removeWrapper(ctx, rec.ID)
			}

		case liveErr != nil:
			r.fail(ctx, rec, reasonLiveUnknown)
			res.Failed++

		case found && s.Dead:
			rec.MarkExited(s.ExitCode)
			r.save(ctx, rec)
			r.removeWrapper(ctx, rec.ID)
			res.Exited++
			r.metrics.RecordReconcilerAction("exited")
			log.Info("process exited while server was down", zap.Int("exit_code", s.ExitCode))

		case found:
			h, err = sup.Adopt(ctx, rec.ID, rec.Cols, rec.Rows)
			if err != nil {
				log.Warn("adopt failed", zap.Error(err))
				r.fail(ctx, rec, fmt.Sprintf("adopt failed: %v", err))
				res.Failed++
				break
			}
			if history == nil {
				history = r.wrapperHistory(ctx, h)
			}
			res.Adopted++
			r.metrics.RecordReconcilerAction("adopted")
			log.Info("terminal adopted")

		default:
			reason := reasonWrapperLost
			if !sup.Launcher().Detachable() {
				reason = reasonServerRestart
			}
			r.fail(ctx, rec, reason)
			res.Failed++
		}

		if _, err := reg.Register(rec, h, history); err != nil {
			log.Error("register failed", zap.Error(err))
		}
	}

	if liveErr == nil {
		r.recoverOrphans(ctx, live, known, &res)
	}

	if n, err := r.mgr.Spool().Prune(func(tid id.TerminalID) bool {
		_, ok := reg.Get(tid)
		return ok
	}); err != nil {
		r.logger.Warn("spool prune failed", zap.Error(err))
	} else if n > 0 {
		r.logger.Info("pruned stale spool files", zap.Int("count", n))
	}

	r.metrics.SetTerminalsActive(reg.Running())
	r.metrics.RecordSweep("startup")
	r.logger.Info("startup reconciliation complete",
		zap.Int("records", len(records)),
		zap.Int("adopted", res.Adopted),
		zap.Int("exited", res.Exited),
		zap.Int("failed", res.Failed),
		zap.Int("recovered", res.Recovered))
	return res, nil
}

// Sweep runs the liveness, orphan and owner passes once.
func (r *Reconciler) Sweep(ctx context.Context) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res Result
	reg := r.mgr.Registry()

	for _, e := range reg.Entries() {
		t := e.Terminal()
		if t.Running() && e.Handle() == nil && !r.mgr.Busy(t.ID) {
			if reg.Fail(t.ID, -1, reasonNoProcess) {
				res.Failed++
				r.metrics.RecordReconcilerAction("failed")
			}
		}
	}

	if r.mgr.Supervisor().Launcher().Detachable() {
		live, err := r.mgr.Supervisor().Launcher().Live(ctx)
		if err != nil {
			r.logger.Warn("cannot enumerate wrapper sessions", zap.Error(err))
		} else {
			r.recoverOrphans(ctx, live, nil, &res)
		}
	}

	r.ownerPass(ctx, &res)

	r.metrics.RecordSweep("ok")
	if res.Failed+res.Recovered+res.Reaped+res.Destroyed > 0 {
		r.logger.Info("sweep corrected state",
			zap.Int("failed", res.Failed),
			zap.Int("recovered", res.Recovered),
			zap.Int("reaped", res.Reaped),
			zap.Int("destroyed", res.Destroyed))
	}
	return res, nil
}

// Run sweeps every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.metrics.RecordSweep("error")
				r.logger.Warn("sweep failed", zap.Error(err))
			}
		}
	}
}

// recoverOrphans adopts live sessions that have no registered terminal.
// Dead ones are torn down.
func (r *Reconciler) recoverOrphans(ctx context.Context, live []supervisor.LiveSession, known map[id.TerminalID]bool, res *Result) {
	reg := r.mgr.Registry()
	for _, s := range live {
		if known[s.ID] || r.mgr.Busy(s.ID) {
			continue
		}
		if _, ok := reg.Get(s.ID); ok {
			continue
		}
		log := r.logger.Terminal(string(s.ID))

		if s.Dead {
			r.removeWrapper(ctx, s.ID)
			res.Reaped++
			r.metrics.RecordReconcilerAction("reaped")
			log.Info("removed dead orphan session", zap.Int("exit_code", s.ExitCode))
			continue
		}

		h, err := r.mgr.Supervisor().Adopt(ctx, s.ID, r.cols, r.rows)
		if err != nil {
			log.Warn("orphan adopt failed", zap.Error(err))
			continue
		}

		created, err := id.Timestamp(string(s.ID))
		if err != nil {
			created = time.Now()
		}
		rec := &terminal.Terminal{
			ID:        s.ID,
			Name:      recoveredName,
			Cwd:       s.Cwd,
			Status:    terminal.StatusRunning,
			Cols:      r.cols,
			Rows:      r.rows,
			CreatedAt: created.UTC().Truncate(time.Millisecond),
		}
		r.save(ctx, rec)

		history := r.spooled(s.ID)
		if history == nil {
			history = r.wrapperHistory(ctx, h)
		}
		if _, err := reg.Register(rec, h, history); err != nil {
			log.Error("register failed", zap.Error(err))
			continue
		}
		res.Recovered++
		r.metrics.RecordReconcilerAction("recovered")
		log.Info("recovered orphan session", zap.String("cwd", s.Cwd))
	}
}

// ownerPass destroys terminals under WorkRoot that no owner claims. It
// does nothing unless owners were enumerated successfully and at least
// one exists.
func (r *Reconciler) ownerPass(ctx context.Context, res *Result) {
	if r.workRoot == "" {
		res.OwnerPass = "disabled"
		return
	}

	list, err := r.owners.Owners(ctx)
	if err != nil {
		res.OwnerPass = "skipped"
		r.logger.Warn("owner enumeration failed, skipping owner pass", zap.Error(err))
		return
	}
	if len(list) == 0 {
		res.OwnerPass = "skipped"
		r.logger.Warn("owner enumeration returned nothing, skipping owner pass")
		return
	}

	res.OwnerPass = "ran"
	for _, t := range r.mgr.List() {
		if t.Cwd == "" || !owners.Within(r.workRoot, t.Cwd) || owners.Owned(list, t.Cwd) {
			continue
		}
		if err := r.mgr.Destroy(ctx, t.ID, session.DestroyOptions{}); err != nil {
			r.logger.Terminal(string(t.ID)).Warn("owner pass destroy failed", zap.Error(err))
			continue
		}
		res.Destroyed++
		r.metrics.RecordReconcilerAction("destroyed")
		r.logger.Terminal(string(t.ID)).Info("destroyed terminal without owner", zap.String("cwd", t.Cwd))
	}
}

func (r *Reconciler) fail(ctx context.Context, t *terminal.Terminal, reason string) {
	t.MarkError(-1, reason)
	r.save(ctx, t)
	r.metrics.RecordReconcilerAction("failed")
	r.logger.Terminal(string(t.ID)).Warn("running terminal has no process", zap.String("reason", reason))
}

func (r *Reconciler) save(ctx context.Context, t *terminal.Terminal) {
	if err := r.mgr.Store().SaveTerminal(ctx, t); err != nil {
		r.logger.Terminal(string(t.ID)).Error("save record failed", zap.Error(err))
	}
}

func (r *Reconciler) spooled(tid id.TerminalID) []byte {
	data, ok, err := r.mgr.Spool().Load(tid)
	if err != nil {
		r.logger.Terminal(string(tid)).Warn("spool unreadable", zap.Error(err))
		return nil
	}
	if !ok {
		return nil
	}
	return data
}

func (r *Reconciler) wrapperHistory(ctx context.Context, h *supervisor.Handle) []byte {
	data, err := r.mgr.Supervisor().History(ctx, h)
	if err != nil {
		r.logger.Terminal(string(h.ID())).Warn("wrapper history unavailable", zap.Error(err))
		return nil
	}
	return data
}

func (r *Reconciler) removeWrapper(ctx context.Context, tid id.TerminalID) {
	if err := r.mgr.Supervisor().Remove(ctx, tid); err != nil {
		r.logger.Terminal(string(tid)).Warn("remove wrapper failed", zap.Error(err))
	}
}
