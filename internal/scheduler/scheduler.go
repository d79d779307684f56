package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"invoice-ingest-go/internal/dispatch"
	"invoice-ingest-go/internal/models"
)

// Dispatching is the dispatch surface the runner triggers on each tick.
type Dispatching interface {
	Dispatch(ctx context.Context, p dispatch.Params) (models.DispatchSummary, error)
}

// AccountSource lists the accounts a scheduled cycle covers.
type AccountSource interface {
	ListEnabled(ctx context.Context) ([]models.MailAccount, error)
}

// Caps are the per-run limits handed to every scheduled dispatch. They are
// fixed at construction so a cycle's behavior is determined by its inputs.
type Caps struct {
	GlobalCap         int
	PerAccountCap     int
	MaxUIDsPerAccount int
}

// Status describes the runner for the status endpoint.
type Status struct {
	Running         bool                    `json:"running"`
	IntervalMinutes int                     `json:"interval_minutes"`
	LastRun         time.Time               `json:"last_run"`
	NextRun         time.Time               `json:"next_run"`
	LastSummary     *models.DispatchSummary `json:"last_summary,omitempty"`
}

// Runner triggers an unseen-only discovery and dispatch cycle on a fixed
// interval. It is an explicitly owned handle: the composition root creates
// one and wires it in, there is no package-level instance. At most one cycle
// runs at a time; a tick that fires while the previous cycle is still
// running is dropped.
type Runner struct {
	cron        *cron.Cron
	entryID     cron.EntryID
	dispatcher  Dispatching
	accounts    AccountSource
	caps        Caps
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	cycleActive atomic.Bool

	mu          sync.RWMutex
	isRunning   bool
	interval    int
	lastRun     time.Time
	lastSummary *models.DispatchSummary
}

// NewRunner creates a scheduled runner firing every intervalMinutes.
func NewRunner(dispatcher Dispatching, accounts AccountSource, caps Caps, intervalMinutes int) *Runner {
	ctx, cancel := context.WithCancel(context.Background())

	return &Runner{
		cron:       cron.New(cron.WithSeconds()),
		dispatcher: dispatcher,
		accounts:   accounts,
		caps:       caps,
		interval:   intervalMinutes,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start starts the scheduler
func (r *Runner) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.isRunning {
		return fmt.Errorf("scheduler is already running")
	}

	if r.ctx.Err() != nil {
		r.ctx, r.cancel = context.WithCancel(context.Background())
	}

	entryID, err := r.cron.AddFunc(r.schedule(), r.runCycle)
	if err != nil {
		return fmt.Errorf("failed to add cron job: %w", err)
	}

	r.entryID = entryID
	r.cron.Start()
	r.isRunning = true

	logrus.Infof("Scheduled runner started with interval: %d minutes", r.interval)
	return nil
}

// Stop stops the scheduler and waits briefly for the active cycle. The wait
// happens outside the lock so a finishing cycle can record its summary.
func (r *Runner) Stop() error {
	r.mu.Lock()
	if !r.isRunning {
		r.mu.Unlock()
		return nil
	}

	r.cancel()
	stopCtx := r.cron.Stop()
	r.cron.Remove(r.entryID)
	r.isRunning = false
	r.mu.Unlock()

	select {
	case <-stopCtx.Done():
		logrus.Info("Scheduled runner stopped gracefully")
	case <-time.After(30 * time.Second):
		logrus.Warn("Scheduled runner stop timeout, forcing shutdown")
	}
	return nil
}

// SetInterval changes the tick interval. When the runner is live the change
// takes effect on the next tick: the old entry is removed and a new one
// registered without interrupting an active cycle.
func (r *Runner) SetInterval(minutes int) error {
	if minutes <= 0 {
		return fmt.Errorf("interval must be greater than 0")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.interval = minutes
	if !r.isRunning {
		return nil
	}

	r.cron.Remove(r.entryID)
	entryID, err := r.cron.AddFunc(r.schedule(), r.runCycle)
	if err != nil {
		return fmt.Errorf("failed to reschedule cron job: %w", err)
	}
	r.entryID = entryID

	logrus.Infof("Scheduled runner interval updated to %d minutes", minutes)
	return nil
}

// IsRunning returns whether the scheduler is running
func (r *Runner) IsRunning() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.isRunning
}

// Status reports the runner state for the API.
func (r *Runner) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	status := Status{
		Running:         r.isRunning,
		IntervalMinutes: r.interval,
		LastRun:         r.lastRun,
		LastSummary:     r.lastSummary,
	}
	if r.isRunning {
		status.NextRun = r.cron.Entry(r.entryID).Next
	}
	return status
}

// RunOnce triggers a cycle immediately (manual scheduler trigger). The
// single-active-cycle guarantee still holds.
func (r *Runner) RunOnce() {
	r.runCycle()
}

// Wait blocks until the active cycle, if any, finishes.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) schedule() string {
	return fmt.Sprintf("0 */%d * * * *", r.interval)
}

// runCycle performs one unseen-only dispatch run over all enabled accounts.
// Overlapping invocations are dropped, never queued.
func (r *Runner) runCycle() {
	if !r.cycleActive.CompareAndSwap(false, true) {
		logrus.Info("Previous dispatch cycle still running, dropping tick")
		return
	}
	defer r.cycleActive.Store(false)

	r.wg.Add(1)
	defer r.wg.Done()

	logrus.Info("Starting scheduled dispatch cycle")
	startTime := time.Now()

	accounts, err := r.accounts.ListEnabled(r.ctx)
	if err != nil {
		logrus.Errorf("Failed to list enabled accounts: %v", err)
		return
	}
	if len(accounts) == 0 {
		logrus.Debug("No enabled accounts, nothing to dispatch")
		return
	}

	summary, err := r.dispatcher.Dispatch(r.ctx, dispatch.Params{
		Accounts:          accounts,
		Mode:              models.SearchUnseen,
		GlobalCap:         r.caps.GlobalCap,
		PerAccountCap:     r.caps.PerAccountCap,
		MaxUIDsPerAccount: r.caps.MaxUIDsPerAccount,
		JobKind:           models.JobKindScheduled,
	})
	if err != nil {
		logrus.Errorf("Scheduled dispatch cycle failed: %v", err)
	}

	r.mu.Lock()
	r.lastRun = time.Now()
	r.lastSummary = &summary
	r.mu.Unlock()

	logrus.Infof("Scheduled dispatch cycle completed in %v", time.Since(startTime))
}
