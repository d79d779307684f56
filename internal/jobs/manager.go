package jobs

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"invoice-ingest-go/internal/dispatch"
	"invoice-ingest-go/internal/metrics"
	"invoice-ingest-go/internal/models"
)

// Dispatching is the dispatch surface a claimed job invokes.
type Dispatching interface {
	Dispatch(ctx context.Context, p dispatch.Params) (models.DispatchSummary, error)
}

// AccountSource lists the accounts a job's owner can sync.
type AccountSource interface {
	ListEnabledByOwner(ctx context.Context, owner string) ([]models.MailAccount, error)
}

// RetryStore is the reservation surface used by retry_skipped jobs.
type RetryStore interface {
	ListRetryable(ctx context.Context, owner string) ([]models.Reservation, error)
	ForceRequeue(ctx context.Context, id models.MessageIdentity, kind models.JobKind) error
	SetQueueJobID(ctx context.Context, id models.MessageIdentity, queueJobID string) error
	Complete(ctx context.Context, id models.MessageIdentity, final models.ReservationState, errMsg string) error
}

// TaskQueue accepts requeued work items.
type TaskQueue interface {
	Submit(desc models.MessageDescriptor, owner string, kind models.JobKind) (string, error)
}

// Options tune the manager's polling loop and stale-job policy.
type Options struct {
	PollInterval time.Duration
	// ReaperEnabled turns on automatic requeue of jobs stuck in running.
	// Off by default: a crashed worker's job then waits for an operator.
	ReaperEnabled bool
	StaleAfter    time.Duration
	MaxAttempts   int
	Caps          dispatch.Params // only the cap fields are read
}

// Manager is the async job worker: a single polling loop that claims the
// oldest queued job via the store's conditional update and runs it to a
// terminal status. Running jobs carry a cancellable context registered for
// the cancellation controller.
type Manager struct {
	store        *Store
	dispatcher   Dispatching
	accounts     AccountSource
	reservations RetryStore
	queue        TaskQueue
	opts         Options
	metrics      *metrics.Metrics

	mu      sync.Mutex
	running map[string]context.CancelFunc

	wg sync.WaitGroup
}

// NewManager creates an async job manager.
func NewManager(store *Store, dispatcher Dispatching, accounts AccountSource, reservations RetryStore, queue TaskQueue, opts Options, m *metrics.Metrics) *Manager {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = time.Hour
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	return &Manager{
		store:        store,
		dispatcher:   dispatcher,
		accounts:     accounts,
		reservations: reservations,
		queue:        queue,
		opts:         opts,
		metrics:      m,
		running:      make(map[string]context.CancelFunc),
	}
}

// Enqueue records a new job request.
func (m *Manager) Enqueue(ctx context.Context, kind models.AsyncJobKind, owner string, params models.JobParams) (*models.AsyncJob, error) {
	return m.store.Enqueue(ctx, kind, owner, params)
}

// Get returns a job by id.
func (m *Manager) Get(ctx context.Context, id string) (*models.AsyncJob, error) {
	return m.store.Get(ctx, id)
}

// Start launches the polling worker. It exits when ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.opts.PollInterval)
		defer ticker.Stop()

		logrus.Infof("Async job manager started (poll interval %v)", m.opts.PollInterval)

		for {
			select {
			case <-ctx.Done():
				logrus.Info("Async job manager stopping")
				return
			case <-ticker.C:
				m.tick(ctx)
			}
		}
	}()
}

// Wait blocks until the polling worker has exited.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) tick(ctx context.Context) {
	if m.opts.ReaperEnabled {
		requeued, failed, err := m.store.ReapStale(ctx, m.opts.StaleAfter, m.opts.MaxAttempts)
		if err != nil {
			logrus.Errorf("Stale job reaper failed: %v", err)
		} else if requeued > 0 || failed > 0 {
			logrus.Warnf("Stale job reaper requeued %d and failed %d jobs", requeued, failed)
		}
	}

	job, err := m.store.ClaimOldest(ctx)
	if err != nil {
		logrus.Errorf("Failed to claim async job: %v", err)
		return
	}
	if job == nil {
		return
	}

	if m.metrics != nil {
		m.metrics.JobsClaimed.Inc()
	}
	logrus.Infof("Claimed async job %s (%s) for %s", job.ID, job.Kind, job.OwnerEmail)

	m.runJob(ctx, job)
}

// runJob executes one claimed job to a terminal status.
func (m *Manager) runJob(ctx context.Context, job *models.AsyncJob) {
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.mu.Lock()
	m.running[job.ID] = cancel
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.running, job.ID)
		m.mu.Unlock()
	}()

	var params models.JobParams
	if len(job.Params) > 0 {
		if err := json.Unmarshal(job.Params, &params); err != nil {
			m.finish(ctx, job.ID, models.JobFailed, "invalid job params: "+err.Error(), models.DispatchSummary{})
			return
		}
	}

	var summary models.DispatchSummary
	var err error
	switch job.Kind {
	case models.AsyncJobRetrySkipped:
		summary, err = m.retrySkipped(jobCtx, job.OwnerEmail)
	default:
		summary, err = m.fullSync(jobCtx, job.OwnerEmail, params)
	}

	switch {
	case jobCtx.Err() != nil && ctx.Err() == nil:
		// Cancelled through the controller, not by shutdown.
		m.finish(ctx, job.ID, models.JobCancelled, "cancelled by operator", summary)
	case err != nil:
		m.finish(ctx, job.ID, models.JobFailed, err.Error(), summary)
	default:
		m.finish(ctx, job.ID, models.JobDone, "", summary)
	}
}

func (m *Manager) finish(ctx context.Context, id string, status models.AsyncJobStatus, lastError string, summary models.DispatchSummary) {
	if err := m.store.Finish(ctx, id, status, lastError, summary); err != nil {
		logrus.Errorf("Failed to record job %s outcome: %v", id, err)
		return
	}
	logrus.Infof("Async job %s finished with status %s", id, status)
}

// fullSync dispatches a full historical walk over the owner's accounts.
// Jobs with a bounded date range are tagged as range work; unbounded ones
// as full_sync.
func (m *Manager) fullSync(ctx context.Context, owner string, params models.JobParams) (models.DispatchSummary, error) {
	accounts, err := m.accounts.ListEnabledByOwner(ctx, owner)
	if err != nil {
		return models.DispatchSummary{}, err
	}
	if params.AccountID != nil {
		filtered := accounts[:0]
		for _, a := range accounts {
			if a.ID == *params.AccountID {
				filtered = append(filtered, a)
			}
		}
		accounts = filtered
	}

	window := models.SearchWindow{Since: params.Since, Until: params.Until}
	kind := models.JobKindFullSync
	if !window.IsZero() {
		kind = models.JobKindRange
	}

	return m.dispatcher.Dispatch(ctx, dispatch.Params{
		Accounts:          accounts,
		Mode:              models.SearchAll,
		Window:            window,
		GlobalCap:         m.opts.Caps.GlobalCap,
		PerAccountCap:     m.opts.Caps.PerAccountCap,
		MaxUIDsPerAccount: m.opts.Caps.MaxUIDsPerAccount,
		JobKind:           kind,
	})
}

// retrySkipped requeues every reservation of the owner that is parked in a
// retryable terminal state. It does not walk the mailbox: the ledger already
// knows exactly which messages were skipped.
func (m *Manager) retrySkipped(ctx context.Context, owner string) (models.DispatchSummary, error) {
	rows, err := m.reservations.ListRetryable(ctx, owner)
	if err != nil {
		return models.DispatchSummary{}, err
	}

	var summary models.DispatchSummary
	for _, row := range rows {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}

		identity := row.Identity()
		if err := m.reservations.ForceRequeue(ctx, identity, models.JobKindRetrySkipped); err != nil {
			// Lost a race with another requeue or a state change; skip.
			summary.SkippedExisting++
			continue
		}

		desc := models.MessageDescriptor{
			AccountID:  row.AccountID,
			UID:        row.UID,
			OwnerEmail: owner,
		}
		queueJobID, err := m.queue.Submit(desc, owner, models.JobKindRetrySkipped)
		if err != nil {
			if cerr := m.reservations.Complete(ctx, identity, models.StateCancelled, "queue submit failed: "+err.Error()); cerr != nil {
				logrus.Errorf("Failed to release reservation after submit failure: %v", cerr)
			}
			continue
		}
		if err := m.reservations.SetQueueJobID(ctx, identity, queueJobID); err != nil {
			logrus.Warnf("Failed to record queue job id for message %d: %v", row.UID, err)
		}

		summary.Enqueued++
		summary.Retried++
		if m.metrics != nil {
			m.metrics.Retried.Inc()
		}
	}
	return summary, nil
}

// CancelRunning cancels the context of a running job. Returns false when the
// job is not currently running in this process.
func (m *Manager) CancelRunning(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	cancel, found := m.running[id]
	if !found {
		return false
	}
	cancel()
	return true
}

// CancelQueued cancels a job that has not been claimed yet.
func (m *Manager) CancelQueued(ctx context.Context, id string) (bool, error) {
	return m.store.CancelQueued(ctx, id)
}

// ListActiveByOwner returns the owner's queued and running jobs.
func (m *Manager) ListActiveByOwner(ctx context.Context, owner string) ([]models.AsyncJob, error) {
	return m.store.ListActiveByOwner(ctx, owner)
}
