package cancel

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"invoice-ingest-go/internal/metrics"
	"invoice-ingest-go/internal/models"
	"invoice-ingest-go/internal/queue"
)

// Scope selects which of an owner's active work items to cancel.
type Scope string

const (
	ScopeAll         Scope = "all"
	ScopeSingleEmail Scope = "single_email"
	ScopeRange       Scope = "range"
	ScopeFullSync    Scope = "full_sync"
)

// Valid reports whether the scope is one of the known values.
func (s Scope) Valid() bool {
	switch s {
	case ScopeAll, ScopeSingleEmail, ScopeRange, ScopeFullSync:
		return true
	}
	return false
}

// matchesKind reports whether a work item of the given kind falls under the
// scope. single_email covers message-level work (manual, scheduled and
// retry submissions); range and full_sync cover backfill work.
func (s Scope) matchesKind(kind models.JobKind) bool {
	switch s {
	case ScopeAll:
		return true
	case ScopeSingleEmail:
		return kind == models.JobKindManual || kind == models.JobKindScheduled || kind == models.JobKindRetrySkipped
	case ScopeRange:
		return kind == models.JobKindRange
	case ScopeFullSync:
		return kind == models.JobKindFullSync
	}
	return false
}

// matchesJob reports whether an async job falls under the scope.
func (s Scope) matchesJob(kind models.AsyncJobKind, params bool) bool {
	switch s {
	case ScopeAll:
		return true
	case ScopeSingleEmail:
		return kind == models.AsyncJobRetrySkipped
	case ScopeRange:
		return kind == models.AsyncJobFullSync && params
	case ScopeFullSync:
		return kind == models.AsyncJobFullSync && !params
	}
	return false
}

// Summary reports the outcome of one cancellation request.
type Summary struct {
	TotalFound int      `json:"total_found"`
	Attempted  int      `json:"attempted"`
	Cancelled  int      `json:"cancelled"`
	Stopping   int      `json:"stopping"`
	Failed     int      `json:"failed"`
	IDs        []string `json:"ids"`
}

// TaskQueue is the queue surface the controller needs.
type TaskQueue interface {
	Snapshot() []queue.TaskView
	RemovePending(id string) (*queue.Task, bool)
	SignalCancel(id string) bool
}

// ReservationStore marks cancelled reservations so their identities are
// free for a future run.
type ReservationStore interface {
	Complete(ctx context.Context, id models.MessageIdentity, final models.ReservationState, errMsg string) error
}

// JobManager is the async-job surface the controller needs.
type JobManager interface {
	ListActiveByOwner(ctx context.Context, owner string) ([]models.AsyncJob, error)
	CancelQueued(ctx context.Context, id string) (bool, error)
	CancelRunning(id string) bool
}

// Controller cancels an owner's queued and in-flight work within a scope.
// Pending queue items are removed outright; started work only gets a
// cooperative stop signal. Nothing outside the matched owner and scope is
// ever touched.
type Controller struct {
	queue   TaskQueue
	store   ReservationStore
	jobs    JobManager
	metrics *metrics.Metrics
}

// NewController creates a cancellation controller.
func NewController(q TaskQueue, store ReservationStore, jobs JobManager, m *metrics.Metrics) *Controller {
	return &Controller{queue: q, store: store, jobs: jobs, metrics: m}
}

// CancelActive cancels up to maxJobs of the owner's active work items in
// scope and returns an exact summary. maxJobs <= 0 means no bound.
func (c *Controller) CancelActive(ctx context.Context, owner string, scope Scope, maxJobs int) (Summary, error) {
	if !scope.Valid() {
		return Summary{}, fmt.Errorf("unknown cancellation scope %q", scope)
	}

	var summary Summary

	// Message-level queue items first.
	for _, view := range c.queue.Snapshot() {
		if view.OwnerEmail != owner || !scope.matchesKind(view.Kind) {
			continue
		}
		summary.TotalFound++
		if maxJobs > 0 && summary.Attempted >= maxJobs {
			continue
		}
		summary.Attempted++
		summary.IDs = append(summary.IDs, view.ID)
		if c.metrics != nil {
			c.metrics.Cancellations.Inc()
		}

		c.cancelTask(ctx, view, &summary)
	}

	// Async jobs of the owner.
	jobs, err := c.jobs.ListActiveByOwner(ctx, owner)
	if err != nil {
		return summary, fmt.Errorf("failed to list active jobs: %w", err)
	}
	for _, job := range jobs {
		hasWindow := jobHasWindow(job)
		if !scope.matchesJob(job.Kind, hasWindow) {
			continue
		}
		summary.TotalFound++
		if maxJobs > 0 && summary.Attempted >= maxJobs {
			continue
		}
		summary.Attempted++
		summary.IDs = append(summary.IDs, job.ID)
		if c.metrics != nil {
			c.metrics.Cancellations.Inc()
		}

		c.cancelJob(ctx, job, &summary)
	}

	logrus.Infof("Cancellation for %s scope=%s: found=%d attempted=%d cancelled=%d stopping=%d failed=%d",
		owner, scope, summary.TotalFound, summary.Attempted, summary.Cancelled, summary.Stopping, summary.Failed)
	return summary, nil
}

// cancelTask removes a pending task or signals an in-flight one.
func (c *Controller) cancelTask(ctx context.Context, view queue.TaskView, summary *Summary) {
	if !view.Inflight {
		task, removed := c.queue.RemovePending(view.ID)
		if removed {
			identity := task.Descriptor.Identity()
			if err := c.store.Complete(ctx, identity, models.StateCancelled, "cancelled before start"); err != nil {
				// Completion beat us to the terminal state; report as not cancelled.
				logrus.Warnf("Reservation for message %d finalized before cancellation: %v", identity.UID, err)
				summary.Failed++
				return
			}
			summary.Cancelled++
			return
		}
		// Moved to in-flight between snapshot and removal; fall through.
	}

	if c.queue.SignalCancel(view.ID) {
		summary.Stopping++
		return
	}
	// Finished between snapshot and signal: the completion write won.
	summary.Failed++
}

// cancelJob cancels a queued async job or signals a running one.
func (c *Controller) cancelJob(ctx context.Context, job models.AsyncJob, summary *Summary) {
	if job.Status == models.JobQueued {
		ok, err := c.jobs.CancelQueued(ctx, job.ID)
		if err != nil {
			logrus.Errorf("Failed to cancel queued job %s: %v", job.ID, err)
			summary.Failed++
			return
		}
		if ok {
			summary.Cancelled++
			return
		}
		// Claimed between listing and cancel; try the running path.
	}

	if c.jobs.CancelRunning(job.ID) {
		summary.Stopping++
		return
	}
	summary.Failed++
}

// jobHasWindow reports whether the job's params carry a date range.
func jobHasWindow(job models.AsyncJob) bool {
	if len(job.Params) == 0 {
		return false
	}
	var params models.JobParams
	if err := json.Unmarshal(job.Params, &params); err != nil {
		return false
	}
	return params.Since != nil || params.Until != nil
}
