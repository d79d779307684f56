package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"invoice-ingest-go/internal/discovery"
	"invoice-ingest-go/internal/metrics"
	"invoice-ingest-go/internal/models"
	"invoice-ingest-go/internal/reservation"
)

// ReservationStore is the dedup ledger surface the dispatcher needs.
type ReservationStore interface {
	TryReserve(ctx context.Context, id models.MessageIdentity, owner string, kind models.JobKind, allowRetry bool) (reservation.Result, error)
	SetQueueJobID(ctx context.Context, id models.MessageIdentity, queueJobID string) error
	Complete(ctx context.Context, id models.MessageIdentity, final models.ReservationState, errMsg string) error
}

// TaskQueue accepts reserved messages as individual work items.
type TaskQueue interface {
	Submit(desc models.MessageDescriptor, owner string, kind models.JobKind) (string, error)
}

// DescriptorSource streams eligible message descriptors for one account.
// Implemented by the discovery engine.
type DescriptorSource interface {
	Stream(ctx context.Context, account models.MailAccount, mode models.SearchMode, window models.SearchWindow, maxUIDs int) (<-chan models.MessageDescriptor, <-chan error)
}

// Params fully determines one dispatch run. Caps are explicit inputs rather
// than ambient configuration so a run is reproducible from its arguments.
type Params struct {
	Accounts          []models.MailAccount
	Mode              models.SearchMode
	Window            models.SearchWindow
	GlobalCap         int
	PerAccountCap     int
	MaxUIDsPerAccount int
	JobKind           models.JobKind
}

// Dispatcher consumes discovery streams, reserves each eligible message
// atomically and submits the winners to the task queue, within the run's
// global and per-account caps.
type Dispatcher struct {
	store   ReservationStore
	source  DescriptorSource
	queue   TaskQueue
	metrics *metrics.Metrics
	workers int
}

// NewDispatcher creates a dispatcher. workers bounds how many accounts are
// walked concurrently within one run.
func NewDispatcher(store ReservationStore, source DescriptorSource, queue TaskQueue, m *metrics.Metrics, workers int) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	return &Dispatcher{
		store:   store,
		source:  source,
		queue:   queue,
		metrics: m,
		workers: workers,
	}
}

// Dispatch runs discovery over all accounts of the run and fans eligible
// messages out to the task queue. The returned summary holds exact counts;
// the global cap is a hard ceiling across all accounts. A mailbox failure
// aborts only that account's walk. The error is non-nil only when the run's
// context was cancelled; even then the summary exactly counts the work done
// before the stop.
func (d *Dispatcher) Dispatch(ctx context.Context, p Params) (models.DispatchSummary, error) {
	start := time.Now()

	b := newBudget(p.GlobalCap, p.PerAccountCap, accountIDs(p.Accounts))

	// runCtx is cancelled as soon as the global cap is exhausted so other
	// account walks stop discovering candidates nobody can enqueue.
	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()

	summaries := make([]models.DispatchSummary, len(p.Accounts))

	g, gctx := errgroup.WithContext(runCtx)
	g.SetLimit(d.workers)
	for i := range p.Accounts {
		i := i
		account := p.Accounts[i]
		g.Go(func() error {
			summaries[i] = d.dispatchAccount(gctx, account, p, b, stopRun)
			return nil
		})
	}
	g.Wait()

	var total models.DispatchSummary
	for _, s := range summaries {
		total.Add(s)
	}

	if d.metrics != nil {
		d.metrics.DispatchDuration.Observe(time.Since(start).Seconds())
	}

	logrus.Infof("Dispatch run (%s) finished: enqueued=%d skipped=%d retried=%d capped_global=%d capped_per_account=%d",
		p.JobKind, total.Enqueued, total.SkippedExisting, total.Retried, total.CappedGlobal, total.CappedPerAccount)

	return total, ctx.Err()
}

// dispatchAccount walks one account's discovery stream until its caps or the
// stream are exhausted.
func (d *Dispatcher) dispatchAccount(ctx context.Context, account models.MailAccount, p Params, b *budget, stopRun context.CancelFunc) models.DispatchSummary {
	var summary models.DispatchSummary

	// streamCtx stops this account's discovery as soon as a cap binds, so the
	// producer does not keep fetching summaries and body probes for
	// candidates nobody can enqueue.
	streamCtx, stopStream := context.WithCancel(ctx)
	defer stopStream()

	descriptors, errc := d.source.Stream(streamCtx, account, p.Mode, p.Window, p.MaxUIDsPerAccount)

stream:
	for desc := range descriptors {
		got := b.acquire(account.ID)
		if !got.ok {
			if got.accountExhausted {
				summary.CappedPerAccount++
				if d.metrics != nil {
					d.metrics.Capped.WithLabelValues("per_account").Inc()
				}
			}
			if got.globalExhausted {
				summary.CappedGlobal++
				if d.metrics != nil {
					d.metrics.Capped.WithLabelValues("global").Inc()
				}
				// No account can enqueue anything anymore.
				stopRun()
			}
			stopStream()
			break stream
		}

		outcome, err := d.reserveAndSubmit(ctx, desc, p.JobKind)
		switch outcome {
		case enqueued:
			summary.Enqueued++
			if d.metrics != nil {
				d.metrics.Enqueued.Inc()
			}
		case retried:
			summary.Enqueued++
			summary.Retried++
			if d.metrics != nil {
				d.metrics.Enqueued.Inc()
				d.metrics.Retried.Inc()
			}
		case skipped:
			// Skips must not consume cap.
			b.release(account.ID)
			summary.SkippedExisting++
			if d.metrics != nil {
				d.metrics.SkippedExisting.Inc()
			}
		case dropped:
			b.release(account.ID)
			logrus.Errorf("Failed to dispatch message %d of account %d: %v", desc.UID, account.ID, err)
		}
	}

	// Drain the stream so the producer goroutine can finish.
	for range descriptors {
	}
	switch err := <-errc; {
	case err == nil:
	case errors.Is(err, discovery.ErrCandidatesTruncated):
		// The UID window cut this account's candidate list: that is a
		// per-account capping event even though the budget was never denied.
		if summary.CappedPerAccount == 0 {
			summary.CappedPerAccount++
			if d.metrics != nil {
				d.metrics.Capped.WithLabelValues("per_account").Inc()
			}
		}
		// When the truncated walk also consumed the last global slot, the
		// run hit both ceilings at once.
		if summary.CappedGlobal == 0 && b.globalExhausted() {
			summary.CappedGlobal++
			if d.metrics != nil {
				d.metrics.Capped.WithLabelValues("global").Inc()
			}
			stopRun()
		}
	case streamCtx.Err() == nil:
		logrus.Errorf("Discovery aborted for account %d: %v", account.ID, err)
	}

	return summary
}

type submitOutcome int

const (
	enqueued submitOutcome = iota
	retried
	skipped
	dropped
)

// reserveAndSubmit claims the descriptor's identity and hands it to the task
// queue. Losing the reservation race is an expected skip, not an error. A
// queue submit failure releases the identity back to cancelled so a later
// run can pick it up.
func (d *Dispatcher) reserveAndSubmit(ctx context.Context, desc models.MessageDescriptor, kind models.JobKind) (submitOutcome, error) {
	res, err := d.store.TryReserve(ctx, desc.Identity(), desc.OwnerEmail, kind, kind.AllowsRetry())
	if err != nil {
		return dropped, err
	}

	switch res.Outcome {
	case reservation.AlreadyActive, reservation.AlreadyTerminal:
		return skipped, nil
	}

	queueJobID, err := d.queue.Submit(desc, desc.OwnerEmail, kind)
	if err != nil {
		if cerr := d.store.Complete(ctx, desc.Identity(), models.StateCancelled, "queue submit failed: "+err.Error()); cerr != nil {
			logrus.Errorf("Failed to release reservation after submit failure: %v", cerr)
		}
		return dropped, err
	}

	if err := d.store.SetQueueJobID(ctx, desc.Identity(), queueJobID); err != nil {
		logrus.Warnf("Failed to record queue job id for message %d: %v", desc.UID, err)
	}

	if res.Retried {
		return retried, nil
	}
	return enqueued, nil
}

func accountIDs(accounts []models.MailAccount) []uint {
	ids := make([]uint, len(accounts))
	for i, a := range accounts {
		ids[i] = a.ID
	}
	return ids
}
