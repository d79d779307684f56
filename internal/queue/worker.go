package queue

import (
	"context"

	"github.com/sirupsen/logrus"

	"invoice-ingest-go/internal/extract"
	"invoice-ingest-go/internal/metrics"
	"invoice-ingest-go/internal/models"
	"invoice-ingest-go/internal/reservation"
)

// CompletionStore is the reservation surface a worker needs to record
// final outcomes.
type CompletionStore interface {
	Complete(ctx context.Context, id models.MessageIdentity, final models.ReservationState, errMsg string) error
}

// SeenMarker flags a completed message as read in its source mailbox.
type SeenMarker interface {
	MarkSeen(ctx context.Context, desc models.MessageDescriptor) error
}

// Worker is the queue handler on the extraction side: it checks the cancel
// token, consults entitlement, runs the pipeline and records the final
// reservation state. Completion always wins over a late cancel signal
// because Complete only transitions out of processing once.
type Worker struct {
	store       CompletionStore
	pipeline    extract.Pipeline
	entitlement extract.Entitlement
	seen        SeenMarker
	events      *EventPublisher
	metrics     *metrics.Metrics
}

// NewWorker builds the extraction-side queue handler. seen and events may be
// nil.
func NewWorker(store CompletionStore, pipeline extract.Pipeline, entitlement extract.Entitlement, seen SeenMarker, events *EventPublisher, m *metrics.Metrics) *Worker {
	return &Worker{
		store:       store,
		pipeline:    pipeline,
		entitlement: entitlement,
		seen:        seen,
		events:      events,
		metrics:     m,
	}
}

// Handle processes one dequeued task to a terminal reservation state.
func (w *Worker) Handle(ctx context.Context, task *Task) {
	identity := task.Descriptor.Identity()

	if task.Cancelled() {
		w.complete(ctx, task, models.StateCancelled, "")
		return
	}

	decision, err := w.entitlement.Check(ctx, task.OwnerEmail, task.Descriptor.DocKind)
	if err != nil {
		logrus.Errorf("Entitlement check failed for message %d: %v", identity.UID, err)
		w.complete(ctx, task, models.StateFailed, "entitlement check failed: "+err.Error())
		return
	}
	switch decision {
	case extract.DecisionDeny:
		w.complete(ctx, task, models.StateSkippedAILimit, "")
		return
	case extract.DecisionDenyUnread:
		w.complete(ctx, task, models.StateSkippedAILimitUnread, "")
		return
	}

	// Past this point the task runs to completion even if cancelled:
	// cancellation is cooperative, not preemptive.
	result, err := w.pipeline.Submit(ctx, task.Descriptor)
	if err != nil {
		w.complete(ctx, task, models.StateFailed, err.Error())
		return
	}

	logrus.Infof("Extracted invoice %s from message %d (native=%v)", result.InvoiceID, identity.UID, result.Native)
	w.complete(ctx, task, models.StateDone, "")
}

func (w *Worker) complete(ctx context.Context, task *Task, state models.ReservationState, errMsg string) {
	identity := task.Descriptor.Identity()

	if err := w.store.Complete(ctx, identity, state, errMsg); err != nil {
		if err == reservation.ErrNotProcessing {
			// Someone else already finalized this identity; nothing to record.
			logrus.Warnf("Reservation for message %d already finalized, dropping %s outcome", identity.UID, state)
			return
		}
		logrus.Errorf("Failed to complete reservation for message %d: %v", identity.UID, err)
		return
	}

	if w.metrics != nil {
		w.metrics.ExtractionOutcomes.WithLabelValues(string(state)).Inc()
	}
	if w.events != nil {
		w.events.PublishTaskState(task, state)
	}

	// Processed messages become read so the next UNSEEN search skips them.
	// skipped_ai_limit_unread stays unread for the owner's attention, and a
	// task cancelled before it started was never touched.
	if w.seen != nil && state != models.StateSkippedAILimitUnread && state != models.StateCancelled {
		if err := w.seen.MarkSeen(ctx, task.Descriptor); err != nil {
			logrus.Warnf("Failed to mark message %d seen: %v", identity.UID, err)
		}
	}
}
