package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"invoice-ingest-go/internal/extract"
	"invoice-ingest-go/internal/models"
	"invoice-ingest-go/internal/reservation"
)

// recordingHandler collects handled tasks and can block until released.
type recordingHandler struct {
	mu      sync.Mutex
	handled []*Task
	block   chan struct{}
	started chan string
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{started: make(chan string, 64)}
}

func (h *recordingHandler) Handle(ctx context.Context, task *Task) {
	h.started <- task.ID
	if h.block != nil {
		<-h.block
	}
	h.mu.Lock()
	h.handled = append(h.handled, task)
	h.mu.Unlock()
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.handled)
}

func (h *recordingHandler) first() *Task {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.handled[0]
}

func descriptor(uid uint64) models.MessageDescriptor {
	return models.MessageDescriptor{AccountID: 1, UID: uid, OwnerEmail: "owner@example.com", DocKind: models.DocPDF}
}

func TestQueueProcessesSubmittedTasks(t *testing.T) {
	handler := newRecordingHandler()
	q := New(handler, 2, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	for uid := uint64(1); uid <= 5; uid++ {
		_, err := q.Submit(descriptor(uid), "owner@example.com", models.JobKindManual)
		require.NoError(t, err)
	}

	assert.Eventually(t, func() bool { return handler.count() == 5 }, 2*time.Second, 10*time.Millisecond)

	pending, inflight := q.Depth()
	assert.Zero(t, pending)
	assert.Zero(t, inflight)
}

func TestQueueSubmitAfterStop(t *testing.T) {
	q := New(newRecordingHandler(), 1, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	q.Start(ctx)
	q.Stop()

	_, err := q.Submit(descriptor(1), "owner@example.com", models.JobKindManual)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestQueueRemovePending(t *testing.T) {
	// No workers started: everything stays pending.
	q := New(newRecordingHandler(), 1, nil)

	id, err := q.Submit(descriptor(1), "owner@example.com", models.JobKindManual)
	require.NoError(t, err)

	task, ok := q.RemovePending(id)
	require.True(t, ok)
	assert.Equal(t, uint64(1), task.Descriptor.UID)

	// Second removal finds nothing.
	_, ok = q.RemovePending(id)
	assert.False(t, ok)

	pending, _ := q.Depth()
	assert.Zero(t, pending)
}

func TestQueueSignalCancelInflightOnly(t *testing.T) {
	handler := newRecordingHandler()
	handler.block = make(chan struct{})
	q := New(handler, 1, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	id, err := q.Submit(descriptor(1), "owner@example.com", models.JobKindManual)
	require.NoError(t, err)

	// Wait until the worker picked it up.
	<-handler.started

	assert.True(t, q.SignalCancel(id))
	// Signalling twice is harmless.
	assert.True(t, q.SignalCancel(id))

	close(handler.block)
	assert.Eventually(t, func() bool { return handler.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	// Finished tasks can no longer be signalled.
	assert.Eventually(t, func() bool { return !q.SignalCancel(id) }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, handler.first().Cancelled())
}

func TestQueueSnapshot(t *testing.T) {
	handler := newRecordingHandler()
	handler.block = make(chan struct{})
	q := New(handler, 1, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	first, err := q.Submit(descriptor(1), "owner@example.com", models.JobKindManual)
	require.NoError(t, err)
	<-handler.started

	second, err := q.Submit(descriptor(2), "other@example.com", models.JobKindScheduled)
	require.NoError(t, err)

	views := q.Snapshot()
	require.Len(t, views, 2)

	byID := make(map[string]TaskView, len(views))
	for _, v := range views {
		byID[v.ID] = v
	}
	assert.True(t, byID[first].Inflight)
	assert.False(t, byID[second].Inflight)
	assert.Equal(t, "other@example.com", byID[second].OwnerEmail)
	assert.Equal(t, models.JobKindScheduled, byID[second].Kind)

	close(handler.block)
}

// completionRecorder is an in-memory CompletionStore.
type completionRecorder struct {
	mu     sync.Mutex
	states map[models.MessageIdentity]models.ReservationState
	errs   map[models.MessageIdentity]string
	fixed  error
}

func newCompletionRecorder() *completionRecorder {
	return &completionRecorder{
		states: make(map[models.MessageIdentity]models.ReservationState),
		errs:   make(map[models.MessageIdentity]string),
	}
}

func (r *completionRecorder) Complete(ctx context.Context, id models.MessageIdentity, final models.ReservationState, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fixed != nil {
		return r.fixed
	}
	r.states[id] = final
	r.errs[id] = errMsg
	return nil
}

type stubPipeline struct {
	result extract.Result
	err    error
}

func (p stubPipeline) Submit(ctx context.Context, desc models.MessageDescriptor) (extract.Result, error) {
	return p.result, p.err
}

type stubEntitlement struct {
	decision extract.Decision
	err      error
}

func (e stubEntitlement) Check(ctx context.Context, owner string, kind models.DocumentKind) (extract.Decision, error) {
	return e.decision, e.err
}

// seenRecorder remembers which messages got marked read.
type seenRecorder struct {
	mu     sync.Mutex
	marked []models.MessageDescriptor
}

func (r *seenRecorder) MarkSeen(ctx context.Context, desc models.MessageDescriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.marked = append(r.marked, desc)
	return nil
}

func (r *seenRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.marked)
}

func newTask(uid uint64) *Task {
	return &Task{
		ID:         "task-1",
		Descriptor: descriptor(uid),
		OwnerEmail: "owner@example.com",
		Kind:       models.JobKindManual,
		cancelCh:   make(chan struct{}),
	}
}

func TestWorkerCompletesDone(t *testing.T) {
	store := newCompletionRecorder()
	w := NewWorker(store, stubPipeline{result: extract.Result{InvoiceID: "inv-1", Native: true}}, stubEntitlement{}, nil, nil, nil)

	task := newTask(1)
	w.Handle(context.Background(), task)

	assert.Equal(t, models.StateDone, store.states[task.Descriptor.Identity()])
}

func TestWorkerRecordsFailure(t *testing.T) {
	store := newCompletionRecorder()
	w := NewWorker(store, stubPipeline{err: assert.AnError}, stubEntitlement{}, nil, nil, nil)

	task := newTask(2)
	w.Handle(context.Background(), task)

	identity := task.Descriptor.Identity()
	assert.Equal(t, models.StateFailed, store.states[identity])
	assert.NotEmpty(t, store.errs[identity])
}

func TestWorkerEntitlementDenials(t *testing.T) {
	tests := []struct {
		decision extract.Decision
		state    models.ReservationState
	}{
		{extract.DecisionDeny, models.StateSkippedAILimit},
		{extract.DecisionDenyUnread, models.StateSkippedAILimitUnread},
	}

	for _, tt := range tests {
		store := newCompletionRecorder()
		w := NewWorker(store, stubPipeline{}, stubEntitlement{decision: tt.decision}, nil, nil, nil)

		task := newTask(3)
		w.Handle(context.Background(), task)

		assert.Equal(t, tt.state, store.states[task.Descriptor.Identity()])
	}
}

func TestWorkerCancelledBeforeStart(t *testing.T) {
	store := newCompletionRecorder()
	w := NewWorker(store, stubPipeline{}, stubEntitlement{}, nil, nil, nil)

	task := newTask(4)
	task.signalCancel()
	w.Handle(context.Background(), task)

	assert.Equal(t, models.StateCancelled, store.states[task.Descriptor.Identity()])
}

func TestWorkerMarksProcessedMessagesSeen(t *testing.T) {
	tests := []struct {
		name       string
		pipeline   stubPipeline
		decision   extract.Decision
		cancel     bool
		wantMarked bool
	}{
		{name: "done", pipeline: stubPipeline{result: extract.Result{InvoiceID: "inv-1"}}, wantMarked: true},
		{name: "failed", pipeline: stubPipeline{err: assert.AnError}, wantMarked: true},
		{name: "skipped read", decision: extract.DecisionDeny, wantMarked: true},
		{name: "skipped unread", decision: extract.DecisionDenyUnread, wantMarked: false},
		{name: "cancelled before start", cancel: true, wantMarked: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen := &seenRecorder{}
			w := NewWorker(newCompletionRecorder(), tt.pipeline, stubEntitlement{decision: tt.decision}, seen, nil, nil)

			task := newTask(6)
			if tt.cancel {
				task.signalCancel()
			}
			w.Handle(context.Background(), task)

			if tt.wantMarked {
				require.Equal(t, 1, seen.count())
				assert.Equal(t, task.Descriptor, seen.marked[0])
			} else {
				assert.Zero(t, seen.count())
			}
		})
	}
}

func TestWorkerDropsLateOutcome(t *testing.T) {
	// Complete reports the identity already finalized: the worker must not
	// treat that as an error.
	store := newCompletionRecorder()
	store.fixed = reservation.ErrNotProcessing
	w := NewWorker(store, stubPipeline{}, stubEntitlement{}, nil, nil, nil)

	task := newTask(5)
	w.Handle(context.Background(), task)

	assert.Empty(t, store.states)
}
