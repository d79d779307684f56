package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"invoice-ingest-go/internal/metrics"
	"invoice-ingest-go/internal/models"
)

// ErrClosed is returned by Submit after the queue shut down.
var ErrClosed = errors.New("task queue is closed")

// Task is one queued extraction work item. Its cancellation token is a
// channel owned by the queue: closing it is the only cancel signal, and
// workers poll it without blocking.
type Task struct {
	ID         string
	Descriptor models.MessageDescriptor
	OwnerEmail string
	Kind       models.JobKind
	EnqueuedAt time.Time

	cancelCh chan struct{}
	cancel   sync.Once
}

// Cancelled reports whether a cancel signal has been raised for this task.
func (t *Task) Cancelled() bool {
	select {
	case <-t.cancelCh:
		return true
	default:
		return false
	}
}

// signalCancel raises the cancel signal. Safe to call more than once.
func (t *Task) signalCancel() {
	t.cancel.Do(func() { close(t.cancelCh) })
}

// TaskView is a read-only snapshot of an active task for the cancellation
// controller.
type TaskView struct {
	ID         string
	AccountID  uint
	UID        uint64
	OwnerEmail string
	Kind       models.JobKind
	Inflight   bool
}

// Handler processes one dequeued task.
type Handler interface {
	Handle(ctx context.Context, task *Task)
}

// Queue is an in-process task queue with a bounded worker pool. It satisfies
// the queueing contract of the engine: at most one in-flight item per
// submitted id, bounded concurrency and per-item cancellability. Durability
// across restarts comes from the reservation ledger, not from the queue.
type Queue struct {
	mu       sync.Mutex
	pending  []*Task
	inflight map[string]*Task
	closed   bool
	wake     chan struct{}
	workers  int
	handler  Handler
	metrics  *metrics.Metrics
	wg       sync.WaitGroup
}

// New creates a queue that feeds the given handler with the given number of
// workers once started.
func New(handler Handler, workers int, m *metrics.Metrics) *Queue {
	if workers <= 0 {
		workers = 4
	}
	return &Queue{
		inflight: make(map[string]*Task),
		wake:     make(chan struct{}, 1),
		workers:  workers,
		handler:  handler,
		metrics:  m,
	}
}

// Submit appends a work item and returns its queue job id.
func (q *Queue) Submit(desc models.MessageDescriptor, owner string, kind models.JobKind) (string, error) {
	task := &Task{
		ID:         uuid.NewString(),
		Descriptor: desc,
		OwnerEmail: owner,
		Kind:       kind,
		EnqueuedAt: time.Now(),
		cancelCh:   make(chan struct{}),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", ErrClosed
	}
	q.pending = append(q.pending, task)
	if q.metrics != nil {
		q.metrics.QueuePending.Set(float64(len(q.pending)))
	}
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return task.ID, nil
}

// Start launches the worker pool. Workers exit when ctx is cancelled.
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.workerLoop(ctx)
	}
	logrus.Infof("Task queue started with %d workers", q.workers)
}

// Stop refuses further submissions and waits for in-flight work to finish.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wg.Wait()
}

func (q *Queue) workerLoop(ctx context.Context) {
	defer q.wg.Done()

	for {
		task := q.pop()
		if task == nil {
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
				continue
			case <-time.After(time.Second):
				// Periodic re-check so Stop's close flag is observed.
				q.mu.Lock()
				done := q.closed && len(q.pending) == 0
				q.mu.Unlock()
				if done {
					return
				}
				continue
			}
		}

		q.handler.Handle(ctx, task)
		q.finish(task.ID)
	}
}

// pop moves the oldest pending task into the in-flight set.
func (q *Queue) pop() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return nil
	}
	task := q.pending[0]
	q.pending = q.pending[1:]
	q.inflight[task.ID] = task
	if q.metrics != nil {
		q.metrics.QueuePending.Set(float64(len(q.pending)))
		q.metrics.QueueInflight.Set(float64(len(q.inflight)))
	}
	return task
}

func (q *Queue) finish(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.inflight, id)
	if q.metrics != nil {
		q.metrics.QueueInflight.Set(float64(len(q.inflight)))
	}
}

// RemovePending takes a not-yet-started task out of the queue. Returns false
// when the task already started or finished.
func (q *Queue) RemovePending(id string) (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, task := range q.pending {
		if task.ID == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			if q.metrics != nil {
				q.metrics.QueuePending.Set(float64(len(q.pending)))
			}
			return task, true
		}
	}
	return nil, false
}

// SignalCancel raises the cooperative cancel signal of an in-flight task.
// The worker checks it between steps; work already past the point of no
// return finishes and records its real outcome.
func (q *Queue) SignalCancel(id string) bool {
	q.mu.Lock()
	task, found := q.inflight[id]
	q.mu.Unlock()

	if !found {
		return false
	}
	task.signalCancel()
	return true
}

// Snapshot lists all active (pending and in-flight) tasks.
func (q *Queue) Snapshot() []TaskView {
	q.mu.Lock()
	defer q.mu.Unlock()

	views := make([]TaskView, 0, len(q.pending)+len(q.inflight))
	for _, task := range q.pending {
		views = append(views, taskView(task, false))
	}
	for _, task := range q.inflight {
		views = append(views, taskView(task, true))
	}
	return views
}

// Depth returns the pending and in-flight counts.
func (q *Queue) Depth() (pending, inflight int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending), len(q.inflight)
}

func taskView(t *Task, inflight bool) TaskView {
	return TaskView{
		ID:         t.ID,
		AccountID:  t.Descriptor.AccountID,
		UID:        t.Descriptor.UID,
		OwnerEmail: t.OwnerEmail,
		Kind:       t.Kind,
		Inflight:   inflight,
	}
}
