package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"invoice-ingest-go/internal/dispatch"
	"invoice-ingest-go/internal/models"
	"invoice-ingest-go/internal/reservation"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(&models.AsyncJob{}, &models.Reservation{}))
	return db
}

func TestStoreEnqueueAndGet(t *testing.T) {
	store := NewStore(newTestDB(t))
	ctx := context.Background()

	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	job, err := store.Enqueue(ctx, models.AsyncJobFullSync, "owner@example.com", models.JobParams{Since: &since})
	require.NoError(t, err)
	assert.Equal(t, models.JobQueued, job.Status)
	assert.NotEmpty(t, job.ID)

	loaded, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, loaded.ID)

	var params models.JobParams
	require.NoError(t, json.Unmarshal(loaded.Params, &params))
	require.NotNil(t, params.Since)
	assert.True(t, params.Since.Equal(since))

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreClaimOldestSingleWinner(t *testing.T) {
	store := NewStore(newTestDB(t))
	ctx := context.Background()

	job, err := store.Enqueue(ctx, models.AsyncJobFullSync, "owner@example.com", models.JobParams{})
	require.NoError(t, err)

	const claimers = 10
	var wg sync.WaitGroup
	claimed := make([]*models.AsyncJob, claimers)
	errs := make([]error, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			claimed[i], errs[i] = store.ClaimOldest(ctx)
		}(i)
	}
	wg.Wait()

	winners := 0
	for i := range claimed {
		require.NoError(t, errs[i])
		if claimed[i] != nil {
			winners++
			assert.Equal(t, job.ID, claimed[i].ID)
			assert.Equal(t, models.JobRunning, claimed[i].Status)
			assert.Equal(t, 1, claimed[i].Attempts)
		}
	}
	assert.Equal(t, 1, winners, "exactly one claimer must win")
}

func TestStoreClaimsOldestFirst(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	first, err := store.Enqueue(ctx, models.AsyncJobFullSync, "owner@example.com", models.JobParams{})
	require.NoError(t, err)
	second, err := store.Enqueue(ctx, models.AsyncJobRetrySkipped, "owner@example.com", models.JobParams{})
	require.NoError(t, err)

	// sqlite timestamps can collide within one test; force an order.
	require.NoError(t, db.Model(&models.AsyncJob{}).Where("id = ?", first.ID).
		Update("created_at", time.Now().Add(-time.Minute)).Error)

	claimed, err := store.ClaimOldest(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, first.ID, claimed.ID)

	claimed, err = store.ClaimOldest(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, second.ID, claimed.ID)

	claimed, err = store.ClaimOldest(ctx)
	require.NoError(t, err)
	assert.Nil(t, claimed, "nothing left to claim")
}

func TestStoreFinishRequiresRunning(t *testing.T) {
	store := NewStore(newTestDB(t))
	ctx := context.Background()

	job, err := store.Enqueue(ctx, models.AsyncJobFullSync, "owner@example.com", models.JobParams{})
	require.NoError(t, err)

	// Queued jobs cannot be finished.
	err = store.Finish(ctx, job.ID, models.JobDone, "", models.DispatchSummary{})
	assert.Error(t, err)

	_, err = store.ClaimOldest(ctx)
	require.NoError(t, err)

	require.NoError(t, store.Finish(ctx, job.ID, models.JobDone, "", models.DispatchSummary{Enqueued: 7}))

	loaded, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobDone, loaded.Status)
	require.NotNil(t, loaded.FinishedAt)

	var progress models.DispatchSummary
	require.NoError(t, json.Unmarshal(loaded.Progress, &progress))
	assert.Equal(t, 7, progress.Enqueued)
}

func TestStoreCancelQueued(t *testing.T) {
	store := NewStore(newTestDB(t))
	ctx := context.Background()

	job, err := store.Enqueue(ctx, models.AsyncJobFullSync, "owner@example.com", models.JobParams{})
	require.NoError(t, err)

	ok, err := store.CancelQueued(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	// Already cancelled: second attempt loses.
	ok, err = store.CancelQueued(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	claimed, err := store.ClaimOldest(ctx)
	require.NoError(t, err)
	assert.Nil(t, claimed, "cancelled jobs are never claimed")
}

func TestStoreReapStale(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	fresh, err := store.Enqueue(ctx, models.AsyncJobFullSync, "owner@example.com", models.JobParams{})
	require.NoError(t, err)
	stale, err := store.Enqueue(ctx, models.AsyncJobFullSync, "owner@example.com", models.JobParams{})
	require.NoError(t, err)
	burned, err := store.Enqueue(ctx, models.AsyncJobFullSync, "owner@example.com", models.JobParams{})
	require.NoError(t, err)

	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, db.Model(&models.AsyncJob{}).Where("id = ?", fresh.ID).
		Updates(map[string]interface{}{"status": models.JobRunning, "started_at": time.Now(), "attempts": 1}).Error)
	require.NoError(t, db.Model(&models.AsyncJob{}).Where("id = ?", stale.ID).
		Updates(map[string]interface{}{"status": models.JobRunning, "started_at": old, "attempts": 1}).Error)
	require.NoError(t, db.Model(&models.AsyncJob{}).Where("id = ?", burned.ID).
		Updates(map[string]interface{}{"status": models.JobRunning, "started_at": old, "attempts": 3}).Error)

	requeued, failed, err := store.ReapStale(ctx, time.Hour, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)
	assert.Equal(t, 1, failed)

	loaded, err := store.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobQueued, loaded.Status)

	loaded, err = store.Get(ctx, burned.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, loaded.Status)

	loaded, err = store.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobRunning, loaded.Status, "fresh running jobs are left alone")
}

// recordingDispatcher captures dispatch params for routing assertions.
type recordingDispatcher struct {
	mu     sync.Mutex
	params []dispatch.Params
	err    error
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, p dispatch.Params) (models.DispatchSummary, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.params = append(d.params, p)
	if d.err != nil {
		return models.DispatchSummary{}, d.err
	}
	return models.DispatchSummary{Enqueued: 3}, nil
}

type staticAccounts struct {
	accounts []models.MailAccount
}

func (s *staticAccounts) ListEnabledByOwner(ctx context.Context, owner string) ([]models.MailAccount, error) {
	var out []models.MailAccount
	for _, a := range s.accounts {
		if a.OwnerEmail == owner {
			out = append(out, a)
		}
	}
	return out, nil
}

type recordingQueue struct {
	mu      sync.Mutex
	submits []models.MessageDescriptor
}

func (q *recordingQueue) Submit(desc models.MessageDescriptor, owner string, kind models.JobKind) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.submits = append(q.submits, desc)
	return fmt.Sprintf("task-%d", len(q.submits)), nil
}

func newTestManager(t *testing.T, db *gorm.DB, dispatcher *recordingDispatcher, queue *recordingQueue) *Manager {
	t.Helper()
	accounts := &staticAccounts{accounts: []models.MailAccount{
		{ID: 1, OwnerEmail: "owner@example.com", Enabled: true},
		{ID: 2, OwnerEmail: "owner@example.com", Enabled: true},
	}}
	return NewManager(NewStore(db), dispatcher, accounts, reservation.NewStore(db), queue, Options{
		Caps: dispatch.Params{GlobalCap: 100, PerAccountCap: 50, MaxUIDsPerAccount: 200},
	}, nil)
}

func TestManagerRunsFullSyncJob(t *testing.T) {
	db := newTestDB(t)
	dispatcher := &recordingDispatcher{}
	m := newTestManager(t, db, dispatcher, &recordingQueue{})
	ctx := context.Background()

	job, err := m.Enqueue(ctx, models.AsyncJobFullSync, "owner@example.com", models.JobParams{})
	require.NoError(t, err)

	m.tick(ctx)

	require.Len(t, dispatcher.params, 1)
	p := dispatcher.params[0]
	assert.Equal(t, models.SearchAll, p.Mode, "full sync revisits history")
	assert.Equal(t, models.JobKindFullSync, p.JobKind)
	assert.Len(t, p.Accounts, 2)
	assert.Equal(t, 100, p.GlobalCap)

	loaded, err := m.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobDone, loaded.Status)

	var progress models.DispatchSummary
	require.NoError(t, json.Unmarshal(loaded.Progress, &progress))
	assert.Equal(t, 3, progress.Enqueued)
}

func TestManagerRunsRangeJob(t *testing.T) {
	db := newTestDB(t)
	dispatcher := &recordingDispatcher{}
	m := newTestManager(t, db, dispatcher, &recordingQueue{})
	ctx := context.Background()

	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	until := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	accountID := uint(2)
	_, err := m.Enqueue(ctx, models.AsyncJobFullSync, "owner@example.com", models.JobParams{
		Since:     &since,
		Until:     &until,
		AccountID: &accountID,
	})
	require.NoError(t, err)

	m.tick(ctx)

	require.Len(t, dispatcher.params, 1)
	p := dispatcher.params[0]
	assert.Equal(t, models.JobKindRange, p.JobKind, "bounded windows run as range work")
	require.NotNil(t, p.Window.Since)
	assert.True(t, p.Window.Since.Equal(since))
	require.Len(t, p.Accounts, 1)
	assert.Equal(t, uint(2), p.Accounts[0].ID, "account filter narrows the walk")
}

func TestManagerRecordsDispatchFailure(t *testing.T) {
	db := newTestDB(t)
	dispatcher := &recordingDispatcher{err: fmt.Errorf("mailbox unreachable")}
	m := newTestManager(t, db, dispatcher, &recordingQueue{})
	ctx := context.Background()

	job, err := m.Enqueue(ctx, models.AsyncJobFullSync, "owner@example.com", models.JobParams{})
	require.NoError(t, err)

	m.tick(ctx)

	loaded, err := m.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, loaded.Status)
	assert.Contains(t, loaded.LastError, "mailbox unreachable")
}

func TestManagerRetrySkippedRequeuesFromLedger(t *testing.T) {
	db := newTestDB(t)
	reservations := reservation.NewStore(db)
	queue := &recordingQueue{}
	m := newTestManager(t, db, &recordingDispatcher{}, queue)
	ctx := context.Background()

	// Two skipped messages and one done message in the ledger.
	seed := []struct {
		uid   uint64
		state models.ReservationState
	}{
		{1, models.StateSkippedAILimit},
		{2, models.StateSkippedAILimitUnread},
		{3, models.StateDone},
	}
	for _, s := range seed {
		id := models.MessageIdentity{AccountID: 1, UID: s.uid}
		_, err := reservations.TryReserve(ctx, id, "owner@example.com", models.JobKindScheduled, false)
		require.NoError(t, err)
		require.NoError(t, reservations.Complete(ctx, id, s.state, ""))
	}

	job, err := m.Enqueue(ctx, models.AsyncJobRetrySkipped, "owner@example.com", models.JobParams{})
	require.NoError(t, err)

	m.tick(ctx)

	loaded, err := m.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobDone, loaded.Status)

	var progress models.DispatchSummary
	require.NoError(t, json.Unmarshal(loaded.Progress, &progress))
	assert.Equal(t, 2, progress.Enqueued, "only retryable states are requeued")
	assert.Equal(t, 2, progress.Retried)
	assert.Len(t, queue.submits, 2)

	// The requeued reservations are processing again with queue ids recorded.
	for _, uid := range []uint64{1, 2} {
		row, err := reservations.Get(ctx, models.MessageIdentity{AccountID: 1, UID: uid})
		require.NoError(t, err)
		assert.Equal(t, models.StateProcessing, row.State)
		assert.NotNil(t, row.QueueJobID)
	}
	row, err := reservations.Get(ctx, models.MessageIdentity{AccountID: 1, UID: 3})
	require.NoError(t, err)
	assert.Equal(t, models.StateDone, row.State, "done messages are never retried")
}

func TestManagerCancelRunningUnknownJob(t *testing.T) {
	m := newTestManager(t, newTestDB(t), &recordingDispatcher{}, &recordingQueue{})
	assert.False(t, m.CancelRunning("no-such-job"))
}
