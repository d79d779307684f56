package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"invoice-ingest-go/internal/models"
)

// ErrNotFound is returned when no job matches the given id.
var ErrNotFound = errors.New("async job not found")

// Store is the durable AsyncJob table. Claiming a job is a conditional
// update on its status, the same compare-and-set shape as a message
// reservation, so two polling workers can never both run one job.
type Store struct {
	db *gorm.DB
}

// NewStore creates a job store on the given database.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Enqueue creates a queued job record.
func (s *Store) Enqueue(ctx context.Context, kind models.AsyncJobKind, owner string, params models.JobParams) (*models.AsyncJob, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job params: %w", err)
	}

	job := models.AsyncJob{
		ID:         uuid.NewString(),
		Kind:       kind,
		OwnerEmail: owner,
		Params:     datatypes.JSON(raw),
		Status:     models.JobQueued,
	}
	if err := s.db.WithContext(ctx).Create(&job).Error; err != nil {
		return nil, fmt.Errorf("failed to create async job: %w", err)
	}
	return &job, nil
}

// Get returns one job by id.
func (s *Store) Get(ctx context.Context, id string) (*models.AsyncJob, error) {
	var job models.AsyncJob
	err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get async job %s: %w", id, err)
	}
	return &job, nil
}

// ClaimOldest atomically claims the oldest queued job. Returns nil without
// error when there is nothing to claim or another worker won the race.
func (s *Store) ClaimOldest(ctx context.Context) (*models.AsyncJob, error) {
	var job models.AsyncJob
	err := s.db.WithContext(ctx).
		Where("status = ?", models.JobQueued).
		Order("created_at ASC").
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find queued job: %w", err)
	}

	now := time.Now()
	res := s.db.WithContext(ctx).Model(&models.AsyncJob{}).
		Where("id = ? AND status = ?", job.ID, models.JobQueued).
		Updates(map[string]interface{}{
			"status":     models.JobRunning,
			"started_at": now,
			"attempts":   gorm.Expr("attempts + 1"),
		})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to claim job: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		// Another worker claimed it first.
		return nil, nil
	}

	job.Status = models.JobRunning
	job.StartedAt = &now
	job.Attempts++
	return &job, nil
}

// Finish records a terminal status with the final dispatch summary.
func (s *Store) Finish(ctx context.Context, id string, status models.AsyncJobStatus, lastError string, progress models.DispatchSummary) error {
	raw, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("failed to marshal progress: %w", err)
	}

	res := s.db.WithContext(ctx).Model(&models.AsyncJob{}).
		Where("id = ? AND status = ?", id, models.JobRunning).
		Updates(map[string]interface{}{
			"status":      status,
			"last_error":  lastError,
			"progress":    datatypes.JSON(raw),
			"finished_at": time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to finish job: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("job %s is not running, cannot finish", id)
	}
	return nil
}

// CancelQueued cancels a job that has not started yet. Returns false when
// the job already left the queued state.
func (s *Store) CancelQueued(ctx context.Context, id string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.AsyncJob{}).
		Where("id = ? AND status = ?", id, models.JobQueued).
		Updates(map[string]interface{}{
			"status":      models.JobCancelled,
			"finished_at": time.Now(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to cancel queued job: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ListActiveByOwner returns an owner's queued and running jobs.
func (s *Store) ListActiveByOwner(ctx context.Context, owner string) ([]models.AsyncJob, error) {
	var rows []models.AsyncJob
	err := s.db.WithContext(ctx).
		Where("owner_email = ? AND status IN ?", owner, []models.AsyncJobStatus{models.JobQueued, models.JobRunning}).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list active jobs: %w", err)
	}
	return rows, nil
}

// ReapStale requeues jobs stuck in running longer than olderThan, failing
// those that already burned maxAttempts claims. Recovers jobs orphaned by a
// crashed worker.
func (s *Store) ReapStale(ctx context.Context, olderThan time.Duration, maxAttempts int) (requeued, failed int, err error) {
	cutoff := time.Now().Add(-olderThan)

	var stale []models.AsyncJob
	if err := s.db.WithContext(ctx).
		Where("status = ? AND started_at < ?", models.JobRunning, cutoff).
		Find(&stale).Error; err != nil {
		return 0, 0, fmt.Errorf("failed to list stale jobs: %w", err)
	}

	for _, job := range stale {
		if job.Attempts >= maxAttempts {
			res := s.db.WithContext(ctx).Model(&models.AsyncJob{}).
				Where("id = ? AND status = ?", job.ID, models.JobRunning).
				Updates(map[string]interface{}{
					"status":      models.JobFailed,
					"last_error":  "abandoned after repeated stale claims",
					"finished_at": time.Now(),
				})
			if res.Error == nil && res.RowsAffected == 1 {
				failed++
			}
			continue
		}

		res := s.db.WithContext(ctx).Model(&models.AsyncJob{}).
			Where("id = ? AND status = ?", job.ID, models.JobRunning).
			Update("status", models.JobQueued)
		if res.Error == nil && res.RowsAffected == 1 {
			requeued++
		}
	}
	return requeued, failed, nil
}
