package reservation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"invoice-ingest-go/internal/models"
)

// Outcome classifies the result of a reservation attempt.
type Outcome int

const (
	// Reserved means this caller won the reservation and must enqueue the message.
	Reserved Outcome = iota
	// AlreadyActive means another caller currently holds the reservation.
	// Expected under concurrency, never an error.
	AlreadyActive
	// AlreadyTerminal means the identity finished in a terminal state and was
	// not reclaimed (either permanent, or retryable without retry intent).
	AlreadyTerminal
)

// Result reports the outcome of TryReserve.
type Result struct {
	Outcome Outcome
	// PriorState is set for AlreadyActive/AlreadyTerminal, and for a Reserved
	// outcome that reclaimed an existing terminal row.
	PriorState models.ReservationState
	// Retried is true when Reserved reclaimed a retryable terminal row.
	Retried bool
}

// ErrNotProcessing is returned by Complete when the reservation is not
// currently processing; the attempted transition is illegal.
var ErrNotProcessing = errors.New("reservation is not in processing state")

// ErrNotRetryable is returned by ForceRequeue for states that do not permit
// a forced re-queue.
var ErrNotRetryable = errors.New("reservation is not in a retryable terminal state")

// Store is the durable reservation ledger. All mutations are conditional
// writes so concurrent callers racing on the same identity resolve to
// exactly one winner.
type Store struct {
	db *gorm.DB
}

// NewStore creates a reservation store on the given database.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// reopenableStates returns the terminal states a new reservation may replace.
// A cancelled identity is always free again; the retryable skip states are
// reclaimed only under explicit retry intent.
func reopenableStates(allowRetry bool) []models.ReservationState {
	states := []models.ReservationState{models.StateCancelled}
	if allowRetry {
		states = append(states, models.RetryableStates...)
	}
	return states
}

// TryReserve atomically claims a message identity for processing. It succeeds
// when no row exists, when the existing row is cancelled, or (with allowRetry)
// when the existing row is in a retryable terminal state. Exactly one of N
// concurrent callers gets Reserved; the rest observe AlreadyActive or
// AlreadyTerminal.
func (s *Store) TryReserve(ctx context.Context, id models.MessageIdentity, owner string, kind models.JobKind, allowRetry bool) (Result, error) {
	row := models.Reservation{
		AccountID:  id.AccountID,
		UID:        id.UID,
		State:      models.StateProcessing,
		OwnerEmail: owner,
		JobKind:    kind,
	}

	err := s.db.WithContext(ctx).Create(&row).Error
	if err == nil {
		return Result{Outcome: Reserved}, nil
	}
	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		return Result{}, fmt.Errorf("failed to insert reservation: %w", err)
	}

	// A row already exists. Read its state, then attempt a conditional
	// takeover from that exact state when it is reopenable; RowsAffected
	// tells us whether we won the race.
	var existing models.Reservation
	if err := s.db.WithContext(ctx).
		Where("account_id = ? AND uid = ?", id.AccountID, id.UID).
		First(&existing).Error; err != nil {
		return Result{}, fmt.Errorf("failed to read existing reservation: %w", err)
	}

	reopenable := false
	for _, state := range reopenableStates(allowRetry) {
		if existing.State == state {
			reopenable = true
			break
		}
	}
	if reopenable {
		res := s.db.WithContext(ctx).Model(&models.Reservation{}).
			Where("account_id = ? AND uid = ? AND state = ?", id.AccountID, id.UID, existing.State).
			Updates(map[string]interface{}{
				"state":        models.StateProcessing,
				"owner_email":  owner,
				"job_kind":     kind,
				"queue_job_id": nil,
				"error_msg":    "",
			})
		if res.Error != nil {
			return Result{}, fmt.Errorf("failed to reclaim reservation: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			return Result{
				Outcome:    Reserved,
				PriorState: existing.State,
				Retried:    existing.State.IsRetryable(),
			}, nil
		}
		// Lost the takeover race; re-read to classify the winner's state.
		if err := s.db.WithContext(ctx).
			Where("account_id = ? AND uid = ?", id.AccountID, id.UID).
			First(&existing).Error; err != nil {
			return Result{}, fmt.Errorf("failed to read existing reservation: %w", err)
		}
	}

	if existing.State == models.StateProcessing {
		return Result{Outcome: AlreadyActive, PriorState: existing.State}, nil
	}
	return Result{Outcome: AlreadyTerminal, PriorState: existing.State}, nil
}

// Complete transitions a processing reservation into a final state. The
// transition is conditional on the row still being in processing; anything
// else is an illegal transition and returns ErrNotProcessing. This is also
// what makes completion win a cancellation race.
func (s *Store) Complete(ctx context.Context, id models.MessageIdentity, final models.ReservationState, errMsg string) error {
	res := s.db.WithContext(ctx).Model(&models.Reservation{}).
		Where("account_id = ? AND uid = ? AND state = ?", id.AccountID, id.UID, models.StateProcessing).
		Updates(map[string]interface{}{
			"state":     final,
			"error_msg": errMsg,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to complete reservation: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotProcessing
	}
	return nil
}

// SetQueueJobID records the queue handle for a freshly reserved identity.
func (s *Store) SetQueueJobID(ctx context.Context, id models.MessageIdentity, queueJobID string) error {
	res := s.db.WithContext(ctx).Model(&models.Reservation{}).
		Where("account_id = ? AND uid = ?", id.AccountID, id.UID).
		Update("queue_job_id", queueJobID)
	if res.Error != nil {
		return fmt.Errorf("failed to set queue job id: %w", res.Error)
	}
	return nil
}

// ForceRequeue transitions a retryable terminal reservation back to
// processing so it can be resubmitted. Only legal from the retryable states.
func (s *Store) ForceRequeue(ctx context.Context, id models.MessageIdentity, kind models.JobKind) error {
	res := s.db.WithContext(ctx).Model(&models.Reservation{}).
		Where("account_id = ? AND uid = ? AND state IN ?", id.AccountID, id.UID, models.RetryableStates).
		Updates(map[string]interface{}{
			"state":        models.StateProcessing,
			"job_kind":     kind,
			"queue_job_id": nil,
			"error_msg":    "",
		})
	if res.Error != nil {
		return fmt.Errorf("failed to force requeue: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotRetryable
	}
	return nil
}

// ListRetryable returns the reservations of an owner that are currently in a
// retryable terminal state, oldest first.
func (s *Store) ListRetryable(ctx context.Context, owner string) ([]models.Reservation, error) {
	var rows []models.Reservation
	err := s.db.WithContext(ctx).
		Where("owner_email = ? AND state IN ?", owner, models.RetryableStates).
		Order("updated_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list retryable reservations: %w", err)
	}
	return rows, nil
}

// ListStaleProcessing returns processing reservations older than the given
// threshold. Stale rows are surfaced for operator-driven recovery; they are
// never silently reused after a restart.
func (s *Store) ListStaleProcessing(ctx context.Context, olderThan time.Duration) ([]models.Reservation, error) {
	cutoff := time.Now().Add(-olderThan)
	var rows []models.Reservation
	err := s.db.WithContext(ctx).
		Where("state = ? AND updated_at < ?", models.StateProcessing, cutoff).
		Order("updated_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list stale reservations: %w", err)
	}
	return rows, nil
}

// Get returns the reservation for an identity, or gorm.ErrRecordNotFound.
func (s *Store) Get(ctx context.Context, id models.MessageIdentity) (*models.Reservation, error) {
	var row models.Reservation
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND uid = ?", id.AccountID, id.UID).
		First(&row).Error
	if err != nil {
		return nil, err
	}
	return &row, nil
}
