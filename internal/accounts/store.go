package accounts

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"invoice-ingest-go/internal/models"
)

// ErrNotFound is returned when no account matches the given id.
var ErrNotFound = errors.New("mail account not found")

// Store manages the monitored mailbox records.
type Store struct {
	db *gorm.DB
}

// NewStore creates an account store on the given database.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Create persists a new mailbox record.
func (s *Store) Create(ctx context.Context, account *models.MailAccount) error {
	if err := s.db.WithContext(ctx).Create(account).Error; err != nil {
		return fmt.Errorf("failed to create mail account: %w", err)
	}
	return nil
}

// Get returns one account by id.
func (s *Store) Get(ctx context.Context, id uint) (*models.MailAccount, error) {
	var account models.MailAccount
	err := s.db.WithContext(ctx).First(&account, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mail account %d: %w", id, err)
	}
	return &account, nil
}

// Update persists changes to an existing account.
func (s *Store) Update(ctx context.Context, account *models.MailAccount) error {
	if err := s.db.WithContext(ctx).Save(account).Error; err != nil {
		return fmt.Errorf("failed to update mail account %d: %w", account.ID, err)
	}
	return nil
}

// Delete soft-deletes an account. Its reservation history stays intact.
func (s *Store) Delete(ctx context.Context, id uint) error {
	result := s.db.WithContext(ctx).Delete(&models.MailAccount{}, id)
	if result.Error != nil {
		return fmt.Errorf("failed to delete mail account %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetEnabled flips the enabled flag on an account.
func (s *Store) SetEnabled(ctx context.Context, id uint, enabled bool) error {
	result := s.db.WithContext(ctx).
		Model(&models.MailAccount{}).
		Where("id = ?", id).
		Update("enabled", enabled)
	if result.Error != nil {
		return fmt.Errorf("failed to update mail account %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns all accounts, enabled or not.
func (s *Store) List(ctx context.Context) ([]models.MailAccount, error) {
	var accounts []models.MailAccount
	if err := s.db.WithContext(ctx).Order("id").Find(&accounts).Error; err != nil {
		return nil, fmt.Errorf("failed to list mail accounts: %w", err)
	}
	return accounts, nil
}

// ListEnabled returns the accounts scheduled and manual runs walk.
func (s *Store) ListEnabled(ctx context.Context) ([]models.MailAccount, error) {
	var accounts []models.MailAccount
	err := s.db.WithContext(ctx).
		Where("enabled = ?", true).
		Order("id").
		Find(&accounts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list enabled mail accounts: %w", err)
	}
	return accounts, nil
}

// ListEnabledByOwner returns one owner's enabled accounts.
func (s *Store) ListEnabledByOwner(ctx context.Context, owner string) ([]models.MailAccount, error) {
	var accounts []models.MailAccount
	err := s.db.WithContext(ctx).
		Where("owner_email = ? AND enabled = ?", owner, true).
		Order("id").
		Find(&accounts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list enabled mail accounts for %s: %w", owner, err)
	}
	return accounts, nil
}
