package mailbox

import (
	"context"
	"fmt"

	"invoice-ingest-go/internal/models"
)

// AccountSource resolves an account id to its stored credentials.
type AccountSource interface {
	Get(ctx context.Context, id uint) (*models.MailAccount, error)
}

// SeenMarker flags processed messages as read in their source mailbox, so the
// next UNSEEN search only returns mail that still needs discovery. Messages
// held back for the owner's attention are deliberately left unread.
type SeenMarker struct {
	accounts AccountSource
	opener   Opener
}

// NewSeenMarker creates a marker that resolves accounts through the given
// source and dials mailboxes through the given opener.
func NewSeenMarker(accounts AccountSource, opener Opener) *SeenMarker {
	return &SeenMarker{accounts: accounts, opener: opener}
}

// MarkSeen opens the message's mailbox and flags it read. Completions arrive
// in no particular account order, so each call dials its own client.
func (s *SeenMarker) MarkSeen(ctx context.Context, desc models.MessageDescriptor) error {
	account, err := s.accounts.Get(ctx, desc.AccountID)
	if err != nil {
		return fmt.Errorf("failed to load account %d: %w", desc.AccountID, err)
	}

	client, err := s.opener.Open(ctx, *account)
	if err != nil {
		return fmt.Errorf("failed to open mailbox for account %d: %w", desc.AccountID, err)
	}
	defer client.Close()

	return client.MarkSeen(ctx, desc.UID)
}
