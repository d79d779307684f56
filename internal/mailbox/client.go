package mailbox

import (
	"context"
	"fmt"
	"time"

	"invoice-ingest-go/internal/models"
)

// AttachmentInfo describes one attachment without downloading its content.
type AttachmentInfo struct {
	Filename string
	MIMEType string
}

// Summary is the cheap, header-level view of a candidate message. It carries
// everything the discovery heuristics need before any body fetch.
type Summary struct {
	UID         uint64
	Subject     string
	Sender      string
	Date        time.Time
	Attachments []AttachmentInfo
}

// Client is the narrow mail-protocol surface consumed by discovery. A Client
// is bound to one account's inbox and is not safe for concurrent use.
type Client interface {
	// Search returns candidate UIDs in server-reported order.
	Search(ctx context.Context, mode models.SearchMode, window models.SearchWindow) ([]uint64, error)
	// FetchSummaries streams header-level summaries for the given UIDs.
	// The error channel yields at most one error after the summary channel closes.
	FetchSummaries(ctx context.Context, uids []uint64) (<-chan Summary, <-chan error)
	// FetchBodyText downloads and decodes the text body of one message.
	// This is the expensive probe operation budgeted by discovery.
	FetchBodyText(ctx context.Context, uid uint64) (string, error)
	// MarkSeen flags a message as read.
	MarkSeen(ctx context.Context, uid uint64) error
	Close() error
}

// Opener builds a Client for a mail account. Implementations dial on Open;
// callers own the returned Client and must Close it.
type Opener interface {
	Open(ctx context.Context, account models.MailAccount) (Client, error)
}

// ProviderOpener dispatches to the IMAP or Gmail implementation based on the
// account's provider field.
type ProviderOpener struct{}

// Open connects to the account's mailbox.
func (ProviderOpener) Open(ctx context.Context, account models.MailAccount) (Client, error) {
	switch account.Provider {
	case "gmail":
		return NewGmailClient(ctx, account)
	case "imap", "":
		return NewIMAPClient(account)
	default:
		return nil, fmt.Errorf("unknown mail provider %q for account %d", account.Provider, account.ID)
	}
}
