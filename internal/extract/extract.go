// Package extract declares the seams to the extraction side of the system.
// The parsers themselves (native structured parsing, AI-vision fallback) and
// the entitlement service live outside this engine; queue workers consume
// them through these interfaces.
package extract

import (
	"context"

	"invoice-ingest-go/internal/models"
)

// Result is the opaque outcome of one extraction.
type Result struct {
	InvoiceID string
	Native    bool
}

// Pipeline turns a message descriptor into an extracted invoice record.
type Pipeline interface {
	Submit(ctx context.Context, desc models.MessageDescriptor) (Result, error)
}

// Decision is the entitlement verdict for one extraction attempt.
type Decision int

const (
	// DecisionAllow permits the extraction.
	DecisionAllow Decision = iota
	// DecisionDeny blocks it; the reservation parks in skipped_ai_limit.
	DecisionDeny
	// DecisionDenyUnread blocks it while the message stays unread, so an
	// unseen-only run will surface it again; parks in skipped_ai_limit_unread.
	DecisionDenyUnread
)

// Entitlement is consulted before any AI-vision extraction. Quota exhaustion
// is not an error: it yields a retryable skip state that an explicit retry
// run can reclaim.
type Entitlement interface {
	Check(ctx context.Context, owner string, kind models.DocumentKind) (Decision, error)
}

// Unlimited grants every extraction attempt. It stands in until a real
// entitlement service is wired at deployment.
type Unlimited struct{}

func (Unlimited) Check(ctx context.Context, owner string, kind models.DocumentKind) (Decision, error) {
	return DecisionAllow, nil
}

// NopPipeline acknowledges descriptors without extracting anything. It is
// the deployment seam default; a real parser pipeline replaces it.
type NopPipeline struct{}

func (NopPipeline) Submit(ctx context.Context, desc models.MessageDescriptor) (Result, error) {
	return Result{}, nil
}
