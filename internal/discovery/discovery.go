package discovery

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"invoice-ingest-go/internal/mailbox"
	"invoice-ingest-go/internal/metrics"
	"invoice-ingest-go/internal/models"
)

// ErrCandidatesTruncated is sent on the error channel after a stream that cut
// its candidate list to the per-run UID window. The stream itself is complete
// and valid; the consumer decides how to account for the truncation.
var ErrCandidatesTruncated = errors.New("candidate list truncated to the per-run uid window")

// Engine walks one mailbox per call and streams eligible message descriptors.
// It holds no per-account state between calls: the same account/mode/window
// can be walked again on the next run.
type Engine struct {
	opener      mailbox.Opener
	classifier  Classifier
	batchSize   int
	probeBudget int
	metrics     *metrics.Metrics
}

// NewEngine creates a discovery engine. batchSize bounds how many summaries
// are fetched per round trip; probeBudget caps body fetches per stream.
func NewEngine(opener mailbox.Opener, classifier Classifier, batchSize, probeBudget int, m *metrics.Metrics) *Engine {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Engine{
		opener:      opener,
		classifier:  classifier,
		batchSize:   batchSize,
		probeBudget: probeBudget,
		metrics:     m,
	}
}

// Stream opens the account's mailbox and yields eligible descriptors as they
// are classified, so the dispatcher can start reserving before the walk of
// the whole mailbox finishes. At most maxUIDs candidates are considered; when
// the search returned more, ErrCandidatesTruncated follows the completed
// stream. The error channel carries at most one error after the descriptor
// channel closes; per-message fetch problems are logged and skipped.
func (e *Engine) Stream(ctx context.Context, account models.MailAccount, mode models.SearchMode, window models.SearchWindow, maxUIDs int) (<-chan models.MessageDescriptor, <-chan error) {
	out := make(chan models.MessageDescriptor)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		client, err := e.opener.Open(ctx, account)
		if err != nil {
			errc <- fmt.Errorf("failed to open mailbox for account %d: %w", account.ID, err)
			return
		}
		defer client.Close()

		uids, err := client.Search(ctx, mode, window)
		if err != nil {
			errc <- fmt.Errorf("search failed for account %d: %w", account.ID, err)
			return
		}
		truncated := false
		if maxUIDs > 0 && len(uids) > maxUIDs {
			uids = uids[:maxUIDs]
			truncated = true
		}
		if len(uids) == 0 {
			return
		}

		logrus.Debugf("Account %d: %d candidate messages after search", account.ID, len(uids))

		probesLeft := e.probeBudget
		for start := 0; start < len(uids); start += e.batchSize {
			if err := ctx.Err(); err != nil {
				errc <- err
				return
			}
			end := start + e.batchSize
			if end > len(uids) {
				end = len(uids)
			}

			summaries, ferrc := client.FetchSummaries(ctx, uids[start:end])
			for summary := range summaries {
				if e.metrics != nil {
					e.metrics.DiscoveryCandidates.Inc()
				}

				desc, ok := e.classify(ctx, client, account, summary, &probesLeft)
				if !ok {
					continue
				}

				select {
				case out <- desc:
				case <-ctx.Done():
					errc <- ctx.Err()
					return
				}
			}
			if err := <-ferrc; err != nil {
				errc <- fmt.Errorf("fetch failed for account %d: %w", account.ID, err)
				return
			}
		}
		if truncated {
			errc <- ErrCandidatesTruncated
		}
	}()

	return out, errc
}

// classify runs the header heuristics and, within the probe budget, the body
// probe for inconclusive candidates. Once the budget is spent, inconclusive
// candidates are skipped rather than probed.
func (e *Engine) classify(ctx context.Context, client mailbox.Client, account models.MailAccount, summary mailbox.Summary, probesLeft *int) (models.MessageDescriptor, bool) {
	verdict, kind, attachment := e.classifier.Classify(summary)

	switch verdict {
	case Reject:
		return models.MessageDescriptor{}, false
	case Inconclusive:
		if *probesLeft <= 0 {
			logrus.Debugf("Body-probe budget exhausted, skipping message %d of account %d", summary.UID, account.ID)
			return models.MessageDescriptor{}, false
		}
		*probesLeft--
		if e.metrics != nil {
			e.metrics.BodyProbes.Inc()
		}

		body, err := client.FetchBodyText(ctx, summary.UID)
		if err != nil {
			logrus.Warnf("Body probe failed for message %d of account %d: %v", summary.UID, account.ID, err)
			return models.MessageDescriptor{}, false
		}
		if !e.classifier.ClassifyBody(body) {
			return models.MessageDescriptor{}, false
		}
		kind = models.DocLink
	}

	return models.MessageDescriptor{
		AccountID:      account.ID,
		UID:            summary.UID,
		OwnerEmail:     account.OwnerEmail,
		Subject:        summary.Subject,
		Sender:         summary.Sender,
		Date:           summary.Date,
		DocKind:        kind,
		AttachmentName: attachment,
	}, true
}
