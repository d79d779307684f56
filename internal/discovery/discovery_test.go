package discovery

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"invoice-ingest-go/internal/mailbox"
	"invoice-ingest-go/internal/models"
)

// fakeClient serves a fixed mailbox and records body probes.
type fakeClient struct {
	summaries  map[uint64]mailbox.Summary
	bodies     map[uint64]string
	searchErr  error
	bodyProbes int
	closed     bool
}

func (c *fakeClient) Search(ctx context.Context, mode models.SearchMode, window models.SearchWindow) ([]uint64, error) {
	if c.searchErr != nil {
		return nil, c.searchErr
	}
	uids := make([]uint64, 0, len(c.summaries))
	// Deterministic ascending order, the way a server reports UIDs.
	for uid := uint64(1); len(uids) < len(c.summaries); uid++ {
		if _, ok := c.summaries[uid]; ok {
			uids = append(uids, uid)
		}
	}
	return uids, nil
}

func (c *fakeClient) FetchSummaries(ctx context.Context, uids []uint64) (<-chan mailbox.Summary, <-chan error) {
	out := make(chan mailbox.Summary)
	errc := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errc)
		for _, uid := range uids {
			if summary, ok := c.summaries[uid]; ok {
				out <- summary
			}
		}
	}()
	return out, errc
}

func (c *fakeClient) FetchBodyText(ctx context.Context, uid uint64) (string, error) {
	c.bodyProbes++
	body, ok := c.bodies[uid]
	if !ok {
		return "", fmt.Errorf("no body for uid %d", uid)
	}
	return body, nil
}

func (c *fakeClient) MarkSeen(ctx context.Context, uid uint64) error { return nil }

func (c *fakeClient) Close() error {
	c.closed = true
	return nil
}

type fakeOpener struct {
	client  *fakeClient
	openErr error
}

func (o *fakeOpener) Open(ctx context.Context, account models.MailAccount) (mailbox.Client, error) {
	if o.openErr != nil {
		return nil, o.openErr
	}
	return o.client, nil
}

func invoiceSummary(uid uint64) mailbox.Summary {
	return mailbox.Summary{
		UID:         uid,
		Subject:     fmt.Sprintf("Invoice %d", uid),
		Sender:      "billing@vendor.example",
		Attachments: []mailbox.AttachmentInfo{{Filename: "invoice.pdf", MIMEType: "application/pdf"}},
	}
}

func linkOnlySummary(uid uint64) mailbox.Summary {
	return mailbox.Summary{
		UID:     uid,
		Subject: fmt.Sprintf("Invoice %d is ready", uid),
		Sender:  "shop@example.com",
	}
}

func drain(t *testing.T, out <-chan models.MessageDescriptor, errc <-chan error) ([]models.MessageDescriptor, error) {
	t.Helper()
	var descs []models.MessageDescriptor
	for desc := range out {
		descs = append(descs, desc)
	}
	return descs, <-errc
}

func testAccount() models.MailAccount {
	return models.MailAccount{ID: 1, OwnerEmail: "owner@example.com", Provider: "imap"}
}

func TestStreamYieldsAcceptedMessages(t *testing.T) {
	client := &fakeClient{summaries: map[uint64]mailbox.Summary{
		1: invoiceSummary(1),
		2: {UID: 2, Subject: "lunch?", Sender: "colleague@example.com"},
		3: invoiceSummary(3),
	}}
	engine := NewEngine(&fakeOpener{client: client}, Heuristics{}, 50, 5, nil)

	out, errc := engine.Stream(context.Background(), testAccount(), models.SearchUnseen, models.SearchWindow{}, 0)
	descs, err := drain(t, out, errc)
	require.NoError(t, err)

	require.Len(t, descs, 2)
	assert.Equal(t, uint64(1), descs[0].UID)
	assert.Equal(t, uint64(3), descs[1].UID)
	assert.Equal(t, models.DocPDF, descs[0].DocKind)
	assert.Equal(t, "owner@example.com", descs[0].OwnerEmail)
	assert.Equal(t, "invoice.pdf", descs[0].AttachmentName)
	assert.True(t, client.closed)
	assert.Zero(t, client.bodyProbes, "accepted messages must not trigger body probes")
}

func TestStreamBodyProbeBudget(t *testing.T) {
	// Five inconclusive messages, budget of two probes.
	summaries := make(map[uint64]mailbox.Summary)
	bodies := make(map[uint64]string)
	for uid := uint64(1); uid <= 5; uid++ {
		summaries[uid] = linkOnlySummary(uid)
		bodies[uid] = "please view your invoice at https://pay.example"
	}
	client := &fakeClient{summaries: summaries, bodies: bodies}
	engine := NewEngine(&fakeOpener{client: client}, Heuristics{}, 50, 2, nil)

	out, errc := engine.Stream(context.Background(), testAccount(), models.SearchUnseen, models.SearchWindow{}, 0)
	descs, err := drain(t, out, errc)
	require.NoError(t, err)

	assert.Equal(t, 2, client.bodyProbes, "probes must stop at the budget")
	require.Len(t, descs, 2)
	for _, desc := range descs {
		assert.Equal(t, models.DocLink, desc.DocKind)
	}
}

func TestStreamBodyProbeRejectsPlainMail(t *testing.T) {
	client := &fakeClient{
		summaries: map[uint64]mailbox.Summary{1: linkOnlySummary(1)},
		bodies:    map[uint64]string{1: "thanks for signing up, no money involved"},
	}
	engine := NewEngine(&fakeOpener{client: client}, Heuristics{}, 50, 5, nil)

	out, errc := engine.Stream(context.Background(), testAccount(), models.SearchUnseen, models.SearchWindow{}, 0)
	descs, err := drain(t, out, errc)
	require.NoError(t, err)

	assert.Equal(t, 1, client.bodyProbes)
	assert.Empty(t, descs)
}

func TestStreamMaxUIDsTruncation(t *testing.T) {
	summaries := make(map[uint64]mailbox.Summary)
	for uid := uint64(1); uid <= 10; uid++ {
		summaries[uid] = invoiceSummary(uid)
	}
	client := &fakeClient{summaries: summaries}
	engine := NewEngine(&fakeOpener{client: client}, Heuristics{}, 3, 0, nil)

	out, errc := engine.Stream(context.Background(), testAccount(), models.SearchUnseen, models.SearchWindow{}, 4)
	descs, err := drain(t, out, errc)
	assert.ErrorIs(t, err, ErrCandidatesTruncated)

	require.Len(t, descs, 4)
	assert.Equal(t, uint64(1), descs[0].UID)
	assert.Equal(t, uint64(4), descs[3].UID)
}

func TestStreamNoTruncationSentinelWithinWindow(t *testing.T) {
	summaries := map[uint64]mailbox.Summary{1: invoiceSummary(1), 2: invoiceSummary(2)}
	client := &fakeClient{summaries: summaries}
	engine := NewEngine(&fakeOpener{client: client}, Heuristics{}, 3, 0, nil)

	out, errc := engine.Stream(context.Background(), testAccount(), models.SearchUnseen, models.SearchWindow{}, 4)
	descs, err := drain(t, out, errc)
	require.NoError(t, err)
	assert.Len(t, descs, 2)
}

func TestStreamOpenError(t *testing.T) {
	engine := NewEngine(&fakeOpener{openErr: fmt.Errorf("dial failed")}, Heuristics{}, 50, 5, nil)

	out, errc := engine.Stream(context.Background(), testAccount(), models.SearchUnseen, models.SearchWindow{}, 0)
	descs, err := drain(t, out, errc)

	assert.Empty(t, descs)
	assert.ErrorContains(t, err, "dial failed")
}

func TestStreamSearchError(t *testing.T) {
	client := &fakeClient{searchErr: fmt.Errorf("mailbox gone")}
	engine := NewEngine(&fakeOpener{client: client}, Heuristics{}, 50, 5, nil)

	out, errc := engine.Stream(context.Background(), testAccount(), models.SearchUnseen, models.SearchWindow{}, 0)
	descs, err := drain(t, out, errc)

	assert.Empty(t, descs)
	assert.ErrorContains(t, err, "mailbox gone")
	assert.True(t, client.closed, "client must be closed on search failure")
}
