package mailbox

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message"
	"github.com/sirupsen/logrus"

	"invoice-ingest-go/internal/models"
)

// IMAPClient implements Client over a live IMAP connection.
type IMAPClient struct {
	client  *client.Client
	account models.MailAccount
}

// NewIMAPClient connects and logs in to the account's IMAP server.
func NewIMAPClient(account models.MailAccount) (*IMAPClient, error) {
	c, err := client.DialTLS(fmt.Sprintf("%s:%d", account.IMAPHost, account.IMAPPort), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to IMAP server: %w", err)
	}

	if err := c.Login(account.IMAPUser, account.IMAPPassword); err != nil {
		c.Logout()
		return nil, fmt.Errorf("failed to login to IMAP server: %w", err)
	}

	return &IMAPClient{client: c, account: account}, nil
}

// Search returns candidate UIDs from INBOX in server-reported order.
func (f *IMAPClient) Search(ctx context.Context, mode models.SearchMode, window models.SearchWindow) ([]uint64, error) {
	if _, err := f.client.Select("INBOX", false); err != nil {
		return nil, fmt.Errorf("failed to select INBOX: %w", err)
	}

	criteria := imap.NewSearchCriteria()
	if mode == models.SearchUnseen {
		criteria.WithoutFlags = []string{imap.SeenFlag}
	}
	if window.Since != nil {
		criteria.Since = *window.Since
	}
	if window.Until != nil {
		criteria.Before = *window.Until
	}

	uids, err := f.client.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}

	out := make([]uint64, len(uids))
	for i, uid := range uids {
		out[i] = uint64(uid)
	}
	return out, nil
}

// FetchSummaries streams envelope and body-structure data for the given UIDs.
func (f *IMAPClient) FetchSummaries(ctx context.Context, uids []uint64) (<-chan Summary, <-chan error) {
	out := make(chan Summary)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		if len(uids) == 0 {
			return
		}

		seqset := new(imap.SeqSet)
		for _, uid := range uids {
			seqset.AddNum(uint32(uid))
		}

		items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchBodyStructure, imap.FetchUid}
		messages := make(chan *imap.Message, len(uids))
		done := make(chan error, 1)

		go func() {
			done <- f.client.UidFetch(seqset, items, messages)
		}()

		for msg := range messages {
			summary, err := summarizeIMAPMessage(msg)
			if err != nil {
				logrus.Warnf("Failed to summarize IMAP message %d: %v", msg.Uid, err)
				continue
			}
			select {
			case out <- summary:
			case <-ctx.Done():
				// Drain so the fetch goroutine can finish.
				for range messages {
				}
				<-done
				errc <- ctx.Err()
				return
			}
		}

		if err := <-done; err != nil {
			errc <- fmt.Errorf("failed to fetch messages: %w", err)
		}
	}()

	return out, errc
}

// summarizeIMAPMessage converts a fetched IMAP message into a Summary.
func summarizeIMAPMessage(msg *imap.Message) (Summary, error) {
	summary := Summary{UID: uint64(msg.Uid)}

	if msg.Envelope != nil {
		summary.Subject = msg.Envelope.Subject
		summary.Date = msg.Envelope.Date
		if len(msg.Envelope.From) > 0 {
			summary.Sender = msg.Envelope.From[0].Address()
		}
	}

	if msg.BodyStructure != nil {
		collectAttachments(msg.BodyStructure, &summary.Attachments)
	}

	return summary, nil
}

// collectAttachments walks a body structure and records attachment parts.
func collectAttachments(bs *imap.BodyStructure, dst *[]AttachmentInfo) {
	if bs == nil {
		return
	}

	filename := ""
	if bs.DispositionParams != nil {
		filename = bs.DispositionParams["filename"]
	}
	if filename == "" && bs.Params != nil {
		filename = bs.Params["name"]
	}
	if filename != "" || strings.EqualFold(bs.Disposition, "attachment") {
		*dst = append(*dst, AttachmentInfo{
			Filename: filename,
			MIMEType: strings.ToLower(bs.MIMEType + "/" + bs.MIMESubType),
		})
	}

	for _, part := range bs.Parts {
		collectAttachments(part, dst)
	}
}

// FetchBodyText downloads one message body and extracts its text content.
func (f *IMAPClient) FetchBodyText(ctx context.Context, uid uint64) (string, error) {
	seqset := new(imap.SeqSet)
	seqset.AddNum(uint32(uid))

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{section.FetchItem()}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)

	go func() {
		done <- f.client.UidFetch(seqset, items, messages)
	}()

	var body string
	for msg := range messages {
		r := msg.GetBody(section)
		if r == nil {
			continue
		}
		text, err := extractText(r)
		if err != nil {
			logrus.Warnf("Failed to parse body of message %d: %v", uid, err)
			continue
		}
		body = text
	}

	if err := <-done; err != nil {
		return "", fmt.Errorf("failed to fetch message body: %w", err)
	}
	return body, nil
}

// extractText reads a MIME entity and returns its plain-text content,
// falling back to HTML when no text part exists.
func extractText(r io.Reader) (string, error) {
	entity, err := message.Read(r)
	if err != nil {
		return "", fmt.Errorf("failed to read message: %w", err)
	}

	var plain, html string

	if mr := entity.MultipartReader(); mr != nil {
		for {
			p, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				return "", fmt.Errorf("failed to read part: %w", err)
			}

			content, err := io.ReadAll(p.Body)
			if err != nil {
				return "", fmt.Errorf("failed to read part body: %w", err)
			}

			contentType := p.Header.Get("Content-Type")
			if strings.Contains(contentType, "text/plain") {
				plain = string(content)
			} else if strings.Contains(contentType, "text/html") {
				html = string(content)
			}
		}
	} else {
		content, err := io.ReadAll(entity.Body)
		if err != nil {
			return "", fmt.Errorf("failed to read message body: %w", err)
		}

		contentType := entity.Header.Get("Content-Type")
		if strings.Contains(contentType, "text/html") {
			html = string(content)
		} else {
			plain = string(content)
		}
	}

	if plain != "" {
		return plain, nil
	}
	return html, nil
}

// MarkSeen flags a message as read.
func (f *IMAPClient) MarkSeen(ctx context.Context, uid uint64) error {
	seqset := new(imap.SeqSet)
	seqset.AddNum(uint32(uid))

	item := imap.FormatFlagsOp(imap.AddFlags, true)
	flags := []interface{}{imap.SeenFlag}
	if err := f.client.UidStore(seqset, item, flags, nil); err != nil {
		return fmt.Errorf("failed to mark message seen: %w", err)
	}
	return nil
}

// Close logs out of the IMAP session.
func (f *IMAPClient) Close() error {
	return f.client.Logout()
}
