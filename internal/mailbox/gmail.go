package mailbox

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"invoice-ingest-go/internal/models"
)

// GmailClient implements Client over the Gmail REST API. Gmail message ids
// are hex-encoded uint64 values, so they round-trip through the numeric UID
// used as the reservation key.
type GmailClient struct {
	service *gmail.Service
	user    string
}

// NewGmailClient builds a Gmail API client from the account's OAuth2
// refresh token.
func NewGmailClient(ctx context.Context, account models.MailAccount) (*GmailClient, error) {
	oauth2Config := &oauth2.Config{
		ClientID:     account.GmailClientID,
		ClientSecret: account.GmailClientSecret,
		Scopes:       []string{gmail.GmailModifyScope},
		Endpoint:     google.Endpoint,
	}

	token := &oauth2.Token{RefreshToken: account.GmailRefreshToken}
	tokenSource := oauth2Config.TokenSource(ctx, token)

	service, err := gmail.NewService(ctx, option.WithTokenSource(tokenSource))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}

	return &GmailClient{service: service, user: account.Address}, nil
}

// Search lists message ids matching the mode and window.
func (f *GmailClient) Search(ctx context.Context, mode models.SearchMode, window models.SearchWindow) ([]uint64, error) {
	var terms []string
	if mode == models.SearchUnseen {
		terms = append(terms, "is:unread")
	}
	if window.Since != nil {
		terms = append(terms, fmt.Sprintf("after:%d", window.Since.Unix()))
	}
	if window.Until != nil {
		terms = append(terms, fmt.Sprintf("before:%d", window.Until.Unix()))
	}

	call := f.service.Users.Messages.List(f.user).Q(strings.Join(terms, " ")).Context(ctx)

	var uids []uint64
	for {
		response, err := call.Do()
		if err != nil {
			return nil, fmt.Errorf("failed to list messages: %w", err)
		}
		for _, msg := range response.Messages {
			uid, err := strconv.ParseUint(msg.Id, 16, 64)
			if err != nil {
				logrus.Warnf("Skipping Gmail message with non-numeric id %s: %v", msg.Id, err)
				continue
			}
			uids = append(uids, uid)
		}
		if response.NextPageToken == "" {
			break
		}
		call = call.PageToken(response.NextPageToken)
	}
	return uids, nil
}

// FetchSummaries streams header-level summaries for the given message ids.
func (f *GmailClient) FetchSummaries(ctx context.Context, uids []uint64) (<-chan Summary, <-chan error) {
	out := make(chan Summary)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		for _, uid := range uids {
			id := strconv.FormatUint(uid, 16)
			msg, err := f.service.Users.Messages.Get(f.user, id).Format("full").Context(ctx).Do()
			if err != nil {
				if ctx.Err() != nil {
					errc <- ctx.Err()
					return
				}
				logrus.Warnf("Failed to get Gmail message %s: %v", id, err)
				continue
			}

			summary := Summary{
				UID:  uid,
				Date: time.UnixMilli(msg.InternalDate),
			}
			if msg.Payload != nil {
				for _, header := range msg.Payload.Headers {
					switch header.Name {
					case "Subject":
						summary.Subject = header.Value
					case "From":
						summary.Sender = header.Value
					}
				}
				collectGmailAttachments(msg.Payload, &summary.Attachments)
			}

			select {
			case out <- summary:
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
	}()

	return out, errc
}

// collectGmailAttachments walks message parts and records attachments.
func collectGmailAttachments(part *gmail.MessagePart, dst *[]AttachmentInfo) {
	if part.Filename != "" {
		*dst = append(*dst, AttachmentInfo{
			Filename: part.Filename,
			MIMEType: strings.ToLower(part.MimeType),
		})
	}
	for _, sub := range part.Parts {
		collectGmailAttachments(sub, dst)
	}
}

// FetchBodyText downloads one message and extracts its text content.
func (f *GmailClient) FetchBodyText(ctx context.Context, uid uint64) (string, error) {
	id := strconv.FormatUint(uid, 16)
	msg, err := f.service.Users.Messages.Get(f.user, id).Format("full").Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("failed to get message: %w", err)
	}

	var plain, html string
	if msg.Payload != nil {
		collectGmailText(msg.Payload, &plain, &html)
	}
	if plain != "" {
		return plain, nil
	}
	return html, nil
}

// collectGmailText recursively decodes text parts of a message payload.
func collectGmailText(part *gmail.MessagePart, plain, html *string) {
	if part.Body != nil && part.Body.Data != "" {
		data, err := base64.URLEncoding.DecodeString(part.Body.Data)
		if err == nil {
			switch part.MimeType {
			case "text/plain":
				*plain = string(data)
			case "text/html":
				*html = string(data)
			}
		}
	}
	for _, sub := range part.Parts {
		collectGmailText(sub, plain, html)
	}
}

// MarkSeen removes the UNREAD label from a message.
func (f *GmailClient) MarkSeen(ctx context.Context, uid uint64) error {
	id := strconv.FormatUint(uid, 16)
	_, err := f.service.Users.Messages.Modify(f.user, id, &gmail.ModifyMessageRequest{
		RemoveLabelIds: []string{"UNREAD"},
	}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to mark message read: %w", err)
	}
	return nil
}

// Close is a no-op; the Gmail API service holds no connection state.
func (f *GmailClient) Close() error {
	return nil
}
