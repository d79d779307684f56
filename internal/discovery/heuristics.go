package discovery

import (
	"path/filepath"
	"strings"

	"invoice-ingest-go/internal/mailbox"
	"invoice-ingest-go/internal/models"
)

// Verdict is the outcome of classifying a candidate message.
type Verdict int

const (
	// Reject means the message is not an invoice candidate.
	Reject Verdict = iota
	// Accept means header signals are sufficient to dispatch the message.
	Accept
	// Inconclusive means only a body probe can settle the question.
	Inconclusive
)

// Classifier decides whether a candidate message carries an invoice. It is
// the seam for the externally supplied subject/sender/attachment heuristics.
type Classifier interface {
	// Classify judges a message from header-level signals alone.
	Classify(summary mailbox.Summary) (Verdict, models.DocumentKind, string)
	// ClassifyBody judges the fetched body of an inconclusive message,
	// looking for link-style invoices.
	ClassifyBody(body string) bool
}

// Heuristics is the default classifier: subject keywords, billing-looking
// senders and structured attachment types.
type Heuristics struct{}

var subjectKeywords = []string{
	"invoice", "rechnung", "facture", "factura", "fattura",
	"receipt", "bill", "billing", "statement", "payment due",
}

var senderHints = []string{
	"invoice", "billing", "rechnung", "accounting", "payments", "no-reply",
}

var bodyLinkHints = []string{
	"view your invoice", "download invoice", "invoice is ready",
	"view invoice", "download your receipt", "rechnung herunterladen",
}

// Classify judges a message from its headers and attachment listing.
func (Heuristics) Classify(summary mailbox.Summary) (Verdict, models.DocumentKind, string) {
	subjectHit := containsAny(strings.ToLower(summary.Subject), subjectKeywords)

	// Structured attachments win outright when paired with any invoice signal.
	for _, att := range summary.Attachments {
		kind, ok := attachmentKind(att)
		if !ok {
			continue
		}
		if subjectHit || senderLooksBilling(summary.Sender) || kind == models.DocXML {
			return Accept, kind, att.Filename
		}
	}

	if subjectHit {
		// Invoice-looking subject with no usable attachment: the document is
		// probably behind a link in the body.
		return Inconclusive, models.DocLink, ""
	}

	if senderLooksBilling(summary.Sender) {
		return Inconclusive, models.DocLink, ""
	}

	return Reject, "", ""
}

// ClassifyBody reports whether the fetched body carries a link-style invoice.
func (Heuristics) ClassifyBody(body string) bool {
	return containsAny(strings.ToLower(body), bodyLinkHints)
}

// attachmentKind maps an attachment to a document kind by extension and MIME type.
func attachmentKind(att mailbox.AttachmentInfo) (models.DocumentKind, bool) {
	ext := strings.ToLower(filepath.Ext(att.Filename))
	switch ext {
	case ".xml":
		return models.DocXML, true
	case ".pdf":
		return models.DocPDF, true
	case ".png", ".jpg", ".jpeg", ".tif", ".tiff", ".webp":
		return models.DocImage, true
	}

	switch {
	case strings.Contains(att.MIMEType, "xml"):
		return models.DocXML, true
	case strings.Contains(att.MIMEType, "pdf"):
		return models.DocPDF, true
	case strings.HasPrefix(att.MIMEType, "image/"):
		return models.DocImage, true
	}
	return "", false
}

func senderLooksBilling(sender string) bool {
	return containsAny(strings.ToLower(sender), senderHints)
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
