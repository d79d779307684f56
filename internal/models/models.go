package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// SearchMode selects how a mailbox is walked during discovery.
type SearchMode string

const (
	// SearchUnseen walks only unread mail (scheduled/manual runs).
	SearchUnseen SearchMode = "UNSEEN"
	// SearchAll revisits history (range/full_sync runs).
	SearchAll SearchMode = "ALL"
)

// JobKind identifies which entry point produced a piece of work.
type JobKind string

const (
	JobKindManual       JobKind = "manual"
	JobKindScheduled    JobKind = "scheduled"
	JobKindRange        JobKind = "range"
	JobKindFullSync     JobKind = "full_sync"
	JobKindRetrySkipped JobKind = "retry_skipped"
)

// AllowsRetry reports whether a job kind may reclaim reservations in a
// retryable terminal state. Only an explicit retry run does.
func (k JobKind) AllowsRetry() bool {
	return k == JobKindRetrySkipped
}

// ReservationState is the processing state of a single message identity.
type ReservationState string

const (
	StateProcessing           ReservationState = "processing"
	StateDone                 ReservationState = "done"
	StateFailed               ReservationState = "failed"
	StateSkippedAILimit       ReservationState = "skipped_ai_limit"
	StateSkippedAILimitUnread ReservationState = "skipped_ai_limit_unread"
	StateRetryRequested       ReservationState = "retry_requested"
	StateCancelled            ReservationState = "cancelled"
)

// RetryableStates are the terminal states that permit re-reservation under
// explicit retry intent.
var RetryableStates = []ReservationState{
	StateSkippedAILimit,
	StateSkippedAILimitUnread,
	StateRetryRequested,
}

// IsRetryable reports whether the state permits a future re-reservation
// when the caller explicitly requests retries.
func (s ReservationState) IsRetryable() bool {
	for _, r := range RetryableStates {
		if s == r {
			return true
		}
	}
	return false
}

// MessageIdentity is the composite reservation key for one mail message.
// IMAP UIDs are stable per mailbox; the pair is never reused.
type MessageIdentity struct {
	AccountID uint
	UID       uint64
}

// MailAccount represents a monitored mailbox in the database.
type MailAccount struct {
	ID         uint   `json:"id" gorm:"primaryKey;autoIncrement"`
	OwnerEmail string `json:"owner_email" gorm:"type:varchar(255);not null;index"`
	Address    string `json:"address" gorm:"type:varchar(255);not null;uniqueIndex"`
	Provider   string `json:"provider" gorm:"type:varchar(20);not null;default:imap"` // imap, gmail

	IMAPHost     string `json:"imap_host" gorm:"type:varchar(255)"`
	IMAPPort     int    `json:"imap_port"`
	IMAPUser     string `json:"-" gorm:"type:varchar(255)"`
	IMAPPassword string `json:"-" gorm:"type:varchar(255)"`

	GmailClientID     string `json:"-" gorm:"type:varchar(255)"`
	GmailClientSecret string `json:"-" gorm:"type:varchar(255)"`
	GmailRefreshToken string `json:"-" gorm:"type:text"`

	Enabled   bool           `json:"enabled" gorm:"default:true"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}

// TableName specifies the table name for MailAccount
func (MailAccount) TableName() string {
	return "mail_accounts"
}

// Reservation is the durable dedup ledger entry for one message identity.
// Rows are never deleted; a done or non-retryable failed row permanently
// blocks re-dispatch of that identity.
type Reservation struct {
	ID         uint             `json:"id" gorm:"primaryKey;autoIncrement"`
	AccountID  uint             `json:"account_id" gorm:"not null;uniqueIndex:ux_reservations_identity,priority:1"`
	UID        uint64           `json:"uid" gorm:"not null;uniqueIndex:ux_reservations_identity,priority:2"`
	State      ReservationState `json:"state" gorm:"type:varchar(40);not null;index"`
	OwnerEmail string           `json:"owner_email" gorm:"type:varchar(255);not null;index"`
	JobKind    JobKind          `json:"job_kind" gorm:"type:varchar(20);not null"`
	QueueJobID *string          `json:"queue_job_id" gorm:"type:varchar(64)"`
	ErrorMsg   string           `json:"error_msg" gorm:"type:text"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// TableName specifies the table name for Reservation
func (Reservation) TableName() string {
	return "reservations"
}

// Identity returns the reservation key of this row.
func (r *Reservation) Identity() MessageIdentity {
	return MessageIdentity{AccountID: r.AccountID, UID: r.UID}
}

// AsyncJobStatus is the lifecycle state of a long-running sync request.
type AsyncJobStatus string

const (
	JobQueued    AsyncJobStatus = "queued"
	JobRunning   AsyncJobStatus = "running"
	JobDone      AsyncJobStatus = "done"
	JobFailed    AsyncJobStatus = "failed"
	JobCancelled AsyncJobStatus = "cancelled"
)

// AsyncJobKind is the kind of a durable long-running request.
type AsyncJobKind string

const (
	AsyncJobFullSync     AsyncJobKind = "full_sync"
	AsyncJobRetrySkipped AsyncJobKind = "retry_skipped"
)

// AsyncJob is a durable record of a long-running sync request. It is claimed
// and mutated by a single polling worker; the claim is an atomic conditional
// update keyed by job id.
type AsyncJob struct {
	ID         string         `json:"id" gorm:"type:varchar(36);primaryKey"`
	Kind       AsyncJobKind   `json:"kind" gorm:"type:varchar(20);not null;index"`
	OwnerEmail string         `json:"owner_email" gorm:"type:varchar(255);not null;index"`
	Params     datatypes.JSON `json:"params"`
	Status     AsyncJobStatus `json:"status" gorm:"type:varchar(20);not null;index"`
	Attempts   int            `json:"attempts" gorm:"default:0"`
	LastError  string         `json:"last_error" gorm:"type:text"`
	Progress   datatypes.JSON `json:"progress"`
	CreatedAt  time.Time      `json:"created_at"`
	StartedAt  *time.Time     `json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at"`
}

// TableName specifies the table name for AsyncJob
func (AsyncJob) TableName() string {
	return "async_jobs"
}

// JobParams carries the date range and filters of an AsyncJob.
type JobParams struct {
	Since     *time.Time `json:"since,omitempty"`
	Until     *time.Time `json:"until,omitempty"`
	AccountID *uint      `json:"account_id,omitempty"`
}

// SearchWindow bounds a historical discovery walk.
type SearchWindow struct {
	Since *time.Time
	Until *time.Time
}

// IsZero reports whether the window places no bound on the walk.
func (w SearchWindow) IsZero() bool {
	return w.Since == nil && w.Until == nil
}

// DocumentKind classifies how a candidate invoice is carried by a message.
type DocumentKind string

const (
	DocXML   DocumentKind = "xml"
	DocPDF   DocumentKind = "pdf"
	DocImage DocumentKind = "image"
	DocLink  DocumentKind = "link"
)

// MessageDescriptor describes one eligible message yielded by discovery.
type MessageDescriptor struct {
	AccountID      uint         `json:"account_id"`
	UID            uint64       `json:"uid"`
	OwnerEmail     string       `json:"owner_email"`
	Subject        string       `json:"subject"`
	Sender         string       `json:"sender"`
	Date           time.Time    `json:"date"`
	DocKind        DocumentKind `json:"doc_kind"`
	AttachmentName string       `json:"attachment_name,omitempty"`
}

// Identity returns the reservation key of the described message.
func (d MessageDescriptor) Identity() MessageIdentity {
	return MessageIdentity{AccountID: d.AccountID, UID: d.UID}
}

// DispatchSummary is the exact outcome of one dispatch run. It is returned
// to the caller and stored as job progress; it is never persisted on its own.
type DispatchSummary struct {
	Enqueued         int `json:"enqueued"`
	SkippedExisting  int `json:"skipped_existing"`
	Retried          int `json:"retried"`
	CappedGlobal     int `json:"capped_global"`
	CappedPerAccount int `json:"capped_per_account"`
}

// Add folds another summary into this one.
func (s *DispatchSummary) Add(o DispatchSummary) {
	s.Enqueued += o.Enqueued
	s.SkippedExisting += o.SkippedExisting
	s.Retried += o.Retried
	s.CappedGlobal += o.CappedGlobal
	s.CappedPerAccount += o.CappedPerAccount
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string      `json:"error"`
	Message string      `json:"message"`
	Code    int         `json:"code"`
	Details interface{} `json:"details,omitempty"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Database  string            `json:"database"`
	Metrics   map[string]string `json:"metrics,omitempty"`
}
