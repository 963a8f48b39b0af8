package models

import (
	"strconv"
	"time"
)

// Invoice lifecycle states persisted in Postgres.
const (
	StatusPending      = "pending"
	StatusCompleted    = "completed"
	StatusDeadLettered = "dead_lettered"
)

// Invoice is a business document row pending delivery to the external API.
type Invoice struct {
	ID          int64      `json:"id"`
	Status      string     `json:"status"`
	Region      string     `json:"region"`
	Attempts    int        `json:"attempts"`
	LastError   *string    `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

// WorkItem is the unit published on the processing stream. Immutable once created.
type WorkItem struct {
	ID         int64     `json:"id"`
	Region     string    `json:"region"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Key returns the stream message key for the item. All retries and duplicates
// of the same invoice share a key so downstream partitioning can observe them
// together.
func (w WorkItem) Key() string {
	return strconv.FormatInt(w.ID, 10)
}

// NewWorkItem builds a WorkItem from an invoice row.
func NewWorkItem(inv Invoice, now time.Time) WorkItem {
	return WorkItem{ID: inv.ID, Region: inv.Region, EnqueuedAt: now.UTC()}
}

// Failure classes recorded on dead-letter records.
const (
	FailureRemoteRetryable = "remote_retryable"
	FailureRemotePermanent = "remote_permanent"
	FailureTransientInfra  = "transient_infra"
)

// DeadLetterRecord captures the terminal failure context for a WorkItem whose
// retries are exhausted. It is written durably before the original message is
// acknowledged.
type DeadLetterRecord struct {
	Item           WorkItem  `json:"item"`
	FailureReason  string    `json:"failure_reason"`
	FailureType    string    `json:"failure_type"`
	Attempts       int       `json:"attempts"`
	OriginalStream string    `json:"original_stream"`
	OriginalID     string    `json:"original_id"`
	Timestamp      time.Time `json:"timestamp"`
}
