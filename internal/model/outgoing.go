package model

import "time"

// Outgoing item status constants. Sent and failed-permanent are terminal.
const (
	OutgoingStatusPending         = "pending"
	OutgoingStatusSending         = "sending"
	OutgoingStatusSent            = "sent"
	OutgoingStatusFailedRetryable = "failed_retryable"
	OutgoingStatusFailedPermanent = "failed_permanent"
)

// OutgoingItem is one queued outgoing message. Items form a durable FIFO
// per account and survive restarts.
type OutgoingItem struct {
	ID        string `json:"id" db:"id"`
	AccountID string `json:"account_id" db:"account_id"`

	From    string `json:"from" db:"from_addr"`
	To      string `json:"to" db:"to_addrs"` // comma-joined addresses
	Subject string `json:"subject" db:"subject"`
	Body    string `json:"body" db:"body"`

	Status string `json:"status" db:"status"`

	// Attempts counts delivery attempts started so far, including the
	// one that ultimately succeeds.
	Attempts int `json:"attempts" db:"attempts"`

	// NextAttemptAt is when the dispatcher may retry a retryable item.
	NextAttemptAt time.Time `json:"next_attempt_at" db:"next_attempt_at"`

	// LastError records the most recent failure for user display.
	LastError string `json:"last_error" db:"last_error"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Terminal reports whether the item has reached a terminal status.
func (o *OutgoingItem) Terminal() bool {
	return o.Status == OutgoingStatusSent || o.Status == OutgoingStatusFailedPermanent
}
