package model

import "time"

// Message is one cached message. (AccountID, FolderID, UID) is globally
// unique and stable for the life of the message within the folder's
// UIDValidity epoch.
type Message struct {
	ID        int64  `json:"id" db:"id"`
	AccountID string `json:"account_id" db:"account_id"`
	FolderID  int64  `json:"folder_id" db:"folder_id"`

	// UID is the server-assigned identifier within the folder.
	UID uint32 `json:"uid" db:"uid"`

	// Envelope fields.
	Subject    string    `json:"subject" db:"subject"`
	Sender     string    `json:"sender" db:"sender"`
	Recipients string    `json:"recipients" db:"recipients"` // comma-joined addresses
	Date       time.Time `json:"date" db:"date"`
	MessageID  string    `json:"message_id" db:"message_id"`

	// Flags.
	Seen     bool `json:"seen" db:"seen"`
	Flagged  bool `json:"flagged" db:"flagged"`
	Deleted  bool `json:"deleted" db:"deleted"`
	Answered bool `json:"answered" db:"answered"`

	// FlagsDirty marks locally-edited flags not yet pushed to the
	// server. Dirty flags are pushed before any new-message fetch so a
	// server reconcile cannot overwrite pending local edits.
	FlagsDirty bool `json:"flags_dirty" db:"flags_dirty"`

	// BodyFetched distinguishes metadata-only entries from fully
	// cached ones. Bodies are fetched lazily on first request.
	BodyFetched bool   `json:"body_fetched" db:"body_fetched"`
	BodyText    string `json:"body_text" db:"body_text"`
	BodyHTML    string `json:"body_html" db:"body_html"`

	// LastSeenAt is the last sync cycle in which the server still
	// reported this UID; used for the deletion grace window.
	LastSeenAt time.Time `json:"last_seen_at" db:"last_seen_at"`

	FetchedAt time.Time `json:"fetched_at" db:"fetched_at"`
}
