package model

import "time"

// Folder is one remote mailbox known locally for an account.
type Folder struct {
	ID        int64  `json:"id" db:"id"`
	AccountID string `json:"account_id" db:"account_id"`

	// Path is the full mailbox path as reported by the server.
	Path string `json:"path" db:"path"`

	// ParentPath is the hierarchical parent, resolved by path lookup.
	// It is a weak reference: a folder never owns its children.
	ParentPath string `json:"parent_path" db:"parent_path"`

	// UIDValidity is the server-declared UID namespace epoch. When the
	// server reports a different value, every cached UID is meaningless.
	UIDValidity uint32 `json:"uid_validity" db:"uid_validity"`

	// LastSyncedUID is the high-water mark of fetched UIDs. It advances
	// monotonically within one UIDValidity epoch, and only after the
	// corresponding batch is durably stored.
	LastSyncedUID uint32 `json:"last_synced_uid" db:"last_synced_uid"`

	// UnreadCount is maintained for list views.
	UnreadCount int `json:"unread_count" db:"unread_count"`

	// MissingCount counts consecutive remote listings in which this
	// folder was absent. At FolderTombstoneThreshold it is deleted.
	MissingCount int `json:"missing_count" db:"missing_count"`

	LastSyncAt time.Time `json:"last_sync_at" db:"last_sync_at"`
}

// FolderTombstoneThreshold is the number of consecutive listings a folder
// must be absent from before it is deleted locally. Deferring deletion
// tolerates transient listing errors.
const FolderTombstoneThreshold = 2
