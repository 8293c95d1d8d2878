package store

import (
	"context"
	"time"

	"github.com/nhle/mailsync/internal/model"
)

// FolderListing is one mailbox entry from a remote LIST response.
type FolderListing struct {
	Path       string
	ParentPath string
}

// Flags is a message flag set, reconciled bidirectionally between the
// local cache and the server.
type Flags struct {
	Seen     bool
	Flagged  bool
	Deleted  bool
	Answered bool
}

// MessageFilter controls filtering and pagination for message queries.
type MessageFilter struct {
	UnseenOnly bool
	Query      *string // matches subject or sender
	Limit      int
	Offset     int
}

// Store defines the persistence interface for accounts, folders, messages,
// and the outgoing queue. Writes are atomic at the granularity of one
// message or one folder-metadata update; readers never observe a
// half-updated record.
type Store interface {
	// === Accounts ===

	UpsertAccount(ctx context.Context, acct model.Account) error
	GetAccounts(ctx context.Context) ([]model.Account, error)
	GetAccountByID(ctx context.Context, id string) (*model.Account, error)
	// DeleteAccount removes the account and cascades to its folders,
	// messages, and outgoing items.
	DeleteAccount(ctx context.Context, id string) error

	// === Folders ===

	GetFolders(ctx context.Context, accountID string) ([]model.Folder, error)
	GetFolderByPath(ctx context.Context, accountID, path string) (*model.Folder, error)
	// ReconcileFolders applies a remote listing: present folders are
	// upserted and their missing counters reset; absent folders have
	// their counters bumped and are deleted once the counter reaches
	// model.FolderTombstoneThreshold.
	ReconcileFolders(ctx context.Context, accountID string, listing []FolderListing) error
	// SetUIDValidity records a folder's UID namespace epoch. When the
	// epoch changes, all cached messages are wiped and the sync marker
	// resets to zero.
	SetUIDValidity(ctx context.Context, folderID int64, validity uint32) error
	// AdvanceSyncMarker moves the folder's last-synced UID forward.
	// The marker is monotonic: a smaller or equal value is a no-op.
	AdvanceSyncMarker(ctx context.Context, folderID int64, uid uint32) error

	// === Messages ===

	// UpsertMessages stores a fetched batch and advances the sync
	// marker in the same transaction, so the marker never runs ahead
	// of durably stored messages. Re-upserting an existing UID is a
	// no-op for its locally owned fields.
	UpsertMessages(ctx context.Context, folderID int64, msgs []model.Message, marker uint32) error
	GetMessages(ctx context.Context, folderID int64, filter MessageFilter) ([]model.Message, error)
	GetMessageByUID(ctx context.Context, folderID int64, uid uint32) (*model.Message, error)
	// SetLocalFlags applies a user-initiated flag edit and marks the
	// message dirty for push on the next sync cycle.
	SetLocalFlags(ctx context.Context, folderID int64, uid uint32, flags Flags) error
	// DirtyMessages returns messages with locally-edited flags not yet
	// pushed to the server.
	DirtyMessages(ctx context.Context, folderID int64) ([]model.Message, error)
	ClearFlagsDirty(ctx context.Context, folderID int64, uid uint32) error
	// ApplyServerFlags reconciles server-side flag state. Messages with
	// pending local edits are skipped so the edit is not overwritten.
	ApplyServerFlags(ctx context.Context, folderID int64, uid uint32, flags Flags, seenAt time.Time) error
	// MarkSeenOnServer refreshes last_seen_at for UIDs the server still
	// reports, without touching flags.
	MarkSeenOnServer(ctx context.Context, folderID int64, uids []uint32, seenAt time.Time) error
	// ExpungeMissing deletes messages the server has not reported since
	// cutoff (the deletion grace window).
	ExpungeMissing(ctx context.Context, folderID int64, cutoff time.Time) (int, error)
	SetMessageBody(ctx context.Context, folderID int64, uid uint32, text, html string) error

	// === Outgoing queue ===

	EnqueueOutgoing(ctx context.Context, item model.OutgoingItem) error
	GetOutgoing(ctx context.Context, accountID string) ([]model.OutgoingItem, error)
	// NextPendingOutgoing returns the oldest queued item due for
	// dispatch, or nil when the queue is drained.
	NextPendingOutgoing(ctx context.Context, accountID string, now time.Time) (*model.OutgoingItem, error)
	MarkOutgoingSending(ctx context.Context, id string) error
	MarkOutgoingSent(ctx context.Context, id string) error
	// MarkOutgoingRetry records a retryable failure and schedules the
	// next attempt; the attempt was already counted by
	// MarkOutgoingSending.
	MarkOutgoingRetry(ctx context.Context, id string, nextAttempt time.Time, lastError string) error
	// RequeueOutgoing returns an item to the pending state and uncounts
	// the in-flight attempt, for account-level failures where delivery
	// was never fairly attempted.
	RequeueOutgoing(ctx context.Context, id string, lastError string) error
	MarkOutgoingFailed(ctx context.Context, id string, lastError string) error
	// AppendSent stores a copy of a delivered item in the account's
	// Sent folder.
	AppendSent(ctx context.Context, accountID string, item model.OutgoingItem) error

	// === Change notifications ===

	Subscribe(scope EventScope) *Subscription
	Unsubscribe(sub *Subscription)

	Close() error
}
