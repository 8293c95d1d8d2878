package imapsync

import (
	"context"
	"time"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/store"
)

// FolderStatus is the state of a selected mailbox.
type FolderStatus struct {
	// UIDValidity is the folder's UID namespace epoch.
	UIDValidity uint32

	// UIDNext is the server's prediction for the next assigned UID.
	UIDNext uint32

	// NumMessages is the message count in the mailbox.
	NumMessages uint32
}

// Envelope is fetched message metadata.
type Envelope struct {
	UID        uint32
	Subject    string
	Sender     string
	Recipients string
	Date       time.Time
	MessageID  string
	Flags      store.Flags
}

// FlagState is the server-side flag set for one UID.
type FlagState struct {
	UID   uint32
	Flags store.Flags
}

// Session is one authenticated IMAP connection. Implementations must be
// safe to abandon at any call boundary: every method is a suspension
// point at which cancellation may take effect.
type Session interface {
	// ListFolders enumerates the remote mailbox hierarchy.
	ListFolders(ctx context.Context) ([]store.FolderListing, error)

	// SelectFolder opens a mailbox and reports its status.
	SelectFolder(ctx context.Context, path string) (FolderStatus, error)

	// UIDsAbove returns UIDs strictly greater than marker in the
	// selected mailbox, in ascending order.
	UIDsAbove(ctx context.Context, marker uint32) ([]uint32, error)

	// AllUIDs returns every UID in the selected mailbox.
	AllUIDs(ctx context.Context) ([]uint32, error)

	// FetchEnvelopes fetches envelope metadata for the given UIDs.
	FetchEnvelopes(ctx context.Context, uids []uint32) ([]Envelope, error)

	// FetchFlags fetches current server flags for the given UIDs.
	FetchFlags(ctx context.Context, uids []uint32) ([]FlagState, error)

	// FetchBody fetches and parses a message body.
	FetchBody(ctx context.Context, uid uint32) (text, html string, err error)

	// StoreFlags replaces the flag set of one message.
	StoreFlags(ctx context.Context, uid uint32, flags store.Flags) error

	// Close logs out and releases the connection.
	Close() error
}

// Dialer opens authenticated sessions. The production implementation
// dials TLS per the account's connection parameters; tests substitute a
// fake.
type Dialer interface {
	Dial(ctx context.Context, params model.ConnectionParams) (Session, error)
}
