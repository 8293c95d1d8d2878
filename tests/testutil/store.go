package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/store"
)

// NewTestStore creates a throwaway SQLiteStore with all migrations
// applied, backed by a file in the test's temp dir. A plain :memory: DB
// is per-connection, which breaks under the sql pool.
// It automatically closes the store when the test completes.
func NewTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "mail.db"))
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})

	return s
}

// SeedAccount inserts a password-mode test account and returns it.
func SeedAccount(t *testing.T, s *store.SQLiteStore, id string) model.Account {
	t.Helper()

	acct := model.Account{
		ID:          id,
		Name:        "Test " + id,
		Address:     id + "@example.com",
		Provider:    model.ProviderCustom,
		AuthMode:    model.AuthModePassword,
		IMAPHost:    "imap.example.com",
		IMAPPort:    993,
		SMTPHost:    "smtp.example.com",
		SMTPPort:    465,
		IMAPTLSMode: model.TLSModeImplicit,
		SMTPTLSMode: model.TLSModeImplicit,
	}
	if err := s.UpsertAccount(context.Background(), acct); err != nil {
		t.Fatalf("seeding account %s: %v", id, err)
	}
	return acct
}

// SeedFolder inserts a folder via reconcile and returns its record.
// Existing folders are included in the listing so seeding several folders
// in sequence does not tombstone the earlier ones.
func SeedFolder(t *testing.T, s *store.SQLiteStore, accountID, path string) model.Folder {
	t.Helper()

	existing, err := s.GetFolders(context.Background(), accountID)
	if err != nil {
		t.Fatalf("listing folders: %v", err)
	}
	listing := []store.FolderListing{{Path: path}}
	for _, f := range existing {
		if f.Path != path {
			listing = append(listing, store.FolderListing{Path: f.Path, ParentPath: f.ParentPath})
		}
	}

	if err := s.ReconcileFolders(context.Background(), accountID, listing); err != nil {
		t.Fatalf("seeding folder %s: %v", path, err)
	}

	folder, err := s.GetFolderByPath(context.Background(), accountID, path)
	if err != nil {
		t.Fatalf("reading folder %s: %v", path, err)
	}
	if folder == nil {
		t.Fatalf("folder %s not found after seed", path)
	}
	return *folder
}

// Msg builds a metadata-only test message for the given folder and UID.
func Msg(accountID string, folderID int64, uid uint32, subject string) model.Message {
	return model.Message{
		AccountID: accountID,
		FolderID:  folderID,
		UID:       uid,
		Subject:   subject,
		Sender:    "sender@example.com",
		Date:      time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}
