package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nhle/mailsync/internal/model"
)

// GetFolders retrieves all folders for an account ordered by path.
func (s *SQLiteStore) GetFolders(ctx context.Context, accountID string) ([]model.Folder, error) {
	var folders []model.Folder
	err := s.db.SelectContext(ctx, &folders,
		"SELECT * FROM folders WHERE account_id = ? ORDER BY path", accountID)
	if err != nil {
		return nil, fmt.Errorf("querying folders for %s: %w", accountID, err)
	}
	return folders, nil
}

// GetFolderByPath retrieves one folder by its path, or nil when absent.
func (s *SQLiteStore) GetFolderByPath(ctx context.Context, accountID, path string) (*model.Folder, error) {
	var folder model.Folder
	err := s.db.GetContext(ctx, &folder,
		"SELECT * FROM folders WHERE account_id = ? AND path = ?", accountID, path)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting folder %s/%s: %w", accountID, path, err)
	}
	return &folder, nil
}

// ReconcileFolders applies one remote listing in a single transaction.
// Present folders are inserted or refreshed with missing_count reset to
// zero; folders absent from the listing have missing_count bumped and are
// deleted (with their messages) once it reaches the tombstone threshold.
func (s *SQLiteStore) ReconcileFolders(ctx context.Context, accountID string, listing []FolderListing) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	present := make(map[string]bool, len(listing))
	for _, l := range listing {
		present[l.Path] = true

		_, err := tx.ExecContext(ctx, `
			INSERT INTO folders (account_id, path, parent_path)
			VALUES (?, ?, ?)
			ON CONFLICT(account_id, path) DO UPDATE SET
				parent_path = excluded.parent_path,
				missing_count = 0`,
			accountID, l.Path, l.ParentPath,
		)
		if err != nil {
			return fmt.Errorf("upserting folder %s: %w", l.Path, err)
		}
	}

	// Bump the tombstone counter on everything the listing omitted.
	known, err := s.folderPathsTx(ctx, tx, accountID)
	if err != nil {
		return err
	}
	for _, path := range known {
		if present[path] {
			continue
		}
		_, err := tx.ExecContext(ctx,
			"UPDATE folders SET missing_count = missing_count + 1 WHERE account_id = ? AND path = ?",
			accountID, path)
		if err != nil {
			return fmt.Errorf("bumping missing count for %s: %w", path, err)
		}
	}

	_, err = tx.ExecContext(ctx,
		"DELETE FROM folders WHERE account_id = ? AND missing_count >= ?",
		accountID, model.FolderTombstoneThreshold)
	if err != nil {
		return fmt.Errorf("deleting tombstoned folders: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing folder reconcile: %w", err)
	}

	s.events.publish(Event{Kind: EventFoldersChanged, AccountID: accountID})
	return nil
}

func (s *SQLiteStore) folderPathsTx(ctx context.Context, tx *sqlx.Tx, accountID string) ([]string, error) {
	var paths []string
	err := tx.SelectContext(ctx, &paths, "SELECT path FROM folders WHERE account_id = ?", accountID)
	if err != nil {
		return nil, fmt.Errorf("listing folder paths for %s: %w", accountID, err)
	}
	return paths, nil
}

// SetUIDValidity records the folder's UID namespace epoch. A changed
// epoch invalidates the entire folder cache: all messages are deleted and
// the sync marker resets, forcing a full re-fetch under the new epoch.
func (s *SQLiteStore) SetUIDValidity(ctx context.Context, folderID int64, validity uint32) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var current uint32
	if err := tx.GetContext(ctx, &current, "SELECT uid_validity FROM folders WHERE id = ?", folderID); err != nil {
		return fmt.Errorf("reading uid_validity for folder %d: %w", folderID, err)
	}

	if current == validity {
		return tx.Commit()
	}

	if current != 0 {
		// Epoch changed: prior UIDs are meaningless.
		if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE folder_id = ?", folderID); err != nil {
			return fmt.Errorf("invalidating folder %d: %w", folderID, err)
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE folders SET last_synced_uid = 0, unread_count = 0 WHERE id = ?", folderID); err != nil {
			return fmt.Errorf("resetting sync marker for folder %d: %w", folderID, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE folders SET uid_validity = ? WHERE id = ?", validity, folderID); err != nil {
		return fmt.Errorf("setting uid_validity for folder %d: %w", folderID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing uid_validity update: %w", err)
	}

	if accountID, path, err := s.folderRef(ctx, folderID); err == nil {
		s.events.publish(Event{Kind: EventMessagesChanged, AccountID: accountID, FolderPath: path})
	}
	return nil
}

// AdvanceSyncMarker moves the folder's last-synced UID forward. The
// marker is strictly monotonic within an epoch: smaller or equal values
// are ignored.
func (s *SQLiteStore) AdvanceSyncMarker(ctx context.Context, folderID int64, uid uint32) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE folders SET last_synced_uid = ?, last_sync_at = ? WHERE id = ? AND last_synced_uid < ?",
		uid, time.Now().UTC(), folderID, uid)
	if err != nil {
		return fmt.Errorf("advancing sync marker for folder %d: %w", folderID, err)
	}
	return nil
}
