package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nhle/mailsync/internal/model"
)

// UpsertMessages stores a fetched batch and advances the folder's sync
// marker in one transaction: the marker never runs ahead of durably
// stored messages, which makes interrupted syncs resumable. Re-upserting
// a UID already present refreshes envelope data and last_seen_at but
// leaves locally owned state (flags under edit, cached body) untouched,
// so a re-fetch after a partial failure is a safe no-op.
func (s *SQLiteStore) UpsertMessages(ctx context.Context, folderID int64, msgs []model.Message, marker uint32) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	const query = `
		INSERT INTO messages (
			account_id, folder_id, uid,
			subject, sender, recipients, date, message_id,
			seen, flagged, deleted, answered,
			last_seen_at, fetched_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, folder_id, uid) DO UPDATE SET
			subject      = excluded.subject,
			sender       = excluded.sender,
			recipients   = excluded.recipients,
			date         = excluded.date,
			message_id   = excluded.message_id,
			last_seen_at = excluded.last_seen_at`

	stmt, err := tx.PreparexContext(ctx, query)
	if err != nil {
		return fmt.Errorf("preparing upsert statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, m := range msgs {
		_, err = stmt.ExecContext(ctx,
			m.AccountID, folderID, m.UID,
			m.Subject, m.Sender, m.Recipients, m.Date.UTC(), m.MessageID,
			m.Seen, m.Flagged, m.Deleted, m.Answered,
			now, now,
		)
		if err != nil {
			return fmt.Errorf("upserting message uid %d: %w", m.UID, err)
		}
	}

	if marker > 0 {
		_, err = tx.ExecContext(ctx,
			"UPDATE folders SET last_synced_uid = ?, last_sync_at = ? WHERE id = ? AND last_synced_uid < ?",
			marker, now, folderID, marker)
		if err != nil {
			return fmt.Errorf("advancing sync marker: %w", err)
		}
	}

	if err := refreshUnreadCountTx(ctx, tx, folderID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing message batch: %w", err)
	}

	if accountID, path, err := s.folderRef(ctx, folderID); err == nil {
		s.events.publish(Event{Kind: EventMessagesChanged, AccountID: accountID, FolderPath: path})
	}
	return nil
}

// GetMessages retrieves messages in non-decreasing UID order.
func (s *SQLiteStore) GetMessages(ctx context.Context, folderID int64, filter MessageFilter) ([]model.Message, error) {
	conditions := []string{"folder_id = ?"}
	args := []interface{}{folderID}

	if filter.UnseenOnly {
		conditions = append(conditions, "seen = 0")
	}
	if filter.Query != nil && *filter.Query != "" {
		conditions = append(conditions, "(subject LIKE ? OR sender LIKE ?)")
		q := "%" + *filter.Query + "%"
		args = append(args, q, q)
	}

	query := "SELECT * FROM messages WHERE " + strings.Join(conditions, " AND ") + " ORDER BY uid"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	var msgs []model.Message
	if err := s.db.SelectContext(ctx, &msgs, query, args...); err != nil {
		return nil, fmt.Errorf("querying messages for folder %d: %w", folderID, err)
	}
	return msgs, nil
}

// GetMessageByUID retrieves a single message, or nil when absent.
func (s *SQLiteStore) GetMessageByUID(ctx context.Context, folderID int64, uid uint32) (*model.Message, error) {
	var msg model.Message
	err := s.db.GetContext(ctx, &msg,
		"SELECT * FROM messages WHERE folder_id = ? AND uid = ?", folderID, uid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting message %d/%d: %w", folderID, uid, err)
	}
	return &msg, nil
}

// SetLocalFlags applies a user-initiated flag edit and marks the message
// dirty so the next sync cycle pushes it before fetching.
func (s *SQLiteStore) SetLocalFlags(ctx context.Context, folderID int64, uid uint32, flags Flags) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE messages SET seen = ?, flagged = ?, deleted = ?, answered = ?, flags_dirty = 1
		WHERE folder_id = ? AND uid = ?`,
		flags.Seen, flags.Flagged, flags.Deleted, flags.Answered, folderID, uid)
	if err != nil {
		return fmt.Errorf("setting local flags %d/%d: %w", folderID, uid, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("setting local flags: message %d/%d not found", folderID, uid)
	}

	if err := refreshUnreadCountTx(ctx, tx, folderID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing flag edit: %w", err)
	}

	if accountID, path, err := s.folderRef(ctx, folderID); err == nil {
		s.events.publish(Event{Kind: EventMessagesChanged, AccountID: accountID, FolderPath: path})
	}
	return nil
}

// DirtyMessages returns messages with locally-edited flags awaiting push.
func (s *SQLiteStore) DirtyMessages(ctx context.Context, folderID int64) ([]model.Message, error) {
	var msgs []model.Message
	err := s.db.SelectContext(ctx, &msgs,
		"SELECT * FROM messages WHERE folder_id = ? AND flags_dirty = 1 ORDER BY uid", folderID)
	if err != nil {
		return nil, fmt.Errorf("querying dirty messages for folder %d: %w", folderID, err)
	}
	return msgs, nil
}

// ClearFlagsDirty marks a message's flags as pushed.
func (s *SQLiteStore) ClearFlagsDirty(ctx context.Context, folderID int64, uid uint32) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE messages SET flags_dirty = 0 WHERE folder_id = ? AND uid = ?", folderID, uid)
	if err != nil {
		return fmt.Errorf("clearing dirty flag %d/%d: %w", folderID, uid, err)
	}
	return nil
}

// ApplyServerFlags reconciles server-side flag state for one message.
// A message with a pending local edit is skipped: the local edit wins
// until it has been pushed.
func (s *SQLiteStore) ApplyServerFlags(ctx context.Context, folderID int64, uid uint32, flags Flags, seenAt time.Time) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE messages SET seen = ?, flagged = ?, deleted = ?, answered = ?, last_seen_at = ?
		WHERE folder_id = ? AND uid = ? AND flags_dirty = 0`,
		flags.Seen, flags.Flagged, flags.Deleted, flags.Answered, seenAt.UTC(), folderID, uid)
	if err != nil {
		return fmt.Errorf("applying server flags %d/%d: %w", folderID, uid, err)
	}

	if err := refreshUnreadCountTx(ctx, tx, folderID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing server flags: %w", err)
	}
	return nil
}

// MarkSeenOnServer refreshes last_seen_at for UIDs the server still
// reports, keeping them out of the deletion grace window.
func (s *SQLiteStore) MarkSeenOnServer(ctx context.Context, folderID int64, uids []uint32, seenAt time.Time) error {
	if len(uids) == 0 {
		return nil
	}

	query, args, err := sqlx.In(
		"UPDATE messages SET last_seen_at = ? WHERE folder_id = ? AND uid IN (?)",
		seenAt.UTC(), folderID, uids)
	if err != nil {
		return fmt.Errorf("building seen update: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("refreshing last_seen_at for folder %d: %w", folderID, err)
	}
	return nil
}

// ExpungeMissing deletes messages the server has not reported since
// cutoff. Returns the number of messages removed.
func (s *SQLiteStore) ExpungeMissing(ctx context.Context, folderID int64, cutoff time.Time) (int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"DELETE FROM messages WHERE folder_id = ? AND last_seen_at < ?", folderID, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("expunging folder %d: %w", folderID, err)
	}
	n, _ := res.RowsAffected()

	if err := refreshUnreadCountTx(ctx, tx, folderID); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing expunge: %w", err)
	}

	if n > 0 {
		if accountID, path, err := s.folderRef(ctx, folderID); err == nil {
			s.events.publish(Event{Kind: EventMessagesChanged, AccountID: accountID, FolderPath: path})
		}
	}
	return int(n), nil
}

// SetMessageBody caches a lazily fetched body.
func (s *SQLiteStore) SetMessageBody(ctx context.Context, folderID int64, uid uint32, text, html string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET body_text = ?, body_html = ?, body_fetched = 1
		WHERE folder_id = ? AND uid = ?`,
		text, html, folderID, uid)
	if err != nil {
		return fmt.Errorf("caching body %d/%d: %w", folderID, uid, err)
	}
	return nil
}

// refreshUnreadCountTx recomputes the folder's unread counter inside tx.
func refreshUnreadCountTx(ctx context.Context, tx *sqlx.Tx, folderID int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE folders SET unread_count = (
			SELECT COUNT(*) FROM messages
			WHERE folder_id = ? AND seen = 0 AND deleted = 0
		) WHERE id = ?`,
		folderID, folderID)
	if err != nil {
		return fmt.Errorf("refreshing unread count for folder %d: %w", folderID, err)
	}
	return nil
}
