package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nhle/mailsync/internal/model"
)

// EnqueueOutgoing appends an item to the account's durable send queue.
// A missing ID is allocated; status starts as pending.
func (s *SQLiteStore) EnqueueOutgoing(ctx context.Context, item model.OutgoingItem) error {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	if item.Status == "" {
		item.Status = model.OutgoingStatusPending
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO outgoing (
			id, account_id, from_addr, to_addrs, subject, body,
			status, attempts, next_attempt_at, last_error, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.AccountID, item.From, item.To, item.Subject, item.Body,
		item.Status, item.Attempts, item.CreatedAt, "", item.CreatedAt, now,
	)
	if err != nil {
		return fmt.Errorf("enqueuing outgoing %s: %w", item.ID, err)
	}

	s.events.publish(Event{Kind: EventOutgoingChanged, AccountID: item.AccountID})
	return nil
}

// GetOutgoing retrieves the account's queue in FIFO order.
func (s *SQLiteStore) GetOutgoing(ctx context.Context, accountID string) ([]model.OutgoingItem, error) {
	var items []model.OutgoingItem
	err := s.db.SelectContext(ctx, &items,
		"SELECT * FROM outgoing WHERE account_id = ? ORDER BY created_at, id", accountID)
	if err != nil {
		return nil, fmt.Errorf("querying outgoing for %s: %w", accountID, err)
	}
	return items, nil
}

// NextPendingOutgoing returns the oldest item due for dispatch (pending,
// or retryable with its backoff delay elapsed), or nil when drained.
func (s *SQLiteStore) NextPendingOutgoing(ctx context.Context, accountID string, now time.Time) (*model.OutgoingItem, error) {
	var item model.OutgoingItem
	err := s.db.GetContext(ctx, &item, `
		SELECT * FROM outgoing
		WHERE account_id = ?
		  AND (status = ? OR (status = ? AND next_attempt_at <= ?))
		ORDER BY created_at, id
		LIMIT 1`,
		accountID, model.OutgoingStatusPending, model.OutgoingStatusFailedRetryable, now.UTC())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying next outgoing for %s: %w", accountID, err)
	}
	return &item, nil
}

// MarkOutgoingSending transitions an item to the sending state and
// counts the delivery attempt.
func (s *SQLiteStore) MarkOutgoingSending(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outgoing SET
			status = ?, attempts = attempts + 1, last_error = '', updated_at = ?
		WHERE id = ?`,
		model.OutgoingStatusSending, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("updating outgoing %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("updating outgoing: item %s not found", id)
	}

	s.publishOutgoing(ctx, id)
	return nil
}

// MarkOutgoingSent transitions an item to its terminal sent state.
func (s *SQLiteStore) MarkOutgoingSent(ctx context.Context, id string) error {
	return s.setOutgoingStatus(ctx, id, model.OutgoingStatusSent, "")
}

// MarkOutgoingRetry records a retryable failure and reschedules the
// item. The attempt itself was already counted by MarkOutgoingSending.
func (s *SQLiteStore) MarkOutgoingRetry(ctx context.Context, id string, nextAttempt time.Time, lastError string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outgoing SET
			status = ?,
			next_attempt_at = ?, last_error = ?, updated_at = ?
		WHERE id = ?`,
		model.OutgoingStatusFailedRetryable, nextAttempt.UTC(), lastError, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("rescheduling outgoing %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("rescheduling outgoing: item %s not found", id)
	}

	s.publishOutgoing(ctx, id)
	return nil
}

// RequeueOutgoing returns an item to the pending state and uncounts the
// attempt started by MarkOutgoingSending. Used for account-level
// failures (rejected credentials) where the delivery never got a fair
// attempt: the item waits for the account to recover instead of
// drifting toward failed-permanent. No change event is published; the
// queue contents did not change and the dispatcher must not wake itself
// straight back into the same failure.
func (s *SQLiteStore) RequeueOutgoing(ctx context.Context, id string, lastError string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outgoing SET
			status = ?,
			attempts = CASE WHEN attempts > 0 THEN attempts - 1 ELSE 0 END,
			last_error = ?, updated_at = ?
		WHERE id = ?`,
		model.OutgoingStatusPending, lastError, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("requeueing outgoing %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("requeueing outgoing: item %s not found", id)
	}
	return nil
}

// MarkOutgoingFailed transitions an item to its terminal failed-permanent
// state; the item stays in the table so the failure is user-visible
// rather than silently dropped.
func (s *SQLiteStore) MarkOutgoingFailed(ctx context.Context, id string, lastError string) error {
	return s.setOutgoingStatus(ctx, id, model.OutgoingStatusFailedPermanent, lastError)
}

func (s *SQLiteStore) setOutgoingStatus(ctx context.Context, id, status, lastError string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE outgoing SET status = ?, last_error = ?, updated_at = ? WHERE id = ?",
		status, lastError, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("updating outgoing %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("updating outgoing: item %s not found", id)
	}

	s.publishOutgoing(ctx, id)
	return nil
}

func (s *SQLiteStore) publishOutgoing(ctx context.Context, id string) {
	var accountID string
	err := s.db.GetContext(ctx, &accountID, "SELECT account_id FROM outgoing WHERE id = ?", id)
	if err != nil {
		return
	}
	s.events.publish(Event{Kind: EventOutgoingChanged, AccountID: accountID})
}

// AppendSent stores a copy of a delivered item in the account's Sent
// folder, creating the folder if the server has not yet advertised one.
// Local copies use a synthetic UID above the folder's current maximum;
// uid_validity 0 marks the folder as not yet server-synced.
func (s *SQLiteStore) AppendSent(ctx context.Context, accountID string, item model.OutgoingItem) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO folders (account_id, path, parent_path)
		VALUES (?, 'Sent', '')
		ON CONFLICT(account_id, path) DO NOTHING`,
		accountID)
	if err != nil {
		return fmt.Errorf("ensuring Sent folder: %w", err)
	}

	var folderID int64
	if err := tx.GetContext(ctx, &folderID,
		"SELECT id FROM folders WHERE account_id = ? AND path = 'Sent'", accountID); err != nil {
		return fmt.Errorf("looking up Sent folder: %w", err)
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (
			account_id, folder_id, uid,
			subject, sender, recipients, date, message_id,
			seen, flagged, deleted, answered,
			body_fetched, body_text,
			last_seen_at, fetched_at
		) VALUES (
			?, ?, (SELECT COALESCE(MAX(uid), 0) + 1 FROM messages WHERE folder_id = ?),
			?, ?, ?, ?, '',
			1, 0, 0, 0,
			1, ?,
			?, ?
		)`,
		accountID, folderID, folderID,
		item.Subject, item.From, item.To, now,
		item.Body, now, now,
	)
	if err != nil {
		return fmt.Errorf("appending sent copy: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing sent copy: %w", err)
	}

	s.events.publish(Event{Kind: EventMessagesChanged, AccountID: accountID, FolderPath: "Sent"})
	return nil
}
