package imapsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/nhle/mailsync/internal/config"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/store"
)

// ConnectionResolver assembles live connection parameters for an
// account. Satisfied by *account.Registry.
type ConnectionResolver interface {
	ResolveConnection(ctx context.Context, accountID string) (model.ConnectionParams, error)
}

// StatusFunc receives account status snapshots as the engine moves
// through its sync lifecycle.
type StatusFunc func(model.AccountStatus)

// Engine performs incremental IMAP synchronization for accounts. One
// engine serves all accounts; per-account scheduling is the caller's
// concern (see the supervisor).
type Engine struct {
	store    store.Store
	resolver ConnectionResolver
	dialer   Dialer
	cfg      *config.Config
	logger   *slog.Logger
	onStatus StatusFunc
}

// NewEngine creates a sync engine. onStatus may be nil.
func NewEngine(s store.Store, resolver ConnectionResolver, dialer Dialer, cfg *config.Config, logger *slog.Logger, onStatus StatusFunc) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    s,
		resolver: resolver,
		dialer:   dialer,
		cfg:      cfg,
		logger:   logger,
		onStatus: onStatus,
	}
}

func (e *Engine) report(status model.AccountStatus) {
	if e.onStatus != nil {
		e.onStatus(status)
	}
}

// Run synchronizes one account until ctx is cancelled. Each cycle either
// succeeds and sleeps for the sync interval, or fails: transient errors
// are retried with capped exponential backoff up to the attempt limit
// before the account pauses, while credential errors pause the account
// immediately.
func (e *Engine) Run(ctx context.Context, accountID string) {
	for {
		err := e.syncWithRetry(ctx, accountID)
		if ctx.Err() != nil {
			return
		}

		if err != nil {
			state := model.AccountStatePausedError
			if errors.Is(err, model.ErrReauthorizationRequired) {
				state = model.AccountStateReauthRequired
			}
			e.report(model.AccountStatus{
				AccountID: accountID,
				State:     state,
				ErrorKind: model.ErrorKind(err),
			})
			e.logger.Error("account paused", "account", accountID, "kind", model.ErrorKind(err), "error", err)
			// Paused accounts stay down until the account record or
			// credentials change; the supervisor restarts the worker.
			return
		}

		e.report(model.AccountStatus{
			AccountID:  accountID,
			State:      model.AccountStateIdle,
			LastSyncAt: time.Now(),
		})

		select {
		case <-ctx.Done():
			return
		case <-time.After(e.cfg.SyncInterval):
		}
	}
}

// syncWithRetry runs one sync cycle, retrying transient failures.
func (e *Engine) syncWithRetry(ctx context.Context, accountID string) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.cfg.BackoffBase
	policy.MaxInterval = e.cfg.BackoffCap
	policy.MaxElapsedTime = 0

	attempts := uint64(e.cfg.MaxAttempts)
	if attempts > 0 {
		attempts--
	}

	operation := func() error {
		err := e.SyncOnce(ctx, accountID)
		if err == nil {
			return nil
		}
		if isTerminal(err) {
			return backoff.Permanent(err)
		}
		e.logger.Warn("sync cycle failed, will retry", "account", accountID, "error", err)
		return err
	}

	return backoff.Retry(operation,
		backoff.WithContext(backoff.WithMaxRetries(policy, attempts), ctx))
}

// isTerminal reports whether err must not be retried automatically.
func isTerminal(err error) bool {
	return errors.Is(err, model.ErrAuthenticationFailed) ||
		errors.Is(err, model.ErrReauthorizationRequired) ||
		model.IsSecurityError(err)
}

// SyncOnce runs a single full sync cycle for the account: resolve
// credentials, connect, reconcile the folder list, then sync each folder.
func (e *Engine) SyncOnce(ctx context.Context, accountID string) error {
	e.report(model.AccountStatus{AccountID: accountID, State: model.AccountStateSyncing})

	params, err := e.resolver.ResolveConnection(ctx, accountID)
	if err != nil {
		return fmt.Errorf("resolving connection for %s: %w", accountID, err)
	}

	sess, err := e.dialer.Dial(ctx, params)
	if err != nil {
		return err
	}
	defer sess.Close()

	listing, err := sess.ListFolders(ctx)
	if err != nil {
		return fmt.Errorf("listing folders: %v: %w", err, model.ErrConnectionFailed)
	}
	if err := e.store.ReconcileFolders(ctx, accountID, listing); err != nil {
		return err
	}

	folders, err := e.store.GetFolders(ctx, accountID)
	if err != nil {
		return err
	}

	for _, folder := range folders {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.syncFolder(ctx, sess, folder); err != nil {
			return fmt.Errorf("syncing %s: %w", folder.Path, err)
		}
	}

	e.logger.Info("sync cycle complete", "account", accountID, "folders", len(folders))
	return nil
}

// syncFolder brings one folder's local cache up to date. The order is
// fixed: validity check, push local flag edits, reconcile server flags
// and presence, fetch new messages, expunge stale ones. Pushing dirty
// flags before the server reconcile keeps local edits from being
// overwritten mid-flight.
func (e *Engine) syncFolder(ctx context.Context, sess Session, folder model.Folder) error {
	status, err := sess.SelectFolder(ctx, folder.Path)
	if err != nil {
		return fmt.Errorf("%v: %w", err, model.ErrConnectionFailed)
	}

	if folder.UIDValidity != 0 && folder.UIDValidity != status.UIDValidity {
		e.logger.Warn("UIDVALIDITY changed, invalidating folder cache",
			"folder", folder.Path, "old", folder.UIDValidity, "new", status.UIDValidity)
	}
	if err := e.store.SetUIDValidity(ctx, folder.ID, status.UIDValidity); err != nil {
		return err
	}
	// Re-read after the validity write: an epoch change resets the
	// sync marker to zero.
	fresh, err := e.store.GetFolderByPath(ctx, folder.AccountID, folder.Path)
	if err != nil {
		return err
	}
	if fresh == nil {
		return nil
	}
	folder = *fresh

	if err := e.pushDirtyFlags(ctx, sess, folder.ID); err != nil {
		return err
	}

	now := time.Now()

	allUIDs, err := sess.AllUIDs(ctx)
	if err != nil {
		return fmt.Errorf("%v: %w", err, model.ErrConnectionFailed)
	}
	if err := e.store.MarkSeenOnServer(ctx, folder.ID, allUIDs, now); err != nil {
		return err
	}

	var known []uint32
	for _, uid := range allUIDs {
		if uid <= folder.LastSyncedUID {
			known = append(known, uid)
		}
	}
	if err := e.reconcileFlags(ctx, sess, folder.ID, known, now); err != nil {
		return err
	}

	if err := e.fetchNew(ctx, sess, folder, now); err != nil {
		return err
	}

	expunged, err := e.store.ExpungeMissing(ctx, folder.ID, now.Add(-e.cfg.DeletionGraceWindow))
	if err != nil {
		return err
	}
	if expunged > 0 {
		e.logger.Info("expunged messages absent from server", "folder", folder.Path, "count", expunged)
	}

	return nil
}

// pushDirtyFlags writes locally-edited flag sets to the server, clearing
// each dirty bit only after the server accepted the store.
func (e *Engine) pushDirtyFlags(ctx context.Context, sess Session, folderID int64) error {
	dirty, err := e.store.DirtyMessages(ctx, folderID)
	if err != nil {
		return err
	}

	for _, msg := range dirty {
		flags := store.Flags{
			Seen:     msg.Seen,
			Flagged:  msg.Flagged,
			Deleted:  msg.Deleted,
			Answered: msg.Answered,
		}
		if err := sess.StoreFlags(ctx, msg.UID, flags); err != nil {
			return fmt.Errorf("pushing flags for UID %d: %v: %w", msg.UID, err, model.ErrConnectionFailed)
		}
		if err := e.store.ClearFlagsDirty(ctx, folderID, msg.UID); err != nil {
			return err
		}
	}
	return nil
}

// reconcileFlags pulls server flag state for already-known messages.
func (e *Engine) reconcileFlags(ctx context.Context, sess Session, folderID int64, uids []uint32, now time.Time) error {
	if len(uids) == 0 {
		return nil
	}

	states, err := sess.FetchFlags(ctx, uids)
	if err != nil {
		return fmt.Errorf("%v: %w", err, model.ErrConnectionFailed)
	}
	for _, state := range states {
		if err := e.store.ApplyServerFlags(ctx, folderID, state.UID, state.Flags, now); err != nil {
			return err
		}
	}
	return nil
}

// fetchNew downloads messages above the sync marker in durable batches.
// The marker advances with each stored batch, so an interrupted cycle
// resumes exactly where it stopped without refetching.
func (e *Engine) fetchNew(ctx context.Context, sess Session, folder model.Folder, now time.Time) error {
	uids, err := sess.UIDsAbove(ctx, folder.LastSyncedUID)
	if err != nil {
		return fmt.Errorf("%v: %w", err, model.ErrConnectionFailed)
	}
	if len(uids) == 0 {
		return nil
	}

	batchSize := e.cfg.FetchBatchSize
	if batchSize <= 0 {
		batchSize = 50
	}

	for start := 0; start < len(uids); start += batchSize {
		if err := ctx.Err(); err != nil {
			return err
		}

		end := start + batchSize
		if end > len(uids) {
			end = len(uids)
		}
		batch := uids[start:end]

		envelopes, err := sess.FetchEnvelopes(ctx, batch)
		if err != nil {
			return fmt.Errorf("%v: %w", err, model.ErrConnectionFailed)
		}

		msgs := make([]model.Message, 0, len(envelopes))
		for _, env := range envelopes {
			msgs = append(msgs, model.Message{
				AccountID:  folder.AccountID,
				FolderID:   folder.ID,
				UID:        env.UID,
				Subject:    env.Subject,
				Sender:     env.Sender,
				Recipients: env.Recipients,
				Date:       env.Date,
				MessageID:  env.MessageID,
				Seen:       env.Flags.Seen,
				Flagged:    env.Flags.Flagged,
				Deleted:    env.Flags.Deleted,
				Answered:   env.Flags.Answered,
				LastSeenAt: now,
				FetchedAt:  now,
			})
		}

		// UIDs arrive ascending, so the batch tail is its high-water mark.
		if err := e.store.UpsertMessages(ctx, folder.ID, msgs, batch[len(batch)-1]); err != nil {
			return err
		}
	}

	return nil
}

// FetchBody retrieves one message body on demand, caching it in the
// store. Already-cached bodies are served locally without a connection.
func (e *Engine) FetchBody(ctx context.Context, accountID string, folderPath string, uid uint32) (*model.Message, error) {
	folder, err := e.store.GetFolderByPath(ctx, accountID, folderPath)
	if err != nil {
		return nil, err
	}
	if folder == nil {
		return nil, fmt.Errorf("folder %s not found", folderPath)
	}

	msg, err := e.store.GetMessageByUID(ctx, folder.ID, uid)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, fmt.Errorf("message UID %d not found in %s", uid, folderPath)
	}
	if msg.BodyFetched {
		return msg, nil
	}

	params, err := e.resolver.ResolveConnection(ctx, accountID)
	if err != nil {
		return nil, err
	}
	sess, err := e.dialer.Dial(ctx, params)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	if _, err := sess.SelectFolder(ctx, folderPath); err != nil {
		return nil, fmt.Errorf("%v: %w", err, model.ErrConnectionFailed)
	}
	text, html, err := sess.FetchBody(ctx, uid)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, model.ErrConnectionFailed)
	}

	if err := e.store.SetMessageBody(ctx, folder.ID, uid, text, html); err != nil {
		return nil, err
	}
	return e.store.GetMessageByUID(ctx, folder.ID, uid)
}
