package smtpqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nhle/mailsync/internal/config"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/store"
)

// ConnectionResolver assembles live connection parameters for an
// account. Satisfied by *account.Registry.
type ConnectionResolver interface {
	ResolveConnection(ctx context.Context, accountID string) (model.ConnectionParams, error)
}

// idlePollInterval is the fallback wake-up cadence for an empty queue.
// Queue changes arrive over store subscriptions and scheduled retries
// get their own timer, so this only catches anything missed.
const idlePollInterval = time.Minute

// Dispatcher drains the durable outgoing queue, one account at a time,
// in strict enqueue order. At most one item per account is in flight.
type Dispatcher struct {
	store     store.Store
	resolver  ConnectionResolver
	transport Transport
	cfg       *config.Config
	logger    *slog.Logger

	mu      sync.Mutex
	retryAt map[string]time.Time
}

// NewDispatcher creates a dispatcher over the given store and transport.
func NewDispatcher(s store.Store, resolver ConnectionResolver, transport Transport, cfg *config.Config, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:     s,
		resolver:  resolver,
		transport: transport,
		cfg:       cfg,
		logger:    logger,
		retryAt:   make(map[string]time.Time),
	}
}

// Enqueue accepts an outgoing message into the durable queue. The item
// is persisted before Enqueue returns; delivery happens asynchronously.
func (d *Dispatcher) Enqueue(ctx context.Context, item model.OutgoingItem) (model.OutgoingItem, error) {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if item.From == "" || item.To == "" {
		return model.OutgoingItem{}, fmt.Errorf("enqueueing message: from and to are required")
	}

	if err := d.store.EnqueueOutgoing(ctx, item); err != nil {
		return model.OutgoingItem{}, err
	}
	return item, nil
}

// Run drains the account's queue until ctx is cancelled. New work wakes
// the loop through the store subscription; scheduled retries arm their
// own timer, so an idle queue sleeps until the fallback tick.
func (d *Dispatcher) Run(ctx context.Context, accountID string) {
	sub := d.store.Subscribe(store.EventScope{AccountID: accountID})
	defer d.store.Unsubscribe(sub)

	for {
		if err := d.Drain(ctx, accountID); err != nil && ctx.Err() == nil {
			d.logger.Warn("dispatch interrupted", "account", accountID, "error", err)
			// Our own sending-state events are already buffered on sub;
			// pause so an account-level failure is not retried in a
			// tight self-wake loop.
			select {
			case <-ctx.Done():
				return
			case <-time.After(d.cfg.BackoffBase):
			}
		}

		wait := idlePollInterval
		if due, ok := d.nextRetry(accountID); ok {
			if until := time.Until(due); until < wait {
				wait = until
			}
			if wait <= 0 {
				continue
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-sub.C:
		case <-time.After(wait):
		}
	}
}

// noteRetry records a scheduled retry so Run can wake for it.
func (d *Dispatcher) noteRetry(accountID string, next time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.retryAt[accountID]; !ok || next.Before(cur) {
		d.retryAt[accountID] = next
	}
}

// nextRetry reports the earliest retry scheduled for the account,
// dropping the entry once it has come due.
func (d *Dispatcher) nextRetry(accountID string) (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	due, ok := d.retryAt[accountID]
	if !ok {
		return time.Time{}, false
	}
	if !due.After(time.Now()) {
		delete(d.retryAt, accountID)
	}
	return due, true
}

// Drain delivers every due item for the account, stopping at the first
// credential or connection failure so the remaining queue keeps its
// order. Per-item protocol failures are recorded on the item and do not
// stop the drain.
func (d *Dispatcher) Drain(ctx context.Context, accountID string) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		item, err := d.store.NextPendingOutgoing(ctx, accountID, time.Now())
		if err != nil {
			return err
		}
		if item == nil {
			return nil
		}

		if err := d.dispatch(ctx, *item); err != nil {
			return err
		}
	}
}

// dispatch attempts delivery of one item and records the outcome.
// Returned errors abort the drain (account-level conditions); item-level
// failures are absorbed into the item's status.
func (d *Dispatcher) dispatch(ctx context.Context, item model.OutgoingItem) error {
	params, err := d.resolver.ResolveConnection(ctx, item.AccountID)
	if err != nil {
		// Credential problems are account-level: the item stays queued
		// untouched for when the account recovers.
		return fmt.Errorf("resolving connection for %s: %w", item.AccountID, err)
	}

	if err := d.store.MarkOutgoingSending(ctx, item.ID); err != nil {
		return err
	}

	sendErr := d.transport.Send(ctx, params, item)
	if sendErr == nil {
		if err := d.store.MarkOutgoingSent(ctx, item.ID); err != nil {
			return err
		}
		if err := d.store.AppendSent(ctx, item.AccountID, item); err != nil {
			d.logger.Warn("delivered but Sent append failed", "item", item.ID, "error", err)
		}
		d.logger.Info("message delivered", "item", item.ID, "to", item.To)
		return nil
	}

	// Rejected credentials are account-level, like a resolver failure:
	// the delivery was never fairly attempted, so the item goes back to
	// pending with its attempt uncounted and the drain stops. The
	// failure surfaces through the returned error, not the item.
	if errors.Is(sendErr, model.ErrAuthenticationFailed) || errors.Is(sendErr, model.ErrReauthorizationRequired) {
		if err := d.store.RequeueOutgoing(ctx, item.ID, sendErr.Error()); err != nil {
			return err
		}
		d.logger.Error("dispatch halted, credentials rejected", "account", item.AccountID, "error", sendErr)
		return sendErr
	}

	if errors.Is(sendErr, model.ErrPermanentFailure) {
		if err := d.store.MarkOutgoingFailed(ctx, item.ID, sendErr.Error()); err != nil {
			return err
		}
		d.logger.Error("message permanently rejected", "item", item.ID, "error", sendErr)
		return nil
	}

	// Retryable: schedule the next attempt, or give up at the cap.
	attempt := item.Attempts + 1
	if attempt >= d.cfg.MaxAttempts {
		if err := d.store.MarkOutgoingFailed(ctx, item.ID, sendErr.Error()); err != nil {
			return err
		}
		d.logger.Error("message failed after max attempts", "item", item.ID, "attempts", attempt, "error", sendErr)
		return nil
	}

	next := time.Now().Add(d.retryDelay(attempt))
	if err := d.store.MarkOutgoingRetry(ctx, item.ID, next, sendErr.Error()); err != nil {
		return err
	}
	d.noteRetry(item.AccountID, next)
	d.logger.Warn("delivery failed, scheduled retry", "item", item.ID, "attempt", attempt, "next", next, "error", sendErr)

	// Connection-level failures affect every queued item equally;
	// stop the drain instead of burning attempts down the queue.
	if errors.Is(sendErr, model.ErrConnectionFailed) {
		return sendErr
	}
	return nil
}

// retryDelay is the capped exponential backoff for the given attempt
// number (1-based).
func (d *Dispatcher) retryDelay(attempt int) time.Duration {
	delay := d.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= d.cfg.BackoffCap {
			return d.cfg.BackoffCap
		}
	}
	if delay > d.cfg.BackoffCap {
		return d.cfg.BackoffCap
	}
	return delay
}
