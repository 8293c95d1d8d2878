package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/nhle/mailsync/internal/imapsync"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/smtpqueue"
	"github.com/nhle/mailsync/internal/store"
)

// AccountLister enumerates configured accounts. Satisfied by
// *account.Registry.
type AccountLister interface {
	List(ctx context.Context) ([]model.Account, error)
}

// Supervisor runs one sync worker and one dispatch worker per account
// and tracks the latest status snapshot for each. It is the single
// writer of account status; readers get copies.
type Supervisor struct {
	store    store.Store
	accounts AccountLister
	sync     *imapsync.Engine
	dispatch *smtpqueue.Dispatcher
	logger   *slog.Logger

	mu       sync.Mutex
	cancel   context.CancelFunc
	ctx      context.Context
	workers  map[string]context.CancelFunc
	statuses map[string]model.AccountStatus
	wg       sync.WaitGroup
}

// NewSupervisor creates a stopped supervisor. Pass its RecordStatus
// method as the sync engine's status callback so snapshots land here.
func NewSupervisor(s store.Store, accounts AccountLister, syncEngine *imapsync.Engine, dispatcher *smtpqueue.Dispatcher, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		store:    s,
		accounts: accounts,
		sync:     syncEngine,
		dispatch: dispatcher,
		logger:   logger,
		workers:  map[string]context.CancelFunc{},
		statuses: map[string]model.AccountStatus{},
	}
}

// Start launches workers for every configured account.
func (sv *Supervisor) Start(ctx context.Context) error {
	accts, err := sv.accounts.List(ctx)
	if err != nil {
		return err
	}

	sv.mu.Lock()
	sv.ctx, sv.cancel = context.WithCancel(ctx)
	sv.mu.Unlock()

	for _, acct := range accts {
		sv.StartAccount(acct.ID)
	}

	sv.logger.Info("supervisor started", "accounts", len(accts))
	return nil
}

// StartAccount launches (or relaunches) the workers for one account.
// Called after account creation and after credential updates, so a
// paused account picks up its new configuration.
func (sv *Supervisor) StartAccount(accountID string) {
	sv.mu.Lock()
	defer sv.mu.Unlock()

	if sv.ctx == nil || sv.ctx.Err() != nil {
		return
	}

	if cancel, ok := sv.workers[accountID]; ok {
		cancel()
	}

	wctx, cancel := context.WithCancel(sv.ctx)
	sv.workers[accountID] = cancel
	sv.statuses[accountID] = model.AccountStatus{
		AccountID: accountID,
		State:     model.AccountStateIdle,
	}

	sv.wg.Add(2)
	go func() {
		defer sv.wg.Done()
		sv.sync.Run(wctx, accountID)
	}()
	go func() {
		defer sv.wg.Done()
		sv.dispatch.Run(wctx, accountID)
	}()

	sv.logger.Info("account workers started", "account", accountID)
}

// StopAccount cancels the account's workers and drops its status.
// Called after account removal; any in-flight cycle is abandoned at its
// next suspension point.
func (sv *Supervisor) StopAccount(accountID string) {
	sv.mu.Lock()
	defer sv.mu.Unlock()

	if cancel, ok := sv.workers[accountID]; ok {
		cancel()
		delete(sv.workers, accountID)
	}
	delete(sv.statuses, accountID)
	sv.logger.Info("account workers stopped", "account", accountID)
}

// Stop cancels every worker and waits for them to exit.
func (sv *Supervisor) Stop() {
	sv.mu.Lock()
	cancel := sv.cancel
	sv.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	sv.wg.Wait()
	sv.logger.Info("supervisor stopped")
}

// RecordStatus stores a status snapshot. A snapshot without a sync
// timestamp keeps the previous one, so LastSyncAt survives state churn.
// Snapshots from already-stopped workers are dropped.
func (sv *Supervisor) RecordStatus(st model.AccountStatus) {
	sv.mu.Lock()
	defer sv.mu.Unlock()

	if _, ok := sv.workers[st.AccountID]; !ok {
		return
	}
	if prev, ok := sv.statuses[st.AccountID]; ok && st.LastSyncAt.IsZero() {
		st.LastSyncAt = prev.LastSyncAt
	}
	sv.statuses[st.AccountID] = st
}

// StatusFor returns the latest snapshot for one account.
func (sv *Supervisor) StatusFor(accountID string) (model.AccountStatus, bool) {
	sv.mu.Lock()
	defer sv.mu.Unlock()

	st, ok := sv.statuses[accountID]
	return st, ok
}

// Statuses returns a snapshot of every tracked account, ordered by
// account ID for stable display.
func (sv *Supervisor) Statuses() []model.AccountStatus {
	sv.mu.Lock()
	defer sv.mu.Unlock()

	out := make([]model.AccountStatus, 0, len(sv.statuses))
	for _, st := range sv.statuses {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}
