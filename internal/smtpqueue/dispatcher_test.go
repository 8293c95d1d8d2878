package smtpqueue_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/textproto"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/config"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/smtpqueue"
	"github.com/nhle/mailsync/internal/store"
	"github.com/nhle/mailsync/tests/testutil"
)

type fakeTransport struct {
	mu    sync.Mutex
	sends []model.OutgoingItem
	errs  []error
}

func (t *fakeTransport) Send(ctx context.Context, params model.ConnectionParams, item model.OutgoingItem) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.sends = append(t.sends, item)
	if len(t.errs) > 0 {
		err := t.errs[0]
		t.errs = t.errs[1:]
		return err
	}
	return nil
}

func (t *fakeTransport) sendCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sends)
}

type fakeResolver struct{}

func (fakeResolver) ResolveConnection(ctx context.Context, accountID string) (model.ConnectionParams, error) {
	return model.ConnectionParams{
		Address:  accountID + "@example.com",
		SMTPHost: "smtp.example.com",
		SMTPPort: 465,
	}, nil
}

func testConfig() *config.Config {
	cfg := config.Default()
	// Long enough that a just-rescheduled item is never due within the
	// same Drain call, short enough to keep the tests fast.
	cfg.BackoffBase = 50 * time.Millisecond
	cfg.BackoffCap = 100 * time.Millisecond
	cfg.MaxAttempts = 3
	return cfg
}

func newDispatcher(s store.Store, transport smtpqueue.Transport) *smtpqueue.Dispatcher {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return smtpqueue.NewDispatcher(s, fakeResolver{}, transport, testConfig(), logger)
}

func retryableErr(code int) error {
	return fmt.Errorf("SMTP: %v: %w", &textproto.Error{Code: code, Msg: "try later"}, model.ErrRetryableFailure)
}

func enqueue(t *testing.T, d *smtpqueue.Dispatcher, accountID, subject string) model.OutgoingItem {
	t.Helper()

	item, err := d.Enqueue(context.Background(), model.OutgoingItem{
		AccountID: accountID,
		From:      accountID + "@example.com",
		To:        "peer@example.com",
		Subject:   subject,
		Body:      "body of " + subject,
	})
	require.NoError(t, err)
	return item
}

func getItem(t *testing.T, s store.Store, accountID, id string) model.OutgoingItem {
	t.Helper()

	items, err := s.GetOutgoing(context.Background(), accountID)
	require.NoError(t, err)
	for _, it := range items {
		if it.ID == id {
			return it
		}
	}
	t.Fatalf("item %s not found", id)
	return model.OutgoingItem{}
}

func TestDispatchDeliversAndAppendsSent(t *testing.T) {
	s := testutil.NewTestStore(t)
	acct := testutil.SeedAccount(t, s, "a1")

	transport := &fakeTransport{}
	d := newDispatcher(s, transport)
	item := enqueue(t, d, acct.ID, "hello")

	require.NoError(t, d.Drain(context.Background(), acct.ID))

	got := getItem(t, s, acct.ID, item.ID)
	assert.Equal(t, model.OutgoingStatusSent, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, 1, transport.sendCount())

	// The delivered message lands in the local Sent folder, marked read.
	sent, err := s.GetFolderByPath(context.Background(), acct.ID, "Sent")
	require.NoError(t, err)
	require.NotNil(t, sent)
	msgs, err := s.GetMessages(context.Background(), sent.ID, store.MessageFilter{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Subject)
	assert.True(t, msgs[0].Seen)
	assert.True(t, msgs[0].BodyFetched)
}

func TestRetryableFailureThenSuccess(t *testing.T) {
	s := testutil.NewTestStore(t)
	acct := testutil.SeedAccount(t, s, "a1")

	transport := &fakeTransport{errs: []error{retryableErr(421), retryableErr(421)}}
	d := newDispatcher(s, transport)
	item := enqueue(t, d, acct.ID, "flaky")

	require.NoError(t, d.Drain(context.Background(), acct.ID))

	got := getItem(t, s, acct.ID, item.ID)
	assert.Equal(t, model.OutgoingStatusFailedRetryable, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Contains(t, got.LastError, "421")

	// Each backoff delay elapses and the item becomes due again; the
	// third attempt delivers.
	time.Sleep(150 * time.Millisecond)
	require.NoError(t, d.Drain(context.Background(), acct.ID))
	time.Sleep(250 * time.Millisecond)
	require.NoError(t, d.Drain(context.Background(), acct.ID))

	got = getItem(t, s, acct.ID, item.ID)
	assert.Equal(t, model.OutgoingStatusSent, got.Status)
	assert.Equal(t, 3, got.Attempts)
	assert.Equal(t, 3, transport.sendCount())
}

func TestPermanentFailureStopsImmediately(t *testing.T) {
	s := testutil.NewTestStore(t)
	acct := testutil.SeedAccount(t, s, "a1")

	permanent := fmt.Errorf("SMTP RCPT TO: 550 no such user: %w", model.ErrPermanentFailure)
	transport := &fakeTransport{errs: []error{permanent}}
	d := newDispatcher(s, transport)
	item := enqueue(t, d, acct.ID, "bad rcpt")

	require.NoError(t, d.Drain(context.Background(), acct.ID))

	got := getItem(t, s, acct.ID, item.ID)
	assert.Equal(t, model.OutgoingStatusFailedPermanent, got.Status)
	assert.Contains(t, got.LastError, "550")
	assert.True(t, got.Terminal())

	// A later drain does not pick the item up again.
	require.NoError(t, d.Drain(context.Background(), acct.ID))
	assert.Equal(t, 1, transport.sendCount())

	// No Sent copy for failed mail.
	sent, err := s.GetFolderByPath(context.Background(), acct.ID, "Sent")
	require.NoError(t, err)
	assert.Nil(t, sent)
}

func TestRetriesExhaustedBecomePermanent(t *testing.T) {
	s := testutil.NewTestStore(t)
	acct := testutil.SeedAccount(t, s, "a1")

	transport := &fakeTransport{errs: []error{
		retryableErr(451), retryableErr(451), retryableErr(451), retryableErr(451),
	}}
	d := newDispatcher(s, transport)
	item := enqueue(t, d, acct.ID, "doomed")

	deadline := time.Now().Add(5 * time.Second)
	for {
		require.NoError(t, d.Drain(context.Background(), acct.ID))
		got := getItem(t, s, acct.ID, item.ID)
		if got.Terminal() {
			assert.Equal(t, model.OutgoingStatusFailedPermanent, got.Status)
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("item never reached a terminal status: %+v", got)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// MaxAttempts of 3: two rescheduled failures, then the third attempt
	// fails permanently.
	assert.Equal(t, 3, transport.sendCount())
}

func TestDrainPreservesFIFOOrder(t *testing.T) {
	s := testutil.NewTestStore(t)
	acct := testutil.SeedAccount(t, s, "a1")

	transport := &fakeTransport{}
	d := newDispatcher(s, transport)

	first := enqueue(t, d, acct.ID, "first")
	second := enqueue(t, d, acct.ID, "second")
	third := enqueue(t, d, acct.ID, "third")

	require.NoError(t, d.Drain(context.Background(), acct.ID))

	require.Len(t, transport.sends, 3)
	assert.Equal(t, first.ID, transport.sends[0].ID)
	assert.Equal(t, second.ID, transport.sends[1].ID)
	assert.Equal(t, third.ID, transport.sends[2].ID)
}

func TestConnectionFailureStopsDrain(t *testing.T) {
	s := testutil.NewTestStore(t)
	acct := testutil.SeedAccount(t, s, "a1")

	connErr := fmt.Errorf("dial tcp: refused: %w", model.ErrConnectionFailed)
	transport := &fakeTransport{errs: []error{connErr, connErr, connErr}}
	d := newDispatcher(s, transport)

	first := enqueue(t, d, acct.ID, "first")
	second := enqueue(t, d, acct.ID, "second")

	err := d.Drain(context.Background(), acct.ID)
	require.Error(t, err)

	// Only the head of the queue burned an attempt; the rest stays
	// pending and untouched.
	assert.Equal(t, 1, transport.sendCount())
	gotFirst := getItem(t, s, acct.ID, first.ID)
	assert.Equal(t, model.OutgoingStatusFailedRetryable, gotFirst.Status)
	assert.Equal(t, 1, gotFirst.Attempts)
	gotSecond := getItem(t, s, acct.ID, second.ID)
	assert.Equal(t, model.OutgoingStatusPending, gotSecond.Status)
	assert.Equal(t, 0, gotSecond.Attempts)
}

func TestAuthFailureLeavesQueueUntouched(t *testing.T) {
	s := testutil.NewTestStore(t)
	acct := testutil.SeedAccount(t, s, "a1")

	authErr := fmt.Errorf("SMTP AUTH: 535 bad credentials: %w", model.ErrAuthenticationFailed)
	transport := &fakeTransport{errs: []error{authErr, authErr, authErr}}
	d := newDispatcher(s, transport)
	item := enqueue(t, d, acct.ID, "blocked")

	for i := 0; i < 3; i++ {
		err := d.Drain(context.Background(), acct.ID)
		require.ErrorIs(t, err, model.ErrAuthenticationFailed)
	}

	// The item never burns an attempt and never drifts toward a terminal
	// failure; it just waits for working credentials.
	got := getItem(t, s, acct.ID, item.ID)
	assert.Equal(t, model.OutgoingStatusPending, got.Status)
	assert.Equal(t, 0, got.Attempts)
	assert.Contains(t, got.LastError, "535")
	assert.Equal(t, 3, transport.sendCount())

	// Once the credentials work again the queued item delivers as if
	// nothing happened.
	require.NoError(t, d.Drain(context.Background(), acct.ID))
	got = getItem(t, s, acct.ID, item.ID)
	assert.Equal(t, model.OutgoingStatusSent, got.Status)
	assert.Equal(t, 1, got.Attempts)
}

func TestRunWakesForScheduledRetry(t *testing.T) {
	s := testutil.NewTestStore(t)
	acct := testutil.SeedAccount(t, s, "a1")

	transport := &fakeTransport{errs: []error{retryableErr(421)}}
	d := newDispatcher(s, transport)
	item := enqueue(t, d, acct.ID, "delayed")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Run(ctx, acct.ID)
	}()

	// The retry is due after one backoff delay; Run must arm a timer for
	// it rather than wait out the long idle tick.
	deadline := time.Now().Add(5 * time.Second)
	for {
		got := getItem(t, s, acct.ID, item.ID)
		if got.Status == model.OutgoingStatusSent {
			assert.Equal(t, 2, got.Attempts)
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("retry was never dispatched: %+v", got)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	<-done
}

func TestQuotaFailureIsRetryable(t *testing.T) {
	s := testutil.NewTestStore(t)
	acct := testutil.SeedAccount(t, s, "a1")

	quota := fmt.Errorf("SMTP MAIL FROM: 452 over quota: %w", model.ErrQuotaExceeded)
	transport := &fakeTransport{errs: []error{quota}}
	d := newDispatcher(s, transport)
	item := enqueue(t, d, acct.ID, "big")

	require.NoError(t, d.Drain(context.Background(), acct.ID))

	got := getItem(t, s, acct.ID, item.ID)
	assert.Equal(t, model.OutgoingStatusFailedRetryable, got.Status)
	assert.Equal(t, 1, got.Attempts)
}

func TestEnqueueRequiresAddresses(t *testing.T) {
	s := testutil.NewTestStore(t)
	testutil.SeedAccount(t, s, "a1")

	d := newDispatcher(s, &fakeTransport{})
	_, err := d.Enqueue(context.Background(), model.OutgoingItem{AccountID: "a1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "from and to are required")
}
