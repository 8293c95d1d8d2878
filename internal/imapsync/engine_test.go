package imapsync_test

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/config"
	"github.com/nhle/mailsync/internal/imapsync"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/store"
	"github.com/nhle/mailsync/tests/testutil"
)

type fakeMailbox struct {
	uidValidity uint32
	envelopes   map[uint32]imapsync.Envelope
}

type fakeSession struct {
	mu       sync.Mutex
	folders  []string
	boxes    map[string]*fakeMailbox
	selected *fakeMailbox

	envelopeFetches [][]uint32
	storedFlags     map[uint32]store.Flags
	bodyText        string
	bodyHTML        string
	closed          bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		boxes:       map[string]*fakeMailbox{},
		storedFlags: map[uint32]store.Flags{},
		bodyText:    "hello",
		bodyHTML:    "<p>hello</p>",
	}
}

func (s *fakeSession) addFolder(path string, validity uint32) *fakeMailbox {
	box := &fakeMailbox{uidValidity: validity, envelopes: map[uint32]imapsync.Envelope{}}
	s.folders = append(s.folders, path)
	s.boxes[path] = box
	return box
}

func (b *fakeMailbox) addMessage(uid uint32, subject string, flags store.Flags) {
	b.envelopes[uid] = imapsync.Envelope{
		UID:     uid,
		Subject: subject,
		Sender:  "peer@example.com",
		Date:    time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
		Flags:   flags,
	}
}

func (b *fakeMailbox) sortedUIDs() []uint32 {
	uids := make([]uint32, 0, len(b.envelopes))
	for uid := range b.envelopes {
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids
}

func (s *fakeSession) ListFolders(ctx context.Context) ([]store.FolderListing, error) {
	var listing []store.FolderListing
	for _, path := range s.folders {
		listing = append(listing, store.FolderListing{Path: path})
	}
	return listing, nil
}

func (s *fakeSession) SelectFolder(ctx context.Context, path string) (imapsync.FolderStatus, error) {
	box, ok := s.boxes[path]
	if !ok {
		return imapsync.FolderStatus{}, context.Canceled
	}
	s.selected = box
	return imapsync.FolderStatus{
		UIDValidity: box.uidValidity,
		NumMessages: uint32(len(box.envelopes)),
	}, nil
}

func (s *fakeSession) UIDsAbove(ctx context.Context, marker uint32) ([]uint32, error) {
	var uids []uint32
	for _, uid := range s.selected.sortedUIDs() {
		if uid > marker {
			uids = append(uids, uid)
		}
	}
	return uids, nil
}

func (s *fakeSession) AllUIDs(ctx context.Context) ([]uint32, error) {
	return s.selected.sortedUIDs(), nil
}

func (s *fakeSession) FetchEnvelopes(ctx context.Context, uids []uint32) ([]imapsync.Envelope, error) {
	s.mu.Lock()
	s.envelopeFetches = append(s.envelopeFetches, uids)
	s.mu.Unlock()

	var envs []imapsync.Envelope
	for _, uid := range uids {
		if env, ok := s.selected.envelopes[uid]; ok {
			envs = append(envs, env)
		}
	}
	return envs, nil
}

func (s *fakeSession) FetchFlags(ctx context.Context, uids []uint32) ([]imapsync.FlagState, error) {
	var states []imapsync.FlagState
	for _, uid := range uids {
		if env, ok := s.selected.envelopes[uid]; ok {
			states = append(states, imapsync.FlagState{UID: uid, Flags: env.Flags})
		}
	}
	return states, nil
}

func (s *fakeSession) FetchBody(ctx context.Context, uid uint32) (string, string, error) {
	return s.bodyText, s.bodyHTML, nil
}

func (s *fakeSession) StoreFlags(ctx context.Context, uid uint32, flags store.Flags) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.storedFlags[uid] = flags
	if env, ok := s.selected.envelopes[uid]; ok {
		env.Flags = flags
		s.selected.envelopes[uid] = env
	}
	return nil
}

func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}

type fakeDialer struct {
	mu       sync.Mutex
	sess     imapsync.Session
	failures int
	failWith error
	dials    int
}

func (d *fakeDialer) Dial(ctx context.Context, params model.ConnectionParams) (imapsync.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials++
	if d.failures > 0 {
		d.failures--
		return nil, d.failWith
	}
	if d.failWith != nil && d.failures == 0 && d.sess == nil {
		return nil, d.failWith
	}
	return d.sess, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type fakeResolver struct{}

func (fakeResolver) ResolveConnection(ctx context.Context, accountID string) (model.ConnectionParams, error) {
	return model.ConnectionParams{Address: accountID + "@example.com"}, nil
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.BackoffBase = time.Millisecond
	cfg.BackoffCap = 5 * time.Millisecond
	cfg.MaxAttempts = 3
	cfg.SyncInterval = time.Hour
	cfg.FetchBatchSize = 2
	return cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newEngine(s store.Store, dialer imapsync.Dialer, cfg *config.Config, onStatus imapsync.StatusFunc) *imapsync.Engine {
	return imapsync.NewEngine(s, fakeResolver{}, dialer, cfg, quietLogger(), onStatus)
}

func TestSyncOnceFetchesNewMessages(t *testing.T) {
	s := testutil.NewTestStore(t)
	acct := testutil.SeedAccount(t, s, "a1")

	sess := newFakeSession()
	inbox := sess.addFolder("INBOX", 7)
	inbox.addMessage(101, "first", store.Flags{})
	inbox.addMessage(102, "second", store.Flags{Seen: true})
	inbox.addMessage(103, "third", store.Flags{})

	engine := newEngine(s, &fakeDialer{sess: sess}, testConfig(), nil)
	require.NoError(t, engine.SyncOnce(context.Background(), acct.ID))

	folder, err := s.GetFolderByPath(context.Background(), acct.ID, "INBOX")
	require.NoError(t, err)
	require.NotNil(t, folder)
	assert.Equal(t, uint32(103), folder.LastSyncedUID)
	assert.Equal(t, uint32(7), folder.UIDValidity)
	assert.Equal(t, 2, folder.UnreadCount)

	msgs, err := s.GetMessages(context.Background(), folder.ID, store.MessageFilter{})
	require.NoError(t, err)
	assert.Len(t, msgs, 3)

	// Batch size 2 splits three UIDs into two fetches.
	assert.Len(t, sess.envelopeFetches, 2)
	assert.Equal(t, []uint32{101, 102}, sess.envelopeFetches[0])
	assert.Equal(t, []uint32{103}, sess.envelopeFetches[1])

	assert.True(t, sess.closed)
}

func TestSyncResumesFromMarker(t *testing.T) {
	s := testutil.NewTestStore(t)
	acct := testutil.SeedAccount(t, s, "a1")

	sess := newFakeSession()
	inbox := sess.addFolder("INBOX", 7)
	for uid := uint32(99); uid <= 103; uid++ {
		inbox.addMessage(uid, "msg", store.Flags{})
	}

	engine := newEngine(s, &fakeDialer{sess: sess}, testConfig(), nil)
	require.NoError(t, engine.SyncOnce(context.Background(), acct.ID))

	folder, err := s.GetFolderByPath(context.Background(), acct.ID, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, uint32(103), folder.LastSyncedUID)

	// Second cycle with one new message fetches only that message.
	inbox.addMessage(104, "new", store.Flags{})
	sess.envelopeFetches = nil
	require.NoError(t, engine.SyncOnce(context.Background(), acct.ID))

	require.Len(t, sess.envelopeFetches, 1)
	assert.Equal(t, []uint32{104}, sess.envelopeFetches[0])
}

func TestUIDValidityResetRefetches(t *testing.T) {
	s := testutil.NewTestStore(t)
	acct := testutil.SeedAccount(t, s, "a1")

	sess := newFakeSession()
	inbox := sess.addFolder("INBOX", 7)
	inbox.addMessage(500, "old epoch", store.Flags{})

	engine := newEngine(s, &fakeDialer{sess: sess}, testConfig(), nil)
	require.NoError(t, engine.SyncOnce(context.Background(), acct.ID))

	// Server rebuilds the mailbox: new epoch, new UID namespace.
	inbox.uidValidity = 8
	inbox.envelopes = map[uint32]imapsync.Envelope{}
	inbox.addMessage(1, "new epoch", store.Flags{})

	require.NoError(t, engine.SyncOnce(context.Background(), acct.ID))

	folder, err := s.GetFolderByPath(context.Background(), acct.ID, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, uint32(8), folder.UIDValidity)
	assert.Equal(t, uint32(1), folder.LastSyncedUID)

	msgs, err := s.GetMessages(context.Background(), folder.ID, store.MessageFilter{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "new epoch", msgs[0].Subject)
	assert.Equal(t, uint32(1), msgs[0].UID)
}

func TestDirtyFlagsPushedToServer(t *testing.T) {
	s := testutil.NewTestStore(t)
	acct := testutil.SeedAccount(t, s, "a1")

	sess := newFakeSession()
	inbox := sess.addFolder("INBOX", 7)
	inbox.addMessage(10, "msg", store.Flags{})

	engine := newEngine(s, &fakeDialer{sess: sess}, testConfig(), nil)
	require.NoError(t, engine.SyncOnce(context.Background(), acct.ID))

	folder, err := s.GetFolderByPath(context.Background(), acct.ID, "INBOX")
	require.NoError(t, err)

	// User marks the message read and flagged between cycles.
	want := store.Flags{Seen: true, Flagged: true}
	require.NoError(t, s.SetLocalFlags(context.Background(), folder.ID, 10, want))

	require.NoError(t, engine.SyncOnce(context.Background(), acct.ID))

	assert.Equal(t, want, sess.storedFlags[10])

	msg, err := s.GetMessageByUID(context.Background(), folder.ID, 10)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.True(t, msg.Seen)
	assert.True(t, msg.Flagged)
	assert.False(t, msg.FlagsDirty)
}

func TestServerFlagChangesPulled(t *testing.T) {
	s := testutil.NewTestStore(t)
	acct := testutil.SeedAccount(t, s, "a1")

	sess := newFakeSession()
	inbox := sess.addFolder("INBOX", 7)
	inbox.addMessage(10, "msg", store.Flags{})

	engine := newEngine(s, &fakeDialer{sess: sess}, testConfig(), nil)
	require.NoError(t, engine.SyncOnce(context.Background(), acct.ID))

	// Another client answers the message on the server.
	inbox.addMessage(10, "msg", store.Flags{Seen: true, Answered: true})
	require.NoError(t, engine.SyncOnce(context.Background(), acct.ID))

	folder, err := s.GetFolderByPath(context.Background(), acct.ID, "INBOX")
	require.NoError(t, err)
	msg, err := s.GetMessageByUID(context.Background(), folder.ID, 10)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.True(t, msg.Seen)
	assert.True(t, msg.Answered)
}

func TestAuthFailurePausesWithoutRetry(t *testing.T) {
	s := testutil.NewTestStore(t)
	acct := testutil.SeedAccount(t, s, "a1")

	dialer := &fakeDialer{failures: 100, failWith: model.ErrAuthenticationFailed}

	var mu sync.Mutex
	var statuses []model.AccountStatus
	engine := newEngine(s, dialer, testConfig(), func(st model.AccountStatus) {
		mu.Lock()
		statuses = append(statuses, st)
		mu.Unlock()
	})

	engine.Run(context.Background(), acct.ID)

	assert.Equal(t, 1, dialer.dialCount(), "auth failures must not be retried")

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, statuses)
	last := statuses[len(statuses)-1]
	assert.Equal(t, model.AccountStatePausedError, last.State)
	assert.Equal(t, "authentication_failed", last.ErrorKind)
}

func TestConnectionFailureRetriedThenRecovers(t *testing.T) {
	s := testutil.NewTestStore(t)
	acct := testutil.SeedAccount(t, s, "a1")

	sess := newFakeSession()
	sess.addFolder("INBOX", 7)
	dialer := &fakeDialer{sess: sess, failures: 2, failWith: model.ErrConnectionFailed}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	idle := make(chan struct{}, 1)
	engine := newEngine(s, dialer, testConfig(), func(st model.AccountStatus) {
		if st.State == model.AccountStateIdle {
			select {
			case idle <- struct{}{}:
			default:
			}
		}
	})

	done := make(chan struct{})
	go func() {
		engine.Run(ctx, acct.ID)
		close(done)
	}()

	select {
	case <-idle:
	case <-time.After(5 * time.Second):
		t.Fatal("account never reached idle")
	}
	cancel()
	<-done

	assert.Equal(t, 3, dialer.dialCount())
}

func TestConnectionFailureExhaustsAttempts(t *testing.T) {
	s := testutil.NewTestStore(t)
	acct := testutil.SeedAccount(t, s, "a1")

	dialer := &fakeDialer{failures: 100, failWith: model.ErrConnectionFailed}

	var mu sync.Mutex
	var last model.AccountStatus
	engine := newEngine(s, dialer, testConfig(), func(st model.AccountStatus) {
		mu.Lock()
		last = st
		mu.Unlock()
	})

	engine.Run(context.Background(), acct.ID)

	// MaxAttempts of 3: the first try plus two retries.
	assert.Equal(t, 3, dialer.dialCount())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, model.AccountStatePausedError, last.State)
	assert.Equal(t, "connection_failed", last.ErrorKind)
}

func TestFetchBodyLazyCaching(t *testing.T) {
	s := testutil.NewTestStore(t)
	acct := testutil.SeedAccount(t, s, "a1")

	sess := newFakeSession()
	inbox := sess.addFolder("INBOX", 7)
	inbox.addMessage(10, "msg", store.Flags{})
	dialer := &fakeDialer{sess: sess}

	engine := newEngine(s, dialer, testConfig(), nil)
	require.NoError(t, engine.SyncOnce(context.Background(), acct.ID))
	syncDials := dialer.dialCount()

	msg, err := engine.FetchBody(context.Background(), acct.ID, "INBOX", 10)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.True(t, msg.BodyFetched)
	assert.Equal(t, "hello", msg.BodyText)
	assert.Equal(t, "<p>hello</p>", msg.BodyHTML)
	assert.Equal(t, syncDials+1, dialer.dialCount())

	// Cached body is served without a new connection.
	again, err := engine.FetchBody(context.Background(), acct.ID, "INBOX", 10)
	require.NoError(t, err)
	assert.Equal(t, "hello", again.BodyText)
	assert.Equal(t, syncDials+1, dialer.dialCount())
}
