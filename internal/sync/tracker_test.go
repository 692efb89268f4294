package sync

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/refundscout/internal/credential"
	"github.com/nhle/refundscout/internal/events"
	"github.com/nhle/refundscout/internal/imap"
	"github.com/nhle/refundscout/internal/imap/imaptest"
	"github.com/nhle/refundscout/internal/model"
	"github.com/nhle/refundscout/internal/scanner"
	"github.com/nhle/refundscout/internal/store"
	"github.com/nhle/refundscout/tests/testutil"
)

const testSecret = "tracker-test-secret"

func testMailbox() *imaptest.Mailbox {
	now := time.Now().UTC()
	return &imaptest.Mailbox{
		User:        "jane@example.com",
		Password:    "correct horse",
		UIDValidity: 9,
		Messages: []imaptest.Message{
			{UID: 11, From: "Ryanair <promo@ryanair.com>", Subject: "Your flight was cancelled", Date: now.AddDate(0, 0, -5)},
			{UID: 12, From: "noreply@example.com", Subject: "Weekly digest", Date: now.AddDate(0, 0, -3)},
			{UID: 13, From: "friend@gmail.com", Subject: "Photos", Date: now.AddDate(0, 0, -1)},
		},
	}
}

// observingScanner records the connection status seen while scanning.
type observingScanner struct {
	inner  Scanner
	store  store.Store
	seen   model.ConnectionStatus
	called int
}

func (o *observingScanner) Scan(ctx context.Context, conn model.MailboxConnection, priority []string) ([]model.MessageRecord, error) {
	o.called++
	if c, err := o.store.GetConnection(ctx, conn.ID); err == nil {
		o.seen = c.Status
	}
	return o.inner.Scan(ctx, conn, priority)
}

type scanFunc func(ctx context.Context, conn model.MailboxConnection, priority []string) ([]model.MessageRecord, error)

func (f scanFunc) Scan(ctx context.Context, conn model.MailboxConnection, priority []string) ([]model.MessageRecord, error) {
	return f(ctx, conn, priority)
}

type refusingLocker struct{}

func (refusingLocker) Acquire(context.Context, string) (func(), bool) { return nil, false }

type trackerFixture struct {
	store   store.Store
	vault   *credential.Vault
	srv     *imaptest.Server
	obs     *observingScanner
	events  *events.Memory
	tracker *Tracker
	conn    *model.MailboxConnection
}

func newTrackerFixture(t *testing.T, mb *imaptest.Mailbox, overrides map[string]imaptest.Handler, blob string) trackerFixture {
	t.Helper()
	s := testutil.NewTestStore(t)
	vault, err := credential.NewVault(testSecret)
	require.NoError(t, err)

	if blob == "" {
		blob, err = vault.Encrypt(mb.Password)
		require.NoError(t, err)
	}
	conn := testutil.SeedConnection(t, s, model.MailboxConnection{
		Email:               mb.User,
		EncryptedCredential: blob,
	})

	srv := mb.Server(overrides)
	t.Cleanup(srv.Close)
	sc := scanner.New(vault, scanner.Config{
		LookbackDays:      30,
		MaxFetch:          50,
		FallbackThreshold: 20,
		Session: imap.Options{
			Dial:           srv.Dial,
			CommandTimeout: 2 * time.Second,
			LogoutTimeout:  500 * time.Millisecond,
		},
	}, nil)
	obs := &observingScanner{inner: sc, store: s}
	mem := &events.Memory{}

	tr := NewTracker(s, obs, []string{"ryanair.com"},
		WithEvents(mem),
		WithRotator(vault),
		WithTimeout(10*time.Second),
	)
	return trackerFixture{store: s, vault: vault, srv: srv, obs: obs, events: mem, tracker: tr, conn: conn}
}

func TestRequestScan_Success(t *testing.T) {
	f := newTrackerFixture(t, testMailbox(), nil, "")
	ctx := context.Background()

	out, err := f.tracker.RequestScan(ctx, f.conn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSyncing, f.obs.seen, "status must be syncing while the scan runs")
	assert.Equal(t, model.StatusConnected, out.Status)
	assert.Equal(t, 3, out.Found)
	assert.Equal(t, 3, out.Saved)
	assert.NoError(t, out.Err)

	got, err := f.store.GetConnection(ctx, f.conn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusConnected, got.Status)
	assert.Equal(t, 3, got.EmailsScanned)
	assert.Nil(t, got.LastError)
	require.NotNil(t, got.LastSyncAt)

	evs := f.events.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, events.KeyScanCompleted, evs[0].RoutingKey)
	ev := evs[0].Payload.(events.ScanEvent)
	assert.Equal(t, 3, ev.Saved)
	assert.Equal(t, "user-1", ev.UserID)
}

func TestRequestScan_RescanIsIdempotent(t *testing.T) {
	f := newTrackerFixture(t, testMailbox(), nil, "")
	ctx := context.Background()

	_, err := f.tracker.RequestScan(ctx, f.conn.ID)
	require.NoError(t, err)
	out, err := f.tracker.RequestScan(ctx, f.conn.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, out.Found)
	assert.Zero(t, out.Saved)

	got, err := f.store.GetConnection(ctx, f.conn.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.EmailsScanned)
}

func TestRequestScan_BadPassword(t *testing.T) {
	mb := testMailbox()
	f := newTrackerFixture(t, mb, nil, "")
	mb.Password = "rotated by the user"
	ctx := context.Background()

	out, err := f.tracker.RequestScan(ctx, f.conn.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, imap.ErrInvalidCredentials)
	assert.Equal(t, model.StatusCredentialsExpired, out.Status)

	got, err := f.store.GetConnection(ctx, f.conn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCredentialsExpired, got.Status)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "invalid_credentials")
	assert.Zero(t, got.EmailsScanned)

	msgs, err := f.store.ListMessages(ctx, store.MessageFilter{ConnectionID: f.conn.ID})
	require.NoError(t, err)
	assert.Empty(t, msgs)

	evs := f.events.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, events.KeyScanFailed, evs[0].RoutingKey)
}

func TestRequestScan_DisconnectMidFetch(t *testing.T) {
	mb := testMailbox()
	first := imaptest.FetchBlock(1, 11, mb.Messages[0].Header())
	f := newTrackerFixture(t, mb, map[string]imaptest.Handler{
		"FETCH": imaptest.Hangup(first + "* 2 FETCH (UID 12 BODY[HEADER.FIELDS (FROM SUBJECT DATE)] {64}\r\nFrom: nore"),
	}, "")
	ctx := context.Background()

	out, err := f.tracker.RequestScan(ctx, f.conn.ID)
	require.Error(t, err)
	assert.Equal(t, model.StatusError, out.Status)
	assert.Zero(t, out.Saved)

	got, err := f.store.GetConnection(ctx, f.conn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusError, got.Status)
	assert.Zero(t, got.EmailsScanned)
	require.NotNil(t, got.LastError)

	msgs, err := f.store.ListMessages(ctx, store.MessageFilter{ConnectionID: f.conn.ID})
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestRequestScan_RecoversFromErrorStatus(t *testing.T) {
	f := newTrackerFixture(t, testMailbox(), nil, "")
	ctx := context.Background()
	require.NoError(t, f.store.FailSync(ctx, f.conn.ID, model.StatusError, "earlier timeout"))

	_, err := f.tracker.RequestScan(ctx, f.conn.ID)
	require.NoError(t, err)

	got, err := f.store.GetConnection(ctx, f.conn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusConnected, got.Status)
	assert.Nil(t, got.LastError)
}

func TestRequestScan_AlreadySyncing(t *testing.T) {
	f := newTrackerFixture(t, testMailbox(), nil, "")
	ctx := context.Background()

	ok, err := f.store.BeginSync(ctx, f.conn.ID)
	require.NoError(t, err)
	require.True(t, ok)

	out, err := f.tracker.RequestScan(ctx, f.conn.ID)
	assert.ErrorIs(t, err, ErrScanInProgress)
	assert.Nil(t, out)
	assert.Zero(t, f.obs.called)
	assert.Empty(t, f.srv.Commands())
}

func TestRequestScan_LockHeldElsewhere(t *testing.T) {
	f := newTrackerFixture(t, testMailbox(), nil, "")
	f.tracker.locker = refusingLocker{}

	_, err := f.tracker.RequestScan(context.Background(), f.conn.ID)
	assert.ErrorIs(t, err, ErrScanInProgress)

	got, err := f.store.GetConnection(context.Background(), f.conn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusConnected, got.Status, "a refused request must not touch status")
}

func TestRequestScan_RotatesLegacyCredential(t *testing.T) {
	mb := testMailbox()
	legacy := credential.LegacyEncrypt(mb.Password, testSecret)
	f := newTrackerFixture(t, mb, nil, legacy)
	ctx := context.Background()

	_, err := f.tracker.RequestScan(ctx, f.conn.ID)
	require.NoError(t, err)

	got, err := f.store.GetConnection(ctx, f.conn.ID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(got.EncryptedCredential, "v2:"))
	plain, err := f.vault.Decrypt(got.EncryptedCredential)
	require.NoError(t, err)
	assert.Equal(t, mb.Password, plain)
}

func TestRequestScan_CorruptCredentialExpires(t *testing.T) {
	f := newTrackerFixture(t, testMailbox(), nil, "v2:bm90LWEtcmVhbC1ibG9iLWF0LWFsbC1ub3BlLW5vcGU=")
	ctx := context.Background()

	out, err := f.tracker.RequestScan(ctx, f.conn.ID)
	assert.ErrorIs(t, err, credential.ErrCredentialCorrupt)
	assert.Equal(t, model.StatusCredentialsExpired, out.Status)
	assert.Empty(t, f.srv.Commands())
}

func TestRequestScan_CancelledScanRecordsError(t *testing.T) {
	s := testutil.NewTestStore(t)
	conn := testutil.SeedConnection(t, s, model.MailboxConnection{Email: "a@example.com"})
	ctx, cancel := context.WithCancel(context.Background())

	tr := NewTracker(s, scanFunc(func(ctx context.Context, _ model.MailboxConnection, _ []string) ([]model.MessageRecord, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	}), nil)

	out, err := tr.RequestScan(ctx, conn.ID)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, model.StatusError, out.Status)

	got, err := s.GetConnection(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusError, got.Status)
}

func TestRequestScan_UnknownConnection(t *testing.T) {
	s := testutil.NewTestStore(t)
	tr := NewTracker(s, scanFunc(func(context.Context, model.MailboxConnection, []string) ([]model.MessageRecord, error) {
		t.Fatal("scanner must not run")
		return nil, nil
	}), nil)

	_, err := tr.RequestScan(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want model.ConnectionStatus
	}{
		{"success", nil, model.StatusConnected},
		{"invalid credentials", &imap.Error{Kind: imap.KindInvalidCredentials, Op: "LOGIN"}, model.StatusCredentialsExpired},
		{"corrupt credential", credential.ErrCredentialCorrupt, model.StatusCredentialsExpired},
		{"throttled", &imap.Error{Kind: imap.KindRejected, Op: "LOGIN"}, model.StatusError},
		{"timeout", &imap.Error{Kind: imap.KindTimeout, Op: "FETCH"}, model.StatusError},
		{"protocol", &imap.Error{Kind: imap.KindProtocol, Op: "SEARCH"}, model.StatusError},
		{"other", errors.New("disk full"), model.StatusError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StatusFor(tt.err))
		})
	}
}
