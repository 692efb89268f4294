package scanner

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/refundscout/internal/credential"
	"github.com/nhle/refundscout/internal/imap"
	"github.com/nhle/refundscout/internal/imap/imaptest"
	"github.com/nhle/refundscout/internal/model"
)

var scanNow = time.Date(2026, 3, 31, 12, 0, 0, 0, time.UTC)

func fixtureMailbox() *imaptest.Mailbox {
	return &imaptest.Mailbox{
		User:        "jane@example.com",
		Password:    "hunter2",
		UIDValidity: 3,
		Messages: []imaptest.Message{
			{UID: 40, From: "old@ryanair.com", Subject: "Too old", Date: scanNow.AddDate(0, -3, 0)},
			{UID: 51, From: "Ryanair <promo@ryanair.com>", Subject: "Flight FR123 cancelled", Date: scanNow.AddDate(0, 0, -20)},
			{UID: 52, From: "noreply@example.com", Subject: "Newsletter", Date: scanNow.AddDate(0, 0, -10)},
			{UID: 53, From: "Bob <bob@mail.friends.org>", Subject: "Dinner", Date: scanNow.AddDate(0, 0, -1)},
		},
	}
}

type fixture struct {
	srv     *imaptest.Server
	scanner *Scanner
	conn    model.MailboxConnection
}

func newFixture(t *testing.T, mb *imaptest.Mailbox, overrides map[string]imaptest.Handler, cfg Config) fixture {
	t.Helper()
	vault, err := credential.NewVault("test-secret")
	require.NoError(t, err)
	blob, err := vault.Encrypt(mb.Password)
	require.NoError(t, err)

	srv := mb.Server(overrides)
	t.Cleanup(srv.Close)

	cfg.Session.Dial = srv.Dial
	cfg.Session.CommandTimeout = 2 * time.Second
	cfg.Session.LogoutTimeout = 500 * time.Millisecond
	s := New(vault, cfg, nil)
	s.now = func() time.Time { return scanNow }

	return fixture{
		srv:     srv,
		scanner: s,
		conn: model.MailboxConnection{
			ID:                  "conn-1",
			Email:               mb.User,
			Host:                "imap.example.com",
			Port:                993,
			EncryptedCredential: blob,
		},
	}
}

func TestScan_SmallResultKeepsEverything(t *testing.T) {
	f := newFixture(t, fixtureMailbox(), nil, Config{LookbackDays: 30, FallbackThreshold: 20})

	recs, err := f.scanner.Scan(context.Background(), f.conn, []string{"ryanair.com"})
	require.NoError(t, err)
	require.Len(t, recs, 3)

	assert.Equal(t, "51", recs[0].ProviderMessageID)
	assert.Equal(t, "promo@ryanair.com", recs[0].Sender)
	assert.Equal(t, "ryanair.com", recs[0].SenderDomain)
	assert.Equal(t, "Flight FR123 cancelled", recs[0].Subject)
	assert.True(t, recs[0].ReceivedAt.Equal(scanNow.AddDate(0, 0, -20)))
	assert.Equal(t, "52", recs[1].ProviderMessageID)
	assert.Equal(t, "53", recs[2].ProviderMessageID)
	assert.Equal(t, "mail.friends.org", recs[2].SenderDomain)

	assert.Equal(t, []string{"LOGIN", "SELECT", "SEARCH", "FETCH", "LOGOUT"}, f.srv.Verbs())
	assert.Contains(t, f.srv.Commands(), "A003 SEARCH SINCE 01-Mar-2026")
}

func TestScan_LargeResultKeepsOnlyPriorityDomains(t *testing.T) {
	f := newFixture(t, fixtureMailbox(), nil, Config{LookbackDays: 30, FallbackThreshold: 2})

	recs, err := f.scanner.Scan(context.Background(), f.conn, []string{"RyanAir.com", "friends.org"})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "51", recs[0].ProviderMessageID)
	assert.Equal(t, "53", recs[1].ProviderMessageID)
}

func TestScan_FetchesOnlyMostRecentHits(t *testing.T) {
	f := newFixture(t, fixtureMailbox(), nil, Config{LookbackDays: 365, MaxFetch: 2, FallbackThreshold: 20})

	recs, err := f.scanner.Scan(context.Background(), f.conn, nil)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "52", recs[0].ProviderMessageID)
	assert.Equal(t, "53", recs[1].ProviderMessageID)

	var fetch string
	for _, c := range f.srv.Commands() {
		if strings.Contains(c, " FETCH ") {
			fetch = c
		}
	}
	assert.True(t, strings.HasPrefix(fetch, "A004 FETCH 3:4 "), fetch)
}

func TestScan_EmptySearchSkipsFetch(t *testing.T) {
	mb := fixtureMailbox()
	f := newFixture(t, mb, map[string]imaptest.Handler{
		"SEARCH": imaptest.OK("* SEARCH"),
	}, Config{})

	recs, err := f.scanner.Scan(context.Background(), f.conn, nil)
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Equal(t, []string{"LOGIN", "SELECT", "SEARCH", "LOGOUT"}, f.srv.Verbs())
}

func TestScan_BadPassword(t *testing.T) {
	mb := fixtureMailbox()
	f := newFixture(t, mb, nil, Config{})
	mb.Password = "changed-since-linking"

	recs, err := f.scanner.Scan(context.Background(), f.conn, nil)
	require.Error(t, err)
	assert.Nil(t, recs)
	assert.ErrorIs(t, err, imap.ErrInvalidCredentials)
	assert.Equal(t, []string{"LOGIN", "LOGOUT"}, f.srv.Verbs())
}

func TestScan_DisconnectMidFetchDiscardsEverything(t *testing.T) {
	mb := fixtureMailbox()
	first := imaptest.FetchBlock(2, 51, mb.Messages[1].Header())
	f := newFixture(t, mb, map[string]imaptest.Handler{
		"FETCH": imaptest.Hangup(first + "* 3 FETCH (UID 52 BODY[HEADER.FIELDS (FROM SUBJECT DATE)] {80}\r\nFrom: no"),
	}, Config{})

	recs, err := f.scanner.Scan(context.Background(), f.conn, nil)
	require.Error(t, err)
	assert.Nil(t, recs)
	assert.Equal(t, imap.KindProtocol, imap.KindOf(err))
}

func TestScan_CommandTimeout(t *testing.T) {
	f := newFixture(t, fixtureMailbox(), map[string]imaptest.Handler{
		"SEARCH": imaptest.Stall(),
	}, Config{})
	f.scanner.cfg.Session.CommandTimeout = 100 * time.Millisecond

	start := time.Now()
	recs, err := f.scanner.Scan(context.Background(), f.conn, nil)
	require.Error(t, err)
	assert.Nil(t, recs)
	assert.ErrorIs(t, err, imap.ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestScan_CorruptCredentialNeverDials(t *testing.T) {
	f := newFixture(t, fixtureMailbox(), nil, Config{})
	f.conn.EncryptedCredential = "v2:AAAA"

	_, err := f.scanner.Scan(context.Background(), f.conn, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, credential.ErrCredentialCorrupt)
	assert.Empty(t, f.srv.Commands())
}

func TestScan_PreauthSkipsLogin(t *testing.T) {
	f := newFixture(t, fixtureMailbox(), nil, Config{FallbackThreshold: 20})
	f.srv.Greeting = "* PREAUTH ready\r\n"

	recs, err := f.scanner.Scan(context.Background(), f.conn, nil)
	require.NoError(t, err)
	assert.Len(t, recs, 3)
	assert.Equal(t, []string{"SELECT", "SEARCH", "FETCH", "LOGOUT"}, f.srv.Verbs())
}

func TestTestConnection(t *testing.T) {
	mb := fixtureMailbox()
	f := newFixture(t, mb, nil, Config{})
	ctx := context.Background()

	require.NoError(t, f.scanner.TestConnection(ctx, "imap.example.com:993", mb.User, mb.Password))

	err := f.scanner.TestConnection(ctx, "imap.example.com:993", mb.User, "wrong")
	assert.ErrorIs(t, err, imap.ErrInvalidCredentials)

	assert.Equal(t, []string{"LOGIN", "LOGOUT", "LOGIN", "LOGOUT"}, f.srv.Verbs())
}
