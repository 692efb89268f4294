package imap_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/refundscout/internal/imap"
	"github.com/nhle/refundscout/internal/imap/imaptest"
)

func testMailbox() *imaptest.Mailbox {
	now := time.Now().UTC()
	return &imaptest.Mailbox{
		User:        "jane@example.com",
		Password:    `se"cr\et`,
		UIDValidity: 7,
		Messages: []imaptest.Message{
			{UID: 101, From: "Ryanair <noreply@ryanair.com>", Subject: "Flight delayed", Date: now.AddDate(0, 0, -2)},
			{UID: 102, From: "friend@gmail.com", Subject: "lunch?", Date: now.AddDate(0, 0, -1)},
		},
	}
}

func connect(t *testing.T, srv *imaptest.Server, opts imap.Options) *imap.Session {
	t.Helper()
	t.Cleanup(srv.Close)
	opts.Dial = srv.Dial
	s, err := imap.Connect(context.Background(), "imap.example.com:993", opts)
	require.NoError(t, err)
	return s
}

func TestSession_FullExchange(t *testing.T) {
	mb := testMailbox()
	srv := mb.Server(nil)
	s := connect(t, srv, imap.Options{})
	ctx := context.Background()

	assert.Equal(t, imap.StateUnauthenticated, s.State())
	require.NoError(t, s.Login(ctx, mb.User, mb.Password))
	assert.Equal(t, imap.StateAuthenticated, s.State())

	st, err := s.SelectInbox(ctx)
	require.NoError(t, err)
	assert.Equal(t, imap.StateSelected, s.State())
	assert.Equal(t, uint32(2), st.Exists)
	assert.Equal(t, uint32(7), st.UIDValidity)

	ids, err := s.Search(ctx, time.Now().AddDate(0, 0, -30))
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 2}, ids)

	recs, err := s.FetchHeaders(ctx, ids)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, uint32(101), recs[0].UID)
	assert.Equal(t, "noreply@ryanair.com", recs[0].From)
	assert.Equal(t, "Flight delayed", recs[0].Subject)
	assert.False(t, recs[0].Date.IsZero())
	assert.Equal(t, uint32(102), recs[1].UID)

	require.NoError(t, s.Logout(ctx))
	assert.Equal(t, imap.StateClosed, s.State())

	cmds := srv.Commands()
	require.Len(t, cmds, 5)
	for i, c := range cmds {
		assert.True(t, strings.HasPrefix(c, []string{"A001 ", "A002 ", "A003 ", "A004 ", "A005 "}[i]), c)
	}
	assert.Equal(t, `A001 LOGIN "jane@example.com" "se\"cr\\et"`, cmds[0])
	assert.Equal(t, "A002 SELECT INBOX", cmds[1])
	assert.True(t, strings.HasPrefix(cmds[2], "A003 SEARCH SINCE "))
	assert.True(t, strings.HasPrefix(cmds[3], "A004 FETCH "), cmds[3])
	assert.True(t, strings.HasSuffix(cmds[3], " (UID BODY.PEEK[HEADER.FIELDS (FROM SUBJECT DATE)])"), cmds[3])
	assert.Equal(t, "A005 LOGOUT", cmds[4])
}

func TestSession_StateMachineRejectsIllegalCalls(t *testing.T) {
	mb := testMailbox()
	srv := mb.Server(nil)
	s := connect(t, srv, imap.Options{})
	ctx := context.Background()

	_, err := s.Search(ctx, time.Now())
	assert.ErrorIs(t, err, imap.ErrUsage)

	_, err = s.FetchHeaders(ctx, []uint32{1})
	assert.ErrorIs(t, err, imap.ErrUsage)

	_, err = s.FetchHeaders(ctx, nil)
	assert.ErrorIs(t, err, imap.ErrUsage, "empty fetch is still checked against the state")

	_, err = s.SelectInbox(ctx)
	assert.ErrorIs(t, err, imap.ErrUsage)

	require.NoError(t, s.Login(ctx, mb.User, mb.Password))
	err = s.Login(ctx, mb.User, mb.Password)
	assert.ErrorIs(t, err, imap.ErrUsage, "second login")

	require.NoError(t, s.Logout(ctx))
	err = s.Login(ctx, mb.User, mb.Password)
	assert.ErrorIs(t, err, imap.ErrUsage, "login after logout")
	_, err = s.SelectInbox(ctx)
	assert.ErrorIs(t, err, imap.ErrUsage, "select after logout")
	assert.NoError(t, s.Logout(ctx), "second logout is a no-op")

	assert.Equal(t, []string{"LOGIN", "LOGOUT"}, srv.Verbs(), "illegal calls must not reach the wire")
}

func TestSession_SelectOnlyFromAuthenticated(t *testing.T) {
	mb := testMailbox()
	srv := mb.Server(nil)
	s := connect(t, srv, imap.Options{})
	ctx := context.Background()
	require.NoError(t, s.Login(ctx, mb.User, mb.Password))
	_, err := s.SelectInbox(ctx)
	require.NoError(t, err)

	_, err = s.SelectInbox(ctx)
	assert.ErrorIs(t, err, imap.ErrUsage, "second select")
	assert.Equal(t, imap.StateSelected, s.State(), "a rejected call leaves the session usable")

	require.NoError(t, s.Logout(ctx))
	assert.Equal(t, []string{"LOGIN", "SELECT", "LOGOUT"}, srv.Verbs())
}

func TestSession_TaggedTextEndingInBraces(t *testing.T) {
	mb := testMailbox()
	srv := mb.Server(map[string]imaptest.Handler{
		"LOGIN": func(tag, _ string) imaptest.Reply {
			return imaptest.Reply{Data: tag + " OK welcome {5}\r\n"}
		},
	})
	s := connect(t, srv, imap.Options{CommandTimeout: 2 * time.Second})
	ctx := context.Background()

	require.NoError(t, s.Login(ctx, mb.User, mb.Password))
	assert.Equal(t, imap.StateAuthenticated, s.State())
	require.NoError(t, s.Logout(ctx))
}

func TestSession_BadPassword(t *testing.T) {
	mb := testMailbox()
	srv := mb.Server(nil)
	s := connect(t, srv, imap.Options{})
	ctx := context.Background()

	err := s.Login(ctx, mb.User, "wrong")
	require.Error(t, err)
	assert.True(t, imap.IsInvalidCredentials(err))
	assert.Equal(t, imap.KindInvalidCredentials, imap.KindOf(err))
	assert.Contains(t, err.Error(), "AUTHENTICATIONFAILED")
	assert.Equal(t, imap.StateUnauthenticated, s.State())

	require.NoError(t, s.Login(ctx, mb.User, mb.Password), "session stays usable after NO")
	require.NoError(t, s.Logout(ctx))
}

func TestSession_LoginThrottledIsNotInvalidCredentials(t *testing.T) {
	srv := testMailbox().Server(map[string]imaptest.Handler{
		"LOGIN": imaptest.NO("[UNAVAILABLE] Too many logins, try later"),
	})
	s := connect(t, srv, imap.Options{})

	err := s.Login(context.Background(), "a", "b")
	require.Error(t, err)
	assert.Equal(t, imap.KindRejected, imap.KindOf(err))
	assert.False(t, imap.IsInvalidCredentials(err))
}

func TestSession_EightBitPasswordUsesLiteral(t *testing.T) {
	mb := testMailbox()
	mb.Password = "pässwörd"
	srv := mb.Server(nil)
	s := connect(t, srv, imap.Options{})

	require.NoError(t, s.Login(context.Background(), mb.User, mb.Password))
	assert.Equal(t, `A001 LOGIN "jane@example.com" "pässwörd"`, srv.Commands()[0])
}

func TestSession_LoginRejectsControlCharacters(t *testing.T) {
	srv := testMailbox().Server(nil)
	s := connect(t, srv, imap.Options{})

	err := s.Login(context.Background(), "jane", "a\r\nA999 LOGOUT")
	assert.ErrorIs(t, err, imap.ErrUsage)
	assert.Equal(t, imap.StateUnauthenticated, s.State())
	require.NoError(t, s.Logout(context.Background()))
	assert.Equal(t, []string{"LOGOUT"}, srv.Verbs())
}

func TestSession_BADIsProtocolError(t *testing.T) {
	mb := testMailbox()
	srv := mb.Server(map[string]imaptest.Handler{"SEARCH": imaptest.BAD("parse error")})
	s := connect(t, srv, imap.Options{})
	ctx := context.Background()
	require.NoError(t, s.Login(ctx, mb.User, mb.Password))
	_, err := s.SelectInbox(ctx)
	require.NoError(t, err)

	_, err = s.Search(ctx, time.Now())
	require.Error(t, err)
	assert.ErrorIs(t, err, imap.ErrProtocol)
	var e *imap.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "A003 BAD parse error", e.Raw)
}

func TestSession_NonLoginNOIsRejected(t *testing.T) {
	mb := testMailbox()
	srv := mb.Server(map[string]imaptest.Handler{"SELECT": imaptest.NO("[NONEXISTENT] no inbox")})
	s := connect(t, srv, imap.Options{})
	ctx := context.Background()
	require.NoError(t, s.Login(ctx, mb.User, mb.Password))

	_, err := s.SelectInbox(ctx)
	assert.ErrorIs(t, err, imap.ErrRejected)
	assert.Equal(t, imap.StateAuthenticated, s.State())
}

func TestSession_DisconnectMidFetch(t *testing.T) {
	mb := testMailbox()
	partial := imaptest.FetchBlock(1, 101, mb.Messages[0].Header()) +
		"* 2 FETCH (UID 102 BODY[HEADER.FIELDS (FROM SUBJECT DATE)] {80}\r\nFrom: friend@"
	srv := mb.Server(map[string]imaptest.Handler{"FETCH": imaptest.Hangup(partial)})
	s := connect(t, srv, imap.Options{})
	ctx := context.Background()
	require.NoError(t, s.Login(ctx, mb.User, mb.Password))
	_, err := s.SelectInbox(ctx)
	require.NoError(t, err)

	recs, err := s.FetchHeaders(ctx, []uint32{1, 2})
	require.Error(t, err)
	assert.Nil(t, recs)
	assert.Equal(t, imap.KindProtocol, imap.KindOf(err))
	assert.Equal(t, imap.StateClosed, s.State())
	assert.NoError(t, s.Logout(ctx))
}

func TestSession_FetchDropsBlocksWithoutUID(t *testing.T) {
	mb := testMailbox()
	srv := mb.Server(map[string]imaptest.Handler{
		"FETCH": imaptest.OK(
			"* 1 FETCH (FLAGS (\\Seen))",
			strings.TrimSuffix(imaptest.FetchBlock(2, 102, mb.Messages[1].Header()), "\r\n"),
		),
	})
	s := connect(t, srv, imap.Options{})
	ctx := context.Background()
	require.NoError(t, s.Login(ctx, mb.User, mb.Password))
	_, err := s.SelectInbox(ctx)
	require.NoError(t, err)

	recs, err := s.FetchHeaders(ctx, []uint32{1, 2})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, uint32(102), recs[0].UID)
	assert.Equal(t, "friend@gmail.com", recs[0].From)
}

func TestSession_FetchMergesSplitResponses(t *testing.T) {
	mb := testMailbox()
	delay := imaptest.Message{UID: 7, From: "a@ryanair.com", Subject: "Delay", Date: time.Now().UTC()}
	srv := mb.Server(map[string]imaptest.Handler{
		"FETCH": imaptest.OK(
			"* 1 FETCH (FLAGS (\\Seen) UID 7)",
			strings.TrimSuffix(imaptest.FetchBlock(1, 7, delay.Header()), "\r\n"),
			"* 2 FETCH (UID 102 FLAGS ())",
		),
	})
	s := connect(t, srv, imap.Options{})
	ctx := context.Background()
	require.NoError(t, s.Login(ctx, mb.User, mb.Password))
	_, err := s.SelectInbox(ctx)
	require.NoError(t, err)

	recs, err := s.FetchHeaders(ctx, []uint32{1, 2})
	require.NoError(t, err)
	require.Len(t, recs, 1, "one record per message; blocks without headers are dropped")
	assert.Equal(t, uint32(1), recs[0].SeqNum)
	assert.Equal(t, uint32(7), recs[0].UID)
	assert.Equal(t, "a@ryanair.com", recs[0].From)
	assert.Equal(t, "Delay", recs[0].Subject)
}

func TestSession_CommandTimeout(t *testing.T) {
	mb := testMailbox()
	srv := mb.Server(map[string]imaptest.Handler{"SELECT": imaptest.Stall()})
	s := connect(t, srv, imap.Options{CommandTimeout: 50 * time.Millisecond})
	ctx := context.Background()
	require.NoError(t, s.Login(ctx, mb.User, mb.Password))

	_, err := s.SelectInbox(ctx)
	assert.ErrorIs(t, err, imap.ErrTimeout)
	assert.Equal(t, imap.StateClosed, s.State())
}

func TestSession_LogoutIsBoundedWhenServerIsSilent(t *testing.T) {
	srv := testMailbox().Server(map[string]imaptest.Handler{"LOGOUT": imaptest.Stall()})
	s := connect(t, srv, imap.Options{LogoutTimeout: 50 * time.Millisecond})

	start := time.Now()
	err := s.Logout(context.Background())
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, imap.StateClosed, s.State())
}

func TestConnect_Greetings(t *testing.T) {
	t.Run("preauth", func(t *testing.T) {
		srv := imaptest.New(nil)
		srv.Greeting = "* PREAUTH welcome back\r\n"
		s := connect(t, srv, imap.Options{})
		assert.Equal(t, imap.StateAuthenticated, s.State())
		assert.NoError(t, s.Logout(context.Background()))
	})

	t.Run("bye", func(t *testing.T) {
		srv := imaptest.New(nil)
		srv.Greeting = "* BYE too many connections\r\n"
		t.Cleanup(srv.Close)
		_, err := imap.Connect(context.Background(), "x:993", imap.Options{Dial: srv.Dial})
		assert.ErrorIs(t, err, imap.ErrConnection)
	})

	t.Run("garbage", func(t *testing.T) {
		srv := imaptest.New(nil)
		srv.Greeting = "HTTP/1.1 400 Bad Request\r\n"
		t.Cleanup(srv.Close)
		_, err := imap.Connect(context.Background(), "x:993", imap.Options{Dial: srv.Dial})
		assert.ErrorIs(t, err, imap.ErrProtocol)
	})
}
