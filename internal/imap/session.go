// Package imap is a small IMAP4rev1 client covering what a header scan
// needs: LOGIN, SELECT INBOX, SEARCH SINCE, header FETCH and LOGOUT.
//
// A Session is not safe for concurrent use. Each scan opens its own.
package imap

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
	"go.uber.org/zap"

	"github.com/nhle/refundscout/internal/metrics"
)

// State is the position of a Session in the protocol state machine.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateSelected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateSelected:
		return "selected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// allowedFrom lists the states each command may be issued from.
var allowedFrom = map[string][]State{
	"LOGIN":  {StateUnauthenticated},
	"SELECT": {StateAuthenticated},
	"SEARCH": {StateSelected},
	"FETCH":  {StateSelected},
	"LOGOUT": {StateUnauthenticated, StateAuthenticated, StateSelected},
}

// throttleCodes are LOGIN response codes that mean "try later" rather than
// "wrong password".
var throttleCodes = map[string]bool{
	"UNAVAILABLE": true,
	"INUSE":       true,
	"LIMIT":       true,
}

const headerFetchItems = "(UID BODY.PEEK[HEADER.FIELDS (FROM SUBJECT DATE)])"

// Options configures a Session. Zero durations fall back to the defaults.
type Options struct {
	TLSConfig      *tls.Config
	DialTimeout    time.Duration
	CommandTimeout time.Duration
	LogoutTimeout  time.Duration
	// Dial replaces the TLS dialer. The connection it returns is used as is.
	Dial   DialFunc
	Logger *zap.Logger
}

const (
	DefaultDialTimeout    = 15 * time.Second
	DefaultCommandTimeout = 30 * time.Second
	DefaultLogoutTimeout  = 5 * time.Second
)

func (o Options) withDefaults() Options {
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = DefaultCommandTimeout
	}
	if o.LogoutTimeout <= 0 {
		o.LogoutTimeout = DefaultLogoutTimeout
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

func (o Options) tlsConfig(addr string) *tls.Config {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if o.TLSConfig != nil {
		cfg = o.TLSConfig.Clone()
	}
	if cfg.ServerName == "" {
		if host, _, err := net.SplitHostPort(addr); err == nil {
			cfg.ServerName = host
		}
	}
	return cfg
}

// Session is one IMAP conversation with one server.
type Session struct {
	t      *Transport
	state  State
	tagSeq int
	opts   Options
	log    *zap.Logger
}

// Connect dials addr and reads the greeting. A PREAUTH greeting leaves the
// session already authenticated.
func Connect(ctx context.Context, addr string, opts Options) (*Session, error) {
	opts = opts.withDefaults()
	dctx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()

	t, err := dial(dctx, addr, opts)
	if err != nil {
		return nil, err
	}
	s := &Session{
		t:    t,
		opts: opts,
		log:  opts.Logger.With(zap.String("server", addr)),
	}

	raw, err := t.ReadUntil(dctx, anyLine)
	if err != nil {
		t.Close()
		var e *Error
		if errors.As(err, &e) && e.Kind == KindProtocol {
			return nil, &Error{Kind: KindConnection, Op: "connect", Msg: "server closed connection before greeting", Err: err}
		}
		return nil, err
	}
	greeting := strings.TrimRight(string(raw), "\r\n")
	s.log.Debug("imap greeting", zap.String("line", greeting))

	f := strings.Fields(greeting)
	if len(f) < 2 || f[0] != "*" {
		t.Close()
		return nil, protocolError("connect", "malformed greeting", greeting)
	}
	switch strings.ToUpper(f[1]) {
	case StatusOK:
		s.state = StateUnauthenticated
	case "PREAUTH":
		s.state = StateAuthenticated
	case "BYE":
		t.Close()
		return nil, &Error{Kind: KindConnection, Op: "connect", Msg: "server refused connection: " + greeting}
	default:
		t.Close()
		return nil, protocolError("connect", "malformed greeting", greeting)
	}
	return s, nil
}

// State returns the current protocol state.
func (s *Session) State() State { return s.state }

// Login authenticates with LOGIN. A NO reply returns an error matching
// ErrInvalidCredentials and leaves the session unauthenticated.
func (s *Session) Login(ctx context.Context, user, pass string) error {
	if err := s.check("LOGIN"); err != nil {
		return err
	}
	u, err := astring("LOGIN", user)
	if err != nil {
		return err
	}
	p, err := astring("LOGIN", pass)
	if err != nil {
		return err
	}
	u.secret, p.secret = true, true

	if _, err := s.execute(ctx, "LOGIN", u, p); err != nil {
		var e *Error
		if errors.As(err, &e) && e.Kind == KindRejected {
			if throttleCodes[responseCode(e.Msg)] {
				return err
			}
			return &Error{Kind: KindInvalidCredentials, Op: "LOGIN", Msg: e.Msg}
		}
		return err
	}
	s.state = StateAuthenticated
	return nil
}

// SelectInbox opens INBOX read-write. It is only valid once, from the
// authenticated state.
func (s *Session) SelectInbox(ctx context.Context) (MailboxStatus, error) {
	resp, err := s.execute(ctx, "SELECT", atom("INBOX"))
	if err != nil {
		return MailboxStatus{}, err
	}
	s.state = StateSelected
	return parseSelect(resp.untagged), nil
}

// Search returns the sequence numbers of messages received on or after
// since's date, ascending. The list may be empty.
func (s *Session) Search(ctx context.Context, since time.Time) ([]uint32, error) {
	resp, err := s.execute(ctx, "SEARCH", atom("SINCE"), atom(searchDate(since)))
	if err != nil {
		return nil, err
	}
	return parseSearch(resp.untagged)
}

// FetchHeaders fetches UID, From, Subject and Date for the given sequence
// numbers. Responses for the same message are merged; messages that end up
// without a UID or without the header item are dropped.
func (s *Session) FetchHeaders(ctx context.Context, ids []uint32) ([]HeaderRecord, error) {
	if err := s.check("FETCH"); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	set := imapv2.SeqSetNum(ids...)
	resp, err := s.execute(ctx, "FETCH", atom(set.String()), atom(headerFetchItems))
	if err != nil {
		return nil, err
	}

	blocks := mergeFetch(resp.untagged)
	records := make([]HeaderRecord, 0, len(blocks))
	for _, block := range blocks {
		if block.uid == 0 {
			s.log.Debug("dropping fetch response without UID", zap.Uint32("seq", block.seq))
			continue
		}
		if !block.hasHeader {
			s.log.Debug("dropping fetch response without headers", zap.Uint32("seq", block.seq), zap.Uint32("uid", block.uid))
			continue
		}
		rec := HeaderRecord{SeqNum: block.seq, UID: block.uid}
		parseHeaderBlock(block.header, &rec)
		records = append(records, rec)
	}
	return records, nil
}

// Logout sends LOGOUT and closes the connection. The connection is closed
// even when the server never answers. Calling Logout on a closed session
// is a no-op.
func (s *Session) Logout(ctx context.Context) error {
	if s.state == StateClosed {
		return nil
	}
	lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.LogoutTimeout)
	defer cancel()

	tag := s.nextTag()
	err := s.t.Write(lctx, []byte(tag+" LOGOUT\r\n"))
	if err == nil {
		_, err = s.t.ReadUntil(lctx, untilTagged(tag))
	}
	s.state = StateClosed
	if cerr := s.t.Close(); err == nil && cerr != nil && !errors.Is(cerr, net.ErrClosed) {
		err = &Error{Kind: KindConnection, Op: "LOGOUT", Err: cerr}
	}
	return err
}

// Close drops the connection without LOGOUT.
func (s *Session) Close() error {
	s.state = StateClosed
	return s.t.Close()
}

func (s *Session) check(cmd string) error {
	if s.state == StateClosed {
		return usageError(cmd, "session is closed")
	}
	if !slices.Contains(allowedFrom[cmd], s.state) {
		return usageError(cmd, "not allowed in state "+s.state.String())
	}
	return nil
}

func (s *Session) nextTag() string {
	s.tagSeq++
	return formatTag(s.tagSeq)
}

// abort closes the connection after a transport failure. The session cannot
// be reused once the stream position is unknown.
func (s *Session) abort() {
	s.state = StateClosed
	s.t.Close()
}

// execute runs one tagged command under the command timeout. NO becomes a
// KindRejected error and BAD a KindProtocol error.
func (s *Session) execute(ctx context.Context, cmd string, args ...arg) (*response, error) {
	if err := s.check(cmd); err != nil {
		return nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.opts.CommandTimeout)
	defer cancel()

	tag := s.nextTag()
	s.log.Debug("imap command", zap.String("tag", tag), zap.String("command", logLine(cmd, args)))

	start := time.Now()
	resp, err := s.roundTrip(cctx, tag, cmd, args)
	elapsed := time.Since(start)
	if err != nil {
		metrics.RecordIMAPCommand(cmd, string(KindOf(err)), elapsed)
		s.abort()
		return nil, err
	}
	metrics.RecordIMAPCommand(cmd, resp.status, elapsed)

	switch resp.status {
	case StatusOK:
		return resp, nil
	case StatusNO:
		s.log.Debug("imap command rejected", zap.String("tag", tag), zap.String("reply", resp.text))
		return resp, &Error{Kind: KindRejected, Op: cmd, Msg: resp.text}
	default:
		s.log.Error("imap command refused as malformed", zap.String("tag", tag), zap.String("raw", resp.raw))
		return resp, protocolError(cmd, "server replied BAD", resp.raw)
	}
}

// roundTrip writes the command, handling literal continuations, and reads
// through the tagged completion.
func (s *Session) roundTrip(ctx context.Context, tag, cmd string, args []arg) (*response, error) {
	var b bytes.Buffer
	b.WriteString(tag)
	b.WriteByte(' ')
	b.WriteString(cmd)
	for _, a := range args {
		b.WriteByte(' ')
		if !a.literal {
			b.WriteString(a.text)
			continue
		}
		fmt.Fprintf(&b, "{%d}\r\n", len(a.text))
		if err := s.t.Write(ctx, b.Bytes()); err != nil {
			return nil, err
		}
		b.Reset()
		raw, err := s.t.ReadUntil(ctx, untilContinuation(tag))
		if err != nil {
			return nil, err
		}
		if !bytes.HasPrefix(lastLine(raw), []byte("+")) {
			// The server answered the command without accepting the literal.
			return parseResponse(cmd, tag, raw)
		}
		b.WriteString(a.text)
	}
	b.WriteString("\r\n")
	if err := s.t.Write(ctx, b.Bytes()); err != nil {
		return nil, err
	}

	raw, err := s.t.ReadUntil(ctx, untilTagged(tag))
	if err != nil {
		return nil, err
	}
	return parseResponse(cmd, tag, raw)
}

func lastLine(raw []byte) []byte {
	raw = bytes.TrimRight(raw, "\r\n")
	if i := bytes.LastIndexByte(raw, '\n'); i >= 0 {
		return raw[i+1:]
	}
	return raw
}

func logLine(cmd string, args []arg) string {
	parts := []string{cmd}
	for _, a := range args {
		switch {
		case a.secret:
			parts = append(parts, "<redacted>")
		case a.literal:
			parts = append(parts, fmt.Sprintf("{%d}", len(a.text)))
		default:
			parts = append(parts, a.text)
		}
	}
	return strings.Join(parts, " ")
}
