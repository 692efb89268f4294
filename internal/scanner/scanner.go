// Package scanner runs one header scan of a linked mailbox: log in, search
// the lookback window, fetch the newest headers and keep the messages from
// priority senders.
package scanner

import (
	"context"
	"crypto/tls"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/nhle/refundscout/internal/imap"
	"github.com/nhle/refundscout/internal/model"
)

// Decrypter opens a stored credential blob.
type Decrypter interface {
	Decrypt(blob string) (string, error)
}

// Config bounds a scan.
type Config struct {
	// LookbackDays is how far back SEARCH SINCE reaches.
	LookbackDays int
	// MaxFetch caps how many of the newest search hits are fetched.
	MaxFetch int
	// FallbackThreshold is the result size at or below which every
	// message is kept regardless of sender.
	FallbackThreshold int
	Session           imap.Options
}

const (
	DefaultLookbackDays      = 30
	DefaultMaxFetch          = 50
	DefaultFallbackThreshold = 20
)

// ConfigFrom maps the scan section of the application config.
func ConfigFrom(c model.ScanConfig, logger *zap.Logger) Config {
	cfg := Config{
		LookbackDays:      c.LookbackDays,
		MaxFetch:          c.MaxFetch,
		FallbackThreshold: c.FallbackThreshold,
		Session: imap.Options{
			DialTimeout:    c.DialTimeout,
			CommandTimeout: c.CommandTimeout,
			LogoutTimeout:  c.LogoutTimeout,
			Logger:         logger,
		},
	}
	if c.InsecureSkipVerify {
		cfg.Session.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: true}
	}
	return cfg
}

// Scanner runs scans. It holds no per-scan state and is safe for
// concurrent use.
type Scanner struct {
	vault Decrypter
	cfg   Config
	log   *zap.Logger
	now   func() time.Time
}

// New returns a Scanner. Non-positive limits fall back to the defaults.
func New(vault Decrypter, cfg Config, logger *zap.Logger) *Scanner {
	if cfg.LookbackDays <= 0 {
		cfg.LookbackDays = DefaultLookbackDays
	}
	if cfg.MaxFetch <= 0 {
		cfg.MaxFetch = DefaultMaxFetch
	}
	if cfg.FallbackThreshold < 0 {
		cfg.FallbackThreshold = DefaultFallbackThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Session.Logger == nil {
		cfg.Session.Logger = logger
	}
	return &Scanner{vault: vault, cfg: cfg, log: logger, now: time.Now}
}

// Scan returns the priority messages of conn's INBOX received within the
// lookback window, in server order. On any error it returns no records.
func (s *Scanner) Scan(ctx context.Context, conn model.MailboxConnection, priority []string) ([]model.MessageRecord, error) {
	log := s.log.With(zap.String("connection_id", conn.ID), zap.String("email", conn.Email))

	password, err := s.vault.Decrypt(conn.EncryptedCredential)
	if err != nil {
		return nil, fmt.Errorf("decrypting credential: %w", err)
	}

	sess, err := imap.Connect(ctx, conn.Addr(), s.cfg.Session)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := sess.Logout(ctx); err != nil {
			log.Debug("logout failed", zap.Error(err))
		}
	}()

	if sess.State() == imap.StateUnauthenticated {
		if err := sess.Login(ctx, conn.Email, password); err != nil {
			return nil, err
		}
	}

	status, err := sess.SelectInbox(ctx)
	if err != nil {
		return nil, err
	}

	since := s.now().AddDate(0, 0, -s.cfg.LookbackDays)
	ids, err := sess.Search(ctx, since)
	if err != nil {
		return nil, err
	}
	if len(ids) > s.cfg.MaxFetch {
		ids = ids[len(ids)-s.cfg.MaxFetch:]
	}

	headers, err := sess.FetchHeaders(ctx, ids)
	if err != nil {
		return nil, err
	}

	records := make([]model.MessageRecord, 0, len(headers))
	for _, h := range headers {
		records = append(records, model.MessageRecord{
			ProviderMessageID: strconv.FormatUint(uint64(h.UID), 10),
			Subject:           h.Subject,
			Sender:            h.From,
			SenderDomain:      SenderDomain(h.From),
			ReceivedAt:        h.Date,
		})
	}
	kept := Filter(records, NewDomainSet(priority), s.cfg.FallbackThreshold)

	log.Info("mailbox scanned",
		zap.Uint32("exists", status.Exists),
		zap.Int("hits", len(ids)),
		zap.Int("parsed", len(records)),
		zap.Int("kept", len(kept)),
	)
	return kept, nil
}

// TestConnection logs in and out without touching the mailbox. It is used
// to validate credentials before they are stored.
func (s *Scanner) TestConnection(ctx context.Context, addr, email, password string) error {
	sess, err := imap.Connect(ctx, addr, s.cfg.Session)
	if err != nil {
		return err
	}
	if sess.State() == imap.StateUnauthenticated {
		if err := sess.Login(ctx, email, password); err != nil {
			_ = sess.Logout(ctx)
			return err
		}
	}
	// The login already proved the credential; a server that drops the
	// line on LOGOUT does not change that.
	if err := sess.Logout(ctx); err != nil {
		s.log.Debug("logout after test login failed", zap.String("email", email), zap.Error(err))
	}
	return nil
}
