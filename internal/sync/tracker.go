package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nhle/refundscout/internal/credential"
	"github.com/nhle/refundscout/internal/events"
	"github.com/nhle/refundscout/internal/imap"
	"github.com/nhle/refundscout/internal/lock"
	"github.com/nhle/refundscout/internal/metrics"
	"github.com/nhle/refundscout/internal/model"
	"github.com/nhle/refundscout/internal/store"
)

// ErrScanInProgress is returned when the connection is already syncing.
var ErrScanInProgress = errors.New("scan already in progress")

// Scanner runs one scan of a mailbox.
type Scanner interface {
	Scan(ctx context.Context, conn model.MailboxConnection, priority []string) ([]model.MessageRecord, error)
}

// CredentialRotator re-seals credentials written by the legacy scheme.
type CredentialRotator interface {
	NeedsRotation(blob string) bool
	Rotate(blob string) (string, error)
}

// Outcome summarizes one scan request.
type Outcome struct {
	ConnectionID string
	Status       model.ConnectionStatus
	// Found is how many records the scan returned; Saved how many of them
	// were new.
	Found    int
	Saved    int
	Err      error
	Duration time.Duration
}

// Tracker is the only writer of connection status. It runs a scan, persists
// its result and records the resulting status.
type Tracker struct {
	store    store.Store
	scanner  Scanner
	priority []string
	locker   lock.Locker
	events   events.Publisher
	rotator  CredentialRotator
	timeout  time.Duration
	log      *zap.Logger
	now      func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLocker adds a cross-process lock around each scan.
func WithLocker(l lock.Locker) Option { return func(t *Tracker) { t.locker = l } }

// WithEvents publishes scan outcomes.
func WithEvents(p events.Publisher) Option { return func(t *Tracker) { t.events = p } }

// WithRotator re-encrypts legacy credentials after a successful scan.
func WithRotator(r CredentialRotator) Option { return func(t *Tracker) { t.rotator = r } }

// WithTimeout bounds a whole scan, persistence included.
func WithTimeout(d time.Duration) Option { return func(t *Tracker) { t.timeout = d } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(t *Tracker) { t.log = l } }

// DefaultScanTimeout bounds a scan when no timeout is configured.
const DefaultScanTimeout = 3 * time.Minute

// NewTracker returns a Tracker scanning for the given priority domains.
func NewTracker(s store.Store, sc Scanner, priority []string, opts ...Option) *Tracker {
	t := &Tracker{
		store:    s,
		scanner:  sc,
		priority: priority,
		locker:   lock.Nop{},
		events:   events.Nop{},
		timeout:  DefaultScanTimeout,
		log:      zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// StatusFor maps a scan error to the status it leaves the connection in.
func StatusFor(err error) model.ConnectionStatus {
	switch {
	case err == nil:
		return model.StatusConnected
	case imap.IsInvalidCredentials(err), errors.Is(err, credential.ErrCredentialCorrupt):
		return model.StatusCredentialsExpired
	default:
		return model.StatusError
	}
}

// RequestScan scans connection id once. It returns ErrScanInProgress when
// another scan holds the connection. When the scan itself fails the
// outcome is returned together with the scan error.
func (t *Tracker) RequestScan(ctx context.Context, id string) (*Outcome, error) {
	release, ok := t.locker.Acquire(ctx, "scan:"+id)
	if !ok {
		metrics.IncrementScanRejected()
		return nil, ErrScanInProgress
	}
	defer release()

	started, err := t.store.BeginSync(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("starting scan of %s: %w", id, err)
	}
	if !started {
		metrics.IncrementScanRejected()
		return nil, ErrScanInProgress
	}

	log := t.log.With(zap.String("connection_id", id))
	start := t.now()
	out := &Outcome{ConnectionID: id}

	// Status writes must land even when ctx was cancelled mid-scan.
	finishCtx := context.WithoutCancel(ctx)

	conn, err := t.store.GetConnection(ctx, id)
	if err == nil {
		out.Found, out.Saved, err = t.scanAndPersist(ctx, *conn)
	}
	out.Duration = t.now().Sub(start)
	out.Status = StatusFor(err)
	out.Err = err

	if err != nil {
		log.Warn("scan failed",
			zap.String("status", string(out.Status)),
			zap.String("kind", string(imap.KindOf(err))),
			zap.Error(err),
		)
		if ferr := t.store.FailSync(finishCtx, id, out.Status, err.Error()); ferr != nil {
			log.Error("recording failed scan", zap.Error(ferr))
		}
		metrics.RecordScan(string(out.Status), out.Duration)
		t.publish(finishCtx, events.KeyScanFailed, conn, out)
		return out, err
	}

	if cerr := t.store.CompleteSync(finishCtx, id, t.now()); cerr != nil {
		return out, fmt.Errorf("recording scan of %s: %w", id, cerr)
	}
	t.rotateCredential(finishCtx, *conn, log)

	metrics.RecordScan(string(out.Status), out.Duration)
	metrics.AddMessagesPersisted(out.Saved)
	log.Info("scan completed",
		zap.Int("found", out.Found),
		zap.Int("saved", out.Saved),
		zap.Duration("took", out.Duration),
	)
	t.publish(finishCtx, events.KeyScanCompleted, conn, out)
	return out, nil
}

func (t *Tracker) scanAndPersist(ctx context.Context, conn model.MailboxConnection) (int, int, error) {
	sctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	records, err := t.scanner.Scan(sctx, conn, t.priority)
	if err != nil {
		return 0, 0, err
	}
	saved, err := t.store.PersistMessages(sctx, conn.ID, records)
	if err != nil {
		return len(records), 0, fmt.Errorf("persisting scan result: %w", err)
	}
	return len(records), saved, nil
}

// rotateCredential re-seals a legacy credential once a login proved it.
func (t *Tracker) rotateCredential(ctx context.Context, conn model.MailboxConnection, log *zap.Logger) {
	if t.rotator == nil || !t.rotator.NeedsRotation(conn.EncryptedCredential) {
		return
	}
	blob, err := t.rotator.Rotate(conn.EncryptedCredential)
	if err != nil {
		log.Warn("rotating legacy credential", zap.Error(err))
		return
	}
	if err := t.store.UpdateCredential(ctx, conn.ID, blob); err != nil {
		log.Warn("storing rotated credential", zap.Error(err))
		return
	}
	log.Info("legacy credential rotated")
}

func (t *Tracker) publish(ctx context.Context, key string, conn *model.MailboxConnection, out *Outcome) {
	ev := events.ScanEvent{
		ConnectionID: out.ConnectionID,
		Status:       string(out.Status),
		Saved:        out.Saved,
		At:           t.now().UTC(),
	}
	if conn != nil {
		ev.UserID = conn.UserID
	}
	if out.Err != nil {
		ev.Error = out.Err.Error()
	}
	if err := t.events.Publish(ctx, key, ev); err != nil {
		t.log.Warn("publishing scan event", zap.String("connection_id", out.ConnectionID), zap.Error(err))
	}
}
