package sync

import (
	"context"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/refundscout/internal/model"
	"github.com/nhle/refundscout/tests/testutil"
)

// fakeRequester records scan requests and tracks how many overlap.
type fakeRequester struct {
	mu          gosync.Mutex
	calls       []string
	inFlight    int
	maxInFlight int
	delay       time.Duration
	err         error
}

func (f *fakeRequester) RequestScan(ctx context.Context, id string) (*Outcome, error) {
	f.mu.Lock()
	f.calls = append(f.calls, id)
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	f.mu.Unlock()

	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
	}

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &Outcome{ConnectionID: id, Status: model.StatusConnected}, nil
}

func (f *fakeRequester) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func nextResult(t *testing.T, p *Poller) ScanResultMsg {
	t.Helper()
	select {
	case msg := <-p.resultCh:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a scan result")
		return ScanResultMsg{}
	}
}

func TestPollOnce_SkipsIneligibleConnections(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	ok := testutil.SeedConnection(t, s, model.MailboxConnection{Email: "ok@example.com"})
	failed := testutil.SeedConnection(t, s, model.MailboxConnection{Email: "failed@example.com"})
	expired := testutil.SeedConnection(t, s, model.MailboxConnection{Email: "expired@example.com"})
	busy := testutil.SeedConnection(t, s, model.MailboxConnection{Email: "busy@example.com"})

	require.NoError(t, s.FailSync(ctx, failed.ID, model.StatusError, "timeout"))
	require.NoError(t, s.FailSync(ctx, expired.ID, model.StatusCredentialsExpired, "bad password"))
	started, err := s.BeginSync(ctx, busy.ID)
	require.NoError(t, err)
	require.True(t, started)

	req := &fakeRequester{}
	p := NewPoller(s, req, model.PollerConfig{}, nil)

	n := p.PollOnce(ctx)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{ok.ID, failed.ID}, req.called())
}

func TestPollOnce_BoundsConcurrency(t *testing.T) {
	s := testutil.NewTestStore(t)
	for _, email := range []string{"a@x.com", "b@x.com", "c@x.com", "d@x.com", "e@x.com"} {
		testutil.SeedConnection(t, s, model.MailboxConnection{Email: email})
	}

	req := &fakeRequester{delay: 50 * time.Millisecond}
	p := NewPoller(s, req, model.PollerConfig{Concurrency: 2}, nil)

	assert.Equal(t, 5, p.PollOnce(context.Background()))
	assert.Len(t, req.called(), 5)
	assert.LessOrEqual(t, req.maxInFlight, 2)
	assert.Equal(t, 2, req.maxInFlight)
}

func TestPollOnce_ReportsSkippedScans(t *testing.T) {
	s := testutil.NewTestStore(t)
	conn := testutil.SeedConnection(t, s, model.MailboxConnection{Email: "a@x.com"})

	p := NewPoller(s, &fakeRequester{err: ErrScanInProgress}, model.PollerConfig{}, nil)
	p.PollOnce(context.Background())

	msg := nextResult(t, p)
	assert.Equal(t, conn.ID, msg.ConnectionID)
	assert.True(t, msg.Skipped)
	assert.ErrorIs(t, msg.Error, ErrScanInProgress)
}

func TestRun_ReleasesStaleSyncsFirst(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := testutil.SeedConnection(t, s, model.MailboxConnection{Email: "stuck@example.com"})
	started, err := s.BeginSync(ctx, conn.ID)
	require.NoError(t, err)
	require.True(t, started)

	req := &fakeRequester{}
	p := NewPoller(s, req, model.PollerConfig{Interval: time.Hour}, nil)
	p.staleAfter = -time.Second

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	msg := nextResult(t, p)
	assert.Equal(t, conn.ID, msg.ConnectionID, "released connection is scanned in the first round")

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	got, err := s.GetConnection(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusError, got.Status)
	require.NotNil(t, got.LastError)
	assert.Equal(t, staleMessage, *got.LastError)
}

func TestRefreshConnection_ScansOneConnection(t *testing.T) {
	s := testutil.NewTestStore(t)
	a := testutil.SeedConnection(t, s, model.MailboxConnection{Email: "a@x.com"})
	testutil.SeedConnection(t, s, model.MailboxConnection{Email: "b@x.com"})

	req := &fakeRequester{}
	p := NewPoller(s, req, model.PollerConfig{Interval: time.Hour}, nil)
	p.Start()
	defer p.Stop()

	// Drain the initial round.
	nextResult(t, p)
	nextResult(t, p)

	p.RefreshConnection(a.ID)
	msg := nextResult(t, p)
	assert.Equal(t, a.ID, msg.ConnectionID)
	assert.Len(t, req.called(), 3)
}

func TestStop_IsIdempotent(t *testing.T) {
	s := testutil.NewTestStore(t)
	p := NewPoller(s, &fakeRequester{}, model.PollerConfig{Interval: time.Hour}, nil)

	p.Stop()
	require.NotNil(t, p.Start())
	assert.Nil(t, p.Start(), "second Start is a no-op")
	p.Stop()
	p.Stop()
}
