package sync

import (
	"context"
	"errors"
	gosync "sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"

	"github.com/nhle/refundscout/internal/model"
	"github.com/nhle/refundscout/internal/store"
)

// ScanResultMsg is a tea.Msg sent when a scheduled or requested scan ends.
type ScanResultMsg struct {
	ConnectionID string
	Outcome      *Outcome
	Error        error
	// Skipped is set when the connection was already syncing.
	Skipped bool
}

// ScanRequester runs one scan. *Tracker implements it.
type ScanRequester interface {
	RequestScan(ctx context.Context, id string) (*Outcome, error)
}

// eligible lists the statuses the scheduler scans. Expired credentials
// wait for the user to relink; syncing rows are owned by a running scan.
var eligible = []model.ConnectionStatus{model.StatusConnected, model.StatusError}

const (
	defaultInterval    = 30 * time.Minute
	defaultConcurrency = 4
	defaultStaleAfter  = 15 * time.Minute
	// staleMessage is stored on connections left syncing by a dead process.
	staleMessage = "scan interrupted before completion"
)

// Poller schedules scans of every eligible connection on an interval, with
// at most Concurrency scans in flight.
type Poller struct {
	store       store.Store
	tracker     ScanRequester
	interval    time.Duration
	concurrency int
	staleAfter  time.Duration
	log         *zap.Logger

	resultCh  chan ScanResultMsg
	triggerCh chan string
	mu        gosync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewPoller creates a Poller. Zero config values use the defaults.
func NewPoller(s store.Store, tracker ScanRequester, cfg model.PollerConfig, logger *zap.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		store:       s,
		tracker:     tracker,
		interval:    cfg.Interval,
		concurrency: cfg.Concurrency,
		staleAfter:  cfg.StaleAfter,
		log:         logger,
		resultCh:    make(chan ScanResultMsg, 64),
		triggerCh:   make(chan string, 16),
	}
}

// Start runs the polling loop in the background and returns a command that
// delivers the first ScanResultMsg to the Bubble Tea runtime.
func (p *Poller) Start() tea.Cmd {
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	done := p.done
	p.mu.Unlock()

	go func() {
		defer close(done)
		if err := p.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			p.log.Error("poller stopped", zap.Error(err))
		}
	}()

	return p.waitForResult()
}

// Stop halts the polling loop started by Start and waits for in-flight
// scans to finish.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel = nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Run polls until ctx is done. Connections left syncing by a crashed
// process are released first.
func (p *Poller) Run(ctx context.Context) error {
	p.releaseStale(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.PollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.PollOnce(ctx)
		case id := <-p.triggerCh:
			if id == "" {
				p.PollOnce(ctx)
			} else {
				p.scan(ctx, id)
			}
		}
	}
}

// PollOnce scans every eligible connection and returns how many scans
// were attempted.
func (p *Poller) PollOnce(ctx context.Context) int {
	conns, err := p.store.ListConnections(ctx, store.ConnectionFilter{Statuses: eligible})
	if err != nil {
		p.log.Error("listing connections to poll", zap.Error(err))
		return 0
	}

	sem := make(chan struct{}, p.concurrency)
	var wg gosync.WaitGroup
	for _, c := range conns {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return 0
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()
			p.scan(ctx, id)
		}(c.ID)
	}
	wg.Wait()

	p.log.Debug("poll round finished", zap.Int("connections", len(conns)))
	return len(conns)
}

// RefreshAll asks the loop to poll every eligible connection now.
func (p *Poller) RefreshAll() tea.Cmd {
	p.trigger("")
	return nil
}

// RefreshConnection asks the loop to scan one connection now.
func (p *Poller) RefreshConnection(id string) tea.Cmd {
	p.trigger(id)
	return nil
}

// WaitForNextResult returns a tea.Cmd that waits for the next scan result.
// Call it after handling a ScanResultMsg to keep listening.
func (p *Poller) WaitForNextResult() tea.Cmd {
	return p.waitForResult()
}

func (p *Poller) trigger(id string) {
	select {
	case p.triggerCh <- id:
	default:
		// A refresh is already queued.
	}
}

func (p *Poller) scan(ctx context.Context, id string) {
	out, err := p.tracker.RequestScan(ctx, id)
	msg := ScanResultMsg{ConnectionID: id, Outcome: out, Error: err}
	if errors.Is(err, ErrScanInProgress) {
		msg.Skipped = true
	}
	p.sendResult(msg)
}

func (p *Poller) releaseStale(ctx context.Context) {
	n, err := p.store.ReleaseStaleSyncs(ctx, time.Now().Add(-p.staleAfter), staleMessage)
	if err != nil {
		p.log.Error("releasing stale syncs", zap.Error(err))
		return
	}
	if n > 0 {
		p.log.Warn("released connections stuck in syncing", zap.Int("count", n))
	}
}

// sendResult delivers msg without blocking; results are dropped when
// nobody is listening.
func (p *Poller) sendResult(msg ScanResultMsg) {
	select {
	case p.resultCh <- msg:
	default:
	}
}

func (p *Poller) waitForResult() tea.Cmd {
	return func() tea.Msg {
		return <-p.resultCh
	}
}
