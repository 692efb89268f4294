package classify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/refundscout/internal/catalog"
	"github.com/nhle/refundscout/internal/events"
	"github.com/nhle/refundscout/internal/model"
	"github.com/nhle/refundscout/internal/store"
	"github.com/nhle/refundscout/tests/testutil"
)

type classifyFunc func(ctx context.Context, batch []Input) ([]Verdict, error)

func (f classifyFunc) Classify(ctx context.Context, batch []Input) ([]Verdict, error) {
	return f(ctx, batch)
}

type pipelineFixture struct {
	store  store.Store
	conn   *model.MailboxConnection
	events *events.Memory
	cat    *catalog.Catalog
}

func newPipelineFixture(t *testing.T) pipelineFixture {
	t.Helper()
	s := testutil.NewTestStore(t)
	conn := testutil.SeedConnection(t, s, model.MailboxConnection{Email: "jane@example.com"})

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	_, err := s.PersistMessages(context.Background(), conn.ID, []model.MessageRecord{
		{ProviderMessageID: "1", Subject: "Flight FR123 cancelled", Sender: "promo@ryanair.com", SenderDomain: "ryanair.com", ReceivedAt: base},
		{ProviderMessageID: "2", Subject: "Weekly deals", Sender: "deals@amazon.com", SenderDomain: "amazon.com", ReceivedAt: base.Add(time.Hour)},
		{ProviderMessageID: "3", Subject: "Dinner?", Sender: "bob@friends.org", SenderDomain: "friends.org", ReceivedAt: base.Add(2 * time.Hour)},
	})
	require.NoError(t, err)

	cat, err := catalog.Load("")
	require.NoError(t, err)
	return pipelineFixture{store: s, conn: conn, events: &events.Memory{}, cat: cat}
}

func (f pipelineFixture) messages(t *testing.T) map[string]model.ScannedMessage {
	t.Helper()
	msgs, err := f.store.ListMessages(context.Background(), store.MessageFilter{ConnectionID: f.conn.ID})
	require.NoError(t, err)
	out := make(map[string]model.ScannedMessage, len(msgs))
	for _, m := range msgs {
		out[m.ProviderMessageID] = m
	}
	return out
}

func TestPipeline_RunOnceRecordsVerdicts(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()

	var seen []Input
	clf := classifyFunc(func(_ context.Context, batch []Input) ([]Verdict, error) {
		seen = batch
		out := make([]Verdict, 0, len(batch))
		for _, in := range batch {
			v := Verdict{MessageID: in.MessageID}
			if in.SenderDomain == "ryanair.com" {
				v.IsCandidate, v.Confidence, v.Opportunity = true, 0.9, "eu261-cancellation"
			}
			out = append(out, v)
		}
		return out, nil
	})

	p := NewPipeline(f.store, clf, f.cat, f.events, Config{}, nil)
	res, err := p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Analyzed: 3, Candidates: 1}, res)

	require.Len(t, seen, 3)
	assert.Equal(t, "flight", seen[0].Category)
	assert.Equal(t, f.cat.Opportunities("flight"), seen[0].Opportunities)
	assert.Equal(t, "retail", seen[1].Category)
	assert.Empty(t, seen[2].Category)
	assert.Greater(t, len(seen[2].Opportunities), len(seen[0].Opportunities), "unknown senders get the whole catalog")

	msgs := f.messages(t)
	flight := msgs["1"]
	assert.True(t, flight.Analyzed)
	require.NotNil(t, flight.OpportunityID)
	var v Verdict
	require.NoError(t, json.Unmarshal(flight.Classification, &v))
	assert.True(t, v.IsCandidate)
	assert.Equal(t, "flight", v.MatchedCategory)
	assert.Nil(t, msgs["2"].OpportunityID)
	assert.True(t, msgs["2"].Analyzed)

	conn, err := f.store.GetConnection(ctx, f.conn.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, conn.OpportunitiesFound)

	evs := f.events.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, events.KeyOpportunityCandidate, evs[0].RoutingKey)
	cand := evs[0].Payload.(events.OpportunityCandidate)
	assert.Equal(t, *flight.OpportunityID, cand.ID)
	assert.Equal(t, f.conn.ID, cand.ConnectionID)
	assert.Equal(t, "eu261-cancellation", cand.Opportunity)

	pending, err := f.store.ListUnanalyzed(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestPipeline_LowConfidenceIsNotACandidate(t *testing.T) {
	f := newPipelineFixture(t)
	clf := classifyFunc(func(_ context.Context, batch []Input) ([]Verdict, error) {
		out := make([]Verdict, 0, len(batch))
		for _, in := range batch {
			out = append(out, Verdict{MessageID: in.MessageID, IsCandidate: true, Confidence: 0.4})
		}
		return out, nil
	})

	p := NewPipeline(f.store, clf, f.cat, f.events, Config{MinConfidence: 0.5}, nil)
	res, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Analyzed)
	assert.Zero(t, res.Candidates)
	assert.Empty(t, f.events.Events())
	for _, m := range f.messages(t) {
		assert.True(t, m.Analyzed)
		assert.Nil(t, m.OpportunityID)
	}
}

func TestPipeline_MissingVerdictsStayPending(t *testing.T) {
	f := newPipelineFixture(t)
	clf := classifyFunc(func(_ context.Context, batch []Input) ([]Verdict, error) {
		return []Verdict{{MessageID: batch[0].MessageID}}, nil
	})

	p := NewPipeline(f.store, clf, f.cat, nil, Config{}, nil)
	res, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Analyzed: 1, Pending: 2}, res)

	pending, err := f.store.ListUnanalyzed(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestPipeline_ClassifierErrorRecordsNothing(t *testing.T) {
	f := newPipelineFixture(t)
	boom := errors.New("service unavailable")
	clf := classifyFunc(func(context.Context, []Input) ([]Verdict, error) { return nil, boom })

	p := NewPipeline(f.store, clf, f.cat, nil, Config{}, nil)
	_, err := p.RunOnce(context.Background())
	assert.ErrorIs(t, err, boom)

	pending, err := f.store.ListUnanalyzed(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, pending, 3)
}

func TestPipeline_DrainProcessesEveryBatch(t *testing.T) {
	f := newPipelineFixture(t)
	calls := 0
	clf := classifyFunc(func(ctx context.Context, batch []Input) ([]Verdict, error) {
		calls++
		return KeywordClassifier{}.Classify(ctx, batch)
	})

	p := NewPipeline(f.store, clf, f.cat, f.events, Config{BatchSize: 1}, nil)
	res, err := p.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Analyzed)
	assert.Equal(t, 1, res.Candidates, "only the cancelled flight matches a keyword")
	assert.Equal(t, 3, calls)

	conn, err := f.store.GetConnection(context.Background(), f.conn.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, conn.OpportunitiesFound)
}

func TestPipeline_DrainPassesOverUnansweredMessages(t *testing.T) {
	f := newPipelineFixture(t)
	var offered []string
	clf := classifyFunc(func(_ context.Context, batch []Input) ([]Verdict, error) {
		var out []Verdict
		for _, in := range batch {
			offered = append(offered, in.SenderDomain)
			if in.SenderDomain == "ryanair.com" {
				continue
			}
			out = append(out, Verdict{MessageID: in.MessageID})
		}
		return out, nil
	})

	p := NewPipeline(f.store, clf, f.cat, nil, Config{BatchSize: 1}, nil)
	res, err := p.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Analyzed: 2, Pending: 1}, res)
	assert.Equal(t, []string{"ryanair.com", "amazon.com", "friends.org"}, offered, "each message is offered once per drain")

	msgs := f.messages(t)
	assert.False(t, msgs["1"].Analyzed)
	assert.True(t, msgs["2"].Analyzed)
	assert.True(t, msgs["3"].Analyzed)

	// The next drain offers the unanswered message again.
	offered = nil
	res, err = p.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Pending: 1}, res)
	assert.Equal(t, []string{"ryanair.com"}, offered)
}

func TestPipeline_EmptyQueueSkipsClassifier(t *testing.T) {
	s := testutil.NewTestStore(t)
	cat, err := catalog.Load("")
	require.NoError(t, err)
	clf := classifyFunc(func(context.Context, []Input) ([]Verdict, error) {
		t.Fatal("classifier must not be called")
		return nil, nil
	})

	res, err := NewPipeline(s, clf, cat, nil, Config{}, nil).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
}
