package classify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nhle/refundscout/internal/catalog"
	"github.com/nhle/refundscout/internal/events"
	"github.com/nhle/refundscout/internal/metrics"
	"github.com/nhle/refundscout/internal/model"
	"github.com/nhle/refundscout/internal/store"
)

const (
	DefaultBatchSize     = 25
	DefaultMinConfidence = 0.6
	DefaultInterval      = 5 * time.Minute
)

// Config tunes a Pipeline. Zero values use the defaults.
type Config struct {
	BatchSize     int
	MinConfidence float64
	Interval      time.Duration
}

// ConfigFrom maps the classifier section of the application config.
func ConfigFrom(c model.ClassifierConfig) Config {
	return Config{BatchSize: c.BatchSize, MinConfidence: c.MinConfidence, Interval: c.Interval}
}

// Result counts what one batch did.
type Result struct {
	Analyzed   int
	Candidates int
	// Pending counts messages the classifier left without a verdict.
	Pending int
}

// Pipeline feeds pending messages to a Classifier and records the verdicts.
// It is the only writer of the classification columns.
type Pipeline struct {
	store      store.Store
	classifier Classifier
	catalog    *catalog.Catalog
	events     events.Publisher
	cfg        Config
	log        *zap.Logger
	now        func() time.Time
}

// NewPipeline returns a Pipeline. pub may be nil.
func NewPipeline(s store.Store, c Classifier, cat *catalog.Catalog, pub events.Publisher, cfg Config, logger *zap.Logger) *Pipeline {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = DefaultMinConfidence
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if pub == nil {
		pub = events.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		store:      s,
		classifier: c,
		catalog:    cat,
		events:     pub,
		cfg:        cfg,
		log:        logger,
		now:        time.Now,
	}
}

// RunOnce classifies one batch of the oldest pending messages.
func (p *Pipeline) RunOnce(ctx context.Context) (Result, error) {
	res, _, err := p.runBatch(ctx, nil)
	return res, err
}

// runBatch classifies the oldest pending messages not in skip and returns
// the IDs the classifier left without a verdict.
func (p *Pipeline) runBatch(ctx context.Context, skip map[string]bool) (Result, []string, error) {
	var res Result

	msgs, err := p.store.ListUnanalyzed(ctx, p.cfg.BatchSize+len(skip))
	if err != nil {
		return res, nil, fmt.Errorf("listing pending messages: %w", err)
	}
	msgs = slices.DeleteFunc(msgs, func(m model.ScannedMessage) bool { return skip[m.ID] })
	if len(msgs) > p.cfg.BatchSize {
		msgs = msgs[:p.cfg.BatchSize]
	}
	if len(msgs) == 0 {
		return res, nil, nil
	}

	batch := make([]Input, 0, len(msgs))
	for _, m := range msgs {
		batch = append(batch, p.input(m))
	}

	verdicts, err := p.classifier.Classify(ctx, batch)
	if err != nil {
		return res, nil, fmt.Errorf("classifying %d messages: %w", len(batch), err)
	}
	byID := make(map[string]Verdict, len(verdicts))
	for _, v := range verdicts {
		byID[v.MessageID] = v
	}

	var skipped []string
	for i, m := range msgs {
		v, ok := byID[m.ID]
		if !ok {
			res.Pending++
			skipped = append(skipped, m.ID)
			continue
		}
		if v.MatchedCategory == "" {
			v.MatchedCategory = batch[i].Category
		}
		candidate, err := p.record(ctx, m, v)
		if err != nil {
			return res, skipped, err
		}
		res.Analyzed++
		if candidate {
			res.Candidates++
		}
	}

	if res.Pending > 0 {
		p.log.Warn("classifier skipped messages", zap.Int("pending", res.Pending))
	}
	p.log.Info("classification batch recorded",
		zap.Int("analyzed", res.Analyzed),
		zap.Int("candidates", res.Candidates),
	)
	return res, skipped, nil
}

// Drain runs batches until every pending message has been offered to the
// classifier once. Messages left without a verdict are passed over for the
// rest of the drain so they cannot starve newer ones; the next drain offers
// them again. Pending reports how many were passed over.
func (p *Pipeline) Drain(ctx context.Context) (Result, error) {
	var total Result
	skip := make(map[string]bool)
	for {
		res, skipped, err := p.runBatch(ctx, skip)
		total.Analyzed += res.Analyzed
		total.Candidates += res.Candidates
		for _, id := range skipped {
			skip[id] = true
		}
		total.Pending = len(skip)
		if err != nil {
			return total, err
		}
		if res.Analyzed == 0 && len(skipped) == 0 {
			return total, nil
		}
	}
}

// Run drains the queue every interval until ctx is done.
func (p *Pipeline) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := p.Drain(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			p.log.Error("classification round failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Pipeline) input(m model.ScannedMessage) Input {
	in := Input{
		MessageID:    m.ID,
		Subject:      m.Subject,
		Sender:       m.Sender,
		SenderDomain: m.SenderDomain,
		ReceivedAt:   m.ReceivedAt,
		Category:     p.catalog.CategoryFor(m.SenderDomain),
	}
	if in.Category != "" {
		in.Opportunities = p.catalog.Opportunities(in.Category)
	} else {
		// Kept by the fallback threshold; offer the whole catalog.
		for _, c := range p.catalog.Categories {
			in.Opportunities = append(in.Opportunities, c.Opportunities...)
		}
	}
	return in
}

// record stores v for m and reports whether it created a candidate.
func (p *Pipeline) record(ctx context.Context, m model.ScannedMessage, v Verdict) (bool, error) {
	v.MessageID = m.ID
	raw, err := json.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("encoding verdict for %s: %w", m.ID, err)
	}

	candidate := v.IsCandidate && v.Confidence >= p.cfg.MinConfidence
	var oppID *string
	if candidate {
		id := uuid.New().String()
		oppID = &id
	}

	if err := p.store.RecordClassification(ctx, m.ID, raw, oppID); err != nil {
		return false, fmt.Errorf("recording verdict for %s: %w", m.ID, err)
	}
	metrics.IncrementClassification(candidate)

	if candidate {
		ev := events.OpportunityCandidate{
			ID:           *oppID,
			MessageID:    m.ID,
			ConnectionID: m.ConnectionID,
			Category:     v.MatchedCategory,
			Opportunity:  v.Opportunity,
			Confidence:   v.Confidence,
			Subject:      m.Subject,
			Sender:       m.Sender,
			At:           p.now().UTC(),
		}
		if err := p.events.Publish(ctx, events.KeyOpportunityCandidate, ev); err != nil {
			p.log.Warn("publishing opportunity candidate", zap.String("message_id", m.ID), zap.Error(err))
		}
	}
	return candidate, nil
}
