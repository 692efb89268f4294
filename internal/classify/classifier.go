// Package classify turns stored scan results into refund opportunity
// candidates.
package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nhle/refundscout/internal/catalog"
	"github.com/nhle/refundscout/internal/metrics"
)

// Input is one message offered to a Classifier together with the
// opportunities of its inferred category.
type Input struct {
	MessageID     string                `json:"message_id"`
	Subject       string                `json:"subject"`
	Sender        string                `json:"sender"`
	SenderDomain  string                `json:"sender_domain"`
	ReceivedAt    time.Time             `json:"received_at"`
	Category      string                `json:"category,omitempty"`
	Opportunities []catalog.Opportunity `json:"opportunities"`
}

// Verdict is a classifier's answer for one message. It is stored as the
// message's classification.
type Verdict struct {
	MessageID       string  `json:"message_id"`
	IsCandidate     bool    `json:"is_candidate"`
	Confidence      float64 `json:"confidence"`
	MatchedCategory string  `json:"matched_category,omitempty"`
	// Opportunity is the catalog opportunity id the message matched.
	Opportunity string `json:"opportunity,omitempty"`
}

// Classifier judges a batch of messages. Messages missing from the result
// stay pending.
type Classifier interface {
	Classify(ctx context.Context, batch []Input) ([]Verdict, error)
}

type classifyRequest struct {
	Messages []Input `json:"messages"`
}

type classifyResponse struct {
	Verdicts []Verdict `json:"verdicts"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// HTTPClient calls a classification service that accepts
// {"messages": [...]} and answers {"verdicts": [...]}.
type HTTPClient struct {
	endpoint string
	client   *http.Client
}

// NewHTTPClient returns a client for endpoint. A non-positive timeout
// defaults to 30 seconds.
func NewHTTPClient(endpoint string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

// Classify posts the batch and decodes the verdicts.
func (c *HTTPClient) Classify(ctx context.Context, batch []Input) ([]Verdict, error) {
	start := time.Now()
	verdicts, status, err := c.call(ctx, batch)
	metrics.RecordClassifierCall(status, time.Since(start))
	return verdicts, err
}

func (c *HTTPClient) call(ctx context.Context, batch []Input) ([]Verdict, string, error) {
	body, err := json.Marshal(classifyRequest{Messages: batch})
	if err != nil {
		return nil, "error", fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, "error", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, "error", fmt.Errorf("calling classifier: %w", err)
	}
	defer resp.Body.Close()
	status := strconv.Itoa(resp.StatusCode)

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, status, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr errorResponse
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			return nil, status, fmt.Errorf("classifier error (%d): %s", resp.StatusCode, apiErr.Error)
		}
		return nil, status, fmt.Errorf("classifier error (%d): %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var result classifyResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, status, fmt.Errorf("decoding response: %w", err)
	}
	return result.Verdicts, status, nil
}

// KeywordClassifier flags a message when its subject contains a keyword of
// one of the offered opportunities. It serves when no classification
// service is configured.
type KeywordClassifier struct{}

// Classify implements Classifier.
func (KeywordClassifier) Classify(_ context.Context, batch []Input) ([]Verdict, error) {
	out := make([]Verdict, 0, len(batch))
	for _, in := range batch {
		v := Verdict{MessageID: in.MessageID, MatchedCategory: in.Category}
		subject := strings.ToLower(in.Subject)
		for _, opp := range in.Opportunities {
			hits := 0
			for _, kw := range opp.Keywords {
				if kw != "" && strings.Contains(subject, strings.ToLower(kw)) {
					hits++
				}
			}
			if hits == 0 {
				continue
			}
			// More matching keywords, more confidence; a single hit is a weak signal.
			conf := 0.5 + 0.15*float64(hits)
			if conf > 0.95 {
				conf = 0.95
			}
			if conf > v.Confidence {
				v.IsCandidate = true
				v.Confidence = conf
				v.Opportunity = opp.ID
			}
		}
		out = append(out, v)
	}
	return out, nil
}
