// Package events publishes scan outcomes and opportunity candidates for
// downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Routing keys.
const (
	KeyScanCompleted        = "scan.completed"
	KeyScanFailed           = "scan.failed"
	KeyOpportunityCandidate = "opportunity.candidate"
)

// ScanEvent describes one finished scan attempt.
type ScanEvent struct {
	ConnectionID string    `json:"connection_id"`
	UserID       string    `json:"user_id"`
	Status       string    `json:"status"`
	Saved        int       `json:"saved"`
	Error        string    `json:"error,omitempty"`
	At           time.Time `json:"at"`
}

// OpportunityCandidate is emitted when the classifier flags a message.
type OpportunityCandidate struct {
	ID           string    `json:"id"`
	MessageID    string    `json:"message_id"`
	ConnectionID string    `json:"connection_id"`
	Category     string    `json:"category"`
	Opportunity  string    `json:"opportunity,omitempty"`
	Confidence   float64   `json:"confidence"`
	Subject      string    `json:"subject"`
	Sender       string    `json:"sender"`
	At           time.Time `json:"at"`
}

// Publisher sends JSON events under a routing key.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload any) error
	Close() error
}

// AMQPPublisher publishes persistent JSON messages to a topic exchange.
type AMQPPublisher struct {
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	exchange string
	log      *zap.Logger
	mu       sync.Mutex
}

// NewAMQPPublisher dials url and declares exchange as a durable topic.
func NewAMQPPublisher(url, exchange string, logger *zap.Logger) (*AMQPPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connecting to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declaring exchange %s: %w", exchange, err)
	}

	logger.Info("event publisher ready", zap.String("exchange", exchange))
	return &AMQPPublisher{conn: conn, channel: ch, exchange: exchange, log: logger}, nil
}

// Publish marshals payload and publishes it under routingKey.
func (p *AMQPPublisher) Publish(ctx context.Context, routingKey string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling %s event: %w", routingKey, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn.IsClosed() {
		return fmt.Errorf("publishing %s: connection closed", routingKey)
	}
	err = p.channel.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publishing %s: %w", routingKey, err)
	}
	p.log.Debug("event published", zap.String("routing_key", routingKey), zap.Int("bytes", len(body)))
	return nil
}

// Close closes the channel and the connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil && !p.conn.IsClosed() {
		return p.conn.Close()
	}
	return nil
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, string, any) error { return nil }
func (Nop) Close() error                               { return nil }

// Published is one event captured by Memory.
type Published struct {
	RoutingKey string
	Payload    any
}

// Memory keeps published events in order. It backs tests and dry runs.
type Memory struct {
	mu     sync.Mutex
	events []Published
}

func (m *Memory) Publish(_ context.Context, routingKey string, payload any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, Published{RoutingKey: routingKey, Payload: payload})
	return nil
}

func (m *Memory) Close() error { return nil }

// Events returns a copy of everything published so far.
func (m *Memory) Events() []Published {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Published(nil), m.events...)
}
