package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"leadworks/api_referrals/pkg/logging"
)

// LedgerEventsTopic receives an audit record for every ledger mutation.
const LedgerEventsTopic = "referral.ledger_events"

// LedgerEvent is the audit record emitted after each successful ledger
// operation. Consumers (analytics, notifications) treat it as informational;
// the database rows remain the source of truth.
type LedgerEvent struct {
	EventID    string                 `json:"event_id"`
	EventType  string                 `json:"event_type"`
	TenantID   string                 `json:"tenant_id"`
	ReferralID string                 `json:"referral_id"`
	Amount     float64                `json:"amount,omitempty"`
	Currency   string                 `json:"currency,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Producer publishes ledger audit events
type Producer struct {
	client *kgo.Client
	logger logging.Logger
}

// NewProducer creates a new Kafka producer
func NewProducer(brokers []string, clientID string, logger logging.Logger) (*Producer, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(clientID),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.ProducerLinger(10 * time.Millisecond),
		kgo.ProducerBatchMaxBytes(1000000),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &Producer{
		client: client,
		logger: logger,
	}, nil
}

func (p *Producer) Close() error {
	p.client.Close()
	return nil
}

// ProduceMessage publishes a raw message to a topic
func (p *Producer) ProduceMessage(topic string, key []byte, value []byte, headers map[string]string) error {
	record := &kgo.Record{
		Topic: topic,
		Key:   key,
		Value: value,
	}

	for k, v := range headers {
		record.Headers = append(record.Headers, kgo.RecordHeader{
			Key:   k,
			Value: []byte(v),
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result := p.client.ProduceSync(ctx, record)
	if err := result.FirstErr(); err != nil {
		return fmt.Errorf("failed to produce message: %w", err)
	}

	return nil
}

// PublishLedgerEvent publishes a single ledger audit event. Events are keyed
// by referral ID so all events for one referral land on the same partition.
func (p *Producer) PublishLedgerEvent(event *LedgerEvent) error {
	if event == nil {
		return fmt.Errorf("event cannot be nil")
	}

	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	headers := map[string]string{
		"event_type": event.EventType,
	}
	if event.TenantID != "" {
		headers["tenant_id"] = event.TenantID
	}

	return p.ProduceMessage(LedgerEventsTopic, []byte(event.ReferralID), value, headers)
}

// HealthCheck pings the broker
func (p *Producer) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := p.client.Ping(ctx); err != nil {
		return fmt.Errorf("kafka health check failed: %w", err)
	}
	return nil
}
