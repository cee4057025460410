// Package bus adapts the orchestrator to Kafka: an ordered idempotent
// producer for lifecycle events and a consumer group with manual commits
// and a dead-letter queue.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/parley-ai/parley/pkg/config"
	"github.com/parley-ai/parley/pkg/models"
)

// DLQSuffix is appended to a topic name to form its dead-letter sibling.
const DLQSuffix = ".dlq"

// DLQTopic returns the dead-letter topic for a source topic.
func DLQTopic(topic string) string { return topic + DLQSuffix }

// validator is implemented by events that can check their own payload.
type validator interface {
	Validate() error
}

// produceSyncer is the slice of kgo.Client the producer needs; tests
// substitute a fake.
type produceSyncer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// Producer publishes events keyed by conversation id so that all events
// of one conversation land in the same partition, in order.
type Producer struct {
	client     produceSyncer
	maxRetries int
	retryDelay time.Duration
	logger     *slog.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewProducer connects an ordered, idempotent producer: acks from all
// in-sync replicas, one in-flight request per broker, gzip compression,
// and a 10 ms linger to batch small events.
func NewProducer(cfg config.KafkaConfig, logger *slog.Logger) (*Producer, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.BootstrapServers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.MaxProduceRequestsInflightPerBroker(1),
		kgo.ProducerBatchCompression(kgo.GzipCompression()),
		kgo.ProducerLinger(10*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return newProducer(client, cfg, logger), nil
}

func newProducer(client produceSyncer, cfg config.KafkaConfig, logger *slog.Logger) *Producer {
	return &Producer{
		client:     client,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		logger:     logger,
		sleep: func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		},
	}
}

// SendEvent validates, serializes, and publishes one event to the topic
// named after its type. Sends are retried with a linearly growing delay
// up to the configured attempt budget.
func (p *Producer) SendEvent(ctx context.Context, event models.Event) error {
	if v, ok := event.(validator); ok {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("refusing to send invalid %s event: %w", event.Type(), err)
		}
	}

	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to serialize %s event: %w", event.Type(), err)
	}
	return p.SendRaw(ctx, event.Type(), []byte(event.Key()), value)
}

// SendRaw publishes pre-serialized bytes with the producer's retry policy.
func (p *Producer) SendRaw(ctx context.Context, topic string, key, value []byte) error {
	record := &kgo.Record{Topic: topic, Key: key, Value: value}

	var lastErr error
	for attempt := 1; attempt <= p.maxRetries; attempt++ {
		lastErr = p.client.ProduceSync(ctx, record).FirstErr()
		if lastErr == nil {
			return nil
		}

		p.logger.Warn("event publish failed",
			"topic", topic,
			"attempt", attempt,
			"error", lastErr)

		if attempt < p.maxRetries {
			if err := p.sleep(ctx, p.retryDelay*time.Duration(attempt)); err != nil {
				return fmt.Errorf("publish to %s interrupted: %w", topic, err)
			}
		}
	}
	return fmt.Errorf("failed to publish to %s after %d attempts: %w", topic, p.maxRetries, lastErr)
}

// SendBatch publishes a batch of events, returning the per-event outcome
// at matching indices. One failed event does not stop the rest.
func (p *Producer) SendBatch(ctx context.Context, events []models.Event) []error {
	results := make([]error, len(events))
	for i, event := range events {
		results[i] = p.SendEvent(ctx, event)
	}
	return results
}

// Close flushes and releases the producer.
func (p *Producer) Close() {
	p.client.Close()
}
