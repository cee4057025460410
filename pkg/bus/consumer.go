package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/parley-ai/parley/pkg/config"
	"github.com/parley-ai/parley/pkg/models"
)

// Handler processes one decoded event. A non-nil error sends the raw
// message to the topic's dead-letter queue; its offset is committed only
// once the dead-letter copy is safely published, so a poison message is
// redelivered rather than lost when the DLQ is unavailable.
type Handler func(ctx context.Context, event models.Event) error

// dlqEmitter publishes raw dead-letter payloads; satisfied by *Producer.
type dlqEmitter interface {
	SendRaw(ctx context.Context, topic string, key, value []byte) error
}

// consumeClient is the slice of kgo.Client the consumer needs.
type consumeClient interface {
	PollFetches(ctx context.Context) kgo.Fetches
	CommitRecords(ctx context.Context, rs ...*kgo.Record) error
	Close()
}

// Consumer joins a consumer group, dispatches decoded events to
// registered handlers, and commits offsets manually after processing.
type Consumer struct {
	client consumeClient
	dlq    dlqEmitter
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewConsumer joins the configured consumer group on the given topics.
// New groups start from the latest offset; offsets are committed manually
// after each poll batch is processed.
func NewConsumer(cfg config.KafkaConfig, topics []string, dlq dlqEmitter, logger *slog.Logger) (*Consumer, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.BootstrapServers...),
		kgo.ConsumerGroup(cfg.ConsumerGroupID),
		kgo.ConsumeTopics(topics...),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}
	return newConsumer(client, dlq, logger), nil
}

func newConsumer(client consumeClient, dlq dlqEmitter, logger *slog.Logger) *Consumer {
	return &Consumer{
		client:   client,
		dlq:      dlq,
		logger:   logger,
		handlers: make(map[string]Handler),
	}
}

// RegisterHandler binds a handler to an event type. Registering twice
// replaces the previous handler.
func (c *Consumer) RegisterHandler(eventType string, handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[eventType] = handler
}

// Run polls until the context ends or the client is closed. Offsets are
// committed only for records that were handled or safely dead-lettered;
// everything else is left uncommitted for redelivery.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Error("fetch error", "topic", topic, "partition", partition, "error", err)
		})

		var committable []*kgo.Record
		fetches.EachRecord(func(record *kgo.Record) {
			if c.processRecord(ctx, record) {
				committable = append(committable, record)
			}
		})

		if len(committable) > 0 {
			if err := c.client.CommitRecords(ctx, committable...); err != nil {
				c.logger.Error("offset commit failed", "error", err)
			}
		}
	}
}

// processRecord decodes and dispatches one record. Decode failures,
// missing handlers, and handler errors all route the original message to
// the dead-letter queue. It reports whether the record's offset may be
// committed: false only when the record needed the DLQ and the DLQ
// publish failed.
func (c *Consumer) processRecord(ctx context.Context, record *kgo.Record) bool {
	event, err := models.ParseEvent(record.Value)
	if err != nil {
		return c.sendToDLQ(ctx, record, err)
	}

	c.mu.RLock()
	handler, ok := c.handlers[event.Type()]
	c.mu.RUnlock()
	if !ok {
		return c.sendToDLQ(ctx, record, fmt.Errorf("no handler registered for event type %s", event.Type()))
	}

	if err := handler(ctx, event); err != nil {
		c.logger.Error("event handler failed",
			"topic", record.Topic,
			"event_type", event.Type(),
			"error", err)
		return c.sendToDLQ(ctx, record, err)
	}
	return true
}

// sendToDLQ wraps the raw message in a dead-letter envelope and publishes
// it to the topic's DLQ sibling, reporting whether the copy made it out.
func (c *Consumer) sendToDLQ(ctx context.Context, record *kgo.Record, cause error) bool {
	envelope := models.DeadLetterEnvelope{
		OriginalTopic:   record.Topic,
		OriginalMessage: string(record.Value),
		Error:           cause.Error(),
		Timestamp:       time.Now().UTC(),
	}
	value, err := json.Marshal(envelope)
	if err != nil {
		c.logger.Error("failed to encode dead-letter envelope", "topic", record.Topic, "error", err)
		return false
	}

	if err := c.dlq.SendRaw(ctx, DLQTopic(record.Topic), record.Key, value); err != nil {
		c.logger.Error("failed to publish to dead-letter queue",
			"topic", DLQTopic(record.Topic),
			"error", err)
		return false
	}
	c.logger.Warn("message moved to dead-letter queue",
		"topic", record.Topic,
		"error", cause.Error())
	return true
}

// Close leaves the group and releases the client.
func (c *Consumer) Close() {
	c.client.Close()
}
