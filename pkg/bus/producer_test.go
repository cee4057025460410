package bus

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/parley-ai/parley/pkg/config"
	"github.com/parley-ai/parley/pkg/models"
)

// fakeProduceClient records produced messages and fails the first
// failFirst attempts.
type fakeProduceClient struct {
	records   []*kgo.Record
	failFirst int
	calls     int
}

func (f *fakeProduceClient) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	f.calls++
	if f.calls <= f.failFirst {
		return kgo.ProduceResults{{Err: errors.New("broker unavailable")}}
	}
	f.records = append(f.records, rs...)
	results := make(kgo.ProduceResults, len(rs))
	for i, r := range rs {
		results[i] = kgo.ProduceResult{Record: r}
	}
	return results
}

func (f *fakeProduceClient) Close() {}

func newTestProducer(fake *fakeProduceClient) *Producer {
	p := newProducer(fake, config.KafkaConfig{MaxRetries: 3, RetryDelay: time.Millisecond}, slog.New(slog.DiscardHandler))
	p.sleep = func(_ context.Context, _ time.Duration) error { return nil }
	return p
}

func newConversationEvent() models.ConversationNewEvent {
	return models.ConversationNewEvent{
		BaseEvent:      models.NewBaseEvent(models.EventTypeConversationNew),
		ConversationID: "3f2e8a60-7a3f-4e9a-9d27-0c1f6f8f2b11",
		Topic:          "The future of renewable energy",
		Source:         "hackernews",
		Priority:       models.PriorityNormal,
	}
}

func TestSendEventKeysByConversation(t *testing.T) {
	fake := &fakeProduceClient{}
	p := newTestProducer(fake)

	event := newConversationEvent()
	require.NoError(t, p.SendEvent(context.Background(), event))

	require.Len(t, fake.records, 1)
	record := fake.records[0]
	assert.Equal(t, models.EventTypeConversationNew, record.Topic)
	assert.Equal(t, event.ConversationID, string(record.Key))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(record.Value, &decoded))
	assert.Equal(t, models.EventTypeConversationNew, decoded["event_type"])
	assert.Equal(t, "orchestration-service", decoded["source_service"])
}

func TestSendEventRejectsInvalid(t *testing.T) {
	fake := &fakeProduceClient{}
	p := newTestProducer(fake)

	event := newConversationEvent()
	event.Priority = "urgent"
	err := p.SendEvent(context.Background(), event)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid")
	assert.Empty(t, fake.records, "invalid events never reach the wire")
}

func TestSendEventRetriesThenSucceeds(t *testing.T) {
	fake := &fakeProduceClient{failFirst: 2}
	p := newTestProducer(fake)

	require.NoError(t, p.SendEvent(context.Background(), newConversationEvent()))
	assert.Equal(t, 3, fake.calls)
}

func TestSendEventExhaustsRetries(t *testing.T) {
	fake := &fakeProduceClient{failFirst: 10}
	p := newTestProducer(fake)

	err := p.SendEvent(context.Background(), newConversationEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Equal(t, 3, fake.calls)
}

func TestSendBatchPerEventOutcomes(t *testing.T) {
	fake := &fakeProduceClient{}
	p := newTestProducer(fake)

	good := newConversationEvent()
	bad := newConversationEvent()
	bad.ConversationID = "not-a-uuid"

	results := p.SendBatch(context.Background(), []models.Event{good, bad, good})
	require.Len(t, results, 3)
	assert.NoError(t, results[0])
	assert.Error(t, results[1])
	assert.NoError(t, results[2])
	assert.Len(t, fake.records, 2)
}
