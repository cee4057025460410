package manager

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/parley-ai/parley/pkg/models"
)

// RunTopicPoller drains the topic queue in the background, starting a
// conversation per topic while capacity remains. Poll intervals are
// jittered so multiple workers do not synchronize on the queue.
func (m *Manager) RunTopicPoller(ctx context.Context) {
	m.logger.Info("topic poller started",
		"interval", m.cfg.PollInterval,
		"jitter", m.cfg.PollIntervalJitter)

	for {
		timer := time.NewTimer(m.pollDelay())
		select {
		case <-ctx.Done():
			timer.Stop()
			m.logger.Info("topic poller stopped")
			return
		case <-timer.C:
		}

		m.drainTopics(ctx)
	}
}

func (m *Manager) pollDelay() time.Duration {
	delay := m.cfg.PollInterval
	if m.cfg.PollIntervalJitter > 0 {
		delay += rand.N(m.cfg.PollIntervalJitter)
	}
	return delay
}

// drainTopics starts conversations for queued topics until the queue is
// empty or capacity runs out.
func (m *Manager) drainTopics(ctx context.Context) {
	for ctx.Err() == nil {
		if m.ActiveCount() >= m.cfg.MaxConcurrent {
			return
		}

		topic, err := m.store.PopTopic(ctx)
		if err != nil {
			m.logger.Error("failed to pop topic", "error", err)
			return
		}
		if topic == nil {
			return
		}

		if _, err := m.StartNewConversation(ctx, *topic); err != nil {
			if errors.Is(err, ErrCapacityExhausted) {
				m.logger.Warn("capacity exhausted, topic dropped back to queue", "topic", topic.Title)
				m.requeueTopic(ctx, topic)
				return
			}
			m.logger.Error("failed to start conversation for topic",
				"topic", topic.Title,
				"error", err)
		}
	}
}

// requeueTopic returns a popped topic to the queue when it could not be
// started. The topic loses its queue position.
func (m *Manager) requeueTopic(ctx context.Context, topic *models.Topic) {
	type pusher interface {
		PushTopic(ctx context.Context, topic *models.Topic) error
	}
	p, ok := m.store.(pusher)
	if !ok {
		m.logger.Error("store cannot requeue, topic lost", "topic", topic.Title)
		return
	}
	if err := p.PushTopic(ctx, topic); err != nil {
		m.logger.Error("failed to requeue topic", "topic", topic.Title, "error", err)
	}
}

// HandleNewConversation is the bus handler for conversation.new events:
// each event starts one conversation.
func (m *Manager) HandleNewConversation(ctx context.Context, event models.Event) error {
	e, ok := event.(models.ConversationNewEvent)
	if !ok {
		return fmt.Errorf("unexpected payload type %T for %s", event, event.Type())
	}

	topic := models.Topic{
		ID:                e.ConversationID,
		Title:             e.Topic,
		Source:            e.Source,
		URL:               e.SourceURL,
		CreatedAt:         e.Timestamp,
		AdditionalContext: e.InitialContext,
	}
	if _, err := m.StartNewConversation(ctx, topic); err != nil {
		return fmt.Errorf("failed to start conversation for event %s: %w", e.EventID, err)
	}
	return nil
}
