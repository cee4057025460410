// Package store persists conversation state in Redis: JSON records with a
// TTL, an active-conversation index set, advisory per-conversation locks,
// the FIFO topic queue, and an aggregate metrics hash.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/parley-ai/parley/pkg/config"
	"github.com/parley-ai/parley/pkg/models"
)

// Redis key layout.
const (
	conversationKeyPrefix = "conversation:"
	lockKeyPrefix         = "lock:conversation:"
	activeSetKey          = "active_conversations"
	topicQueueKey         = "topic_queue"
	metricsKey            = "conversation:metrics"
)

// Aggregate counter fields in the metrics hash.
const (
	MetricConversationsStarted   = "conversations_started"
	MetricConversationsCompleted = "conversations_completed"
	MetricConversationsFailed    = "conversations_failed"
)

// ErrNotFound is returned when a conversation record does not exist or
// its TTL has expired.
var ErrNotFound = errors.New("conversation not found")

// Store is the Redis-backed conversation state store.
type Store struct {
	client  redis.UniversalClient
	ttl     time.Duration
	lockTTL time.Duration
	logger  *slog.Logger
}

// New connects to Redis and verifies the connection with a ping.
func New(ctx context.Context, cfg config.RedisConfig, ttl, lockTTL time.Duration, logger *slog.Logger) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr(), err)
	}
	return &Store{
		client:  client,
		ttl:     ttl,
		lockTTL: lockTTL,
		logger:  logger,
	}, nil
}

// NewWithClient wraps an existing Redis client; used by tests.
func NewWithClient(client redis.UniversalClient, ttl, lockTTL time.Duration, logger *slog.Logger) *Store {
	return &Store{client: client, ttl: ttl, lockTTL: lockTTL, logger: logger}
}

// Close releases the Redis connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping verifies the Redis connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func conversationKey(id string) string { return conversationKeyPrefix + id }

func lockKey(id string) string { return lockKeyPrefix + id }

// SaveConversation validates and writes the record with the configured
// TTL, and indexes it in the active set while it is not terminal.
func (s *Store) SaveConversation(ctx context.Context, conv *models.Conversation) error {
	if err := conv.Validate(); err != nil {
		return fmt.Errorf("refusing to save invalid conversation: %w", err)
	}

	data, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("failed to serialize conversation %s: %w", conv.ConversationID, err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, conversationKey(conv.ConversationID), data, s.ttl)
	if conv.Metadata.Status.IsTerminal() {
		pipe.SRem(ctx, activeSetKey, conv.ConversationID)
	} else {
		pipe.SAdd(ctx, activeSetKey, conv.ConversationID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save conversation %s: %w", conv.ConversationID, err)
	}
	return nil
}

// GetConversation loads a record, returning ErrNotFound for missing or
// expired conversations.
func (s *Store) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	data, err := s.client.Get(ctx, conversationKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation %s: %w", id, err)
	}

	var conv models.Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, fmt.Errorf("failed to deserialize conversation %s: %w", id, err)
	}
	return &conv, nil
}

// UpdateConversation applies mutate to the stored record under a
// read-modify-write cycle and persists the result. The caller is expected
// to hold the conversation lock.
func (s *Store) UpdateConversation(ctx context.Context, id string, mutate func(*models.Conversation) error) error {
	conv, err := s.GetConversation(ctx, id)
	if err != nil {
		return err
	}
	if err := mutate(conv); err != nil {
		return err
	}
	conv.UpdatedAt = time.Now().UTC()
	return s.SaveConversation(ctx, conv)
}

// DeleteConversation removes the record and its active-set entry.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, conversationKey(id))
	pipe.SRem(ctx, activeSetKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete conversation %s: %w", id, err)
	}
	return nil
}

// ListActive returns the ids in the active-conversation index.
func (s *Store) ListActive(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, activeSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list active conversations: %w", err)
	}
	return ids, nil
}

// AcquireLock takes the advisory per-conversation lock via SETNX with the
// lock TTL. It returns false when another worker holds the lock.
func (s *Store) AcquireLock(ctx context.Context, id string) (bool, error) {
	ok, err := s.client.SetNX(ctx, lockKey(id), "locked", s.lockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock for conversation %s: %w", id, err)
	}
	return ok, nil
}

// ReleaseLock drops the advisory lock. Releasing a lock that has already
// expired is not an error.
func (s *Store) ReleaseLock(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, lockKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to release lock for conversation %s: %w", id, err)
	}
	return nil
}

// PushTopic appends a topic to the tail of the FIFO queue.
func (s *Store) PushTopic(ctx context.Context, topic *models.Topic) error {
	data, err := json.Marshal(topic)
	if err != nil {
		return fmt.Errorf("failed to serialize topic %s: %w", topic.ID, err)
	}
	if err := s.client.RPush(ctx, topicQueueKey, data).Err(); err != nil {
		return fmt.Errorf("failed to enqueue topic %s: %w", topic.ID, err)
	}
	return nil
}

// PopTopic takes the next topic from the head of the queue, or nil when
// the queue is empty.
func (s *Store) PopTopic(ctx context.Context) (*models.Topic, error) {
	data, err := s.client.LPop(ctx, topicQueueKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop topic: %w", err)
	}

	var topic models.Topic
	if err := json.Unmarshal(data, &topic); err != nil {
		return nil, fmt.Errorf("failed to deserialize topic: %w", err)
	}
	return &topic, nil
}

// TopicQueueLength returns the number of queued topics.
func (s *Store) TopicQueueLength(ctx context.Context) (int64, error) {
	n, err := s.client.LLen(ctx, topicQueueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read topic queue length: %w", err)
	}
	return n, nil
}

// SearchConversations scans stored records and returns those whose topic
// contains the query, case-insensitively, and whose status matches
// exactly, up to limit results. Either filter may be left empty.
func (s *Store) SearchConversations(ctx context.Context, query string, status models.Status, limit int) ([]*models.Conversation, error) {
	needle := strings.ToLower(query)
	var results []*models.Conversation

	iter := s.client.Scan(ctx, 0, conversationKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if key == metricsKey {
			continue
		}

		data, err := s.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load %s during search: %w", key, err)
		}

		var conv models.Conversation
		if err := json.Unmarshal(data, &conv); err != nil {
			s.logger.Warn("skipping unreadable conversation record", "key", key, "error", err)
			continue
		}
		if status != "" && conv.Metadata.Status != status {
			continue
		}
		if needle != "" && !strings.Contains(strings.ToLower(conv.Topic), needle) {
			continue
		}
		results = append(results, &conv)
		if limit > 0 && len(results) >= limit {
			break
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("conversation search scan failed: %w", err)
	}
	return results, nil
}

// CleanupExpired reconciles the active set against the records: ids whose
// record TTL has lapsed are dropped from the set. Returns the number of
// entries removed.
func (s *Store) CleanupExpired(ctx context.Context) (int, error) {
	ids, err := s.ListActive(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, id := range ids {
		exists, err := s.client.Exists(ctx, conversationKey(id)).Result()
		if err != nil {
			return removed, fmt.Errorf("failed to check conversation %s: %w", id, err)
		}
		if exists == 0 {
			if err := s.client.SRem(ctx, activeSetKey, id).Err(); err != nil {
				return removed, fmt.Errorf("failed to drop stale active entry %s: %w", id, err)
			}
			removed++
		}
	}
	if removed > 0 {
		s.logger.Info("cleaned up expired conversations", "removed", removed)
	}
	return removed, nil
}

// ConversationMetrics is a per-conversation metrics view of the record.
type ConversationMetrics struct {
	ConversationID  string        `json:"conversation_id"`
	Status          models.Status `json:"status"`
	TotalTurns      int           `json:"total_turns"`
	TotalTokens     int           `json:"total_tokens"`
	DurationSeconds float64       `json:"duration_seconds"`
	ModelsUsed      []string      `json:"models_used"`
	QualityScore    *float64      `json:"quality_score,omitempty"`
}

// GetConversationMetrics returns the metrics view of one conversation.
func (s *Store) GetConversationMetrics(ctx context.Context, id string) (*ConversationMetrics, error) {
	conv, err := s.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	return &ConversationMetrics{
		ConversationID:  conv.ConversationID,
		Status:          conv.Metadata.Status,
		TotalTurns:      conv.Metadata.TotalTurns,
		TotalTokens:     conv.Metadata.TotalTokens,
		DurationSeconds: conv.Metadata.DurationSeconds,
		ModelsUsed:      conv.Metadata.ModelsUsed,
		QualityScore:    conv.Metadata.QualityScore,
	}, nil
}

// IncrMetric bumps an aggregate counter in the shared metrics hash.
func (s *Store) IncrMetric(ctx context.Context, field string, delta int64) error {
	if err := s.client.HIncrBy(ctx, metricsKey, field, delta).Err(); err != nil {
		return fmt.Errorf("failed to increment metric %s: %w", field, err)
	}
	return nil
}

// Metrics returns the aggregate counter hash.
func (s *Store) Metrics(ctx context.Context) (map[string]string, error) {
	fields, err := s.client.HGetAll(ctx, metricsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read metrics: %w", err)
	}
	return fields, nil
}
