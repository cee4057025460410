// Package manager drives conversations end to end: it admits new topics
// under a concurrency cap, alternates turns between the two providers,
// applies the termination heuristics, and publishes lifecycle events.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/parley-ai/parley/pkg/config"
	"github.com/parley-ai/parley/pkg/llm"
	"github.com/parley-ai/parley/pkg/models"
)

// Conversation prompts.
const (
	startPromptFmt    = "Start a thoughtful discussion about: %s"
	continuePromptFmt = "Respond to the previous message about %s. Provide a thoughtful perspective that adds to the discussion."
)

// turnOrder alternates providers; turn n is taken by turnOrder[(n-1)%2].
var turnOrder = []string{llm.ProviderAnthropic, llm.ProviderGoogle}

// ErrCapacityExhausted is returned when the concurrent-conversation cap
// is reached.
var ErrCapacityExhausted = errors.New("conversation capacity exhausted")

// ErrAlreadyLocked is returned when another worker holds the
// conversation's lock.
var ErrAlreadyLocked = errors.New("conversation is locked by another worker")

// ConversationStore is the slice of the state store the manager uses.
type ConversationStore interface {
	SaveConversation(ctx context.Context, conv *models.Conversation) error
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	AcquireLock(ctx context.Context, id string) (bool, error)
	ReleaseLock(ctx context.Context, id string) error
	PopTopic(ctx context.Context) (*models.Topic, error)
	IncrMetric(ctx context.Context, field string, delta int64) error
	CleanupExpired(ctx context.Context) (int, error)
}

// EventPublisher publishes lifecycle events to the bus.
type EventPublisher interface {
	SendEvent(ctx context.Context, event models.Event) error
}

// ClientProvider hands out LLM clients by provider name.
type ClientProvider interface {
	GetClient(provider string) (llm.Client, error)
}

// Metric field names shared with the store package, re-declared here to
// keep the interface narrow.
const (
	metricStarted   = "conversations_started"
	metricCompleted = "conversations_completed"
	metricFailed    = "conversations_failed"
)

// running tracks one in-flight conversation.
type running struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager orchestrates conversations.
type Manager struct {
	cfg       config.ConversationConfig
	store     ConversationStore
	publisher EventPublisher
	clients   ClientProvider
	sem       *semaphore.Weighted
	logger    *slog.Logger

	mu      sync.Mutex
	active  map[string]*running
	stopped bool

	wg sync.WaitGroup

	now func() time.Time
}

// New builds a Manager with the configured concurrency cap.
func New(cfg config.ConversationConfig, store ConversationStore, publisher EventPublisher, clients ClientProvider, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		store:     store,
		publisher: publisher,
		clients:   clients,
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		logger:    logger,
		active:    make(map[string]*running),
		now:       time.Now,
	}
}

// StartNewConversation admits a topic, persists the initial record, takes
// the conversation lock, and runs the turn loop in the background. It
// returns the new conversation id immediately.
func (m *Manager) StartNewConversation(ctx context.Context, topic models.Topic) (string, error) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return "", fmt.Errorf("manager is shutting down")
	}
	m.mu.Unlock()

	if !m.sem.TryAcquire(1) {
		return "", ErrCapacityExhausted
	}

	conv := models.NewConversation(topic)
	logger := m.logger.With("conversation_id", conv.ConversationID)

	if err := m.store.SaveConversation(ctx, conv); err != nil {
		m.sem.Release(1)
		return "", fmt.Errorf("failed to persist new conversation: %w", err)
	}

	locked, err := m.store.AcquireLock(ctx, conv.ConversationID)
	if err != nil {
		m.sem.Release(1)
		return "", fmt.Errorf("failed to lock new conversation: %w", err)
	}
	if !locked {
		m.sem.Release(1)
		return "", fmt.Errorf("conversation %s: %w", conv.ConversationID, ErrAlreadyLocked)
	}

	if err := m.store.IncrMetric(ctx, metricStarted, 1); err != nil {
		logger.Warn("failed to bump started counter", "error", err)
	}

	// The run outlives the caller's context; cancellation comes from
	// StopConversation or Stop.
	runCtx, cancel := context.WithCancel(context.Background())
	handle := &running{cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	m.active[conv.ConversationID] = handle
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(handle.done)
		defer cancel()
		defer m.sem.Release(1)
		defer m.removeActive(conv.ConversationID)
		defer m.releaseLock(conv.ConversationID)

		m.processConversation(runCtx, conv, logger)
	}()

	logger.Info("conversation started", "topic", topic.Title, "source", topic.Source)
	return conv.ConversationID, nil
}

func (m *Manager) removeActive(id string) {
	m.mu.Lock()
	delete(m.active, id)
	m.mu.Unlock()
}

func (m *Manager) releaseLock(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.store.ReleaseLock(ctx, id); err != nil {
		m.logger.Warn("failed to release conversation lock", "conversation_id", id, "error", err)
	}
}

// processConversation runs the alternating turn loop until a termination
// condition fires.
func (m *Manager) processConversation(ctx context.Context, conv *models.Conversation, logger *slog.Logger) {
	start := m.now()

	for turnNumber := len(conv.Turns) + 1; turnNumber <= m.cfg.MaxTurns; turnNumber++ {
		select {
		case <-ctx.Done():
			m.finishStopped(conv, logger)
			return
		default:
		}

		if m.now().Sub(start) > m.cfg.Timeout {
			logger.Warn("conversation exceeded its time budget", "elapsed", m.now().Sub(start))
			m.finishCompleted(conv, models.ReasonTimeout, logger)
			return
		}

		provider := turnOrder[(turnNumber-1)%len(turnOrder)]
		if err := m.executeTurn(ctx, conv, turnNumber, provider, logger); err != nil {
			if ctx.Err() != nil {
				m.finishStopped(conv, logger)
				return
			}
			m.finishFailed(conv, turnNumber, err, logger)
			return
		}

		// Heuristics apply between the turn bounds only: reaching the
		// final allowed turn always reports max_turns.
		if turnNumber >= m.cfg.MinTurns && turnNumber < m.cfg.MaxTurns {
			if reason, ended := m.shouldEnd(conv); ended {
				m.finishCompleted(conv, reason, logger)
				return
			}
		}
	}

	m.finishCompleted(conv, models.ReasonMaxTurns, logger)
}

// executeTurn publishes the work item, invokes the provider, appends the
// turn, persists the record, and publishes the turn outcome.
func (m *Manager) executeTurn(ctx context.Context, conv *models.Conversation, turnNumber int, provider string, logger *slog.Logger) error {
	turnEvent := models.ConversationTurnEvent{
		BaseEvent:      models.NewBaseEvent(models.EventTypeConversationTurn),
		ConversationID: conv.ConversationID,
		TurnNumber:     turnNumber,
		TargetModel:    provider,
		PreviousTurns:  conv.Turns,
	}
	if err := m.publisher.SendEvent(ctx, turnEvent); err != nil {
		logger.Warn("failed to publish turn event", "turn", turnNumber, "error", err)
	}

	client, err := m.clients.GetClient(provider)
	if err != nil {
		return fmt.Errorf("no client for provider %s: %w", provider, err)
	}

	result, err := client.GenerateResponse(ctx, m.buildMessages(conv), nil)
	if err != nil {
		m.publishResponse(ctx, conv.ConversationID, models.Turn{TurnNumber: turnNumber}, false, err)
		return fmt.Errorf("turn %d failed: %w", turnNumber, err)
	}

	turn := models.Turn{
		Model:     result.Model,
		Role:      models.RoleForTurn(turnNumber),
		Content:   result.Content,
		Timestamp: m.now().UTC(),
		LatencyMS: result.LatencyMS,
		Tokens:    result.Tokens,
	}
	conv.AddTurn(turn)
	conv.Metadata.Status = models.StatusInProgress

	if err := m.store.SaveConversation(ctx, conv); err != nil {
		return fmt.Errorf("failed to persist turn %d: %w", turnNumber, err)
	}

	m.publishResponse(ctx, conv.ConversationID, conv.Turns[len(conv.Turns)-1], true, nil)
	logger.Info("turn completed",
		"turn", turnNumber,
		"provider", provider,
		"tokens", result.Tokens,
		"latency_ms", result.LatencyMS)
	return nil
}

// buildMessages maps the history to the shared message type: prior turns
// become assistant messages and the next prompt is the trailing user
// message.
func (m *Manager) buildMessages(conv *models.Conversation) []llm.Message {
	messages := make([]llm.Message, 0, len(conv.Turns)+1)
	for _, turn := range conv.Turns {
		messages = append(messages, llm.Message{Role: "assistant", Content: turn.Content})
	}

	prompt := fmt.Sprintf(startPromptFmt, conv.Topic)
	if len(conv.Turns) > 0 {
		prompt = fmt.Sprintf(continuePromptFmt, conv.Topic)
	}
	return append(messages, llm.Message{Role: "user", Content: prompt})
}

func (m *Manager) publishResponse(ctx context.Context, conversationID string, turn models.Turn, success bool, cause error) {
	event := models.ConversationResponseEvent{
		BaseEvent:      models.NewBaseEvent(models.EventTypeConversationResponse),
		ConversationID: conversationID,
		Turn:           turn,
		Success:        success,
	}
	if cause != nil {
		event.ErrorMessage = cause.Error()
	}
	if err := m.publisher.SendEvent(ctx, event); err != nil {
		m.logger.Warn("failed to publish response event", "conversation_id", conversationID, "error", err)
	}
}

// Loop-path conclusion phrases; checked against the most recent turn.
var loopConclusionPhrases = []string{
	"in conclusion",
	"to summarize",
	"overall",
	"in summary",
	"that concludes",
	"final thoughts",
}

// shouldEnd applies the in-loop termination heuristics once the minimum
// turn count is met: a conclusion phrase in the last turn, or heavy word
// overlap across the recent turns.
func (m *Manager) shouldEnd(conv *models.Conversation) (models.CompletionReason, bool) {
	last := strings.ToLower(conv.Turns[len(conv.Turns)-1].Content)
	for _, phrase := range loopConclusionPhrases {
		if strings.Contains(last, phrase) {
			return models.ReasonNaturalEnding, true
		}
	}
	if m.detectLoopRepetition(conv) {
		return models.ReasonRepetition, true
	}
	return "", false
}

// detectLoopRepetition compares the last four turns pairwise: two
// substantial turns (more than ten words each) whose word overlap exceeds
// the threshold relative to the smaller set count as repetition.
func (m *Manager) detectLoopRepetition(conv *models.Conversation) bool {
	if len(conv.Turns) < 4 {
		return false
	}

	recent := conv.Turns[len(conv.Turns)-4:]
	sets := make([]map[string]struct{}, len(recent))
	for i, turn := range recent {
		sets[i] = wordSet(strings.ToLower(turn.Content))
	}

	for i := 0; i < len(sets); i++ {
		for j := i + 1; j < len(sets); j++ {
			if len(sets[i]) <= 10 || len(sets[j]) <= 10 {
				continue
			}
			smaller := len(sets[i])
			if len(sets[j]) < smaller {
				smaller = len(sets[j])
			}
			if float64(intersection(sets[i], sets[j]))/float64(smaller) > m.cfg.RepetitionThreshold {
				return true
			}
		}
	}
	return false
}

func wordSet(content string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, word := range strings.Fields(content) {
		set[word] = struct{}{}
	}
	return set
}

func intersection(a, b map[string]struct{}) int {
	if len(b) < len(a) {
		a, b = b, a
	}
	n := 0
	for w := range a {
		if _, ok := b[w]; ok {
			n++
		}
	}
	return n
}

// finishCompleted finalizes a conversation: terminal status, completion
// reason, quality score, persisted record, completed event, counter bump.
func (m *Manager) finishCompleted(conv *models.Conversation, reason models.CompletionReason, logger *slog.Logger) {
	score := conv.QualityScore()
	conv.Metadata.Status = models.StatusCompleted
	conv.Metadata.CompletionReason = reason
	conv.Metadata.QualityScore = &score

	saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.store.SaveConversation(saveCtx, conv); err != nil {
		logger.Error("failed to persist completed conversation", "error", err)
	}

	if len(conv.Turns) > 0 {
		event := models.ConversationCompletedEvent{
			BaseEvent:        models.NewBaseEvent(models.EventTypeConversationCompleted),
			ConversationID:   conv.ConversationID,
			Topic:            conv.Topic,
			Source:           conv.Source,
			Turns:            conv.Turns,
			Metadata:         conv.Metadata,
			CompletionReason: reason,
			QualityScore:     conv.Metadata.QualityScore,
			CreatedAt:        conv.CreatedAt,
			CompletedAt:      m.now().UTC(),
		}
		if err := m.publisher.SendEvent(saveCtx, event); err != nil {
			logger.Error("failed to publish completed event", "error", err)
		}
	}

	if err := m.store.IncrMetric(saveCtx, metricCompleted, 1); err != nil {
		logger.Warn("failed to bump completed counter", "error", err)
	}

	logger.Info("conversation completed",
		"reason", reason,
		"turns", conv.Metadata.TotalTurns,
		"tokens", conv.Metadata.TotalTokens,
		"quality_score", score)
}

// finishFailed marks the conversation failed and publishes the error
// event with the failure taxonomy.
func (m *Manager) finishFailed(conv *models.Conversation, turnNumber int, cause error, logger *slog.Logger) {
	conv.Metadata.Status = models.StatusFailed
	conv.Metadata.CompletionReason = models.ReasonError

	saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.store.SaveConversation(saveCtx, conv); err != nil {
		logger.Error("failed to persist failed conversation", "error", err)
	}

	event := models.ConversationErrorEvent{
		BaseEvent:      models.NewBaseEvent(models.EventTypeConversationError),
		ConversationID: conv.ConversationID,
		ErrorType:      errorTypeFor(cause),
		ErrorMessage:   cause.Error(),
		TurnNumber:     turnNumber,
		IsRecoverable:  false,
	}
	if err := m.publisher.SendEvent(saveCtx, event); err != nil {
		logger.Error("failed to publish error event", "error", err)
	}

	if err := m.store.IncrMetric(saveCtx, metricFailed, 1); err != nil {
		logger.Warn("failed to bump failed counter", "error", err)
	}

	logger.Error("conversation failed", "turn", turnNumber, "error", cause)
}

// finishStopped marks a cancelled conversation.
func (m *Manager) finishStopped(conv *models.Conversation, logger *slog.Logger) {
	conv.Metadata.Status = models.StatusStopped

	saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.store.SaveConversation(saveCtx, conv); err != nil {
		logger.Error("failed to persist stopped conversation", "error", err)
	}
	logger.Info("conversation stopped", "turns", conv.Metadata.TotalTurns)
}

// errorTypeFor maps a turn failure to the bus error taxonomy.
func errorTypeFor(err error) models.ErrorType {
	var apiErr *llm.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Kind == llm.KindTimeout {
			return models.ErrorTypeTimeout
		}
		return models.ErrorTypeLLMAPI
	}
	return models.ErrorTypeSystem
}

// GetState loads the current record of a conversation.
func (m *Manager) GetState(ctx context.Context, id string) (*models.Conversation, error) {
	return m.store.GetConversation(ctx, id)
}

// ActiveCount returns the number of conversations currently running in
// this process.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// StopConversation cancels one running conversation. It reports whether
// the conversation was running here.
func (m *Manager) StopConversation(id string) bool {
	m.mu.Lock()
	handle, ok := m.active[id]
	m.mu.Unlock()
	if !ok {
		return false
	}
	handle.cancel()
	<-handle.done
	return true
}

// CleanupCompleted drops finished handles from the registry and
// reconciles the store's active index. It returns the number of stale
// store entries removed.
func (m *Manager) CleanupCompleted(ctx context.Context) (int, error) {
	m.mu.Lock()
	for id, handle := range m.active {
		select {
		case <-handle.done:
			delete(m.active, id)
		default:
		}
	}
	m.mu.Unlock()

	return m.store.CleanupExpired(ctx)
}

// Stop cancels every running conversation and waits for the loops to
// drain, up to the given budget.
func (m *Manager) Stop(timeout time.Duration) error {
	m.mu.Lock()
	m.stopped = true
	for _, handle := range m.active {
		handle.cancel()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("all conversations drained")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("shutdown timed out with %d conversations still running", m.ActiveCount())
	}
}
