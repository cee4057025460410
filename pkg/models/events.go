package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Bus event types published and consumed by the orchestrator.
const (
	EventTypeConversationNew       = "conversation.new"
	EventTypeConversationTurn      = "conversation.turn"
	EventTypeConversationResponse  = "conversation.response"
	EventTypeConversationCompleted = "conversation.completed"
	EventTypeConversationError     = "conversation.error"
)

// SourceService identifies this service in the shared event header.
const SourceService = "orchestration-service"

// Priority orders conversation.new intake.
type Priority string

// Priorities for new-conversation events.
const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// ErrorType classifies conversation.error events.
type ErrorType string

// Error taxonomy used on the bus.
const (
	ErrorTypeLLMAPI     ErrorType = "llm_api_error"
	ErrorTypeTimeout    ErrorType = "timeout"
	ErrorTypeValidation ErrorType = "validation_error"
	ErrorTypeSystem     ErrorType = "system_error"
)

// Event is implemented by every bus event payload.
type Event interface {
	// Type returns the event_type discriminator.
	Type() string
	// Key returns the partition key. Conversation-scoped events key on
	// the conversation id so per-conversation ordering holds.
	Key() string
}

// BaseEvent carries the header fields shared by all events.
type BaseEvent struct {
	EventID       string    `json:"event_id"`
	EventType     string    `json:"event_type"`
	Timestamp     time.Time `json:"timestamp"`
	SourceService string    `json:"source_service"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// Type returns the event_type discriminator.
func (e BaseEvent) Type() string { return e.EventType }

// NewBaseEvent builds the shared header for an event of the given type.
func NewBaseEvent(eventType string) BaseEvent {
	return BaseEvent{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		Timestamp:     time.Now().UTC(),
		SourceService: SourceService,
	}
}

// ConversationNewEvent requests a new conversation for a topic.
type ConversationNewEvent struct {
	BaseEvent
	ConversationID string         `json:"conversation_id"`
	Topic          string         `json:"topic"`
	Source         string         `json:"source"`
	SourceURL      string         `json:"source_url,omitempty"`
	InitialContext map[string]any `json:"initial_context,omitempty"`
	Priority       Priority       `json:"priority"`
}

// Key returns the conversation id partition key.
func (e ConversationNewEvent) Key() string { return e.ConversationID }

// Validate checks the event's field constraints.
func (e ConversationNewEvent) Validate() error {
	if _, err := uuid.Parse(e.ConversationID); err != nil {
		return fmt.Errorf("conversation_id must be a valid UUID: %w", err)
	}
	if e.Topic == "" {
		return fmt.Errorf("conversation.new event %s has empty topic", e.EventID)
	}
	switch e.Priority {
	case PriorityHigh, PriorityNormal, PriorityLow:
	default:
		return fmt.Errorf("invalid priority %q", e.Priority)
	}
	return nil
}

// ConversationTurnEvent is a per-turn work item.
type ConversationTurnEvent struct {
	BaseEvent
	ConversationID string         `json:"conversation_id"`
	TurnNumber     int            `json:"turn_number"`
	TargetModel    string         `json:"target_model"`
	PreviousTurns  []Turn         `json:"previous_turns"`
	Context        map[string]any `json:"context,omitempty"`
}

// Key returns the conversation id partition key.
func (e ConversationTurnEvent) Key() string { return e.ConversationID }

// validTargetModels are the provider names and normalized model ids a
// turn event may address.
var validTargetModels = map[string]bool{
	"anthropic":       true,
	"google":          true,
	"claude-3-sonnet": true,
	"gemini-pro":      true,
}

// Validate checks the event's field constraints.
func (e ConversationTurnEvent) Validate() error {
	if e.TurnNumber < 1 {
		return fmt.Errorf("turn_number must be >= 1, got %d", e.TurnNumber)
	}
	if !validTargetModels[e.TargetModel] {
		return fmt.Errorf("invalid target model %q", e.TargetModel)
	}
	return nil
}

// ConversationResponseEvent reports the outcome of one turn.
type ConversationResponseEvent struct {
	BaseEvent
	ConversationID string `json:"conversation_id"`
	Turn           Turn   `json:"turn"`
	Success        bool   `json:"success"`
	ErrorMessage   string `json:"error_message,omitempty"`
	RetryCount     int    `json:"retry_count"`
}

// Key returns the conversation id partition key.
func (e ConversationResponseEvent) Key() string { return e.ConversationID }

// Validate checks that successful responses carry content.
func (e ConversationResponseEvent) Validate() error {
	if e.Success && e.Turn.Content == "" {
		return fmt.Errorf("successful response for conversation %s must have non-empty content", e.ConversationID)
	}
	return nil
}

// ConversationCompletedEvent is the terminal record of a conversation,
// emitted once and persisted out-of-band by downstream subscribers.
type ConversationCompletedEvent struct {
	BaseEvent
	ConversationID   string           `json:"conversation_id"`
	Topic            string           `json:"topic"`
	Source           string           `json:"source"`
	Turns            []Turn           `json:"turns"`
	Metadata         Metadata         `json:"metadata"`
	CompletionReason CompletionReason `json:"completion_reason"`
	QualityScore     *float64         `json:"quality_score,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	CompletedAt      time.Time        `json:"completed_at"`
}

// Key returns the conversation id partition key.
func (e ConversationCompletedEvent) Key() string { return e.ConversationID }

// Validate enforces the completed-event invariants: at least one turn and
// metadata consistent with the turns.
func (e ConversationCompletedEvent) Validate() error {
	if len(e.Turns) == 0 {
		return fmt.Errorf("completed conversation %s must have at least one turn", e.ConversationID)
	}
	if e.Metadata.TotalTurns != len(e.Turns) {
		return fmt.Errorf("metadata total_turns (%d) does not match turns (%d)",
			e.Metadata.TotalTurns, len(e.Turns))
	}
	return nil
}

// ConversationErrorEvent reports a processing failure.
type ConversationErrorEvent struct {
	BaseEvent
	ConversationID string         `json:"conversation_id"`
	ErrorType      ErrorType      `json:"error_type"`
	ErrorMessage   string         `json:"error_message"`
	ErrorDetails   map[string]any `json:"error_details,omitempty"`
	RetryCount     int            `json:"retry_count"`
	IsRecoverable  bool           `json:"is_recoverable"`
	TurnNumber     int            `json:"turn_number,omitempty"`
}

// Key returns the conversation id partition key.
func (e ConversationErrorEvent) Key() string { return e.ConversationID }

// ParseEvent deserializes raw event bytes into the typed payload selected
// by the event_type field. Unknown types are rejected.
func ParseEvent(data []byte) (Event, error) {
	var head struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("failed to read event_type: %w", err)
	}

	var (
		event Event
		err   error
	)
	switch head.EventType {
	case EventTypeConversationNew:
		var e ConversationNewEvent
		err = json.Unmarshal(data, &e)
		event = e
	case EventTypeConversationTurn:
		var e ConversationTurnEvent
		err = json.Unmarshal(data, &e)
		event = e
	case EventTypeConversationResponse:
		var e ConversationResponseEvent
		err = json.Unmarshal(data, &e)
		event = e
	case EventTypeConversationCompleted:
		var e ConversationCompletedEvent
		err = json.Unmarshal(data, &e)
		event = e
	case EventTypeConversationError:
		var e ConversationErrorEvent
		err = json.Unmarshal(data, &e)
		event = e
	default:
		return nil, fmt.Errorf("unknown event type %q", head.EventType)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s event: %w", head.EventType, err)
	}
	return event, nil
}

// DeadLetterEnvelope wraps an unprocessable message for the {topic}.dlq
// sibling topic.
type DeadLetterEnvelope struct {
	OriginalTopic   string    `json:"original_topic"`
	OriginalMessage string    `json:"original_message"`
	Error           string    `json:"error"`
	Timestamp       time.Time `json:"timestamp"`
}
