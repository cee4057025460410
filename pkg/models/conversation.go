// Package models defines the conversation data model and the event
// payloads exchanged over the bus. The store persists these records as
// UTF-8 JSON; the manager mutates them under a per-conversation lock.
package models

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a conversation.
type Status string

// Conversation status values. A conversation is created initializing,
// moves to in_progress on the first successful turn, and ends in exactly
// one terminal status which never changes afterwards.
const (
	StatusInitializing Status = "initializing"
	StatusInProgress   Status = "in_progress"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusTimeout      Status = "timeout"
	StatusStopped      Status = "stopped"
)

// IsTerminal reports whether the status is one of the terminal states.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusStopped:
		return true
	}
	return false
}

// CompletionReason explains why a conversation terminated.
type CompletionReason string

// Completion reasons, present iff the conversation is terminal.
const (
	ReasonMaxTurns      CompletionReason = "max_turns"
	ReasonTimeout       CompletionReason = "timeout"
	ReasonNaturalEnding CompletionReason = "natural_ending"
	ReasonRepetition    CompletionReason = "repetition"
	ReasonError         CompletionReason = "error"
)

// Role attributes a turn to one of the two conversing assistants.
type Role string

// Turn roles. The observable convention alternates 2,1,2,1,… because the
// role index is derived from turn_number mod 2 + 1.
const (
	RoleAssistant1 Role = "assistant_1"
	RoleAssistant2 Role = "assistant_2"
)

// Turn is one utterance in a conversation, attributed to one provider.
type Turn struct {
	TurnNumber int       `json:"turn_number"`
	Model      string    `json:"model"`
	Role       Role      `json:"role"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	LatencyMS  int       `json:"latency_ms,omitempty"`
	Tokens     int       `json:"tokens,omitempty"`
}

// RoleForTurn returns the assistant role for a given 1-based turn number.
func RoleForTurn(turnNumber int) Role {
	return Role(fmt.Sprintf("assistant_%d", turnNumber%2+1))
}

// Metadata carries the derived aggregates of a conversation. The manager
// keeps TotalTurns, TotalTokens and ModelsUsed consistent with the turns
// slice on every write.
type Metadata struct {
	Status           Status           `json:"status"`
	TotalTurns       int              `json:"total_turns"`
	TotalTokens      int              `json:"total_tokens"`
	DurationSeconds  float64          `json:"duration_seconds"`
	ModelsUsed       []string         `json:"models_used"`
	CompletionReason CompletionReason `json:"completion_reason,omitempty"`
	QualityScore     *float64         `json:"quality_score,omitempty"`
}

// Topic is an element of the FIFO topic queue, produced by an external
// ingester and consumed exactly once from the head of the queue.
type Topic struct {
	ID                string         `json:"id"`
	Title             string         `json:"title"`
	Source            string         `json:"source"`
	URL               string         `json:"url,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	AdditionalContext map[string]any `json:"additional_context,omitempty"`
}

// Conversation is the persistent record of one orchestrated dialogue.
type Conversation struct {
	ConversationID string    `json:"conversation_id"`
	Topic          string    `json:"topic"`
	Source         string    `json:"source"`
	SourceURL      string    `json:"source_url,omitempty"`
	Turns          []Turn    `json:"turns"`
	Metadata       Metadata  `json:"metadata"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// NewConversation creates an initializing record for a topic.
func NewConversation(topic Topic) *Conversation {
	now := time.Now().UTC()
	return &Conversation{
		ConversationID: uuid.NewString(),
		Topic:          topic.Title,
		Source:         topic.Source,
		SourceURL:      topic.URL,
		Turns:          []Turn{},
		Metadata: Metadata{
			Status:     StatusInitializing,
			ModelsUsed: []string{},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Validate checks the structural invariants of the record: identity and
// topic are present, turns is a list and turn numbers are contiguous
// starting at 1.
func (c *Conversation) Validate() error {
	if c.ConversationID == "" {
		return fmt.Errorf("conversation is missing conversation_id")
	}
	if c.Topic == "" {
		return fmt.Errorf("conversation %s is missing topic", c.ConversationID)
	}
	if c.Turns == nil {
		return fmt.Errorf("conversation %s has nil turns", c.ConversationID)
	}
	for i, turn := range c.Turns {
		if turn.TurnNumber != i+1 {
			return fmt.Errorf("conversation %s: turn at index %d has turn_number %d, want %d",
				c.ConversationID, i, turn.TurnNumber, i+1)
		}
	}
	return nil
}

// AddTurn appends a turn, assigning the next turn number and refreshing
// the derived metadata aggregates.
func (c *Conversation) AddTurn(turn Turn) {
	turn.TurnNumber = len(c.Turns) + 1
	c.Turns = append(c.Turns, turn)
	c.UpdatedAt = time.Now().UTC()

	c.Metadata.TotalTurns = len(c.Turns)
	c.Metadata.TotalTokens += turn.Tokens
	if !contains(c.Metadata.ModelsUsed, turn.Model) {
		c.Metadata.ModelsUsed = append(c.Metadata.ModelsUsed, turn.Model)
	}
	if len(c.Turns) >= 2 {
		c.Metadata.DurationSeconds = c.Turns[len(c.Turns)-1].Timestamp.Sub(c.Turns[0].Timestamp).Seconds()
	}
}

// conclusionPhrases is the record self-check list. The manager's loop uses
// its own, shorter list; this one is exposed to external callers through
// IsComplete. Both lists are deterministic and both are exercised in tests.
var conclusionPhrases = []string{
	"thank you for this discussion",
	"this has been a great conversation",
	"i think we've covered",
	"let's conclude",
	"to summarize our discussion",
	"in conclusion",
}

// IsComplete reports whether the conversation should be considered done
// and, if so, why. It checks max turns, staleness of the last turn against
// the timeout, and conclusion phrases in the last turn.
func (c *Conversation) IsComplete(maxTurns int, timeout time.Duration) (bool, CompletionReason) {
	if len(c.Turns) >= maxTurns {
		return true, ReasonMaxTurns
	}
	if len(c.Turns) == 0 {
		return false, ""
	}

	last := c.Turns[len(c.Turns)-1]
	if time.Now().UTC().Sub(last.Timestamp) > timeout {
		return true, ReasonTimeout
	}

	content := strings.ToLower(last.Content)
	for _, phrase := range conclusionPhrases {
		if strings.Contains(content, phrase) {
			return true, ReasonNaturalEnding
		}
	}
	return false, ""
}

// DetectRepetition is the record's strict repetition check: over the last
// three turns it short-circuits on exact duplicates, then compares every
// pair by Jaccard similarity (intersection over union) of whitespace
// tokenized word sets against the threshold.
func (c *Conversation) DetectRepetition(threshold float64) bool {
	if len(c.Turns) < 3 {
		return false
	}

	recent := c.Turns[len(c.Turns)-3:]
	contents := make([]string, len(recent))
	seen := make(map[string]bool, len(recent))
	for i, turn := range recent {
		contents[i] = strings.ToLower(turn.Content)
		if seen[contents[i]] {
			return true
		}
		seen[contents[i]] = true
	}

	for i := 0; i < len(contents); i++ {
		for j := i + 1; j < len(contents); j++ {
			words1 := wordSet(contents[i])
			words2 := wordSet(contents[j])
			if len(words1) == 0 || len(words2) == 0 {
				continue
			}
			inter := intersectionSize(words1, words2)
			union := len(words1) + len(words2) - inter
			if float64(inter)/float64(union) > threshold {
				return true
			}
		}
	}
	return false
}

// Quality score weights. Treated as authoritative defaults; the repetition
// threshold used by the bonus is the strict record-level one.
const (
	idealTurns             = 6.5
	idealLatencyMS         = 500.0
	goodContentChars       = 200.0
	repetitionThreshold    = 0.8
	lengthWeight           = 0.3
	diversityWeight        = 0.2
	latencyWeight          = 0.2
	contentQualityWeight   = 0.2
	noRepetitionBonus      = 0.1
	supportedProviderCount = 2.0
)

// QualityScore computes the heuristic quality of a completed conversation
// as a weighted sum clipped to [0,1].
func (c *Conversation) QualityScore() float64 {
	if len(c.Turns) == 0 {
		return 0
	}

	var score float64

	lengthFactor := 1.0 - math.Abs(float64(len(c.Turns))-idealTurns)/idealTurns
	score += math.Max(0, lengthFactor) * lengthWeight

	score += float64(len(c.Metadata.ModelsUsed)) / supportedProviderCount * diversityWeight

	if c.allTurnsHaveLatency() {
		var total int
		for _, turn := range c.Turns {
			total += turn.LatencyMS
		}
		avg := float64(total) / float64(len(c.Turns))
		latencyFactor := 1.0 - math.Abs(avg-idealLatencyMS)/1000.0
		score += math.Max(0, latencyFactor) * latencyWeight
	}

	var chars int
	for _, turn := range c.Turns {
		chars += len(turn.Content)
	}
	avgChars := float64(chars) / float64(len(c.Turns))
	score += math.Min(1.0, avgChars/goodContentChars) * contentQualityWeight

	if !c.DetectRepetition(repetitionThreshold) {
		score += noRepetitionBonus
	}

	return math.Min(1.0, score)
}

func (c *Conversation) allTurnsHaveLatency() bool {
	for _, turn := range c.Turns {
		if turn.LatencyMS <= 0 {
			return false
		}
	}
	return true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
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

func intersectionSize(a, b map[string]struct{}) int {
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
