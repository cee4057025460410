package models

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func turnAt(n int, model, content string, ts time.Time) Turn {
	return Turn{
		TurnNumber: n,
		Model:      model,
		Role:       RoleForTurn(n),
		Content:    content,
		Timestamp:  ts,
		LatencyMS:  450,
		Tokens:     30,
	}
}

func TestRoleForTurnAlternates(t *testing.T) {
	assert.Equal(t, RoleAssistant2, RoleForTurn(1))
	assert.Equal(t, RoleAssistant1, RoleForTurn(2))
	assert.Equal(t, RoleAssistant2, RoleForTurn(3))
	assert.Equal(t, RoleAssistant1, RoleForTurn(4))
}

func TestNewConversation(t *testing.T) {
	conv := NewConversation(Topic{ID: "t1", Title: "Edge computing", Source: "rss", URL: "https://example.com"})

	require.NoError(t, conv.Validate())
	assert.NotEmpty(t, conv.ConversationID)
	assert.Equal(t, "Edge computing", conv.Topic)
	assert.Equal(t, StatusInitializing, conv.Metadata.Status)
	assert.NotNil(t, conv.Turns)
	assert.Empty(t, conv.Turns)
	assert.False(t, conv.Metadata.Status.IsTerminal())
}

func TestStatusTerminality(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusTimeout, StatusStopped} {
		assert.True(t, s.IsTerminal(), string(s))
	}
	for _, s := range []Status{StatusInitializing, StatusInProgress} {
		assert.False(t, s.IsTerminal(), string(s))
	}
}

func TestAddTurnMaintainsAggregates(t *testing.T) {
	conv := NewConversation(Topic{ID: "t1", Title: "Edge computing", Source: "rss"})
	base := time.Now().UTC()

	conv.AddTurn(Turn{Model: "claude-3-sonnet", Role: RoleAssistant2, Content: "first", Timestamp: base, Tokens: 10})
	conv.AddTurn(Turn{Model: "gemini-pro", Role: RoleAssistant1, Content: "second", Timestamp: base.Add(3 * time.Second), Tokens: 20})
	conv.AddTurn(Turn{Model: "claude-3-sonnet", Role: RoleAssistant2, Content: "third", Timestamp: base.Add(9 * time.Second), Tokens: 5})

	require.NoError(t, conv.Validate())
	assert.Equal(t, 3, conv.Metadata.TotalTurns)
	assert.Equal(t, 35, conv.Metadata.TotalTokens)
	assert.Equal(t, 9.0, conv.Metadata.DurationSeconds)
	assert.Equal(t, []string{"claude-3-sonnet", "gemini-pro"}, conv.Metadata.ModelsUsed)
	assert.Equal(t, []int{1, 2, 3}, []int{conv.Turns[0].TurnNumber, conv.Turns[1].TurnNumber, conv.Turns[2].TurnNumber})
}

func TestValidateRejectsBrokenRecords(t *testing.T) {
	conv := NewConversation(Topic{ID: "t1", Title: "Edge computing", Source: "rss"})
	conv.ConversationID = ""
	assert.Error(t, conv.Validate())

	conv = NewConversation(Topic{ID: "t1", Title: "", Source: "rss"})
	assert.Error(t, conv.Validate())

	conv = NewConversation(Topic{ID: "t1", Title: "Edge computing", Source: "rss"})
	conv.Turns = []Turn{{TurnNumber: 2, Content: "skipped number"}}
	assert.Error(t, conv.Validate())
}

func TestRoundTripPreservesRecord(t *testing.T) {
	conv := NewConversation(Topic{ID: "t1", Title: "Edge computing", Source: "rss"})
	base := time.Now().UTC().Truncate(time.Second)
	conv.AddTurn(turnAt(0, "claude-3-sonnet", "hello there", base))
	conv.Metadata.Status = StatusInProgress

	data, err := json.Marshal(conv)
	require.NoError(t, err)

	var decoded Conversation
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, conv.ConversationID, decoded.ConversationID)
	assert.Equal(t, conv.Metadata.TotalTokens, decoded.Metadata.TotalTokens)
	require.Len(t, decoded.Turns, 1)
	assert.Equal(t, "hello there", decoded.Turns[0].Content)
	assert.Equal(t, 450, decoded.Turns[0].LatencyMS)
}

func TestIsCompleteMaxTurns(t *testing.T) {
	conv := NewConversation(Topic{ID: "t1", Title: "Edge computing", Source: "rss"})
	now := time.Now().UTC()
	for i := 1; i <= 10; i++ {
		conv.AddTurn(turnAt(0, "m", "substantial content", now))
	}

	done, reason := conv.IsComplete(10, 300*time.Second)
	assert.True(t, done)
	assert.Equal(t, ReasonMaxTurns, reason)
}

func TestIsCompleteStaleness(t *testing.T) {
	conv := NewConversation(Topic{ID: "t1", Title: "Edge computing", Source: "rss"})
	conv.AddTurn(turnAt(0, "m", "old content", time.Now().UTC().Add(-10*time.Minute)))

	done, reason := conv.IsComplete(10, 5*time.Minute)
	assert.True(t, done)
	assert.Equal(t, ReasonTimeout, reason)
}

func TestIsCompleteConclusionPhrases(t *testing.T) {
	phrases := []string{
		"Thank you for this discussion, it was enlightening.",
		"I think we've covered everything important here.",
		"In conclusion, both views have merit.",
	}
	for _, content := range phrases {
		conv := NewConversation(Topic{ID: "t1", Title: "Edge computing", Source: "rss"})
		conv.AddTurn(turnAt(0, "m", content, time.Now().UTC()))

		done, reason := conv.IsComplete(10, 5*time.Minute)
		assert.True(t, done, content)
		assert.Equal(t, ReasonNaturalEnding, reason, content)
	}

	conv := NewConversation(Topic{ID: "t1", Title: "Edge computing", Source: "rss"})
	conv.AddTurn(turnAt(0, "m", "An open question remains about cost.", time.Now().UTC()))
	done, _ := conv.IsComplete(10, 5*time.Minute)
	assert.False(t, done)
}

func TestDetectRepetitionExactDuplicates(t *testing.T) {
	conv := NewConversation(Topic{ID: "t1", Title: "Edge computing", Source: "rss"})
	now := time.Now().UTC()
	conv.AddTurn(turnAt(0, "m", "completely different opening statement", now))
	conv.AddTurn(turnAt(0, "m", "Repeated content here", now))
	conv.AddTurn(turnAt(0, "m", "repeated content HERE", now))

	assert.True(t, conv.DetectRepetition(0.8), "case-insensitive duplicate short-circuits")
}

func TestDetectRepetitionSimilarity(t *testing.T) {
	conv := NewConversation(Topic{ID: "t1", Title: "Edge computing", Source: "rss"})
	now := time.Now().UTC()
	conv.AddTurn(turnAt(0, "m", "alpha beta gamma delta epsilon zeta eta theta iota kappa", now))
	conv.AddTurn(turnAt(0, "m", "alpha beta gamma delta epsilon zeta eta theta iota lambda", now))
	conv.AddTurn(turnAt(0, "m", "totally unrelated words about storage engines and caching", now))

	// 9 shared of 11 union = 0.82 between the first two recent turns.
	assert.True(t, conv.DetectRepetition(0.8))
	assert.False(t, conv.DetectRepetition(0.9))
}

func TestDetectRepetitionNeedsThreeTurns(t *testing.T) {
	conv := NewConversation(Topic{ID: "t1", Title: "Edge computing", Source: "rss"})
	now := time.Now().UTC()
	conv.AddTurn(turnAt(0, "m", "same words", now))
	conv.AddTurn(turnAt(0, "m", "same words", now))

	assert.False(t, conv.DetectRepetition(0.8))
}

func TestQualityScoreComponents(t *testing.T) {
	conv := NewConversation(Topic{ID: "t1", Title: "Edge computing", Source: "rss"})
	now := time.Now().UTC()
	long := strings.Repeat("thoughtful analysis with varied vocabulary each turn ", 5)
	for i := 1; i <= 6; i++ {
		content := long + strings.Repeat("unique", i)
		model := "claude-3-sonnet"
		if i%2 == 0 {
			model = "gemini-pro"
		}
		conv.AddTurn(Turn{Model: model, Role: RoleForTurn(i), Content: content,
			Timestamp: now.Add(time.Duration(i) * time.Second), LatencyMS: 500, Tokens: 40})
	}

	score := conv.QualityScore()
	assert.Greater(t, score, 0.8, "near-ideal conversation scores high")
	assert.LessOrEqual(t, score, 1.0)
}

func TestQualityScoreEmptyConversation(t *testing.T) {
	conv := NewConversation(Topic{ID: "t1", Title: "Edge computing", Source: "rss"})
	assert.Equal(t, 0.0, conv.QualityScore())
}

func TestQualityScoreSkipsLatencyWithoutData(t *testing.T) {
	conv := NewConversation(Topic{ID: "t1", Title: "Edge computing", Source: "rss"})
	now := time.Now().UTC()
	conv.AddTurn(Turn{Model: "m", Role: RoleAssistant2, Content: "short", Timestamp: now})

	// Single short turn without latency: only length and diversity and
	// content-quality fractions contribute.
	score := conv.QualityScore()
	assert.Greater(t, score, 0.0)
	assert.Less(t, score, 0.5)
}
