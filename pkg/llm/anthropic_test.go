package llm

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func anthropicSuccessHandler(t *testing.T, wantModel string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req anthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, wantModel, req.Model)
		assert.Equal(t, DefaultMaxTokens, req.MaxTokens)

		json.NewEncoder(w).Encode(map[string]any{
			"content":     []map[string]any{{"type": "text", "text": "Hello from Claude"}},
			"model":       req.Model,
			"stop_reason": "end_turn",
			"usage":       map[string]int{"input_tokens": 12, "output_tokens": 30},
		})
	}
}

func TestAnthropicGenerateResponse(t *testing.T) {
	srv := httptest.NewServer(anthropicSuccessHandler(t, "claude-3-sonnet-20240229"))
	defer srv.Close()

	client := NewAnthropicClient("test-key", "claude-3-sonnet-20240229", srv.URL, 5*time.Second, discardLogger())
	result, err := client.GenerateResponse(context.Background(),
		[]Message{{Role: "user", Content: "Start a discussion"}}, nil)
	require.NoError(t, err)

	assert.Equal(t, "Hello from Claude", result.Content)
	assert.Equal(t, "claude-3-sonnet", result.Model, "result carries the short model name")
	assert.Equal(t, ProviderAnthropic, result.Provider)
	assert.Equal(t, 12, result.InputTokens)
	assert.Equal(t, 30, result.OutputTokens)
	assert.Equal(t, 42, result.Tokens)
	assert.Equal(t, "end_turn", result.FinishReason)
	assert.GreaterOrEqual(t, result.LatencyMS, 0)
}

func TestAnthropicModelNormalization(t *testing.T) {
	tests := []struct {
		wire string
		want string
	}{
		{"claude-3-haiku-20240307", "claude-3-haiku"},
		{"some-haiku-alias", "claude-3-haiku"},
		{"claude-3-opus-20240229", "claude-3-opus"},
		{"claude-3-sonnet-20240229", "claude-3-sonnet"},
		{"", "claude-3-sonnet"},
		{"gpt-4", "claude-3-sonnet"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, normalizeModel(tc.wire), "wire model %q", tc.wire)
	}
}

func TestAnthropicConcatenatesTextBlocks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]any{
				{"type": "tool_use", "text": ""},
				{"type": "text", "text": "part one "},
				{"type": "text", "text": "and part two"},
			},
			"model":       "claude-3-sonnet-20240229",
			"stop_reason": "end_turn",
		})
	}))
	defer srv.Close()

	client := NewAnthropicClient("test-key", "claude-3-sonnet-20240229", srv.URL, 5*time.Second, discardLogger())
	result, err := client.GenerateResponse(context.Background(), []Message{{Role: "user", Content: "hi"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "part one and part two", result.Content)
}

func TestAnthropicErrorMapping(t *testing.T) {
	tests := []struct {
		status int
		kind   ErrorKind
	}{
		{http.StatusTooManyRequests, KindRateLimited},
		{http.StatusBadRequest, KindBadRequest},
		{http.StatusUnauthorized, KindAuthFailed},
		{http.StatusForbidden, KindAuthFailed},
		{http.StatusInternalServerError, KindNetwork},
		{http.StatusServiceUnavailable, KindNetwork},
	}

	for _, tc := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]string{"type": "api_error", "message": "nope"},
			})
		}))

		client := NewAnthropicClient("test-key", "claude-3-sonnet-20240229", srv.URL, 5*time.Second, discardLogger())
		_, err := client.GenerateResponse(context.Background(), []Message{{Role: "user", Content: "hi"}}, nil)
		srv.Close()

		require.Error(t, err, "status %d", tc.status)
		apiErr := AsAPIError(ProviderAnthropic, err)
		assert.Equal(t, tc.kind, apiErr.Kind, "status %d", tc.status)
		assert.Equal(t, tc.status, apiErr.StatusCode)
		assert.Equal(t, "nope", apiErr.Message)
	}
}

func TestAnthropicEmptyContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"content": []any{}, "model": "m"})
	}))
	defer srv.Close()

	client := NewAnthropicClient("test-key", "claude-3-sonnet-20240229", srv.URL, 5*time.Second, discardLogger())
	_, err := client.GenerateResponse(context.Background(), []Message{{Role: "user", Content: "hi"}}, nil)
	require.Error(t, err)
	assert.Equal(t, KindEmptyResponse, AsAPIError(ProviderAnthropic, err).Kind)
}

func TestAnthropicTimeoutClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	client := NewAnthropicClient("test-key", "claude-3-sonnet-20240229", srv.URL, 20*time.Millisecond, discardLogger())
	_, err := client.GenerateResponse(context.Background(), []Message{{Role: "user", Content: "hi"}}, nil)
	require.Error(t, err)

	apiErr := AsAPIError(ProviderAnthropic, err)
	assert.Equal(t, KindTimeout, apiErr.Kind)
	assert.True(t, apiErr.Transient())
}
