package llm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-ai/parley/pkg/config"
)

func testLLMConfig() config.LLMConfig {
	return config.LLMConfig{
		AnthropicAPIKey:   "test-anthropic-key",
		AnthropicModel:    "claude-3-sonnet-20240229",
		GoogleAPIKey:      "test-google-key",
		GoogleModel:       "gemini-pro",
		RequestTimeout:    5 * time.Second,
		RateLimitRequests: 60,
		RateLimitWindow:   time.Minute,
		MaxRetries:        3,
		RetryBaseDelay:    time.Second,
		RetryMaxDelay:     10 * time.Second,
		BreakerThreshold:  5,
		BreakerReset:      time.Minute,
	}
}

func TestFactoryPoolsClients(t *testing.T) {
	f := NewFactory(testLLMConfig(), discardLogger())
	defer f.CloseAll()

	a1, err := f.GetClient(ProviderAnthropic)
	require.NoError(t, err)
	a2, err := f.GetClient(ProviderAnthropic)
	require.NoError(t, err)
	assert.Same(t, a1, a2, "same provider reuses the pooled client")

	g, err := f.GetClient(ProviderGoogle)
	require.NoError(t, err)
	assert.Equal(t, ProviderGoogle, g.Provider())
	assert.NotSame(t, a1, g)
}

func TestFactoryUnknownProvider(t *testing.T) {
	f := NewFactory(testLLMConfig(), discardLogger())
	_, err := f.GetClient("openai")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown LLM provider")
}
