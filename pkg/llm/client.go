// Package llm provides the provider client layer: a common Client
// interface over the Anthropic and Google HTTP APIs, wrapped with a
// sliding-window rate limiter, transient-failure retry, and a circuit
// breaker per provider.
package llm

import (
	"context"
	"time"
)

// Provider names addressable through the factory.
const (
	ProviderAnthropic = "anthropic"
	ProviderGoogle    = "google"
)

// Message is one element of the conversation history sent to a provider.
// Role is "user" or "assistant"; provider clients map it to their own
// role vocabulary on the wire.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options tune a single generation request. Zero values fall back to the
// defaults below.
type Options struct {
	Model       string
	MaxTokens   int
	Temperature float64
	TopP        float64
	TopK        int
}

// Generation defaults applied when Options leaves a field zero.
const (
	DefaultMaxTokens   = 2048
	DefaultTemperature = 0.7
)

func (o *Options) withDefaults() Options {
	out := Options{}
	if o != nil {
		out = *o
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = DefaultMaxTokens
	}
	if out.Temperature <= 0 {
		out.Temperature = DefaultTemperature
	}
	return out
}

// Result is a successful generation.
type Result struct {
	Content      string
	Model        string
	Provider     string
	InputTokens  int
	OutputTokens int
	Tokens       int
	LatencyMS    int
	FinishReason string
}

// HealthStatus is the outcome of a one-shot provider probe.
type HealthStatus struct {
	Provider  string        `json:"provider"`
	Healthy   bool          `json:"healthy"`
	Latency   time.Duration `json:"latency_ms"`
	Error     string        `json:"error,omitempty"`
	BreakerOn bool          `json:"circuit_open"`
}

// Client generates responses from one LLM provider.
type Client interface {
	// GenerateResponse sends the message history to the provider and
	// returns its reply. Errors are always *APIError.
	GenerateResponse(ctx context.Context, messages []Message, opts *Options) (*Result, error)

	// Provider returns the provider name ("anthropic" or "google").
	Provider() string

	// HealthCheck sends a minimal probe request and reports latency.
	HealthCheck(ctx context.Context) HealthStatus

	// Close releases the client's connections.
	Close() error
}
