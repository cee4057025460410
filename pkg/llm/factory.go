package llm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/parley-ai/parley/pkg/config"
)

// Factory builds and pools one resilient client per provider. Clients are
// created lazily and reused; each provider gets its own rate limiter and
// circuit breaker.
type Factory struct {
	cfg    config.LLMConfig
	logger *slog.Logger

	// Base URL overrides for tests; empty means production endpoints.
	AnthropicBaseURL string
	GoogleBaseURL    string

	mu      sync.Mutex
	clients map[string]Client
}

// NewFactory creates a client factory from the LLM configuration.
func NewFactory(cfg config.LLMConfig, logger *slog.Logger) *Factory {
	return &Factory{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[string]Client),
	}
}

// GetClient returns the pooled client for a provider, creating it on
// first use. Unknown providers are an error.
func (f *Factory) GetClient(provider string) (Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if client, ok := f.clients[provider]; ok {
		return client, nil
	}

	var raw Client
	switch provider {
	case ProviderAnthropic:
		raw = NewAnthropicClient(f.cfg.AnthropicAPIKey, f.cfg.AnthropicModel,
			f.AnthropicBaseURL, f.cfg.RequestTimeout, f.logger)
	case ProviderGoogle:
		raw = NewGoogleClient(f.cfg.GoogleAPIKey, f.cfg.GoogleModel,
			f.GoogleBaseURL, f.cfg.RequestTimeout, f.logger)
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", provider)
	}

	client := newResilientClient(raw, ResilienceConfig{
		RateLimitRequests: f.cfg.RateLimitRequests,
		RateLimitWindow:   f.cfg.RateLimitWindow,
		MaxRetries:        f.cfg.MaxRetries,
		RetryBaseDelay:    f.cfg.RetryBaseDelay,
		RetryMaxDelay:     f.cfg.RetryMaxDelay,
		BreakerThreshold:  f.cfg.BreakerThreshold,
		BreakerReset:      f.cfg.BreakerReset,
	}, f.logger)

	f.clients[provider] = client
	return client, nil
}

// Providers returns the providers this factory can build.
func (f *Factory) Providers() []string {
	return []string{ProviderAnthropic, ProviderGoogle}
}

// HealthCheckAll probes every supported provider and returns the statuses
// keyed by provider name.
func (f *Factory) HealthCheckAll(ctx context.Context) map[string]HealthStatus {
	statuses := make(map[string]HealthStatus, 2)
	for _, provider := range f.Providers() {
		client, err := f.GetClient(provider)
		if err != nil {
			statuses[provider] = HealthStatus{Provider: provider, Healthy: false, Error: err.Error()}
			continue
		}
		statuses[provider] = client.HealthCheck(ctx)
	}
	return statuses
}

// CloseAll closes every pooled client and empties the pool.
func (f *Factory) CloseAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for provider, client := range f.clients {
		if err := client.Close(); err != nil {
			f.logger.Warn("failed to close LLM client", "provider", provider, "error", err)
		}
		delete(f.clients, provider)
	}
}
