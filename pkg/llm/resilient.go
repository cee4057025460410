package llm

import (
	"context"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"
)

// resilientClient layers the shared resilience policy over a raw provider
// client: circuit breaker admission, sliding-window rate limiting, and
// bounded retry with exponential backoff for transient failures.
type resilientClient struct {
	inner   Client
	limiter *rateLimiter
	breaker *circuitBreaker

	attempts  uint
	baseDelay time.Duration
	maxDelay  time.Duration

	logger *slog.Logger
}

// ResilienceConfig bundles the wrapper's tuning knobs.
type ResilienceConfig struct {
	RateLimitRequests int
	RateLimitWindow   time.Duration
	MaxRetries        int
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	BreakerThreshold  int
	BreakerReset      time.Duration
}

// newResilientClient wraps inner with the given policy.
func newResilientClient(inner Client, cfg ResilienceConfig, logger *slog.Logger) *resilientClient {
	return &resilientClient{
		inner:     inner,
		limiter:   newRateLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow),
		breaker:   newCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerReset),
		attempts:  uint(cfg.MaxRetries),
		baseDelay: cfg.RetryBaseDelay,
		maxDelay:  cfg.RetryMaxDelay,
		logger:    logger.With("provider", inner.Provider()),
	}
}

func (c *resilientClient) Provider() string { return c.inner.Provider() }

func (c *resilientClient) Close() error { return c.inner.Close() }

// GenerateResponse runs one generation through the full policy. The
// breaker is consulted before any work; a request rejected by it never
// reaches the limiter or the wire.
func (c *resilientClient) GenerateResponse(ctx context.Context, messages []Message, opts *Options) (*Result, error) {
	if !c.breaker.Allow() {
		c.logger.Warn("request rejected, circuit breaker open")
		return nil, &APIError{
			Provider: c.inner.Provider(),
			Kind:     KindCircuitOpen,
			Message:  "circuit breaker is open",
		}
	}

	// A full window refuses the request outright; the refusal is local
	// backpressure, not a provider failure, so the breaker is untouched.
	if !c.limiter.Acquire() {
		c.logger.Warn("request rejected, rate limit window full")
		return nil, &APIError{
			Provider: c.inner.Provider(),
			Kind:     KindRateLimited,
			Message:  "rate limit exceeded",
		}
	}

	var result *Result
	err := retry.Do(
		func() error {
			res, err := c.inner.GenerateResponse(ctx, messages, opts)
			if err != nil {
				return err
			}
			result = res
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(c.attempts),
		retry.Delay(c.baseDelay),
		retry.MaxDelay(c.maxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return AsAPIError(c.inner.Provider(), err).Transient()
		}),
		retry.OnRetry(func(attempt uint, err error) {
			c.logger.Warn("retrying after transient failure",
				"attempt", attempt+1,
				"error", err)
		}),
	)
	if err != nil {
		c.breaker.RecordFailure()
		return nil, AsAPIError(c.inner.Provider(), err)
	}

	c.breaker.RecordSuccess()
	return result, nil
}

// HealthCheck reports breaker state without probing when the breaker is
// open; otherwise it delegates to the provider's minimal probe.
func (c *resilientClient) HealthCheck(ctx context.Context) HealthStatus {
	if c.breaker.Open() {
		return HealthStatus{
			Provider:  c.inner.Provider(),
			Healthy:   false,
			BreakerOn: true,
			Error:     "circuit breaker is open",
		}
	}
	return c.inner.HealthCheck(ctx)
}
