// Package config builds the typed application configuration from
// environment variables. The configuration is constructed once at startup
// and passed explicitly through constructors.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the umbrella configuration for the orchestrator.
type Config struct {
	Redis        RedisConfig
	Kafka        KafkaConfig
	LLM          LLMConfig
	Conversation ConversationConfig
	HTTP         HTTPConfig
	LogLevel     string
}

// RedisConfig holds the state store connection settings.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// Addr returns the host:port dial address.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// KafkaConfig holds bus connection and delivery settings.
type KafkaConfig struct {
	// BootstrapServers is the seed broker list.
	BootstrapServers []string

	// ConsumerGroupID is the consumer group joined by this worker.
	ConsumerGroupID string

	// MaxRetries bounds producer send attempts per event.
	MaxRetries int

	// RetryDelay is the base delay between producer send attempts;
	// attempt n sleeps RetryDelay * n.
	RetryDelay time.Duration
}

// LLMConfig holds provider credentials, model selection, and the shared
// resilience settings for the client layer.
type LLMConfig struct {
	AnthropicAPIKey string
	AnthropicModel  string
	GoogleAPIKey    string
	GoogleModel     string

	// RequestTimeout is the per-attempt HTTP timeout.
	RequestTimeout time.Duration

	// Sliding-window rate limit: at most RateLimitRequests per RateLimitWindow.
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Retry policy for transient failures.
	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// Circuit breaker: open after BreakerThreshold consecutive failures,
	// allow a probe once BreakerReset has elapsed since the last failure.
	BreakerThreshold int
	BreakerReset     time.Duration
}

// ConversationConfig bounds the per-conversation state machine.
type ConversationConfig struct {
	MaxTurns      int
	MinTurns      int
	Timeout       time.Duration
	TTL           time.Duration
	LockTTL       time.Duration
	MaxConcurrent int

	// WorkerPoolSize is the number of topic poller workers.
	WorkerPoolSize int

	// PollInterval is the base topic queue poll interval; the actual
	// interval is PollInterval plus up to PollIntervalJitter.
	PollInterval       time.Duration
	PollIntervalJitter time.Duration

	// Termination heuristics, overridable per deployment.
	RepetitionThreshold       float64
	StrictRepetitionThreshold float64
}

// HTTPConfig holds the health/introspection server settings.
type HTTPConfig struct {
	Host string
	Port int
}

// Addr returns the host:port listen address.
func (c HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Load builds a Config from environment variables, applying defaults for
// everything except the provider API keys, which are required.
func Load() (*Config, error) {
	redisPort, err := strconv.Atoi(getEnvOrDefault("REDIS_PORT", "6379"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
	}
	redisDB, err := strconv.Atoi(getEnvOrDefault("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}
	httpPort, err := strconv.Atoi(getEnvOrDefault("HTTP_PORT", "8001"))
	if err != nil {
		return nil, fmt.Errorf("invalid HTTP_PORT: %w", err)
	}

	cfg := &Config{
		Redis: RedisConfig{
			Host:     getEnvOrDefault("REDIS_HOST", "localhost"),
			Port:     redisPort,
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       redisDB,
		},
		Kafka: KafkaConfig{
			BootstrapServers: splitList(getEnvOrDefault("KAFKA_BOOTSTRAP_SERVERS", "localhost:9092")),
			ConsumerGroupID:  getEnvOrDefault("KAFKA_CONSUMER_GROUP_ID", "orchestration-service"),
			MaxRetries:       getEnvInt("KAFKA_MAX_RETRIES", 3),
			RetryDelay:       getEnvDuration("KAFKA_RETRY_DELAY", time.Second),
		},
		LLM: LLMConfig{
			AnthropicAPIKey:   os.Getenv("ANTHROPIC_API_KEY"),
			AnthropicModel:    getEnvOrDefault("ANTHROPIC_MODEL", "claude-3-sonnet-20240229"),
			GoogleAPIKey:      os.Getenv("GOOGLE_API_KEY"),
			GoogleModel:       getEnvOrDefault("GOOGLE_MODEL", "gemini-pro"),
			RequestTimeout:    getEnvDuration("LLM_REQUEST_TIMEOUT", 30*time.Second),
			RateLimitRequests: getEnvInt("RATE_LIMIT_REQUESTS_PER_MINUTE", 60),
			RateLimitWindow:   getEnvDuration("RATE_LIMIT_WINDOW", 60*time.Second),
			MaxRetries:        getEnvInt("LLM_MAX_RETRIES", 3),
			RetryBaseDelay:    getEnvDuration("LLM_RETRY_BASE_DELAY", time.Second),
			RetryMaxDelay:     getEnvDuration("LLM_RETRY_MAX_DELAY", 10*time.Second),
			BreakerThreshold:  getEnvInt("CIRCUIT_BREAKER_FAILURE_THRESHOLD", 5),
			BreakerReset:      getEnvDuration("CIRCUIT_BREAKER_RESET_TIMEOUT", 60*time.Second),
		},
		Conversation: ConversationConfig{
			MaxTurns:                  getEnvInt("MAX_CONVERSATION_TURNS", 10),
			MinTurns:                  getEnvInt("MIN_CONVERSATION_TURNS", 5),
			Timeout:                   getEnvDuration("CONVERSATION_TIMEOUT", 300*time.Second),
			TTL:                       getEnvDuration("CONVERSATION_TTL", 24*time.Hour),
			LockTTL:                   getEnvDuration("CONVERSATION_LOCK_TTL", 30*time.Second),
			MaxConcurrent:             getEnvInt("MAX_CONCURRENT_CONVERSATIONS", 100),
			WorkerPoolSize:            getEnvInt("WORKER_POOL_SIZE", 10),
			PollInterval:              getEnvDuration("TOPIC_POLL_INTERVAL", 5*time.Second),
			PollIntervalJitter:        getEnvDuration("TOPIC_POLL_JITTER", 2*time.Second),
			RepetitionThreshold:       getEnvFloat("REPETITION_THRESHOLD", 0.7),
			StrictRepetitionThreshold: getEnvFloat("STRICT_REPETITION_THRESHOLD", 0.8),
		},
		HTTP: HTTPConfig{
			Host: getEnvOrDefault("HOST", "0.0.0.0"),
			Port: httpPort,
		},
		LogLevel: getEnvOrDefault("LOG_LEVEL", "info"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.LLM.AnthropicAPIKey == "" {
		missing = append(missing, "ANTHROPIC_API_KEY")
	}
	if c.LLM.GoogleAPIKey == "" {
		missing = append(missing, "GOOGLE_API_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}
	if len(c.Kafka.BootstrapServers) == 0 {
		return fmt.Errorf("KAFKA_BOOTSTRAP_SERVERS must not be empty")
	}
	if c.Conversation.MinTurns > c.Conversation.MaxTurns {
		return fmt.Errorf("MIN_CONVERSATION_TURNS (%d) exceeds MAX_CONVERSATION_TURNS (%d)",
			c.Conversation.MinTurns, c.Conversation.MaxTurns)
	}
	return nil
}

// SlogLevel maps the configured log level string to a slog.Level name
// understood by the bootstrap; unknown values fall back to "info".
func (c *Config) SlogLevel() string {
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
		return strings.ToLower(c.LogLevel)
	}
	return "info"
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

// getEnvDuration accepts either a Go duration string or a bare integer
// number of seconds.
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}

func splitList(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
