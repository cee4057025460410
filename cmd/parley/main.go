// Command parley runs the conversation orchestration service: it drains
// the topic queue, consumes conversation.new events, drives provider
// turns, and serves the health API.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/parley-ai/parley/pkg/api"
	"github.com/parley-ai/parley/pkg/bus"
	"github.com/parley-ai/parley/pkg/config"
	"github.com/parley-ai/parley/pkg/llm"
	"github.com/parley-ai/parley/pkg/manager"
	"github.com/parley-ai/parley/pkg/models"
	"github.com/parley-ai/parley/pkg/store"
	"github.com/parley-ai/parley/pkg/version"
)

const (
	cleanupInterval  = time.Minute
	shutdownBudget   = 30 * time.Second
	httpDrainBudget  = 10 * time.Second
	startupConnectTO = 10 * time.Second
)

func main() {
	if err := run(); err != nil {
		slog.Error("service exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// Missing .env is fine; the environment may be set by the platform.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := newLogger(cfg.SlogLevel())
	slog.SetDefault(logger)
	logger.Info("starting parley orchestrator",
		"version", version.Full(),
		"redis", cfg.Redis.Addr(),
		"kafka", cfg.Kafka.BootstrapServers,
		"max_concurrent", cfg.Conversation.MaxConcurrent)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	connectCtx, cancel := context.WithTimeout(ctx, startupConnectTO)
	st, err := store.New(connectCtx, cfg.Redis, cfg.Conversation.TTL, cfg.Conversation.LockTTL, logger)
	cancel()
	if err != nil {
		return err
	}
	defer st.Close()
	logger.Info("connected to redis")

	factory := llm.NewFactory(cfg.LLM, logger)
	defer factory.CloseAll()

	producer, err := bus.NewProducer(cfg.Kafka, logger)
	if err != nil {
		return err
	}
	defer producer.Close()
	logger.Info("kafka producer ready")

	mgr := manager.New(cfg.Conversation, st, producer, factory, logger)

	consumer, err := bus.NewConsumer(cfg.Kafka,
		[]string{models.EventTypeConversationNew}, producer, logger)
	if err != nil {
		return err
	}
	consumer.RegisterHandler(models.EventTypeConversationNew, mgr.HandleNewConversation)

	consumerDone := make(chan error, 1)
	go func() {
		consumerDone <- consumer.Run(ctx)
	}()

	// Poller workers share the queue; LPOP keeps each topic exactly-once.
	for i := 0; i < cfg.Conversation.WorkerPoolSize; i++ {
		go mgr.RunTopicPoller(ctx)
	}
	go runCleanupLoop(ctx, mgr, logger)

	apiSrv := api.New(cfg.HTTP, mgr, st, factory, logger)
	apiDone := make(chan error, 1)
	go func() {
		apiDone <- apiSrv.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-apiDone:
		logger.Error("http server stopped unexpectedly", "error", err)
	case err := <-consumerDone:
		logger.Error("consumer stopped unexpectedly", "error", err)
	}
	stop()

	// Shutdown order: stop intake, drain conversations, then close the
	// producer so final lifecycle events still go out.
	consumer.Close()
	select {
	case <-consumerDone:
	case <-time.After(5 * time.Second):
		logger.Warn("consumer did not stop in time")
	}

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), httpDrainBudget)
	if err := apiSrv.Shutdown(drainCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	cancelDrain()

	if err := mgr.Stop(shutdownBudget); err != nil {
		logger.Warn("conversation drain incomplete", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// runCleanupLoop periodically reaps finished conversation handles and
// reconciles the store's active index.
func runCleanupLoop(ctx context.Context, mgr *manager.Manager, logger *slog.Logger) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := mgr.CleanupCompleted(ctx)
			if err != nil {
				logger.Warn("cleanup pass failed", "error", err)
				continue
			}
			if removed > 0 {
				logger.Info("cleanup pass removed stale entries", "removed", removed)
			}
		}
	}
}
