// Package api exposes the health and introspection HTTP surface.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/parley-ai/parley/pkg/config"
	"github.com/parley-ai/parley/pkg/llm"
	"github.com/parley-ai/parley/pkg/models"
	"github.com/parley-ai/parley/pkg/store"
	"github.com/parley-ai/parley/pkg/version"
)

// ConversationReader is the manager surface the API needs.
type ConversationReader interface {
	GetState(ctx context.Context, id string) (*models.Conversation, error)
	ActiveCount() int
	StopConversation(id string) bool
}

// StateStore is the store surface the API needs.
type StateStore interface {
	Ping(ctx context.Context) error
	ListActive(ctx context.Context) ([]string, error)
	SearchConversations(ctx context.Context, query string, status models.Status, limit int) ([]*models.Conversation, error)
	TopicQueueLength(ctx context.Context) (int64, error)
	Metrics(ctx context.Context) (map[string]string, error)
}

// ProviderProber probes LLM provider health.
type ProviderProber interface {
	HealthCheckAll(ctx context.Context) map[string]llm.HealthStatus
}

// Server is the HTTP introspection server.
type Server struct {
	cfg     config.HTTPConfig
	manager ConversationReader
	store   StateStore
	probers ProviderProber
	logger  *slog.Logger
	httpSrv *http.Server
}

// New assembles the server and its routes.
func New(cfg config.HTTPConfig, manager ConversationReader, st StateStore, probers ProviderProber, logger *slog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		manager: manager,
		store:   st,
		probers: probers,
		logger:  logger,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", s.health)
	router.GET("/health/llm", s.healthLLM)
	router.GET("/metrics", s.metrics)
	router.GET("/conversations", s.searchConversations)
	router.GET("/conversations/active", s.listActive)
	router.GET("/conversations/:id", s.getConversation)
	router.DELETE("/conversations/:id", s.stopConversation)

	s.httpSrv = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.cfg.Addr())
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Handler exposes the router; used by tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

func (s *Server) health(c *gin.Context) {
	status := gin.H{
		"status":               "healthy",
		"version":              version.Full(),
		"active_conversations": s.manager.ActiveCount(),
	}

	if err := s.store.Ping(c.Request.Context()); err != nil {
		status["status"] = "degraded"
		status["redis"] = err.Error()
		c.JSON(http.StatusServiceUnavailable, status)
		return
	}
	status["redis"] = "ok"

	if n, err := s.store.TopicQueueLength(c.Request.Context()); err == nil {
		status["topic_queue_length"] = n
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) healthLLM(c *gin.Context) {
	statuses := s.probers.HealthCheckAll(c.Request.Context())
	code := http.StatusOK
	for _, status := range statuses {
		if !status.Healthy {
			code = http.StatusServiceUnavailable
			break
		}
	}
	c.JSON(code, statuses)
}

func (s *Server) metrics(c *gin.Context) {
	metrics, err := s.store.Metrics(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, metrics)
}

func (s *Server) getConversation(c *gin.Context) {
	conv, err := s.manager.GetState(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (s *Server) listActive(c *gin.Context) {
	ids, err := s.store.ListActive(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"active": ids, "count": len(ids)})
}

func (s *Server) searchConversations(c *gin.Context) {
	query := c.Query("q")
	status := models.Status(c.Query("status"))
	if query == "" && status == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing query parameter q or status"})
		return
	}

	limit := 20
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = parsed
	}

	results, err := s.store.SearchConversations(c.Request.Context(), query, status, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results, "count": len(results)})
}

func (s *Server) stopConversation(c *gin.Context) {
	id := c.Param("id")
	if !s.manager.StopConversation(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation is not running on this worker"})
		return
	}
	s.logger.Info("conversation stopped via api", "conversation_id", id)
	c.JSON(http.StatusOK, gin.H{"stopped": id})
}
