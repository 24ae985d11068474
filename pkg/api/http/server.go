package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/crewdock/crewd/internal/application/orchestrator"
	"github.com/crewdock/crewd/internal/application/workers"
)

// Server is the HTTP API for submitting and following requests.
type Server struct {
	router       *gin.Engine
	server       *http.Server
	orchestrator *orchestrator.Manager
	pool         *workers.Pool
	logger       *zap.Logger
}

// Config holds HTTP server configuration.
type Config struct {
	Port         int
	Orchestrator *orchestrator.Manager
	Pool         *workers.Pool
	Logger       *zap.Logger
}

// NewServer creates the HTTP server.
func NewServer(cfg *Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(cfg.Logger))
	router.Use(corsMiddleware())

	s := &Server{
		router:       router,
		orchestrator: cfg.Orchestrator,
		pool:         cfg.Pool,
		logger:       cfg.Logger,
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/requests", s.handleSubmitRequest)
		v1.GET("/requests", s.handleListRequests)
		v1.GET("/requests/:id", s.handleGetRequest)
		v1.GET("/requests/:id/status", s.handleGetStatus)
		v1.GET("/requests/:id/tasks", s.handleGetTasks)
		v1.GET("/requests/:id/result", s.handleGetResult)
		v1.POST("/requests/:id/cancel", s.handleCancelRequest)

		v1.GET("/budget", s.handleGetBudget)
		v1.GET("/workers", s.handleGetWorkers)
	}
}

// SetupWebSocket mounts the per-request event stream endpoint.
func (s *Server) SetupWebSocket(handler interface {
	HandleRequestStream(*gin.Context)
}) {
	s.router.GET("/api/v1/requests/:id/ws", handler.HandleRequestStream)
}

// Start blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Shutdown drains the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

// requestLogger logs one line per request.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("client_ip", c.ClientIP()))
	}
}
