package http

import (
	"context"
	"fmt"
	"net/http"

	"github.com/aescanero/conductor/internal/application/endpoints"
	"github.com/aescanero/conductor/internal/application/orchestrator"
	"github.com/aescanero/conductor/internal/application/workers"
	"github.com/aescanero/conductor/pkg/domain"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// HealthReporter reports dispatch pool health
type HealthReporter interface {
	GetStatus() *workers.HealthStatus
}

// Server represents the HTTP API server
type Server struct {
	router     *gin.Engine
	server     *http.Server
	executions *orchestrator.Manager
	endpoints  *endpoints.Service
	health     HealthReporter
	taskTypes  *domain.TaskTypeRegistry
	logger     *zap.Logger
}

// Config holds HTTP server configuration
type Config struct {
	Port       int
	Executions *orchestrator.Manager
	Endpoints  *endpoints.Service
	Health     HealthReporter
	TaskTypes  *domain.TaskTypeRegistry
	// Gatherer backs /metrics; nil uses the default registry
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

// NewServer creates a new HTTP server
func NewServer(cfg *Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(cfg.Logger))
	router.Use(corsMiddleware())

	s := &Server{
		router:     router,
		executions: cfg.Executions,
		endpoints:  cfg.Endpoints,
		health:     cfg.Health,
		taskTypes:  cfg.TaskTypes,
		logger:     cfg.Logger,
	}

	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s.setupRoutes(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
	}

	return s
}

// setupRoutes configures API routes
func (s *Server) setupRoutes(metrics http.Handler) {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(metrics))

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/executions", s.handleCreateExecution)
		v1.GET("/executions", s.handleListExecutions)
		v1.GET("/executions/:id", s.handleGetExecution)
		v1.POST("/executions/:id/cancel", s.handleCancelExecution)

		// Worker callbacks
		v1.POST("/tasks/:id/result", s.handleTaskResult)

		v1.GET("/task-types", s.handleListTaskTypes)

		v1.POST("/endpoints", s.handleCreateEndpoint)
		v1.GET("/endpoints", s.handleListEndpoints)
		v1.GET("/endpoints/:id", s.handleGetEndpoint)
		v1.PATCH("/endpoints/:id", s.handleUpdateEndpoint)
		v1.DELETE("/endpoints/:id", s.handleDeleteEndpoint)
		v1.GET("/endpoints/:id/instances", s.handleEndpointInstances)
		v1.GET("/endpoints/:id/instances/:name", s.handleEndpointInstance)
		v1.GET("/endpoints/:id/source-options", s.handleSourceOptions)
		v1.GET("/endpoints/:id/destination-options", s.handleDestinationOptions)
		v1.GET("/endpoints/:id/networks", s.handleEndpointNetworks)
		v1.GET("/endpoints/:id/storage", s.handleEndpointStorage)
		v1.POST("/endpoints/:id/validate-connection", s.handleValidateConnection)
		v1.POST("/endpoints/:id/validate-environment", s.handleValidateEnvironment)

		v1.GET("/providers", s.handleAvailableProviders)
		v1.GET("/providers/:platform/schemas/:type", s.handleProviderSchemas)
		v1.GET("/workers/diagnostics", s.handleDiagnostics)
	}
}

// SetupWebSocket adds the event stream routes
func (s *Server) SetupWebSocket(handler interface {
	HandleEventStream(*gin.Context)
}) {
	s.router.GET("/api/v1/events/ws", handler.HandleEventStream)
	s.router.GET("/api/v1/executions/:id/ws", handler.HandleEventStream)
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	s.logger.Info("HTTP server shut down complete")
	return nil
}
