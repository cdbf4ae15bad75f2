// Package http is the administrative HTTP adapter. It translates requests to
// application service calls and maps error kinds to status codes.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/garyjia/expense-approval/internal/application/port"
	"github.com/garyjia/expense-approval/internal/application/service"
	"github.com/garyjia/expense-approval/internal/metrics"
)

// Logger interface for logging operations
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host           string
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxUploadBytes int64
	AllowedOrigins []string
	Version        string
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:           "0.0.0.0",
		Port:           8080,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   60 * time.Second,
		MaxUploadBytes: 10 << 20,
		Version:        "dev",
	}
}

// Services are the application services the adapter exposes
type Services struct {
	Expenses  service.ExpenseService
	Approvals service.ApprovalService
	Rules     service.RuleService
	Audit     service.AuditService
	Directory port.Directory

	// Feed serves the live event stream; nil disables /ws/events
	Feed http.Handler
}

// Server is the HTTP server adapter
type Server struct {
	config     ServerConfig
	httpServer *http.Server
	router     *gin.Engine
	services   Services
	logger     Logger
}

// NewServer creates a new HTTP server with the given services
func NewServer(config ServerConfig, services Services, logger Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	if config.MaxUploadBytes <= 0 {
		config.MaxUploadBytes = DefaultServerConfig().MaxUploadBytes
	}

	server := &Server{
		config:   config,
		router:   gin.New(),
		services: services,
		logger:   logger,
	}

	server.setupMiddleware()
	server.setupRoutes()

	return server
}

// setupMiddleware configures middleware for the router
func (s *Server) setupMiddleware() {
	s.router.Use(gin.Recovery())
	s.router.Use(loggingMiddleware(s.logger))
	s.router.Use(corsMiddleware(s.config.AllowedOrigins))
	s.router.Use(metrics.Middleware())
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	h := NewHandlers(s.services, s.config, s.logger)

	s.router.GET("/health", h.HealthCheck)
	s.router.GET("/metrics", metrics.Handler())
	if s.services.Feed != nil {
		s.router.GET("/ws/events", gin.WrapH(s.services.Feed))
	}

	api := s.router.Group("/api/v1")
	api.Use(actorMiddleware(s.services.Directory, s.logger))
	{
		api.POST("/expenses", h.SubmitExpense)
		api.POST("/expenses/parse", h.ParseExpense)
		api.POST("/expenses/batch-approve", h.BatchApprove)
		api.GET("/expenses", h.ListExpenses)
		api.GET("/expenses/stats", h.ExpenseStats)
		api.GET("/expenses/:id", h.GetExpense)
		api.POST("/expenses/:id/steps/:order/:action", h.ActOnStep)
		api.POST("/expenses/:id/dispute", h.Dispute)
		api.POST("/expenses/:id/override", h.Override)
		api.POST("/expenses/:id/deny-dispute", h.DenyDispute)
		api.POST("/expenses/:id/settle", h.Settle)

		api.GET("/approvals/pending", h.PendingApprovals)

		api.GET("/rules", h.ListRules)
		api.POST("/rules", h.CreateRule)
		api.GET("/rules/:id", h.GetRule)
		api.PUT("/rules/:id", h.UpdateRule)
		api.PATCH("/rules/:id/toggle", h.ToggleRule)
		api.DELETE("/rules/:id", h.DeleteRule)

		api.GET("/audit", h.ListAudit)
		api.GET("/audit/stats", h.AuditStats)
		api.GET("/audit/export", h.ExportAudit)

		api.GET("/employees/:id", h.GetEmployee)
	}
}

// Start starts the HTTP server and blocks until ctx is cancelled
func (s *Server) Start(ctx context.Context) error {
	addr := s.Address()

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("Starting HTTP server", "address", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("HTTP server shutdown requested")
		return s.Stop()
	case err := <-errCh:
		s.logger.Error("HTTP server error", "error", err)
		return err
	}
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
		return err
	}

	s.logger.Info("HTTP server stopped")
	return nil
}

// Router returns the underlying gin router (for testing)
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Address returns the server address
func (s *Server) Address() string {
	return fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
}
