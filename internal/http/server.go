// Package http provides the HTTP API for depdeck.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/depdeck/internal/logging"
	"github.com/fyrsmithlabs/depdeck/internal/service"
)

// Server provides HTTP endpoints for depdeck.
type Server struct {
	echo    *echo.Echo
	svc     *service.Service
	nc      *nats.Conn
	logger  *zap.Logger
	config  *Config
	metrics *HTTPMetrics

	// streams is cancelled when Shutdown starts, ending open SSE responses.
	streams     context.Context
	stopStreams context.CancelFunc
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// NewServer creates a new HTTP server. nc carries operation and watch
// events; when nil the streaming endpoints answer 503.
func NewServer(svc *service.Service, nc *nats.Conn, logger *zap.Logger, cfg *Config) (*Server, error) {
	if svc == nil {
		return nil, fmt.Errorf("service cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "127.0.0.1",
			Port: 9494,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	metrics := NewHTTPMetrics()

	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		RequestIDHandler: func(c echo.Context, id string) {
			if !logging.ValidID(id) {
				return
			}
			req := c.Request()
			c.SetRequest(req.WithContext(logging.WithRequestID(req.Context(), id)))
		},
	}))
	e.Use(metrics.MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			// Error handling runs after the middleware chain, so the final
			// status of a failed request is taken from the error.
			status := c.Response().Status
			if err != nil {
				status = statusOf(err)
			}

			logger.Info("http request", logging.Fields(c.Request().Context(),
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", status),
				zap.Duration("duration", duration),
			)...)

			return err
		}
	})

	streams, stopStreams := context.WithCancel(context.Background())
	s := &Server{
		echo:        e,
		svc:         svc,
		nc:          nc,
		logger:      logger,
		config:      cfg,
		metrics:     metrics,
		streams:     streams,
		stopStreams: stopStreams,
	}
	e.HTTPErrorHandler = s.errorHandler

	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")

	v1.POST("/projects/scan", s.handleScan)
	v1.GET("/packages", s.handlePackages)
	v1.POST("/packages/apply", s.handleApply)

	v1.POST("/install", s.handleInstall)
	v1.POST("/audit", s.handleAudit)
	v1.POST("/audit/fix", s.handleAuditFix)

	v1.GET("/operations/:id", s.handleOperation)
	v1.GET("/operations/:id/events", s.handleOperationEvents)
	v1.DELETE("/operations/:id", s.handleCancelOperation)

	v1.POST("/watch", s.handleWatch)
	v1.DELETE("/watch", s.handleUnwatch)
	v1.GET("/watch", s.handleWatchStatus)
	v1.GET("/watch/events", s.handleWatchEvents)

	v1.GET("/search", s.handleSearch)

	v1.GET("/history", s.handleHistory)
	v1.POST("/history", s.handleRecordHistory)
	v1.PATCH("/history/note", s.handleUpdateNote)

	v1.GET("/workspace", s.handleGetWorkspace)
	v1.PUT("/workspace", s.handleSaveWorkspace)
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// Handler exposes the router, mainly for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server. Open event streams are ended
// first; http.Server.Shutdown does not cancel in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	s.stopStreams()
	return s.echo.Shutdown(ctx)
}

// streamRequest makes c's request context end at Shutdown as well as on
// client disconnect. Call the returned func when the stream ends.
func (s *Server) streamRequest(c echo.Context) func() {
	req := c.Request()
	ctx, cancel := context.WithCancel(req.Context())
	stop := context.AfterFunc(s.streams, cancel)
	c.SetRequest(req.WithContext(ctx))
	return func() {
		stop()
		cancel()
	}
}
