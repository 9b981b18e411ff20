// Package opsserver exposes the worker's health and Prometheus endpoints.
package opsserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Pinger reports whether a dependency is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server serves /health and /metrics
type Server struct {
	engine      *gin.Engine
	server      *http.Server
	db          Pinger
	broker      func() bool
	serviceName string
	logger      *zap.Logger
}

// NewServer builds the ops server. broker reports whether the RabbitMQ
// connection is open and may be nil.
func NewServer(port int, serviceName string, db Pinger, broker func() bool, metrics http.Handler, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		engine:      gin.New(),
		db:          db,
		broker:      broker,
		serviceName: serviceName,
		logger:      logger,
	}
	s.engine.Use(gin.Recovery())
	s.engine.Use(s.requestLogger())
	s.engine.GET("/health", s.health)
	s.engine.GET("/metrics", gin.WrapH(metrics))

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the routing engine
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start binds the listener and serves in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}

	go func() {
		s.logger.Info("ops server listening", zap.String("addr", s.server.Addr))
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("ops server stopped unexpectedly", zap.Error(err))
		}
	}()
	return nil
}

// Stop shuts the server down gracefully
func (s *Server) Stop(ctx context.Context) error {
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down ops server: %w", err)
	}
	s.logger.Info("ops server stopped")
	return nil
}

func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := gin.H{"database": "ok", "rabbitmq": "ok"}
	healthy := true

	if err := s.db.Ping(ctx); err != nil {
		s.logger.Error("database health check failed", zap.Error(err))
		checks["database"] = "unavailable"
		healthy = false
	}
	if s.broker != nil && !s.broker() {
		checks["rabbitmq"] = "unavailable"
		healthy = false
	}

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":    status,
		"service":   s.serviceName,
		"timestamp": time.Now().UTC(),
		"checks":    checks,
	})
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("ops request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	}
}
