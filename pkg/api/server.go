// Package api serves node diagnostics over HTTP
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ZentaChain/entitysync/pkg/events"
	"github.com/ZentaChain/entitysync/pkg/session"
	"github.com/ZentaChain/entitysync/pkg/storage"
)

// QueueSource reports the outbound queue of a host or client
type QueueSource interface {
	QueueStats() events.QueueStats
}

// PeerSource reports the peers of a host
type PeerSource interface {
	Peers() []session.PeerInfo
}

// DesyncSource reads the desync log
type DesyncSource interface {
	Recent(limit int) ([]*storage.DesyncRecord, error)
	Stats() (*storage.DesyncStats, error)
}

// Sources are what the API reports on. Only Queue is required.
type Sources struct {
	Queue    QueueSource
	Peers    PeerSource
	Desyncs  DesyncSource
	Gatherer prometheus.Gatherer
}

// Server represents the diagnostics HTTP server
type Server struct {
	src        Sources
	config     *Config
	logger     *zap.Logger
	router     *gin.Engine
	limiter    *RateLimiter
	httpServer *http.Server
	startedAt  time.Time
}

// Config holds server configuration
type Config struct {
	Port         int
	Role         string
	Name         string
	EnableCORS   bool
	RateLimit    int // Requests per minute
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns default server configuration
func DefaultConfig() *Config {
	return &Config{
		Port:         8090,
		EnableCORS:   true,
		RateLimit:    600,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// NewServer creates a new diagnostics server
func NewServer(src Sources, config *Config, logger *zap.Logger) (*Server, error) {
	if src.Queue == nil {
		return nil, errors.New("api: a queue source is required")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if src.Gatherer == nil {
		src.Gatherer = prometheus.DefaultGatherer
	}

	// Set Gin to release mode for production
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		src:       src,
		config:    config,
		logger:    logger.Named("api"),
		router:    gin.New(),
		limiter:   NewRateLimiter(config.RateLimit),
		startedAt: time.Now(),
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

func (s *Server) setupMiddleware() {
	if s.config.EnableCORS {
		s.router.Use(CORSMiddleware())
	}
	s.router.Use(RateLimitMiddleware(s.limiter))
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(RecoveryMiddleware(s.logger))
}

func (s *Server) setupRoutes() {
	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/peers", s.handlePeers)
		v1.GET("/queue", s.handleQueue)
		v1.GET("/desync", s.handleDesync)
	}

	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.src.Gatherer, promhttp.HandlerOpts{})))
}

// Handler exposes the router, for mounting or tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("diagnostics API listening", zap.Int("port", s.config.Port))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		s.limiter.Stop()
		if ok {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("shutting down diagnostics API")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.limiter.Stop()
	return s.httpServer.Shutdown(shutdownCtx)
}
