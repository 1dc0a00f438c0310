// Package api serves read-only diagnostics for a running node.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"clusterd/pkg/api/middleware"
	"clusterd/pkg/cluster"
	"clusterd/pkg/gossip"
	"clusterd/pkg/logger"
	"clusterd/pkg/resilience"
	"clusterd/pkg/storage"
)

// Server is the diagnostics HTTP server.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	logger     *zap.Logger

	service  *cluster.Service
	exchange *gossip.Exchange
	journal  storage.TaskJournal
}

// Config holds the server's dependencies. Exchange and Journal are optional;
// their routes answer 404 when unset.
type Config struct {
	Port      string
	Service   *cluster.Service
	Exchange  *gossip.Exchange
	Journal   storage.TaskJournal
	Logger    *zap.Logger
	RateLimit middleware.RateLimiterConfig
}

func NewServer(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = logger.Named("api")
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.Metrics())
	router.Use(middleware.Tracing("clusterd/api"))
	router.Use(middleware.RequestLogger(log))
	if cfg.RateLimit.RequestsPerMinute > 0 {
		router.Use(middleware.RateLimit(cfg.RateLimit))
	}

	s := &Server{
		router:   router,
		logger:   log,
		service:  cfg.Service,
		exchange: cfg.Exchange,
		journal:  cfg.Journal,
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("Starting diagnostics API", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down diagnostics API")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	{
		c := v1.Group("/cluster")
		{
			c.GET("/state", s.getState)
			c.GET("/pending_tasks", s.listPendingTasks)
			c.GET("/nodes", s.listNodes)
			c.GET("/master", s.getMaster)
			c.GET("/task_history", s.listTaskHistory)
		}

		g := v1.Group("/gossip")
		{
			g.GET("/shard_state/:address/:index", s.getShardState)
		}
	}
}

// healthCheck reports 503 once the processor has shut down or the gossip
// store breaker is open.
func (s *Server) healthCheck(c *gin.Context) {
	proc := s.service.ProcessorState()
	healthy := proc != cluster.ProcessorShutdown

	body := gin.H{
		"processor":     proc.String(),
		"version":       s.service.State().Version(),
		"pending_tasks": s.service.NumberOfPendingTasks(),
		"timestamp":     time.Now().UTC(),
	}
	if s.exchange != nil {
		snap := s.exchange.Breaker().Snapshot()
		body["gossip_store"] = snap
		if snap.State == resilience.CircuitOpen.String() {
			healthy = false
		}
	}

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	body["status"] = status
	c.JSON(code, body)
}
