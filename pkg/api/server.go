// Package api serves the read-only dashboard HTTP API: run listings with
// their steps and stories, the event journal, spec-cache counters, and a
// health probe. All mutation goes through the CLI and pipeline engine;
// this surface only reads.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/antfarm-dev/antfarm/pkg/events"
	"github.com/antfarm-dev/antfarm/pkg/store"
	"github.com/antfarm-dev/antfarm/pkg/workflow"
)

// Server is the dashboard HTTP server.
type Server struct {
	store   *store.Client
	journal *events.Journal
	specs   *workflow.Cache

	httpServer *http.Server
}

// NewServer creates a dashboard server listening on addr.
func NewServer(addr string, st *store.Client, journal *events.Journal, specs *workflow.Cache) *Server {
	s := &Server{store: st, journal: journal, specs: specs}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), securityHeaders())

	router.GET("/healthz", s.health)
	apiGroup := router.Group("/api")
	{
		apiGroup.GET("/runs", s.listRuns)
		apiGroup.GET("/runs/:id", s.getRun)
		apiGroup.GET("/events", s.listEvents)
		apiGroup.GET("/cache/stats", s.cacheStats)
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start begins serving. Blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// securityHeaders sets standard security response headers.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	}
}
