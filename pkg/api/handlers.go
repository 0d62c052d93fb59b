package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/antfarm-dev/antfarm/pkg/events"
	"github.com/antfarm-dev/antfarm/pkg/store"
)

const queryTimeout = 5 * time.Second

// health handles GET /healthz.
func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), queryTimeout)
	defer cancel()

	dbHealth, err := s.store.Health(ctx)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "unhealthy",
			"database": dbHealth,
			"error":    err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "database": dbHealth})
}

// listRuns handles GET /api/runs?limit=N.
func (s *Server) listRuns(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), queryTimeout)
	defer cancel()

	runs, err := s.store.ListRuns(ctx, intQuery(c, "limit", 50))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

// getRun handles GET /api/runs/:id and returns the run with its steps,
// stories, and live sessions.
func (s *Server) getRun(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), queryTimeout)
	defer cancel()

	run, err := s.store.GetRun(ctx, c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	steps, err := s.store.StepsByRun(ctx, run.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	stories, err := s.store.StoriesByRun(ctx, run.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	sessions, err := s.store.SessionsByRun(ctx, run.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"run":      run,
		"context":  run.Context(),
		"steps":    steps,
		"stories":  stories,
		"sessions": sessions,
	})
}

// listEvents handles GET /api/events?run_id=&limit=. A run_id prefix
// filters the journal; without one the most recent events are returned.
func (s *Server) listEvents(c *gin.Context) {
	limit := intQuery(c, "limit", 100)

	var (
		evs []events.Event
		err error
	)
	if runID := c.Query("run_id"); runID != "" {
		evs, err = s.journal.ByRun(runID, limit)
	} else {
		evs, err = s.journal.Recent(limit)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": evs})
}

// cacheStats handles GET /api/cache/stats.
func (s *Server) cacheStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.specs.Stats())
}

func intQuery(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
