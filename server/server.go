// Package server exposes the read-only status surface: queue snapshots,
// workflow progress, job listings, and prometheus metrics. It never mutates
// engine state; control stays with the callers wiring the engine.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hrygo/crystalflow/internal/profile"
	"github.com/hrygo/crystalflow/queue"
	"github.com/hrygo/crystalflow/store"
	"github.com/hrygo/crystalflow/workflow"
)

// Server is the HTTP status endpoint.
type Server struct {
	e       *echo.Echo
	profile *profile.Profile

	store        *store.Store
	queue        *queue.Manager
	orchestrator *workflow.Orchestrator
}

func NewServer(p *profile.Profile, st *store.Store, qm *queue.Manager, orch *workflow.Orchestrator, gatherer prometheus.Gatherer) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		e:            e,
		profile:      p,
		store:        st,
		queue:        qm,
		orchestrator: orch,
	}

	e.GET("/healthz", s.health)
	e.GET("/api/v1/queue", s.queueStatus)
	e.GET("/api/v1/jobs", s.listJobs)
	e.GET("/api/v1/jobs/:id", s.getJob)
	e.GET("/api/v1/workflows/:id", s.workflowStatus)
	e.GET("/api/v1/workflows/:id/progress", s.workflowProgress)

	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	return s
}

// Start blocks until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.profile.Addr, s.profile.Port)
	slog.Info("server: listening", "addr", addr)
	return s.e.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.e.Shutdown(shutdownCtx)
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.profile.Version,
	})
}

func (s *Server) queueStatus(c echo.Context) error {
	runnerType := c.QueryParam("runner_type")
	return c.JSON(http.StatusOK, s.queue.GetQueueStatus(runnerType))
}

func (s *Server) listJobs(c echo.Context) error {
	jobs, err := s.store.ListJobs(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, jobs)
}

func (s *Server) getJob(c echo.Context) error {
	var id int64
	if err := echo.PathParamsBinder(c).Int64("id", &id).BindError(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid job id")
	}
	job, err := s.store.GetJob(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if job == nil {
		return echo.NewHTTPError(http.StatusNotFound, "job not found")
	}
	return c.JSON(http.StatusOK, job)
}

func (s *Server) workflowStatus(c echo.Context) error {
	snapshot, err := s.orchestrator.GetWorkflowStatus(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, snapshot)
}

func (s *Server) workflowProgress(c echo.Context) error {
	progress, err := s.orchestrator.Progress(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, progress)
}
