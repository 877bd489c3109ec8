package http

import (
	"context"
	"net/http"
	"time"

	"github.com/False-Maker/test-genius-sub004/internal/log"
	"github.com/False-Maker/test-genius-sub004/internal/metrics"
	"github.com/False-Maker/test-genius-sub004/pkg/models"
	"github.com/False-Maker/test-genius-sub004/pkg/service"
	"github.com/False-Maker/test-genius-sub004/pkg/storage"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Server exposes WorkflowService over JSON/HTTP.
type Server struct {
	svc       *service.WorkflowService
	collector *metrics.Collector
	echo      *echo.Echo
}

// NewServer builds the routes. collector may be nil, which disables /metrics.
func NewServer(svc *service.WorkflowService, collector *metrics.Collector) *Server {
	s := &Server{svc: svc, collector: collector, echo: echo.New()}
	e := s.echo
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger())
	if collector != nil {
		e.Use(s.observe)
		e.GET("/metrics", echo.WrapHandler(collector.Handler()))
	}
	e.GET("/health", s.Health)

	api := e.Group("/api/v1")

	api.POST("/workflows", s.CreateWorkflow)
	api.GET("/workflows", s.ListWorkflows)
	api.GET("/workflows/:code", s.GetWorkflow)
	api.PUT("/workflows/:code", s.UpdateWorkflow)
	api.DELETE("/workflows/:code", s.DeleteWorkflow)
	api.PUT("/workflows/:code/active", s.SetWorkflowActive)
	api.PUT("/workflows/:code/default", s.SetDefaultWorkflow)
	api.POST("/workflows/:code/executions", s.StartExecution)

	api.GET("/executions", s.ListExecutions)
	api.GET("/executions/:id", s.GetExecution)
	api.POST("/executions/:id/cancel", s.CancelExecution)

	api.POST("/templates", s.CreateTemplate)
	api.GET("/templates", s.ListTemplates)
	api.GET("/templates/:code", s.GetTemplate)
	api.PUT("/templates/:code", s.UpdateTemplate)
	api.DELETE("/templates/:code", s.DeleteTemplate)
	api.PUT("/templates/:code/active", s.SetTemplateActive)
	api.POST("/templates/:code/run", s.RunTemplate)

	for prefix, kind := range map[string]models.DefinitionKind{
		"/workflows": models.WorkflowKind,
		"/templates": models.TemplateKind,
	} {
		g := api.Group(prefix + "/:code/versions")
		g.GET("", s.ListVersions(kind))
		g.POST("", s.PublishVersion(kind))
		g.GET("/current", s.CurrentVersion(kind))
		g.POST("/:number/promote", s.PromoteVersion(kind))
		g.POST("/:number/rollback", s.RollbackVersion(kind))
	}

	api.POST("/abtests", s.CreateAbTest)
	api.GET("/abtests", s.ListAbTests)
	api.GET("/abtests/:id", s.GetAbTest)
	api.DELETE("/abtests/:id", s.DeleteAbTest)
	api.POST("/abtests/:id/:action", s.TransitionAbTest)
	api.GET("/abtests/:id/metrics", s.GetAbTestMetrics)

	api.POST("/feedback", s.SubmitFeedback)
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start blocks serving on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	log.GetLogger().Infof("Starting genius server on %s", addr)
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// observe records every request under its route pattern.
func (s *Server) observe(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		status := c.Response().Status
		var he *echo.HTTPError
		if errors.As(err, &he) {
			status = he.Code
		}
		s.collector.RecordHTTPRequest(c.Request().Method, c.Path(), status, time.Since(start))
		return err
	}
}

func requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			entry := log.GetLogger().WithFields(logrus.Fields{
				"method":  v.Method,
				"uri":     v.URI,
				"status":  v.Status,
				"latency": v.Latency.String(),
			})
			if v.Error != nil {
				entry.WithError(v.Error).Warn("request failed")
				return nil
			}
			entry.Debug("request")
			return nil
		},
	})
}

// httpError maps the service error taxonomy onto status codes.
func httpError(err error) error {
	switch {
	case errors.Is(err, service.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, service.ErrValidation), errors.Is(err, storage.ErrInvalidQuery):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrTimeout):
		return echo.NewHTTPError(http.StatusGatewayTimeout, err.Error())
	case errors.Is(err, service.ErrExecutionFailure):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	log.GetLogger().Errorf("Request failed: %v", err)
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
