package controlplane

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/fentz26/flowgate/internal/metrics"
	"github.com/fentz26/flowgate/internal/models"
	"github.com/fentz26/flowgate/internal/store"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server provides the HTTP API for flowgate.
type Server struct {
	service *Service
	addr    string
	version string
	logger  *zap.Logger
	echo    *echo.Echo
	server  *http.Server
}

// NewServer creates a new HTTP server with its routes registered.
func NewServer(service *Service, addr, version string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		service: service,
		addr:    addr,
		version: version,
		logger:  logger.Named("http"),
		echo:    echo.New(),
	}

	e := s.echo
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError
	e.Use(middleware.Recover())
	e.Use(s.observe)

	// Workflow endpoints
	e.POST("/workflows", s.createWorkflow)
	e.GET("/workflows", s.listWorkflows)
	e.GET("/workflows/:id", s.getWorkflow)
	e.GET("/workflows/:id/events", s.getEvents)
	e.POST("/workflows/:id/approve", s.approveWorkflow)

	e.GET("/health", s.health)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.echo,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting API server", zap.String("addr", s.addr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// observe logs and counts every request.
func (s *Server) observe(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}

		req := c.Request()
		path := c.Path()
		status := c.Response().Status
		elapsed := time.Since(start)

		metrics.APIRequestsTotal.WithLabelValues(req.Method, path, strconv.Itoa(status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(req.Method, path).Observe(elapsed.Seconds())
		s.logger.Debug("request",
			zap.String("method", req.Method),
			zap.String("uri", req.RequestURI),
			zap.Int("status", status),
			zap.Duration("latency", elapsed))
		return nil
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

// handleError maps service and store errors onto HTTP status codes.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	message := "internal error"

	var httpErr *echo.HTTPError
	switch {
	case errors.As(err, &httpErr):
		status = httpErr.Code
		message = fmt.Sprint(httpErr.Message)
	case errors.Is(err, store.ErrNotFound):
		status, message = http.StatusNotFound, err.Error()
	case errors.Is(err, ErrEmptyRequest),
		errors.Is(err, ErrInvalidDecision),
		errors.Is(err, ErrReviewerRequired),
		errors.Is(err, ErrUnknownState):
		status, message = http.StatusBadRequest, err.Error()
	case errors.Is(err, ErrInvalidState),
		errors.Is(err, ErrAlreadyDecided),
		errors.Is(err, store.ErrWorkflowBusy):
		status, message = http.StatusConflict, err.Error()
	default:
		s.logger.Error("request failed",
			zap.String("method", c.Request().Method),
			zap.String("path", c.Path()),
			zap.Error(err))
	}

	if err := c.JSON(status, errorResponse{Error: message}); err != nil {
		s.logger.Warn("write error response", zap.Error(err))
	}
}

// --- Workflow Handlers ---

type createWorkflowRequest struct {
	RequestText string `json:"request_text"`
}

func (s *Server) createWorkflow(c echo.Context) error {
	var req createWorkflowRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid json")
	}

	wf, err := s.service.CreateWorkflow(c.Request().Context(), req.RequestText)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, wf)
}

func (s *Server) listWorkflows(c echo.Context) error {
	state := models.State(c.QueryParam("state"))
	workflows, err := s.service.ListWorkflows(c.Request().Context(), state)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, workflows)
}

func (s *Server) getWorkflow(c echo.Context) error {
	wf, err := s.service.GetWorkflow(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, wf)
}

func (s *Server) getEvents(c echo.Context) error {
	events, err := s.service.GetEvents(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, events)
}

func (s *Server) approveWorkflow(c echo.Context) error {
	var in DecisionInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid json")
	}

	result, err := s.service.RecordHumanDecision(c.Request().Context(), c.Param("id"), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

// --- Health ---

type healthResponse struct {
	OK      bool      `json:"ok"`
	DB      string    `json:"db"`
	Version string    `json:"version"`
	Time    time.Time `json:"time"`
}

func (s *Server) health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{OK: true, DB: "ok", Version: s.version, Time: time.Now().UTC()}
	status := http.StatusOK
	if err := s.service.Ping(ctx); err != nil {
		resp.OK = false
		resp.DB = err.Error()
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, resp)
}
