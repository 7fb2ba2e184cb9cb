// Package handlers is the HTTP facade of the control plane: the agent
// WebSocket endpoint and the operator API.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"instadeploy/internal/auth"
	"instadeploy/internal/core"
	"instadeploy/internal/middleware"
	"instadeploy/internal/version"
)

// ServiceName is reported by the root endpoint.
const ServiceName = "InstaDeploy Control Plane"

// Options configures the server.
type Options struct {
	// MinAgentVersion rejects older agents during the handshake. Empty
	// accepts any version.
	MinAgentVersion string
	// MaxWait caps the ?wait= parameter.
	MaxWait time.Duration
	// HandshakeLimit is the number of /ws attempts allowed per client IP
	// per minute. Zero disables the limit.
	HandshakeLimit int
	// MetricsPath serves Gatherer when both are set.
	MetricsPath string
	Gatherer    prometheus.Gatherer

	Logger *zap.Logger
}

// Server serves the agent endpoint and the operator API.
type Server struct {
	echo     *echo.Echo
	core     *core.Core
	verifier *auth.Verifier
	upgrader websocket.Upgrader
	opts     Options
	logger   *zap.Logger
}

// NewServer creates the server and registers its routes.
func NewServer(c *core.Core, v *auth.Verifier, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = 5 * time.Minute
	}

	s := &Server{
		echo:     echo.New(),
		core:     c,
		verifier: v,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Agents are not browsers; the bearer token is the gate.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		opts:   opts,
		logger: opts.Logger.Named("http"),
	}
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Use(echomw.Recover())
	s.echo.Use(middleware.RequestLogger(s.logger))
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	e := s.echo

	ws := []echo.MiddlewareFunc{auth.RequireAgent(s.verifier)}
	if s.opts.HandshakeLimit > 0 {
		limiter := middleware.NewRateLimiter(s.opts.HandshakeLimit, time.Minute)
		ws = append([]echo.MiddlewareFunc{limiter.Middleware()}, ws...)
	}
	e.GET("/ws", s.HandleAgent, ws...)

	e.GET("/", s.Root)
	e.GET("/health", s.Health)

	e.POST("/deploy", s.Deploy)
	e.POST("/projects/:name/stop", s.StopProject)
	e.GET("/projects/:name/status", s.ProjectStatus)

	e.GET("/agents", s.ListAgents)
	e.POST("/agents/:hostname/health", s.AgentHealth)
	e.POST("/agents/:hostname/disconnect", s.DisconnectAgent)

	e.GET("/jobs/:id", s.GetJob)

	if s.opts.MetricsPath != "" && s.opts.Gatherer != nil {
		e.GET(s.opts.MetricsPath, echo.WrapHandler(promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})))
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Start listens on addr until Shutdown. A clean shutdown returns nil.
func (s *Server) Start(addr string) error {
	s.logger.Info("listening", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones. Agent
// connections are hijacked and are closed by core.Stop, not here.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Root identifies the service.
// GET /
func (s *Server) Root(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"service": ServiceName,
		"version": version.Version,
		"status":  "running",
	})
}

// Health reports liveness and live counts.
// GET /health
func (s *Server) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":           "healthy",
		"version":          version.Version,
		"connected_agents": len(s.core.ListConnectedAgents()),
		"pending_jobs":     s.core.PendingJobs(),
	})
}
