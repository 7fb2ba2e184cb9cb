package handlers

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"instadeploy/internal/middleware"
	"instadeploy/internal/models"
	"instadeploy/internal/version"
)

// Handshake headers sent by agents.
const (
	HeaderHostname     = "X-Agent-Hostname"
	HeaderVersion      = "X-Agent-Version"
	HeaderArchitecture = "X-Agent-Architecture"
)

// HandleAgent upgrades an authenticated agent and serves its session until
// the connection closes.
// GET /ws
func (s *Server) HandleAgent(c echo.Context) error {
	r := c.Request()
	meta := models.AgentMetadata{
		Hostname:     strings.TrimSpace(r.Header.Get(HeaderHostname)),
		Version:      strings.TrimSpace(r.Header.Get(HeaderVersion)),
		Architecture: strings.TrimSpace(r.Header.Get(HeaderArchitecture)),
		Address:      middleware.ClientIP(r),
	}
	if meta.Hostname == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": HeaderHostname + " header is required"})
	}
	if s.opts.MinAgentVersion != "" && !version.MeetsMinimum(meta.Version, s.opts.MinAgentVersion) {
		return c.JSON(http.StatusUpgradeRequired, map[string]string{
			"error": "Agent version " + meta.Version + " is older than the minimum " + s.opts.MinAgentVersion,
		})
	}

	conn, err := s.upgrader.Upgrade(c.Response(), r, nil)
	if err != nil {
		// The upgrader has already written the error response.
		s.logger.Warn("websocket upgrade failed",
			zap.String("identity", meta.Hostname), zap.Error(err))
		return nil
	}

	if err := s.core.Accept(r.Context(), conn, meta); err != nil {
		s.logger.Debug("agent connection ended",
			zap.String("identity", meta.Hostname), zap.Error(err))
	}
	return nil
}

// ListAgents returns every known agent with its live connectivity.
// GET /agents
func (s *Server) ListAgents(c echo.Context) error {
	agents, err := s.core.Agents(c.Request().Context())
	if err != nil {
		return s.fail(c, err, "")
	}
	return c.JSON(http.StatusOK, map[string]any{
		"agents": agents,
		"total":  len(agents),
	})
}

// AgentHealth sends HEALTH_CHECK to one agent.
// POST /agents/:hostname/health
func (s *Server) AgentHealth(c echo.Context) error {
	hostname := c.Param("hostname")
	wait, err := s.waitParam(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	res, err := s.core.HealthCheck(c.Request().Context(), hostname, wait > 0)
	if err != nil {
		return s.fail(c, err, hostname)
	}
	accepted := commandResponse{
		JobID:    res.JobID,
		Hostname: res.Hostname,
		Status:   models.JobQueued,
		Message:  "Health check queued on agent " + res.Hostname,
	}
	return s.respond(c, res, accepted, wait)
}

// DisconnectAgent closes an agent's session. The agent may reconnect.
// POST /agents/:hostname/disconnect
func (s *Server) DisconnectAgent(c echo.Context) error {
	hostname := c.Param("hostname")
	if err := s.core.Disconnect(c.Request().Context(), hostname); err != nil {
		return s.fail(c, err, hostname)
	}
	return c.JSON(http.StatusOK, map[string]string{
		"hostname": hostname,
		"status":   string(models.AgentOffline),
	})
}

// GetJob returns one job record.
// GET /jobs/:id
func (s *Server) GetJob(c echo.Context) error {
	job, err := s.core.Job(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(c, err, "")
	}
	return c.JSON(http.StatusOK, job)
}
