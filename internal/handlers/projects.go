package handlers

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"instadeploy/internal/core"
	"instadeploy/internal/models"
)

type deployRequest struct {
	ProjectName       string `json:"project_name"`
	ComposeFileBase64 string `json:"compose_file_base64"`
	// AgentID names the target agent by hostname. Empty lets the
	// selection policy choose.
	AgentID string `json:"agent_id,omitempty"`
}

// Deploy sends a compose file to an agent.
// POST /deploy
func (s *Server) Deploy(c echo.Context) error {
	var req deployRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	wait, err := s.waitParam(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	res, err := s.core.Deploy(c.Request().Context(), core.DeployRequest{
		ProjectName:       req.ProjectName,
		ComposeFileBase64: req.ComposeFileBase64,
		Hostname:          req.AgentID,
		Await:             wait > 0,
	})
	if err != nil {
		return s.fail(c, err, firstNonEmpty(res.Hostname, req.AgentID))
	}
	accepted := commandResponse{
		JobID:        res.JobID,
		DeploymentID: res.DeploymentID,
		Hostname:     res.Hostname,
		Status:       models.JobQueued,
		Message:      "Deployment queued on agent " + res.Hostname,
	}
	return s.respond(c, res.DispatchResult, accepted, wait)
}

// StopProject stops the project's current deployment.
// POST /projects/:name/stop
func (s *Server) StopProject(c echo.Context) error {
	name := c.Param("name")
	wait, err := s.waitParam(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	res, err := s.core.StopProject(c.Request().Context(), name, wait > 0)
	if err != nil {
		return s.fail(c, err, res.Hostname)
	}
	accepted := commandResponse{
		JobID:        res.JobID,
		DeploymentID: res.DeploymentID,
		Hostname:     res.Hostname,
		Status:       models.JobQueued,
		Message:      "Stop command queued for project " + name,
	}
	return s.respond(c, res.DispatchResult, accepted, wait)
}

// ProjectStatus returns the project's current deployment and its jobs.
// With ?refresh=true it asks the agent for a fresh status instead.
// GET /projects/:name/status
func (s *Server) ProjectStatus(c echo.Context) error {
	name := c.Param("name")
	ctx := c.Request().Context()

	refresh, _ := strconv.ParseBool(c.QueryParam("refresh"))
	if !refresh {
		st, err := s.core.Project(ctx, name)
		if err != nil {
			return s.fail(c, err, "")
		}
		return c.JSON(http.StatusOK, st)
	}

	wait, err := s.waitParam(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	res, err := s.core.RefreshStatus(ctx, name, wait > 0)
	if err != nil {
		return s.fail(c, err, res.Hostname)
	}
	accepted := commandResponse{
		JobID:        res.JobID,
		DeploymentID: res.DeploymentID,
		Hostname:     res.Hostname,
		Status:       models.JobQueued,
		Message:      "Status check queued for project " + name,
	}
	return s.respond(c, res.DispatchResult, accepted, wait)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
