package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"instadeploy/internal/core"
	"instadeploy/internal/models"
)

// commandResponse describes an accepted command and, when the caller
// waited, its outcome.
type commandResponse struct {
	JobID        string           `json:"job_id"`
	DeploymentID int64            `json:"deployment_id,omitempty"`
	Hostname     string           `json:"hostname"`
	Status       models.JobStatus `json:"status"`
	Message      string           `json:"message,omitempty"`
	Logs         string           `json:"logs,omitempty"`
	Error        string           `json:"error,omitempty"`
	Data         json.RawMessage  `json:"data,omitempty"`
}

// waitParam reads ?wait= as a Go duration or a number of seconds, capped
// at MaxWait. Absent means do not wait.
func (s *Server) waitParam(c echo.Context) (time.Duration, error) {
	raw := c.QueryParam("wait")
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		secs, convErr := strconv.Atoi(raw)
		if convErr != nil {
			return 0, fmt.Errorf("invalid wait %q", raw)
		}
		d = time.Duration(secs) * time.Second
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid wait %q", raw)
	}
	return min(d, s.opts.MaxWait), nil
}

// respond writes accepted, or waits up to wait for the outcome and writes
// that. A wait that runs out answers 504 with the job's current status.
func (s *Server) respond(c echo.Context, res core.DispatchResult, accepted commandResponse, wait time.Duration) error {
	if wait <= 0 {
		return c.JSON(http.StatusOK, accepted)
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), wait)
	defer cancel()

	out, err := core.Await(ctx, res)
	if err != nil {
		if !errors.Is(err, core.ErrTimeout) {
			return s.fail(c, err, res.Hostname)
		}
		if job, jerr := s.core.Job(context.WithoutCancel(ctx), res.JobID); jerr == nil {
			accepted.Status = job.Status
		}
		accepted.Error = "Timed out waiting for agent " + res.Hostname
		return c.JSON(http.StatusGatewayTimeout, accepted)
	}

	accepted.Status = out.Status
	accepted.Logs = out.Logs
	accepted.Error = out.Error
	accepted.Data = out.Data
	return c.JSON(http.StatusOK, accepted)
}

// fail maps a core error to a status and a message. hostname fills in the
// not-connected message.
func (s *Server) fail(c echo.Context, err error, hostname string) error {
	status, msg := http.StatusInternalServerError, "Internal server error"
	switch {
	case errors.Is(err, core.ErrInvalidRequest):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, core.ErrAgentNotFound):
		status, msg = http.StatusNotFound, "Agent not found"
	case errors.Is(err, core.ErrDeploymentNotFound):
		status, msg = http.StatusNotFound, "Project not found"
	case errors.Is(err, core.ErrJobNotFound):
		status, msg = http.StatusNotFound, "Job not found"
	case errors.Is(err, core.ErrNoAgentAvailable):
		status, msg = http.StatusServiceUnavailable, "No agents available"
	case errors.Is(err, core.ErrAgentNotConnected):
		status, msg = http.StatusServiceUnavailable, fmt.Sprintf("Agent %s is not connected", hostname)
	case errors.Is(err, core.ErrSendFailed):
		status, msg = http.StatusServiceUnavailable, "Failed to send command to agent"
	case errors.Is(err, core.ErrTimeout):
		status, msg = http.StatusGatewayTimeout, "Timed out waiting for agent"
	default:
		s.logger.Error("request failed",
			zap.String("path", c.Path()), zap.Error(err))
	}
	return c.JSON(status, map[string]string{"error": msg})
}
