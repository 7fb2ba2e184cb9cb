package core

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"instadeploy/internal/models"
	"instadeploy/internal/protocol"
)

// DeployRequest asks an agent to bring up a compose project. An empty
// Hostname lets the selection policy pick the agent.
type DeployRequest struct {
	ProjectName       string
	ComposeFileBase64 string
	Hostname          string
	Await             bool
}

// DeployResult is an accepted deployment.
type DeployResult struct {
	DispatchResult
	DeploymentID int64
}

// Deploy records a pending deployment of the project and sends the compose
// file to the chosen agent.
func (c *Core) Deploy(ctx context.Context, req DeployRequest) (DeployResult, error) {
	project := strings.TrimSpace(req.ProjectName)
	if project == "" {
		return DeployResult{}, fmt.Errorf("%w: project_name is required", ErrInvalidRequest)
	}
	compose, err := base64.StdEncoding.DecodeString(req.ComposeFileBase64)
	if err != nil || len(compose) == 0 {
		return DeployResult{}, fmt.Errorf("%w: compose_file_base64 must be non-empty base64", ErrInvalidRequest)
	}

	t, err := c.resolve(ctx, req.Hostname)
	if err != nil {
		return DeployResult{}, err
	}

	sum := sha256.Sum256(compose)
	d := &models.Deployment{
		ProjectName:     project,
		AgentID:         t.agentID,
		Status:          models.DeploymentPending,
		ComposeFileHash: hex.EncodeToString(sum[:]),
	}
	if err := c.repo.CreateDeployment(ctx, d); err != nil {
		c.metrics.StoreError("create_deployment")
		return DeployResult{}, fmt.Errorf("%w: %w", ErrDurableStore, err)
	}

	res, err := c.send(ctx, t, DispatchRequest{
		Type: protocol.CommandDeploy,
		Payload: protocol.DeployPayload{
			ProjectName:       project,
			ComposeFileBase64: req.ComposeFileBase64,
		},
		DeploymentID: d.ID,
		Await:        req.Await,
	})
	out := DeployResult{DispatchResult: res, DeploymentID: d.ID}
	if err != nil {
		c.failDeployment(ctx, d.ID, rejectionMessage(t.identity, err))
		return out, err
	}
	c.logger.Info("deployment dispatched",
		zap.String("project", project),
		zap.String("identity", t.identity),
		zap.Int64("deployment_id", d.ID),
		zap.String("job_id", res.JobID),
	)
	return out, nil
}

func (c *Core) failDeployment(ctx context.Context, id int64, reason string) {
	ctx = context.WithoutCancel(ctx)
	if _, err := c.repo.UpdateDeployment(ctx, models.DeploymentUpdate{
		ID:        id,
		Status:    models.DeploymentFailed,
		LastError: reason,
		OnlyFrom:  []models.DeploymentStatus{models.DeploymentPending},
	}); err != nil {
		c.metrics.StoreError("update_deployment")
		c.logger.Error("failed to mark rejected deployment failed",
			zap.Int64("deployment_id", id), zap.Error(err))
	}
}

// StopProject sends STOP_COMPOSE for the project's current deployment to
// the agent that owns it.
func (c *Core) StopProject(ctx context.Context, project string, await bool) (DeployResult, error) {
	return c.projectCommand(ctx, project, protocol.CommandStop, await)
}

// RefreshStatus sends STATUS for the project's current deployment.
func (c *Core) RefreshStatus(ctx context.Context, project string, await bool) (DeployResult, error) {
	return c.projectCommand(ctx, project, protocol.CommandStatus, await)
}

func (c *Core) projectCommand(ctx context.Context, project string, t protocol.CommandType, await bool) (DeployResult, error) {
	d, err := c.LatestDeployment(ctx, project)
	if err != nil {
		return DeployResult{}, err
	}
	res, err := c.Dispatch(ctx, DispatchRequest{
		Hostname:     d.Hostname,
		Type:         t,
		Payload:      protocol.ProjectPayload{ProjectName: d.ProjectName},
		DeploymentID: d.ID,
		Await:        await,
	})
	return DeployResult{DispatchResult: res, DeploymentID: d.ID}, err
}

// HealthCheck sends HEALTH_CHECK to hostname.
func (c *Core) HealthCheck(ctx context.Context, hostname string, await bool) (DispatchResult, error) {
	if hostname == "" {
		return DispatchResult{}, fmt.Errorf("%w: hostname is required", ErrInvalidRequest)
	}
	return c.Dispatch(ctx, DispatchRequest{
		Hostname: hostname,
		Type:     protocol.CommandHealthCheck,
		Await:    await,
	})
}

// LatestDeployment returns the project's current deployment.
func (c *Core) LatestDeployment(ctx context.Context, project string) (*models.Deployment, error) {
	project = strings.TrimSpace(project)
	if project == "" {
		return nil, fmt.Errorf("%w: project name is required", ErrInvalidRequest)
	}
	d, err := c.repo.LatestDeployment(ctx, project)
	if err != nil {
		c.metrics.StoreError("get_deployment")
		return nil, fmt.Errorf("%w: %w", ErrDurableStore, err)
	}
	if d == nil {
		return nil, fmt.Errorf("%w: %s", ErrDeploymentNotFound, project)
	}
	return d, nil
}

// ProjectStatus is a deployment with its jobs, newest first.
type ProjectStatus struct {
	Deployment *models.Deployment `json:"deployment"`
	Jobs       []models.Job       `json:"jobs"`
	Connected  bool               `json:"agent_connected"`
}

// Project returns the current deployment of project and its job history.
func (c *Core) Project(ctx context.Context, project string) (ProjectStatus, error) {
	d, err := c.LatestDeployment(ctx, project)
	if err != nil {
		return ProjectStatus{}, err
	}
	jobs, err := c.repo.ListJobsByDeployment(ctx, d.ID)
	if err != nil {
		c.metrics.StoreError("list_jobs")
		return ProjectStatus{}, fmt.Errorf("%w: %w", ErrDurableStore, err)
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	return ProjectStatus{Deployment: d, Jobs: jobs, Connected: c.IsConnected(d.Hostname)}, nil
}

// Job returns the durable record of a dispatched command.
func (c *Core) Job(ctx context.Context, id string) (*models.Job, error) {
	j, err := c.repo.GetJob(ctx, id)
	if err != nil {
		c.metrics.StoreError("get_job")
		return nil, fmt.Errorf("%w: %w", ErrDurableStore, err)
	}
	if j == nil {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return j, nil
}

// AgentView is a durable agent merged with its live connectivity.
type AgentView struct {
	models.Agent
	Connected bool   `json:"connected"`
	SessionID string `json:"session_id,omitempty"`
}

// Agents lists every known agent, ordered by hostname.
func (c *Core) Agents(ctx context.Context) ([]AgentView, error) {
	agents, err := c.repo.ListAgents(ctx)
	if err != nil {
		c.metrics.StoreError("list_agents")
		return nil, fmt.Errorf("%w: %w", ErrDurableStore, err)
	}
	out := make([]AgentView, 0, len(agents))
	for _, a := range agents {
		v := AgentView{Agent: a}
		if rec, ok := c.registry.Get(a.Hostname); ok && rec.Connected() {
			v.Connected = true
			v.SessionID = rec.Handle.ID()
		}
		out = append(out, v)
	}
	return out, nil
}
