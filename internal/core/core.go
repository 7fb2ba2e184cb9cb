// Package core composes the registry, sessions, dispatcher and correlator
// into the operations the HTTP facade and the WebSocket endpoint use.
package core

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"instadeploy/internal/correlator"
	"instadeploy/internal/dispatch"
	"instadeploy/internal/events"
	"instadeploy/internal/metrics"
	"instadeploy/internal/models"
	"instadeploy/internal/protocol"
	"instadeploy/internal/registry"
	"instadeploy/internal/session"
)

// ReasonRegistrationFailed closes a connection whose agent could not be
// recorded.
const ReasonRegistrationFailed = "registration failed"

// Repository is the durable store as seen by the core.
type Repository interface {
	registry.Store
	correlator.Store

	GetAgentByHostname(ctx context.Context, hostname string) (*models.Agent, error)
	ListAgents(ctx context.Context) ([]models.Agent, error)

	CreateJob(ctx context.Context, j *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	ListJobsByDeployment(ctx context.Context, deploymentID int64) ([]models.Job, error)

	CreateDeployment(ctx context.Context, d *models.Deployment) error
	LatestDeployment(ctx context.Context, project string) (*models.Deployment, error)
}

// Options configures the core.
type Options struct {
	Selection Policy
	// Session is the template for every accepted connection. Identity,
	// Replies, Bus, Logger and Metrics are filled in per connection.
	Session    session.Options
	Correlator correlator.Options

	Bus     *events.Bus
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Core is the control-plane composition root.
type Core struct {
	repo       Repository
	bus        *events.Bus
	registry   *registry.Registry
	correlator *correlator.Correlator
	dispatcher *dispatch.Dispatcher
	selector   *selector
	sessions   session.Options
	base       *zap.Logger
	logger     *zap.Logger
	metrics    *metrics.Metrics

	// mu guards stopping so no session joins live once Stop waits on it.
	mu       sync.Mutex
	stopping bool
	live     sync.WaitGroup
}

// New wires the core. Teardown events reach the registry before the
// correlator, so an agent is offline by the time its jobs are failed.
func New(repo Repository, opts Options) *Core {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Bus == nil {
		opts.Bus = events.NewBus(opts.Logger)
	}
	if opts.Selection == "" {
		opts.Selection = PolicyFirst
	}

	reg := registry.New(repo, opts.Bus, opts.Logger)
	copts := opts.Correlator
	copts.Bus = opts.Bus
	copts.Logger = opts.Logger
	copts.Metrics = opts.Metrics
	corr := correlator.New(repo, copts)

	reg.Subscribe(opts.Bus)
	corr.Subscribe(opts.Bus)

	return &Core{
		repo:       repo,
		bus:        opts.Bus,
		registry:   reg,
		correlator: corr,
		dispatcher: dispatch.New(reg, corr, opts.Logger, opts.Metrics),
		selector:   &selector{policy: opts.Selection},
		sessions:   opts.Session,
		base:       opts.Logger,
		logger:     opts.Logger.Named("core"),
		metrics:    opts.Metrics,
	}
}

// Bus is the event bus the core publishes on.
func (c *Core) Bus() *events.Bus { return c.bus }

// Start launches the pending-command sweep.
func (c *Core) Start() {
	c.correlator.Start()
}

// Stop closes every session with a going-away frame, waits for their
// teardown to finish and stops the sweep. Once it returns the closed
// sessions' agents are offline and their pending jobs failed. If ctx ends
// first the sweep is still stopped and ctx's error returned. Connections
// accepted after Stop are refused.
func (c *Core) Stop(ctx context.Context) error {
	c.mu.Lock()
	c.stopping = true
	c.mu.Unlock()

	c.registry.CloseAll(session.ReasonShutdown)

	done := make(chan struct{})
	go func() {
		c.live.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("core: sessions still closing: %w", ctx.Err())
		c.logger.Warn("shutdown did not wait for every session", zap.Error(ctx.Err()))
	}
	c.correlator.Stop()
	return err
}

// track registers a session with Stop. It reports false once Stop has
// begun.
func (c *Core) track() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopping {
		return false
	}
	c.live.Add(1)
	return true
}

func (c *Core) stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopping
}

// RegisterOrUpdateAgent records meta as online and attaches h, replacing
// any session the agent already had. It returns the durable agent id.
func (c *Core) RegisterOrUpdateAgent(ctx context.Context, meta models.AgentMetadata, h registry.Handle) (int64, error) {
	rec, err := c.registry.Upsert(ctx, meta, h)
	if err != nil {
		c.metrics.StoreError("upsert_agent")
		return 0, fmt.Errorf("%w: %w", ErrDurableStore, err)
	}
	return rec.AgentID, nil
}

// Accept serves one agent connection until it closes. The agent is
// registered before any frame is read; if that fails the connection is
// closed and the error returned. Accept returns after the session's
// teardown has run.
func (c *Core) Accept(ctx context.Context, conn session.Conn, meta models.AgentMetadata) error {
	if !c.track() {
		_ = conn.Close()
		return ErrShuttingDown
	}
	defer c.live.Done()

	opts := c.sessions
	opts.Identity = meta.Hostname
	opts.Replies = c.correlator
	opts.Bus = c.bus
	opts.Logger = c.base
	opts.Metrics = c.metrics

	s, err := session.New(conn, opts)
	if err != nil {
		_ = conn.Close()
		return err
	}
	if _, err := c.RegisterOrUpdateAgent(ctx, meta, s); err != nil {
		c.logger.Error("agent registration failed",
			zap.String("identity", meta.Hostname), zap.Error(err))
		s.Close(ReasonRegistrationFailed)
		return err
	}
	// Stop may have closed every session before this one was attached.
	if c.stopped() {
		s.Close(session.ReasonShutdown)
	}
	return s.Run(ctx)
}

// IsConnected reports whether identity has a live session.
func (c *Core) IsConnected(identity string) bool {
	_, ok := c.registry.Lookup(identity)
	return ok
}

// ListConnectedAgents returns the connected identities in ascending order.
func (c *Core) ListConnectedAgents() []string {
	return c.registry.ListConnected()
}

// PendingJobs is the number of commands awaiting a reply.
func (c *Core) PendingJobs() int {
	return c.correlator.Pending()
}

// OnDisconnect handles the end of session sessionID. It does nothing to
// the registry when the agent has since reconnected with a newer session.
func (c *Core) OnDisconnect(ctx context.Context, identity, sessionID string) {
	c.registry.Release(ctx, identity, sessionID)
	c.correlator.FailSession(ctx, sessionID, correlator.ReasonDisconnected)
}

// Disconnect closes identity's session on operator request.
func (c *Core) Disconnect(ctx context.Context, identity string) error {
	if _, err := c.agentID(ctx, identity); err != nil {
		return err
	}
	if err := c.registry.MarkOffline(ctx, identity); err != nil {
		c.metrics.StoreError("agent_offline")
		return fmt.Errorf("%w: %w", ErrDurableStore, err)
	}
	return nil
}

// DispatchRequest describes one command. An empty Hostname lets the
// selection policy pick an online agent.
type DispatchRequest struct {
	Hostname     string
	Type         protocol.CommandType
	Payload      any
	DeploymentID int64
	Await        bool
}

// DispatchResult identifies an accepted command. Outcome is set only when
// the request asked to await.
type DispatchResult struct {
	JobID    string
	Hostname string
	AgentID  int64
	Outcome  <-chan correlator.Outcome
}

type target struct {
	identity string
	agentID  int64
}

// Dispatch creates a queued job and sends its command. A rejected command
// leaves its job failed and returns the rejection.
func (c *Core) Dispatch(ctx context.Context, req DispatchRequest) (DispatchResult, error) {
	t, err := c.resolve(ctx, req.Hostname)
	if err != nil {
		return DispatchResult{}, err
	}
	return c.send(ctx, t, req)
}

func (c *Core) resolve(ctx context.Context, hostname string) (target, error) {
	if hostname == "" {
		identity, ok := c.selector.pick(c.registry.ListConnected())
		if !ok {
			return target{}, ErrNoAgentAvailable
		}
		hostname = identity
	}
	id, err := c.agentID(ctx, hostname)
	if err != nil {
		return target{}, err
	}
	return target{identity: hostname, agentID: id}, nil
}

// agentID prefers the registry and falls back to the store for agents that
// have not connected since startup.
func (c *Core) agentID(ctx context.Context, identity string) (int64, error) {
	if rec, ok := c.registry.Get(identity); ok && rec.AgentID != 0 {
		return rec.AgentID, nil
	}
	agent, err := c.repo.GetAgentByHostname(ctx, identity)
	if err != nil {
		c.metrics.StoreError("get_agent")
		return 0, fmt.Errorf("%w: %w", ErrDurableStore, err)
	}
	if agent == nil {
		return 0, fmt.Errorf("%w: %s", ErrAgentNotFound, identity)
	}
	return agent.ID, nil
}

func (c *Core) send(ctx context.Context, t target, req DispatchRequest) (DispatchResult, error) {
	cmd, err := protocol.NewCommand(uuid.NewString(), req.Type, req.Payload)
	if err != nil {
		return DispatchResult{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	job := &models.Job{
		ID:           cmd.ID,
		DeploymentID: req.DeploymentID,
		AgentID:      t.agentID,
		CommandType:  cmd.Type,
		Status:       models.JobQueued,
	}
	if err := c.repo.CreateJob(ctx, job); err != nil {
		c.metrics.StoreError("create_job")
		return DispatchResult{}, fmt.Errorf("%w: %w", ErrDurableStore, err)
	}

	waiter, err := c.dispatcher.Dispatch(ctx, dispatch.Request{
		Identity:     t.identity,
		Command:      cmd,
		DeploymentID: req.DeploymentID,
		Await:        req.Await,
	})
	if err != nil {
		c.failJob(ctx, cmd.ID, rejectionMessage(t.identity, err))
		return DispatchResult{JobID: cmd.ID, Hostname: t.identity, AgentID: t.agentID}, err
	}

	return DispatchResult{
		JobID:    cmd.ID,
		Hostname: t.identity,
		AgentID:  t.agentID,
		Outcome:  waiter,
	}, nil
}

func (c *Core) failJob(ctx context.Context, id, reason string) {
	ctx = context.WithoutCancel(ctx)
	if _, err := c.repo.UpdateJob(ctx, models.JobUpdate{
		ID:     id,
		Status: models.JobFailed,
		Error:  reason,
	}); err != nil {
		c.metrics.StoreError("update_job")
		c.logger.Error("failed to mark rejected job failed",
			zap.String("job_id", id), zap.Error(err))
	}
}

func rejectionMessage(identity string, err error) string {
	switch {
	case errors.Is(err, ErrAgentNotConnected):
		return fmt.Sprintf("Agent %s is not connected", identity)
	case errors.Is(err, ErrSendFailed):
		return "Failed to send command to agent"
	default:
		return err.Error()
	}
}

// Await blocks until res resolves, ctx ends, or the result was not
// dispatched with Await set.
func Await(ctx context.Context, res DispatchResult) (correlator.Outcome, error) {
	if res.Outcome == nil {
		return correlator.Outcome{}, fmt.Errorf("%w: job %s was not dispatched with await", ErrInvalidRequest, res.JobID)
	}
	select {
	case out := <-res.Outcome:
		return out, nil
	case <-ctx.Done():
		return correlator.Outcome{}, fmt.Errorf("%w: job %s", ErrTimeout, res.JobID)
	}
}
