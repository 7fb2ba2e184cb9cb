// Package correlator matches agent replies to the commands that caused them
// and records the outcome on the durable job and deployment.
package correlator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"instadeploy/internal/events"
	"instadeploy/internal/metrics"
	"instadeploy/internal/models"
	"instadeploy/internal/protocol"
)

// Synthetic failure reasons written to the job's error field.
const (
	ReasonTimeout      = "timeout"
	ReasonDisconnected = "agent disconnected"
)

// ErrDuplicate is returned by Register when the id is already pending.
var ErrDuplicate = errors.New("correlator: correlation id already pending")

// Store is the durable write path for lifecycle transitions.
type Store interface {
	UpdateJob(ctx context.Context, u models.JobUpdate) (bool, error)
	UpdateDeployment(ctx context.Context, u models.DeploymentUpdate) (bool, error)
}

// Pending describes a command that was (or is about to be) sent.
type Pending struct {
	ID           string
	Identity     string
	SessionID    string
	CommandType  protocol.CommandType
	DeploymentID int64
	// Await makes Register return a channel that receives the outcome.
	Await bool
}

// Outcome is delivered to a waiter when its command resolves.
type Outcome struct {
	JobID  string
	Status models.JobStatus
	Logs   string
	Error  string
	Data   json.RawMessage
	// Synthetic is set when no reply arrived (timeout or disconnect).
	Synthetic bool
}

type entry struct {
	Pending
	submitted time.Time
	waiter    chan Outcome
}

// Options tunes the correlator.
type Options struct {
	MaxPendingAge     time.Duration
	SweepInterval     time.Duration
	ResolvedCacheSize int
	// RetryMaxElapsed bounds store write retries for one transition.
	RetryMaxElapsed time.Duration

	Bus     *events.Bus
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Correlator owns the pending correlation table.
type Correlator struct {
	store   Store
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu       sync.Mutex
	pending  map[string]*entry
	resolved *lru.Cache[string, struct{}]

	runMu   sync.Mutex
	running bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// New creates a correlator writing through to store.
func New(store Store, opts Options) *Correlator {
	if opts.MaxPendingAge <= 0 {
		opts.MaxPendingAge = 10 * time.Minute
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 5 * time.Second
	}
	if opts.ResolvedCacheSize <= 0 {
		opts.ResolvedCacheSize = 4096
	}
	if opts.RetryMaxElapsed <= 0 {
		opts.RetryMaxElapsed = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	resolved, _ := lru.New[string, struct{}](opts.ResolvedCacheSize)
	return &Correlator{
		store:    store,
		opts:     opts,
		logger:   opts.Logger.Named("correlator"),
		metrics:  opts.Metrics,
		now:      time.Now,
		pending:  make(map[string]*entry),
		resolved: resolved,
	}
}

// Subscribe fails the pending commands of every session that tears down.
func (c *Correlator) Subscribe(bus *events.Bus) {
	bus.Subscribe(func(e events.Event) {
		c.FailSession(context.Background(), e.Metadata[events.MetaSessionID], ReasonDisconnected)
	}, events.SessionClosed)
}

// Register adds a pending entry. It must be called before the command is
// written so a fast reply always finds it.
func (c *Correlator) Register(p Pending) (<-chan Outcome, error) {
	e := &entry{Pending: p, submitted: c.now()}
	if p.Await {
		e.waiter = make(chan Outcome, 1)
	}

	c.mu.Lock()
	if _, exists := c.pending[p.ID]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, p.ID)
	}
	c.pending[p.ID] = e
	n := len(c.pending)
	c.mu.Unlock()

	c.metrics.SetPending(n)
	return e.waiter, nil
}

// Cancel drops a pending entry without writing anything. Used when the send
// itself failed and the caller reports the failure.
func (c *Correlator) Cancel(id string) bool {
	c.mu.Lock()
	_, ok := c.pending[id]
	delete(c.pending, id)
	n := len(c.pending)
	c.mu.Unlock()

	c.metrics.SetPending(n)
	return ok
}

// Pending returns the number of outstanding commands.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// IsPending reports whether id is awaiting a terminal reply.
func (c *Correlator) IsPending(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[id]
	return ok
}

// HandleReply applies one reply. Replies with no pending entry are logged
// and dropped without touching the store.
func (c *Correlator) HandleReply(ctx context.Context, identity string, reply protocol.Reply) {
	log := c.logger.With(
		zap.String("job_id", reply.JobID),
		zap.String("identity", identity),
		zap.String("status", string(reply.Status)),
	)

	c.mu.Lock()
	e, ok := c.pending[reply.JobID]
	if ok && e.Identity != identity {
		c.mu.Unlock()
		log.Warn("reply from unexpected agent dropped", zap.String("expected", e.Identity))
		c.metrics.Reply(metrics.ReplyForeign)
		return
	}
	terminal := reply.Status.Terminal()
	if ok && terminal {
		delete(c.pending, reply.JobID)
		c.resolved.Add(reply.JobID, struct{}{})
	}
	n := len(c.pending)
	c.mu.Unlock()

	if !ok {
		if c.resolved.Contains(reply.JobID) {
			log.Info("duplicate reply ignored")
			c.metrics.Reply(metrics.ReplyDuplicate)
		} else {
			log.Warn("reply for unknown job ignored")
			c.metrics.Reply(metrics.ReplyUnknown)
		}
		return
	}

	if !terminal {
		c.metrics.Reply(metrics.ReplyProgress)
		c.progress(ctx, e, reply)
		return
	}

	c.metrics.SetPending(n)
	c.metrics.Reply(metrics.ReplyApplied)
	c.finish(ctx, e, Outcome{
		JobID:  reply.JobID,
		Status: models.JobStatusFromReply(reply.Status),
		Logs:   reply.Logs,
		Error:  reply.Error,
		Data:   reply.Data,
	}, "reply")
}

// Fail resolves id early with a synthetic failure. It returns false if id
// was not pending.
func (c *Correlator) Fail(ctx context.Context, id, reason string) bool {
	c.mu.Lock()
	e, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
		c.resolved.Add(id, struct{}{})
	}
	n := len(c.pending)
	c.mu.Unlock()

	if !ok {
		return false
	}
	c.metrics.SetPending(n)
	c.finish(ctx, e, syntheticFailure(id, reason), reason)
	return true
}

// FailSession fails every pending command sent over sessionID.
func (c *Correlator) FailSession(ctx context.Context, sessionID, reason string) int {
	if sessionID == "" {
		return 0
	}
	victims := c.take(func(e *entry) bool { return e.SessionID == sessionID })
	for _, e := range victims {
		c.finish(ctx, e, syntheticFailure(e.ID, reason), reason)
	}
	if len(victims) > 0 {
		c.logger.Info("failed pending commands of closed session",
			zap.String("session", sessionID),
			zap.Int("count", len(victims)),
			zap.String("reason", reason),
		)
	}
	return len(victims)
}

// Sweep fails commands pending longer than MaxPendingAge.
func (c *Correlator) Sweep(ctx context.Context) int {
	deadline := c.now().Add(-c.opts.MaxPendingAge)
	victims := c.take(func(e *entry) bool { return e.submitted.Before(deadline) })
	for _, e := range victims {
		c.logger.Warn("pending command timed out",
			zap.String("job_id", e.ID),
			zap.String("identity", e.Identity),
			zap.Duration("age", c.now().Sub(e.submitted)),
		)
		c.finish(ctx, e, syntheticFailure(e.ID, ReasonTimeout), ReasonTimeout)
	}
	return len(victims)
}

// take removes and returns every entry matching fn.
func (c *Correlator) take(fn func(*entry) bool) []*entry {
	c.mu.Lock()
	var out []*entry
	for id, e := range c.pending {
		if fn(e) {
			out = append(out, e)
			delete(c.pending, id)
			c.resolved.Add(id, struct{}{})
		}
	}
	n := len(c.pending)
	c.mu.Unlock()

	if len(out) > 0 {
		c.metrics.SetPending(n)
	}
	return out
}

func syntheticFailure(id, reason string) Outcome {
	return Outcome{JobID: id, Status: models.JobFailed, Error: reason, Synthetic: true}
}

// progress records a non-terminal reply; the entry stays pending.
func (c *Correlator) progress(ctx context.Context, e *entry, reply protocol.Reply) {
	ctx = context.WithoutCancel(ctx)
	_, err := c.retry(ctx, func() (bool, error) {
		return c.store.UpdateJob(ctx, models.JobUpdate{
			ID:     e.ID,
			Status: models.JobInProgress,
			Logs:   reply.Logs,
			Data:   reply.Data,
		})
	})
	if err != nil {
		c.metrics.StoreError("update_job")
		c.logger.Error("failed to record job progress", zap.String("job_id", e.ID), zap.Error(err))
	}
}

// finish runs after e has left the pending table, so it runs at most once
// per entry.
func (c *Correlator) finish(ctx context.Context, e *entry, out Outcome, cause string) {
	ctx = context.WithoutCancel(ctx)
	log := c.logger.With(zap.String("job_id", e.ID), zap.String("identity", e.Identity))

	applied, err := c.retry(ctx, func() (bool, error) {
		return c.store.UpdateJob(ctx, models.JobUpdate{
			ID:     e.ID,
			Status: out.Status,
			Logs:   out.Logs,
			Error:  out.Error,
			Data:   out.Data,
		})
	})
	switch {
	case err != nil:
		c.metrics.StoreError("update_job")
		log.Error("failed to record job outcome", zap.String("status", string(out.Status)), zap.Error(err))
	case !applied:
		log.Info("job already final, outcome not recorded", zap.String("status", string(out.Status)))
	}

	if e.DeploymentID != 0 && (err != nil || applied) {
		c.applyDeployment(ctx, e, out)
	}

	log.Info("job resolved",
		zap.String("status", string(out.Status)),
		zap.String("cause", cause),
	)
	c.metrics.Resolved(string(out.Status), cause)
	c.publish(e, out)

	if e.waiter != nil {
		select {
		case e.waiter <- out:
		default:
		}
	}
}

// deploymentTransition maps an outcome onto the linked deployment. It
// returns false when the deployment must not change.
func deploymentTransition(e *entry, out Outcome) (models.DeploymentUpdate, bool) {
	u := models.DeploymentUpdate{ID: e.DeploymentID, LastLogs: out.Logs, LastError: out.Error}
	switch {
	case out.Synthetic:
		if e.CommandType != protocol.CommandDeploy {
			return u, false
		}
		u.Status = models.DeploymentFailed
		u.OnlyFrom = []models.DeploymentStatus{models.DeploymentPending}
	case out.Status == models.JobFailed:
		u.Status = models.DeploymentFailed
	case e.CommandType == protocol.CommandDeploy:
		u.Status = models.DeploymentRunning
	case e.CommandType == protocol.CommandStop:
		u.Status = models.DeploymentStopped
	}
	return u, true
}

func (c *Correlator) applyDeployment(ctx context.Context, e *entry, out Outcome) {
	u, ok := deploymentTransition(e, out)
	if !ok {
		return
	}
	_, err := c.retry(ctx, func() (bool, error) {
		return c.store.UpdateDeployment(ctx, u)
	})
	if err != nil {
		c.metrics.StoreError("update_deployment")
		c.logger.Error("failed to record deployment transition",
			zap.Int64("deployment_id", e.DeploymentID),
			zap.String("job_id", e.ID),
			zap.String("status", string(u.Status)),
			zap.Error(err),
		)
	}
}

func (c *Correlator) retry(ctx context.Context, fn func() (bool, error)) (bool, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxElapsedTime = c.opts.RetryMaxElapsed

	var result bool
	err := backoff.Retry(func() error {
		r, err := fn()
		if err != nil {
			return err
		}
		result = r
		return nil
	}, backoff.WithContext(b, ctx))
	return result, err
}

func (c *Correlator) publish(e *entry, out Outcome) {
	if c.opts.Bus == nil {
		return
	}
	t, sev := events.JobCompleted, events.SeverityInfo
	msg := fmt.Sprintf("%s job %s completed on %s", e.CommandType, e.ID, e.Identity)
	if out.Status == models.JobFailed {
		t, sev = events.JobFailed, events.SeverityWarning
		msg = fmt.Sprintf("%s job %s failed on %s: %s", e.CommandType, e.ID, e.Identity, out.Error)
	}
	meta := map[string]string{
		events.MetaJobID:       e.ID,
		events.MetaCommandType: string(e.CommandType),
		events.MetaSessionID:   e.SessionID,
	}
	if e.DeploymentID != 0 {
		meta[events.MetaDeploymentID] = strconv.FormatInt(e.DeploymentID, 10)
	}
	if out.Synthetic {
		meta[events.MetaReason] = out.Error
	}
	c.opts.Bus.Publish(events.Event{
		Type:     t,
		Severity: sev,
		Hostname: e.Identity,
		Message:  msg,
		Metadata: meta,
	})
}

// Start launches the timeout sweep. It may be called again after Stop.
func (c *Correlator) Start() {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.running {
		return
	}
	c.running = true
	c.stop = make(chan struct{})

	c.wg.Add(1)
	go c.loop(c.stop)
	c.logger.Info("timeout sweep started",
		zap.Duration("interval", c.opts.SweepInterval),
		zap.Duration("max_age", c.opts.MaxPendingAge),
	)
}

// Stop halts the sweep and waits for it to exit.
func (c *Correlator) Stop() {
	c.runMu.Lock()
	if !c.running {
		c.runMu.Unlock()
		return
	}
	c.running = false
	close(c.stop)
	c.runMu.Unlock()

	c.wg.Wait()
	c.logger.Info("timeout sweep stopped")
}

func (c *Correlator) loop(stop <-chan struct{}) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.Sweep(context.Background())
		}
	}
}
