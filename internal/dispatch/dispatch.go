// Package dispatch sends commands to live agent sessions and registers them
// for reply correlation.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"instadeploy/internal/correlator"
	"instadeploy/internal/metrics"
	"instadeploy/internal/protocol"
	"instadeploy/internal/registry"
)

var (
	// ErrAgentNotConnected means the agent has no live session.
	ErrAgentNotConnected = errors.New("agent not connected")
	// ErrSendFailed means the command could not be written to the session.
	ErrSendFailed = errors.New("failed to send command to agent")
)

// ReasonSendFailed is the close reason for a session whose write failed.
const ReasonSendFailed = "send failed"

// Sender is a registry handle that can carry commands.
type Sender interface {
	registry.Handle
	Send(ctx context.Context, cmd protocol.Command) error
}

// Sessions resolves an identity to its live session.
type Sessions interface {
	Lookup(identity string) (registry.Handle, bool)
}

// Tracker is the correlation bookkeeping the dispatcher drives.
type Tracker interface {
	Register(p correlator.Pending) (<-chan correlator.Outcome, error)
	Cancel(id string) bool
}

// Request is one command for one agent.
type Request struct {
	Identity     string
	Command      protocol.Command
	DeploymentID int64
	Await        bool
}

// Dispatcher writes commands to sessions.
type Dispatcher struct {
	sessions Sessions
	tracker  Tracker
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// New creates a dispatcher.
func New(sessions Sessions, tracker Tracker, logger *zap.Logger, m *metrics.Metrics) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		sessions: sessions,
		tracker:  tracker,
		logger:   logger.Named("dispatch"),
		metrics:  m,
	}
}

// Dispatch sends req.Command to req.Identity. The pending entry is
// registered before the write; on a failed write it is removed again and
// the session is closed. When req.Await is set the returned channel
// receives the outcome. Dispatch never waits for the reply.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (<-chan correlator.Outcome, error) {
	cmd := req.Command
	log := d.logger.With(
		zap.String("identity", req.Identity),
		zap.String("job_id", cmd.ID),
		zap.String("type", string(cmd.Type)),
	)

	h, ok := d.sessions.Lookup(req.Identity)
	if !ok {
		d.metrics.Command(string(cmd.Type), "not_connected")
		return nil, fmt.Errorf("%w: %s", ErrAgentNotConnected, req.Identity)
	}
	s, ok := h.(Sender)
	if !ok {
		d.metrics.Command(string(cmd.Type), "not_connected")
		return nil, fmt.Errorf("%w: %s", ErrAgentNotConnected, req.Identity)
	}

	waiter, err := d.tracker.Register(correlator.Pending{
		ID:           cmd.ID,
		Identity:     req.Identity,
		SessionID:    s.ID(),
		CommandType:  cmd.Type,
		DeploymentID: req.DeploymentID,
		Await:        req.Await,
	})
	if err != nil {
		return nil, err
	}

	if err := s.Send(ctx, cmd); err != nil {
		d.tracker.Cancel(cmd.ID)
		s.Close(ReasonSendFailed)
		d.metrics.Command(string(cmd.Type), "send_failed")
		log.Warn("send failed, session closed", zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrSendFailed, err)
	}

	d.metrics.Command(string(cmd.Type), "accepted")
	log.Info("command sent", zap.String("session", s.ID()))
	return waiter, nil
}
