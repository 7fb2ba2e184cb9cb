// Package registry is the authoritative in-memory index of agent identity to
// live session, kept in step with the durable agent records.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"instadeploy/internal/events"
	"instadeploy/internal/models"
)

// ReasonReplaced is the close reason given to a session superseded by a
// reconnect of the same agent.
const ReasonReplaced = "replaced by new session"

// ReasonForced is the close reason used by MarkOffline.
const ReasonForced = "disconnected by operator"

// Handle is the registry's view of a live session.
type Handle interface {
	ID() string
	Closing() bool
	Close(reason string)
}

// Store is the durable write path for agent records.
type Store interface {
	UpsertAgent(ctx context.Context, meta models.AgentMetadata) (*models.Agent, error)
	SetAgentOffline(ctx context.Context, hostname string) error
}

// Record is a snapshot of one agent's connectivity.
type Record struct {
	Identity     string
	AgentID      int64
	Handle       Handle
	LastSeen     time.Time
	Version      string
	Architecture string
	Address      string
}

// Connected reports whether a live handle is attached.
func (r Record) Connected() bool {
	return r.Handle != nil && !r.Handle.Closing()
}

// entry serializes all mutations for one identity. An entry lives only
// while a handle is attached; removed marks one pruned from the map.
type entry struct {
	mu      sync.Mutex
	rec     Record
	removed bool
}

// Registry maps agent identity to its current session.
type Registry struct {
	store  Store
	bus    *events.Bus
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex // guards entries only
	entries map[string]*entry
}

// New creates a registry writing through to store. bus may be nil.
func New(store Store, bus *events.Bus, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		store:   store,
		bus:     bus,
		logger:  logger.Named("registry"),
		now:     func() time.Time { return time.Now().UTC() },
		entries: make(map[string]*entry),
	}
}

// Subscribe releases the registry slot of every session that publishes a
// teardown event.
func (r *Registry) Subscribe(bus *events.Bus) {
	bus.Subscribe(func(e events.Event) {
		r.Release(context.Background(), e.Hostname, e.Metadata[events.MetaSessionID])
	}, events.SessionClosed)
}

func (r *Registry) entry(identity string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[identity]
	if !ok {
		e = &entry{rec: Record{Identity: identity}}
		r.entries[identity] = e
	}
	return e
}

// lockEntry returns identity's entry locked, creating it if needed. It
// never returns an entry that has been pruned.
func (r *Registry) lockEntry(identity string) *entry {
	for {
		e := r.entry(identity)
		e.mu.Lock()
		if !e.removed {
			return e
		}
		e.mu.Unlock()
	}
}

// prune drops e from the map once it has no handle. It must be called
// with e.mu held.
func (r *Registry) prune(e *entry) {
	if e.rec.Handle != nil || e.removed {
		return
	}
	r.mu.Lock()
	if r.entries[e.rec.Identity] == e {
		delete(r.entries, e.rec.Identity)
	}
	r.mu.Unlock()
	e.removed = true
}

func (r *Registry) existing(identity string) (*entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[identity]
	return e, ok
}

// Upsert records meta as online and attaches h. Any other handle already
// attached to the identity is closed first. When the durable write fails
// nothing changes in memory and the error is returned; the caller owns h.
func (r *Registry) Upsert(ctx context.Context, meta models.AgentMetadata, h Handle) (Record, error) {
	if meta.Hostname == "" {
		return Record{}, fmt.Errorf("registry: empty agent identity")
	}
	e := r.lockEntry(meta.Hostname)
	defer e.mu.Unlock()

	agent, err := r.store.UpsertAgent(ctx, meta)
	if err != nil {
		r.prune(e)
		return Record{}, fmt.Errorf("registry: upsert %s: %w", meta.Hostname, err)
	}

	if prev := e.rec.Handle; prev != nil && prev.ID() != h.ID() {
		r.logger.Info("replacing session",
			zap.String("identity", meta.Hostname),
			zap.String("old_session", prev.ID()),
			zap.String("new_session", h.ID()),
		)
		prev.Close(ReasonReplaced)
	}

	e.rec = Record{
		Identity:     meta.Hostname,
		AgentID:      agent.ID,
		Handle:       h,
		LastSeen:     r.now(),
		Version:      meta.Version,
		Architecture: meta.Architecture,
		Address:      meta.Address,
	}
	r.logger.Info("agent online",
		zap.String("identity", meta.Hostname),
		zap.Int64("agent_id", agent.ID),
		zap.String("session", h.ID()),
		zap.String("version", meta.Version),
	)
	r.publish(events.AgentOnline, events.SeverityInfo, meta.Hostname,
		fmt.Sprintf("Agent %s connected", meta.Hostname), h.ID())
	return e.rec, nil
}

// Release detaches the session handleID from identity and marks the agent
// offline. It returns false without touching anything when a different
// session is attached, which is the case for a session that was replaced.
func (r *Registry) Release(ctx context.Context, identity, handleID string) bool {
	e, ok := r.existing(identity)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.rec.Handle == nil || e.rec.Handle.ID() != handleID {
		r.logger.Debug("release of superseded session ignored",
			zap.String("identity", identity),
			zap.String("session", handleID),
		)
		return false
	}
	r.detach(ctx, e)
	r.prune(e)
	return true
}

// MarkOffline detaches and closes whatever session identity has and marks
// the agent offline. Calling it again is harmless.
func (r *Registry) MarkOffline(ctx context.Context, identity string) error {
	e, ok := r.existing(identity)
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	h := e.rec.Handle
	if h == nil {
		return nil
	}
	h.Close(ReasonForced)
	err := r.detach(ctx, e)
	r.prune(e)
	return err
}

// detach must be called with e.mu held.
func (r *Registry) detach(ctx context.Context, e *entry) error {
	sessionID := e.rec.Handle.ID()
	e.rec.Handle = nil
	e.rec.LastSeen = r.now()

	err := r.store.SetAgentOffline(ctx, e.rec.Identity)
	if err != nil {
		r.logger.Error("failed to persist offline status",
			zap.String("identity", e.rec.Identity),
			zap.Error(err),
		)
	}
	r.logger.Info("agent offline",
		zap.String("identity", e.rec.Identity),
		zap.String("session", sessionID),
	)
	r.publish(events.AgentOffline, events.SeverityWarning, e.rec.Identity,
		fmt.Sprintf("Agent %s disconnected", e.rec.Identity), sessionID)
	return err
}

// Lookup returns the live handle for identity. Handles that are closing are
// never returned.
func (r *Registry) Lookup(identity string) (Handle, bool) {
	e, ok := r.existing(identity)
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.rec.Connected() {
		return nil, false
	}
	return e.rec.Handle, true
}

// Get returns a snapshot of identity's record.
func (r *Registry) Get(identity string) (Record, bool) {
	e, ok := r.existing(identity)
	if !ok {
		return Record{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec, true
}

// ListConnected returns the identities with a live session in ascending
// order.
func (r *Registry) ListConnected() []string {
	r.mu.Lock()
	all := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		all = append(all, e)
	}
	r.mu.Unlock()

	var out []string
	for _, e := range all {
		e.mu.Lock()
		if e.rec.Connected() {
			out = append(out, e.rec.Identity)
		}
		e.mu.Unlock()
	}
	sort.Strings(out)
	return out
}

// CloseAll closes every attached session with reason. Teardown then flows
// back through Release.
func (r *Registry) CloseAll(reason string) {
	r.mu.Lock()
	all := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		all = append(all, e)
	}
	r.mu.Unlock()

	for _, e := range all {
		e.mu.Lock()
		if h := e.rec.Handle; h != nil {
			h.Close(reason)
		}
		e.mu.Unlock()
	}
}

func (r *Registry) publish(t events.EventType, sev events.Severity, identity, msg, sessionID string) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(events.Event{
		Type:     t,
		Severity: sev,
		Hostname: identity,
		Message:  msg,
		Metadata: map[string]string{events.MetaSessionID: sessionID},
	})
}
