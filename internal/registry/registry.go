// ABOUTME: Tracks live agent connections, routes commands, and evicts stale peers.
// ABOUTME: Pure liveness cache; persisted agent status is reconciled elsewhere.

package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/warmfleet/orchestrator/internal/protocol"
)

// ErrNotConnected indicates no live connection exists for the computer.
var ErrNotConnected = errors.New("agent not connected")

// Defaults for the heartbeat liveness sweep. Operational tuning constants,
// overridable via Params.
const (
	DefaultCheckInterval   = 30 * time.Second
	DefaultLivenessTimeout = 60 * time.Second
)

// Registry coordinates all connected agents. All mutation of the connection
// map is guarded by one RWMutex; each connection's own state has independent
// locking so queries do not serialize on the map lock.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Connection

	checkInterval   time.Duration
	livenessTimeout time.Duration
	logger          *slog.Logger
}

// Params configures a Registry. Zero durations fall back to defaults.
type Params struct {
	CheckInterval   time.Duration
	LivenessTimeout time.Duration
	Logger          *slog.Logger
}

// New creates an empty connection registry.
func New(params Params) *Registry {
	if params.CheckInterval <= 0 {
		params.CheckInterval = DefaultCheckInterval
	}
	if params.LivenessTimeout <= 0 {
		params.LivenessTimeout = DefaultLivenessTimeout
	}
	if params.Logger == nil {
		params.Logger = slog.Default()
	}
	return &Registry{
		conns:           make(map[string]*Connection),
		checkInterval:   params.CheckInterval,
		livenessTimeout: params.LivenessTimeout,
		logger:          params.Logger.With("component", "registry"),
	}
}

// Connect registers a session for a computer and sends the synchronous
// connected acknowledgement. A duplicate handshake replaces the prior entry;
// the old session is closed. If the acknowledgement cannot be delivered the
// connection is not registered.
func (r *Registry) Connect(ctx context.Context, session Session, computerID string) (*Connection, error) {
	conn := newConnection(computerID, session)

	if err := session.Send(ctx, protocol.NewConnected(computerID)); err != nil {
		return nil, fmt.Errorf("sending connected ack: %w", err)
	}

	r.mu.Lock()
	prior := r.conns[computerID]
	r.conns[computerID] = conn
	total := len(r.conns)
	r.mu.Unlock()

	if prior != nil {
		_ = prior.session.Close("replaced by new connection")
		r.logger.Warn("duplicate handshake replaced prior connection", "computer_id", computerID)
	}

	r.logger.Info("agent connected", "computer_id", computerID, "total_agents", total)
	return conn, nil
}

// Disconnect removes all state for a computer. Idempotent: disconnecting an
// absent computer does nothing.
func (r *Registry) Disconnect(computerID string) {
	r.mu.Lock()
	conn, ok := r.conns[computerID]
	if ok {
		delete(r.conns, computerID)
	}
	total := len(r.conns)
	r.mu.Unlock()

	if !ok {
		return
	}
	_ = conn.session.Close("disconnected")
	r.logger.Info("agent disconnected", "computer_id", computerID, "total_agents", total)
}

// Send delivers a message to one agent, best effort. Any transport failure
// is treated as an implicit disconnect: the agent is evicted and the error
// returned. Callers must not assume delivery.
func (r *Registry) Send(ctx context.Context, computerID string, msg any) error {
	conn := r.get(computerID)
	if conn == nil {
		return ErrNotConnected
	}

	if err := conn.session.Send(ctx, msg); err != nil {
		r.logger.Error("send failed, evicting agent", "computer_id", computerID, "error", err)
		r.Disconnect(computerID)
		return fmt.Errorf("sending to %s: %w", computerID, err)
	}
	conn.touch()
	return nil
}

// Broadcast sends a message to every live agent. A failing agent is evicted
// without aborting delivery to the others.
func (r *Registry) Broadcast(ctx context.Context, msg any) {
	r.mu.RLock()
	snapshot := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		snapshot = append(snapshot, conn)
	}
	r.mu.RUnlock()

	var failed []string
	for _, conn := range snapshot {
		if err := conn.session.Send(ctx, msg); err != nil {
			r.logger.Error("broadcast send failed", "computer_id", conn.ComputerID, "error", err)
			failed = append(failed, conn.ComputerID)
			continue
		}
		conn.touch()
	}
	for _, id := range failed {
		r.Disconnect(id)
	}
}

// IsConnected reports whether a live connection exists for the computer.
func (r *Registry) IsConnected(computerID string) bool {
	return r.get(computerID) != nil
}

// ConnectedAgents returns the ids of all live agents.
func (r *Registry) ConnectedAgents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	return ids
}

// AgentState returns the last self-reported state for a computer and when it
// was reported. Nil if the agent is absent or has never reported.
func (r *Registry) AgentState(computerID string) (*protocol.AgentState, time.Time) {
	conn := r.get(computerID)
	if conn == nil {
		return nil, time.Time{}
	}
	return conn.reportedState()
}

// UpdateAgentState replaces the agent's reported state wholesale and stamps
// its freshness. No partial merge.
func (r *Registry) UpdateAgentState(computerID string, state protocol.AgentState) {
	if conn := r.get(computerID); conn != nil {
		conn.setState(state)
	}
}

// Touch refreshes the last-activity stamp for a computer, called on any
// inbound traffic.
func (r *Registry) Touch(computerID string) {
	if conn := r.get(computerID); conn != nil {
		conn.touch()
	}
}

func (r *Registry) get(computerID string) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[computerID]
}

// RunHeartbeatMonitor evicts agents whose last activity exceeds the liveness
// timeout, checking on a fixed interval until ctx is cancelled. This is the
// sole mechanism for detecting silently-dead agents.
func (r *Registry) RunHeartbeatMonitor(ctx context.Context) {
	ticker := time.NewTicker(r.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.evictStale()
		case <-ctx.Done():
			return
		}
	}
}

// evictStale removes every connection idle past the liveness timeout.
func (r *Registry) evictStale() {
	now := time.Now()

	r.mu.RLock()
	var stale []string
	for id, conn := range r.conns {
		if now.Sub(conn.idleSince()) > r.livenessTimeout {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range stale {
		r.logger.Warn("agent heartbeat timeout", "computer_id", id)
		r.Disconnect(id)
	}
}
