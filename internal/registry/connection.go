// ABOUTME: Represents one connected warm agent and its owned session handle.
// ABOUTME: Tracks last activity and the agent's self-reported runtime state.

package registry

import (
	"context"
	"sync"
	"time"

	"github.com/warmfleet/orchestrator/internal/protocol"
)

// Session is the transport handle for one agent connection. The registry
// entry owns it exclusively: nothing else sends on it or closes it.
type Session interface {
	// Send transmits one message to the agent. Any error means the
	// connection is unusable.
	Send(ctx context.Context, msg any) error

	// Close tears down the transport with a human-readable reason.
	Close(reason string) error
}

// Connection is the live, in-memory record for one connected agent. It is
// not the persisted capacity record; that lives in the store and is
// reconciled separately.
type Connection struct {
	ComputerID string

	session Session

	mu           sync.Mutex
	lastActivity time.Time
	state        *protocol.AgentState
	stateUpdated time.Time
}

// newConnection wraps a freshly accepted session.
func newConnection(computerID string, session Session) *Connection {
	return &Connection{
		ComputerID:   computerID,
		session:      session,
		lastActivity: time.Now(),
	}
}

// touch stamps the connection's last-activity time.
func (c *Connection) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// idleSince returns the time of the last observed activity.
func (c *Connection) idleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// setState replaces the reported state wholesale and stamps its freshness.
func (c *Connection) setState(state protocol.AgentState) {
	c.mu.Lock()
	c.state = &state
	c.stateUpdated = time.Now()
	c.mu.Unlock()
}

// reportedState returns a copy of the last reported state, or nil if the
// agent has never sent a status update, plus the freshness timestamp.
func (c *Connection) reportedState() (*protocol.AgentState, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == nil {
		return nil, time.Time{}
	}
	state := *c.state
	return &state, c.stateUpdated
}
