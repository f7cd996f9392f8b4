// ABOUTME: Websocket endpoint for warm agent connections.
// ABOUTME: Authenticates the handshake, registers the session, and runs the inbound read loop.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/warmfleet/orchestrator/internal/protocol"
	"github.com/warmfleet/orchestrator/internal/store"
)

// sendTimeout bounds a single outbound write so one stalled agent cannot
// block a dispatch loop.
const sendTimeout = 10 * time.Second

// wsSession adapts a websocket connection to the registry's Session.
type wsSession struct {
	conn *websocket.Conn
}

func (s *wsSession) Send(ctx context.Context, msg any) error {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	return wsjson.Write(ctx, s.conn, msg)
}

func (s *wsSession) Close(reason string) error {
	return s.conn.Close(websocket.StatusNormalClosure, reason)
}

// handleAgentSocket authenticates and upgrades an agent connection, then
// services it until the transport drops.
func (g *Gateway) handleAgentSocket(w http.ResponseWriter, r *http.Request) {
	computerID := r.PathValue("computer_id")

	tokenID, err := g.authenticateAgent(r)
	if err != nil {
		g.logger.Warn("agent auth failed", "computer_id", computerID, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	// The token's subject must be the computer the agent claims to be.
	if tokenID != computerID {
		g.logger.Warn("token subject mismatch",
			"computer_id", computerID,
			"token_subject", tokenID,
		)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	// Only registered computers may connect.
	if _, err := g.store.GetComputer(r.Context(), computerID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "unknown computer", http.StatusNotFound)
			return
		}
		g.logger.Error("loading computer", "computer_id", computerID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		g.logger.Error("websocket accept failed", "computer_id", computerID, "error", err)
		return
	}

	// The socket outlives the upgrade request but must die with the gateway:
	// shutdown cancels this context, which ends the read loop below.
	ctx := g.loopCtx
	session := &wsSession{conn: conn}
	if _, err := g.registry.Connect(ctx, session, computerID); err != nil {
		g.logger.Error("agent handshake failed", "computer_id", computerID, "error", err)
		_ = conn.Close(websocket.StatusInternalError, "handshake failed")
		return
	}

	if err := g.store.SetComputerStatus(ctx, computerID, store.ComputerOnline); err != nil {
		g.logger.Error("marking computer online", "computer_id", computerID, "error", err)
	}

	g.readLoop(ctx, conn, computerID)
}

// authenticateAgent verifies the bearer token on the upgrade request and
// returns its subject.
func (g *Gateway) authenticateAgent(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		// Browsers cannot set headers on websocket upgrades; allow the
		// token as a query parameter for that case.
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return g.verifier.Verify(token)
}

// readLoop consumes agent messages until the connection drops. Any transport
// error disconnects the agent; message-level problems are logged and dropped.
func (g *Gateway) readLoop(ctx context.Context, conn *websocket.Conn, computerID string) {
	defer g.registry.Disconnect(computerID)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				g.logger.Info("agent closed connection", "computer_id", computerID)
			} else {
				g.logger.Warn("agent read failed", "computer_id", computerID, "error", err)
			}
			return
		}

		in, err := protocol.DecodeInbound(data)
		if err != nil {
			g.logger.Warn("dropping malformed agent message",
				"computer_id", computerID,
				"error", err,
			)
			continue
		}

		// Any well-formed inbound traffic counts as liveness.
		g.registry.Touch(computerID)
		g.handleInbound(ctx, computerID, in)
	}
}

// handleInbound routes one decoded agent message.
func (g *Gateway) handleInbound(ctx context.Context, computerID string, in *protocol.Inbound) {
	switch in.Kind {
	case protocol.KindHeartbeat:
		if err := g.registry.Send(ctx, computerID, &protocol.HeartbeatAck{Type: protocol.KindHeartbeatAck}); err != nil {
			g.logger.Warn("heartbeat ack not delivered", "computer_id", computerID, "error", err)
		}

	case protocol.KindStatusUpdate:
		g.registry.UpdateAgentState(computerID, in.Status.State)

	case protocol.KindExecutionProgress:
		g.applyProgress(ctx, computerID, in.Progress)

	case protocol.KindExecutionCompleted:
		g.applyCompleted(ctx, computerID, in.Completed)

	case protocol.KindExecutionFailed:
		g.applyFailed(ctx, computerID, in.Failed)

	default:
		g.logger.Warn("unknown agent message type",
			"computer_id", computerID,
			"type", in.Kind,
		)
	}
}

// progressEntry is the slice of a log entry the barrier wiring needs. The
// entry itself stays opaque in the store.
type progressEntry struct {
	ActionIndex *int `json:"action_index"`
}

// applyProgress persists a progress report and feeds barrier arrivals.
func (g *Gateway) applyProgress(ctx context.Context, computerID string, p *protocol.ExecutionProgress) {
	progress := p.Progress
	err := g.store.UpdateExecutionStatus(ctx, p.ExecutionID, store.ExecutionUpdate{
		Status:   store.ExecutionRunning,
		Progress: &progress,
		LogEntry: p.LogEntry,
	})
	if err != nil {
		g.logger.Error("recording execution progress",
			"computer_id", computerID,
			"execution_id", p.ExecutionID,
			"error", err,
		)
		return
	}

	// A progress report naming an action index is an arrival at that step's
	// barrier, when one exists for the batch.
	if len(p.LogEntry) == 0 {
		return
	}
	var entry progressEntry
	if err := json.Unmarshal(p.LogEntry, &entry); err != nil || entry.ActionIndex == nil {
		return
	}
	exec, err := g.store.GetExecution(ctx, p.ExecutionID)
	if err != nil {
		return
	}
	g.barriers.Arrive(exec.BatchID, *entry.ActionIndex, p.ExecutionID)
}

// applyCompleted finalizes an execution as successful.
func (g *Gateway) applyCompleted(ctx context.Context, computerID string, c *protocol.ExecutionCompleted) {
	err := g.store.UpdateExecutionStatus(ctx, c.ExecutionID, store.ExecutionUpdate{
		Status:   store.ExecutionCompleted,
		LogEntry: c.Result,
	})
	if err != nil {
		g.logger.Error("recording execution completion",
			"computer_id", computerID,
			"execution_id", c.ExecutionID,
			"error", err,
		)
		return
	}
	g.logger.Info("execution completed",
		"computer_id", computerID,
		"execution_id", c.ExecutionID,
	)
}

// applyFailed finalizes an execution as failed.
func (g *Gateway) applyFailed(ctx context.Context, computerID string, f *protocol.ExecutionFailed) {
	err := g.store.UpdateExecutionStatus(ctx, f.ExecutionID, store.ExecutionUpdate{
		Status: store.ExecutionFailed,
		Error:  f.Error,
	})
	if err != nil {
		g.logger.Error("recording execution failure",
			"computer_id", computerID,
			"execution_id", f.ExecutionID,
			"error", err,
		)
		return
	}
	g.logger.Warn("execution failed",
		"computer_id", computerID,
		"execution_id", f.ExecutionID,
		"error", f.Error,
	)
}
