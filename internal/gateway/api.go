// ABOUTME: Operator-facing HTTP API for dispatching, inspecting, and stopping warming runs.
// ABOUTME: JSON handlers over the dispatcher, registry, and in-process automation engine.

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/warmfleet/orchestrator/internal/automation"
	"github.com/warmfleet/orchestrator/internal/dispatch"
	"github.com/warmfleet/orchestrator/internal/protocol"
	"github.com/warmfleet/orchestrator/internal/store"
)

// writeJSON serializes v with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError emits a JSON error body.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// executeRequest is the dispatch request body.
type executeRequest struct {
	ScriptID   string   `json:"script_id"`
	ProfileIDs []string `json:"profile_ids"`
	SyncSteps  []int    `json:"sync_steps,omitempty"`
}

// handleWarmingExecute dispatches a script across the fleet.
func (g *Gateway) handleWarmingExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ScriptID == "" || len(req.ProfileIDs) == 0 {
		writeError(w, http.StatusBadRequest, "script_id and profile_ids are required")
		return
	}

	summary, err := g.dispatcher.Dispatch(r.Context(), req.ScriptID, req.ProfileIDs,
		dispatch.Options{SyncSteps: req.SyncSteps})
	if err != nil {
		switch {
		case errors.Is(err, dispatch.ErrScriptNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, dispatch.ErrNoValidProfiles):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			g.logger.Error("dispatch failed", "error", err)
			writeError(w, http.StatusInternalServerError, "dispatch failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// executionResponse is the JSON shape of one execution record.
type executionResponse struct {
	ID               string            `json:"id"`
	BatchID          string            `json:"batch_id"`
	ScriptID         string            `json:"script_id"`
	ProfileID        string            `json:"profile_id"`
	ComputerID       string            `json:"computer_id"`
	Status           string            `json:"status"`
	Progress         int               `json:"progress"`
	ActionsCompleted int               `json:"actions_completed"`
	ActionsFailed    int               `json:"actions_failed"`
	Log              []json.RawMessage `json:"log"`
	Error            string            `json:"error,omitempty"`
	StartedAt        *time.Time        `json:"started_at,omitempty"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
}

func toExecutionResponse(e *store.Execution) executionResponse {
	return executionResponse{
		ID:               e.ID,
		BatchID:          e.BatchID,
		ScriptID:         e.ScriptID,
		ProfileID:        e.ProfileID,
		ComputerID:       e.ComputerID,
		Status:           string(e.Status),
		Progress:         e.Progress,
		ActionsCompleted: e.ActionsCompleted,
		ActionsFailed:    e.ActionsFailed,
		Log:              e.Log,
		Error:            e.Error,
		StartedAt:        e.StartedAt,
		CompletedAt:      e.CompletedAt,
		CreatedAt:        e.CreatedAt,
	}
}

// handleExecutionGet returns one execution record.
func (g *Gateway) handleExecutionGet(w http.ResponseWriter, r *http.Request) {
	exec, err := g.store.GetExecution(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "execution not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "loading execution failed")
		return
	}
	writeJSON(w, http.StatusOK, toExecutionResponse(exec))
}

// handleBatchGet returns every execution of a batch.
func (g *Gateway) handleBatchGet(w http.ResponseWriter, r *http.Request) {
	execs, err := g.store.ListExecutionsByBatch(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing batch failed")
		return
	}
	out := make([]executionResponse, 0, len(execs))
	for _, e := range execs {
		out = append(out, toExecutionResponse(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"batch_id":   r.PathValue("id"),
		"executions": out,
	})
}

// handleExecutionStop cancels one execution.
func (g *Gateway) handleExecutionStop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := g.dispatcher.Stop(r.Context(), id); err != nil {
		if errors.Is(err, dispatch.ErrExecutionUnknown) {
			writeError(w, http.StatusNotFound, "execution not found")
			return
		}
		g.logger.Error("stop failed", "execution_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "stop failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopping", "execution_id": id})
}

// agentStatus merges the persisted roster entry with live connection state.
type agentStatus struct {
	ComputerID   string               `json:"computer_id"`
	Name         string               `json:"name"`
	Status       string               `json:"status"`
	Connected    bool                 `json:"connected"`
	State        *protocol.AgentState `json:"state,omitempty"`
	StateUpdated *time.Time           `json:"state_updated,omitempty"`
	LastSeenAt   *time.Time           `json:"last_seen_at,omitempty"`
}

// handleAgentsStatus reports the fleet view: roster plus live state.
func (g *Gateway) handleAgentsStatus(w http.ResponseWriter, r *http.Request) {
	computers, err := g.store.ListComputers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing computers failed")
		return
	}

	out := make([]agentStatus, 0, len(computers))
	for _, c := range computers {
		s := agentStatus{
			ComputerID: c.ID,
			Name:       c.Name,
			Status:     c.Status,
			Connected:  g.registry.IsConnected(c.ID),
			LastSeenAt: c.LastSeenAt,
		}
		if state, updated := g.registry.AgentState(c.ID); state != nil {
			s.State = state
			s.StateUpdated = &updated
		}
		out = append(out, s)
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": out})
}

// handleAgentsRefresh broadcasts a status_request so every agent re-reports.
func (g *Gateway) handleAgentsRefresh(w http.ResponseWriter, r *http.Request) {
	g.registry.Broadcast(r.Context(), protocol.NewStatusRequest())
	writeJSON(w, http.StatusOK, map[string]any{
		"requested": len(g.registry.ConnectedAgents()),
	})
}

// searchRequest drives a coordinated in-process search batch.
type searchRequest struct {
	Identities []string `json:"identities"`
	Query      string   `json:"query"`
}

// handleAutomationSearch runs a lockstep search across local sessions.
func (g *Gateway) handleAutomationSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Identities) == 0 || req.Query == "" {
		writeError(w, http.StatusBadRequest, "identities and query are required")
		return
	}

	result := g.engine.RunSearch(r.Context(), req.Identities, req.Query)
	writeJSON(w, http.StatusOK, result)
}

// navigateRequest drives an in-process navigation batch.
type navigateRequest struct {
	Identities []string `json:"identities"`
	URLs       []string `json:"urls"`
	Randomize  bool     `json:"randomize"`
	StaySecs   int      `json:"stay_seconds"`
}

// handleAutomationNavigate runs independent navigation across local sessions.
func (g *Gateway) handleAutomationNavigate(w http.ResponseWriter, r *http.Request) {
	var req navigateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Identities) == 0 || len(req.URLs) == 0 {
		writeError(w, http.StatusBadRequest, "identities and urls are required")
		return
	}

	result := g.engine.RunNavigate(r.Context(), req.Identities, req.URLs, automation.NavigateOptions{
		Randomize: req.Randomize,
		Stay:      time.Duration(req.StaySecs) * time.Second,
	})
	writeJSON(w, http.StatusOK, result)
}
