// ABOUTME: Fleet coordinator translating dispatch requests into per-agent execute commands.
// ABOUTME: Partitions profiles by owning computer, skips offline agents, and tracks the batch.

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/warmfleet/orchestrator/internal/barrier"
	"github.com/warmfleet/orchestrator/internal/protocol"
	"github.com/warmfleet/orchestrator/internal/store"
)

// Dispatch errors.
var (
	ErrScriptNotFound   = errors.New("script not found")
	ErrNoValidProfiles  = errors.New("no valid profiles in request")
	ErrExecutionUnknown = errors.New("execution not found")
)

// AgentSender is the slice of the connection registry the dispatcher needs.
type AgentSender interface {
	IsConnected(computerID string) bool
	Send(ctx context.Context, computerID string, msg any) error
}

// Options tunes one dispatch request.
type Options struct {
	// SyncSteps lists action indices at which all executions of the batch
	// rendezvous before proceeding. Empty means no synchronization.
	SyncSteps []int
}

// Summary describes the outcome of one dispatch request.
type Summary struct {
	BatchID        string   `json:"batch_id"`
	TotalRequested int      `json:"total_requested"`
	Executed       int      `json:"executed"`
	Skipped        int      `json:"skipped"`
	ExecutionIDs   []string `json:"execution_ids"`
	Warnings       []string `json:"warnings,omitempty"`
	Message        string   `json:"message"`
}

// Dispatcher fans a warming script out across the fleet. It never blocks on
// agent work; executions complete asynchronously via inbound agent reports.
type Dispatcher struct {
	store    store.Store
	agents   AgentSender
	barriers *barrier.Registry
	logger   *slog.Logger
}

// New creates a dispatcher.
func New(st store.Store, agents AgentSender, barriers *barrier.Registry, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:    st,
		agents:   agents,
		barriers: barriers,
		logger:   logger.With("component", "dispatch"),
	}
}

// Dispatch runs a script against a set of profiles. Profiles owned by offline
// computers are skipped and counted; profiles that do not exist are skipped
// with a warning. A request that resolves to zero real profiles fails before
// any side effects. Send failures to individual agents degrade that
// execution only, never the siblings.
func (d *Dispatcher) Dispatch(ctx context.Context, scriptID string, profileIDs []string, opts Options) (*Summary, error) {
	script, err := d.store.GetScript(ctx, scriptID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrScriptNotFound, scriptID)
		}
		return nil, fmt.Errorf("loading script: %w", err)
	}

	// Resolve profiles up front so validation happens before any state is
	// written.
	var warnings []string
	var profiles []*store.Profile
	for _, id := range profileIDs {
		p, err := d.store.GetProfile(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				warnings = append(warnings, fmt.Sprintf("profile %s not found", id))
				continue
			}
			return nil, fmt.Errorf("loading profile %s: %w", id, err)
		}
		profiles = append(profiles, p)
	}
	if len(profiles) == 0 {
		return nil, ErrNoValidProfiles
	}

	batchID := uuid.New().String()
	summary := &Summary{
		BatchID:        batchID,
		TotalRequested: len(profileIDs),
		Warnings:       warnings,
	}

	// Partition by owning computer and check liveness once per computer.
	byComputer := make(map[string][]*store.Profile)
	for _, p := range profiles {
		byComputer[p.ComputerID] = append(byComputer[p.ComputerID], p)
	}

	// Create every execution record before any command goes out. The batch's
	// barriers must be sized and registered first: a fast agent can report
	// its first sync step before the send loop finishes.
	type launch struct {
		execID       string
		computerID   string
		profileID    string
		automationID string
	}
	var launches []launch

	for computerID, owned := range byComputer {
		if !d.agents.IsConnected(computerID) {
			summary.Skipped += len(owned)
			warnings = append(warnings,
				fmt.Sprintf("computer %s offline, %d profiles skipped", computerID, len(owned)))
			d.logger.Warn("skipping offline computer",
				"computer_id", computerID,
				"batch_id", batchID,
				"profiles", len(owned),
			)
			continue
		}

		for _, p := range owned {
			exec := &store.Execution{
				ID:         uuid.New().String(),
				BatchID:    batchID,
				ScriptID:   script.ID,
				ProfileID:  p.ID,
				ComputerID: computerID,
				Status:     store.ExecutionQueued,
			}
			if err := d.store.CreateExecution(ctx, exec); err != nil {
				return nil, fmt.Errorf("creating execution: %w", err)
			}
			summary.Executed++
			summary.ExecutionIDs = append(summary.ExecutionIDs, exec.ID)
			launches = append(launches, launch{
				execID:       exec.ID,
				computerID:   computerID,
				profileID:    p.ID,
				automationID: p.AutomationID,
			})
		}
	}

	if summary.Executed > 0 {
		if err := d.store.IncrementScriptUsage(ctx, script.ID); err != nil {
			d.logger.Error("incrementing script usage", "script_id", script.ID, "error", err)
		}

		// Barriers are sized to what actually launched, not what was
		// requested, so skipped profiles cannot wedge the batch.
		if d.barriers != nil {
			for _, step := range opts.SyncSteps {
				d.barriers.CreateBarrier(batchID, step, summary.Executed)
			}
		}
	}

	for _, l := range launches {
		cmd := protocol.NewExecuteWarming(l.execID, l.automationID, script.Actions)
		if err := d.agents.Send(ctx, l.computerID, cmd); err != nil {
			// The record stays queued; the reconciler or an operator
			// resolves it. Siblings continue.
			d.logger.Error("execute command not delivered",
				"computer_id", l.computerID,
				"execution_id", l.execID,
				"error", err,
			)
			warnings = append(warnings,
				fmt.Sprintf("send to computer %s failed for profile %s", l.computerID, l.profileID))
		}
	}

	// Missing profiles count as skipped alongside offline-computer skips.
	summary.Skipped += len(profileIDs) - len(profiles)
	summary.Warnings = warnings
	summary.Message = fmt.Sprintf("Dispatched %d executions, %d profiles skipped",
		summary.Executed, summary.Skipped)

	d.logger.Info("batch dispatched",
		"batch_id", batchID,
		"script_id", script.ID,
		"executed", summary.Executed,
		"skipped", summary.Skipped,
	)
	return summary, nil
}

// Stop cancels one execution. The stop command is sent best effort when the
// owning agent is connected; the record is marked cancelled either way.
func (d *Dispatcher) Stop(ctx context.Context, executionID string) error {
	exec, err := d.store.GetExecution(ctx, executionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrExecutionUnknown, executionID)
		}
		return fmt.Errorf("loading execution: %w", err)
	}

	if exec.Status.Terminal() {
		return nil
	}

	if d.agents.IsConnected(exec.ComputerID) {
		if err := d.agents.Send(ctx, exec.ComputerID, protocol.NewStopWarming(executionID)); err != nil {
			d.logger.Error("stop command not delivered",
				"computer_id", exec.ComputerID,
				"execution_id", executionID,
				"error", err,
			)
		}
	}

	if err := d.store.UpdateExecutionStatus(ctx, executionID, store.ExecutionUpdate{
		Status: store.ExecutionCancelled,
	}); err != nil {
		return fmt.Errorf("marking execution cancelled: %w", err)
	}

	d.logger.Info("execution stopped", "execution_id", executionID)
	return nil
}
