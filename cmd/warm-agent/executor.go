// ABOUTME: Executes warming scripts on this machine and reports progress upstream.
// ABOUTME: Bounded-concurrency executor with per-execution cancellation.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/warmfleet/orchestrator/internal/protocol"
)

// Runner performs one warming action against a browser profile.
type Runner interface {
	Run(ctx context.Context, profileID string, action protocol.Action) error
}

// Reporter delivers messages back to the orchestrator.
type Reporter func(ctx context.Context, msg any) error

// Executor runs warming executions concurrently, up to a configured limit.
// Each execution gets its own cancel handle so stop commands land precisely.
type Executor struct {
	runner        Runner
	report        Reporter
	sem           *semaphore.Weighted
	actionTimeout time.Duration
	logger        *slog.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// NewExecutor creates an executor with the given concurrency bound.
func NewExecutor(runner Runner, report Reporter, maxConcurrent int, actionTimeout time.Duration, logger *slog.Logger) *Executor {
	if runner == nil {
		runner = NewSimRunner()
	}
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	if actionTimeout <= 0 {
		actionTimeout = defaultActionTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		runner:        runner,
		report:        report,
		sem:           semaphore.NewWeighted(int64(maxConcurrent)),
		actionTimeout: actionTimeout,
		logger:        logger.With("component", "executor"),
		active:        make(map[string]context.CancelFunc),
	}
}

// ActiveCount returns how many executions are currently running.
func (e *Executor) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// Execute launches one execution asynchronously. A duplicate execution id is
// ignored.
func (e *Executor) Execute(ctx context.Context, cmd *protocol.ExecuteWarming) {
	e.mu.Lock()
	if _, running := e.active[cmd.ExecutionID]; running {
		e.mu.Unlock()
		e.logger.Warn("duplicate execute command ignored", "execution_id", cmd.ExecutionID)
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.active[cmd.ExecutionID] = cancel
	e.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			e.mu.Lock()
			delete(e.active, cmd.ExecutionID)
			e.mu.Unlock()
		}()
		e.run(runCtx, cmd)
	}()
}

// Stop cancels one running execution. Unknown ids are a no-op.
func (e *Executor) Stop(executionID string) {
	e.mu.Lock()
	cancel, ok := e.active[executionID]
	e.mu.Unlock()
	if ok {
		e.logger.Info("stopping execution", "execution_id", executionID)
		cancel()
	}
}

// StopAll cancels everything, used on shutdown.
func (e *Executor) StopAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, cancel := range e.active {
		cancel()
	}
}

// run walks the action list, reporting a progress message per action and a
// terminal message at the end. Individual action failures are counted and
// the run continues; only cancellation aborts early.
func (e *Executor) run(ctx context.Context, cmd *protocol.ExecuteWarming) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		e.logger.Warn("execution cancelled before start", "execution_id", cmd.ExecutionID)
		return
	}
	defer e.sem.Release(1)

	start := time.Now()
	total := len(cmd.Actions)
	completed, failed := 0, 0

	e.logger.Info("execution started",
		"execution_id", cmd.ExecutionID,
		"profile_id", cmd.ProfileID,
		"actions", total,
	)

	for i, action := range cmd.Actions {
		if ctx.Err() != nil {
			// Cancelled mid-run: the orchestrator already recorded the
			// terminal state, so no report goes out.
			e.logger.Info("execution cancelled", "execution_id", cmd.ExecutionID)
			return
		}

		err := e.runAction(ctx, cmd.ProfileID, action)
		outcome := protocol.StepOutcome{
			ActionIndex: i,
			ActionType:  action.Type,
			Success:     err == nil,
			Timestamp:   time.Now().UTC(),
		}
		if err != nil {
			outcome.Error = err.Error()
			failed++
			e.logger.Warn("action failed",
				"execution_id", cmd.ExecutionID,
				"action_index", i,
				"action_type", action.Type,
				"error", err,
			)
		} else {
			completed++
		}

		entry, err := json.Marshal(outcome)
		if err != nil {
			e.logger.Error("encoding step outcome", "error", err)
			continue
		}
		progress := &protocol.ExecutionProgress{
			Type:        protocol.KindExecutionProgress,
			ExecutionID: cmd.ExecutionID,
			Progress:    (i + 1) * 100 / total,
			LogEntry:    entry,
			Timestamp:   time.Now().UTC(),
		}
		if err := e.report(ctx, progress); err != nil {
			e.logger.Warn("progress report not delivered",
				"execution_id", cmd.ExecutionID,
				"error", err,
			)
		}
	}

	summary := protocol.RunSummary{
		Completed:        true,
		TotalActions:     total,
		ActionsCompleted: completed,
		ActionsFailed:    failed,
		DurationSeconds:  time.Since(start).Seconds(),
		Timestamp:        time.Now().UTC(),
	}
	result, err := json.Marshal(summary)
	if err != nil {
		e.logger.Error("encoding run summary", "error", err)
		result = nil
	}
	done := &protocol.ExecutionCompleted{
		Type:        protocol.KindExecutionCompleted,
		ExecutionID: cmd.ExecutionID,
		Result:      result,
		Timestamp:   time.Now().UTC(),
	}
	if err := e.report(ctx, done); err != nil {
		e.logger.Warn("completion report not delivered",
			"execution_id", cmd.ExecutionID,
			"error", err,
		)
	}

	e.logger.Info("execution finished",
		"execution_id", cmd.ExecutionID,
		"completed", completed,
		"failed", failed,
	)
}

// runAction executes one action under the per-action timeout.
func (e *Executor) runAction(ctx context.Context, profileID string, action protocol.Action) error {
	if !protocol.KnownActionType(action.Type) {
		return fmt.Errorf("unknown action type %q", action.Type)
	}
	actionCtx, cancel := context.WithTimeout(ctx, e.actionTimeout)
	defer cancel()
	return e.runner.Run(actionCtx, profileID, action)
}

// SimRunner is the default runner when no real browser automation API is
// configured. Actions take a short randomized time and always succeed.
type SimRunner struct {
	maxDelay time.Duration
}

// NewSimRunner creates a simulated runner.
func NewSimRunner() *SimRunner {
	return &SimRunner{maxDelay: 50 * time.Millisecond}
}

// Run simulates one action.
func (r *SimRunner) Run(ctx context.Context, _ string, _ protocol.Action) error {
	delay := time.Duration(rand.Int63n(int64(r.maxDelay)))
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
