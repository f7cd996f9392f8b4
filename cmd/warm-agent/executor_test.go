// ABOUTME: Tests for the warm agent executor.
// ABOUTME: Covers progress reporting, failure counting, stop handling, and concurrency limits.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warmfleet/orchestrator/internal/protocol"
)

// captureReporter records every reported message.
type captureReporter struct {
	mu   sync.Mutex
	msgs []any
}

func (c *captureReporter) report(_ context.Context, msg any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *captureReporter) messages() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]any, len(c.msgs))
	copy(out, c.msgs)
	return out
}

func (c *captureReporter) completed() *protocol.ExecutionCompleted {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.msgs {
		if done, ok := m.(*protocol.ExecutionCompleted); ok {
			return done
		}
	}
	return nil
}

// scriptedRunner fails specific action indices.
type scriptedRunner struct {
	mu       sync.Mutex
	calls    int
	failIdx  map[int]bool
	blockOn  chan struct{} // when set, Run blocks until closed or ctx done
	perIndex []protocol.Action
}

func (r *scriptedRunner) Run(ctx context.Context, _ string, action protocol.Action) error {
	r.mu.Lock()
	idx := r.calls
	r.calls++
	r.perIndex = append(r.perIndex, action)
	block := r.blockOn
	r.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if r.failIdx[idx] {
		return errors.New("element not found")
	}
	return nil
}

func execCommand(id string, actionTypes ...string) *protocol.ExecuteWarming {
	actions := make([]protocol.Action, len(actionTypes))
	for i, typ := range actionTypes {
		actions[i] = protocol.Action{Type: typ}
	}
	return protocol.NewExecuteWarming(id, "aw-1", actions)
}

func waitForCompletion(t *testing.T, rep *captureReporter) *protocol.ExecutionCompleted {
	t.Helper()
	require.Eventually(t, func() bool {
		return rep.completed() != nil
	}, 2*time.Second, 5*time.Millisecond)
	return rep.completed()
}

func TestExecuteReportsProgressPerAction(t *testing.T) {
	rep := &captureReporter{}
	e := NewExecutor(&scriptedRunner{}, rep.report, 2, time.Second, nil)

	e.Execute(context.Background(),
		execCommand("exec-1", protocol.ActionNavigate, protocol.ActionScroll, protocol.ActionClick))
	done := waitForCompletion(t, rep)

	var progresses []*protocol.ExecutionProgress
	for _, m := range rep.messages() {
		if p, ok := m.(*protocol.ExecutionProgress); ok {
			progresses = append(progresses, p)
		}
	}
	require.Len(t, progresses, 3)
	assert.Equal(t, 33, progresses[0].Progress)
	assert.Equal(t, 66, progresses[1].Progress)
	assert.Equal(t, 100, progresses[2].Progress)

	var outcome protocol.StepOutcome
	require.NoError(t, json.Unmarshal(progresses[1].LogEntry, &outcome))
	assert.Equal(t, 1, outcome.ActionIndex)
	assert.Equal(t, protocol.ActionScroll, outcome.ActionType)
	assert.True(t, outcome.Success)

	var summary protocol.RunSummary
	require.NoError(t, json.Unmarshal(done.Result, &summary))
	assert.True(t, summary.Completed)
	assert.Equal(t, 3, summary.TotalActions)
	assert.Equal(t, 3, summary.ActionsCompleted)
	assert.Equal(t, 0, summary.ActionsFailed)
}

func TestActionFailureIsCountedAndRunContinues(t *testing.T) {
	rep := &captureReporter{}
	runner := &scriptedRunner{failIdx: map[int]bool{1: true}}
	e := NewExecutor(runner, rep.report, 2, time.Second, nil)

	e.Execute(context.Background(),
		execCommand("exec-1", protocol.ActionNavigate, protocol.ActionClick, protocol.ActionScroll))
	done := waitForCompletion(t, rep)

	var summary protocol.RunSummary
	require.NoError(t, json.Unmarshal(done.Result, &summary))
	assert.Equal(t, 2, summary.ActionsCompleted)
	assert.Equal(t, 1, summary.ActionsFailed)

	runner.mu.Lock()
	assert.Equal(t, 3, runner.calls, "later actions still run after a failure")
	runner.mu.Unlock()
}

func TestUnknownActionTypeFailsThatStep(t *testing.T) {
	rep := &captureReporter{}
	runner := &scriptedRunner{}
	e := NewExecutor(runner, rep.report, 2, time.Second, nil)

	e.Execute(context.Background(), execCommand("exec-1", "teleport", protocol.ActionScroll))
	done := waitForCompletion(t, rep)

	var summary protocol.RunSummary
	require.NoError(t, json.Unmarshal(done.Result, &summary))
	assert.Equal(t, 1, summary.ActionsFailed)
	assert.Equal(t, 1, summary.ActionsCompleted)

	runner.mu.Lock()
	assert.Equal(t, 1, runner.calls, "unknown actions never reach the runner")
	runner.mu.Unlock()
}

func TestStopCancelsRunWithoutTerminalReport(t *testing.T) {
	rep := &captureReporter{}
	block := make(chan struct{})
	runner := &scriptedRunner{blockOn: block}
	e := NewExecutor(runner, rep.report, 2, time.Second, nil)

	e.Execute(context.Background(),
		execCommand("exec-1", protocol.ActionNavigate, protocol.ActionScroll))

	require.Eventually(t, func() bool { return e.ActiveCount() == 1 }, time.Second, 5*time.Millisecond)
	e.Stop("exec-1")
	require.Eventually(t, func() bool { return e.ActiveCount() == 0 }, time.Second, 5*time.Millisecond)

	// One failed step outcome at most, and no completion message.
	assert.Nil(t, rep.completed())
}

func TestDuplicateExecuteIgnored(t *testing.T) {
	rep := &captureReporter{}
	block := make(chan struct{})
	runner := &scriptedRunner{blockOn: block}
	e := NewExecutor(runner, rep.report, 2, time.Second, nil)

	cmd := execCommand("exec-1", protocol.ActionNavigate)
	e.Execute(context.Background(), cmd)
	require.Eventually(t, func() bool { return e.ActiveCount() == 1 }, time.Second, 5*time.Millisecond)

	e.Execute(context.Background(), cmd)
	assert.Equal(t, 1, e.ActiveCount())

	close(block)
	waitForCompletion(t, rep)
}

func TestConcurrencyLimitQueuesExcessExecutions(t *testing.T) {
	rep := &captureReporter{}
	block := make(chan struct{})
	runner := &scriptedRunner{blockOn: block}
	e := NewExecutor(runner, rep.report, 1, time.Second, nil)

	e.Execute(context.Background(), execCommand("exec-1", protocol.ActionNavigate))
	e.Execute(context.Background(), execCommand("exec-2", protocol.ActionNavigate))

	// Both are tracked, but only one holds a worker slot.
	require.Eventually(t, func() bool {
		runner.mu.Lock()
		defer runner.mu.Unlock()
		return runner.calls == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, e.ActiveCount())

	close(block)
	require.Eventually(t, func() bool {
		runner.mu.Lock()
		defer runner.mu.Unlock()
		return runner.calls == 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStopAllCancelsEverything(t *testing.T) {
	rep := &captureReporter{}
	block := make(chan struct{})
	runner := &scriptedRunner{blockOn: block}
	e := NewExecutor(runner, rep.report, 5, time.Second, nil)

	e.Execute(context.Background(), execCommand("exec-1", protocol.ActionNavigate))
	e.Execute(context.Background(), execCommand("exec-2", protocol.ActionNavigate))
	require.Eventually(t, func() bool { return e.ActiveCount() == 2 }, time.Second, 5*time.Millisecond)

	e.StopAll()
	require.Eventually(t, func() bool { return e.ActiveCount() == 0 }, time.Second, 5*time.Millisecond)
}
