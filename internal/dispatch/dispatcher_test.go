// ABOUTME: Tests for the fleet dispatcher.
// ABOUTME: Covers offline skips, send failure isolation, barrier sizing, and stop semantics.

package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warmfleet/orchestrator/internal/barrier"
	"github.com/warmfleet/orchestrator/internal/protocol"
	"github.com/warmfleet/orchestrator/internal/store"
)

// fakeAgents simulates the connection registry with a fixed online set.
type fakeAgents struct {
	mu      sync.Mutex
	online  map[string]bool
	sent    map[string][]any
	sendErr map[string]error
	onSend  func(computerID string, msg any)
}

func newFakeAgents(online ...string) *fakeAgents {
	f := &fakeAgents{
		online:  make(map[string]bool),
		sent:    make(map[string][]any),
		sendErr: make(map[string]error),
	}
	for _, id := range online {
		f.online[id] = true
	}
	return f
}

func (f *fakeAgents) IsConnected(computerID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online[computerID]
}

func (f *fakeAgents) Send(_ context.Context, computerID string, msg any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.onSend != nil {
		f.onSend(computerID, msg)
	}
	if err := f.sendErr[computerID]; err != nil {
		return err
	}
	f.sent[computerID] = append(f.sent[computerID], msg)
	return nil
}

func (f *fakeAgents) sentTo(computerID string) []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[computerID]
}

func setupDispatcher(t *testing.T, agents AgentSender) (*Dispatcher, store.Store) {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	barriers := barrier.NewRegistry(barrier.RegistryParams{})
	return New(st, agents, barriers, nil), st
}

func seedFleet(t *testing.T, st store.Store) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, st.CreateComputer(ctx, &store.Computer{ID: "comp-a", Name: "rack-a"}))
	require.NoError(t, st.CreateComputer(ctx, &store.Computer{ID: "comp-b", Name: "rack-b"}))

	require.NoError(t, st.CreateProfile(ctx, &store.Profile{ID: "prof-1", ComputerID: "comp-a", Name: "p1", AutomationID: "aw-1"}))
	require.NoError(t, st.CreateProfile(ctx, &store.Profile{ID: "prof-2", ComputerID: "comp-b", Name: "p2", AutomationID: "aw-2"}))
	require.NoError(t, st.CreateProfile(ctx, &store.Profile{ID: "prof-3", ComputerID: "comp-a", Name: "p3", AutomationID: "aw-3"}))

	require.NoError(t, st.CreateScript(ctx, &store.Script{
		ID:   "script-1",
		Name: "browse",
		Actions: []protocol.Action{
			{Type: protocol.ActionNavigate, Params: map[string]any{"url": "https://example.com"}},
			{Type: protocol.ActionScroll},
		},
	}))
}

func TestDispatchSkipsOfflineComputers(t *testing.T) {
	agents := newFakeAgents("comp-a") // comp-b stays offline
	d, st := setupDispatcher(t, agents)
	seedFleet(t, st)
	ctx := context.Background()

	summary, err := d.Dispatch(ctx, "script-1", []string{"prof-1", "prof-2", "prof-3"}, Options{})
	require.NoError(t, err)

	assert.Equal(t, 3, summary.TotalRequested)
	assert.Equal(t, 2, summary.Executed)
	assert.Equal(t, 1, summary.Skipped)
	assert.Len(t, summary.ExecutionIDs, 2)
	assert.Contains(t, summary.Message, "1 profiles skipped")

	// Exactly one execution record per launched profile, none for skipped.
	execs, err := st.ListExecutionsByBatch(ctx, summary.BatchID)
	require.NoError(t, err)
	require.Len(t, execs, 2)
	for _, e := range execs {
		assert.Equal(t, store.ExecutionQueued, e.Status)
		assert.Equal(t, "comp-a", e.ComputerID)
	}

	assert.Len(t, agents.sentTo("comp-a"), 2)
	assert.Empty(t, agents.sentTo("comp-b"))
}

func TestDispatchUnknownScript(t *testing.T) {
	d, st := setupDispatcher(t, newFakeAgents())
	seedFleet(t, st)

	_, err := d.Dispatch(context.Background(), "ghost", []string{"prof-1"}, Options{})
	assert.ErrorIs(t, err, ErrScriptNotFound)
}

func TestDispatchNoValidProfiles(t *testing.T) {
	d, st := setupDispatcher(t, newFakeAgents("comp-a"))
	seedFleet(t, st)
	ctx := context.Background()

	_, err := d.Dispatch(ctx, "script-1", []string{"ghost-1", "ghost-2"}, Options{})
	assert.ErrorIs(t, err, ErrNoValidProfiles)

	// Validation failed before side effects: usage counter untouched.
	script, err := st.GetScript(ctx, "script-1")
	require.NoError(t, err)
	assert.Equal(t, 0, script.TimesUsed)
}

func TestDispatchMissingProfileIsWarnedAndSkipped(t *testing.T) {
	d, st := setupDispatcher(t, newFakeAgents("comp-a", "comp-b"))
	seedFleet(t, st)

	summary, err := d.Dispatch(context.Background(), "script-1", []string{"prof-1", "ghost"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Executed)
	assert.Equal(t, 1, summary.Skipped)
	require.Len(t, summary.Warnings, 1)
	assert.Contains(t, summary.Warnings[0], "ghost")
}

func TestDispatchSendFailureDoesNotAbortSiblings(t *testing.T) {
	agents := newFakeAgents("comp-a", "comp-b")
	agents.sendErr["comp-b"] = errors.New("broken pipe")
	d, st := setupDispatcher(t, agents)
	seedFleet(t, st)
	ctx := context.Background()

	summary, err := d.Dispatch(ctx, "script-1", []string{"prof-1", "prof-2"}, Options{})
	require.NoError(t, err)

	// Both executions exist; the undeliverable one stays queued with a warning.
	assert.Equal(t, 2, summary.Executed)
	execs, err := st.ListExecutionsByBatch(ctx, summary.BatchID)
	require.NoError(t, err)
	assert.Len(t, execs, 2)
	require.NotEmpty(t, summary.Warnings)
	assert.Contains(t, summary.Warnings[len(summary.Warnings)-1], "comp-b")
}

func TestDispatchIncrementsUsageOncePerBatch(t *testing.T) {
	d, st := setupDispatcher(t, newFakeAgents("comp-a"))
	seedFleet(t, st)
	ctx := context.Background()

	_, err := d.Dispatch(ctx, "script-1", []string{"prof-1", "prof-3"}, Options{})
	require.NoError(t, err)

	script, err := st.GetScript(ctx, "script-1")
	require.NoError(t, err)
	assert.Equal(t, 1, script.TimesUsed)
}

func TestDispatchCommandCarriesAutomationID(t *testing.T) {
	agents := newFakeAgents("comp-a")
	d, st := setupDispatcher(t, agents)
	seedFleet(t, st)

	_, err := d.Dispatch(context.Background(), "script-1", []string{"prof-1"}, Options{})
	require.NoError(t, err)

	sent := agents.sentTo("comp-a")
	require.Len(t, sent, 1)
	cmd, ok := sent[0].(*protocol.ExecuteWarming)
	require.True(t, ok)
	assert.Equal(t, protocol.KindExecuteWarming, cmd.Type)
	assert.Equal(t, "aw-1", cmd.ProfileID, "agents address profiles by automation id")
	assert.Len(t, cmd.Actions, 2)
}

func TestDispatchSizesBarriersToLaunchedCount(t *testing.T) {
	agents := newFakeAgents("comp-a") // comp-b offline, so prof-2 is skipped
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	seedFleet(t, st)

	barriers := barrier.NewRegistry(barrier.RegistryParams{})
	d := New(st, agents, barriers, nil)

	summary, err := d.Dispatch(context.Background(), "script-1",
		[]string{"prof-1", "prof-2", "prof-3"}, Options{SyncSteps: []int{1}})
	require.NoError(t, err)
	require.Equal(t, 2, summary.Executed)
	require.Equal(t, 1, barriers.Len())

	// Two arrivals release the barrier; the skipped profile is not expected.
	assert.False(t, barriers.Arrive(summary.BatchID, 1, summary.ExecutionIDs[0]))
	assert.True(t, barriers.Arrive(summary.BatchID, 1, summary.ExecutionIDs[1]))
}

func TestDispatchRegistersBarriersBeforeSending(t *testing.T) {
	agents := newFakeAgents("comp-a")
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	seedFleet(t, st)

	barriers := barrier.NewRegistry(barrier.RegistryParams{})
	d := New(st, agents, barriers, nil)

	// An agent can report a sync step the moment its command arrives, so
	// every step barrier must already exist at send time.
	var seen []int
	agents.onSend = func(string, any) {
		seen = append(seen, barriers.Len())
	}

	_, err = d.Dispatch(context.Background(), "script-1",
		[]string{"prof-1", "prof-3"}, Options{SyncSteps: []int{0, 1}})
	require.NoError(t, err)

	require.Len(t, seen, 2)
	for _, n := range seen {
		assert.Equal(t, 2, n, "both step barriers registered before any send")
	}
}

func TestStopSendsCommandAndCancels(t *testing.T) {
	agents := newFakeAgents("comp-a")
	d, st := setupDispatcher(t, agents)
	seedFleet(t, st)
	ctx := context.Background()

	summary, err := d.Dispatch(ctx, "script-1", []string{"prof-1"}, Options{})
	require.NoError(t, err)
	execID := summary.ExecutionIDs[0]

	require.NoError(t, d.Stop(ctx, execID))

	exec, err := st.GetExecution(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, store.ExecutionCancelled, exec.Status)

	sent := agents.sentTo("comp-a")
	require.Len(t, sent, 2)
	stop, ok := sent[1].(*protocol.StopWarming)
	require.True(t, ok)
	assert.Equal(t, execID, stop.ExecutionID)
}

func TestStopOfflineAgentStillCancelsRecord(t *testing.T) {
	agents := newFakeAgents("comp-a")
	d, st := setupDispatcher(t, agents)
	seedFleet(t, st)
	ctx := context.Background()

	summary, err := d.Dispatch(ctx, "script-1", []string{"prof-1"}, Options{})
	require.NoError(t, err)
	execID := summary.ExecutionIDs[0]

	// Agent drops off before the stop request.
	agents.mu.Lock()
	agents.online["comp-a"] = false
	agents.mu.Unlock()

	require.NoError(t, d.Stop(ctx, execID))
	exec, err := st.GetExecution(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, store.ExecutionCancelled, exec.Status)
}

func TestStopTerminalExecutionIsNoOp(t *testing.T) {
	agents := newFakeAgents("comp-a")
	d, st := setupDispatcher(t, agents)
	seedFleet(t, st)
	ctx := context.Background()

	summary, err := d.Dispatch(ctx, "script-1", []string{"prof-1"}, Options{})
	require.NoError(t, err)
	execID := summary.ExecutionIDs[0]

	require.NoError(t, st.UpdateExecutionStatus(ctx, execID, store.ExecutionUpdate{Status: store.ExecutionCompleted}))
	require.NoError(t, d.Stop(ctx, execID))

	exec, err := st.GetExecution(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, store.ExecutionCompleted, exec.Status)
	// No stop command for an already-finished execution.
	assert.Len(t, agents.sentTo("comp-a"), 1)
}

func TestStopUnknownExecution(t *testing.T) {
	d, _ := setupDispatcher(t, newFakeAgents())
	err := d.Stop(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrExecutionUnknown)
}
