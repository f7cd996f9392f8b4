// ABOUTME: Tests for the keyed step-barrier registry.
// ABOUTME: Covers release at the k-th arrival, idempotent create, timeout, and expiry sweep.

package barrier

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, stepTimeout time.Duration) *Registry {
	t.Helper()
	return NewRegistry(RegistryParams{StepTimeout: stepTimeout})
}

func TestRegistry_CreateIsIdempotent(t *testing.T) {
	r := newTestRegistry(t, time.Second)

	a := r.CreateBarrier("batch-1", 0, 3)
	b := r.CreateBarrier("batch-1", 0, 99)
	assert.Same(t, a, b)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_ReleasesAtKthArrival(t *testing.T) {
	r := newTestRegistry(t, 5*time.Second)
	r.CreateBarrier("batch-1", 2, 3)
	ctx := context.Background()

	results := make(chan bool, 3)
	var wg sync.WaitGroup
	for _, id := range []string{"e1", "e2", "e3"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			results <- r.Await(ctx, "batch-1", 2, id)
		}(id)
	}
	wg.Wait()
	close(results)

	for ok := range results {
		assert.True(t, ok)
	}
}

func TestRegistry_ArrivalAfterReleaseStillSucceeds(t *testing.T) {
	r := newTestRegistry(t, time.Second)
	b := r.CreateBarrier("batch-1", 0, 2)

	assert.False(t, r.Arrive("batch-1", 0, "e1"))
	assert.True(t, r.Arrive("batch-1", 0, "e2"))
	require.True(t, b.Released())

	// The (k+1)-th arrival is a no-op that still reports success.
	assert.True(t, r.Arrive("batch-1", 0, "e3"))
	assert.True(t, r.Await(context.Background(), "batch-1", 0, "e4"))
}

func TestRegistry_DuplicateArrivalsCountOnce(t *testing.T) {
	r := newTestRegistry(t, time.Second)
	b := r.CreateBarrier("batch-1", 0, 2)

	r.Arrive("batch-1", 0, "e1")
	r.Arrive("batch-1", 0, "e1")
	assert.Equal(t, 1, b.Arrived())
	assert.False(t, b.Released())
}

func TestRegistry_TimeoutIsTerminal(t *testing.T) {
	r := newTestRegistry(t, 50*time.Millisecond)
	b := r.CreateBarrier("batch-1", 0, 2)

	ok := r.Await(context.Background(), "batch-1", 0, "e1")
	require.False(t, ok)
	assert.True(t, b.Cancelled())

	// A late arrival at a cancelled barrier fails; timeouts are not retried.
	assert.False(t, r.Await(context.Background(), "batch-1", 0, "e2"))
}

func TestRegistry_CancelReleasesWaitersWithFailure(t *testing.T) {
	r := newTestRegistry(t, 5*time.Second)
	r.CreateBarrier("batch-1", 0, 2)

	done := make(chan bool, 1)
	go func() { done <- r.Await(context.Background(), "batch-1", 0, "e1") }()

	time.Sleep(50 * time.Millisecond)
	r.Cancel("batch-1", 0)

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not released by cancel")
	}
}

func TestRegistry_AwaitMissingBarrierFails(t *testing.T) {
	r := newTestRegistry(t, time.Second)
	assert.False(t, r.Await(context.Background(), "nope", 0, "e1"))
}

func TestRegistry_RemoveIsIdempotent(t *testing.T) {
	r := newTestRegistry(t, time.Second)
	r.CreateBarrier("batch-1", 0, 1)

	r.Remove("batch-1", 0)
	r.Remove("batch-1", 0)
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_SweepRemovesExpiredRegardlessOfState(t *testing.T) {
	r := NewRegistry(RegistryParams{
		StepTimeout: time.Second,
		Expiry:      50 * time.Millisecond,
	})
	r.CreateBarrier("abandoned", 0, 5)
	released := r.CreateBarrier("finished", 0, 1)
	r.Arrive("finished", 0, "e1")
	require.True(t, released.Released())

	time.Sleep(100 * time.Millisecond)
	r.sweep()

	assert.Equal(t, 0, r.Len())

	// Sweeping again with nothing left is safe.
	r.sweep()
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_ContextCancellationReleasesWaiter(t *testing.T) {
	r := newTestRegistry(t, 5*time.Second)
	r.CreateBarrier("batch-1", 0, 2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool, 1)
	go func() { done <- r.Await(ctx, "batch-1", 0, "e1") }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not released by context cancellation")
	}
}
