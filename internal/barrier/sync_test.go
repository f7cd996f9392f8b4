// ABOUTME: Tests for the thread rendezvous barrier.
// ABOUTME: Covers full release, failure exclusion, timeout advance, and generation reuse.

package barrier

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncBarrier_AllArriveRelease(t *testing.T) {
	const n = 4
	b := NewSyncBarrier(n)

	results := make(chan bool, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			results <- b.Wait(fmt.Sprintf("p%d", id), 5*time.Second)
		}(i)
	}
	wg.Wait()
	close(results)

	for ok := range results {
		assert.True(t, ok)
	}
}

func TestSyncBarrier_FailedParticipantDoesNotWedgeSurvivors(t *testing.T) {
	b := NewSyncBarrier(3)

	results := make(chan bool, 2)
	var wg sync.WaitGroup
	for _, id := range []string{"p1", "p3"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			results <- b.Wait(id, 5*time.Second)
		}(id)
	}

	// Give the survivors time to block, then fail the third participant.
	time.Sleep(50 * time.Millisecond)
	b.MarkFailed("p2")

	wg.Wait()
	close(results)
	for ok := range results {
		assert.True(t, ok)
	}
	assert.Equal(t, 2, b.Active())
}

func TestSyncBarrier_FailedBeforeArrivalReleasesImmediately(t *testing.T) {
	b := NewSyncBarrier(2)
	b.MarkFailed("p2")

	// Only one active participant remains, so a single arrival releases.
	done := make(chan bool, 1)
	go func() { done <- b.Wait("p1", time.Second) }()

	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("barrier did not release")
	}
}

func TestSyncBarrier_TimeoutReturnsFalse(t *testing.T) {
	b := NewSyncBarrier(2)

	start := time.Now()
	ok := b.Wait("p1", 100*time.Millisecond)
	require.False(t, ok)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSyncBarrier_WaitAfterAllFailed(t *testing.T) {
	b := NewSyncBarrier(2)
	b.MarkFailed("p1")
	b.MarkFailed("p2")

	assert.False(t, b.Wait("p3", time.Second))
	assert.Equal(t, 0, b.Active())
}

func TestSyncBarrier_FailedParticipantCannotWait(t *testing.T) {
	b := NewSyncBarrier(3)
	b.MarkFailed("p2")

	assert.False(t, b.Wait("p2", time.Second))
}

func TestSyncBarrier_MarkFailedTwiceIsNoOp(t *testing.T) {
	b := NewSyncBarrier(3)
	b.MarkFailed("p1")
	b.MarkFailed("p1")
	assert.Equal(t, 2, b.Active())
}

func TestSyncBarrier_ReusableAcrossGenerations(t *testing.T) {
	const n = 3
	const phases = 4
	b := NewSyncBarrier(n)

	var failures int64
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for p := 0; p < phases; p++ {
				if !b.Wait(fmt.Sprintf("p%d", id), 5*time.Second) {
					mu.Lock()
					failures++
					mu.Unlock()
					return
				}
			}
		}(i)
	}
	wg.Wait()

	assert.Zero(t, failures)
}

func TestSyncBarrier_TimeoutAdvancesGenerationForNextPhase(t *testing.T) {
	b := NewSyncBarrier(2)

	// First phase times out with only one arrival.
	require.False(t, b.Wait("p1", 50*time.Millisecond))

	// The forced advance must leave the barrier usable: both arriving in the
	// next phase still releases.
	results := make(chan bool, 2)
	var wg sync.WaitGroup
	for _, id := range []string{"p1", "p2"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			results <- b.Wait(id, 5*time.Second)
		}(id)
	}
	wg.Wait()
	close(results)
	for ok := range results {
		assert.True(t, ok)
	}
}
