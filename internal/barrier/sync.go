// ABOUTME: N-party rendezvous for threads driving parallel browser sessions.
// ABOUTME: Generation-counted release with timeout-forced advance and failure accounting.

package barrier

import (
	"sync"
	"time"
)

// round is one generation of the barrier. Its channel is closed exactly once
// when the generation ends; ok records whether that end was a release or a
// timeout-forced advance.
type round struct {
	release chan struct{}
	ok      bool
	ended   bool
}

// SyncBarrier blocks calling goroutines until every active participant has
// arrived for the current generation. A participant marked failed is removed
// from the active set so survivors are not stuck waiting for it. A timeout
// forcibly advances the generation so a dead participant cannot wedge the
// next phase.
//
// The release check is stamped with a locally-captured generation: a waiter
// woken by a stale generation re-checks instead of assuming release.
type SyncBarrier struct {
	mu      sync.Mutex
	arrived int
	active  int
	failed  map[string]struct{}
	cur     *round
}

// NewSyncBarrier creates a barrier expecting the given number of participants.
func NewSyncBarrier(participants int) *SyncBarrier {
	return &SyncBarrier{
		active: participants,
		failed: make(map[string]struct{}),
		cur:    &round{release: make(chan struct{})},
	}
}

// endRoundLocked closes the current generation and opens the next one.
// Must be called with mu held, and only for a round that has not ended.
func (b *SyncBarrier) endRoundLocked(ok bool) {
	b.cur.ok = ok
	b.cur.ended = true
	close(b.cur.release)
	b.arrived = 0
	b.cur = &round{release: make(chan struct{})}
}

// Wait blocks until all active participants have arrived for the current
// generation, returning true, or until the timeout elapses, returning false.
// A participant already marked failed, or a barrier with no active
// participants left, returns false immediately.
func (b *SyncBarrier) Wait(participantID string, timeout time.Duration) bool {
	b.mu.Lock()
	if b.active == 0 {
		b.mu.Unlock()
		return false
	}
	if _, dead := b.failed[participantID]; dead {
		b.mu.Unlock()
		return false
	}

	b.arrived++
	if b.arrived >= b.active {
		b.endRoundLocked(true)
		b.mu.Unlock()
		return true
	}
	r := b.cur
	b.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-r.release:
		return r.ok
	case <-timer.C:
		b.mu.Lock()
		defer b.mu.Unlock()
		if !r.ended {
			// First to observe the timeout forces the advance; the mutex
			// guarantees only one goroutine bumps the generation.
			b.endRoundLocked(false)
			return false
		}
		return r.ok
	}
}

// MarkFailed removes a participant from the active set. If the remaining
// active participants have all arrived, the barrier releases immediately.
// Marking the same participant twice is a no-op.
func (b *SyncBarrier) MarkFailed(participantID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.failed[participantID]; ok {
		return
	}
	b.failed[participantID] = struct{}{}
	if b.active > 0 {
		b.active--
	}
	if b.active > 0 && b.arrived >= b.active {
		b.endRoundLocked(true)
	}
}

// Active returns the number of participants still eligible to arrive.
func (b *SyncBarrier) Active() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}
