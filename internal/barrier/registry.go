// ABOUTME: Keyed async barriers correlating execution steps across agents.
// ABOUTME: Registry holds (batch, step) barriers with timeout, cancellation, and expiry sweep.

package barrier

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Defaults for the registry's background sweep.
const (
	DefaultStepTimeout   = 60 * time.Second
	DefaultSweepInterval = time.Minute
	DefaultExpiry        = 10 * time.Minute
)

// Key identifies one step barrier within a dispatched batch.
type Key struct {
	BatchID string
	Step    int
}

// StepBarrier is an async rendezvous for the executions of one batch at one
// script step. It releases when all expected participants have arrived, and
// is cancelled terminally on timeout or explicit cancellation.
type StepBarrier struct {
	key       Key
	total     int
	timeout   time.Duration
	createdAt time.Time

	mu        sync.Mutex
	arrived   map[string]struct{}
	released  bool
	cancelled bool
	done      chan struct{}
}

// newStepBarrier creates a barrier expecting total distinct participants.
func newStepBarrier(key Key, total int, timeout time.Duration) *StepBarrier {
	return &StepBarrier{
		key:       key,
		total:     total,
		timeout:   timeout,
		createdAt: time.Now(),
		arrived:   make(map[string]struct{}),
		done:      make(chan struct{}),
	}
}

// arrive records a participant without blocking. It returns released=true
// once the barrier has released; an arrival after release is a no-op that
// still reports success.
func (b *StepBarrier) arrive(executionID string) (released, cancelled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.released {
		return true, false
	}
	if b.cancelled {
		return false, true
	}
	b.arrived[executionID] = struct{}{}
	if len(b.arrived) >= b.total {
		b.released = true
		close(b.done)
	}
	return b.released, false
}

// wait blocks until release, cancellation, timeout, or context cancellation.
// Timeouts are terminal: the barrier flips to cancelled and every waiter is
// released with a failure signal.
func (b *StepBarrier) wait(ctx context.Context, executionID string) bool {
	released, cancelled := b.arrive(executionID)
	if released {
		return true
	}
	if cancelled {
		return false
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case <-b.done:
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.released
	case <-timer.C:
		b.mu.Lock()
		defer b.mu.Unlock()
		if !b.released && !b.cancelled {
			b.cancelled = true
			close(b.done)
		}
		return b.released
	case <-ctx.Done():
		return false
	}
}

// cancel terminally cancels the barrier, releasing all waiters with failure.
// Cancelling an already-terminal barrier is a no-op.
func (b *StepBarrier) cancel() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released || b.cancelled {
		return
	}
	b.cancelled = true
	close(b.done)
}

// expired reports whether the barrier is older than threshold, regardless of
// its terminal state.
func (b *StepBarrier) expired(threshold time.Duration) bool {
	return time.Since(b.createdAt) > threshold
}

// Arrived returns the number of distinct participants seen so far.
func (b *StepBarrier) Arrived() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.arrived)
}

// Released reports whether the barrier released successfully.
func (b *StepBarrier) Released() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.released
}

// Cancelled reports whether the barrier was cancelled or timed out.
func (b *StepBarrier) Cancelled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancelled
}

// Registry tracks step barriers by (batch, step) key. One lock protects the
// map's structural mutations; each barrier's release machinery is
// independent so concurrent phases do not serialize on the registry.
type Registry struct {
	mu       sync.Mutex
	barriers map[Key]*StepBarrier

	stepTimeout   time.Duration
	sweepInterval time.Duration
	expiry        time.Duration
	logger        *slog.Logger
}

// RegistryParams configures a barrier registry. Zero durations fall back to
// the package defaults.
type RegistryParams struct {
	StepTimeout   time.Duration
	SweepInterval time.Duration
	Expiry        time.Duration
	Logger        *slog.Logger
}

// NewRegistry creates an empty barrier registry.
func NewRegistry(params RegistryParams) *Registry {
	if params.StepTimeout <= 0 {
		params.StepTimeout = DefaultStepTimeout
	}
	if params.SweepInterval <= 0 {
		params.SweepInterval = DefaultSweepInterval
	}
	if params.Expiry <= 0 {
		params.Expiry = DefaultExpiry
	}
	if params.Logger == nil {
		params.Logger = slog.Default()
	}
	return &Registry{
		barriers:      make(map[Key]*StepBarrier),
		stepTimeout:   params.StepTimeout,
		sweepInterval: params.SweepInterval,
		expiry:        params.Expiry,
		logger:        params.Logger.With("component", "barriers"),
	}
}

// CreateBarrier registers a barrier for (batchID, step) expecting total
// participants. If the key already exists the existing barrier is returned,
// so concurrent creators converge on one instance.
func (r *Registry) CreateBarrier(batchID string, step, total int) *StepBarrier {
	key := Key{BatchID: batchID, Step: step}

	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.barriers[key]; ok {
		return b
	}
	b := newStepBarrier(key, total, r.stepTimeout)
	r.barriers[key] = b
	r.logger.Debug("barrier created",
		"batch_id", batchID,
		"step", step,
		"participants", total,
	)
	return b
}

// Await blocks the calling goroutine at (batchID, step) until the barrier
// releases, is cancelled, or times out. Waiting at a nonexistent barrier
// fails immediately — there is nothing to synchronize with.
func (r *Registry) Await(ctx context.Context, batchID string, step int, executionID string) bool {
	b := r.get(batchID, step)
	if b == nil {
		r.logger.Warn("await on missing barrier", "batch_id", batchID, "step", step)
		return false
	}
	ok := b.wait(ctx, executionID)
	if !ok {
		r.logger.Warn("barrier wait failed",
			"batch_id", batchID,
			"step", step,
			"execution_id", executionID,
		)
	}
	return ok
}

// Arrive records a participant at (batchID, step) without blocking, used
// when arrival is inferred from agent progress reports rather than a
// suspended caller. Returns true once the barrier has released. Arriving at
// a nonexistent barrier is a no-op.
func (r *Registry) Arrive(batchID string, step int, executionID string) bool {
	b := r.get(batchID, step)
	if b == nil {
		return false
	}
	released, _ := b.arrive(executionID)
	if released {
		r.logger.Debug("barrier released", "batch_id", batchID, "step", step)
	}
	return released
}

// Cancel terminally cancels the barrier at (batchID, step) if it exists.
func (r *Registry) Cancel(batchID string, step int) {
	if b := r.get(batchID, step); b != nil {
		b.cancel()
		r.logger.Info("barrier cancelled", "batch_id", batchID, "step", step)
	}
}

// Remove deletes the barrier at (batchID, step). Removing an absent key is
// safe.
func (r *Registry) Remove(batchID string, step int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.barriers, Key{BatchID: batchID, Step: step})
}

// Len returns the number of tracked barriers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.barriers)
}

func (r *Registry) get(batchID string, step int) *StepBarrier {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.barriers[Key{BatchID: batchID, Step: step}]
}

// Run executes the expiry sweep until ctx is cancelled. Barriers older than
// the expiry threshold are cancelled and removed regardless of state, so an
// agent that never reports back cannot leak a barrier forever.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-ctx.Done():
			return
		}
	}
}

// sweep removes every expired barrier.
func (r *Registry) sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for key, b := range r.barriers {
		if b.expired(r.expiry) {
			b.cancel()
			delete(r.barriers, key)
			removed++
		}
	}
	if removed > 0 {
		r.logger.Info("expired barriers cleaned", "count", removed)
	}
}
