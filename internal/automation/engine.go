// ABOUTME: In-process parallel browser automation engine for coordinated batch runs.
// ABOUTME: Drives N sessions through lockstep phases with a bounded worker pool.

package automation

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/warmfleet/orchestrator/internal/barrier"
)

// Phase is one step of a coordinated interaction. Every live session
// rendezvouses at each phase boundary so the fleet acts in lockstep.
type Phase string

// Coordinated search phases, in execution order.
const (
	PhaseLocate Phase = "locate"
	PhaseClick  Phase = "click"
	PhaseType   Phase = "type"
	PhaseSubmit Phase = "submit"
	PhaseVerify Phase = "verify"
)

// SearchPhases returns the ordered phase sequence for a coordinated search.
func SearchPhases() []Phase {
	return []Phase{PhaseLocate, PhaseClick, PhaseType, PhaseSubmit, PhaseVerify}
}

// Session is one live browser session under engine control.
type Session interface {
	// Perform executes one phase of the coordinated interaction.
	Perform(ctx context.Context, phase Phase, query string) error

	// Navigate loads a URL in the session.
	Navigate(ctx context.Context, url string) error

	// Close releases the underlying browser resources.
	Close() error
}

// Opener produces sessions for identities. Implementations wrap whatever
// local browser automation API is available.
type Opener interface {
	Open(ctx context.Context, identity string) (Session, error)
}

// DefaultBarrierWait bounds how long a session waits for its peers at a
// phase boundary before giving up on synchronization.
const DefaultBarrierWait = 30 * time.Second

// Result is the outcome for one identity in a batch.
type Result struct {
	Identity string        `json:"identity"`
	Success  bool          `json:"success"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// BatchResult aggregates one batch run.
type BatchResult struct {
	Total      int      `json:"total"`
	Successful int      `json:"successful"`
	Failed     int      `json:"failed"`
	Results    []Result `json:"results"`
}

// Engine runs batches of parallel sessions in this process. Concurrency is
// bounded by a weighted semaphore; synchronization between sessions uses one
// rendezvous barrier per phase.
type Engine struct {
	opener      Opener
	maxParallel int
	barrierWait time.Duration
	logger      *slog.Logger
}

// Params configures an Engine. A zero MaxParallel means unbounded (one
// worker per identity); a zero BarrierWait falls back to the default.
type Params struct {
	Opener      Opener
	MaxParallel int
	BarrierWait time.Duration
	Logger      *slog.Logger
}

// NewEngine creates an engine. A nil Opener gets the simulated driver.
func NewEngine(params Params) *Engine {
	if params.Opener == nil {
		params.Opener = NewSimOpener()
	}
	if params.BarrierWait <= 0 {
		params.BarrierWait = DefaultBarrierWait
	}
	if params.Logger == nil {
		params.Logger = slog.Default()
	}
	return &Engine{
		opener:      params.Opener,
		maxParallel: params.MaxParallel,
		barrierWait: params.BarrierWait,
		logger:      params.Logger.With("component", "automation"),
	}
}

// RunSearch drives every identity through the coordinated search phases in
// lockstep. A session that fails any phase is marked failed on every barrier
// so the survivors keep moving; its browser is closed regardless.
func (e *Engine) RunSearch(ctx context.Context, identities []string, query string) *BatchResult {
	n := len(identities)
	out := &BatchResult{Total: n}
	if n == 0 {
		return out
	}

	phases := SearchPhases()
	barriers := make(map[Phase]*barrier.SyncBarrier, len(phases))
	for _, p := range phases {
		barriers[p] = barrier.NewSyncBarrier(n)
	}

	workers := e.maxParallel
	if workers <= 0 || workers > n {
		workers = n
	}
	sem := semaphore.NewWeighted(int64(workers))

	results := make([]Result, n)
	var wg sync.WaitGroup
	for i, identity := range identities {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = e.runSearchSession(ctx, sem, barriers, identity, query)
		}()
	}
	wg.Wait()

	for _, r := range results {
		if r.Success {
			out.Successful++
		} else {
			out.Failed++
		}
	}
	out.Results = results

	e.logger.Info("search batch finished",
		"total", out.Total,
		"successful", out.Successful,
		"failed", out.Failed,
		"query", query,
	)
	return out
}

// runSearchSession is the worker body for one identity.
func (e *Engine) runSearchSession(ctx context.Context, sem *semaphore.Weighted, barriers map[Phase]*barrier.SyncBarrier, identity, query string) Result {
	start := time.Now()
	fail := func(err error) Result {
		for _, b := range barriers {
			b.MarkFailed(identity)
		}
		e.logger.Warn("session failed", "identity", identity, "error", err)
		return Result{Identity: identity, Duration: time.Since(start), Error: err.Error()}
	}

	if err := sem.Acquire(ctx, 1); err != nil {
		return fail(fmt.Errorf("acquiring worker slot: %w", err))
	}
	defer sem.Release(1)

	sess, err := e.opener.Open(ctx, identity)
	if err != nil {
		return fail(fmt.Errorf("opening session: %w", err))
	}
	defer sess.Close()

	for _, phase := range phases(barriers) {
		// A timed-out rendezvous is fatal for this session: acting out of
		// step would break the lockstep guarantee for the peers.
		if !barriers[phase].Wait(identity, e.barrierWait) {
			return fail(fmt.Errorf("phase %s: rendezvous timed out", phase))
		}
		if err := sess.Perform(ctx, phase, query); err != nil {
			return fail(fmt.Errorf("phase %s: %w", phase, err))
		}
	}

	return Result{Identity: identity, Success: true, Duration: time.Since(start)}
}

// phases returns the ordered subset of SearchPhases present in the map.
func phases(barriers map[Phase]*barrier.SyncBarrier) []Phase {
	ordered := make([]Phase, 0, len(barriers))
	for _, p := range SearchPhases() {
		if _, ok := barriers[p]; ok {
			ordered = append(ordered, p)
		}
	}
	return ordered
}

// NavigateOptions tunes a navigation batch.
type NavigateOptions struct {
	// Randomize shuffles the URL order independently per session.
	Randomize bool

	// Stay is how long each session lingers on a page before moving on.
	Stay time.Duration
}

// RunNavigate sends every identity through a list of URLs. Navigation
// batches are independent browsing, so no barriers: sessions proceed at
// their own pace.
func (e *Engine) RunNavigate(ctx context.Context, identities, urls []string, opts NavigateOptions) *BatchResult {
	n := len(identities)
	out := &BatchResult{Total: n}
	if n == 0 || len(urls) == 0 {
		return out
	}

	workers := e.maxParallel
	if workers <= 0 || workers > n {
		workers = n
	}
	sem := semaphore.NewWeighted(int64(workers))

	results := make([]Result, n)
	var wg sync.WaitGroup
	for i, identity := range identities {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = e.runNavigateSession(ctx, sem, identity, urls, opts)
		}()
	}
	wg.Wait()

	for _, r := range results {
		if r.Success {
			out.Successful++
		} else {
			out.Failed++
		}
	}
	out.Results = results
	return out
}

func (e *Engine) runNavigateSession(ctx context.Context, sem *semaphore.Weighted, identity string, urls []string, opts NavigateOptions) Result {
	start := time.Now()
	fail := func(err error) Result {
		e.logger.Warn("navigation session failed", "identity", identity, "error", err)
		return Result{Identity: identity, Duration: time.Since(start), Error: err.Error()}
	}

	if err := sem.Acquire(ctx, 1); err != nil {
		return fail(fmt.Errorf("acquiring worker slot: %w", err))
	}
	defer sem.Release(1)

	sess, err := e.opener.Open(ctx, identity)
	if err != nil {
		return fail(fmt.Errorf("opening session: %w", err))
	}
	defer sess.Close()

	order := urls
	if opts.Randomize {
		order = make([]string, len(urls))
		copy(order, urls)
		rand.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}

	for _, url := range order {
		if err := sess.Navigate(ctx, url); err != nil {
			return fail(fmt.Errorf("navigating to %s: %w", url, err))
		}
		if opts.Stay > 0 {
			select {
			case <-time.After(opts.Stay):
			case <-ctx.Done():
				return fail(ctx.Err())
			}
		}
	}

	return Result{Identity: identity, Success: true, Duration: time.Since(start)}
}
