// ABOUTME: Simulated browser driver used when no real automation API is configured.
// ABOUTME: Deterministic-latency sessions with injectable failures for tests.

package automation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrSessionClosed is returned when a closed simulated session is used.
var ErrSessionClosed = errors.New("session closed")

// SimOpener produces simulated sessions. Failures can be injected per
// identity, either at open time or at a specific phase.
type SimOpener struct {
	mu          sync.Mutex
	latency     time.Duration
	openErr     map[string]error
	phaseErr    map[string]Phase
	opened      []string
	closedCount int
}

// NewSimOpener creates a simulated driver with no injected failures.
func NewSimOpener() *SimOpener {
	return &SimOpener{
		latency:  time.Millisecond,
		openErr:  make(map[string]error),
		phaseErr: make(map[string]Phase),
	}
}

// FailOpen makes Open fail for the given identity.
func (o *SimOpener) FailOpen(identity string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.openErr[identity] = fmt.Errorf("simulated open failure for %s", identity)
}

// FailAtPhase makes the identity's session fail when it performs the phase.
func (o *SimOpener) FailAtPhase(identity string, phase Phase) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.phaseErr[identity] = phase
}

// Open creates a simulated session for the identity.
func (o *SimOpener) Open(_ context.Context, identity string) (Session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.openErr[identity]; err != nil {
		return nil, err
	}
	o.opened = append(o.opened, identity)
	return &simSession{
		identity:  identity,
		latency:   o.latency,
		failPhase: o.phaseErr[identity],
		opener:    o,
	}, nil
}

// Opened returns the identities that successfully opened sessions.
func (o *SimOpener) Opened() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, len(o.opened))
	copy(out, o.opened)
	return out
}

// ClosedCount returns how many sessions have been closed.
func (o *SimOpener) ClosedCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closedCount
}

type simSession struct {
	identity  string
	latency   time.Duration
	failPhase Phase
	opener    *SimOpener

	mu     sync.Mutex
	closed bool
}

func (s *simSession) Perform(ctx context.Context, phase Phase, _ string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if s.failPhase != "" && s.failPhase == phase {
		return fmt.Errorf("simulated %s failure for %s", phase, s.identity)
	}
	return s.sleep(ctx)
}

func (s *simSession) Navigate(ctx context.Context, _ string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.sleep(ctx)
}

func (s *simSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	s.opener.mu.Lock()
	s.opener.closedCount++
	s.opener.mu.Unlock()
	return nil
}

func (s *simSession) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	return nil
}

func (s *simSession) sleep(ctx context.Context) error {
	select {
	case <-time.After(s.latency):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
