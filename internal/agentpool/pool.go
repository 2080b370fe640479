// Package agentpool bounds concurrent coding-agent invocations and keeps at
// most one invocation in flight per run.
package agentpool

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ErrBusy is returned when the run already has an invocation in flight.
var ErrBusy = errors.New("agent invocation already in flight for run")

// Pool limits concurrent agent processes using a weighted semaphore.
type Pool struct {
	sem *semaphore.Weighted
	wg  sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]struct{}
}

// New creates a Pool that allows at most limit concurrent invocations.
func New(limit int) *Pool {
	if limit < 1 {
		limit = 1
	}
	return &Pool{
		sem:      semaphore.NewWeighted(int64(limit)),
		inflight: make(map[string]struct{}),
	}
}

func (p *Pool) claim(runID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inflight[runID]; ok {
		return false
	}
	p.inflight[runID] = struct{}{}
	return true
}

func (p *Pool) release(runID string) {
	p.mu.Lock()
	delete(p.inflight, runID)
	p.mu.Unlock()
}

// Run acquires a slot for runID, runs fn, and releases the slot. It blocks
// while all slots are busy and returns ctx.Err() if ctx ends first.
func (p *Pool) Run(ctx context.Context, runID string, fn func(context.Context) error) error {
	if !p.claim(runID) {
		return ErrBusy
	}
	defer p.release(runID)
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	return fn(ctx)
}

// Go runs fn in the background under the same limits as Run. It returns
// ErrBusy immediately when runID is already in flight. Errors from fn are
// logged; fn is expected to record its own outcome.
func (p *Pool) Go(ctx context.Context, runID string, log *slog.Logger, fn func(context.Context) error) error {
	if !p.claim(runID) {
		return ErrBusy
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.release(runID)
		if err := p.sem.Acquire(ctx, 1); err != nil {
			log.Warn("agent slot not acquired", "run_id", runID, "error", err)
			return
		}
		defer p.sem.Release(1)
		if err := fn(ctx); err != nil {
			log.Error("agent invocation failed", "run_id", runID, "error", err)
		}
	}()
	return nil
}

// Busy reports whether runID has an invocation in flight.
func (p *Pool) Busy(runID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inflight[runID]
	return ok
}

// InFlight returns the number of runs with an invocation in flight.
func (p *Pool) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inflight)
}

// Wait blocks until every background invocation has returned.
func (p *Pool) Wait() { p.wg.Wait() }
