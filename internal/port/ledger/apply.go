package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/Strob0t/AgentPR/internal/domain"
	"github.com/Strob0t/AgentPR/internal/domain/event"
	"github.com/Strob0t/AgentPR/internal/domain/run"
)

// MaxApplyAttempts bounds how often a store retries an apply that lost a
// sequence race.
const MaxApplyAttempts = 3

// Tx is the transactional surface Apply runs on. Store adapters implement
// it over a single database transaction.
type Tx interface {
	// EventByKey returns the event stored under (runID, key), or nil.
	EventByKey(ctx context.Context, runID, key string) (*event.Event, error)
	// LoadSnapshot returns the current projection, or a zero Snapshot when
	// the run has none yet.
	LoadSnapshot(ctx context.Context, runID string) (run.Snapshot, error)
	// InsertEvent stores ev and sets its ID. Any unique violation is
	// reported as ErrRace.
	InsertEvent(ctx context.Context, ev *event.Event) error
	// SaveSnapshot writes s if the stored version still equals prev and
	// reports ErrRace otherwise.
	SaveSnapshot(ctx context.Context, s run.Snapshot, prev int64) error
}

// Apply runs one attempt of the apply algorithm inside tx. A duplicate
// returns the stored event and the unchanged projection.
func Apply(ctx context.Context, tx Tx, ev event.Event, expected run.State) (Result, error) {
	if existing, err := tx.EventByKey(ctx, ev.RunID, ev.IdempotencyKey); err != nil {
		return Result{}, fmt.Errorf("lookup event %s: %w", ev.IdempotencyKey, err)
	} else if existing != nil {
		cur, err := tx.LoadSnapshot(ctx, ev.RunID)
		if err != nil {
			return Result{}, err
		}
		return Result{Event: *existing, Snapshot: cur, Duplicate: true}, nil
	}

	cur, err := tx.LoadSnapshot(ctx, ev.RunID)
	if err != nil {
		return Result{}, err
	}
	if expected != "" && cur.State != expected {
		return Result{}, &run.StaleStateError{Expected: expected, Current: cur.State}
	}
	next, err := run.Reduce(cur, ev)
	if err != nil {
		return Result{}, err
	}
	ev.Seq = cur.Version + 1
	if err := tx.InsertEvent(ctx, &ev); err != nil {
		return Result{}, err
	}
	if err := tx.SaveSnapshot(ctx, next, cur.Version); err != nil {
		return Result{}, err
	}
	return Result{Event: ev, Snapshot: next, Applied: true}, nil
}

// Retry runs fn up to MaxApplyAttempts times while it fails with ErrRace.
// Logic conflicts raised by the reducer are returned immediately.
func Retry(ctx context.Context, fn func(ctx context.Context) (Result, error)) (Result, error) {
	var (
		res Result
		err error
	)
	for attempt := 0; attempt < MaxApplyAttempts; attempt++ {
		res, err = fn(ctx)
		if err == nil || !errors.Is(err, ErrRace) {
			return res, err
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
	}
	return res, fmt.Errorf("apply event after %d attempts: %w", MaxApplyAttempts, err)
}

// ErrRace marks a unique or version collision with a concurrent writer.
// It wraps domain.ErrConflict.
var ErrRace = fmt.Errorf("%w: concurrent ledger write", domain.ErrConflict)
