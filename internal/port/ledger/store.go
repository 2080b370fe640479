// Package ledger defines the persistence port for the run ledger: runs,
// events and their projection, step attempts, artifacts, webhook
// reservations and gate requests.
package ledger

import (
	"context"
	"time"

	"github.com/Strob0t/AgentPR/internal/domain/artifact"
	"github.com/Strob0t/AgentPR/internal/domain/event"
	"github.com/Strob0t/AgentPR/internal/domain/gate"
	"github.com/Strob0t/AgentPR/internal/domain/run"
	"github.com/Strob0t/AgentPR/internal/domain/webhook"
)

// Result is the outcome of applying one event.
type Result struct {
	Event     event.Event  `json:"event"`
	Snapshot  run.Snapshot `json:"snapshot"`
	Applied   bool         `json:"applied"`
	Duplicate bool         `json:"duplicate"`
}

// RunView pairs a run with its current projection.
type RunView struct {
	Run      run.Run      `json:"run"`
	Snapshot run.Snapshot `json:"snapshot"`
}

// ListFilter narrows ListRuns. Zero values match everything.
type ListFilter struct {
	States []run.State
	Limit  int
}

// Runs stores run records.
type Runs interface {
	// CreateRun inserts r and applies its create event in one transaction.
	CreateRun(ctx context.Context, r *run.Run, ev event.Event) (Result, error)
	GetRun(ctx context.Context, id string) (*run.Run, error)
	ListRuns(ctx context.Context, f ListFilter) ([]RunView, error)
	FindRunByPR(ctx context.Context, owner, repo string, pr int) (*run.Run, error)
	// LineageDepth counts predecessors reachable through retry_of.
	LineageDepth(ctx context.Context, id string) (int, error)
}

// Events is the append-only event log and its projection.
type Events interface {
	// ApplyEvent appends ev and updates the projection atomically. When
	// expected is non-empty the run must currently be in that state.
	ApplyEvent(ctx context.Context, ev event.Event, expected run.State) (Result, error)
	Events(ctx context.Context, runID string) ([]event.Event, error)
	Snapshot(ctx context.Context, runID string) (run.Snapshot, error)
}

// Attempts stores step attempts.
type Attempts interface {
	// StartAttempt allocates the next attempt number for (run, step).
	StartAttempt(ctx context.Context, runID, step string, at time.Time) (*run.StepAttempt, error)
	FinishAttempt(ctx context.Context, a *run.StepAttempt) error
	Attempts(ctx context.Context, runID string) ([]run.StepAttempt, error)
}

// Artifacts stores typed side-outputs.
type Artifacts interface {
	AddArtifact(ctx context.Context, a *artifact.Artifact) error
	LatestArtifact(ctx context.Context, runID string, typ artifact.Type) (*artifact.Artifact, error)
	Artifacts(ctx context.Context, runID string) ([]artifact.Artifact, error)
}

// Deliveries stores webhook reservations.
type Deliveries interface {
	// ReserveDelivery inserts d and reports whether this caller won the
	// reservation.
	ReserveDelivery(ctx context.Context, d webhook.Delivery) (bool, error)
	ConfirmDelivery(ctx context.Context, source, id string) error
	ReleaseDelivery(ctx context.Context, source, id string) error
}

// Gates stores gate requests.
type Gates interface {
	CreateGateRequest(ctx context.Context, r *gate.Request) error
	LatestGateRequest(ctx context.Context, runID string) (*gate.Request, error)
	// ConsumeGateRequest marks the request consumed. It returns
	// gate.ErrTokenConsumed when the request was already consumed.
	ConsumeGateRequest(ctx context.Context, id string, at time.Time) error
}

// Store is the full ledger persistence port.
type Store interface {
	Runs
	Events
	Attempts
	Artifacts
	Deliveries
	Gates
	Close() error
}
