// Package broadcast defines the port for pushing run activity to live
// status clients.
package broadcast

import "context"

// Event types sent to clients.
const (
	EventStateChanged  = "run.state_changed"
	EventApplied       = "run.event"
	EventGateRequested = "run.gate_requested"
)

// Broadcaster sends real-time run events to connected clients.
type Broadcaster interface {
	// BroadcastEvent sends a typed event about runID to every client
	// watching that run or all runs.
	BroadcastEvent(ctx context.Context, runID, eventType string, payload any)
}

// Nop discards every event.
type Nop struct{}

func (Nop) BroadcastEvent(context.Context, string, string, any) {}
