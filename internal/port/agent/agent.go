// Package agent defines the port for invoking the external coding agent.
package agent

import (
	"context"
	"time"
)

// Request describes one agent attempt.
type Request struct {
	RunID        string
	AttemptNo    int
	State        string
	Workspace    string
	Task         string
	Instructions string
	// Constraints is the policy summary handed to the agent verbatim.
	Constraints string
	// Timeout is the hard wall-clock limit. Past it the process is killed
	// and the attempt reported as timed out.
	Timeout time.Duration
}

// Result is everything observable about a finished attempt. The agent's
// internal reasoning is never part of it.
type Result struct {
	ExitCode   int
	TimedOut   bool
	Transcript []byte
	// Stderr is the tail of the standard error stream.
	Stderr     string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration is the attempt's wall time.
func (r *Result) Duration() time.Duration { return r.FinishedAt.Sub(r.StartedAt) }

// Runner invokes the agent. A non-nil error means the agent could not be
// run at all; a failing agent is reported through Result.ExitCode.
type Runner interface {
	Run(ctx context.Context, req Request) (*Result, error)
}
