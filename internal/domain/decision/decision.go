// Package decision selects the next action for a run from a closed catalog.
package decision

import (
	"strings"

	"github.com/Strob0t/AgentPR/internal/domain/run"
	"github.com/Strob0t/AgentPR/internal/domain/verdict"
)

// Action is one entry of the closed action catalog.
type Action string

const (
	ActionAdvance   Action = "advance"
	ActionFinalize  Action = "finalize"
	ActionWaitHuman Action = "wait_human"
	ActionRetry     Action = "retry"
	ActionEscalate  Action = "escalate"
	ActionNoop      Action = "noop"
)

// Valid reports whether a is in the catalog.
func (a Action) Valid() bool {
	switch a {
	case ActionAdvance, ActionFinalize, ActionWaitHuman, ActionRetry, ActionEscalate, ActionNoop:
		return true
	}
	return false
}

// Idle reports whether a performs no work in a tick.
func (a Action) Idle() bool { return a == ActionNoop || a == ActionWaitHuman }

// Source identifies which layer produced a decision.
type Source string

const (
	SourceRules    Source = "rules"
	SourceAdvisory Source = "advisory"
)

// Decision is the action chosen for a run together with its parameters.
type Decision struct {
	Action Action    `json:"action"`
	State  run.State `json:"state"`
	Reason string    `json:"reason"`
	// Target is the state to enter for advance out of QUEUED.
	Target run.State `json:"target_state,omitempty"`
	// Successor is set when a retry creates a new run linked to this one.
	Successor    bool   `json:"successor,omitempty"`
	Instructions string `json:"instructions,omitempty"`
	// EscalationCode is the reason code recorded with manager.escalated.
	EscalationCode string `json:"escalation_code,omitempty"`
	Rationale      string `json:"rationale,omitempty"`
	Source         Source `json:"source"`
}

// Facts is what the rules table reads.
type Facts struct {
	Snapshot run.Snapshot
	// LineageDepth is the number of predecessor runs linked by retry_of.
	LineageDepth  int
	MaxRunRetries int
}

// Decide applies the deterministic table. The result is authoritative.
func Decide(f Facts) Decision {
	s := f.Snapshot
	d := Decision{State: s.State, Source: SourceRules}
	switch s.State {
	case run.StateDone:
		d.Action, d.Reason = ActionNoop, "run is terminal"
	case run.StateFailed:
		switch {
		case !TransientFailure(s.LastError):
			d.Action, d.Reason = ActionNoop, "run failed without transient cause"
		case f.LineageDepth >= f.MaxRunRetries:
			d.Action, d.Reason = ActionWaitHuman, "run retry budget exhausted"
		default:
			d.Action, d.Reason, d.Successor = ActionRetry, "transient failure should be retried", true
		}
	case run.StatePaused:
		d.Action, d.Reason = ActionWaitHuman, "run is paused"
	case run.StateNeedsHuman:
		d.Action, d.Reason = ActionWaitHuman, "run escalated to human review"
	case run.StatePushed:
		d.Action, d.Reason = ActionWaitHuman, "awaiting PR gate decision"
	case run.StateQueued:
		d.Action, d.Reason, d.Target = ActionAdvance, "queued run should start", run.StateExecuting
	case run.StateExecuting, run.StateIterating:
		decideWorking(s, &d)
	case run.StateCIWait, run.StateReviewWait:
		d.Action, d.Reason = ActionNoop, "awaiting external review facts"
	default:
		d.Action, d.Reason = ActionWaitHuman, "unsupported state "+string(s.State)
	}
	return d
}

func decideWorking(s run.Snapshot, d *Decision) {
	if s.InFlight() {
		d.Action, d.Reason = ActionNoop, "agent attempt in flight"
		return
	}
	if !s.HasVerdict() {
		d.Action, d.Reason = ActionAdvance, "stage requires agent execution"
		return
	}
	v := s.Verdict()
	switch v.Routed() {
	case verdict.GradePass:
		d.Action, d.Reason = ActionFinalize, "agent output passed: "+v.ReasonCode
	case verdict.GradeRetryable:
		d.Action, d.Reason = ActionRetry, "retryable agent failure: "+v.ReasonCode
	default:
		d.Action, d.Reason = ActionEscalate, "agent output requires review: "+v.ReasonCode
		d.EscalationCode = v.ReasonCode
		if v.Grade == verdict.GradePass {
			d.EscalationCode = verdict.ReasonAdvisoryLowConfidence
		}
	}
}

// TransientFailure reports whether a FAILED run's last error has a
// transient cause.
func TransientFailure(lastError string) bool {
	if strings.HasPrefix(lastError, "timeout:") {
		return true
	}
	parts := strings.SplitN(lastError, ":", 3)
	if len(parts) < 2 || parts[0] == "aborted" {
		return false
	}
	code := strings.ToLower(parts[1])
	if strings.Contains(code, "limit_exceeded") {
		return false
	}
	return strings.Contains(code, "transient") || strings.Contains(code, "retryable")
}
