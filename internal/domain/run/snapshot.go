package run

import (
	"fmt"
	"time"

	"github.com/Strob0t/AgentPR/internal/domain"
	"github.com/Strob0t/AgentPR/internal/domain/event"
	"github.com/Strob0t/AgentPR/internal/domain/verdict"
)

// Snapshot is the RunState projection: a materialized view that is always
// rebuildable by replaying the run's events through Reduce.
type Snapshot struct {
	RunID                string             `json:"run_id"`
	State                State              `json:"state"`
	LastError            string             `json:"last_error,omitempty"`
	PRNumber             int                `json:"pr_number,omitempty"`
	Branch               string             `json:"branch,omitempty"`
	Grade                verdict.Grade      `json:"grade,omitempty"`
	ReasonCode           string             `json:"reason_code,omitempty"`
	Confidence           verdict.Confidence `json:"confidence,omitempty"`
	ConsecutiveRetryable int                `json:"consecutive_retryable"`
	AgentAttempt         int                `json:"agent_attempt,omitempty"`
	AgentStartedAt       time.Time          `json:"agent_started_at,omitzero"`
	Version              int64              `json:"version"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

// HasVerdict reports whether the latest agent attempt produced a verdict
// in the current state.
func (s Snapshot) HasVerdict() bool { return s.Grade != "" }

// Verdict returns the projected verdict.
func (s Snapshot) Verdict() verdict.Verdict {
	return verdict.Verdict{Grade: s.Grade, ReasonCode: s.ReasonCode, Confidence: s.Confidence}
}

// InFlight reports whether an agent attempt has started and not completed.
func (s Snapshot) InFlight() bool { return s.AgentAttempt > 0 }

// Reduce applies ev to cur and returns the next projection. It is pure:
// the result depends only on its arguments.
func Reduce(cur Snapshot, ev event.Event) (Snapshot, error) {
	if cur.Version == 0 {
		if ev.Type != event.TypeRunCreated {
			return cur, fmt.Errorf("%w: run %s has no create event, got %s", domain.ErrValidation, ev.RunID, ev.Type)
		}
		return Snapshot{
			RunID:     ev.RunID,
			State:     StateQueued,
			Version:   1,
			UpdatedAt: ev.CreatedAt,
		}, nil
	}
	if ev.Type == event.TypeRunCreated {
		return cur, fmt.Errorf("%w: run %s already created", domain.ErrConflict, cur.RunID)
	}

	next := cur
	target, err := resolve(&next, ev)
	if err != nil {
		return cur, err
	}
	if cur.State.Terminal() {
		if target == "" {
			target = cur.State
		}
		return cur, &TransitionError{Current: cur.State, Attempted: target, Event: ev.Type}
	}
	if target != "" {
		if !CanTransition(cur.State, target) {
			return cur, &TransitionError{Current: cur.State, Attempted: target, Event: ev.Type}
		}
		next.State = target
		next.Grade, next.ReasonCode, next.Confidence = "", "", ""
		next.ConsecutiveRetryable = 0
	}
	next.Version = cur.Version + 1
	next.UpdatedAt = ev.CreatedAt
	return next, nil
}

// resolve decodes ev, applies its non-state effects to next and returns the
// target state, or "" when ev carries no transition.
func resolve(next *Snapshot, ev event.Event) (State, error) {
	switch ev.Type {
	case event.TypeRunStarted:
		return StateExecuting, nil

	case event.TypePause:
		return StatePaused, nil

	case event.TypeResume, event.TypeRetry:
		var p event.TargetPayload
		if err := ev.Decode(&p); err != nil {
			return "", err
		}
		target, err := ParseState(p.TargetState)
		if err != nil {
			return "", fmt.Errorf("%w: %s requires target_state: %w", domain.ErrValidation, ev.Type, err)
		}
		required := StatePaused
		if ev.Type == event.TypeRetry {
			required = StateNeedsHuman
		}
		if next.State != required && !next.State.Terminal() {
			return "", &TransitionError{Current: next.State, Attempted: target, Event: ev.Type}
		}
		next.LastError = ""
		return target, nil

	case event.TypeAbort:
		var p event.AbortPayload
		if err := ev.Decode(&p); err != nil {
			return "", err
		}
		next.LastError = "aborted:" + p.Reason
		return StateFailed, nil

	case event.TypeMarkDone:
		return StateDone, nil

	case event.TypePRLinked:
		var p event.PRLinkedPayload
		if err := ev.Decode(&p); err != nil {
			return "", err
		}
		if p.PRNumber <= 0 {
			return "", fmt.Errorf("%w: pr_number must be positive", domain.ErrValidation)
		}
		next.PRNumber = p.PRNumber
		return StateCIWait, nil

	case event.TypeGateBypass:
		return "", nil

	case event.TypeAgentStarted:
		var p event.AgentStartedPayload
		if err := ev.Decode(&p); err != nil {
			return "", err
		}
		if next.State.Terminal() {
			return "", nil
		}
		if !next.State.RequiresValidation() {
			return "", &TransitionError{Current: next.State, Attempted: next.State, Event: ev.Type}
		}
		if next.InFlight() {
			return "", fmt.Errorf("%w: attempt %d already in flight", domain.ErrConflict, next.AgentAttempt)
		}
		if p.AttemptNo <= 0 {
			return "", fmt.Errorf("%w: attempt_no must be positive", domain.ErrValidation)
		}
		next.AgentAttempt = p.AttemptNo
		next.AgentStartedAt = ev.CreatedAt
		next.Grade, next.ReasonCode, next.Confidence = "", "", ""
		return "", nil

	case event.TypeAgentCompleted:
		var p event.AgentCompletedPayload
		if err := ev.Decode(&p); err != nil {
			return "", err
		}
		if next.State.Terminal() {
			return "", nil
		}
		if !next.InFlight() || p.AttemptNo != next.AgentAttempt {
			return "", fmt.Errorf("%w: attempt %d is not in flight", domain.ErrConflict, p.AttemptNo)
		}
		grade := verdict.Grade(p.Grade)
		if !grade.Valid() {
			return "", fmt.Errorf("%w: unknown grade %q", domain.ErrValidation, p.Grade)
		}
		next.AgentAttempt = 0
		next.AgentStartedAt = time.Time{}
		next.Grade = grade
		next.ReasonCode = p.ReasonCode
		next.Confidence = verdict.ParseConfidence(p.Confidence)
		if grade == verdict.GradeRetryable {
			next.ConsecutiveRetryable++
		} else {
			next.ConsecutiveRetryable = 0
		}
		return "", nil

	case event.TypePushCompleted:
		var p event.PushCompletedPayload
		if err := ev.Decode(&p); err != nil {
			return "", err
		}
		next.Branch = p.Branch
		return StatePushed, nil

	case event.TypeStepFailed:
		var p event.StepFailedPayload
		if err := ev.Decode(&p); err != nil {
			return "", err
		}
		next.LastError = fmt.Sprintf("%s:%s:%s", p.Step, p.ReasonCode, p.ErrorMessage)
		next.AgentAttempt = 0
		next.AgentStartedAt = time.Time{}
		return StateFailed, nil

	case event.TypeTimeout:
		var p event.TimeoutPayload
		if err := ev.Decode(&p); err != nil {
			return "", err
		}
		next.LastError = "timeout:" + p.Step
		next.AgentAttempt = 0
		next.AgentStartedAt = time.Time{}
		return StateFailed, nil

	case event.TypeEscalated:
		var p event.EscalatedPayload
		if err := ev.Decode(&p); err != nil {
			return "", err
		}
		next.LastError = "escalated:" + p.ReasonCode
		return StateNeedsHuman, nil

	case event.TypeCheckCompleted:
		var p event.CheckCompletedPayload
		if err := ev.Decode(&p); err != nil {
			return "", err
		}
		switch p.Conclusion {
		case "success", "neutral", "skipped":
			return StateReviewWait, nil
		default:
			return StateIterating, nil
		}

	case event.TypeReviewSubmitted:
		var p event.ReviewSubmittedPayload
		if err := ev.Decode(&p); err != nil {
			return "", err
		}
		if p.State == "changes_requested" {
			return StateIterating, nil
		}
		return "", nil

	case event.TypeCommentCreated:
		return "", nil
	}
	return "", fmt.Errorf("%w: unhandled event type %q", domain.ErrValidation, ev.Type)
}

// Replay folds events in append order. Seq must run 1..n without gaps.
func Replay(events []event.Event) (Snapshot, error) {
	var s Snapshot
	for i, ev := range events {
		if ev.Seq != 0 && ev.Seq != int64(i+1) {
			return s, fmt.Errorf("replay %s: seq %d at position %d", ev.RunID, ev.Seq, i+1)
		}
		next, err := Reduce(s, ev)
		if err != nil {
			return s, fmt.Errorf("replay %s seq %d: %w", ev.RunID, i+1, err)
		}
		s = next
	}
	return s, nil
}
