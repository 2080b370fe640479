package decision_test

import (
	"testing"

	"github.com/Strob0t/AgentPR/internal/domain/decision"
	"github.com/Strob0t/AgentPR/internal/domain/run"
	"github.com/Strob0t/AgentPR/internal/domain/verdict"
)

func snap(state run.State, grade verdict.Grade, conf verdict.Confidence) run.Snapshot {
	s := run.Snapshot{RunID: "r", State: state, Version: 3}
	if grade != "" {
		s.Grade, s.ReasonCode, s.Confidence = grade, "x", conf
	}
	return s
}

func TestDecide_Table(t *testing.T) {
	inflight := snap(run.StateExecuting, "", "")
	inflight.AgentAttempt = 2

	tests := []struct {
		name string
		f    decision.Facts
		want decision.Action
	}{
		{"done", decision.Facts{Snapshot: snap(run.StateDone, "", "")}, decision.ActionNoop},
		{"failed hard", decision.Facts{Snapshot: run.Snapshot{State: run.StateFailed, LastError: "aborted:operator"}}, decision.ActionNoop},
		{"paused", decision.Facts{Snapshot: snap(run.StatePaused, "", "")}, decision.ActionWaitHuman},
		{"needs human", decision.Facts{Snapshot: snap(run.StateNeedsHuman, "", "")}, decision.ActionWaitHuman},
		{"pushed waits for gate", decision.Facts{Snapshot: snap(run.StatePushed, "", "")}, decision.ActionWaitHuman},
		{"queued", decision.Facts{Snapshot: snap(run.StateQueued, "", "")}, decision.ActionAdvance},
		{"in flight", decision.Facts{Snapshot: inflight}, decision.ActionNoop},
		{"no verdict", decision.Facts{Snapshot: snap(run.StateIterating, "", "")}, decision.ActionAdvance},
		{"pass high", decision.Facts{Snapshot: snap(run.StateExecuting, verdict.GradePass, verdict.ConfidenceHigh)}, decision.ActionFinalize},
		{"pass medium", decision.Facts{Snapshot: snap(run.StateIterating, verdict.GradePass, verdict.ConfidenceMedium)}, decision.ActionFinalize},
		{"pass low", decision.Facts{Snapshot: snap(run.StateExecuting, verdict.GradePass, verdict.ConfidenceLow)}, decision.ActionEscalate},
		{"human review", decision.Facts{Snapshot: snap(run.StateExecuting, verdict.GradeHumanReview, verdict.ConfidenceHigh)}, decision.ActionEscalate},
		{"retryable", decision.Facts{Snapshot: snap(run.StateExecuting, verdict.GradeRetryable, verdict.ConfidenceMedium)}, decision.ActionRetry},
		{"ci wait", decision.Facts{Snapshot: snap(run.StateCIWait, "", "")}, decision.ActionNoop},
		{"review wait", decision.Facts{Snapshot: snap(run.StateReviewWait, "", "")}, decision.ActionNoop},
		{
			"failed transient",
			decision.Facts{Snapshot: run.Snapshot{State: run.StateFailed, LastError: "timeout:agent"}, MaxRunRetries: 2},
			decision.ActionRetry,
		},
		{
			"failed transient exhausted",
			decision.Facts{Snapshot: run.Snapshot{State: run.StateFailed, LastError: "timeout:agent"}, LineageDepth: 2, MaxRunRetries: 2},
			decision.ActionWaitHuman,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := decision.Decide(tt.f)
			if d.Action != tt.want {
				t.Errorf("action = %s (%s), want %s", d.Action, d.Reason, tt.want)
			}
			if d.Source != decision.SourceRules {
				t.Errorf("source = %s", d.Source)
			}
		})
	}
}

func TestDecide_LowConfidenceEscalationCode(t *testing.T) {
	d := decision.Decide(decision.Facts{Snapshot: snap(run.StateExecuting, verdict.GradePass, verdict.ConfidenceLow)})
	if d.EscalationCode != verdict.ReasonAdvisoryLowConfidence {
		t.Errorf("escalation code = %q", d.EscalationCode)
	}
}

func TestDecide_SuccessorRetry(t *testing.T) {
	d := decision.Decide(decision.Facts{
		Snapshot:      run.Snapshot{State: run.StateFailed, LastError: "agent:runtime_retryable_failure:HTTP 503"},
		MaxRunRetries: 1,
	})
	if d.Action != decision.ActionRetry || !d.Successor {
		t.Errorf("got %+v, want successor retry", d)
	}
}

func TestTransientFailure(t *testing.T) {
	tests := map[string]bool{
		"timeout:agent":                         true,
		"agent:runtime_retryable_failure:reset": true,
		"prepare:preflight_transient_failure:x": true,
		"agent:runtime_hard_failure:denied":     false,
		"aborted:retryable":                     false,
		"":                                      false,
		"agent:retryable_limit_exceeded:x":      false,
	}
	for in, want := range tests {
		if got := decision.TransientFailure(in); got != want {
			t.Errorf("TransientFailure(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestCompose_NeverWidens(t *testing.T) {
	escalate := decision.Decide(decision.Facts{Snapshot: snap(run.StateExecuting, verdict.GradeHumanReview, verdict.ConfidenceHigh)})
	retry := decision.Decide(decision.Facts{Snapshot: run.Snapshot{State: run.StateFailed, LastError: "timeout:agent"}, MaxRunRetries: 3})
	iterate := decision.Decide(decision.Facts{Snapshot: snap(run.StateIterating, "", "")})
	wait := decision.Decide(decision.Facts{Snapshot: snap(run.StatePaused, "", "")})

	tests := []struct {
		name   string
		rule   decision.Decision
		adv    decision.Advice
		action decision.Action
		instr  string
	}{
		{"veto retry", retry, decision.Advice{Retry: &decision.RetryStrategy{ShouldRetry: false, Reason: "code bug"}}, decision.ActionWaitHuman, ""},
		{"retry instructions", retry, decision.Advice{Retry: &decision.RetryStrategy{ShouldRetry: true, Instructions: " pin deps "}}, decision.ActionRetry, "pin deps"},
		{"triage reply", iterate, decision.Advice{Triage: &decision.Triage{Action: decision.TriageReplyExplain}}, decision.ActionWaitHuman, ""},
		{"triage ignore", iterate, decision.Advice{Triage: &decision.Triage{Action: decision.TriageIgnore}}, decision.ActionWaitHuman, ""},
		{"triage fix", iterate, decision.Advice{Triage: &decision.Triage{Action: decision.TriageFixCode}}, decision.ActionAdvance, ""},
		{"escalate stays", escalate, decision.Advice{Retry: &decision.RetryStrategy{ShouldRetry: true}}, decision.ActionEscalate, ""},
		{"wait stays", wait, decision.Advice{Triage: &decision.Triage{Action: decision.TriageFixCode}}, decision.ActionWaitHuman, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := decision.Compose(tt.rule, decision.Advice{Retry: tt.adv.Retry, Triage: tt.adv.Triage, Rationale: "because"})
			if got.Action != tt.action {
				t.Errorf("action = %s, want %s", got.Action, tt.action)
			}
			if got.Instructions != tt.instr {
				t.Errorf("instructions = %q, want %q", got.Instructions, tt.instr)
			}
			if got.Rationale != "because" {
				t.Errorf("rationale dropped: %q", got.Rationale)
			}
		})
	}
}

func TestGuard(t *testing.T) {
	var g decision.Guard
	d := decision.Decision{State: run.StateQueued, Action: decision.ActionAdvance}
	if !g.Observe(d) {
		t.Fatal("first observation must be new")
	}
	if g.Observe(d) {
		t.Error("repeat must be reported")
	}
	d.State = run.StateExecuting
	if !g.Observe(d) {
		t.Error("different state is new")
	}
}
