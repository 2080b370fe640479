package decision

import (
	"context"
	"strings"

	"github.com/Strob0t/AgentPR/internal/domain/run"
)

// Triage outcomes for an external review comment.
const (
	TriageFixCode      = "fix_code"
	TriageReplyExplain = "reply_explain"
	TriageIgnore       = "ignore"
)

// RetryStrategy is the advisor's view of a failed run.
type RetryStrategy struct {
	ShouldRetry bool `json:"should_retry"`
	// TargetState is recorded for observability only.
	TargetState  string `json:"target_state,omitempty"`
	Instructions string `json:"modified_instructions,omitempty"`
	Reason       string `json:"reason,omitempty"`
	Confidence   string `json:"confidence,omitempty"`
}

// Triage is the advisor's classification of a review comment.
type Triage struct {
	Action     string `json:"action"`
	Reason     string `json:"reason,omitempty"`
	Reply      string `json:"reply,omitempty"`
	Confidence string `json:"confidence,omitempty"`
}

// Comment is the review comment under triage.
type Comment struct {
	Author string `json:"author"`
	Body   string `json:"body"`
}

// Advisor is the optional semantic layer consulted after the rules.
type Advisor interface {
	SuggestRetry(ctx context.Context, snap run.Snapshot, task string) (RetryStrategy, error)
	TriageComment(ctx context.Context, snap run.Snapshot, c Comment) (Triage, error)
}

// Advice collects what the advisor said about one decision.
type Advice struct {
	Retry     *RetryStrategy
	Triage    *Triage
	Rationale string
}

// narrowing lists, per rule action, the actions an advisor may turn it into.
var narrowing = map[Action][]Action{
	ActionRetry:   {ActionWaitHuman},
	ActionAdvance: {ActionWaitHuman},
}

// Compose applies advice to a rule decision. The result is either the rule
// action or a more cautious one; rationale and retry instructions may be
// attached.
func Compose(rule Decision, adv Advice) Decision {
	out := rule
	if adv.Rationale != "" {
		out.Rationale = adv.Rationale
	}
	switch {
	case rule.Action == ActionRetry && adv.Retry != nil:
		if !adv.Retry.ShouldRetry {
			out.Action, out.Source = ActionWaitHuman, SourceAdvisory
			out.Reason = "advisor vetoed retry: " + adv.Retry.Reason
			out.Successor = false
			break
		}
		if instr := strings.TrimSpace(adv.Retry.Instructions); instr != "" {
			out.Instructions = instr
		}
	case rule.Action == ActionAdvance && rule.State == run.StateIterating && adv.Triage != nil:
		switch adv.Triage.Action {
		case TriageReplyExplain, TriageIgnore:
			out.Action, out.Source = ActionWaitHuman, SourceAdvisory
			out.Reason = "review comment triaged as " + adv.Triage.Action
		}
	}
	if !permitted(rule.Action, out.Action) {
		rule.Rationale = out.Rationale
		return rule
	}
	return out
}

func permitted(rule, got Action) bool {
	if rule == got {
		return true
	}
	for _, a := range narrowing[rule] {
		if a == got {
			return true
		}
	}
	return false
}
