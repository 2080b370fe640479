package verdict

import (
	"context"
	"fmt"
	"strings"

	"github.com/Strob0t/AgentPR/internal/domain/evidence"
)

// Opinion is an advisory model's reading of extracted evidence.
type Opinion struct {
	// Verdict is PASS, NEEDS_REVIEW or FAIL.
	Verdict    string     `json:"verdict"`
	Reason     string     `json:"reason"`
	Confidence Confidence `json:"confidence"`
}

// Reviewer is the advisory model. It only ever sees extracted evidence.
type Reviewer interface {
	ReviewEvidence(ctx context.Context, state string, rule Verdict, ev *evidence.Evidence) (Opinion, error)
}

// Advisory grades by consulting a Reviewer on top of the rule verdict.
type Advisory struct {
	Reviewer Reviewer
	State    string
}

// Grade implements Grader. It never returns a grade more permissive than
// the rules produce for the same input.
func (a Advisory) Grade(ctx context.Context, in Input) (Verdict, error) {
	rule := Classify(in)
	if a.Reviewer == nil || rule.Grade != GradePass {
		return rule, nil
	}
	op, err := a.Reviewer.ReviewEvidence(ctx, a.State, rule, in.Evidence)
	if err != nil {
		return rule, fmt.Errorf("advisory review: %w", err)
	}
	return Narrow(rule, op), nil
}

// Composite runs the deterministic grader and, when enabled, lets the
// advisory grader narrow its result.
type Composite struct {
	Rules    Grader
	Advisory Grader
}

// Grade implements Grader. Advisory failures degrade to the rule verdict
// and are returned alongside it.
func (c Composite) Grade(ctx context.Context, in Input) (Verdict, error) {
	rule, err := c.Rules.Grade(ctx, in)
	if err != nil {
		return Verdict{}, err
	}
	if c.Advisory == nil || !in.Policy.RuntimeGradingMode.UsesAdvisor() || rule.Grade != GradePass {
		return rule, nil
	}
	adv, err := c.Advisory.Grade(ctx, in)
	if err != nil {
		return rule, err
	}
	return Narrow(rule, Opinion{Verdict: advisoryVerdict(adv), Reason: adv.Detail, Confidence: adv.Confidence}), nil
}

func advisoryVerdict(v Verdict) string {
	if v.Grade == GradePass {
		return "PASS"
	}
	return "NEEDS_REVIEW"
}

// Narrow combines a rule verdict with an advisory opinion. Only a rule PASS
// can change, and only toward more caution: a disagreeing opinion turns it
// into HUMAN_REVIEW and an agreeing one can lower its confidence.
func Narrow(rule Verdict, op Opinion) Verdict {
	if rule.Grade != GradePass {
		return rule
	}
	conf := op.Confidence
	if conf == "" {
		conf = ConfidenceMedium
	}
	orig := rule
	orig.Rule = nil
	if strings.ToUpper(op.Verdict) != "PASS" {
		return Verdict{
			Grade:      GradeHumanReview,
			ReasonCode: ReasonAdvisoryDisagrees,
			Confidence: conf,
			Detail:     op.Reason,
			Rule:       &orig,
		}
	}
	out := rule
	out.Confidence = lower(rule.Confidence, conf)
	if out.Confidence != rule.Confidence {
		out.Rule = &orig
		if out.Confidence == ConfidenceLow {
			out.Detail = strings.TrimSpace(out.Detail + " " + ReasonAdvisoryLowConfidence)
		}
	}
	return out
}

var confidenceRank = map[Confidence]int{ConfidenceLow: 0, ConfidenceMedium: 1, ConfidenceHigh: 2}

func lower(a, b Confidence) Confidence {
	a, b = ParseConfidence(string(a)), ParseConfidence(string(b))
	if confidenceRank[b] < confidenceRank[a] {
		return b
	}
	return a
}
