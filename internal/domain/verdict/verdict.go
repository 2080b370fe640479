// Package verdict turns extracted runtime evidence into a graded outcome.
package verdict

import "strings"

// Grade is the categorical classifier outcome.
type Grade string

const (
	GradePass        Grade = "PASS"
	GradeRetryable   Grade = "RETRYABLE"
	GradeHumanReview Grade = "HUMAN_REVIEW"
)

// Valid reports whether g is a known grade.
func (g Grade) Valid() bool {
	switch g {
	case GradePass, GradeRetryable, GradeHumanReview:
		return true
	}
	return false
}

// Confidence is the coarse certainty tier attached to a verdict.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// ParseConfidence normalizes s, falling back to medium for unknown values.
func ParseConfidence(s string) Confidence {
	switch c := Confidence(strings.ToLower(strings.TrimSpace(s))); c {
	case ConfidenceLow, ConfidenceMedium, ConfidenceHigh:
		return c
	}
	return ConfidenceMedium
}

// Reason codes.
const (
	ReasonSafetyViolation          = "safety_violation"
	ReasonDiffBudgetExceeded       = "diff_budget_exceeded"
	ReasonTestCommandFailed        = "test_command_failed"
	ReasonAllowlistedTestFailures  = "allowlisted_test_failures"
	ReasonRecoveredTestFailures    = "runtime_success_recovered_test_failures"
	ReasonNoTestInfraValidation    = "no_test_infra_with_validation"
	ReasonInsufficientTestEvidence = "insufficient_test_evidence"
	ReasonRuntimeSuccess           = "runtime_success"
	ReasonRuntimeHardFailure       = "runtime_hard_failure"
	ReasonRuntimeRetryable         = "runtime_retryable_failure"
	ReasonRuntimeFailure           = "runtime_failure"
	ReasonRetryableLimitExceeded   = "retryable_limit_exceeded"
	ReasonAdvisoryLowConfidence    = "advisory_low_confidence"
	ReasonAdvisoryDisagrees        = "advisory_requires_review"
	ReasonTranscriptMissing        = "event_stream_missing"
)

// PassReasons are the PASS reason codes that satisfy the pull request gate.
var PassReasons = map[string]bool{
	ReasonRuntimeSuccess:          true,
	ReasonRecoveredTestFailures:   true,
	ReasonAllowlistedTestFailures: true,
	ReasonNoTestInfraValidation:   true,
}

// Verdict is a grade with its machine-readable reason.
type Verdict struct {
	Grade      Grade      `json:"grade"`
	ReasonCode string     `json:"reason_code"`
	Confidence Confidence `json:"confidence"`
	Detail     string     `json:"detail,omitempty"`
	// Rule is the verdict produced by the deterministic rules before any
	// advisory narrowing.
	Rule *Verdict `json:"rule,omitempty"`
}

// PassClass reports whether v is a PASS suitable for an externally visible action.
func (v Verdict) PassClass() bool {
	return v.Grade == GradePass && PassReasons[v.ReasonCode]
}

// Routed returns the grade used for routing: a low-confidence PASS routes
// as HUMAN_REVIEW.
func (v Verdict) Routed() Grade {
	if v.Grade == GradePass && v.Confidence == ConfidenceLow {
		return GradeHumanReview
	}
	return v.Grade
}
