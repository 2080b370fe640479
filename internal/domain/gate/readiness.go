package gate

import (
	"fmt"

	"github.com/Strob0t/AgentPR/internal/domain/artifact"
	"github.com/Strob0t/AgentPR/internal/domain/policy"
	"github.com/Strob0t/AgentPR/internal/domain/verdict"
)

// Readiness check and warning codes.
const (
	CheckMissingContract     = "missing_contract"
	CheckMissingDigest       = "missing_digest"
	CheckRuntimeNotPass      = "runtime_not_pass"
	CheckRuntimeNotSuccess   = "runtime_not_runtime_success"
	CheckSafetyViolation     = "safety_violation_present"
	CheckInsufficientTests   = "insufficient_test_evidence"
	CheckFailedTests         = "failed_test_commands_present"
	CheckChangedFilesBudget  = "changed_files_budget_exceeded"
	CheckAddedLinesBudget    = "added_lines_budget_exceeded"
	WarnSemanticNoTestInfra  = "semantic_no_test_infra_override"
	WarnFailedTestsConverged = "failed_test_commands_observed_but_converged"
)

// Finding is one readiness check result.
type Finding struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Readiness is the definition-of-done evaluation for a run.
type Readiness struct {
	OK           bool      `json:"ok"`
	FailedChecks []Finding `json:"failed_checks"`
	Warnings     []Finding `json:"warnings"`
}

// Codes returns the failed check codes.
func (r Readiness) Codes() []string {
	out := make([]string, len(r.FailedChecks))
	for i, f := range r.FailedChecks {
		out[i] = f.Code
	}
	return out
}

// EvaluateReadiness checks the latest digest against p. A nil digest fails
// with missing_digest.
func EvaluateReadiness(d *artifact.Digest, hasContract bool, p policy.RunPolicy) Readiness {
	var r Readiness
	fail := func(code, format string, args ...any) {
		r.FailedChecks = append(r.FailedChecks, Finding{Code: code, Message: fmt.Sprintf(format, args...)})
	}
	warn := func(code, format string, args ...any) {
		r.Warnings = append(r.Warnings, Finding{Code: code, Message: fmt.Sprintf(format, args...)})
	}
	if !hasContract {
		fail(CheckMissingContract, "contract artifact is required for PR gate")
	}
	if d == nil {
		fail(CheckMissingDigest, "latest run_digest is required for PR gate")
		return r
	}

	c := d.Classification
	pass := c.Grade == verdict.GradePass
	if !pass {
		fail(CheckRuntimeNotPass, "classification grade=%s", c.Grade)
	}
	if !verdict.PassReasons[c.ReasonCode] {
		fail(CheckRuntimeNotSuccess, "classification reason_code=%s", c.ReasonCode)
	}
	if d.Safety.ViolationCount > 0 {
		fail(CheckSafetyViolation, "violation_count=%d", d.Safety.ViolationCount)
	}

	v := d.Validation
	if p.MinTestCommands > 0 && v.TestCommandCount < p.MinTestCommands {
		if pass && c.ReasonCode == verdict.ReasonNoTestInfraValidation {
			warn(WarnSemanticNoTestInfra, "required=%d, observed=%d, runtime_grading_mode=%s",
				p.MinTestCommands, v.TestCommandCount, p.RuntimeGradingMode)
		} else {
			fail(CheckInsufficientTests, "required=%d, observed=%d", p.MinTestCommands, v.TestCommandCount)
		}
	}
	if v.FailedTestCount > 0 {
		if pass && verdict.PassReasons[c.ReasonCode] {
			warn(WarnFailedTestsConverged, "failed_test_command_count=%d", v.FailedTestCount)
		} else {
			fail(CheckFailedTests, "failed_test_command_count=%d", v.FailedTestCount)
		}
	}
	if p.MaxChangedFiles > 0 && d.Changes.ChangedFilesCount > p.MaxChangedFiles {
		fail(CheckChangedFilesBudget, "max=%d, observed=%d", p.MaxChangedFiles, d.Changes.ChangedFilesCount)
	}
	if p.MaxAddedLines > 0 && d.Changes.AddedLines > p.MaxAddedLines {
		fail(CheckAddedLinesBudget, "max=%d, observed=%d", p.MaxAddedLines, d.Changes.AddedLines)
	}
	r.OK = len(r.FailedChecks) == 0
	return r
}
