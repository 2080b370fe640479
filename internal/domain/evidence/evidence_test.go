package evidence_test

import (
	"strings"
	"testing"

	"github.com/Strob0t/AgentPR/internal/domain/evidence"
)

func TestExtract_Convergence(t *testing.T) {
	tr := evidence.Parse(sampleStream)
	e := evidence.Extract(evidence.Input{
		ExitCode:   0,
		Transcript: tr,
		Workspace:  "/w",
	}, evidence.MustDefault())

	if len(e.TestCommands) != 1 || e.TestCommands[0] != "pytest -q" {
		t.Errorf("test commands = %v", e.TestCommands)
	}
	if len(e.FailedTests) != 0 {
		t.Errorf("failed tests = %v, want none after convergence", e.FailedTests)
	}
	if len(e.RecoveredTests) != 1 {
		t.Errorf("recovered = %v, want the earlier pytest", e.RecoveredTests)
	}
	if e.Categories[evidence.CategoryTest] != 1 || e.Categories[evidence.CategoryLint] != 1 {
		t.Errorf("categories = %v", e.Categories)
	}
	if e.ParseErrors != 2 {
		t.Errorf("parse errors = %d", e.ParseErrors)
	}
}

func TestExtract_TypecheckDoesNotConvergeThroughLint(t *testing.T) {
	tr := evidence.Parse(`{"type":"item.completed","item":{"id":"c1","type":"command_execution","command":"mypy src","exit_code":1}}
{"type":"item.completed","item":{"id":"c2","type":"command_execution","command":"ruff check .","exit_code":0}}
{"type":"item.completed","item":{"id":"c3","type":"command_execution","command":"pyright","exit_code":0}}
`)
	e := evidence.Extract(evidence.Input{Transcript: tr}, evidence.MustDefault())
	if len(e.FailedTests) != 1 || e.FailedTests[0] != "mypy src" {
		t.Fatalf("failed = %v, want the mypy run unrecovered", e.FailedTests)
	}
	if len(e.RecoveredTests) != 0 {
		t.Errorf("recovered = %v", e.RecoveredTests)
	}
	if len(e.TypecheckCommands) != 2 || e.PassedTypecheck != 1 || len(e.LintCommands) != 1 || e.PassedLint != 1 {
		t.Errorf("typecheck = %v (%d passed), lint = %v (%d passed)",
			e.TypecheckCommands, e.PassedTypecheck, e.LintCommands, e.PassedLint)
	}

	later := evidence.Parse(`{"type":"item.completed","item":{"id":"c1","type":"command_execution","command":"mypy src","exit_code":1}}
{"type":"item.completed","item":{"id":"c2","type":"command_execution","command":"mypy src","exit_code":0}}
`)
	e = evidence.Extract(evidence.Input{Transcript: later}, evidence.MustDefault())
	if len(e.FailedTests) != 0 || len(e.RecoveredTests) != 1 {
		t.Errorf("rerun typecheck: failed %v recovered %v", e.FailedTests, e.RecoveredTests)
	}
}

func TestExtract_UnrecoveredFailureFeedsFailureText(t *testing.T) {
	tr := evidence.Parse(`{"type":"item.completed","item":{"id":"c1","type":"command_execution","command":"npm test","exit_code":2,"aggregated_output":"FAIL known_flaky_spec"}}` + "\n")
	e := evidence.Extract(evidence.Input{ExitCode: 1, Transcript: tr, Stderr: "boom", TimedOut: true}, evidence.MustDefault())
	if len(e.FailedTests) != 1 {
		t.Fatalf("failed tests = %v", e.FailedTests)
	}
	if !strings.Contains(e.FailureText(), "known_flaky_spec") || !strings.Contains(e.FailureText(), "agent timed out") {
		t.Errorf("failure text = %q", e.FailureText())
	}
}

func TestExtract_SafetyFromWritesAndCommands(t *testing.T) {
	tr := evidence.Parse(`{"type":"exec","command":"sudo rm -rf /tmp/x"}` + "\n")
	e := evidence.Extract(evidence.Input{
		Transcript:        tr,
		Workspace:         "/w",
		Diff:              evidence.DiffStats{ChangedFiles: []string{"infra/main.tf"}, ChangedFilesCount: 1},
		AllowedWriteRoots: []string{"src/**"},
	}, evidence.MustDefault())
	if len(e.Safety) != 2 {
		t.Fatalf("safety = %+v", e.Safety)
	}
}
