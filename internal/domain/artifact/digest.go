package artifact

import (
	"fmt"
	"strings"
	"time"

	"github.com/Strob0t/AgentPR/internal/domain/evidence"
	"github.com/Strob0t/AgentPR/internal/domain/policy"
	"github.com/Strob0t/AgentPR/internal/domain/verdict"
)

const topCommands = 5

// Digest is the run_digest written after every classifier evaluation.
type Digest struct {
	RunID          string             `json:"run_id"`
	State          string             `json:"state"`
	AttemptNo      int                `json:"attempt_no"`
	Classification verdict.Verdict    `json:"classification"`
	Validation     Validation         `json:"validation"`
	Changes        evidence.DiffStats `json:"changes"`
	Safety         Safety             `json:"safety"`
	EventStream    EventStream        `json:"event_stream"`
	TestInfra      evidence.TestInfra `json:"test_infrastructure"`
	Policy         PolicySummary      `json:"policy"`
	CreatedAt      time.Time          `json:"created_at"`
}

// Validation counts the evidence-bearing commands of an attempt.
type Validation struct {
	TestCommandCount      int      `json:"test_command_count"`
	FailedTestCount       int      `json:"failed_test_command_count"`
	RecoveredTestCount    int      `json:"recovered_test_command_count"`
	LintCommandCount      int      `json:"lint_command_count"`
	PassedLintCount       int      `json:"passed_lint_command_count"`
	TypecheckCommandCount int      `json:"typecheck_command_count"`
	PassedTypecheckCount  int      `json:"passed_typecheck_command_count"`
	TestCommands          []string `json:"test_commands,omitempty"`
	FailedTestCommands    []string `json:"failed_test_commands,omitempty"`
	RecoveredTestCommands []string `json:"recovered_test_commands,omitempty"`
}

// Safety summarizes safety violations.
type Safety struct {
	ViolationCount int                  `json:"violation_count"`
	Violations     []evidence.Violation `json:"violations,omitempty"`
}

// EventStream summarizes the transcript.
type EventStream struct {
	LineCount       int                       `json:"jsonl_line_count"`
	ParsedCount     int                       `json:"parsed_event_count"`
	ParseErrors     int                       `json:"parse_error_count"`
	CommandCount    int                       `json:"command_count"`
	EventTypeCounts map[string]int            `json:"event_type_counts,omitempty"`
	Categories      map[evidence.Category]int `json:"command_categories,omitempty"`
	Usage           map[string]int64          `json:"usage,omitempty"`
	TopByFrequency  []evidence.Count          `json:"top_commands_by_frequency,omitempty"`
	TopByDuration   []TimedCommand            `json:"top_commands_by_duration,omitempty"`
	Kept            bool                      `json:"event_stream_kept"`
}

// TimedCommand is a command with its observed duration.
type TimedCommand struct {
	Command    string `json:"command"`
	DurationMS int64  `json:"duration_ms"`
}

// PolicySummary records the thresholds the attempt was graded against.
type PolicySummary struct {
	Target               string `json:"target"`
	Mode                 string `json:"runtime_grading_mode"`
	MinTestCommands      int    `json:"min_test_commands"`
	MaxChangedFiles      int    `json:"max_changed_files"`
	MaxAddedLines        int    `json:"max_added_lines"`
	MaxRetryableAttempts int    `json:"max_retryable_attempts"`
}

// DigestInput gathers what BuildDigest summarizes.
type DigestInput struct {
	RunID      string
	State      string
	AttemptNo  int
	Verdict    verdict.Verdict
	Evidence   *evidence.Evidence
	Transcript *evidence.Transcript
	Policy     policy.Effective
	Kept       bool
	Now        time.Time
}

// BuildDigest summarizes one evaluated attempt.
func BuildDigest(in DigestInput) Digest {
	d := Digest{
		RunID:          in.RunID,
		State:          in.State,
		AttemptNo:      in.AttemptNo,
		Classification: in.Verdict,
		Policy: PolicySummary{
			Target:               in.Policy.Target,
			Mode:                 string(in.Policy.RuntimeGradingMode),
			MinTestCommands:      in.Policy.MinTestCommands,
			MaxChangedFiles:      in.Policy.MaxChangedFiles,
			MaxAddedLines:        in.Policy.MaxAddedLines,
			MaxRetryableAttempts: in.Policy.MaxRetryableAttempts,
		},
		CreatedAt: in.Now.UTC(),
	}
	if e := in.Evidence; e != nil {
		d.Validation = Validation{
			TestCommandCount:      len(e.TestCommands),
			FailedTestCount:       len(e.FailedTests) + len(e.RecoveredTests),
			RecoveredTestCount:    len(e.RecoveredTests),
			LintCommandCount:      len(e.LintCommands),
			PassedLintCount:       e.PassedLint,
			TypecheckCommandCount: len(e.TypecheckCommands),
			PassedTypecheckCount:  e.PassedTypecheck,
			TestCommands:          e.TestCommands,
			FailedTestCommands:    e.FailedTests,
			RecoveredTestCommands: e.RecoveredTests,
		}
		d.Changes = e.Diff
		d.Safety = Safety{ViolationCount: len(e.Safety), Violations: e.Safety}
		d.TestInfra = e.TestInfra
		d.EventStream.CommandCount = e.CommandCount
		d.EventStream.Categories = e.Categories
	}
	if tr := in.Transcript; tr != nil {
		d.EventStream.LineCount = tr.LineCount
		d.EventStream.ParsedCount = tr.ParsedCount
		d.EventStream.ParseErrors = tr.ParseErrors
		d.EventStream.EventTypeCounts = tr.EventTypeCounts
		if len(tr.Usage) > 0 {
			d.EventStream.Usage = tr.Usage
		}
		d.EventStream.TopByFrequency = tr.TopByFrequency(topCommands)
		for _, c := range tr.TopByDuration(topCommands) {
			d.EventStream.TopByDuration = append(d.EventStream.TopByDuration, TimedCommand{Command: c.Text, DurationMS: c.DurationMS})
		}
	}
	d.EventStream.Kept = in.Kept
	return d
}

// Hints derives iteration hints for the next attempt from d.
func (d Digest) Hints() []string {
	var hints []string
	v := d.Validation
	switch d.Classification.ReasonCode {
	case verdict.ReasonSafetyViolation:
		hints = append(hints, "Stay inside the workspace and avoid global installs or privilege escalation.")
	case verdict.ReasonDiffBudgetExceeded:
		hints = append(hints, fmt.Sprintf("Reduce the change to at most %d files and %d added lines.",
			d.Policy.MaxChangedFiles, d.Policy.MaxAddedLines))
	case verdict.ReasonInsufficientTestEvidence:
		hints = append(hints, fmt.Sprintf("Run at least %d test command(s) and report the results.", d.Policy.MinTestCommands))
	case verdict.ReasonTestCommandFailed:
		hints = append(hints, "Fix the failing tests before finishing: "+strings.Join(v.FailedTestCommands, ", "))
	case verdict.ReasonRuntimeRetryable, verdict.ReasonRetryableLimitExceeded:
		hints = append(hints, "The previous attempt hit a transient failure; retry network steps sparingly.")
	}
	if v.RecoveredTestCount > 0 {
		hints = append(hints, "Earlier test failures recovered; keep the final test run green.")
	}
	if d.EventStream.ParseErrors > 0 {
		hints = append(hints, fmt.Sprintf("%d transcript line(s) were unparseable.", d.EventStream.ParseErrors))
	}
	if !d.TestInfra.Present() && v.TestCommandCount == 0 {
		hints = append(hints, "No test infrastructure detected; run lint or typecheck as validation.")
	}
	return hints
}

// Insight renders d as the manager_insight markdown.
func (d Digest) Insight() string {
	var b strings.Builder
	c := d.Classification
	fmt.Fprintf(&b, "# Run %s attempt %d\n\n", d.RunID, d.AttemptNo)
	fmt.Fprintf(&b, "- state: %s\n", d.State)
	fmt.Fprintf(&b, "- verdict: %s (%s, confidence %s)\n", c.Grade, c.ReasonCode, c.Confidence)
	if c.Detail != "" {
		fmt.Fprintf(&b, "- detail: %s\n", c.Detail)
	}
	if c.Rule != nil {
		fmt.Fprintf(&b, "- rule verdict: %s (%s)\n", c.Rule.Grade, c.Rule.ReasonCode)
	}
	fmt.Fprintf(&b, "- tests: %d run, %d failed, %d recovered\n",
		d.Validation.TestCommandCount, d.Validation.FailedTestCount, d.Validation.RecoveredTestCount)
	fmt.Fprintf(&b, "- changes: %d files, +%d/-%d\n",
		d.Changes.ChangedFilesCount, d.Changes.AddedLines, d.Changes.DeletedLines)
	fmt.Fprintf(&b, "- safety violations: %d\n", d.Safety.ViolationCount)
	fmt.Fprintf(&b, "- transcript: %d lines, %d parse errors\n", d.EventStream.LineCount, d.EventStream.ParseErrors)

	if len(d.EventStream.TopByFrequency) > 0 {
		b.WriteString("\n## Top commands\n\n")
		for _, tc := range d.EventStream.TopByFrequency {
			fmt.Fprintf(&b, "- `%s` x%d\n", tc.Value, tc.Count)
		}
	}
	if hints := d.Hints(); len(hints) > 0 {
		b.WriteString("\n## Iteration hints\n\n")
		for _, h := range hints {
			fmt.Fprintf(&b, "- %s\n", h)
		}
	}
	return b.String()
}
