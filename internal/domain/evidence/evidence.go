package evidence

import "strings"

const failureTextLimit = 8 << 10

// Input is everything observed about one agent attempt.
type Input struct {
	ExitCode   int
	TimedOut   bool
	Transcript *Transcript
	// Stderr is the tail of the agent's standard error.
	Stderr            string
	Diff              DiffStats
	TestInfra         TestInfra
	Workspace         string
	AllowedWriteRoots []string
	AllowAgentPush    bool
}

// Evidence is the typed, trusted view of an attempt. Classification and
// advisory review operate on Evidence only.
type Evidence struct {
	ExitCode          int              `json:"exit_code"`
	TimedOut          bool             `json:"timed_out,omitempty"`
	ParseErrors       int              `json:"parse_error_count"`
	CommandCount      int              `json:"command_count"`
	Categories        map[Category]int `json:"command_categories"`
	TestCommands      []string         `json:"test_commands"`
	LintCommands      []string         `json:"lint_commands"`
	PassedLint        int              `json:"passed_lint_commands"`
	TypecheckCommands []string         `json:"typecheck_commands"`
	PassedTypecheck   int              `json:"passed_typecheck_commands"`
	FailedTests       []string         `json:"failed_test_commands"`
	RecoveredTests    []string         `json:"recovered_failed_test_commands"`
	Safety            []Violation      `json:"safety_violations"`
	Diff              DiffStats        `json:"diff"`
	TestInfra         TestInfra        `json:"test_infrastructure"`

	// failureText is matched against failure signatures but never leaves
	// the classifier.
	failureText string
}

// FailureText returns the captured failure output used for signature matching.
func (e *Evidence) FailureText() string { return e.failureText }

// Extract builds Evidence from in using m.
func Extract(in Input, m *Matcher) *Evidence {
	tr := in.Transcript
	if tr == nil {
		tr = &Transcript{}
	}
	e := &Evidence{
		ExitCode:    in.ExitCode,
		TimedOut:    in.TimedOut,
		ParseErrors: tr.ParseErrors,
		Categories:  map[Category]int{},
		Diff:        in.Diff,
		TestInfra:   in.TestInfra,
	}
	texts := tr.CommandTexts()
	e.CommandCount = len(tr.Commands)
	for _, c := range texts {
		e.Categories[m.Categorize(c)]++
	}

	seenTest, seenLint, seenTypecheck := map[string]bool{}, map[string]bool{}, map[string]bool{}
	type outcome struct {
		cmd Command
		cat Category
	}
	var validations []outcome
	for _, c := range tr.Commands {
		switch cat := m.Categorize(c.Text); cat {
		case CategoryTest:
			if !seenTest[c.Text] {
				seenTest[c.Text] = true
				e.TestCommands = append(e.TestCommands, c.Text)
			}
			validations = append(validations, outcome{c, cat})
		case CategoryLint:
			if !seenLint[c.Text] {
				seenLint[c.Text] = true
				e.LintCommands = append(e.LintCommands, c.Text)
			}
			if c.Succeeded() {
				e.PassedLint++
			}
			validations = append(validations, outcome{c, cat})
		case CategoryTypecheck:
			if !seenTypecheck[c.Text] {
				seenTypecheck[c.Text] = true
				e.TypecheckCommands = append(e.TypecheckCommands, c.Text)
			}
			if c.Succeeded() {
				e.PassedTypecheck++
			}
			validations = append(validations, outcome{c, cat})
		}
	}
	seenFailed := map[string]bool{}
	for i, v := range validations {
		if !v.cmd.Failed() || seenFailed[v.cmd.Text] {
			continue
		}
		recovered := false
		for _, later := range validations[i+1:] {
			if later.cat == v.cat && later.cmd.Succeeded() {
				recovered = true
				break
			}
		}
		seenFailed[v.cmd.Text] = true
		if recovered {
			e.RecoveredTests = append(e.RecoveredTests, v.cmd.Text)
		} else {
			e.FailedTests = append(e.FailedTests, v.cmd.Text)
		}
	}

	e.Safety = m.CommandViolations(texts, in.AllowAgentPush)
	written := append(append([]string(nil), tr.FileChanges...), in.Diff.ChangedFiles...)
	e.Safety = append(e.Safety, WriteViolations(in.Workspace, dedupe(written), in.AllowedWriteRoots)...)

	var b strings.Builder
	b.WriteString(tail(in.Stderr, failureTextLimit))
	for _, v := range validations {
		if v.cmd.Failed() && v.cmd.Output != "" {
			b.WriteString("\n")
			b.WriteString(v.cmd.Output)
		}
	}
	if in.TimedOut {
		b.WriteString("\nagent timed out")
	}
	e.failureText = b.String()
	return e
}

func dedupe(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := values[:0]
	for _, v := range values {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
