// Package evidence extracts typed runtime evidence from an untrusted agent
// transcript, repository diff and workspace layout.
package evidence

import (
	"fmt"
	"regexp"
)

// Category classifies a shell command the agent ran.
type Category string

const (
	CategoryInstall   Category = "dependency_install"
	CategoryTest      Category = "tests"
	CategoryLint      Category = "lint"
	CategoryTypecheck Category = "typecheck"
	CategoryGit       Category = "git_ops"
	CategoryRead      Category = "repo_reading"
	CategoryOther     Category = "other"
)

// categoryOrder is the match precedence: the first category whose patterns
// match a command wins.
var categoryOrder = []Category{CategoryInstall, CategoryTest, CategoryTypecheck, CategoryLint, CategoryGit, CategoryRead}

// SafetyRule names a command pattern that violates the safety contract.
type SafetyRule struct {
	Name    string `yaml:"name" json:"name"`
	Pattern string `yaml:"pattern" json:"pattern"`
}

// Patterns is the injectable pattern configuration. All patterns are
// regular expressions matched case-insensitively, except safety rules
// which are case-sensitive.
type Patterns struct {
	Install             []string     `yaml:"install" json:"install"`
	Test                []string     `yaml:"test" json:"test"`
	Lint                []string     `yaml:"lint" json:"lint"`
	Typecheck           []string     `yaml:"typecheck" json:"typecheck"`
	Git                 []string     `yaml:"git" json:"git"`
	Read                []string     `yaml:"read" json:"read"`
	HardFailure         []string     `yaml:"hard_failure" json:"hard_failure"`
	Retryable           []string     `yaml:"retryable" json:"retryable"`
	Push                []string     `yaml:"push" json:"push"`
	TestInfraDependency []string     `yaml:"test_infra_dependency" json:"test_infra_dependency"`
	TestInfraWorkflow   []string     `yaml:"test_infra_workflow" json:"test_infra_workflow"`
	Safety              []SafetyRule `yaml:"safety" json:"safety"`
}

// DefaultPatterns returns the built-in pattern set.
func DefaultPatterns() Patterns {
	return Patterns{
		Install: []string{
			`\bpip\s+install\b`, `\buv\s+sync\b`, `\buv\s+pip\b`, `\bpoetry\s+install\b`,
			`\brye\s+sync\b`, `\bhatch\s+run\s+.*\bpip\s+install\b`, `\bnpm\s+(ci|install)\b`,
			`\bpnpm\s+install\b`, `\bbun\s+install\b`, `\byarn\s+install\b`,
		},
		Test: []string{
			`\bpytest\b`, `\btox\b`, `\bmake\s+test\b`, `\bbun\s+test\b`, `\bnpm\s+test\b`,
			`\bpnpm\s+test\b`, `\byarn\s+test\b`, `\bhatch\s+run\s+.*\btest\b`,
			`\bgo\s+test\b`, `\bcargo\s+test\b`,
		},
		Lint: []string{
			`\bmake\s+lint\b`, `\bruff\b`, `\beslint\b`, `\bflake8\b`, `\bpre-commit\b`,
			`\bgo\s+vet\b`, `\bgolangci-lint\b`, `\bcargo\s+clippy\b`,
		},
		Typecheck: []string{
			`\bmypy\b`, `\bpyright\b`, `\btypecheck\b`, `\btsc\b`, `\bcargo\s+check\b`,
		},
		Git: []string{
			`\bgit\s+status\b`, `\bgit\s+diff\b`, `\bgit\s+log\b`, `\bgit\s+add\b`,
			`\bgit\s+commit\b`, `\bgit\s+push\b`, `\bgit\s+fetch\b`,
		},
		Read: []string{
			`\brg\b`, `\bfind\b`, `\bls\b`, `\bcat\b`, `\bsed\b`, `\bawk\b`, `\bhead\b`, `\btail\b`,
		},
		HardFailure: []string{
			`\bpermission denied\b`, `\boperation not permitted\b`, `\bread-only file system\b`,
			`\bauthentication failed\b`, `\bunauthorized\b`, `\bforbidden\b`,
			`\bnot a git repository\b`, `\brepository not found\b`, `\bcommand not found\b`,
			`\bno such file or directory\b`, `\bindex\.lock\b`,
		},
		Retryable: []string{
			`\btimed out\b`, `\btimeout\b`, `\btemporary failure\b`, `\btemporarily unavailable\b`,
			`\bconnection reset\b`, `\bconnection aborted\b`, `\bconnection refused\b`,
			`\bcould not resolve host\b`, `\bnetwork is unreachable\b`, `\brate limit\b`,
			`\btoo many requests\b`, `\bhttp 429\b`, `\bhttp 5\d\d\b`, `\bservice unavailable\b`,
		},
		Push: []string{`\bgit\s+commit\b`, `\bgit\s+push\b`},
		TestInfraDependency: []string{
			`\bpytest\b`, `\btox\b`, `\bjest\b`, `\bvitest\b`, `\bunittest\b`, `\bava\b`,
			`\bmocha\b`, `\bcypress\b`, `\bplaywright\b`,
		},
		TestInfraWorkflow: []string{
			`\bpytest\b`, `\btox\b`, `\bmake\s+test\b`, `\bnpm\s+test\b`, `\bpnpm\s+test\b`,
			`\byarn\s+test\b`, `\bbun\s+test\b`, `\bgo\s+test\b`, `\bcargo\s+test\b`, `\bunit\s*test\b`,
		},
		Safety: []SafetyRule{
			{Name: "sudo", Pattern: `\bsudo\b`},
			{Name: "brew_install", Pattern: `\bbrew\s+install\b`},
			{Name: "npm_global", Pattern: `\bnpm\b.*\s(-g|--global)\b`},
			{Name: "pnpm_global", Pattern: `\bpnpm\b.*\s(-g|--global)\b`},
			{Name: "yarn_global", Pattern: `\byarn\s+global\b`},
			{Name: "uv_tool_install", Pattern: `\buv\s+tool\s+install\b`},
			{Name: "poetry_self", Pattern: `\bpoetry\s+self\b`},
		},
	}
}

// Merge returns p with every non-empty list in o replacing its counterpart.
func (p Patterns) Merge(o Patterns) Patterns {
	pick := func(base, over []string) []string {
		if len(over) > 0 {
			return append([]string(nil), over...)
		}
		return base
	}
	out := Patterns{
		Install:             pick(p.Install, o.Install),
		Test:                pick(p.Test, o.Test),
		Lint:                pick(p.Lint, o.Lint),
		Typecheck:           pick(p.Typecheck, o.Typecheck),
		Git:                 pick(p.Git, o.Git),
		Read:                pick(p.Read, o.Read),
		HardFailure:         pick(p.HardFailure, o.HardFailure),
		Retryable:           pick(p.Retryable, o.Retryable),
		Push:                pick(p.Push, o.Push),
		TestInfraDependency: pick(p.TestInfraDependency, o.TestInfraDependency),
		TestInfraWorkflow:   pick(p.TestInfraWorkflow, o.TestInfraWorkflow),
		Safety:              p.Safety,
	}
	if len(o.Safety) > 0 {
		out.Safety = append([]SafetyRule(nil), o.Safety...)
	}
	return out
}

type compiledRule struct {
	name string
	re   *regexp.Regexp
}

// Matcher is a compiled, immutable Patterns value. It is safe for
// concurrent use.
type Matcher struct {
	categories map[Category][]*regexp.Regexp
	hard       []*regexp.Regexp
	retryable  []*regexp.Regexp
	push       []*regexp.Regexp
	infraDeps  []*regexp.Regexp
	infraFlows []*regexp.Regexp
	safety     []compiledRule
}

// Compile validates and compiles p.
func (p Patterns) Compile() (*Matcher, error) {
	m := &Matcher{categories: make(map[Category][]*regexp.Regexp, len(categoryOrder))}
	var err error
	lists := []struct {
		name string
		src  []string
		dst  *[]*regexp.Regexp
	}{
		{"hard_failure", p.HardFailure, &m.hard},
		{"retryable", p.Retryable, &m.retryable},
		{"push", p.Push, &m.push},
		{"test_infra_dependency", p.TestInfraDependency, &m.infraDeps},
		{"test_infra_workflow", p.TestInfraWorkflow, &m.infraFlows},
	}
	for _, l := range lists {
		if *l.dst, err = compileAll(l.name, l.src); err != nil {
			return nil, err
		}
	}
	bySource := map[Category][]string{
		CategoryInstall:   p.Install,
		CategoryTest:      p.Test,
		CategoryTypecheck: p.Typecheck,
		CategoryLint:      p.Lint,
		CategoryGit:       p.Git,
		CategoryRead:      p.Read,
	}
	for _, c := range categoryOrder {
		res, err := compileAll(string(c), bySource[c])
		if err != nil {
			return nil, err
		}
		m.categories[c] = res
	}
	for _, r := range p.Safety {
		if r.Name == "" {
			return nil, fmt.Errorf("patterns: safety rule name is required")
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("patterns: safety rule %s: %w", r.Name, err)
		}
		m.safety = append(m.safety, compiledRule{name: r.Name, re: re})
	}
	return m, nil
}

// MustDefault compiles DefaultPatterns and panics on failure.
func MustDefault() *Matcher {
	m, err := DefaultPatterns().Compile()
	if err != nil {
		panic(err)
	}
	return m
}

func compileAll(name string, src []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(src))
	for _, s := range src {
		re, err := regexp.Compile("(?i)" + s)
		if err != nil {
			return nil, fmt.Errorf("patterns: %s %q: %w", name, s, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func anyMatch(res []*regexp.Regexp, text string) bool {
	for _, re := range res {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// Categorize returns the category of command.
func (m *Matcher) Categorize(command string) Category {
	for _, c := range categoryOrder {
		if anyMatch(m.categories[c], command) {
			return c
		}
	}
	return CategoryOther
}

// IsHardFailure reports whether text carries a non-transient failure signature.
func (m *Matcher) IsHardFailure(text string) bool { return anyMatch(m.hard, text) }

// IsRetryable reports whether text carries a transient failure signature.
func (m *Matcher) IsRetryable(text string) bool { return anyMatch(m.retryable, text) }

// IsPush reports whether command commits or pushes.
func (m *Matcher) IsPush(command string) bool { return anyMatch(m.push, command) }
