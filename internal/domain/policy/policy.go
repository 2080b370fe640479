// Package policy defines the run policy: thresholds and pattern
// configuration resolved per target repository into an immutable value that
// is passed down the call chain.
package policy

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Strob0t/AgentPR/internal/domain/evidence"
)

// GradingMode selects how far semantic review may relax rule outcomes.
type GradingMode string

const (
	GradingRules     GradingMode = "rules"
	GradingHybrid    GradingMode = "hybrid"
	GradingHybridLLM GradingMode = "hybrid_llm"
)

// Semantic reports whether the no-test-infra override is enabled.
func (g GradingMode) Semantic() bool { return g == GradingHybrid || g == GradingHybridLLM }

// UsesAdvisor reports whether the advisory model is consulted.
func (g GradingMode) UsesAdvisor() bool { return g == GradingHybridLLM }

// RunPolicy holds the thresholds for one agent step.
type RunPolicy struct {
	MaxAgentSeconds             int         `yaml:"max_agent_seconds" json:"max_agent_seconds"`
	MaxChangedFiles             int         `yaml:"max_changed_files" json:"max_changed_files"`
	MaxAddedLines               int         `yaml:"max_added_lines" json:"max_added_lines"`
	MaxRetryableAttempts        int         `yaml:"max_retryable_attempts" json:"max_retryable_attempts"`
	MinTestCommands             int         `yaml:"min_test_commands" json:"min_test_commands"`
	RuntimeGradingMode          GradingMode `yaml:"runtime_grading_mode" json:"runtime_grading_mode"`
	KnownTestFailureAllowlist   []string    `yaml:"known_test_failure_allowlist" json:"known_test_failure_allowlist"`
	SuccessEventStreamSamplePct int         `yaml:"success_event_stream_sample_pct" json:"success_event_stream_sample_pct"`
	MaxRunRetries               int         `yaml:"max_run_retries" json:"max_run_retries"`
	AllowAgentPush              bool        `yaml:"allow_agent_push" json:"allow_agent_push"`
	AllowedWriteRoots           []string    `yaml:"allowed_write_roots" json:"allowed_write_roots"`
	// NoTestInfraMaxAddedLines bounds the diff for the semantic no-test-infra pass.
	NoTestInfraMaxAddedLines int `yaml:"no_test_infra_max_added_lines" json:"no_test_infra_max_added_lines"`
}

// Defaults returns the built-in run policy.
func Defaults() RunPolicy {
	return RunPolicy{
		MaxAgentSeconds:             900,
		MaxChangedFiles:             8,
		MaxAddedLines:               150,
		MaxRetryableAttempts:        3,
		MinTestCommands:             1,
		RuntimeGradingMode:          GradingHybrid,
		SuccessEventStreamSamplePct: 15,
		MaxRunRetries:               2,
		NoTestInfraMaxAddedLines:    240,
	}
}

func (p RunPolicy) clone() RunPolicy {
	p.KnownTestFailureAllowlist = append([]string(nil), p.KnownTestFailureAllowlist...)
	p.AllowedWriteRoots = append([]string(nil), p.AllowedWriteRoots...)
	return p
}

// normalize clamps values into their valid ranges.
func (p *RunPolicy) normalize() {
	p.MaxAgentSeconds = max(p.MaxAgentSeconds, 0)
	p.MaxChangedFiles = max(p.MaxChangedFiles, 0)
	p.MaxAddedLines = max(p.MaxAddedLines, 0)
	p.MaxRetryableAttempts = max(p.MaxRetryableAttempts, 0)
	p.MinTestCommands = max(p.MinTestCommands, 0)
	p.MaxRunRetries = max(p.MaxRunRetries, 0)
	p.SuccessEventStreamSamplePct = min(max(p.SuccessEventStreamSamplePct, 0), 100)
	p.RuntimeGradingMode = GradingMode(strings.ToLower(strings.TrimSpace(string(p.RuntimeGradingMode))))
}

// StepSection is the run_agent_step document section.
type StepSection struct {
	RunPolicy     `yaml:",inline"`
	RepoOverrides map[string]yaml.Node `yaml:"repo_overrides"`
}

// Webhook holds ingress limits.
type Webhook struct {
	MaxPayloadBytes int64 `yaml:"max_payload_bytes" json:"max_payload_bytes"`
}

// Document is the on-disk policy file.
type Document struct {
	RunAgentStep StepSection       `yaml:"run_agent_step"`
	Patterns     evidence.Patterns `yaml:"patterns"`
	Webhook      Webhook           `yaml:"github_webhook"`
}

// DefaultDocument returns a document holding only defaults.
func DefaultDocument() Document {
	return Document{
		RunAgentStep: StepSection{RunPolicy: Defaults()},
		Webhook:      Webhook{MaxPayloadBytes: 1 << 20},
	}
}

// Set is a validated policy document. It is immutable after construction;
// reloading produces a new Set.
type Set struct {
	base      RunPolicy
	overrides map[string]yaml.Node
	matcher   *evidence.Matcher
	webhook   Webhook
	source    string
}

// Effective is the policy resolved for one target.
type Effective struct {
	RunPolicy
	Target     string            `json:"target"`
	Overridden bool              `json:"overridden"`
	Matcher    *evidence.Matcher `json:"-"`
}

// NewSet validates doc and compiles its patterns.
func NewSet(doc Document, source string) (*Set, error) {
	base := doc.RunAgentStep.RunPolicy.clone()
	base.normalize()
	if err := base.Validate(); err != nil {
		return nil, err
	}
	m, err := evidence.DefaultPatterns().Merge(doc.Patterns).Compile()
	if err != nil {
		return nil, fmt.Errorf("policy: %w", err)
	}
	s := &Set{
		base:      base,
		overrides: make(map[string]yaml.Node, len(doc.RunAgentStep.RepoOverrides)),
		matcher:   m,
		webhook:   doc.Webhook,
		source:    source,
	}
	if s.webhook.MaxPayloadBytes <= 0 {
		s.webhook.MaxPayloadBytes = 1 << 20
	}
	for key, node := range doc.RunAgentStep.RepoOverrides {
		k := strings.ToLower(strings.TrimSpace(key))
		if k == "" || strings.Count(k, "/") > 1 {
			return nil, fmt.Errorf("policy: invalid repo_overrides key %q", key)
		}
		s.overrides[k] = node
		if _, err := s.resolve(k); err != nil {
			return nil, fmt.Errorf("policy: repo_overrides[%s]: %w", key, err)
		}
	}
	return s, nil
}

// Default returns the built-in policy set.
func Default() *Set {
	s, err := NewSet(DefaultDocument(), "")
	if err != nil {
		panic(err)
	}
	return s
}

// Source is the file the set was loaded from, or "" for defaults.
func (s *Set) Source() string { return s.source }

// Webhook returns the ingress limits.
func (s *Set) Webhook() Webhook { return s.webhook }

// Base returns the policy before repository overrides.
func (s *Set) Base() RunPolicy { return s.base.clone() }

// Resolve returns the effective policy for owner/repo. Overrides keyed by
// bare repo name apply first, then those keyed by "owner/repo".
func (s *Set) Resolve(owner, repo string) (Effective, error) {
	owner = strings.ToLower(strings.TrimSpace(owner))
	repo = strings.ToLower(strings.TrimSpace(repo))
	target := repo
	if owner != "" {
		target = owner + "/" + repo
	}
	p := s.base.clone()
	overridden := false
	for _, key := range []string{repo, target} {
		node, ok := s.overrides[key]
		if !ok || key == "" {
			continue
		}
		if err := node.Decode(&p); err != nil {
			return Effective{}, fmt.Errorf("policy: decode override %s: %w", key, err)
		}
		overridden = true
		if key == target {
			break
		}
	}
	p.normalize()
	if err := p.Validate(); err != nil {
		return Effective{}, fmt.Errorf("policy: override for %s: %w", target, err)
	}
	return Effective{RunPolicy: p, Target: target, Overridden: overridden, Matcher: s.matcher}, nil
}

func (s *Set) resolve(key string) (Effective, error) {
	owner, repo, ok := strings.Cut(key, "/")
	if !ok {
		return s.Resolve("", key)
	}
	return s.Resolve(owner, repo)
}
