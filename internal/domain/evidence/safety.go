package evidence

import (
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Violation is one breach of the safety contract.
type Violation struct {
	Rule    string `json:"rule"`
	Command string `json:"command,omitempty"`
	Path    string `json:"path,omitempty"`
}

const (
	RuleWriteOutsideWorkspace = "write_outside_workspace"
	RuleWriteOutsideRoots     = "write_outside_allowed_roots"
	RuleAgentPush             = "agent_push_disallowed"
)

// CommandViolations checks every command against the safety rules.
func (m *Matcher) CommandViolations(commands []string, allowPush bool) []Violation {
	var out []Violation
	for _, c := range commands {
		for _, r := range m.safety {
			if r.re.MatchString(c) {
				out = append(out, Violation{Rule: r.name, Command: c})
			}
		}
		if !allowPush && m.IsPush(c) {
			out = append(out, Violation{Rule: RuleAgentPush, Command: c})
		}
	}
	return out
}

// WriteViolations reports written paths that escape workspace or fall
// outside every allowed root glob. Globs are matched against the
// slash-separated path relative to workspace; no globs allows everything
// inside the workspace.
func WriteViolations(workspace string, paths, allowedRoots []string) []Violation {
	var out []Violation
	for _, p := range paths {
		rel, ok := relativeTo(workspace, p)
		if !ok {
			out = append(out, Violation{Rule: RuleWriteOutsideWorkspace, Path: p})
			continue
		}
		if len(allowedRoots) == 0 {
			continue
		}
		allowed := false
		for _, g := range allowedRoots {
			if ok, err := doublestar.Match(g, rel); err == nil && ok {
				allowed = true
				break
			}
		}
		if !allowed {
			out = append(out, Violation{Rule: RuleWriteOutsideRoots, Path: rel})
		}
	}
	return out
}

func relativeTo(workspace, p string) (string, bool) {
	if workspace == "" {
		workspace = "."
	}
	target := p
	if !filepath.IsAbs(p) {
		target = filepath.Join(workspace, p)
	}
	rel, err := filepath.Rel(filepath.Clean(workspace), filepath.Clean(target))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}
