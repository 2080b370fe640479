// Package githubpr implements workspace.PRCreator for GitHub using the gh CLI.
package githubpr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/Strob0t/AgentPR/internal/domain/gate"
	"github.com/Strob0t/AgentPR/internal/port/workspace"
)

var pullURL = regexp.MustCompile(`https://\S+/pull/(\d+)`)

// Provider creates pull requests via the gh CLI.
type Provider struct {
	// execCommand is swappable for testing.
	execCommand func(ctx context.Context, name string, args ...string) *exec.Cmd
}

// New creates a Provider that shells out to gh.
func New() *Provider {
	return &Provider{execCommand: exec.CommandContext}
}

// ghPR mirrors the JSON output of `gh pr list --json number,url`.
type ghPR struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
}

// CreatePR returns the open pull request for action.Head when one exists,
// and otherwise creates it.
func (p *Provider) CreatePR(ctx context.Context, owner, repo, dir string, action gate.Action) (workspace.PullRequest, error) {
	ref, err := repoRef(owner, repo)
	if err != nil {
		return workspace.PullRequest{}, err
	}
	if err := action.Validate(); err != nil {
		return workspace.PullRequest{}, err
	}

	if existing, ok, err := p.findOpen(ctx, ref, dir, action.Head); err != nil {
		return workspace.PullRequest{}, err
	} else if ok {
		return existing, nil
	}

	args := []string{"pr", "create",
		"--repo", ref,
		"--base", action.Base,
		"--head", action.Head,
		"--title", action.Title,
		"--body", action.Body,
	}
	if action.Draft {
		args = append(args, "--draft")
	}
	out, err := p.gh(ctx, dir, args...)
	if err != nil {
		return workspace.PullRequest{}, fmt.Errorf("gh pr create: %w", err)
	}
	return parseCreateOutput(out)
}

func (p *Provider) findOpen(ctx context.Context, ref, dir, head string) (workspace.PullRequest, bool, error) {
	out, err := p.gh(ctx, dir, "pr", "list",
		"--repo", ref,
		"--head", head,
		"--state", "open",
		"--json", "number,url",
		"--limit", "1",
	)
	if err != nil {
		return workspace.PullRequest{}, false, fmt.Errorf("gh pr list: %w", err)
	}
	var prs []ghPR
	if err := json.Unmarshal(out, &prs); err != nil {
		return workspace.PullRequest{}, false, fmt.Errorf("parse gh output: %w", err)
	}
	if len(prs) == 0 {
		return workspace.PullRequest{}, false, nil
	}
	return workspace.PullRequest{Number: prs[0].Number, URL: prs[0].URL}, true, nil
}

func (p *Provider) gh(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := p.execCommand(ctx, "gh", args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s: %w", strings.TrimSpace(stderr.String()), err)
	}
	return stdout.Bytes(), nil
}

// parseCreateOutput extracts the pull request URL gh prints on success.
func parseCreateOutput(out []byte) (workspace.PullRequest, error) {
	m := pullURL.FindSubmatch(out)
	if m == nil {
		return workspace.PullRequest{}, fmt.Errorf("gh pr create: no pull request URL in output %q", strings.TrimSpace(string(out)))
	}
	n, err := strconv.Atoi(string(m[1]))
	if err != nil {
		return workspace.PullRequest{}, fmt.Errorf("gh pr create: %w", err)
	}
	return workspace.PullRequest{Number: n, URL: string(m[0])}, nil
}

func repoRef(owner, repo string) (string, error) {
	if owner == "" || repo == "" || strings.Contains(owner, "/") || strings.Contains(repo, "/") {
		return "", fmt.Errorf("invalid repository %q/%q: expected owner and repo", owner, repo)
	}
	return owner + "/" + repo, nil
}
