// Package gitlocal implements the workspace.Repo port using the local git CLI.
package gitlocal

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/sync/semaphore"

	"github.com/Strob0t/AgentPR/internal/domain/evidence"
)

// untrackedLineCap bounds how much of one untracked file is counted.
const untrackedLineCap = 4 << 20

// Provider runs git against local working copies, bounding concurrent
// git processes.
type Provider struct {
	sem         *semaphore.Weighted
	authorName  string
	authorEmail string
}

// NewProvider creates a Provider running at most limit git operations at
// once.
func NewProvider(limit int64) *Provider {
	if limit <= 0 {
		limit = 4
	}
	return &Provider{
		sem:         semaphore.NewWeighted(limit),
		authorName:  "agentpr",
		authorEmail: "agentpr@localhost",
	}
}

func (p *Provider) run(ctx context.Context, fn func() error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	return fn()
}

// Ready fails unless dir is inside a git work tree.
func (p *Provider) Ready(ctx context.Context, dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("gitlocal: workspace %s: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("gitlocal: workspace %s is not a directory", dir)
	}
	return p.run(ctx, func() error {
		out, err := runGit(ctx, dir, "rev-parse", "--is-inside-work-tree")
		if err != nil {
			return fmt.Errorf("gitlocal: workspace %s: %w", dir, err)
		}
		if strings.TrimSpace(out) != "true" {
			return fmt.Errorf("gitlocal: workspace %s is not a work tree", dir)
		}
		return nil
	})
}

// Diff reports tracked changes against HEAD plus untracked files.
func (p *Provider) Diff(ctx context.Context, dir string) (evidence.DiffStats, error) {
	var stats evidence.DiffStats
	err := p.run(ctx, func() error {
		numstat, err := runGit(ctx, dir, "diff", "--numstat", "-M", "HEAD")
		if err != nil {
			return fmt.Errorf("gitlocal: diff: %w", err)
		}
		if stats, err = evidence.ParseNumstat(numstat); err != nil {
			return fmt.Errorf("gitlocal: %w", err)
		}

		untracked, err := runGit(ctx, dir, "ls-files", "--others", "--exclude-standard")
		if err != nil {
			return fmt.Errorf("gitlocal: untracked: %w", err)
		}
		for _, rel := range strings.Split(untracked, "\n") {
			rel = strings.TrimSpace(rel)
			if rel == "" {
				continue
			}
			stats.AddFile(rel, countLines(filepath.Join(dir, rel)))
		}
		return nil
	})
	return stats, err
}

// Push stages everything, commits when there is something to commit and
// pushes HEAD to branch on origin.
func (p *Provider) Push(ctx context.Context, dir, branch, message string) (string, error) {
	if branch == "" {
		return "", errors.New("gitlocal: branch is required")
	}
	var commit string
	err := p.run(ctx, func() error {
		if _, err := runGit(ctx, dir, "add", "-A"); err != nil {
			return fmt.Errorf("gitlocal: add: %w", err)
		}
		status, err := runGit(ctx, dir, "status", "--porcelain")
		if err != nil {
			return fmt.Errorf("gitlocal: status: %w", err)
		}
		if strings.TrimSpace(status) != "" {
			if _, err := runGit(ctx, dir,
				"-c", "user.name="+p.authorName, "-c", "user.email="+p.authorEmail,
				"commit", "--no-verify", "-m", message); err != nil {
				return fmt.Errorf("gitlocal: commit: %w", err)
			}
		}
		head, err := runGit(ctx, dir, "rev-parse", "HEAD")
		if err != nil {
			return fmt.Errorf("gitlocal: rev-parse: %w", err)
		}
		commit = strings.TrimSpace(head)
		if _, err := runGit(ctx, dir, "push", "--set-upstream", "origin", "HEAD:refs/heads/"+branch); err != nil {
			return fmt.Errorf("gitlocal: push %s: %w", branch, err)
		}
		return nil
	})
	return commit, err
}

// countLines counts newline-terminated lines of a text file. Binary files
// and unreadable paths count as zero.
func countLines(path string) int {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer func() { _ = f.Close() }()

	head := make([]byte, 512)
	n, _ := f.Read(head)
	if bytes.IndexByte(head[:n], 0) >= 0 {
		return 0
	}
	if _, err := f.Seek(0, 0); err != nil {
		return 0
	}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64<<10), untrackedLineCap)
	lines := 0
	for sc.Scan() {
		lines++
	}
	return lines
}

// runGit executes a git command and returns its stdout.
func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s: %w", strings.TrimSpace(stderr.String()), err)
	}
	return stdout.String(), nil
}
