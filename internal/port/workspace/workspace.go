// Package workspace defines the ports for the run's working copy and the
// code-hosting platform.
package workspace

import (
	"context"

	"github.com/Strob0t/AgentPR/internal/domain/evidence"
	"github.com/Strob0t/AgentPR/internal/domain/gate"
)

// Repo is a local working copy.
type Repo interface {
	// Ready fails when dir is not a usable working copy.
	Ready(ctx context.Context, dir string) error
	// Diff reports the changes in dir relative to HEAD, untracked files
	// included.
	Diff(ctx context.Context, dir string) (evidence.DiffStats, error)
	// Push commits pending changes and pushes HEAD to branch on origin.
	// It returns the pushed commit.
	Push(ctx context.Context, dir, branch, message string) (string, error)
}

// PullRequest identifies a created pull request.
type PullRequest struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
}

// PRCreator opens pull requests on the code-hosting platform.
type PRCreator interface {
	CreatePR(ctx context.Context, owner, repo, dir string, action gate.Action) (PullRequest, error)
}
