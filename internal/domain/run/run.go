package run

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Run is one integration task instance. It is created once on intake and
// never deleted; its state lives in the Snapshot projection.
type Run struct {
	ID            string    `json:"id"`
	Owner         string    `json:"owner"`
	Repo          string    `json:"repo"`
	Workspace     string    `json:"workspace"`
	Task          string    `json:"task"`
	Instructions  string    `json:"instructions,omitempty"`
	PolicyProfile string    `json:"policy_profile,omitempty"`
	PRNumber      int       `json:"pr_number,omitempty"`
	RetryOf       string    `json:"retry_of,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// NewID returns a fresh run identifier.
func NewID() string { return uuid.NewString() }

// Target returns the normalized "owner/repo" reference.
func (r *Run) Target() string {
	return strings.ToLower(r.Owner) + "/" + strings.ToLower(r.Repo)
}

// Validate checks that a Run has all required fields.
func (r *Run) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("id is required")
	}
	if r.Owner == "" || r.Repo == "" {
		return fmt.Errorf("owner and repo are required")
	}
	if strings.Contains(r.Owner, "/") || strings.Contains(r.Repo, "/") {
		return fmt.Errorf("owner and repo must not contain '/'")
	}
	if r.Workspace == "" {
		return fmt.Errorf("workspace is required")
	}
	return nil
}

// StepAttempt is one externally executed unit of work. AttemptNo is
// gapless per (run, step) starting at 1.
type StepAttempt struct {
	ID         int64      `json:"id"`
	RunID      string     `json:"run_id"`
	Step       string     `json:"step"`
	AttemptNo  int        `json:"attempt_no"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	DurationMS int64      `json:"duration_ms"`
	LogRefs    []string   `json:"log_refs,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Finished reports whether the attempt has been finalized.
func (a *StepAttempt) Finished() bool { return a.FinishedAt != nil }
