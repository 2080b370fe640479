package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Strob0t/AgentPR/internal/agentpool"
	cfotel "github.com/Strob0t/AgentPR/internal/adapter/otel"
	"github.com/Strob0t/AgentPR/internal/domain/artifact"
	"github.com/Strob0t/AgentPR/internal/domain/event"
	"github.com/Strob0t/AgentPR/internal/domain/evidence"
	"github.com/Strob0t/AgentPR/internal/domain/policy"
	"github.com/Strob0t/AgentPR/internal/domain/run"
	"github.com/Strob0t/AgentPR/internal/domain/verdict"
	"github.com/Strob0t/AgentPR/internal/logger"
	"github.com/Strob0t/AgentPR/internal/port/agent"
	"github.com/Strob0t/AgentPR/internal/port/ledger"
	"github.com/Strob0t/AgentPR/internal/port/workspace"
)

// Step names recorded on attempts and failure events.
const (
	StepAgent = "agent"
	StepDiff  = "diff"
	StepPush  = "push"
)

// BranchPrefix prefixes the branches runs are pushed to.
const BranchPrefix = "agentpr/"

// ExecutorService performs the worker side of a run: agent attempts with
// evidence extraction and classification, and the push that finalizes a
// passing attempt.
type ExecutorService struct {
	runs     *RunService
	runner   agent.Runner
	repo     workspace.Repo
	pool     *agentpool.Pool
	reviewer verdict.Reviewer
	metrics  *cfotel.Metrics
	timeout  time.Duration
	log      *slog.Logger
}

// NewExecutorService creates an ExecutorService. timeout overrides the
// policy's max_agent_seconds when positive.
func NewExecutorService(runs *RunService, runner agent.Runner, repo workspace.Repo, pool *agentpool.Pool, timeout time.Duration, log *slog.Logger) *ExecutorService {
	if log == nil {
		log = slog.Default()
	}
	return &ExecutorService{
		runs:    runs,
		runner:  runner,
		repo:    repo,
		pool:    pool,
		timeout: timeout,
		log:     log,
	}
}

// SetReviewer enables advisory review of passing attempts.
func (s *ExecutorService) SetReviewer(r verdict.Reviewer) { s.reviewer = r }

// SetMetrics sets the metric instruments.
func (s *ExecutorService) SetMetrics(m *cfotel.Metrics) { s.metrics = m }

// Timeout returns the hard timeout for an attempt under p.
func (s *ExecutorService) Timeout(p policy.Effective) time.Duration {
	if s.timeout > 0 {
		return s.timeout
	}
	return time.Duration(p.MaxAgentSeconds) * time.Second
}

// Busy reports whether runID has an attempt in flight in this process.
func (s *ExecutorService) Busy(runID string) bool { return s.pool.Busy(runID) }

// Wait blocks until every background attempt has returned.
func (s *ExecutorService) Wait() { s.pool.Wait() }

// Invoke starts an agent attempt for v in the background. It returns
// agentpool.ErrBusy when the run already has one in flight.
func (s *ExecutorService) Invoke(ctx context.Context, v ledger.RunView, instructions string) error {
	r, snap := v.Run, v.Snapshot
	return s.pool.Go(context.WithoutCancel(ctx), r.ID, s.log, func(ctx context.Context) error {
		return s.Attempt(ctx, &r, snap, instructions)
	})
}

// Attempt runs one agent attempt synchronously and records its outcome:
// worker.agent.started, the attempt row, the digest artifacts and
// worker.agent.completed. Agent failures become verdicts; only ledger
// failures are returned.
func (s *ExecutorService) Attempt(ctx context.Context, r *run.Run, snap run.Snapshot, instructions string) error {
	ctx = logger.WithRunID(ctx, r.ID)
	log := logger.FromContext(ctx, s.log)
	store := s.runs.Store()

	eff, err := s.runs.Policy(r)
	if err != nil {
		return s.fail(ctx, r.ID, StepAgent, "policy_invalid", err)
	}
	if err := s.repo.Ready(ctx, r.Workspace); err != nil {
		return s.fail(ctx, r.ID, StepAgent, "workspace_not_ready", err)
	}

	if instructions == "" {
		instructions = r.Instructions
	}
	started := s.runs.now()
	att, err := store.StartAttempt(ctx, r.ID, StepAgent, started)
	if err != nil {
		return fmt.Errorf("start agent attempt: %w", err)
	}
	if _, err := s.runs.Apply(ctx, r.ID, event.TypeAgentStarted, event.AgentStartedPayload{
		AttemptNo:    att.AttemptNo,
		Instructions: instructions,
	}, "", snap.State); err != nil {
		s.finish(ctx, att, nil, started)
		return err
	}

	timeout := s.Timeout(eff)
	actx, span := cfotel.StartAgentSpan(ctx, r.ID, att.AttemptNo)
	res, err := s.runner.Run(actx, agent.Request{
		RunID:        r.ID,
		AttemptNo:    att.AttemptNo,
		State:        string(snap.State),
		Workspace:    r.Workspace,
		Task:         r.Task,
		Instructions: instructions,
		Constraints:  constraints(eff),
		Timeout:      timeout,
	})
	cfotel.End(span, err)
	if err != nil {
		s.finish(ctx, att, nil, started)
		if ctx.Err() != nil {
			// Shutdown: the stale in-flight check times the attempt out later.
			return err
		}
		return s.fail(ctx, r.ID, StepAgent, "agent_launch_failed", err)
	}
	s.metrics.AgentRun(ctx, res.Duration(), res.TimedOut)

	diff, err := s.repo.Diff(ctx, r.Workspace)
	if err != nil {
		s.finish(ctx, att, &res.ExitCode, started)
		return s.fail(ctx, r.ID, StepDiff, "diff_failed", err)
	}
	infra, err := eff.Matcher.ScanTestInfra(r.Workspace)
	if err != nil {
		log.Warn("test infrastructure scan failed", "error", err)
	}

	transcript := evidence.Parse(string(res.Transcript))
	ev := evidence.Extract(evidence.Input{
		ExitCode:          res.ExitCode,
		TimedOut:          res.TimedOut,
		Transcript:        transcript,
		Stderr:            res.Stderr,
		Diff:              diff,
		TestInfra:         infra,
		Workspace:         r.Workspace,
		AllowedWriteRoots: eff.AllowedWriteRoots,
		AllowAgentPush:    eff.AllowAgentPush,
	}, eff.Matcher)

	v, err := s.grader(snap.State).Grade(ctx, verdict.Input{
		Evidence:           ev,
		RequiresValidation: snap.State.RequiresValidation(),
		PriorRetryable:     snap.ConsecutiveRetryable,
		Policy:             eff,
	})
	if err != nil {
		log.Warn("advisory grading degraded to rules", "error", err)
	}
	s.metrics.Verdict(ctx, string(v.Grade), v.ReasonCode)

	kept := verdict.KeepTranscript(r.ID, att.AttemptNo, v.Grade, eff.SuccessEventStreamSamplePct)
	refs, err := s.writeArtifacts(ctx, artifact.DigestInput{
		RunID:      r.ID,
		State:      string(snap.State),
		AttemptNo:  att.AttemptNo,
		Verdict:    v,
		Evidence:   ev,
		Transcript: transcript,
		Policy:     eff,
		Kept:       kept,
		Now:        s.runs.now(),
	}, res.Transcript)
	if err != nil {
		s.finish(ctx, att, &res.ExitCode, started)
		return err
	}
	att.LogRefs = refs
	s.finish(ctx, att, &res.ExitCode, started)

	_, err = s.runs.Apply(ctx, r.ID, event.TypeAgentCompleted, event.AgentCompletedPayload{
		AttemptNo:  att.AttemptNo,
		ExitCode:   res.ExitCode,
		Grade:      string(v.Grade),
		ReasonCode: v.ReasonCode,
		Confidence: string(v.Confidence),
	}, "", "")
	if err != nil {
		return err
	}
	log.Info("agent attempt classified", "attempt_no", att.AttemptNo, "exit_code", res.ExitCode,
		"timed_out", res.TimedOut, "grade", v.Grade, "reason_code", v.ReasonCode, "confidence", v.Confidence)
	return nil
}

func (s *ExecutorService) grader(state run.State) verdict.Grader {
	c := verdict.Composite{Rules: verdict.Rules{}}
	if s.reviewer != nil {
		c.Advisory = verdict.Advisory{Reviewer: s.reviewer, State: string(state)}
	}
	return c
}

// writeArtifacts stores the run digest, its markdown rendering and, when
// sampled, the raw event stream. It returns their content refs.
func (s *ExecutorService) writeArtifacts(ctx context.Context, in artifact.DigestInput, transcript []byte) ([]string, error) {
	d := artifact.BuildDigest(in)
	meta := map[string]any{"attempt_no": in.AttemptNo, "grade": string(in.Verdict.Grade)}

	digest, err := artifact.JSON(in.RunID, artifact.TypeRunDigest, d, meta)
	if err != nil {
		return nil, fmt.Errorf("encode run digest: %w", err)
	}
	insight := artifact.Text(in.RunID, artifact.TypeManagerInsight, "text/markdown", d.Insight(), meta)
	arts := []*artifact.Artifact{&digest, &insight}
	if in.Kept && len(transcript) > 0 {
		stream := artifact.Text(in.RunID, artifact.TypeEventStream, "application/x-ndjson", string(transcript), meta)
		arts = append(arts, &stream)
	}

	refs := make([]string, 0, len(arts))
	for _, a := range arts {
		if err := s.runs.AddArtifact(ctx, a); err != nil {
			return nil, err
		}
		refs = append(refs, a.ContentRef())
	}
	return refs, nil
}

func (s *ExecutorService) finish(ctx context.Context, a *run.StepAttempt, exitCode *int, started time.Time) {
	now := s.runs.now()
	a.ExitCode = exitCode
	a.DurationMS = now.Sub(started).Milliseconds()
	a.FinishedAt = &now
	if err := s.runs.Store().FinishAttempt(ctx, a); err != nil {
		s.log.Error("finish attempt failed", "run_id", a.RunID, "step", a.Step, "attempt_no", a.AttemptNo, "error", err)
	}
}

// fail records worker.step.failed for step and returns nil when the event
// was applied, so callers treat the failure as handled.
func (s *ExecutorService) fail(ctx context.Context, runID, step, code string, cause error) error {
	logger.FromContext(ctx, s.log).Warn("worker step failed", "step", step, "reason_code", code, "error", cause)
	_, err := s.runs.Apply(ctx, runID, event.TypeStepFailed, event.StepFailedPayload{
		Step:         step,
		ReasonCode:   code,
		ErrorMessage: truncateMessage(cause.Error()),
	}, "", "")
	return err
}

// Finalize pushes the workspace of a passing run to its branch and records
// worker.push.completed. Push failures are recorded as a transient step
// failure so the run can be retried as a successor.
func (s *ExecutorService) Finalize(ctx context.Context, v ledger.RunView) error {
	r := v.Run
	ctx = logger.WithRunID(ctx, r.ID)
	if err := s.repo.Ready(ctx, r.Workspace); err != nil {
		return s.fail(ctx, r.ID, StepPush, "workspace_not_ready", err)
	}
	branch := BranchPrefix + r.ID
	att, err := s.runs.Store().StartAttempt(ctx, r.ID, StepPush, s.runs.now())
	if err != nil {
		return fmt.Errorf("start push attempt: %w", err)
	}
	started := att.StartedAt
	commit, err := s.repo.Push(ctx, r.Workspace, branch, commitMessage(&r))
	if err != nil {
		code := 1
		s.finish(ctx, att, &code, started)
		return s.fail(ctx, r.ID, StepPush, "transient_push_failure", err)
	}
	code := 0
	s.finish(ctx, att, &code, started)
	_, err = s.runs.Apply(ctx, r.ID, event.TypePushCompleted, event.PushCompletedPayload{
		Branch: branch,
		Commit: commit,
	}, "", v.Snapshot.State)
	return err
}

func commitMessage(r *run.Run) string {
	return "agentpr: " + firstLine(r.Task) + "\n\nRun: " + r.ID
}

// constraints renders the policy limits handed to the agent.
func constraints(p policy.Effective) string {
	var b strings.Builder
	fmt.Fprintf(&b, "- change at most %d files and %d added lines\n", p.MaxChangedFiles, p.MaxAddedLines)
	fmt.Fprintf(&b, "- run at least %d test command(s) and report their results\n", p.MinTestCommands)
	if !p.AllowAgentPush {
		b.WriteString("- do not run git push; the orchestrator pushes\n")
	}
	if len(p.AllowedWriteRoots) > 0 {
		fmt.Fprintf(&b, "- write only under: %s\n", strings.Join(p.AllowedWriteRoots, ", "))
	}
	b.WriteString("- do not install system packages or request elevated privileges\n")
	return b.String()
}

func truncateMessage(s string) string { return truncate(s, 500) }

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// errBusy reports whether err is the pool's in-flight rejection.
func errBusy(err error) bool { return errors.Is(err, agentpool.ErrBusy) }
