package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/Strob0t/AgentPR/internal/domain/artifact"
	"github.com/Strob0t/AgentPR/internal/domain/decision"
	"github.com/Strob0t/AgentPR/internal/domain/run"
	"github.com/Strob0t/AgentPR/internal/domain/verdict"
	"github.com/Strob0t/AgentPR/internal/port/agent"
)

// startedRun creates a run and moves it to EXECUTING.
func startedRun(t *testing.T, s *RunService) *run.Run {
	t.Helper()
	r := createTestRun(t, s)
	if _, err := s.Command(context.Background(), r.ID, CommandStart, CommandArgs{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	return r
}

func attempt(t *testing.T, s *RunService, e *ExecutorService, runID string) {
	t.Helper()
	v, err := s.Get(context.Background(), runID)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Attempt(context.Background(), &v.Run, v.Snapshot, ""); err != nil {
		t.Fatalf("attempt: %v", err)
	}
}

func TestAttempt_PassRecordsVerdictAndDigest(t *testing.T) {
	s := newTestRuns(t)
	r := startedRun(t, s)
	runner := &fakeRunner{result: agent.Result{ExitCode: 0, Transcript: []byte(passingTranscript)}}
	e := newTestExecutor(s, runner, &fakeRepo{diff: smallDiff()})

	attempt(t, s, e, r.ID)

	snap := mustState(t, s, r.ID, run.StateExecuting)
	if snap.Grade != verdict.GradePass || snap.ReasonCode != verdict.ReasonRuntimeSuccess {
		t.Errorf("verdict = %s/%s", snap.Grade, snap.ReasonCode)
	}
	if snap.InFlight() {
		t.Error("attempt still in flight")
	}

	req := runner.reqs[0]
	if req.AttemptNo != 1 || req.Timeout != time.Minute || req.Constraints == "" {
		t.Errorf("request = %+v", req)
	}

	atts, err := s.Attempts(context.Background(), r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(atts) != 1 || !atts[0].Finished() || atts[0].ExitCode == nil || *atts[0].ExitCode != 0 {
		t.Fatalf("attempts = %+v", atts)
	}
	if len(atts[0].LogRefs) < 2 {
		t.Errorf("log refs = %v", atts[0].LogRefs)
	}

	a, err := s.LatestArtifact(context.Background(), r.ID, artifact.TypeRunDigest)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	var d artifact.Digest
	if err := a.Decode(&d); err != nil {
		t.Fatal(err)
	}
	if d.Validation.TestCommandCount != 2 || d.Changes.ChangedFilesCount != 1 {
		t.Errorf("digest = %+v", d)
	}
	if _, err := s.LatestArtifact(context.Background(), r.ID, artifact.TypeManagerInsight); err != nil {
		t.Errorf("insight: %v", err)
	}
}

func TestAttempt_TransientFailureIsRetryable(t *testing.T) {
	s := newTestRuns(t)
	r := startedRun(t, s)
	runner := &fakeRunner{result: agent.Result{ExitCode: 1, Stderr: "connection reset by peer"}}
	e := newTestExecutor(s, runner, &fakeRepo{diff: smallDiff()})

	attempt(t, s, e, r.ID)

	snap := mustState(t, s, r.ID, run.StateExecuting)
	if snap.Grade != verdict.GradeRetryable || snap.ConsecutiveRetryable != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
	attempt(t, s, e, r.ID)
	snap = mustState(t, s, r.ID, run.StateExecuting)
	if snap.ConsecutiveRetryable != 2 {
		t.Errorf("consecutive retryable = %d, want 2", snap.ConsecutiveRetryable)
	}
	if runner.reqs[1].AttemptNo != 2 {
		t.Errorf("second attempt_no = %d", runner.reqs[1].AttemptNo)
	}
}

func TestAttempt_FailuresBecomeStepFailed(t *testing.T) {
	tests := []struct {
		name   string
		runner *fakeRunner
		repo   *fakeRepo
		prefix string
	}{
		{"launch", &fakeRunner{err: errBoom}, &fakeRepo{}, "agent:agent_launch_failed:"},
		{"workspace", &fakeRunner{}, &fakeRepo{readyErr: errBoom}, "agent:workspace_not_ready:"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestRuns(t)
			r := startedRun(t, s)
			attempt(t, s, newTestExecutor(s, tt.runner, tt.repo), r.ID)
			snap := mustState(t, s, r.ID, run.StateFailed)
			if !strings.HasPrefix(snap.LastError, tt.prefix) {
				t.Errorf("last_error = %q, want prefix %q", snap.LastError, tt.prefix)
			}
		})
	}
}

func TestInvoke_RunsInBackground(t *testing.T) {
	s := newTestRuns(t)
	r := startedRun(t, s)
	runner := &fakeRunner{result: agent.Result{Transcript: []byte(passingTranscript)}}
	e := newTestExecutor(s, runner, &fakeRepo{diff: smallDiff()})

	v, err := s.Get(context.Background(), r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Invoke(context.Background(), v, "focus on the parser"); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	e.Wait()

	if runner.calls() != 1 || runner.reqs[0].Instructions != "focus on the parser" {
		t.Errorf("requests = %+v", runner.reqs)
	}
	if snap := mustState(t, s, r.ID, run.StateExecuting); snap.Grade != verdict.GradePass {
		t.Errorf("grade = %s", snap.Grade)
	}
}

func TestFinalize(t *testing.T) {
	s := newTestRuns(t)
	r := startedRun(t, s)
	repo := &fakeRepo{diff: smallDiff()}
	e := newTestExecutor(s, &fakeRunner{result: agent.Result{Transcript: []byte(passingTranscript)}}, repo)
	attempt(t, s, e, r.ID)

	v, _ := s.Get(context.Background(), r.ID)
	if err := e.Finalize(context.Background(), v); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	snap := mustState(t, s, r.ID, run.StatePushed)
	if snap.Branch != BranchPrefix+r.ID || len(repo.pushed) != 1 {
		t.Errorf("branch = %q, pushed = %v", snap.Branch, repo.pushed)
	}
}

func TestFinalize_PushFailureIsTransient(t *testing.T) {
	s := newTestRuns(t)
	r := startedRun(t, s)
	e := newTestExecutor(s, &fakeRunner{}, &fakeRepo{pushErr: errBoom})

	v, _ := s.Get(context.Background(), r.ID)
	if err := e.Finalize(context.Background(), v); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	snap := mustState(t, s, r.ID, run.StateFailed)
	if !decision.TransientFailure(snap.LastError) {
		t.Errorf("last_error %q should be transient", snap.LastError)
	}
}
