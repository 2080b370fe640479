package service

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/AgentPR/internal/adapter/sqlite"
	"github.com/Strob0t/AgentPR/internal/agentpool"
	"github.com/Strob0t/AgentPR/internal/domain/evidence"
	"github.com/Strob0t/AgentPR/internal/domain/gate"
	"github.com/Strob0t/AgentPR/internal/domain/policy"
	"github.com/Strob0t/AgentPR/internal/domain/run"
	"github.com/Strob0t/AgentPR/internal/port/agent"
	"github.com/Strob0t/AgentPR/internal/port/workspace"
)

const passingTranscript = `{"type":"item.completed","item":{"id":"a","type":"command_execution","command":"pytest tests/unit","exit_code":0}}
{"type":"item.completed","item":{"id":"b","type":"command_execution","command":"npm test","exit_code":0}}
`

var discard = slog.New(slog.DiscardHandler)

func newTestRuns(t *testing.T) *RunService {
	t.Helper()
	store, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return NewRunService(store, policy.NewHolder(policy.Default()), discard)
}

func createTestRun(t *testing.T, s *RunService) *run.Run {
	t.Helper()
	r, res, err := s.CreateRun(context.Background(), CreateRequest{
		Owner:     "acme",
		Repo:      "widgets",
		Workspace: t.TempDir(),
		Task:      "Fix the flaky parser test",
	})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if !res.Applied {
		t.Fatalf("create not applied: %+v", res)
	}
	return r
}

func mustState(t *testing.T, s *RunService, runID string, want run.State) run.Snapshot {
	t.Helper()
	v, err := s.Get(context.Background(), runID)
	if err != nil {
		t.Fatalf("get %s: %v", runID, err)
	}
	if v.Snapshot.State != want {
		t.Fatalf("state = %s, want %s (last_error=%q)", v.Snapshot.State, want, v.Snapshot.LastError)
	}
	return v.Snapshot
}

// fakeRunner returns a canned result and records requests.
type fakeRunner struct {
	mu     sync.Mutex
	reqs   []agent.Request
	result agent.Result
	err    error
}

func (f *fakeRunner) Run(_ context.Context, req agent.Request) (*agent.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	res := f.result
	res.StartedAt = time.Now()
	res.FinishedAt = res.StartedAt.Add(time.Second)
	return &res, nil
}

func (f *fakeRunner) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

// fakeRepo is a workspace.Repo with a fixed diff.
type fakeRepo struct {
	diff     evidence.DiffStats
	readyErr error
	pushErr  error
	pushed   []string
}

func (f *fakeRepo) Ready(context.Context, string) error { return f.readyErr }

func (f *fakeRepo) Diff(context.Context, string) (evidence.DiffStats, error) { return f.diff, nil }

func (f *fakeRepo) Push(_ context.Context, _, branch, _ string) (string, error) {
	if f.pushErr != nil {
		return "", f.pushErr
	}
	f.pushed = append(f.pushed, branch)
	return "abc1234", nil
}

func smallDiff() evidence.DiffStats {
	return evidence.DiffStats{ChangedFiles: []string{"src/parser.py"}, ChangedFilesCount: 1, AddedLines: 12}
}

func newTestExecutor(s *RunService, runner agent.Runner, repo workspace.Repo) *ExecutorService {
	return NewExecutorService(s, runner, repo, agentpool.New(2), time.Minute, discard)
}

// fakePRs opens numbered pull requests.
type fakePRs struct {
	created []gate.Action
	err     error
}

func (f *fakePRs) CreatePR(_ context.Context, owner, repo, _ string, a gate.Action) (workspace.PullRequest, error) {
	if f.err != nil {
		return workspace.PullRequest{}, f.err
	}
	f.created = append(f.created, a)
	n := 40 + len(f.created)
	return workspace.PullRequest{Number: n, URL: "https://github.com/" + owner + "/" + repo + "/pull/" + strconv.Itoa(n)}, nil
}

var errBoom = errors.New("boom")
