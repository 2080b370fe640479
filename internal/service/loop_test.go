package service

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/Strob0t/AgentPR/internal/config"
	"github.com/Strob0t/AgentPR/internal/domain/artifact"
	"github.com/Strob0t/AgentPR/internal/domain/decision"
	"github.com/Strob0t/AgentPR/internal/domain/event"
	"github.com/Strob0t/AgentPR/internal/domain/evidence"
	"github.com/Strob0t/AgentPR/internal/domain/policy"
	"github.com/Strob0t/AgentPR/internal/domain/run"
	"github.com/Strob0t/AgentPR/internal/port/agent"
	"github.com/Strob0t/AgentPR/internal/port/ledger"
	"github.com/Strob0t/AgentPR/internal/port/notifier"
)

type loopFixture struct {
	runs *RunService
	exec *ExecutorService
	loop *LoopService
	sink *mockNotifier
	repo *fakeRepo
}

func newLoopFixture(t *testing.T, s *RunService, runner agent.Runner, repo *fakeRepo, cfg config.Loop) *loopFixture {
	t.Helper()
	sink := &mockNotifier{name: "sink"}
	notify := NewNotificationService([]notifier.Notifier{sink}, nil, discard)
	e := newTestExecutor(s, runner, repo)
	l := NewLoopService(s, e, notify, cfg, discard)
	l.SetGates(NewGateService(s, &fakePRs{}, notify, config.Gate{TokenTTL: time.Hour}, discard))
	return &loopFixture{runs: s, exec: e, loop: l, sink: sink, repo: repo}
}

func (f *loopFixture) tick(t *testing.T, runID string) RunTick {
	t.Helper()
	rt, err := f.loop.TickRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	f.exec.Wait()
	return rt
}

func actions(rt RunTick) []decision.Action {
	out := make([]decision.Action, len(rt.Decisions))
	for i, d := range rt.Decisions {
		out[i] = d.Action
	}
	return out
}

func TestLoop_DrivesRunToGate(t *testing.T) {
	s := newTestRuns(t)
	r := createTestRun(t, s)
	runner := &fakeRunner{result: agent.Result{Transcript: []byte(passingTranscript)}}
	f := newLoopFixture(t, s, runner, &fakeRepo{diff: smallDiff()}, config.Loop{})

	// QUEUED starts and the agent is invoked within one tick.
	rt := f.tick(t, r.ID)
	if got := actions(rt); !slices.Equal(got, []decision.Action{decision.ActionAdvance, decision.ActionAdvance}) {
		t.Fatalf("first tick = %v", got)
	}
	if runner.calls() != 1 {
		t.Fatalf("runner calls = %d", runner.calls())
	}
	mustState(t, s, r.ID, run.StateExecuting)

	rt = f.tick(t, r.ID)
	if got := actions(rt); !slices.Equal(got, []decision.Action{decision.ActionFinalize}) {
		t.Fatalf("second tick = %v", got)
	}
	mustState(t, s, r.ID, run.StatePushed)

	rt = f.tick(t, r.ID)
	if got := actions(rt); !slices.Equal(got, []decision.Action{decision.ActionWaitHuman}) {
		t.Fatalf("third tick = %v", got)
	}
	if _, err := s.Store().LatestGateRequest(context.Background(), r.ID); err != nil {
		t.Fatalf("gate request: %v", err)
	}
	f.tick(t, r.ID)
	var requests int
	for _, k := range f.sink.kinds() {
		if k == notifier.KindGateRequest {
			requests++
		}
	}
	if requests != 1 {
		t.Errorf("gate request notifications = %d, want 1", requests)
	}

	arts, _ := s.Artifacts(context.Background(), r.ID)
	var decisions int
	for _, a := range arts {
		if a.Type == artifact.TypeManagerDecision {
			decisions++
		}
	}
	if decisions != 3 {
		t.Errorf("manager decisions = %d, want 3", decisions)
	}
}

func TestLoop_EscalatesOverBudgetDiff(t *testing.T) {
	s := newTestRuns(t)
	r := startedRun(t, s)
	files := make([]string, 20)
	for i := range files {
		files[i] = "src/f" + string(rune('a'+i)) + ".py"
	}
	repo := &fakeRepo{diff: evidence.DiffStats{ChangedFiles: files, ChangedFilesCount: len(files), AddedLines: 400}}
	f := newLoopFixture(t, s, &fakeRunner{result: agent.Result{Transcript: []byte(passingTranscript)}}, repo, config.Loop{})

	f.tick(t, r.ID)
	rt := f.tick(t, r.ID)
	if got := actions(rt); !slices.Equal(got, []decision.Action{decision.ActionEscalate}) {
		t.Fatalf("tick = %v", got)
	}
	snap := mustState(t, s, r.ID, run.StateNeedsHuman)
	if snap.LastError != "escalated:diff_budget_exceeded" {
		t.Errorf("last_error = %q", snap.LastError)
	}
	if !slices.Contains(f.sink.kinds(), notifier.KindEscalation) {
		t.Errorf("kinds = %v", f.sink.kinds())
	}
}

func TestLoop_TransientFailureCreatesOneSuccessor(t *testing.T) {
	s := newTestRuns(t)
	r := startedRun(t, s)
	f := newLoopFixture(t, s, &fakeRunner{}, &fakeRepo{pushErr: errBoom}, config.Loop{})
	v, _ := s.Get(context.Background(), r.ID)
	if err := f.exec.Finalize(context.Background(), v); err != nil {
		t.Fatal(err)
	}
	mustState(t, s, r.ID, run.StateFailed)

	rt := f.tick(t, r.ID)
	if len(rt.Decisions) != 1 || !rt.Decisions[0].Successor {
		t.Fatalf("decisions = %+v", rt.Decisions)
	}
	succ, err := s.Get(context.Background(), SuccessorID(r.ID))
	if err != nil {
		t.Fatalf("successor: %v", err)
	}
	if succ.Run.RetryOf != r.ID || succ.Snapshot.State != run.StateQueued || succ.Run.Task != r.Task {
		t.Errorf("successor = %+v", succ)
	}

	rt = f.tick(t, r.ID)
	if got := actions(rt); !slices.Equal(got, []decision.Action{decision.ActionNoop}) {
		t.Errorf("repeat tick = %v", got)
	}
	views, _ := s.List(context.Background(), ledger.ListFilter{})
	if len(views) != 2 {
		t.Errorf("runs = %d, want 2", len(views))
	}
}

// brokenAttempts cannot record step attempts.
type brokenAttempts struct{ ledger.Store }

func (brokenAttempts) StartAttempt(context.Context, string, string, time.Time) (*run.StepAttempt, error) {
	return nil, errBoom
}

func TestLoop_FailureLimitPausesRun(t *testing.T) {
	base := newTestRuns(t)
	r := startedRun(t, base)
	e := newTestExecutor(base, &fakeRunner{result: agent.Result{Transcript: []byte(passingTranscript)}}, &fakeRepo{diff: smallDiff()})
	attempt(t, base, e, r.ID)

	s := NewRunService(brokenAttempts{base.Store()}, policy.NewHolder(policy.Default()), discard)
	f := newLoopFixture(t, s, &fakeRunner{}, &fakeRepo{}, config.Loop{ConsecutiveFailureLimit: 2})

	for i := range 2 {
		if _, err := f.loop.TickRun(context.Background(), r.ID); !errors.Is(err, errBoom) {
			t.Fatalf("tick %d err = %v", i, err)
		}
	}
	mustState(t, s, r.ID, run.StatePaused)
	if !slices.Contains(f.sink.kinds(), notifier.KindFailureLimit) {
		t.Errorf("kinds = %v", f.sink.kinds())
	}
}

func TestLoop_StaleAttemptTimesOut(t *testing.T) {
	s := newTestRuns(t)
	r := startedRun(t, s)
	// A process that crashed mid-attempt leaves the attempt in flight.
	if _, err := s.Apply(context.Background(), r.ID, event.TypeAgentStarted, event.AgentStartedPayload{AttemptNo: 1}, "", run.StateExecuting); err != nil {
		t.Fatal(err)
	}
	f := newLoopFixture(t, s, &fakeRunner{}, &fakeRepo{}, config.Loop{})

	if got := actions(f.tick(t, r.ID)); !slices.Equal(got, []decision.Action{decision.ActionNoop}) {
		t.Fatalf("fresh attempt tick = %v", got)
	}

	s.now = func() time.Time { return clock().Add(time.Hour) }
	rt := f.tick(t, r.ID)
	snap := mustState(t, s, r.ID, run.StateFailed)
	if snap.LastError != "timeout:agent" {
		t.Errorf("last_error = %q", snap.LastError)
	}
	if len(rt.Decisions) != 1 || rt.Decisions[0].Action != decision.ActionRetry {
		t.Errorf("decisions = %+v", rt.Decisions)
	}
}

func TestTick_EvaluatesEveryActiveRun(t *testing.T) {
	s := newTestRuns(t)
	a := createTestRun(t, s)
	b := createTestRun(t, s)
	if _, err := s.Command(context.Background(), b.ID, CommandPause, CommandArgs{}); err != nil {
		t.Fatal(err)
	}
	f := newLoopFixture(t, s, &fakeRunner{result: agent.Result{Transcript: []byte(passingTranscript)}},
		&fakeRepo{diff: smallDiff()}, config.Loop{Concurrency: 2})

	ticks, err := f.loop.Tick(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	f.exec.Wait()
	if len(ticks) != 2 {
		t.Fatalf("ticks = %+v", ticks)
	}
	for _, rt := range ticks {
		if rt.Error != "" {
			t.Errorf("%s: %s", rt.RunID, rt.Error)
		}
	}
	mustState(t, s, a.ID, run.StateExecuting)
	mustState(t, s, b.ID, run.StatePaused)
}
