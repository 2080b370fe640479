// Package ledgertest is a conformance suite for ledger.Store adapters.
package ledgertest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/AgentPR/internal/domain"
	"github.com/Strob0t/AgentPR/internal/domain/artifact"
	"github.com/Strob0t/AgentPR/internal/domain/event"
	"github.com/Strob0t/AgentPR/internal/domain/gate"
	"github.com/Strob0t/AgentPR/internal/domain/run"
	"github.com/Strob0t/AgentPR/internal/domain/webhook"
	"github.com/Strob0t/AgentPR/internal/port/ledger"
)

// Factory returns a ready store. Stores may be shared between subtests;
// every subtest uses fresh run ids.
type Factory func(t *testing.T) ledger.Store

// Run executes the suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s ledger.Store)
	}{
		{"CreateRun", testCreateRun},
		{"DuplicateEventIsNoop", testDuplicateEvent},
		{"TerminalRejects", testTerminalRejects},
		{"StaleState", testStaleState},
		{"ConcurrentProducers", testConcurrentProducers},
		{"ConcurrentSameKey", testConcurrentSameKey},
		{"Attempts", testAttempts},
		{"Artifacts", testArtifacts},
		{"Deliveries", testDeliveries},
		{"GateRequests", testGateRequests},
		{"LookupByPR", testLookupByPR},
		{"Lineage", testLineage},
		{"ListRuns", testListRuns},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

func clock() time.Time { return time.Now().UTC().Truncate(time.Microsecond) }

// NewRun creates a QUEUED run with a fresh id and returns it.
func NewRun(t *testing.T, s ledger.Store, retryOf string) *run.Run {
	t.Helper()
	now := clock()
	r := &run.Run{
		ID: run.NewID(), Owner: "acme", Repo: "widget", Workspace: "/tmp/ws", Task: "fix it",
		RetryOf: retryOf, CreatedAt: now, UpdatedAt: now,
	}
	ev := mustEvent(t, r.ID, event.TypeRunCreated, event.CreatePayload{
		Owner: r.Owner, Repo: r.Repo, Workspace: r.Workspace, Task: r.Task, RetryOf: retryOf,
	}, "")
	res, err := s.CreateRun(context.Background(), r, ev)
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if !res.Applied || res.Snapshot.State != run.StateQueued || res.Snapshot.Version != 1 {
		t.Fatalf("CreateRun result = %+v", res)
	}
	return r
}

func mustEvent(t *testing.T, runID string, typ event.Type, payload any, key string) event.Event {
	t.Helper()
	ev, err := event.New(runID, typ, payload, key)
	if err != nil {
		t.Fatalf("event.New: %v", err)
	}
	ev.CreatedAt = clock()
	return ev
}

func apply(t *testing.T, s ledger.Store, ev event.Event) ledger.Result {
	t.Helper()
	res, err := s.ApplyEvent(context.Background(), ev, "")
	if err != nil {
		t.Fatalf("ApplyEvent %s: %v", ev.Type, err)
	}
	return res
}

func snapshotJSON(t *testing.T, s ledger.Store, runID string) []byte {
	t.Helper()
	snap, err := s.Snapshot(context.Background(), runID)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

func assertReplay(t *testing.T, s ledger.Store, runID string) {
	t.Helper()
	events, err := s.Events(context.Background(), runID)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	replayed, err := run.Replay(events)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	stored, err := s.Snapshot(context.Background(), runID)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	a, _ := json.Marshal(replayed)
	b, _ := json.Marshal(stored)
	if string(a) != string(b) {
		t.Errorf("replay diverged:\nreplayed %s\nstored   %s", a, b)
	}
}

func testCreateRun(t *testing.T, s ledger.Store) {
	r := NewRun(t, s, "")
	got, err := s.GetRun(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Owner != "acme" || got.Task != "fix it" {
		t.Errorf("GetRun = %+v", got)
	}
	if _, err := s.GetRun(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("GetRun(missing) = %v, want ErrNotFound", err)
	}

	again := mustEvent(t, r.ID, event.TypeRunCreated, event.CreatePayload{
		Owner: r.Owner, Repo: r.Repo, Workspace: r.Workspace, Task: r.Task,
	}, "")
	res, err := s.CreateRun(context.Background(), r, again)
	if err != nil {
		t.Fatalf("repeat CreateRun: %v", err)
	}
	if !res.Duplicate || res.Applied {
		t.Errorf("repeat CreateRun = %+v, want duplicate", res)
	}
}

func testDuplicateEvent(t *testing.T, s ledger.Store) {
	r := NewRun(t, s, "")
	start := mustEvent(t, r.ID, event.TypeRunStarted, nil, "")
	first := apply(t, s, start)
	if !first.Applied || first.Event.Seq != 2 {
		t.Fatalf("first apply = %+v", first)
	}
	before := snapshotJSON(t, s, r.ID)

	second := apply(t, s, start)
	if second.Applied || !second.Duplicate {
		t.Fatalf("second apply = %+v, want duplicate", second)
	}
	if second.Event.ID != first.Event.ID {
		t.Errorf("duplicate returned event %d, want %d", second.Event.ID, first.Event.ID)
	}
	if after := snapshotJSON(t, s, r.ID); string(after) != string(before) {
		t.Errorf("snapshot changed on duplicate:\n%s\n%s", before, after)
	}
	events, _ := s.Events(context.Background(), r.ID)
	if len(events) != 2 {
		t.Errorf("events = %d, want 2", len(events))
	}
}

func testTerminalRejects(t *testing.T, s ledger.Store) {
	r := NewRun(t, s, "")
	apply(t, s, mustEvent(t, r.ID, event.TypeAbort, event.AbortPayload{Reason: "operator"}, ""))
	before := snapshotJSON(t, s, r.ID)

	for _, ev := range []event.Event{
		mustEvent(t, r.ID, event.TypeRunStarted, nil, ""),
		mustEvent(t, r.ID, event.TypeCommentCreated, event.CommentCreatedPayload{PRNumber: 1, Body: "hi"}, ""),
	} {
		_, err := s.ApplyEvent(context.Background(), ev, "")
		if !errors.Is(err, run.ErrIllegalTransition) {
			t.Errorf("%s on FAILED = %v, want ErrIllegalTransition", ev.Type, err)
		}
	}
	if after := snapshotJSON(t, s, r.ID); string(after) != string(before) {
		t.Errorf("terminal snapshot changed")
	}
	assertReplay(t, s, r.ID)
}

func testStaleState(t *testing.T, s ledger.Store) {
	r := NewRun(t, s, "")
	_, err := s.ApplyEvent(context.Background(), mustEvent(t, r.ID, event.TypePause, nil, ""), run.StateExecuting)
	var stale *run.StaleStateError
	if !errors.As(err, &stale) || stale.Current != run.StateQueued {
		t.Fatalf("ApplyEvent = %v, want StaleStateError from QUEUED", err)
	}
	res, err := s.ApplyEvent(context.Background(), mustEvent(t, r.ID, event.TypePause, nil, ""), run.StateQueued)
	if err != nil || res.Snapshot.State != run.StatePaused {
		t.Fatalf("ApplyEvent with matching expectation = %+v, %v", res, err)
	}
}

func testConcurrentProducers(t *testing.T, s ledger.Store) {
	r := NewRun(t, s, "")
	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ev, err := event.New(r.ID, event.TypeCommentCreated, event.CommentCreatedPayload{PRNumber: 1, Body: string(rune('a' + i))}, "")
			if err != nil {
				errs <- err
				return
			}
			ev.CreatedAt = clock()
			if _, err := s.ApplyEvent(context.Background(), ev, ""); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	failed := 0
	for err := range errs {
		if !errors.Is(err, ledger.ErrRace) {
			t.Errorf("concurrent apply: %v", err)
		}
		failed++
	}
	events, err := s.Events(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 1+n-failed {
		t.Errorf("events = %d, want %d", len(events), 1+n-failed)
	}
	for i, ev := range events {
		if ev.Seq != int64(i+1) {
			t.Errorf("event %d has seq %d", i, ev.Seq)
		}
	}
	assertReplay(t, s, r.ID)
}

func testConcurrentSameKey(t *testing.T, s ledger.Store) {
	r := NewRun(t, s, "")
	ev := mustEvent(t, r.ID, event.TypeRunStarted, nil, "operator:start:1")
	const n = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.ApplyEvent(context.Background(), ev, "")
			if err != nil && !errors.Is(err, ledger.ErrRace) {
				t.Errorf("apply: %v", err)
				return
			}
			if res.Applied {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if applied != 1 {
		t.Errorf("applied %d times, want exactly once", applied)
	}
	assertReplay(t, s, r.ID)
}

func testAttempts(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	r := NewRun(t, s, "")
	a1, err := s.StartAttempt(ctx, r.ID, "agent", clock())
	if err != nil {
		t.Fatalf("StartAttempt: %v", err)
	}
	a2, err := s.StartAttempt(ctx, r.ID, "agent", clock())
	if err != nil {
		t.Fatalf("StartAttempt: %v", err)
	}
	p1, err := s.StartAttempt(ctx, r.ID, "push", clock())
	if err != nil {
		t.Fatalf("StartAttempt: %v", err)
	}
	if a1.AttemptNo != 1 || a2.AttemptNo != 2 || p1.AttemptNo != 1 {
		t.Fatalf("attempt numbers = %d, %d, %d", a1.AttemptNo, a2.AttemptNo, p1.AttemptNo)
	}

	code := 3
	a1.ExitCode, a1.DurationMS, a1.LogRefs = &code, 1500, []string{"artifact:1"}
	if err := s.FinishAttempt(ctx, a1); err != nil {
		t.Fatalf("FinishAttempt: %v", err)
	}
	if err := s.FinishAttempt(ctx, a1); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("second FinishAttempt = %v, want ErrNotFound", err)
	}
	list, err := s.Attempts(ctx, r.ID)
	if err != nil {
		t.Fatalf("Attempts: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("attempts = %d", len(list))
	}
	if !list[0].Finished() || list[0].ExitCode == nil || *list[0].ExitCode != 3 || len(list[0].LogRefs) != 1 {
		t.Errorf("finished attempt = %+v", list[0])
	}
	if list[1].Finished() {
		t.Errorf("attempt 2 should be open")
	}
}

func testArtifacts(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	r := NewRun(t, s, "")
	if _, err := s.LatestArtifact(ctx, r.ID, artifact.TypeRunDigest); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("LatestArtifact on empty = %v, want ErrNotFound", err)
	}
	for _, body := range []string{`{"n":1}`, `{"n":2}`} {
		a := artifact.Artifact{RunID: r.ID, Type: artifact.TypeRunDigest, MediaType: "application/json",
			Content: []byte(body), Metadata: map[string]any{"attempt_no": 1.0}}
		if err := s.AddArtifact(ctx, &a); err != nil {
			t.Fatalf("AddArtifact: %v", err)
		}
		if a.ID == 0 {
			t.Error("artifact id not set")
		}
	}
	latest, err := s.LatestArtifact(ctx, r.ID, artifact.TypeRunDigest)
	if err != nil {
		t.Fatalf("LatestArtifact: %v", err)
	}
	if string(latest.Content) != `{"n":2}` || latest.Metadata["attempt_no"] != 1.0 {
		t.Errorf("latest = %s %v", latest.Content, latest.Metadata)
	}
	all, err := s.Artifacts(ctx, r.ID)
	if err != nil || len(all) != 2 {
		t.Errorf("Artifacts = %d, %v", len(all), err)
	}
}

func testDeliveries(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	d := webhook.NewDelivery(webhook.SourceGitHub, run.NewID(), "check_run", []byte(`{}`))

	const n = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.ReserveDelivery(ctx, d)
			if err != nil {
				t.Errorf("ReserveDelivery: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("reservation winners = %d, want 1", wins)
	}

	if err := s.ReleaseDelivery(ctx, d.Source, d.DeliveryID); err != nil {
		t.Fatalf("ReleaseDelivery: %v", err)
	}
	ok, err := s.ReserveDelivery(ctx, d)
	if err != nil || !ok {
		t.Fatalf("redelivery after release = %v, %v", ok, err)
	}
	if err := s.ConfirmDelivery(ctx, d.Source, d.DeliveryID); err != nil {
		t.Fatalf("ConfirmDelivery: %v", err)
	}
	if err := s.ReleaseDelivery(ctx, d.Source, d.DeliveryID); err != nil {
		t.Fatalf("ReleaseDelivery after confirm: %v", err)
	}
	if ok, _ := s.ReserveDelivery(ctx, d); ok {
		t.Error("confirmed delivery must stay a replay guard")
	}
}

func testGateRequests(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	r := NewRun(t, s, "")
	req, _, err := gate.NewRequest(run.NewID(), r.ID,
		gate.Action{Title: "t", Base: "main", Head: "agentpr/x"}, time.Hour, clock())
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if err := s.CreateGateRequest(ctx, req); err != nil {
		t.Fatalf("CreateGateRequest: %v", err)
	}
	got, err := s.LatestGateRequest(ctx, r.ID)
	if err != nil {
		t.Fatalf("LatestGateRequest: %v", err)
	}
	if got.ID != req.ID || got.TokenHash != req.TokenHash || got.Action != req.Action || got.ConsumedAt != nil {
		t.Errorf("LatestGateRequest = %+v", got)
	}
	if err := s.ConsumeGateRequest(ctx, req.ID, clock()); err != nil {
		t.Fatalf("ConsumeGateRequest: %v", err)
	}
	if err := s.ConsumeGateRequest(ctx, req.ID, clock()); !errors.Is(err, gate.ErrTokenConsumed) {
		t.Errorf("second consume = %v, want ErrTokenConsumed", err)
	}
	got, _ = s.LatestGateRequest(ctx, r.ID)
	if got == nil || got.ConsumedAt == nil {
		t.Error("consumed_at not persisted")
	}
}

func testLookupByPR(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	r := NewRun(t, s, "")
	pr := int(time.Now().UnixNano()%1_000_000) + 1
	apply(t, s, mustEvent(t, r.ID, event.TypeRunStarted, nil, ""))
	apply(t, s, mustEvent(t, r.ID, event.TypePushCompleted, event.PushCompletedPayload{Branch: "agentpr/x"}, ""))
	res := apply(t, s, mustEvent(t, r.ID, event.TypePRLinked, event.PRLinkedPayload{PRNumber: pr}, ""))
	if res.Snapshot.State != run.StateCIWait || res.Snapshot.PRNumber != pr {
		t.Fatalf("after link = %+v", res.Snapshot)
	}
	got, err := s.FindRunByPR(ctx, "ACME", "Widget", pr)
	if err != nil {
		t.Fatalf("FindRunByPR: %v", err)
	}
	if got.ID != r.ID || got.PRNumber != pr {
		t.Errorf("FindRunByPR = %+v", got)
	}
	if _, err := s.FindRunByPR(ctx, "acme", "widget", pr+1); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("unknown PR = %v, want ErrNotFound", err)
	}
}

func testLineage(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	a := NewRun(t, s, "")
	b := NewRun(t, s, a.ID)
	c := NewRun(t, s, b.ID)
	for id, want := range map[string]int{a.ID: 0, b.ID: 1, c.ID: 2} {
		got, err := s.LineageDepth(ctx, id)
		if err != nil {
			t.Fatalf("LineageDepth: %v", err)
		}
		if got != want {
			t.Errorf("LineageDepth = %d, want %d", got, want)
		}
	}
}

func testListRuns(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	r := NewRun(t, s, "")
	apply(t, s, mustEvent(t, r.ID, event.TypeEscalated, event.EscalatedPayload{ReasonCode: "x"}, ""))
	views, err := s.ListRuns(ctx, ledger.ListFilter{States: []run.State{run.StateNeedsHuman}})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	found := false
	for _, v := range views {
		if v.Snapshot.State != run.StateNeedsHuman {
			t.Errorf("filter leaked state %s", v.Snapshot.State)
		}
		if v.Run.ID == r.ID {
			found = true
		}
	}
	if !found {
		t.Error("escalated run missing from list")
	}
}
