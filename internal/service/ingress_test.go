package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/Strob0t/AgentPR/internal/domain"
	"github.com/Strob0t/AgentPR/internal/domain/event"
	"github.com/Strob0t/AgentPR/internal/domain/policy"
	"github.com/Strob0t/AgentPR/internal/domain/run"
	"github.com/Strob0t/AgentPR/internal/port/ledger"
)

func checkPayload(pr int, conclusion string) []byte {
	return fmt.Appendf(nil, `{"action":"completed","repository":{"name":"widgets","owner":{"login":"acme"}},`+
		`"check_run":{"name":"ci","status":"completed","conclusion":%q,"pull_requests":[{"number":%d}]}}`, conclusion, pr)
}

// linkedRun returns a run in CI_WAIT linked to pull request 41.
func linkedRun(t *testing.T) (*RunService, *run.Run) {
	t.Helper()
	f := newGateFixture(t, true)
	p := f.request(t)
	if _, err := f.gates.ApprovePR(context.Background(), f.run.ID, ApproveRequest{Token: p.Token, Confirmed: true}); err != nil {
		t.Fatalf("approve: %v", err)
	}
	mustState(t, f.runs, f.run.ID, run.StateCIWait)
	return f.runs, f.run
}

func TestIngress_CheckSuccessMovesToReviewWait(t *testing.T) {
	s, r := linkedRun(t)
	in := NewIngressService(s, discard)

	res, err := in.Handle(context.Background(), "check_run", "d-1", checkPayload(41, "success"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != DeliveryProcessed || res.Applied != 1 {
		t.Errorf("result = %+v", res)
	}
	mustState(t, s, r.ID, run.StateReviewWait)

	again, err := in.Handle(context.Background(), "check_run", "d-1", checkPayload(41, "success"))
	if err != nil || again.Status != DeliveryDuplicate {
		t.Fatalf("redelivery = %+v, %v", again, err)
	}
	events, _ := s.Events(context.Background(), r.ID)
	var checks int
	for _, e := range events {
		if e.Type == event.TypeCheckCompleted {
			checks++
		}
	}
	if checks != 1 {
		t.Errorf("check events = %d, want 1", checks)
	}
}

func TestIngress_ConcurrentDeliveryHasOneWinner(t *testing.T) {
	s, r := linkedRun(t)
	in := NewIngressService(s, discard)

	const n = 8
	var wg sync.WaitGroup
	statuses := make([]string, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := in.Handle(context.Background(), "check_run", "d-race", checkPayload(41, "failure"))
			statuses[i], errs[i] = res.Status, err
		}()
	}
	wg.Wait()

	var processed, duplicate int
	for i := range n {
		if errs[i] != nil {
			t.Fatalf("handle %d: %v", i, errs[i])
		}
		switch statuses[i] {
		case DeliveryProcessed:
			processed++
		case DeliveryDuplicate:
			duplicate++
		}
	}
	if processed != 1 || duplicate != n-1 {
		t.Errorf("processed = %d, duplicate = %d", processed, duplicate)
	}
	mustState(t, s, r.ID, run.StateIterating)
}

func TestIngress_Ignored(t *testing.T) {
	s, r := linkedRun(t)
	in := NewIngressService(s, discard)

	tests := []struct {
		name  string
		event string
		body  []byte
	}{
		{"unknown pr", "check_run", checkPayload(7, "success")},
		{"pending check", "check_run", checkPayload(41, "")},
		{"malformed", "check_run", []byte("{")},
		{"unhandled event", "push", []byte(`{"repository":{"name":"widgets","owner":{"login":"acme"}}}`)},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := fmt.Sprintf("ign-%d", i)
			res, err := in.Handle(context.Background(), tt.event, id, tt.body)
			if err != nil {
				t.Fatalf("handle: %v", err)
			}
			if res.Status != DeliveryIgnored || len(res.Ignored) == 0 {
				t.Errorf("result = %+v", res)
			}
			// Ignored deliveries are confirmed, not released.
			if again, _ := in.Handle(context.Background(), tt.event, id, tt.body); again.Status != DeliveryDuplicate {
				t.Errorf("redelivery status = %s", again.Status)
			}
		})
	}
	mustState(t, s, r.ID, run.StateCIWait)
}

func TestIngress_Validation(t *testing.T) {
	in := NewIngressService(newTestRuns(t), discard)
	if _, err := in.Handle(context.Background(), "check_run", "", nil); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

// flakyStore fails the first lookups by pull request.
type flakyStore struct {
	ledger.Store
	mu       sync.Mutex
	failures int
}

func (f *flakyStore) FindRunByPR(ctx context.Context, owner, repo string, pr int) (*run.Run, error) {
	f.mu.Lock()
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return nil, errBoom
	}
	return f.Store.FindRunByPR(ctx, owner, repo, pr)
}

func TestIngress_FailureReleasesReservation(t *testing.T) {
	base, r := linkedRun(t)
	s := NewRunService(&flakyStore{Store: base.Store(), failures: 1}, policy.NewHolder(policy.Default()), discard)
	in := NewIngressService(s, discard)

	_, err := in.Handle(context.Background(), "check_run", "d-flaky", checkPayload(41, "success"))
	if !errors.Is(err, ErrRetryable) || !errors.Is(err, errBoom) {
		t.Fatalf("err = %v, want retryable", err)
	}
	mustState(t, s, r.ID, run.StateCIWait)

	res, err := in.Handle(context.Background(), "check_run", "d-flaky", checkPayload(41, "success"))
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if res.Status != DeliveryProcessed {
		t.Errorf("redelivery status = %s", res.Status)
	}
	mustState(t, s, r.ID, run.StateReviewWait)
}
