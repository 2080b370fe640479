package litellm_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Strob0t/AgentPR/internal/adapter/litellm"
	"github.com/Strob0t/AgentPR/internal/domain/decision"
	"github.com/Strob0t/AgentPR/internal/domain/evidence"
	"github.com/Strob0t/AgentPR/internal/domain/run"
	"github.com/Strob0t/AgentPR/internal/domain/verdict"
)

func toolCallResponse(name, args string) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []any{map[string]any{
			"message": map[string]any{
				"content": nil,
				"tool_calls": []any{map[string]any{
					"function": map[string]any{"name": name, "arguments": args},
				}},
			},
		}},
	})
	return string(b)
}

func newAdvisor(t *testing.T, h http.HandlerFunc) *litellm.Advisor {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	adv, err := litellm.NewAdvisor(litellm.NewClient(srv.URL, "", "m", time.Second), nil)
	if err != nil {
		t.Fatalf("NewAdvisor: %v", err)
	}
	return adv
}

func TestReviewEvidenceToolCall(t *testing.T) {
	adv := newAdvisor(t, func(w http.ResponseWriter, r *http.Request) {
		var req litellm.ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req.ToolChoice == nil || req.ToolChoice.Function.Name != litellm.ToolGradeOutput {
			t.Fatalf("expected forced %s, got %+v", litellm.ToolGradeOutput, req.ToolChoice)
		}
		if req.Temperature != 0 {
			t.Errorf("expected temperature 0, got %v", req.Temperature)
		}
		_, _ = w.Write([]byte(toolCallResponse(litellm.ToolGradeOutput,
			`{"verdict":"pass","reason":"tests ran","confidence":"high"}`)))
	})

	op, err := adv.ReviewEvidence(context.Background(), "EXECUTING",
		verdict.Verdict{Grade: verdict.GradePass}, &evidence.Evidence{})
	if err == nil {
		// "pass" is outside the enum; schema validation must reject it.
		t.Fatalf("expected schema rejection, got %+v", op)
	}
	if !errors.Is(err, litellm.ErrInvalidOutput) {
		t.Fatalf("expected ErrInvalidOutput, got %v", err)
	}
}

func TestReviewEvidenceValid(t *testing.T) {
	adv := newAdvisor(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(toolCallResponse(litellm.ToolGradeOutput,
			`{"verdict":"NEEDS_REVIEW","reason":"no tests ran","confidence":"medium"}`)))
	})

	op, err := adv.ReviewEvidence(context.Background(), "EXECUTING",
		verdict.Verdict{Grade: verdict.GradePass}, &evidence.Evidence{})
	if err != nil {
		t.Fatalf("ReviewEvidence: %v", err)
	}
	if op.Verdict != "NEEDS_REVIEW" || op.Confidence != verdict.ConfidenceMedium {
		t.Fatalf("unexpected opinion: %+v", op)
	}
}

func TestSuggestRetryFallsBackToJSONContent(t *testing.T) {
	calls := 0
	adv := newAdvisor(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		var req litellm.ChatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if len(req.Tools) > 0 {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`tools unsupported`))
			return
		}
		if last := req.Messages[len(req.Messages)-1]; last.Role != "system" {
			t.Errorf("expected fallback instruction last, got %q", last.Role)
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"` + "```json" +
			`\n{\"should_retry\":false,\"reason\":\"task misunderstood\",\"confidence\":\"weird\"}\n` + "```" + `"}}]}`))
	})

	got, err := adv.SuggestRetry(context.Background(), run.Snapshot{RunID: "r1", State: run.StateFailed}, "fix it")
	if err == nil {
		// "weird" confidence fails the enum.
		t.Fatalf("expected schema rejection, got %+v", got)
	}
	if calls != 2 {
		t.Fatalf("expected tool call then fallback, got %d calls", calls)
	}
}

func TestSuggestRetryFallbackValid(t *testing.T) {
	adv := newAdvisor(t, func(w http.ResponseWriter, r *http.Request) {
		var req litellm.ChatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if len(req.Tools) > 0 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":[{"type":"text","text":"{\"should_retry\":true,\"modified_instructions\":\"run tests first\",\"reason\":\"flaky env\",\"confidence\":\"low\"}"}]}}]}`))
	})

	got, err := adv.SuggestRetry(context.Background(), run.Snapshot{RunID: "r1"}, "task")
	if err != nil {
		t.Fatalf("SuggestRetry: %v", err)
	}
	want := decision.RetryStrategy{ShouldRetry: true, Instructions: "run tests first", Reason: "flaky env", Confidence: "low"}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestTriageComment(t *testing.T) {
	adv := newAdvisor(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(toolCallResponse(litellm.ToolTriageComment,
			`{"action":"reply_explain","reason":"design question","confidence":"high","reply_draft":" because "}`)))
	})

	got, err := adv.TriageComment(context.Background(), run.Snapshot{RunID: "r1", PRNumber: 7},
		decision.Comment{Author: "alice", Body: "why this?"})
	if err != nil {
		t.Fatalf("TriageComment: %v", err)
	}
	if got.Action != decision.TriageReplyExplain || got.Reply != "because" {
		t.Fatalf("unexpected triage: %+v", got)
	}
}

func TestTriageRejectsExtraFields(t *testing.T) {
	adv := newAdvisor(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(toolCallResponse(litellm.ToolTriageComment,
			`{"action":"ignore","reason":"nit","confidence":"low","merge":true}`)))
	})

	_, err := adv.TriageComment(context.Background(), run.Snapshot{}, decision.Comment{Body: "nit"})
	if !errors.Is(err, litellm.ErrInvalidOutput) {
		t.Fatalf("expected ErrInvalidOutput, got %v", err)
	}
}

func TestServerErrorDoesNotFallBack(t *testing.T) {
	calls := 0
	adv := newAdvisor(t, func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	})

	if _, err := adv.TriageComment(context.Background(), run.Snapshot{}, decision.Comment{}); err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("expected a single call, got %d", calls)
	}
}
