package event_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/Strob0t/AgentPR/internal/domain/event"
)

func TestDeriveKey_CanonicalPayload(t *testing.T) {
	a, err := event.DeriveKey(event.TypeResume, "run-1", json.RawMessage(`{"target_state":"EXECUTING","reason":"x"}`))
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	b, err := event.DeriveKey(event.TypeResume, "run-1", json.RawMessage(`{ "reason": "x",  "target_state": "EXECUTING" }`))
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if a != b {
		t.Errorf("key order changed key: %q != %q", a, b)
	}
	if !strings.HasPrefix(a, "command.resume:run-1:") {
		t.Errorf("unexpected prefix: %q", a)
	}
	if digest := a[strings.LastIndex(a, ":")+1:]; len(digest) != 12 {
		t.Errorf("digest length = %d, want 12", len(digest))
	}
}

func TestDeriveKey_DistinctPayloads(t *testing.T) {
	a, _ := event.DeriveKey(event.TypeResume, "run-1", json.RawMessage(`{"target_state":"EXECUTING"}`))
	b, _ := event.DeriveKey(event.TypeResume, "run-1", json.RawMessage(`{"target_state":"ITERATING"}`))
	c, _ := event.DeriveKey(event.TypeResume, "run-2", json.RawMessage(`{"target_state":"EXECUTING"}`))
	if a == b || a == c {
		t.Errorf("expected distinct keys, got %q %q %q", a, b, c)
	}
}

func TestDeriveKey_InvalidJSON(t *testing.T) {
	if _, err := event.DeriveKey(event.TypePause, "run-1", json.RawMessage(`{bad`)); err == nil {
		t.Fatal("expected error for invalid payload")
	}
}

func TestNew(t *testing.T) {
	ev, err := event.New("run-1", event.TypePause, nil, "")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if string(ev.Payload) != "{}" {
		t.Errorf("payload = %s, want {}", ev.Payload)
	}
	if ev.IdempotencyKey == "" {
		t.Error("expected derived key")
	}

	ev, err = event.New("run-1", event.TypePause, nil, "explicit")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if ev.IdempotencyKey != "explicit" {
		t.Errorf("key = %q, want explicit", ev.IdempotencyKey)
	}

	if _, err := event.New("run-1", event.Type("bogus"), nil, ""); err == nil {
		t.Error("expected error for unknown type")
	}
	if _, err := event.New("", event.TypePause, nil, ""); err == nil {
		t.Error("expected error for missing run id")
	}
}

func TestDecode(t *testing.T) {
	ev, err := event.New("run-1", event.TypePRLinked, event.PRLinkedPayload{PRNumber: 42}, "")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	var p event.PRLinkedPayload
	if err := ev.Decode(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.PRNumber != 42 {
		t.Errorf("pr_number = %d, want 42", p.PRNumber)
	}
}
