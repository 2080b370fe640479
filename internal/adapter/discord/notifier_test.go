package discord

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Strob0t/AgentPR/internal/port/notifier"
)

// Compile-time interface check.
var _ notifier.Notifier = (*Notifier)(nil)

func TestBuildEmbed(t *testing.T) {
	e := buildEmbed(notifier.Notification{
		RunID:   "r-9",
		Kind:    notifier.KindEscalation,
		Title:   "Run needs a human",
		Message: "safety_violation",
		Level:   "error",
		Fields:  []notifier.Field{{Label: "State", Value: "NEEDS_HUMAN"}},
		Command: "agentpr retry r-9 --target EXECUTING",
	})
	if e.Color != 0xE74C3C {
		t.Errorf("color = %#x", e.Color)
	}
	if len(e.Fields) != 1 || e.Fields[0].Value != "NEEDS_HUMAN" {
		t.Errorf("fields = %+v", e.Fields)
	}
	if !strings.Contains(e.Description, "agentpr retry r-9") {
		t.Errorf("description = %q", e.Description)
	}
	if e.Footer == nil || e.Footer.Text != "run r-9 | escalation" {
		t.Errorf("footer = %+v", e.Footer)
	}
}

func TestSendSuccess(t *testing.T) {
	var got discordWebhook
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewNotifier(srv.URL)
	if err := n.Send(context.Background(), notifier.Notification{Title: "done", Level: "success"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got.Embeds) != 1 || got.Embeds[0].Title != "done" {
		t.Errorf("payload = %+v", got)
	}
}

func TestSendNotConfigured(t *testing.T) {
	err := NewNotifier("").Send(context.Background(), notifier.Notification{})
	if err != notifier.ErrNotConfigured {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestSendAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	if err := NewNotifier(srv.URL).Send(context.Background(), notifier.Notification{Title: "x"}); err == nil {
		t.Fatal("expected error for 400 response")
	}
}
