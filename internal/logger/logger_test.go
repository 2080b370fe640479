package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/Strob0t/AgentPR/internal/config"
)

func TestNew(t *testing.T) {
	cfg := config.Logging{Level: "debug", Service: "test-svc", Format: "json"}
	l, closer := New(cfg)
	defer closer.Close()
	if l == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestNewAsync(t *testing.T) {
	cfg := config.Logging{Level: "debug", Service: "test-svc", Async: true}
	l, closer := New(cfg)
	if l == nil {
		t.Fatal("expected non-nil logger")
	}
	closer.Close()
}

func TestNewWriter_JSONCarriesContextIDs(t *testing.T) {
	var buf bytes.Buffer
	l, closer := NewWriter(config.Logging{Level: "info", Service: "agentpr", Format: "json"}, &buf)
	defer closer.Close()

	ctx := WithRunID(WithRequestID(context.Background(), "req-1"), "run-1")
	l.InfoContext(ctx, "event applied", "event_type", "command.pause")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	for k, want := range map[string]string{
		"service": "agentpr", "request_id": "req-1", "run_id": "run-1", "event_type": "command.pause",
	} {
		if rec[k] != want {
			t.Errorf("%s = %v, want %s", k, rec[k], want)
		}
	}
}

func TestNewWriter_AutoIsJSONWhenNotTerminal(t *testing.T) {
	var buf bytes.Buffer
	l, closer := NewWriter(config.Logging{Format: "auto"}, &buf)
	defer closer.Close()
	l.Info("hello")
	if !strings.HasPrefix(buf.String(), "{") {
		t.Errorf("expected JSON output, got %q", buf.String())
	}
}

func TestNewWriter_Text(t *testing.T) {
	var buf bytes.Buffer
	l, closer := NewWriter(config.Logging{Format: "text"}, &buf)
	defer closer.Close()
	l.Warn("gate bypassed", "gate_bypass", true)
	out := buf.String()
	if strings.HasPrefix(out, "{") || !strings.Contains(out, "gate_bypass=true") {
		t.Errorf("unexpected text output %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"debug", "DEBUG"},
		{"info", "INFO"},
		{"warn", "WARN"},
		{"warning", "WARN"},
		{"error", "ERROR"},
		{"unknown", "INFO"},
		{"", "INFO"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := parseLevel(tt.input).String()
			if got != tt.want {
				t.Errorf("parseLevel(%q) = %s, want %s", tt.input, got, tt.want)
			}
		})
	}
}

func TestRequestIDContext(t *testing.T) {
	ctx := context.Background()

	// Empty context returns empty string
	if got := RequestID(ctx); got != "" {
		t.Errorf("expected empty request ID, got %q", got)
	}

	// Set and retrieve
	ctx = WithRequestID(ctx, "req-123")
	if got := RequestID(ctx); got != "req-123" {
		t.Errorf("expected req-123, got %q", got)
	}
	if got := RunID(ctx); got != "" {
		t.Errorf("request id leaked into run id: %q", got)
	}
}

func TestFromContext(t *testing.T) {
	var buf bytes.Buffer
	base, closer := NewWriter(config.Logging{Format: "json"}, &buf)
	defer closer.Close()

	FromContext(WithRunID(context.Background(), "run-9"), base).Info("tick")
	if !strings.Contains(buf.String(), `"run_id":"run-9"`) {
		t.Errorf("missing run_id in %q", buf.String())
	}
}
