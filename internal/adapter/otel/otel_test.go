package otel

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Strob0t/AgentPR/internal/config"
)

func TestSetup_Disabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.OTEL{Enabled: false}, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.EventApplied(ctx, "command.pause", "applied")
	m.Verdict(ctx, "PASS", "runtime_success")
	m.Action(ctx, "advance", "rules")
	m.Delivery(ctx, "check_run", "processed")
	m.Gate(ctx, "approved")
	m.AgentRun(ctx, time.Second, false)
}

func TestNewMetrics_GlobalNoopProvider(t *testing.T) {
	m, err := NewMetrics()
	if err != nil {
		t.Fatal(err)
	}
	m.Verdict(context.Background(), "RETRYABLE", "transient_network")
}

func TestSampler(t *testing.T) {
	tests := map[float64]string{1: "AlwaysOnSampler", 0: "AlwaysOffSampler", 1.5: "AlwaysOnSampler"}
	for rate, want := range tests {
		if got := sampler(rate).Description(); got != want {
			t.Errorf("sampler(%v) = %s, want %s", rate, got, want)
		}
	}
}

func TestHTTPMiddleware_PassesThrough(t *testing.T) {
	h := HTTPMiddleware("agentpr")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d", rec.Code)
	}
}
