package gate_test

import (
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/Strob0t/AgentPR/internal/domain/artifact"
	"github.com/Strob0t/AgentPR/internal/domain/gate"
	"github.com/Strob0t/AgentPR/internal/domain/policy"
	"github.com/Strob0t/AgentPR/internal/domain/verdict"
)

var action = gate.Action{Title: "Fix flaky parser", Body: "details", Base: "main", Head: "agentpr/run-1"}

func TestNewToken_Format(t *testing.T) {
	tok, err := gate.NewToken()
	if err != nil {
		t.Fatalf("NewToken: %v", err)
	}
	if !regexp.MustCompile(`^[0-9A-F]{8}$`).MatchString(tok) {
		t.Errorf("token %q is not 8 upper-case hex chars", tok)
	}
}

func TestRequest_Check(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	req, tok, err := gate.NewRequest("req-1", "run-1", action, 30*time.Minute, now)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if req.TokenHash == tok || req.TokenHash == "" {
		t.Fatal("token must be stored hashed")
	}

	tests := []struct {
		name    string
		token   string
		confirm bool
		at      time.Time
		want    error
	}{
		{"ok", tok, true, now.Add(time.Minute), nil},
		{"lower case accepted", " " + lowercase(tok) + " ", true, now, nil},
		{"not confirmed", tok, false, now, gate.ErrNotConfirmed},
		{"wrong token", "DEADBEEF", true, now, gate.ErrTokenMismatch},
		{"expired", tok, true, now.Add(31 * time.Minute), gate.ErrTokenExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := req.Check(tt.token, tt.confirm, tt.at)
			if !errors.Is(err, tt.want) {
				t.Errorf("Check = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestRequest_ConsumedTokenRejected(t *testing.T) {
	now := time.Now()
	req, tok, err := gate.NewRequest("req-1", "run-1", action, time.Hour, now)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if err := req.Check(tok, true, now); err != nil {
		t.Fatalf("first check: %v", err)
	}
	consumed := now
	req.ConsumedAt = &consumed
	if err := req.Check(tok, true, now); !errors.Is(err, gate.ErrTokenConsumed) {
		t.Errorf("reuse = %v, want ErrTokenConsumed", err)
	}
}

func TestRequest_BoundActionTamper(t *testing.T) {
	now := time.Now()
	req, tok, err := gate.NewRequest("req-1", "run-1", action, time.Hour, now)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Action.Head = "attacker/branch"
	if err := req.Check(tok, true, now); !errors.Is(err, gate.ErrTokenMismatch) {
		t.Errorf("tampered action = %v, want ErrTokenMismatch", err)
	}
}

func TestAction_Validate(t *testing.T) {
	if _, _, err := gate.NewRequest("r", "run", gate.Action{Title: "x", Base: "main"}, time.Hour, time.Now()); err == nil {
		t.Error("missing head should fail")
	}
}

func lowercase(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + 'a' - 'A'
		}
	}
	return string(b)
}

func passDigest() *artifact.Digest {
	return &artifact.Digest{
		Classification: verdict.Verdict{Grade: verdict.GradePass, ReasonCode: verdict.ReasonRuntimeSuccess},
		Validation:     artifact.Validation{TestCommandCount: 2},
	}
}

func TestEvaluateReadiness(t *testing.T) {
	p := policy.Defaults()
	tests := []struct {
		name     string
		digest   func() *artifact.Digest
		contract bool
		ok       bool
		checks   []string
		warnings []string
	}{
		{name: "ready", digest: passDigest, contract: true, ok: true},
		{name: "missing everything", digest: func() *artifact.Digest { return nil }, checks: []string{gate.CheckMissingContract, gate.CheckMissingDigest}},
		{
			name: "not pass", contract: true,
			digest: func() *artifact.Digest {
				d := passDigest()
				d.Classification = verdict.Verdict{Grade: verdict.GradeHumanReview, ReasonCode: verdict.ReasonTestCommandFailed}
				d.Validation.FailedTestCount = 1
				return d
			},
			checks: []string{gate.CheckRuntimeNotPass, gate.CheckRuntimeNotSuccess, gate.CheckFailedTests},
		},
		{
			name: "converged failures warn", contract: true, ok: true,
			digest: func() *artifact.Digest {
				d := passDigest()
				d.Classification.ReasonCode = verdict.ReasonRecoveredTestFailures
				d.Validation.FailedTestCount = 1
				return d
			},
			warnings: []string{gate.WarnFailedTestsConverged},
		},
		{
			name: "no test infra override warns", contract: true, ok: true,
			digest: func() *artifact.Digest {
				d := passDigest()
				d.Classification.ReasonCode = verdict.ReasonNoTestInfraValidation
				d.Validation.TestCommandCount = 0
				return d
			},
			warnings: []string{gate.WarnSemanticNoTestInfra},
		},
		{
			name: "budgets and safety", contract: true,
			digest: func() *artifact.Digest {
				d := passDigest()
				d.Safety.ViolationCount = 1
				d.Changes.ChangedFilesCount = 20
				d.Changes.AddedLines = 900
				d.Validation.TestCommandCount = 0
				return d
			},
			checks: []string{gate.CheckSafetyViolation, gate.CheckInsufficientTests, gate.CheckChangedFilesBudget, gate.CheckAddedLinesBudget},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gate.EvaluateReadiness(tt.digest(), tt.contract, p)
			if r.OK != tt.ok {
				t.Errorf("OK = %v, want %v (%v)", r.OK, tt.ok, r.FailedChecks)
			}
			if got := r.Codes(); !equal(got, tt.checks) {
				t.Errorf("checks = %v, want %v", got, tt.checks)
			}
			var warns []string
			for _, w := range r.Warnings {
				warns = append(warns, w.Code)
			}
			if !equal(warns, tt.warnings) {
				t.Errorf("warnings = %v, want %v", warns, tt.warnings)
			}
		})
	}
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
