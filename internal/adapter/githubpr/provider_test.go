package githubpr

import (
	"context"
	"os/exec"
	"strings"
	"testing"

	"github.com/Strob0t/AgentPR/internal/domain/gate"
	"github.com/Strob0t/AgentPR/internal/port/workspace"
)

var _ workspace.PRCreator = (*Provider)(nil)

var action = gate.Action{Title: "Fix flaky test", Body: "body", Base: "main", Head: "agentpr/r1"}

func TestRepoRef(t *testing.T) {
	tests := []struct {
		owner, repo string
		valid       bool
	}{
		{"owner", "repo", true},
		{"", "repo", false},
		{"owner", "", false},
		{"a/b", "c", false},
	}
	for _, tt := range tests {
		_, err := repoRef(tt.owner, tt.repo)
		if tt.valid != (err == nil) {
			t.Errorf("repoRef(%q, %q) err = %v", tt.owner, tt.repo, err)
		}
	}
}

func TestParseCreateOutput(t *testing.T) {
	pr, err := parseCreateOutput([]byte("Creating pull request for agentpr/r1 into main\n\nhttps://github.com/acme/widgets/pull/17\n"))
	if err != nil {
		t.Fatal(err)
	}
	if pr.Number != 17 || pr.URL != "https://github.com/acme/widgets/pull/17" {
		t.Errorf("got %+v", pr)
	}
	if _, err := parseCreateOutput([]byte("something went wrong")); err == nil {
		t.Error("expected error without URL")
	}
}

func TestCreatePR_ReusesOpenPR(t *testing.T) {
	var calls [][]string
	p := &Provider{execCommand: func(_ context.Context, name string, args ...string) *exec.Cmd {
		calls = append(calls, append([]string{name}, args...))
		return exec.Command("echo", `[{"number":9,"url":"https://github.com/acme/widgets/pull/9"}]`)
	}}

	pr, err := p.CreatePR(context.Background(), "acme", "widgets", t.TempDir(), action)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pr.Number != 9 {
		t.Errorf("number = %d", pr.Number)
	}
	if len(calls) != 1 || calls[0][2] != "list" {
		t.Fatalf("expected a single list call, got %v", calls)
	}
}

func TestCreatePR_CommandConstruction(t *testing.T) {
	var create []string
	p := &Provider{execCommand: func(_ context.Context, name string, args ...string) *exec.Cmd {
		if args[1] == "list" {
			return exec.Command("echo", "[]")
		}
		create = append([]string{name}, args...)
		return exec.Command("echo", "https://github.com/acme/widgets/pull/21")
	}}

	draft := action
	draft.Draft = true
	pr, err := p.CreatePR(context.Background(), "acme", "widgets", t.TempDir(), draft)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pr.Number != 21 {
		t.Errorf("number = %d", pr.Number)
	}
	want := "gh pr create --repo acme/widgets --base main --head agentpr/r1 --title Fix flaky test --body body --draft"
	if got := strings.Join(create, " "); got != want {
		t.Errorf("command =\n%s\nwant\n%s", got, want)
	}
}

func TestCreatePR_InvalidAction(t *testing.T) {
	p := New()
	if _, err := p.CreatePR(context.Background(), "acme", "widgets", ".", gate.Action{}); err == nil {
		t.Fatal("expected validation error")
	}
}
