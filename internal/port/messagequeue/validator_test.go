package messagequeue

import (
	"strings"
	"testing"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		subject string
		data    string
		wantErr string
	}{
		{"state changed", StateSubject("CI_WAIT"), `{"run_id":"r1","from":"PUSHED","to":"CI_WAIT","seq":4}`, ""},
		{"state mismatch", StateSubject("DONE"), `{"run_id":"r1","to":"CI_WAIT"}`, "does not match"},
		{"state missing run", StateSubject("DONE"), `{"to":"DONE"}`, "run_id"},
		{"command", SubjectRunCommands, `{"run_id":"r1","command":"pause"}`, ""},
		{"command with args", SubjectRunCommands, `{"run_id":"r1","command":"resume","args":{"target_state":"EXECUTING"}}`, ""},
		{"command bad args", SubjectRunCommands, `{"run_id":"r1","command":"resume","args":[1]}`, "args"},
		{"command missing name", SubjectRunCommands, `{"run_id":"r1"}`, "command is required"},
		{"command wrong type", SubjectRunCommands, `{"run_id":42,"command":"pause"}`, "schema validation failed"},
		{"invalid json", SubjectRunCommands, `{nope`, "invalid JSON"},
		{"unknown subject", "runs.other", `{"anything":true}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.subject, []byte(tt.data))
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestStateSubject(t *testing.T) {
	if got := StateSubject("NEEDS_HUMAN"); got != "runs.state.NEEDS_HUMAN" {
		t.Errorf("got %q", got)
	}
}
