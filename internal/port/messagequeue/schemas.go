package messagequeue

import (
	"encoding/json"
	"time"
)

// StateChangedPayload is the schema for runs.state.{STATE} messages.
type StateChangedPayload struct {
	RunID     string    `json:"run_id"`
	Owner     string    `json:"owner"`
	Repo      string    `json:"repo"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Seq       int64     `json:"seq"`
	EventType string    `json:"event_type"`
	LastError string    `json:"last_error,omitempty"`
	PRNumber  int       `json:"pr_number,omitempty"`
	At        time.Time `json:"at"`
}

// CommandPayload is the schema for runs.commands messages. Command is one of
// start, pause, resume, retry, abort, done; Args holds its arguments.
type CommandPayload struct {
	RunID     string          `json:"run_id"`
	Command   string          `json:"command"`
	Args      json.RawMessage `json:"args,omitempty"`
	Actor     string          `json:"actor,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
}

// CommandArgs are the optional arguments of a CommandPayload.
type CommandArgs struct {
	TargetState string `json:"target_state,omitempty"`
	Reason      string `json:"reason,omitempty"`
}
