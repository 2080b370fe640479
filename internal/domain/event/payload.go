package event

// CreatePayload starts a run's history.
type CreatePayload struct {
	Owner         string `json:"owner"`
	Repo          string `json:"repo"`
	Workspace     string `json:"workspace"`
	Task          string `json:"task"`
	PolicyProfile string `json:"policy_profile,omitempty"`
	RetryOf       string `json:"retry_of,omitempty"`
	Instructions  string `json:"instructions,omitempty"`
}

// TargetPayload carries the explicit target for resume and retry.
type TargetPayload struct {
	TargetState string `json:"target_state"`
	Reason      string `json:"reason,omitempty"`
}

// AbortPayload fails a run on operator request.
type AbortPayload struct {
	Reason string `json:"reason"`
}

// PRLinkedPayload attaches the external review id.
type PRLinkedPayload struct {
	PRNumber int    `json:"pr_number"`
	URL      string `json:"url,omitempty"`
}

// GateBypassPayload records an emergency bypass of the readiness checks.
type GateBypassPayload struct {
	RequestID    string   `json:"request_id"`
	FailedChecks []string `json:"failed_checks"`
	Operator     string   `json:"operator,omitempty"`
}

// AgentStartedPayload marks an agent attempt as in flight.
type AgentStartedPayload struct {
	AttemptNo    int    `json:"attempt_no"`
	Instructions string `json:"instructions,omitempty"`
}

// AgentCompletedPayload projects the classifier verdict for an attempt.
type AgentCompletedPayload struct {
	AttemptNo  int    `json:"attempt_no"`
	ExitCode   int    `json:"exit_code"`
	Grade      string `json:"grade"`
	ReasonCode string `json:"reason_code"`
	Confidence string `json:"confidence"`
}

// PushCompletedPayload records the pushed branch.
type PushCompletedPayload struct {
	Branch string `json:"branch"`
	Commit string `json:"commit,omitempty"`
}

// StepFailedPayload fails a run on a worker error.
type StepFailedPayload struct {
	Step         string `json:"step"`
	ReasonCode   string `json:"reason_code"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// EscalatedPayload moves a run to human attention.
type EscalatedPayload struct {
	ReasonCode string `json:"reason_code"`
	Rationale  string `json:"rationale,omitempty"`
}

// CheckCompletedPayload is a CI conclusion for the run's pull request.
type CheckCompletedPayload struct {
	PRNumber   int    `json:"pr_number"`
	Conclusion string `json:"conclusion"`
	Name       string `json:"name,omitempty"`
	DeliveryID string `json:"delivery_id,omitempty"`
}

// ReviewSubmittedPayload is a review state for the run's pull request.
type ReviewSubmittedPayload struct {
	PRNumber   int    `json:"pr_number"`
	State      string `json:"state"`
	Body       string `json:"body,omitempty"`
	DeliveryID string `json:"delivery_id,omitempty"`
}

// CommentCreatedPayload is a comment on the run's pull request.
type CommentCreatedPayload struct {
	PRNumber   int    `json:"pr_number"`
	Author     string `json:"author,omitempty"`
	Body       string `json:"body,omitempty"`
	DeliveryID string `json:"delivery_id,omitempty"`
}

// TimeoutPayload fails a run whose step exceeded its deadline.
type TimeoutPayload struct {
	Step string `json:"step"`
}
