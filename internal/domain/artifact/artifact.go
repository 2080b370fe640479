// Package artifact defines the typed side-outputs attached to a run.
package artifact

import (
	"encoding/json"
	"strconv"
	"time"
)

// Type names an artifact kind. Consumers read the most recent of a type.
type Type string

const (
	TypeContract        Type = "contract"
	TypeRunDigest       Type = "run_digest"
	TypeManagerInsight  Type = "manager_insight"
	TypeEventStream     Type = "agent_event_stream"
	TypeGateRequest     Type = "pr_gate_request"
	TypeGateBypass      Type = "pr_gate_bypass"
	TypePRURL           Type = "pr_url"
	TypeRetryStrategy   Type = "retry_strategy"
	TypeReviewTriage    Type = "review_triage"
	TypeNotification    Type = "notification"
	TypeManagerDecision Type = "manager_decision"
)

// Artifact is one append-only side-output.
type Artifact struct {
	ID        int64          `json:"id"`
	RunID     string         `json:"run_id"`
	Type      Type           `json:"type"`
	MediaType string         `json:"media_type"`
	Content   []byte         `json:"-"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ContentRef is the stable reference under which the content is cached.
func (a *Artifact) ContentRef() string {
	return "artifact:" + a.RunID + ":" + string(a.Type) + ":" + strconv.FormatInt(a.ID, 10)
}

// JSON builds an artifact whose content is v encoded as JSON.
func JSON(runID string, typ Type, v any, meta map[string]any) (Artifact, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Artifact{}, err
	}
	return Artifact{RunID: runID, Type: typ, MediaType: "application/json", Content: data, Metadata: meta}, nil
}

// Text builds an artifact with text content of the given media type.
func Text(runID string, typ Type, mediaType, content string, meta map[string]any) Artifact {
	return Artifact{RunID: runID, Type: typ, MediaType: mediaType, Content: []byte(content), Metadata: meta}
}

// Decode unmarshals a JSON artifact's content into v.
func (a *Artifact) Decode(v any) error {
	return json.Unmarshal(a.Content, v)
}

// Contract is the task contract written when a run is created.
type Contract struct {
	Owner         string    `json:"owner"`
	Repo          string    `json:"repo"`
	Task          string    `json:"task"`
	Instructions  string    `json:"instructions,omitempty"`
	PolicyProfile string    `json:"policy_profile,omitempty"`
	Workspace     string    `json:"workspace"`
	CreatedAt     time.Time `json:"created_at"`
}
