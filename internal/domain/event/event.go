// Package event defines the immutable facts recorded in the run ledger.
package event

import (
	"crypto/sha1" //nolint:gosec // key derivation, not a security boundary
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
)

// Type identifies the kind of event. The prefix names the producer.
type Type string

const (
	TypeRunCreated Type = "command.run.create"
	TypeRunStarted Type = "command.run.start"
	TypePause      Type = "command.pause"
	TypeResume     Type = "command.resume"
	TypeRetry      Type = "command.retry"
	TypeAbort      Type = "command.abort"
	TypeMarkDone   Type = "command.mark.done"
	TypePRLinked   Type = "command.pr.linked"
	TypeGateBypass Type = "command.gate.bypass"

	TypeAgentStarted   Type = "worker.agent.started"
	TypeAgentCompleted Type = "worker.agent.completed"
	TypePushCompleted  Type = "worker.push.completed"
	TypeStepFailed     Type = "worker.step.failed"

	TypeEscalated Type = "manager.escalated"

	TypeCheckCompleted  Type = "github.check.completed"
	TypeReviewSubmitted Type = "github.review.submitted"
	TypeCommentCreated  Type = "github.comment.created"

	TypeTimeout Type = "timer.timeout"
)

var knownTypes = map[Type]bool{
	TypeRunCreated:      true,
	TypeRunStarted:      true,
	TypePause:           true,
	TypeResume:          true,
	TypeRetry:           true,
	TypeAbort:           true,
	TypeMarkDone:        true,
	TypePRLinked:        true,
	TypeGateBypass:      true,
	TypeAgentStarted:    true,
	TypeAgentCompleted:  true,
	TypePushCompleted:   true,
	TypeStepFailed:      true,
	TypeEscalated:       true,
	TypeCheckCompleted:  true,
	TypeReviewSubmitted: true,
	TypeCommentCreated:  true,
	TypeTimeout:         true,
}

// Valid reports whether t is a recognized event type.
func (t Type) Valid() bool { return knownTypes[t] }

// Event is a single immutable fact about a run. Seq is the per-run
// append position starting at 1.
type Event struct {
	ID             int64           `json:"id"`
	RunID          string          `json:"run_id"`
	Seq            int64           `json:"seq"`
	Type           Type            `json:"type"`
	IdempotencyKey string          `json:"idempotency_key"`
	Payload        json.RawMessage `json:"payload"`
	CreatedAt      time.Time       `json:"created_at"`
}

// New builds an unsaved event. When key is empty it is derived from the
// event type, run id and canonical payload.
func New(runID string, typ Type, payload any, key string) (Event, error) {
	if runID == "" {
		return Event{}, fmt.Errorf("event: run_id is required")
	}
	if !typ.Valid() {
		return Event{}, fmt.Errorf("event: unknown type %q", typ)
	}
	raw, err := marshalPayload(payload)
	if err != nil {
		return Event{}, fmt.Errorf("event %s: %w", typ, err)
	}
	if key == "" {
		key, err = DeriveKey(typ, runID, raw)
		if err != nil {
			return Event{}, err
		}
	}
	return Event{RunID: runID, Type: typ, IdempotencyKey: key, Payload: raw}, nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if len(p) == 0 {
			return json.RawMessage(`{}`), nil
		}
		return p, nil
	default:
		return json.Marshal(p)
	}
}

// DeriveKey returns "<type>:<run>:<digest>" where digest is the first 12 hex
// characters of the sha1 of the RFC 8785 canonical form of payload. Payloads
// that differ only in key order or whitespace derive the same key.
func DeriveKey(typ Type, runID string, payload json.RawMessage) (string, error) {
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	canon, err := jcs.Transform(payload)
	if err != nil {
		return "", fmt.Errorf("canonicalize payload: %w", err)
	}
	sum := sha1.Sum(canon) //nolint:gosec // key derivation
	return fmt.Sprintf("%s:%s:%s", typ, runID, hex.EncodeToString(sum[:])[:12]), nil
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}
