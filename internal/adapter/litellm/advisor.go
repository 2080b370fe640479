package litellm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Strob0t/AgentPR/internal/domain/decision"
	"github.com/Strob0t/AgentPR/internal/domain/evidence"
	"github.com/Strob0t/AgentPR/internal/domain/run"
	"github.com/Strob0t/AgentPR/internal/domain/verdict"
)

// ErrInvalidOutput is returned when the model's answer does not match the
// tool schema.
var ErrInvalidOutput = errors.New("advisor output invalid")

// Advisor is the advisory model. It implements verdict.Reviewer and
// decision.Advisor and only ever sends extracted evidence and run facts.
type Advisor struct {
	client  *Client
	schemas map[string]*jsonschema.Schema
	log     *slog.Logger
}

var (
	_ verdict.Reviewer = (*Advisor)(nil)
	_ decision.Advisor = (*Advisor)(nil)
)

// NewAdvisor wraps c. A nil logger discards fallback notices.
func NewAdvisor(c *Client, log *slog.Logger) (*Advisor, error) {
	schemas, err := compileTools()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Advisor{client: c, schemas: schemas, log: log}, nil
}

// ReviewEvidence implements verdict.Reviewer.
func (a *Advisor) ReviewEvidence(ctx context.Context, state string, rule verdict.Verdict, ev *evidence.Evidence) (verdict.Opinion, error) {
	input := map[string]any{
		"state":                  state,
		"rule_verdict":           rule,
		"worker_output_evidence": ev,
	}
	var out struct {
		Verdict    string `json:"verdict"`
		Reason     string `json:"reason"`
		Confidence string `json:"confidence"`
	}
	if err := a.call(ctx, ToolGradeOutput, input, &out); err != nil {
		return verdict.Opinion{}, err
	}
	return verdict.Opinion{
		Verdict:    strings.ToUpper(strings.TrimSpace(out.Verdict)),
		Reason:     strings.TrimSpace(out.Reason),
		Confidence: verdict.ParseConfidence(out.Confidence),
	}, nil
}

// SuggestRetry implements decision.Advisor.
func (a *Advisor) SuggestRetry(ctx context.Context, snap run.Snapshot, task string) (decision.RetryStrategy, error) {
	input := map[string]any{
		"failure_evidence": map[string]any{
			"run_id":      snap.RunID,
			"state":       snap.State,
			"last_error":  snap.LastError,
			"reason_code": snap.ReasonCode,
			"grade":       snap.Grade,
			"task":        task,
		},
	}
	var out decision.RetryStrategy
	if err := a.call(ctx, ToolSuggestRetry, input, &out); err != nil {
		return decision.RetryStrategy{}, err
	}
	out.Confidence = string(verdict.ParseConfidence(out.Confidence))
	if out.Reason == "" {
		out.Reason = "retry strategy decision"
	}
	return out, nil
}

// TriageComment implements decision.Advisor.
func (a *Advisor) TriageComment(ctx context.Context, snap run.Snapshot, c decision.Comment) (decision.Triage, error) {
	input := map[string]any{
		"comment": c.Body,
		"author":  c.Author,
		"run_context": map[string]any{
			"run_id":    snap.RunID,
			"state":     snap.State,
			"pr_number": snap.PRNumber,
		},
	}
	var out struct {
		Action     string  `json:"action"`
		Reason     string  `json:"reason"`
		Confidence string  `json:"confidence"`
		ReplyDraft *string `json:"reply_draft"`
	}
	if err := a.call(ctx, ToolTriageComment, input, &out); err != nil {
		return decision.Triage{}, err
	}
	t := decision.Triage{
		Action:     out.Action,
		Reason:     out.Reason,
		Confidence: string(verdict.ParseConfidence(out.Confidence)),
	}
	if out.ReplyDraft != nil {
		t.Reply = strings.TrimSpace(*out.ReplyDraft)
	}
	if t.Reason == "" {
		t.Reason = "triage decision"
	}
	return t, nil
}

// call forces a tool call and decodes its validated arguments into out. If
// the endpoint rejects tools with a 400 it retries once asking for plain
// JSON content.
func (a *Advisor) call(ctx context.Context, tool string, input any, out any) error {
	spec := toolSpecs[tool]
	user, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("marshal %s input: %w", tool, err)
	}
	messages := []Message{
		{Role: "system", Content: spec.system},
		{Role: "user", Content: string(user)},
	}
	choice := &ToolChoice{Type: "function"}
	choice.Function.Name = tool

	resp, err := a.client.Chat(ctx, ChatRequest{
		Messages:   messages,
		Tools:      []Tool{toolFor(tool)},
		ToolChoice: choice,
	})
	var raw []byte
	switch {
	case err == nil:
		raw, err = toolArguments(resp)
	default:
		var apiErr *APIError
		if !errors.As(err, &apiErr) || !apiErr.BadRequest() {
			return fmt.Errorf("%s: %w", tool, err)
		}
		a.log.Info("advisor falling back to json content", "tool", tool, "status", apiErr.Status)
		resp, err = a.client.Chat(ctx, ChatRequest{
			Messages: append(messages, Message{Role: "system", Content: spec.fallback}),
		})
		if err != nil {
			return fmt.Errorf("%s fallback: %w", tool, err)
		}
		raw, err = contentJSON(resp)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", tool, err)
	}
	return a.validate(tool, raw, out)
}

func (a *Advisor) validate(tool string, raw []byte, out any) error {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%w: %s arguments are not json: %s", ErrInvalidOutput, tool, truncate(string(raw), 400))
	}
	if _, ok := doc.(map[string]any); !ok {
		return fmt.Errorf("%w: %s arguments must be an object", ErrInvalidOutput, tool)
	}
	if err := a.schemas[tool].Validate(doc); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidOutput, tool, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode %s: %w", ErrInvalidOutput, tool, err)
	}
	return nil
}

// toolArguments returns the first tool call's arguments, falling back to
// the message content when the model answered in prose.
func toolArguments(resp *ChatResponse) ([]byte, error) {
	msg := resp.Choices[0].Message
	if len(msg.ToolCalls) > 0 {
		args := strings.TrimSpace(msg.ToolCalls[0].Function.Arguments)
		if args == "" {
			args = "{}"
		}
		return []byte(args), nil
	}
	return contentJSON(resp)
}

// contentJSON extracts a JSON object from message content, which is either
// a string or a list of text parts. Code fences are stripped.
func contentJSON(resp *ChatResponse) ([]byte, error) {
	content := resp.Choices[0].Message.Content
	var text string
	if err := json.Unmarshal(content, &text); err != nil {
		var parts []struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(content, &parts); err != nil {
			return nil, fmt.Errorf("%w: unsupported content shape", ErrInvalidOutput)
		}
		texts := make([]string, 0, len(parts))
		for _, p := range parts {
			if t := strings.TrimSpace(p.Text); t != "" {
				texts = append(texts, t)
			}
		}
		text = strings.Join(texts, "\n")
	}
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: content is empty", ErrInvalidOutput)
	}
	return bytes.TrimSpace([]byte(text)), nil
}
