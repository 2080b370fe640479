package litellm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Advisory tool names.
const (
	ToolGradeOutput   = "grade_worker_output"
	ToolSuggestRetry  = "suggest_retry_strategy"
	ToolTriageComment = "triage_review_comment"
)

type toolSpec struct {
	description string
	schema      string
	system      string
	// fallback is appended as a system message when the endpoint rejects
	// forced tool calls.
	fallback string
}

var toolSpecs = map[string]toolSpec{
	ToolGradeOutput: {
		description: "Grade worker output semantics for runtime classification.",
		schema: `{
  "type": "object",
  "properties": {
    "verdict":    {"type": "string", "enum": ["PASS", "NEEDS_REVIEW", "FAIL"]},
    "reason":     {"type": "string"},
    "confidence": {"type": "string", "enum": ["low", "medium", "high"]}
  },
  "required": ["verdict", "reason", "confidence"],
  "additionalProperties": false
}`,
		system: "You are the AgentPR runtime semantic grader. Use only the provided evidence. " +
			"Check whether test infrastructure exists, whether required tests ran, " +
			"whether alternative validation is sufficient when tests are absent, " +
			"whether the change scope matches its risk and whether the worker's self-report agrees with the evidence. " +
			"Output PASS only when the criteria are clearly satisfied.",
		fallback: "Return ONLY one compact JSON object with fields: " +
			"verdict (PASS|NEEDS_REVIEW|FAIL), reason (string), confidence (low|medium|high).",
	},
	ToolSuggestRetry: {
		description: "Analyze a failure and recommend a retry strategy.",
		schema: `{
  "type": "object",
  "properties": {
    "should_retry":          {"type": "boolean"},
    "target_state":          {"type": "string"},
    "modified_instructions": {"type": "string"},
    "reason":                {"type": "string"},
    "confidence":            {"type": "string", "enum": ["low", "medium", "high"]}
  },
  "required": ["should_retry", "reason", "confidence"],
  "additionalProperties": false
}`,
		system: "You are the AgentPR failure-diagnosis agent. Given failure evidence, decide whether " +
			"retrying is worthwhile or will repeat the same error, and what instructions should change. " +
			"Environment and transient errors warrant a retry. A fundamental misunderstanding of the task does not. " +
			"If uncertain, recommend a retry with low confidence.",
		fallback: "Return ONLY one compact JSON object with fields: should_retry (boolean), " +
			"target_state (string), modified_instructions (string), reason (string), confidence (low|medium|high).",
	},
	ToolTriageComment: {
		description: "Triage a PR review comment into an action.",
		schema: `{
  "type": "object",
  "properties": {
    "action":      {"type": "string", "enum": ["fix_code", "reply_explain", "ignore"]},
    "reason":      {"type": "string"},
    "confidence":  {"type": "string", "enum": ["low", "medium", "high"]},
    "reply_draft": {"type": ["string", "null"]}
  },
  "required": ["action", "reason", "confidence"],
  "additionalProperties": false
}`,
		system: "You are the AgentPR review-comment triage agent. " +
			"Requested changes with concrete code suggestions map to fix_code. " +
			"Questions about design choices map to reply_explain. " +
			"Nitpicks, praise and approvals map to ignore. If uncertain, prefer fix_code over ignore.",
		fallback: "Return ONLY one compact JSON object with fields: action (fix_code|reply_explain|ignore), " +
			"reason (string), confidence (low|medium|high), reply_draft (string|null).",
	},
}

// compileTools compiles every tool's parameter schema.
func compileTools() (map[string]*jsonschema.Schema, error) {
	out := make(map[string]*jsonschema.Schema, len(toolSpecs))
	for name, spec := range toolSpecs {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://agentpr.local/tools/%s.schema.json", name)
		if err := c.AddResource(url, strings.NewReader(spec.schema)); err != nil {
			return nil, fmt.Errorf("load %s schema: %w", name, err)
		}
		s, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", name, err)
		}
		out[name] = s
	}
	return out, nil
}

func toolFor(name string) Tool {
	spec := toolSpecs[name]
	return Tool{
		Type: "function",
		Function: ToolFunction{
			Name:        name,
			Description: spec.description,
			Parameters:  json.RawMessage(spec.schema),
		},
	}
}
