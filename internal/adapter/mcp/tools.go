package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/Strob0t/AgentPR/internal/domain/run"
	"github.com/Strob0t/AgentPR/internal/port/ledger"
)

// registerTools registers all MCP tools on the server.
func (s *Server) registerTools() {
	s.mcpServer.AddTools(
		s.listRunsTool(),
		s.getRunTool(),
		s.getEventsTool(),
		s.listArtifactsTool(),
		s.getArtifactTool(),
		s.gateReadinessTool(),
	)
}

func (s *Server) listRunsTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("list_runs",
		mcplib.WithDescription("List runs with their current snapshot, newest first"),
		mcplib.WithString("state",
			mcplib.Description("Comma-separated states to filter by, e.g. EXECUTING,NEEDS_HUMAN"),
		),
		mcplib.WithNumber("limit",
			mcplib.Description("Maximum number of runs to return"),
		),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleListRuns}
}

func (s *Server) getRunTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("get_run",
		mcplib.WithDescription("Get a run and its current snapshot by run ID"),
		mcplib.WithString("run_id",
			mcplib.Required(),
			mcplib.Description("The run ID to look up"),
		),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleGetRun}
}

func (s *Server) getEventsTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("get_events",
		mcplib.WithDescription("Get the ordered event ledger of a run"),
		mcplib.WithString("run_id",
			mcplib.Required(),
			mcplib.Description("The run ID"),
		),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleGetEvents}
}

func (s *Server) listArtifactsTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("list_artifacts",
		mcplib.WithDescription("List the artifacts recorded for a run, without content"),
		mcplib.WithString("run_id",
			mcplib.Required(),
			mcplib.Description("The run ID"),
		),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleListArtifacts}
}

func (s *Server) getArtifactTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("get_artifact",
		mcplib.WithDescription("Read artifact content by reference (artifact:<run_id>:<type>:<id>)"),
		mcplib.WithString("ref",
			mcplib.Required(),
			mcplib.Description("The artifact reference"),
		),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleGetArtifact}
}

func (s *Server) gateReadinessTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("gate_readiness",
		mcplib.WithDescription("Evaluate whether a run meets the definition of done for opening a pull request"),
		mcplib.WithString("run_id",
			mcplib.Required(),
			mcplib.Description("The run ID"),
		),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleGateReadiness}
}

func (s *Server) handleListRuns(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Runs == nil {
		return mcplib.NewToolResultError("run reader not configured"), nil
	}
	args := req.GetArguments()
	var f ledger.ListFilter
	if raw, ok := args["state"].(string); ok && raw != "" {
		for part := range strings.SplitSeq(raw, ",") {
			st, err := run.ParseState(strings.ToUpper(strings.TrimSpace(part)))
			if err != nil {
				return mcplib.NewToolResultError(err.Error()), nil
			}
			f.States = append(f.States, st)
		}
	}
	if limit, ok := args["limit"].(float64); ok && limit > 0 {
		f.Limit = int(limit)
	}
	views, err := s.deps.Runs.List(ctx, f)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to list runs", err), nil
	}
	return marshalResult(views, "runs")
}

func (s *Server) handleGetRun(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Runs == nil {
		return mcplib.NewToolResultError("run reader not configured"), nil
	}
	runID, ok := runIDArg(req)
	if !ok {
		return mcplib.NewToolResultError("run_id is required"), nil
	}
	v, err := s.deps.Runs.Get(ctx, runID)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr(fmt.Sprintf("failed to get run %s", runID), err), nil
	}
	return marshalResult(v, "run")
}

func (s *Server) handleGetEvents(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Runs == nil {
		return mcplib.NewToolResultError("run reader not configured"), nil
	}
	runID, ok := runIDArg(req)
	if !ok {
		return mcplib.NewToolResultError("run_id is required"), nil
	}
	events, err := s.deps.Runs.Events(ctx, runID)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr(fmt.Sprintf("failed to get events of %s", runID), err), nil
	}
	return marshalResult(events, "events")
}

func (s *Server) handleListArtifacts(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Runs == nil {
		return mcplib.NewToolResultError("run reader not configured"), nil
	}
	runID, ok := runIDArg(req)
	if !ok {
		return mcplib.NewToolResultError("run_id is required"), nil
	}
	arts, err := s.deps.Runs.Artifacts(ctx, runID)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr(fmt.Sprintf("failed to list artifacts of %s", runID), err), nil
	}
	type listed struct {
		Ref       string         `json:"ref"`
		Type      string         `json:"type"`
		MediaType string         `json:"media_type"`
		Metadata  map[string]any `json:"metadata,omitempty"`
	}
	out := make([]listed, len(arts))
	for i := range arts {
		out[i] = listed{
			Ref:       arts[i].ContentRef(),
			Type:      string(arts[i].Type),
			MediaType: arts[i].MediaType,
			Metadata:  arts[i].Metadata,
		}
	}
	return marshalResult(out, "artifacts")
}

func (s *Server) handleGetArtifact(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Runs == nil {
		return mcplib.NewToolResultError("run reader not configured"), nil
	}
	ref, _ := req.GetArguments()["ref"].(string)
	if ref == "" {
		return mcplib.NewToolResultError("ref is required"), nil
	}
	data, err := s.deps.Runs.ArtifactContent(ctx, ref)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr(fmt.Sprintf("failed to read %s", ref), err), nil
	}
	return mcplib.NewToolResultText(string(data)), nil
}

func (s *Server) handleGateReadiness(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Gates == nil {
		return mcplib.NewToolResultError("gate service not configured"), nil
	}
	runID, ok := runIDArg(req)
	if !ok {
		return mcplib.NewToolResultError("run_id is required"), nil
	}
	r, err := s.deps.Gates.Readiness(ctx, runID)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr(fmt.Sprintf("failed to evaluate %s", runID), err), nil
	}
	return marshalResult(r, "readiness")
}

func runIDArg(req mcplib.CallToolRequest) (string, bool) { //nolint:gocritic // hugeParam: mcp-go request type
	id, ok := req.GetArguments()["run_id"].(string)
	return id, ok && id != ""
}

func marshalResult(v any, what string) (*mcplib.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal "+what, err), nil
	}
	return toolResultJSON(string(data)), nil
}
