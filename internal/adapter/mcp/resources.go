package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/Strob0t/AgentPR/internal/domain/run"
	"github.com/Strob0t/AgentPR/internal/port/ledger"
)

const runURIPrefix = "agentpr://runs/"

// registerResources registers all MCP resources on the server.
func (s *Server) registerResources() {
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"agentpr://runs/active",
			"Active Runs",
			mcplib.WithResourceDescription("Runs that are neither DONE nor FAILED"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleActiveRunsResource,
	)

	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			runURIPrefix+"{run_id}",
			"Run",
			mcplib.WithTemplateDescription("A run with its current snapshot"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleRunResource,
	)
}

func (s *Server) handleActiveRunsResource(ctx context.Context, req mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	if s.deps.Runs == nil {
		return jsonContents(req.Params.URI, `{"error":"run reader not configured"}`), nil
	}
	var states []run.State
	for _, st := range run.AllStates {
		if !st.Terminal() {
			states = append(states, st)
		}
	}
	views, err := s.deps.Runs.List(ctx, ledger.ListFilter{States: states})
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(views)
	if err != nil {
		return nil, err
	}
	return jsonContents(req.Params.URI, string(data)), nil
}

func (s *Server) handleRunResource(ctx context.Context, req mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	if s.deps.Runs == nil {
		return jsonContents(req.Params.URI, `{"error":"run reader not configured"}`), nil
	}
	id := strings.TrimPrefix(req.Params.URI, runURIPrefix)
	if id == "" || id == req.Params.URI {
		return nil, fmt.Errorf("invalid run uri %q", req.Params.URI)
	}
	v, err := s.deps.Runs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonContents(req.Params.URI, string(data)), nil
}

func jsonContents(uri, text string) []mcplib.ResourceContents {
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     text,
		},
	}
}
