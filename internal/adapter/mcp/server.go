// Package mcp exposes the run ledger to agents over the Model Context
// Protocol. Every tool is read-only.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/Strob0t/AgentPR/internal/domain/artifact"
	"github.com/Strob0t/AgentPR/internal/domain/event"
	"github.com/Strob0t/AgentPR/internal/domain/gate"
	"github.com/Strob0t/AgentPR/internal/port/ledger"
)

// RunReader is the read side of the run service.
type RunReader interface {
	List(ctx context.Context, f ledger.ListFilter) ([]ledger.RunView, error)
	Get(ctx context.Context, id string) (ledger.RunView, error)
	Events(ctx context.Context, id string) ([]event.Event, error)
	Artifacts(ctx context.Context, id string) ([]artifact.Artifact, error)
	ArtifactContent(ctx context.Context, ref string) ([]byte, error)
}

// ReadinessReader evaluates the definition of done for a run.
type ReadinessReader interface {
	Readiness(ctx context.Context, runID string) (gate.Readiness, error)
}

// ServerConfig configures the MCP server.
type ServerConfig struct {
	Addr    string
	Name    string
	Version string
	// APIKey guards the HTTP transport. Empty disables auth.
	APIKey string
}

// ServerDeps are the services the tools read from. Nil deps make the
// corresponding tools return an error result.
type ServerDeps struct {
	Runs  RunReader
	Gates ReadinessReader
}

// Server wraps an mcp-go server with the AgentPR tools and resources.
type Server struct {
	cfg       ServerConfig
	deps      ServerDeps
	mcpServer *mcpserver.MCPServer
	http      *http.Server
}

// NewServer creates a Server and registers its tools and resources.
func NewServer(cfg ServerConfig, deps ServerDeps) *Server {
	if cfg.Name == "" {
		cfg.Name = "agentpr"
	}
	s := &Server{
		cfg:  cfg,
		deps: deps,
		mcpServer: mcpserver.NewMCPServer(cfg.Name, cfg.Version,
			mcpserver.WithToolCapabilities(false),
			mcpserver.WithResourceCapabilities(false, false),
			mcpserver.WithRecovery(),
		),
	}
	s.registerTools()
	s.registerResources()
	return s
}

// MCPServer returns the underlying mcp-go server.
func (s *Server) MCPServer() *mcpserver.MCPServer { return s.mcpServer }

// Start serves the streamable HTTP transport on cfg.Addr in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("mcp listen %s: %w", s.cfg.Addr, err)
	}
	s.http = &http.Server{
		Handler:           AuthMiddleware(s.cfg.APIKey, mcpserver.NewStreamableHTTPServer(s.mcpServer)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("mcp server stopped", "error", err)
		}
	}()
	slog.Info("mcp server listening", "addr", ln.Addr().String())
	return nil
}

// Stop shuts the HTTP transport down.
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// ServeStdio serves the stdio transport until ctx is done or stdin closes.
func (s *Server) ServeStdio(ctx context.Context) error {
	return mcpserver.NewStdioServer(s.mcpServer).Listen(ctx, os.Stdin, os.Stdout)
}

func toolResultJSON(data string) *mcplib.CallToolResult {
	return mcplib.NewToolResultText(data)
}
