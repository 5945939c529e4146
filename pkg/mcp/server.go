// Package mcp exposes router introspection and execution to agents over an
// MCP stdio transport.
package mcp

import (
	"context"
	"io"
	"log"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"

	"github.com/pario-ai/ladder/pkg/budget"
	"github.com/pario-ai/ladder/pkg/contract"
	"github.com/pario-ai/ladder/pkg/engine"
	"github.com/pario-ai/ladder/pkg/models"
	"github.com/pario-ai/ladder/pkg/tracker"
)

const instructions = "Route LLM calls through ladder_execute; inspect routing with ladder_select_model and ladder_explain_route."

// CacheStatter provides cache statistics without coupling to a concrete cache implementation.
type CacheStatter interface {
	Stats() (models.CacheStats, error)
}

// Signaler records tool activity for the contract manager.
type Signaler interface {
	Signal(kind string, meta map[string]any) error
}

// Options wire a Server. Everything except the engine is optional.
type Options struct {
	Tracker  tracker.Tracker
	Budget   *budget.Accountant
	Contract *contract.Manager
	Cache    CacheStatter
	Signals  Signaler
	Version  string
	Log      zerolog.Logger
}

// Server registers the ladder tools on an MCP server.
type Server struct {
	engine *engine.Engine
	opts   Options
	mcp    *server.MCPServer
}

// New creates a Server with every tool registered.
func New(eng *engine.Engine, opts Options) *Server {
	s := &Server{engine: eng, opts: opts}
	s.mcp = server.NewMCPServer(
		"ladder",
		opts.Version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions(instructions),
		server.WithToolHandlerMiddleware(s.signal),
	)
	s.mcp.AddTools(s.tools()...)
	return s
}

// MCPServer returns the underlying MCP server.
func (s *Server) MCPServer() *server.MCPServer { return s.mcp }

// Run serves MCP over r and w. It blocks until r is closed or ctx is
// cancelled.
func (s *Server) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(log.New(s.opts.Log.With().Str("transport", "stdio").Logger(), "", 0))
	return stdio.Listen(ctx, r, w)
}

// signal records every tool call as contract activity.
func (s *Server) signal(next server.ToolHandlerFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
		if s.opts.Signals != nil {
			if err := s.opts.Signals.Signal(contract.KindToolCall, map[string]any{"tool": req.Params.Name}); err != nil {
				s.opts.Log.Warn().Err(err).Msg("mcp: activity signal")
			}
		}
		return next(ctx, req)
	}
}
