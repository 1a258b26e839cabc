// Package mcpserver exposes the registered tools over the Model Context
// Protocol so agent runtimes can drive the dispatch service. Tool schemas
// pass through as raw JSON; execution delegates to the tool registry.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"opsflow/internal/adapter/tool"
	"opsflow/internal/domain"
)

// ToolSource yields the tools to expose. Satisfied by tool.Registry.
type ToolSource interface {
	List() []domain.Tool
}

// Server wraps an MCP server around the tool registry.
type Server struct {
	mcp    *server.MCPServer
	bus    domain.EventBus
	logger *slog.Logger
}

// New builds an MCP server exposing every tool in the source.
// The bus may be nil; tool call events are then skipped.
func New(name, version string, tools ToolSource, bus domain.EventBus, logger *slog.Logger) *Server {
	s := &Server{
		mcp: server.NewMCPServer(name, version,
			server.WithToolCapabilities(true),
			server.WithRecovery(),
		),
		bus:    bus,
		logger: logger,
	}

	for _, t := range tools.List() {
		s.mcp.AddTool(
			mcp.NewToolWithRawSchema(t.Name(), t.Description(), t.Schema().Parameters),
			s.toolHandler(t),
		)
		logger.Debug("mcp tool exposed", "tool", t.Name())
	}

	return s
}

// ServeStdio serves MCP over stdin/stdout until the context is canceled
// or stdin closes.
func (s *Server) ServeStdio(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcp)
	if err := stdio.Listen(ctx, os.Stdin, os.Stdout); err != nil && ctx.Err() == nil {
		return fmt.Errorf("mcp stdio: %w", err)
	}
	return nil
}

// toolHandler adapts a domain tool to an MCP tool handler.
func (s *Server) toolHandler(t domain.Tool) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		params := rawArguments(request)

		tool.PublishToolEvent(ctx, s.bus, domain.EventToolCallStarted, "",
			map[string]string{"tool": t.Name()})

		result, err := t.Execute(ctx, params)
		if err != nil {
			// Tools fold failures into the result; an error here is a bug
			// in the tool, not a bad call.
			s.logger.Error("tool execution error", "tool", t.Name(), "error", err)
			return mcp.NewToolResultError(fmt.Sprintf("internal error: %v", err)), nil
		}

		tool.PublishToolEvent(ctx, s.bus, domain.EventToolCallCompleted, "",
			map[string]any{"tool": t.Name(), "is_error": result.IsError})

		if result.IsError {
			return mcp.NewToolResultError(result.Content), nil
		}
		return mcp.NewToolResultText(result.Content), nil
	}
}

// rawArguments re-encodes the request arguments as raw JSON for the
// domain tool interface. Absent arguments become an empty object.
func rawArguments(request mcp.CallToolRequest) json.RawMessage {
	if request.Params.Arguments == nil {
		return json.RawMessage(`{}`)
	}
	data, err := json.Marshal(request.Params.Arguments)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}
